package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jdziat/job-relay/pkg/codec"
	"github.com/jdziat/job-relay/pkg/core"
	"github.com/jdziat/job-relay/pkg/security"
)

// ManifestItem is one file of a manifest response, ready to dispatch.
type ManifestItem struct {
	ID       string
	Kind     core.JobKind
	FilePath string
	Content  string
}

const manifestItemSchema = `{
	"type": "object",
	"properties": {
		"qid":      {"type": "string"},
		"jobId":    {"type": "string"},
		"id":       {"type": "string"},
		"filepath": {"type": "string", "minLength": 1},
		"filePath": {"type": "string", "minLength": 1},
		"content":  {"not": {"type": "null"}}
	},
	"required": ["content"],
	"anyOf": [
		{"required": ["filepath"]},
		{"required": ["filePath"]}
	]
}`

var itemSchema = mustCompileItemSchema()

func mustCompileItemSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("manifest_item.json", strings.NewReader(manifestItemSchema)); err != nil {
		panic(fmt.Sprintf("add manifest item schema: %v", err))
	}
	schema, err := compiler.Compile("manifest_item.json")
	if err != nil {
		panic(fmt.Sprintf("compile manifest item schema: %v", err))
	}
	return schema
}

// ValidateManifestItem checks one decoded manifest element.
func ValidateManifestItem(v any) error {
	if err := itemSchema.Validate(v); err != nil {
		return fmt.Errorf("manifest item does not match schema: %w", err)
	}
	return nil
}

// manifestItems turns a parsed manifest into dispatchable items. Invalid
// items are logged and skipped. Missing, invalid or repeated ids are minted
// from the parent id and the file path.
func (e *Engine) manifestItems(res Result) ([]ManifestItem, error) {
	arr, ok := res.Value.([]any)
	if !res.Structured || !ok {
		return nil, fmt.Errorf("%w: got %T", core.ErrInvalidManifest, res.Value)
	}

	seen := make(map[string]bool, len(arr))
	items := make([]ManifestItem, 0, len(arr))
	for i, raw := range arr {
		if err := ValidateManifestItem(raw); err != nil {
			e.logger.Warn("skipping invalid manifest item", "job_id", e.job.ID, "index", i, "error", err)
			continue
		}
		m := raw.(map[string]any)

		content, err := flatten(m["content"])
		if err != nil {
			e.logger.Warn("skipping manifest item with unencodable content", "job_id", e.job.ID, "index", i, "error", err)
			continue
		}
		if err := security.ValidateContent(content); err != nil {
			e.logger.Warn("skipping oversized manifest item", "job_id", e.job.ID, "index", i, "error", err)
			continue
		}

		path := firstString(m, "filepath", "filePath")
		id := strings.ToLower(strings.TrimSpace(firstString(m, "qid", "jobId", "id")))
		id = strings.Replace(id, "q_manifest_", "q_write_", 1)
		if security.ValidateJobID(id) != nil || seen[id] {
			id = e.mintItemID(path, i+1, seen)
		}
		seen[id] = true

		kind := kindOf(id, core.KindWrite)
		if kind != core.KindCommand {
			kind = core.KindWrite
		}
		items = append(items, ManifestItem{
			ID:       id,
			Kind:     kind,
			FilePath: codec.NormalizeSandboxPath(path),
			Content:  content,
		})
	}
	return items, nil
}

func (e *Engine) mintItemID(path string, seq int, seen map[string]bool) string {
	desc := e.job.ID + "|" + path
	for {
		id := codec.MintJobID(core.KindWrite, desc, seq)
		if !seen[id] {
			return id
		}
		seq++
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// flatten keeps strings and JSON-encodes anything else so job content
// stays flat text.
func flatten(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
