package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/job-relay/pkg/core"
	"github.com/jdziat/job-relay/pkg/page"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		structured bool
		recovered  bool
		exhausted  bool
	}{
		{name: "array", in: `[1, 2]`, structured: true},
		{name: "object", in: `{"files": [1]}`, structured: true},
		{name: "prose before array", in: `Here you go: [{"a": 1}]`, structured: true, recovered: true},
		{name: "brace before bracket", in: `note {x} then [1]`, exhausted: true},
		{name: "bracket without json", in: `see [the docs]`, exhausted: true},
		{name: "plain text", in: `<html>OK</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseResponse(tt.in)
			assert.Equal(t, tt.structured, res.Structured)
			assert.Equal(t, tt.recovered, res.Recovered)
			if tt.exhausted {
				assert.ErrorIs(t, res.Err, core.ErrParseRecoveryExhausted)
			} else {
				assert.NoError(t, res.Err)
			}
			if !tt.structured {
				assert.Equal(t, tt.in, res.Text)
				assert.Nil(t, res.Value)
			}
		})
	}
}

func TestParseResponse_RecoveredSlice(t *testing.T) {
	res := ParseResponse(`Sure! [{"qid": "q_write_ab12_1"}]`)
	require.True(t, res.Recovered)
	assert.Equal(t, `[{"qid": "q_write_ab12_1"}]`, res.Text)
	arr, ok := res.Value.([]any)
	require.True(t, ok)
	assert.Len(t, arr, 1)
}

func TestParseResponse_Deterministic(t *testing.T) {
	inputs := []string{`[1]`, `x [1]`, `{ [1]`, `nothing`, ``}
	for _, in := range inputs {
		assert.Equal(t, ParseResponse(in), ParseResponse(in), in)
	}
}

func TestManifestItems(t *testing.T) {
	e, _, _ := newTestEngine(t, page.NewScripted())
	e.job = &core.JobRecord{ID: "q_manifest_beef_1", Kind: core.KindManifest}

	res := ParseResponse(`[
		{"qid": "q_write_ab12_1", "filepath": "./sandbox/a.txt", "content": "a"},
		{"qid": "q_manifest_ab12_2", "filePath": "b.txt", "content": "b"},
		{"qid": "q_command_ab12_3", "filepath": "run.sh", "content": "make up"},
		{"filepath": "c.json", "content": {"k": [1, 2]}},
		{"qid": "q_write_ab12_1", "filepath": "dup.txt", "content": "d"},
		{"qid": "bad id", "filepath": "e.txt", "content": "e"},
		{"qid": "q_write_ab12_9", "content": "no path"},
		{"qid": "q_write_ab12_10", "filepath": "f.txt", "content": null},
		"not an object"
	]`)
	require.True(t, res.Structured)

	items, err := e.manifestItems(res)
	require.NoError(t, err)
	require.Len(t, items, 6)

	assert.Equal(t, ManifestItem{ID: "q_write_ab12_1", Kind: core.KindWrite, FilePath: "./sandbox/a.txt", Content: "a"}, items[0])
	assert.Equal(t, "q_write_ab12_2", items[1].ID, "manifest ids become write ids")
	assert.Equal(t, "./sandbox/b.txt", items[1].FilePath)
	assert.Equal(t, core.KindCommand, items[2].Kind)
	assert.Equal(t, `{"k":[1,2]}`, items[3].Content, "structured content is flattened")

	seen := map[string]bool{}
	for _, it := range items {
		assert.False(t, seen[it.ID], "duplicate id %s", it.ID)
		seen[it.ID] = true
		assert.NoError(t, ValidateManifestItem(map[string]any{"filepath": it.FilePath, "content": it.Content}))
	}
	assert.NotEqual(t, "q_write_ab12_1", items[4].ID, "repeated id is re-minted")
	assert.Regexp(t, `^q_write_[0-9a-f]{4}_\d+$`, items[5].ID)
}

func TestManifestItems_NotAnArray(t *testing.T) {
	e, _, _ := newTestEngine(t, page.NewScripted())
	e.job = &core.JobRecord{ID: "q_manifest_beef_1", Kind: core.KindManifest}

	_, err := e.manifestItems(ParseResponse(`{"files": []}`))
	assert.ErrorIs(t, err, core.ErrInvalidManifest)

	_, err = e.manifestItems(ParseResponse(`just prose`))
	assert.ErrorIs(t, err, core.ErrInvalidManifest)
}

func TestPromptTemplates(t *testing.T) {
	e, _, _ := newTestEngine(t, page.NewScripted())
	st := &core.RelayState{Title: "T", Tickets: map[string]core.Ticket{"T": {Description: "a chess club site"}}}

	e.job = &core.JobRecord{ID: "q_manifest_beef_1", Kind: core.KindManifest}
	p, err := e.prompt(st)
	require.NoError(t, err)
	assert.Contains(t, p, "a chess club site")
	assert.NotContains(t, p, "DEBUG MODE")

	e.cfg.Debug = true
	p, err = e.prompt(st)
	require.NoError(t, err)
	assert.Contains(t, p, "DEBUG MODE")

	p, err = e.prompt(&core.RelayState{})
	require.NoError(t, err)
	assert.Contains(t, p, "MISSING TICKET DESCRIPTION")

	e.job = &core.JobRecord{ID: "q_command_beef_1", Kind: core.KindCommand, Content: "ls -la"}
	p, err = e.prompt(st)
	require.NoError(t, err)
	assert.Equal(t, "ls -la", p)

	e.job = &core.JobRecord{ID: "q_command_beef_2", Kind: core.KindCommand}
	_, err = e.prompt(st)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}
