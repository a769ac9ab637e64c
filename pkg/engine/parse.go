package engine

import (
	"encoding/json"
	"strings"

	"github.com/jdziat/job-relay/pkg/core"
)

// Result is a parsed response.
type Result struct {
	Text       string // the text that was decoded, or the response itself when opaque
	Value      any    // decoded JSON value, nil when opaque
	Structured bool
	Recovered  bool  // decoded only after bracket recovery
	Err        error // core.ErrParseRecoveryExhausted when recovery was tried and failed
}

// ParseResponse decodes text as JSON. When that fails it retries once on
// the text from the first '[', prefixed with '{' when a '{' appears before
// that '['. Anything else is returned as an opaque string, which is not an
// error.
func ParseResponse(text string) Result {
	if v, ok := decodeJSON(text); ok {
		return Result{Text: text, Value: v, Structured: true}
	}

	left := strings.IndexByte(text, '[')
	if left < 0 {
		return Result{Text: text}
	}
	candidate := text[left:]
	if brace := strings.IndexByte(text, '{'); brace >= 0 && brace < left {
		candidate = "{" + candidate
	}
	if v, ok := decodeJSON(candidate); ok {
		return Result{Text: candidate, Value: v, Structured: true, Recovered: true}
	}
	return Result{Text: text, Err: core.ErrParseRecoveryExhausted}
}

func decodeJSON(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}
