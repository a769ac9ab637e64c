// Package codec encodes job payloads into the URL fragment wire format and
// decodes them back.
//
// The wire format is three percent-escaped fields joined by '|':
//
//	<jobID>|<filePath>|<content>
//
// Decoding splits on the first two delimiters only, so content may itself
// contain '|'. Decoding never fails outright; a malformed input yields a
// best-effort Payload together with a *core.DecodeError.
package codec

import (
	"net/url"
	"strings"

	"github.com/jdziat/job-relay/pkg/core"
)

// Delimiter separates the wire fields.
const Delimiter = "|"

// Payload is the decoded wire triple.
type Payload struct {
	JobID    string
	FilePath string
	Content  string
}

// Encode joins the escaped fields with the delimiter.
func Encode(jobID, filePath, content string) string {
	return escape(jobID) + Delimiter + escape(filePath) + Delimiter + escape(content)
}

// Decode parses a wire string. The file path is normalized into the sandbox.
// A non-nil error is always a *core.DecodeError and the payload is still usable.
func Decode(wire string) (Payload, error) {
	parts := strings.SplitN(wire, Delimiter, 3)
	if len(parts) < 3 {
		id, _ := unescape(wire)
		return Payload{JobID: id}, &core.DecodeError{Input: wire, Reason: "expected two delimiters"}
	}

	var p Payload
	var failed []string

	id, err := unescape(parts[0])
	if err != nil {
		failed = append(failed, "job id")
	}
	p.JobID = id

	path, err := unescape(parts[1])
	if err != nil {
		failed = append(failed, "file path")
	}
	p.FilePath = NormalizeSandboxPath(path)

	content, err := unescape(parts[2])
	if err != nil {
		failed = append(failed, "content")
	}
	p.Content = content

	if len(failed) > 0 {
		return p, &core.DecodeError{Input: wire, Reason: "malformed escape in " + strings.Join(failed, ", ")}
	}
	return p, nil
}

// escape follows encodeURIComponent: spaces become %20, not '+'.
func escape(s string) string {
	out := url.QueryEscape(s)
	if !strings.Contains(out, "+") {
		return out
	}
	return strings.ReplaceAll(out, "+", "%20")
}

// unescape returns the raw field on failure.
func unescape(s string) (string, error) {
	out, err := url.PathUnescape(s)
	if err != nil {
		return s, err
	}
	return out, nil
}
