// Package chunker splits oversized prompts into bounded chunks that the page
// accepts one at a time.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/job-relay/pkg/core"
)

const (
	// DefaultMaxSize is the largest prompt sent without chunking.
	DefaultMaxSize = 100001
	// TokenMax is the largest prompt size the engine accepts as configuration.
	TokenMax = 200000
)

// Continuation tags appended to chunks.
const (
	TagChunked = "CHUNKED — reply OK"
	TagFinal   = "FINAL — execute full prompt"
)

// Chunk is one element of a chunk plan.
type Chunk struct {
	Index int
	Total int
	Text  string // includes the tag suffix when chunked
	Tag   string // empty when the text was not chunked
}

// Final reports whether this is the last chunk.
func (c Chunk) Final() bool {
	return c.Index == c.Total-1
}

// Split returns the text unchanged when it fits in maxSize runes. Otherwise
// it cuts the text into floor(maxSize/2) rune pieces, tagging every piece
// but the last as chunked and the last as final.
func Split(text string, maxSize int) ([]string, error) {
	plan, err := Plan(text, maxSize)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(plan))
	for i, c := range plan {
		out[i] = c.Text
	}
	return out, nil
}

// Plan is Split with index and tag metadata.
func Plan(text string, maxSize int) ([]Chunk, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("%w: chunk max size %d must be positive", core.ErrInvalidConfig, maxSize)
	}

	n := utf8.RuneCountInString(text)
	if n <= maxSize {
		return []Chunk{{Index: 0, Total: 1, Text: text}}, nil
	}

	size := maxSize / 2
	if size == 0 {
		size = 1
	}
	total := (n + size - 1) / size

	runes := []rune(text)
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*size, n)
		tag := TagChunked
		if i == total-1 {
			tag = TagFinal
		}
		chunks = append(chunks, Chunk{
			Index: i,
			Total: total,
			Text:  string(runes[i*size:end]) + " " + tag,
			Tag:   tag,
		})
	}
	return chunks, nil
}

// Strip removes a trailing continuation tag, if any.
func Strip(chunk string) string {
	for _, tag := range []string{TagChunked, TagFinal} {
		if s, ok := strings.CutSuffix(chunk, " "+tag); ok {
			return s
		}
	}
	return chunk
}
