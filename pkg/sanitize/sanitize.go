// Package sanitize strips chat UI chrome from captured response text.
package sanitize

import (
	"regexp"
	"strings"
)

var codeTags = []string{
	"html", "json", "javascript", "js", "on", "php", "css", "bash", "sql",
	"xml", "yaml", "yml", "text", "dotenv", "typescript", "makefile",
	"gitignore", "markdown",
}

var endings = []string{
	"Is this conversation helpful so far?",
	"Updated saved memory",
}

var (
	thoughtRe = regexp.MustCompile(`Thought for .*s`)
	tagRes    = compileTagRes()
	endingRes = compileEndingRes()
)

func compileTagRes() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(codeTags))
	for i, tag := range codeTags {
		out[i] = regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(tag+"Copy code"))
	}
	return out
}

func compileEndingRes() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(endings))
	for i, e := range endings {
		out[i] = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(e))
	}
	return out
}

// Clean removes copy-button labels, attributions, reasoning timers and
// trailing filler from raw response text. It never fails and
// Clean(Clean(s)) == Clean(s).
func Clean(raw string) string {
	s := raw
	for {
		next := pass(s)
		if next == s {
			return s
		}
		s = next
	}
}

func pass(s string) string {
	s = strings.TrimPrefix(s, "Copy code")
	s = strings.ReplaceAll(s, "ChatGPT said:", "")
	s = strings.ReplaceAll(s, "ChatGPT said", "")
	s = thoughtRe.ReplaceAllString(s, "")
	for _, re := range tagRes {
		s = re.ReplaceAllString(s, "")
	}
	for _, re := range endingRes {
		s = re.ReplaceAllString(s, "")
	}
	return s
}
