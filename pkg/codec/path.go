package codec

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SandboxRoot prefixes every normalized path.
const SandboxRoot = "./sandbox/"

var (
	schemeRe      = regexp.MustCompile(`(?i)^[a-z]+://`)
	driveRe       = regexp.MustCompile(`^[A-Z]:/`)
	sandboxRe     = regexp.MustCompile(`(?i)^\./sandbox/?`)
	dotSlashRe    = regexp.MustCompile(`^(\./)+`)
	leadSlashRe   = regexp.MustCompile(`^/+`)
	unsafeRunRe   = regexp.MustCompile(`[^a-z0-9._-]+`)
	dashRunRe     = regexp.MustCompile(`[_-]{2,}`)
	leadDotsRe    = regexp.MustCompile(`^\.+`)
	edgeDashRe    = regexp.MustCompile(`^[_-]+|[_-]+$`)
	multiSlashRe  = regexp.MustCompile(`/{2,}`)
	lowerSegments = cases.Lower(language.Und)
)

// NormalizeSandboxPath confines an arbitrary path to ./sandbox/.
// Absolute paths, URLs and drive letters are stripped, every segment is
// reduced to [a-z0-9._-] and dot segments cannot climb out of the root.
func NormalizeSandboxPath(p string) string {
	if p == "" {
		return SandboxRoot + "unknown"
	}
	s := strings.ReplaceAll(p, `\`, "/")
	s = schemeRe.ReplaceAllString(s, "")
	s = driveRe.ReplaceAllString(s, "")
	s = sandboxRe.ReplaceAllString(s, "")
	s = dotSlashRe.ReplaceAllString(s, "")
	s = leadSlashRe.ReplaceAllString(s, "")

	var parts []string
	for _, seg := range strings.Split(s, "/") {
		if seg == "" {
			continue
		}
		parts = append(parts, normalizeSegment(seg))
	}

	rel := strings.Join(parts, "/")
	if rel == "" {
		rel = "unknown"
	}
	return multiSlashRe.ReplaceAllString(SandboxRoot+rel, "/")
}

func normalizeSegment(seg string) string {
	t := lowerSegments.String(seg)
	t = unsafeRunRe.ReplaceAllString(t, "_")
	t = dashRunRe.ReplaceAllString(t, "_")
	t = leadDotsRe.ReplaceAllString(t, "")
	t = edgeDashRe.ReplaceAllString(t, "")
	if t == "" {
		return "x"
	}
	return t
}
