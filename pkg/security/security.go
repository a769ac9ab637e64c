// Package security provides validation, sanitization, and limits for the relay packages.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/job-relay/pkg/core"
)

// Security limits and configuration
const (
	// MaxJobIDLength is the maximum length for job ids
	MaxJobIDLength = 255

	// MaxContentSize is the maximum size in bytes accepted for job content (8MB)
	MaxContentSize = 8 << 20

	// MaxRetries is the hard limit for the optional retry bound
	MaxRetries = 1000

	// MaxBatchSize is the hard limit for fan-out batch size
	MaxBatchSize = 50

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxErrorsKept bounds the error history stored on a job
	MaxErrorsKept = 50
)

var validJobID = regexp.MustCompile(`(?i)^q_[a-z0-9]+(_[a-z0-9]+)*$`)

// ValidateJobID validates a job id
func ValidateJobID(id string) error {
	if id == "" || len(id) > MaxJobIDLength {
		return core.ErrInvalidJobID
	}
	if !validJobID.MatchString(id) {
		return core.ErrInvalidJobID
	}
	return nil
}

// ValidateContent rejects content over MaxContentSize
func ValidateContent(content string) error {
	if len(content) > MaxContentSize {
		return fmt.Errorf("%w: content is %d bytes, limit %d", core.ErrInvalidConfig, len(content), MaxContentSize)
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// AppendError appends a sanitized message, keeping the newest MaxErrorsKept
func AppendError(history []string, err error) []string {
	if err == nil {
		return history
	}
	out := append(append([]string(nil), history...), SanitizeErrorMessage(err.Error()))
	if len(out) > MaxErrorsKept {
		out = out[len(out)-MaxErrorsKept:]
	}
	return out
}

// ClampRetries ensures the retry bound is within limits. Zero means unbounded.
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampBatchSize ensures batch size is within limits
func ClampBatchSize(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// SafeJoin resolves a sandbox-relative path under root. It rejects paths
// that climb out of root and existing symlink components below root.
func SafeJoin(root, rel string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("%w: sandbox root is required", core.ErrInvalidConfig)
	}
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "./sandbox/")
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("%w: empty path", core.ErrPathEscapesSandbox)
	}

	rootAbs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("resolve root path %s: %w", root, err)
	}
	target := filepath.Join(rootAbs, filepath.FromSlash(rel))

	r, err := filepath.Rel(rootAbs, target)
	if err != nil {
		return "", fmt.Errorf("resolve relative path for %s: %w", rel, err)
	}
	if r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) || filepath.IsAbs(r) {
		return "", fmt.Errorf("%w: %s", core.ErrPathEscapesSandbox, rel)
	}

	if err := ensureNoSymlinks(rootAbs, target); err != nil {
		return "", err
	}
	return target, nil
}

func ensureNoSymlinks(root, target string) error {
	current := target
	for current != root {
		info, err := os.Lstat(current)
		if err == nil {
			if info.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("%w: symlink component %s", core.ErrPathEscapesSandbox, current)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return nil
}
