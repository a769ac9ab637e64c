package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/job-relay/pkg/core"
)

func TestValidateJobID_Valid(t *testing.T) {
	validIDs := []string{
		"q_write_ab12_1",
		"q_manifest_ffff_12",
		"q_ab12_3",
		"Q_WRITE_AB12_1",
		"q_1",
	}

	for _, id := range validIDs {
		assert.NoError(t, ValidateJobID(id), "Expected %q to be valid", id)
	}
}

func TestValidateJobID_Invalid(t *testing.T) {
	invalidIDs := []string{
		"",
		"q_",
		"job_1",
		"q__1",
		"q_write_ab12_1_",
		"q_write/../1",
		"q_" + strings.Repeat("a", 300),
	}

	for _, id := range invalidIDs {
		assert.ErrorIs(t, ValidateJobID(id), core.ErrInvalidJobID, "Expected %q to be invalid", id)
	}
}

func TestValidateContent(t *testing.T) {
	assert.NoError(t, ValidateContent("small"))
	assert.ErrorIs(t, ValidateContent(strings.Repeat("x", MaxContentSize+1)), core.ErrInvalidConfig)
}

func TestSanitizeErrorMessage(t *testing.T) {
	t.Run("empty string", func(t *testing.T) {
		assert.Equal(t, "", SanitizeErrorMessage(""))
	})

	t.Run("removes control characters", func(t *testing.T) {
		assert.Equal(t, "helloworld\nnext", SanitizeErrorMessage("hello\x00world\x07\nnext"))
	})

	t.Run("truncates long messages", func(t *testing.T) {
		result := SanitizeErrorMessage(strings.Repeat("a", MaxErrorMessageLength+100))
		assert.Equal(t, MaxErrorMessageLength, len([]rune(result)))
		assert.True(t, strings.HasSuffix(result, "..."))
	})
}

func TestAppendError(t *testing.T) {
	var history []string
	assert.Nil(t, AppendError(history, nil))

	history = AppendError(history, errors.New("boom\x00"))
	assert.Equal(t, []string{"boom"}, history)

	for i := 0; i < MaxErrorsKept+5; i++ {
		history = AppendError(history, errors.New("again"))
	}
	assert.Len(t, history, MaxErrorsKept)
	assert.Equal(t, "again", history[0])
}

func TestClampRetries(t *testing.T) {
	assert.Equal(t, 0, ClampRetries(-1))
	assert.Equal(t, 0, ClampRetries(0))
	assert.Equal(t, 5, ClampRetries(5))
	assert.Equal(t, MaxRetries, ClampRetries(MaxRetries+1))
}

func TestClampBatchSize(t *testing.T) {
	assert.Equal(t, 1, ClampBatchSize(0))
	assert.Equal(t, 5, ClampBatchSize(5))
	assert.Equal(t, MaxBatchSize, ClampBatchSize(1000))
}

// ────────────────────────────────────────────────────────────────────────────
// SafeJoin
// ────────────────────────────────────────────────────────────────────────────

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	got, err := SafeJoin(root, "./sandbox/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "src", "main.go"), got)

	got, err = SafeJoin(root, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", filepath.Base(got))
}

func TestSafeJoin_RejectsEscapes(t *testing.T) {
	root := t.TempDir()

	for _, rel := range []string{"../outside.txt", "a/../../b", "./sandbox/", ".", ""} {
		_, err := SafeJoin(root, rel)
		assert.ErrorIs(t, err, core.ErrPathEscapesSandbox, rel)
	}

	_, err := SafeJoin("", "a.txt")
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestSafeJoin_RejectsSymlink(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	_, err := SafeJoin(root, "link/file.txt")
	assert.ErrorIs(t, err, core.ErrPathEscapesSandbox)
}
