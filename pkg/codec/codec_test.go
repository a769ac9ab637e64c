package codec

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/job-relay/pkg/core"
)

func TestEncode_EscapesSpacesAsPercent20(t *testing.T) {
	wire := Encode("q_write_ab12_1", "./sandbox/a b.txt", "hello world|x")
	assert.NotContains(t, wire, "+")
	assert.Contains(t, wire, "%20")
	assert.Equal(t, 2, strings.Count(wire, Delimiter), "content delimiter must be escaped")
}

func TestDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		id      string
		path    string
		content string
	}{
		{"plain", "q_write_ab12_1", "./sandbox/src/main.go", "package main"},
		{"pipes in content", "q_write_ab12_2", "./sandbox/a.txt", "a|b|c||"},
		{"unicode content", "q_write_ab12_3", "./sandbox/notes.md", "héllo — 世界 🚀"},
		{"percent and plus", "q_write_ab12_4", "./sandbox/x.txt", "100% + 5 = %zz"},
		{"empty content", "q_write_ab12_5", "./sandbox/empty", ""},
		{"newlines", "q_manifest_ffff_9", "./sandbox/dir/file.json", "{\n  \"a\": 1\n}\r\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Decode(Encode(tc.id, tc.path, tc.content))
			require.NoError(t, err)
			assert.Equal(t, tc.id, p.JobID)
			assert.Equal(t, tc.path, p.FilePath)
			assert.Equal(t, tc.content, p.Content)
		})
	}
}

func TestDecode_NormalizesPath(t *testing.T) {
	p, err := Decode(Encode("q_1_1", "/etc/passwd", "x"))
	require.NoError(t, err)
	assert.Equal(t, "./sandbox/etc/passwd", p.FilePath)
}

func TestDecode_RawPipeInContent(t *testing.T) {
	p, err := Decode("q_1_1|a.txt|left|right")
	require.NoError(t, err)
	assert.Equal(t, "left|right", p.Content)
}

func TestDecode_TooFewDelimiters(t *testing.T) {
	p, err := Decode("q_write%20x_1")

	var de *core.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "q_write x_1", p.JobID)
	assert.Empty(t, p.FilePath)
	assert.Empty(t, p.Content)

	p, err = Decode("q_1|only-path")
	require.Error(t, err)
	assert.Equal(t, "q_1|only-path", p.JobID)
}

func TestDecode_MalformedEscapeIsBestEffort(t *testing.T) {
	p, err := Decode("q_1_1|a.txt|bad%zzcontent")

	var de *core.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Contains(t, de.Reason, "content")
	assert.Equal(t, "q_1_1", p.JobID)
	assert.Equal(t, "./sandbox/a.txt", p.FilePath)
	assert.Equal(t, "bad%zzcontent", p.Content)
}

// ────────────────────────────────────────────────────────────────────────────
// Path normalization
// ────────────────────────────────────────────────────────────────────────────

func TestNormalizeSandboxPath(t *testing.T) {
	cases := map[string]string{
		"":                          "./sandbox/unknown",
		"///":                       "./sandbox/unknown",
		"./sandbox/src/Main.go":     "./sandbox/src/main.go",
		"./SANDBOX/a.txt":           "./sandbox/a.txt",
		"././x/y":                   "./sandbox/x/y",
		`C:\Users\me\file.txt`:      "./sandbox/users/me/file.txt",
		"https://evil.com/a b.txt":  "./sandbox/evil.com/a_b.txt",
		"../../etc/passwd":          "./sandbox/x/x/etc/passwd",
		"a--b__c/-_lead_-":          "./sandbox/a_b_c/lead",
		"..hidden/.env":             "./sandbox/hidden/env",
		"h\u00e9llo/w\u00f6rld.md":  "./sandbox/h_llo/w_rld.md",
		"dir//double///slashes.txt": "./sandbox/dir/double/slashes.txt",
	}

	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, NormalizeSandboxPath(in))
		})
	}
}

func TestNormalizeSandboxPath_Idempotent(t *testing.T) {
	for _, in := range []string{"../a/B c", `X:\y\z`, "./sandbox/ok.txt", "%%%", ""} {
		once := NormalizeSandboxPath(in)
		assert.Equal(t, once, NormalizeSandboxPath(once), in)
		assert.True(t, strings.HasPrefix(once, SandboxRoot))
		assert.NotContains(t, once, "..")
	}
}
