package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/job-relay/pkg/core"
)

const testConfig = `
database_url = "relay.db"
namespace = "chat.example.com"
log_level = "error"

[engine]
poll_interval = "1ms"
tick_interval = "1ms"
chunk_delay = "1ms"
submit_settle = "1ms"
batch_delay = "1ms"
teardown_grace = "1ms"

[dispatch]
opener = "none"

[companion]
disabled = true
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))
	return path
}

func resetFlags() {
	cfgPath, envFile, namespace = "", "", ""
	verbose, jsonOut = false, false
	encodeKind, encodeID, encodePath = string(core.KindWrite), "", ""
	chunkMax = 100001
	listStatus, listKind, listParent, listLimit = "", "", "", 0
	exportFormat, clearYes, ticketTitle = "yaml", false, ""
	runDryRun, runResponses, runNoCompanion = false, nil, false
	runKind, runPath, runContent = string(core.KindWrite), "", ""
	runCloseOthers = false
}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	pterm.DisableStyling()
	t.Cleanup(func() {
		pterm.SetDefaultOutput(os.Stdout)
		pterm.EnableStyling()
	})

	var buf bytes.Buffer
	rootCmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(""))
	err := rootCmd.Execute()
	return buf.String(), err
}

// ────────────────────────────────────────────────────────────────────────────
// Codec commands
// ────────────────────────────────────────────────────────────────────────────

func TestEncodeDecode(t *testing.T) {
	conf := writeTestConfig(t)

	frag, err := execute(t, "-c", conf, "encode", "--id", "q_write_abcd_1", "--path", "src/Main.go", "a|b#c")
	require.NoError(t, err)
	frag = strings.TrimSpace(frag)
	assert.True(t, strings.HasPrefix(frag, "#JOB_WRITE="))

	out, err := execute(t, "-c", conf, "--json", "decode", frag)
	require.NoError(t, err)

	var got decoded
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, core.KindWrite, got.Kind)
	assert.Equal(t, "q_write_abcd_1", got.JobID)
	assert.Equal(t, "./sandbox/src/main.go", got.FilePath)
	assert.Equal(t, "a|b#c", got.Content)
	assert.Empty(t, got.Warning)
}

func TestDecode_Degraded(t *testing.T) {
	out, err := execute(t, "-c", writeTestConfig(t), "--json", "decode", "q_write_abcd_1")
	require.NoError(t, err)

	var got decoded
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "q_write_abcd_1", got.JobID)
	assert.NotEmpty(t, got.Warning)
}

func TestEncode_RejectsUnknownKind(t *testing.T) {
	_, err := execute(t, "-c", writeTestConfig(t), "encode", "--kind", "poem", "x")
	assert.Error(t, err)
}

func TestChunk(t *testing.T) {
	prompt := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(prompt, []byte(strings.Repeat("a", 250000)), 0o644))

	out, err := execute(t, "-c", writeTestConfig(t), "--json", "chunk", prompt)
	require.NoError(t, err)

	var plan []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Len(t, plan, 5)
}

func TestClean(t *testing.T) {
	raw := filepath.Join(t.TempDir(), "raw.txt")
	require.NoError(t, os.WriteFile(raw, []byte("ChatGPT said:jsonCopy code[]"), 0o644))

	out, err := execute(t, "-c", writeTestConfig(t), "clean", raw)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

// ────────────────────────────────────────────────────────────────────────────
// Store commands
// ────────────────────────────────────────────────────────────────────────────

func TestRunDryAndJobs(t *testing.T) {
	conf := writeTestConfig(t)

	tickets := filepath.Join(t.TempDir(), "tickets.yaml")
	require.NoError(t, os.WriteFile(tickets, []byte(`
- id: T-1
  title: Notes
  description: Write the release notes.
`), 0o644))
	_, err := execute(t, "-c", conf, "tickets", tickets, "--title", "T-1")
	require.NoError(t, err)

	_, err = execute(t, "-c", conf, "run", "--dry-run",
		"--content", "release notes please", "--path", "notes.txt", "--response", "v1.0 shipped")
	require.NoError(t, err)

	out, err := execute(t, "-c", conf, "--json", "jobs", "list")
	require.NoError(t, err)
	var jobs []*core.JobRecord
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, core.StatusDone, job.Status)
	assert.Equal(t, core.KindWrite, job.Kind)
	assert.Equal(t, "./sandbox/notes.txt", job.FilePath)
	assert.Equal(t, "v1.0 shipped", job.Result)

	out, err = execute(t, "-c", conf, "--json", "jobs", "show", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, job.ID)

	out, err = execute(t, "-c", conf, "jobs", "export")
	require.NoError(t, err)
	assert.Contains(t, out, "namespace: chat.example.com")
	assert.Contains(t, out, "description: Write the release notes.")
	assert.Contains(t, out, job.ID+":")

	_, err = execute(t, "-c", conf, "jobs", "delete", job.ID)
	require.NoError(t, err)
	_, err = execute(t, "-c", conf, "jobs", "show", job.ID)
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestRun_NothingPending(t *testing.T) {
	out, err := execute(t, "-c", writeTestConfig(t), "run", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to run")
}

func TestPauseResumeAndClear(t *testing.T) {
	conf := writeTestConfig(t)

	_, err := execute(t, "-c", conf, "pause")
	require.NoError(t, err)
	out, err := execute(t, "-c", conf, "jobs", "export", "--format", "json")
	require.NoError(t, err)
	var snap core.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, core.RelayPaused, snap.Status)

	_, err = execute(t, "-c", conf, "resume")
	require.NoError(t, err)

	out, err = execute(t, "-c", conf, "--json", "jobs", "clear", "--yes")
	require.NoError(t, err)
	var counts map[string]int64
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	assert.Equal(t, int64(0), counts["after"])
}

func TestBreakLock_Unlocked(t *testing.T) {
	out, err := execute(t, "-c", writeTestConfig(t), "break-lock")
	require.NoError(t, err)
	assert.Contains(t, out, "is not locked")
}
