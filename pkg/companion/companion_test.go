package companion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/job-relay/pkg/core"
	"github.com/jdziat/job-relay/pkg/storage"
)

const ns = "chat.example.com"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	store  *storage.MemoryStore
	server *Server
	http   *httptest.Server
	client *Client
	root   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	root := t.TempDir()

	srv, err := NewServer(store, root,
		WithNamespace(ns),
		WithServerLogger(quietLogger()),
		WithRetry(storage.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}),
	)
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client, err := NewClient(ts.URL, WithClientLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(client.Wait)

	return &harness{store: store, server: srv, http: ts, client: client, root: srv.Root()}
}

// ────────────────────────────────────────────────────────────────────────────
// Writes
// ────────────────────────────────────────────────────────────────────────────

func TestWriteJob_WritesFileAndMarksDone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Put(ctx, ns, "tab-1", &core.JobRecord{
		ID: "q_write_abc123_1", Kind: core.KindWrite, FilePath: "./sandbox/src/main.go", Status: core.StatusAnalysis,
	}))

	err := h.client.WriteJob(ctx, &core.JobRecord{
		ID:       "q_write_abc123_1",
		FilePath: "./sandbox/src/main.go",
		Content:  "prompt",
		Result:   "package main\n",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(h.root, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	job, err := h.store.Get(ctx, ns, "q_write_abc123_1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.StatusDone, job.Status)

	st, err := h.store.State(ctx, ns)
	require.NoError(t, err)
	require.NotEmpty(t, st.Events)
	last := st.Events[len(st.Events)-1]
	assert.Equal(t, "job_written", last.Type)
	assert.Equal(t, "q_write_abc123_1", last.JobID)
}

func TestWriteJob_CreatesMissingRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.client.WriteJob(ctx, &core.JobRecord{
		ID: "q_command_abc123_2", FilePath: "notes.txt", Content: "hello",
	}))

	job, err := h.store.Get(ctx, ns, "q_command_abc123_2")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.KindCommand, job.Kind)
	assert.Equal(t, core.StatusDone, job.Status)
	assert.Equal(t, "./sandbox/notes.txt", job.FilePath)
}

func TestWriteJob_NormalizesHostilePaths(t *testing.T) {
	h := newHarness(t)

	resp := postJSON(t, h.http.URL+"/job_write", map[string]string{
		"jobId":    "q_write_abc123_3",
		"filePath": "../../etc/Passwd",
		"content":  "x",
	})
	require.Equal(t, http.StatusOK, resp.code)

	var out WriteResponse
	require.NoError(t, json.Unmarshal(resp.body, &out))
	assert.True(t, out.Success)
	assert.Equal(t, "./sandbox/x/x/etc/passwd", out.Path)

	_, err := os.Stat(filepath.Join(h.root, "x", "x", "etc", "passwd"))
	assert.NoError(t, err)
}

func TestWriteJob_RejectsSymlinkEscape(t *testing.T) {
	h := newHarness(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(h.root, "link")))

	resp := postJSON(t, h.http.URL+"/job_write", map[string]string{
		"jobId":    "q_write_abc123_4",
		"filePath": "link/evil.txt",
		"content":  "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.code)

	_, err := os.Stat(filepath.Join(outside, "evil.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriteJob_AcceptsLegacyKeys(t *testing.T) {
	h := newHarness(t)

	resp := postJSON(t, h.http.URL+"/job_write", map[string]string{
		"qid":      "q_write_abc123_5",
		"filePath": "legacy.txt",
		"content":  "ok",
	})
	require.Equal(t, http.StatusOK, resp.code)

	data, err := os.ReadFile(filepath.Join(h.root, "legacy.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestWriteJob_RejectsBadInput(t *testing.T) {
	h := newHarness(t)

	resp := postRaw(t, h.http.URL+"/job_write", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.code)

	resp = postJSON(t, h.http.URL+"/job_write", map[string]string{
		"jobId":    "../../x",
		"filePath": "a.txt",
		"content":  "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.code)

	err := h.client.WriteJob(context.Background(), &core.JobRecord{ID: "bad id", FilePath: "a.txt", Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid jobId")
}

func TestWriteJob_ConcurrentWritesAllRecorded(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetLogger(quietLogger())
	srv, err := NewServer(store, t.TempDir(),
		WithNamespace(ns),
		WithServerLogger(quietLogger()),
		WithRetry(storage.RetryConfig{MaxAttempts: 500, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffMultiplier: 1}),
	)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	client, err := NewClient(ts.URL, WithClientLogger(quietLogger()))
	require.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("q_write_abc123_%d", 10+i)
			assert.NoError(t, client.WriteJob(ctx, &core.JobRecord{ID: id, FilePath: id + ".txt", Content: "x"}))
		}()
	}
	wg.Wait()

	jobs, err := store.List(ctx, ns, core.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 8)
	for _, j := range jobs {
		assert.Equal(t, core.StatusDone, j.Status, j.ID)
	}
	st, err := store.State(ctx, ns)
	require.NoError(t, err)
	assert.False(t, st.Locked)
}

func TestWriteJob_StoreLockedReturnsWarning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ok, err := h.store.Acquire(ctx, ns, "tab-9")
	require.NoError(t, err)
	require.True(t, ok)

	resp := postJSON(t, h.http.URL+"/job_write", map[string]string{
		"jobId":    "q_write_abc123_6",
		"filePath": "locked.txt",
		"content":  "x",
	})
	require.Equal(t, http.StatusOK, resp.code)

	var out WriteResponse
	require.NoError(t, json.Unmarshal(resp.body, &out))
	assert.True(t, out.Success)
	assert.NotEmpty(t, out.Warning)

	_, err = os.Stat(filepath.Join(h.root, "locked.txt"))
	assert.NoError(t, err)
}

// ────────────────────────────────────────────────────────────────────────────
// Status, jobs and maintenance
// ────────────────────────────────────────────────────────────────────────────

func TestReportStatus_AppendsEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.ReportStatus(ctx, &core.JobRecord{ID: "q_write_abc123_1", Status: core.StatusGenerating})
	h.client.Wait()

	st, err := h.store.State(ctx, ns)
	require.NoError(t, err)
	require.Len(t, st.Events, 1)
	assert.Equal(t, "status", st.Events[0].Type)
	assert.Equal(t, "generating", st.Events[0].State)
}

func TestReportStatus_UnreachableServerIsIgnored(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", WithClientLogger(quietLogger()), WithStatusTimeout(100*time.Millisecond))
	require.NoError(t, err)

	client.ReportStatus(context.Background(), &core.JobRecord{ID: "q_write_abc123_1", Status: core.StatusDone})
	client.Wait()
}

func TestJobs_ListAndGet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Put(ctx, ns, "tab-1", &core.JobRecord{ID: "q_manifest_aaa_1", Kind: core.KindManifest}))
	require.NoError(t, h.store.Put(ctx, ns, "tab-1", &core.JobRecord{ID: "q_write_bbb_1", Kind: core.KindWrite, ParentID: "q_manifest_aaa_1"}))

	jobs, err := h.client.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	resp := get(t, h.http.URL+"/jobs?parent=q_manifest_aaa_1")
	require.Equal(t, http.StatusOK, resp.code)
	var children []*core.JobRecord
	require.NoError(t, json.Unmarshal(resp.body, &children))
	require.Len(t, children, 1)
	assert.Equal(t, "q_write_bbb_1", children[0].ID)

	job, err := h.client.Job(ctx, "q_write_bbb_1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "q_manifest_aaa_1", job.ParentID)

	missing, err := h.client.Job(ctx, "q_write_zzz_9")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Equal(t, http.StatusBadRequest, get(t, h.http.URL+"/jobs?limit=-1").code)
}

func TestJobs_EmptyListIsArray(t *testing.T) {
	h := newHarness(t)
	resp := get(t, h.http.URL+"/jobs")
	require.Equal(t, http.StatusOK, resp.code)
	assert.Equal(t, "[]", strings.TrimSpace(string(resp.body)))
}

func TestRestart_ClearsNamespace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"q_write_a_1", "q_write_b_1", "q_write_c_1"} {
		require.NoError(t, h.store.Put(ctx, ns, "tab-1", &core.JobRecord{ID: id}))
	}
	require.NoError(t, h.store.Put(ctx, "other.example.com", "tab-1", &core.JobRecord{ID: "q_write_d_1"}))

	resp, err := h.client.Restart(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "store:clear", resp.Method)
	assert.Equal(t, int64(3), resp.Before.Count)
	assert.Equal(t, int64(0), resp.After.Count)

	other, err := h.store.Get(ctx, "other.example.com", "q_write_d_1")
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestRestart_NamespaceOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, "other.example.com", "tab-1", &core.JobRecord{ID: "q_write_d_1"}))

	resp := get(t, h.http.URL+"/restart?ns=other.example.com")
	require.Equal(t, http.StatusOK, resp.code)

	var out RestartResponse
	require.NoError(t, json.Unmarshal(resp.body, &out))
	assert.Equal(t, int64(1), out.Before.Count)
}

func TestBreakLock_AdmitsOneWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ok, err := h.store.Acquire(ctx, ns, "tab-9")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.client.BreakLock(ctx))
	require.NoError(t, h.store.Put(ctx, ns, "tab-1", &core.JobRecord{ID: "q_write_a_1"}))
	assert.ErrorIs(t, h.store.Put(ctx, ns, "tab-1", &core.JobRecord{ID: "q_write_a_2"}), core.ErrLockRejected)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp := get(t, h.http.URL+"/health")
	require.Equal(t, http.StatusOK, resp.code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.body, &out))
	assert.Equal(t, "running", out["status"])
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	req, err := http.NewRequest(http.MethodOptions, h.http.URL+"/job_write", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestNew_Validation(t *testing.T) {
	_, err := NewServer(nil, t.TempDir())
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	_, err = NewServer(storage.NewMemoryStore(), "")
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	_, err = NewClient("localhost")
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

// ────────────────────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────────────────────

type rawResponse struct {
	code int
	body []byte
}

func postJSON(t *testing.T, url string, payload any) rawResponse {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return postRaw(t, url, string(b))
}

func postRaw(t *testing.T, url, body string) rawResponse {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return rawResponse{code: resp.StatusCode, body: b}
}

func get(t *testing.T, url string) rawResponse {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return rawResponse{code: resp.StatusCode, body: b}
}
