package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/job-relay/pkg/codec"
	"github.com/jdziat/job-relay/pkg/core"
	"github.com/jdziat/job-relay/pkg/security"
	"github.com/jdziat/job-relay/pkg/storage"
)

const maxBodySize = security.MaxContentSize + 1<<20

// Server is the companion HTTP service.
type Server struct {
	store     core.QueueStore
	root      string
	namespace string
	owner     string
	retry     storage.RetryConfig
	clock     core.Clock
	logger    *slog.Logger
	mux       *http.ServeMux
	startedAt time.Time
}

// ServerOption configures a Server.
type ServerOption interface {
	applyServer(*Server)
}

type serverOptionFunc func(*Server)

func (f serverOptionFunc) applyServer(s *Server) { f(s) }

// WithNamespace sets the namespace used when a request names none.
func WithNamespace(ns string) ServerOption {
	return serverOptionFunc(func(s *Server) {
		if ns != "" {
			s.namespace = ns
		}
	})
}

// WithOwner sets the lock owner the server writes as.
func WithOwner(owner string) ServerOption {
	return serverOptionFunc(func(s *Server) {
		if owner != "" {
			s.owner = owner
		}
	})
}

// WithRetry sets the backoff used when the store rejects a write.
func WithRetry(cfg storage.RetryConfig) ServerOption {
	return serverOptionFunc(func(s *Server) {
		s.retry = cfg
	})
}

// WithServerClock sets the clock used for event timestamps.
func WithServerClock(c core.Clock) ServerOption {
	return serverOptionFunc(func(s *Server) {
		if c != nil {
			s.clock = c
		}
	})
}

// WithServerLogger sets the server logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return serverOptionFunc(func(s *Server) {
		if l != nil {
			s.logger = l
		}
	})
}

// NewServer creates a server writing files under root.
func NewServer(store core.QueueStore, root string, opts ...ServerOption) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: companion store is required", core.ErrInvalidConfig)
	}
	if root == "" {
		return nil, fmt.Errorf("%w: sandbox root is required", core.ErrInvalidConfig)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}

	s := &Server{
		store:     store,
		root:      abs,
		namespace: "default",
		owner:     "companion",
		retry:     storage.DefaultRetryConfig(),
		clock:     core.SystemClock,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt.applyServer(s)
	}
	s.startedAt = s.clock.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /job_write", s.handleJobWrite)
	mux.HandleFunc("POST /status", s.handleStatus)
	mux.HandleFunc("GET /restart", s.handleRestart)
	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleJob)
	mux.HandleFunc("POST /break_lock", s.handleBreakLock)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.mux = mux
	return s, nil
}

// Root returns the absolute sandbox directory.
func (s *Server) Root() string {
	return s.root
}

// ServeHTTP answers CORS preflights and routes everything else.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) ns(r *http.Request) string {
	if ns := r.URL.Query().Get("ns"); ns != "" {
		return ns
	}
	return s.namespace
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (s *Server) handleJobWrite(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, WriteResponse{Error: err.Error()})
		return
	}
	id := req.id()
	if err := security.ValidateJobID(id); err != nil {
		writeJSON(w, http.StatusBadRequest, WriteResponse{Error: "invalid jobId"})
		return
	}

	rel := codec.NormalizeSandboxPath(req.FilePath)
	target, err := security.SafeJoin(s.root, rel)
	if err != nil {
		s.logger.Warn("companion.write.rejected_path", "job_id", id, "path", req.FilePath, "error", err)
		writeJSON(w, http.StatusBadRequest, WriteResponse{Error: err.Error()})
		return
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		s.logger.Error("companion.write.mkdir_error", "job_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, WriteResponse{Error: "create directory failed"})
		return
	}
	if err := os.WriteFile(target, []byte(req.Content), 0o644); err != nil {
		s.logger.Error("companion.write.file_error", "job_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, WriteResponse{Error: "write failed"})
		return
	}
	s.logger.Info("companion.write", "job_id", id, "path", rel, "bytes", len(req.Content))

	resp := WriteResponse{Success: true, Path: rel, Bytes: len(req.Content)}
	if err := s.markWritten(r.Context(), s.ns(r), id, rel, req.Content); err != nil {
		s.logger.Warn("companion.write.store_error", "job_id", id, "error", err)
		resp.Warning = "file written but job state not updated: " + err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// markWritten records the job as done under the store lock, retrying while
// another owner holds it.
func (s *Server) markWritten(ctx context.Context, ns, id, rel, content string) error {
	err := storage.RetryLocked(ctx, s.retry, func() error {
		return s.store.WithLock(ctx, ns, s.owner, func(tx core.Tx) error {
			existing, err := tx.Get(id)
			if err != nil {
				return err
			}
			if existing == nil {
				kind := core.KindWrite
				if parts, err := codec.ParseJobID(id); err == nil && parts.Kind != "" {
					kind = parts.Kind
				}
				return tx.Put(&core.JobRecord{ID: id, Kind: kind, FilePath: rel, Content: content, Result: content, Status: core.StatusDone})
			}
			return tx.Put(&core.JobRecord{ID: id, Status: core.StatusDone})
		})
	})
	if err != nil {
		return err
	}
	s.appendEvent(ctx, ns, id, "job_written", rel)
	return nil
}

func (s *Server) appendEvent(ctx context.Context, ns, jobID, typ, msg string) {
	ev := core.EventRecord{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Type:    typ,
		JobID:   jobID,
		Message: msg,
		At:      s.clock.Now(),
	}
	if typ == "status" {
		ev.State, ev.Message = msg, ""
	}
	if err := s.store.AppendEvents(ctx, ns, ev); err != nil {
		s.logger.Warn("companion.event_error", "job_id", jobID, "type", typ, "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ackResponse{Error: err.Error()})
		return
	}
	id := req.id()
	if id == "" {
		writeJSON(w, http.StatusBadRequest, ackResponse{Error: "missing jobId"})
		return
	}
	s.logger.Debug("companion.status", "job_id", id, "state", req.State)
	s.appendEvent(r.Context(), s.ns(r), id, "status", req.State)
	writeJSON(w, http.StatusOK, ackResponse{Success: true})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	ns := s.ns(r)
	before, after, err := s.store.Clear(r.Context(), ns)
	resp := RestartResponse{
		Success:   err == nil,
		Method:    "store:clear",
		Before:    Count{Count: before},
		After:     Count{Count: after},
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	s.logger.Info("companion.restart", "namespace", ns, "before", before, "after", after, "error", err)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.JobFilter{
		Status:   core.JobStatus(q.Get("status")),
		Kind:     core.JobKind(q.Get("kind")),
		ParentID: q.Get("parent"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ackResponse{Error: "invalid limit"})
			return
		}
		filter.Limit = n
	}

	jobs, err := s.store.List(r.Context(), s.ns(r), filter)
	if err != nil {
		s.logger.Error("companion.jobs.list_error", "error", err)
		writeJSON(w, http.StatusInternalServerError, ackResponse{Error: "internal error"})
		return
	}
	if jobs == nil {
		jobs = []*core.JobRecord{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := security.ValidateJobID(id); err != nil {
		writeJSON(w, http.StatusBadRequest, ackResponse{Error: "invalid job id"})
		return
	}
	job, err := s.store.Get(r.Context(), s.ns(r), id)
	if err != nil {
		s.logger.Error("companion.jobs.get_error", "job_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ackResponse{Error: "internal error"})
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, ackResponse{Error: core.ErrJobNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleBreakLock(w http.ResponseWriter, r *http.Request) {
	if err := s.store.BreakLock(r.Context(), s.ns(r)); err != nil {
		s.logger.Error("companion.break_lock_error", "error", err)
		writeJSON(w, http.StatusInternalServerError, ackResponse{Error: "internal error"})
		return
	}
	s.logger.Warn("companion.break_lock", "namespace", s.ns(r))
	writeJSON(w, http.StatusOK, ackResponse{Success: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	namespaces, err := s.store.Namespaces(r.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("companion.health_error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"uptime_seconds": max(int(s.clock.Now().Sub(s.startedAt).Seconds()), 0),
		"namespaces":     namespaces,
		"sandbox":        s.root,
	})
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("companion listening", "addr", addr, "sandbox", s.root)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
