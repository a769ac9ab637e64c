package companion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/job-relay/pkg/core"
)

// DefaultURL is where the companion server listens by default.
const DefaultURL = "http://localhost:3666"

// Client talks to the companion server. It implements core.ResultSink.
type Client struct {
	baseURL       string
	http          *http.Client
	logger        *slog.Logger
	statusTimeout time.Duration

	wg sync.WaitGroup
}

// ClientOption configures a Client.
type ClientOption interface {
	applyClient(*Client)
}

type clientOptionFunc func(*Client)

func (f clientOptionFunc) applyClient(c *Client) { f(c) }

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return clientOptionFunc(func(c *Client) {
		if h != nil {
			c.http = h
		}
	})
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return clientOptionFunc(func(c *Client) {
		if l != nil {
			c.logger = l
		}
	})
}

// WithStatusTimeout bounds each background status report.
func WithStatusTimeout(d time.Duration) ClientOption {
	return clientOptionFunc(func(c *Client) {
		if d > 0 {
			c.statusTimeout = d
		}
	})
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: companion URL %q", core.ErrInvalidConfig, baseURL)
	}
	c := &Client{
		baseURL:       strings.TrimRight(u.String(), "/"),
		http:          &http.Client{Timeout: 30 * time.Second},
		logger:        slog.Default(),
		statusTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt.applyClient(c)
	}
	return c, nil
}

// WriteJob asks the server to write the job's file. The settled result is
// written when present, the job content otherwise.
func (c *Client) WriteJob(ctx context.Context, job *core.JobRecord) error {
	content := job.Result
	if content == "" {
		content = job.Content
	}
	var resp WriteResponse
	err := c.send(ctx, http.MethodPost, "/job_write", WriteRequest{
		JobID:    job.ID,
		FilePath: job.FilePath,
		Content:  content,
	}, &resp)
	if err != nil {
		if resp.Error != "" {
			return fmt.Errorf("companion write %s: %s: %w", job.ID, resp.Error, err)
		}
		return fmt.Errorf("companion write %s: %w", job.ID, err)
	}
	if !resp.Success {
		return fmt.Errorf("companion write %s: %s", job.ID, resp.Error)
	}
	if resp.Warning != "" {
		c.logger.Warn("companion.write.warning", "job_id", job.ID, "warning", resp.Warning)
	}
	return nil
}

// ReportStatus posts the job status in the background. Failures are logged
// and otherwise ignored.
func (c *Client) ReportStatus(ctx context.Context, job *core.JobRecord) {
	req := StatusRequest{JobID: job.ID, State: string(job.Status)}
	ctx = context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
		defer cancel()
		if err := c.send(ctx, http.MethodPost, "/status", req, nil); err != nil {
			c.logger.Debug("companion.status.failed", "job_id", req.JobID, "state", req.State, "error", err)
		}
	}()
}

// Wait blocks until background status reports have finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Restart clears the server's store.
func (c *Client) Restart(ctx context.Context) (*RestartResponse, error) {
	var resp RestartResponse
	if err := c.send(ctx, http.MethodGet, "/restart", nil, &resp); err != nil {
		return &resp, err
	}
	return &resp, nil
}

// Jobs lists the jobs the server knows about.
func (c *Client) Jobs(ctx context.Context) ([]*core.JobRecord, error) {
	var jobs []*core.JobRecord
	if err := c.send(ctx, http.MethodGet, "/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Job fetches one job. It returns nil, nil when the server has no such job.
func (c *Client) Job(ctx context.Context, id string) (*core.JobRecord, error) {
	var job core.JobRecord
	err := c.send(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// BreakLock grants a single-use lock override on the server's store.
func (c *Client) BreakLock(ctx context.Context) error {
	return c.send(ctx, http.MethodPost, "/break_lock", nil, nil)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("companion: non-2xx status %d: %s", e.Code, e.Body)
}

// send performs one JSON round trip. out is decoded for error responses
// too, so callers can read server-side error messages.
func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	reqID := uuid.New().String()
	start := time.Now()

	var rd io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			c.logger.Error("companion.http.encode_error", "req_id", reqID, "error", err)
			return fmt.Errorf("encode json: %w", err)
		}
		rd = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", reqID)

	c.logger.Debug("companion.http.request", "req_id", reqID, "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("companion.http.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("companion.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	c.logger.Debug("companion.http.response", "req_id", reqID, "status", resp.StatusCode, "bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds())

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode/100 == 2 {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode/100 != 2 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return nil
}
