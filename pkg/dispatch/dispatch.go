// Package dispatch opens new page contexts for sub-jobs by handing them a URL
// whose fragment carries the encoded job.
//
// There is no acknowledgement channel: a dispatched context picks its job up
// from the fragment and reports progress through the shared store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/job-relay/pkg/codec"
	"github.com/jdziat/job-relay/pkg/core"
)

// ErrNotClosable is returned by windows the relay cannot close, such as tabs
// handed to the system browser.
var ErrNotClosable = errors.New("relay: window cannot be closed by the relay")

// WindowSpec describes how a new page context is opened.
type WindowSpec struct {
	Name       string
	Width      int
	Height     int
	Left       int
	Top        int
	Background bool
}

// DefaultWindowSpec is a small background popup placed off-screen.
func DefaultWindowSpec() WindowSpec {
	return WindowSpec{Width: 320, Height: 20, Left: -10000, Top: -10000, Background: true}
}

// Window is an opened page context.
type Window interface {
	Close(ctx context.Context) error
	Closed() bool
}

// Opener opens a URL in a new page context.
type Opener interface {
	Open(ctx context.Context, url string, spec WindowSpec) (Window, error)
}

// Handle tracks one dispatched page context.
type Handle struct {
	ID       uuid.UUID
	JobID    string
	Kind     core.JobKind
	URL      string
	Name     string
	OpenedAt time.Time
	Window   Window
}

// Dispatcher encodes jobs into URLs and opens them through an Opener.
type Dispatcher struct {
	baseURL string
	opener  Opener
	spec    WindowSpec
	clock   core.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// New creates a dispatcher for the chat page at baseURL.
func New(baseURL string, opener Opener, opts ...Option) (*Dispatcher, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: dispatcher base URL is required", core.ErrInvalidConfig)
	}
	if opener == nil {
		return nil, fmt.Errorf("%w: dispatcher opener is required", core.ErrInvalidConfig)
	}
	if i := strings.IndexByte(baseURL, '#'); i >= 0 {
		baseURL = baseURL[:i]
	}

	d := &Dispatcher{
		baseURL: baseURL,
		opener:  opener,
		spec:    DefaultWindowSpec(),
		clock:   core.SystemClock,
		logger:  slog.Default(),
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt.apply(d)
	}
	return d, nil
}

// URL returns the URL a job would be dispatched to.
func (d *Dispatcher) URL(kind core.JobKind, jobID, filePath, content string) string {
	return d.baseURL + codec.Fragment(kind, jobID, filePath, content)
}

// Dispatch opens a new page context for the job. Opener failures are wrapped
// in *core.DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, kind core.JobKind, jobID, filePath, content string) (*Handle, error) {
	now := d.clock.Now()
	url := d.URL(kind, jobID, filePath, content)

	spec := d.spec
	spec.Name = fmt.Sprintf("JOB_%s_%d", jobID, now.UnixMilli())

	win, err := d.opener.Open(ctx, url, spec)
	if err != nil {
		d.logger.Warn("dispatch failed", "job_id", jobID, "error", err)
		return nil, &core.DispatchError{JobID: jobID, URL: url, Err: err}
	}

	h := &Handle{
		ID:       uuid.New(),
		JobID:    jobID,
		Kind:     kind,
		URL:      url,
		Name:     spec.Name,
		OpenedAt: now,
		Window:   win,
	}

	d.mu.Lock()
	prev := d.handles[jobID]
	d.handles[jobID] = h
	d.mu.Unlock()

	// A re-dispatched job replaces its earlier page context.
	if prev != nil && prev.Window != nil && !prev.Window.Closed() {
		if err := prev.Window.Close(ctx); err != nil && !errors.Is(err, ErrNotClosable) {
			d.logger.Warn("failed to close replaced page context", "job_id", jobID, "error", err)
		}
	}

	d.logger.Debug("job dispatched", "job_id", jobID, "kind", kind, "window", spec.Name)
	return h, nil
}

// Close closes the page context of one job and stops tracking it.
func (d *Dispatcher) Close(ctx context.Context, jobID string) error {
	d.mu.Lock()
	h, ok := d.handles[jobID]
	delete(d.handles, jobID)
	d.mu.Unlock()

	if !ok || h.Window == nil || h.Window.Closed() {
		return nil
	}
	return h.Window.Close(ctx)
}

// CloseAllExcept closes every tracked context except currentID. Contexts that
// are already closed or cannot be closed are counted as skipped.
func (d *Dispatcher) CloseAllExcept(ctx context.Context, currentID string) (closed, skipped int) {
	d.mu.Lock()
	var targets []*Handle
	for id, h := range d.handles {
		if id == currentID {
			continue
		}
		targets = append(targets, h)
		delete(d.handles, id)
	}
	d.mu.Unlock()

	for _, h := range targets {
		if h.Window == nil || h.Window.Closed() {
			skipped++
			continue
		}
		if err := h.Window.Close(ctx); err != nil {
			if !errors.Is(err, ErrNotClosable) {
				d.logger.Warn("failed to close page context", "job_id", h.JobID, "error", err)
			}
			skipped++
			continue
		}
		closed++
	}
	return closed, skipped
}

// Handles returns the tracked handles ordered by open time.
func (d *Dispatcher) Handles() []Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Handle, 0, len(d.handles))
	for _, h := range d.handles {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}
