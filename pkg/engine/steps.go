package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jdziat/job-relay/pkg/chunker"
	"github.com/jdziat/job-relay/pkg/core"
	"github.com/jdziat/job-relay/pkg/dispatch"
	"github.com/jdziat/job-relay/pkg/fanout"
	"github.com/jdziat/job-relay/pkg/sanitize"
	"github.com/jdziat/job-relay/pkg/security"
)

func (e *Engine) awaitReady(ctx context.Context, now time.Time) error {
	if !e.ready.Poll(ctx) {
		e.nextAt = now.Add(e.cfg.PollInterval)
		return nil
	}
	e.state = StateSubmitting
	return nil
}

// submit takes the generation lock and builds the chunk plan on its first
// call, then sends one chunk per call.
func (e *Engine) submit(ctx context.Context, now time.Time, st *core.RelayState) error {
	if e.chunks == nil {
		ok, err := e.store.Acquire(ctx, e.cfg.Namespace, e.cfg.Owner)
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			e.logger.Debug("lock held by another owner, waiting", "job_id", e.job.ID, "holder", st.LockedBy)
			e.nextAt = now.Add(e.cfg.PollInterval)
			return nil
		}
		e.locked = true

		prompt, err := e.prompt(st)
		if err != nil {
			return e.fail(ctx, now, err)
		}
		chunks, err := chunker.Plan(prompt, e.cfg.MaxPromptSize)
		if err != nil {
			return e.fail(ctx, now, err)
		}
		e.chunks = chunks
		e.sent = 0

		e.job.Status = core.StatusInProgress
		if err := e.persist(ctx); err != nil {
			return err
		}
		e.emit(ctx, &core.JobStarted{JobID: e.job.ID, Kind: e.job.Kind, Timestamp: now})
	}

	c := e.chunks[e.sent]
	if err := e.page.SetInputAndSubmit(ctx, c.Text); err != nil {
		return e.fail(ctx, now, fmt.Errorf("submit chunk %d/%d: %w", c.Index+1, c.Total, err))
	}
	e.sent++
	e.emit(ctx, &core.ChunkSent{JobID: e.job.ID, Index: c.Index, Total: c.Total, Timestamp: now})

	if e.sent < len(e.chunks) {
		e.nextAt = now.Add(e.cfg.ChunkDelay)
		return nil
	}

	e.state = StateGenerating
	e.nextAt = now.Add(e.cfg.SubmitSettle)
	e.job.Status = core.StatusGenerating
	if err := e.persist(ctx); err != nil {
		return err
	}
	e.emit(ctx, &core.JobGenerating{JobID: e.job.ID, Timestamp: now})
	return nil
}

func (e *Engine) awaitFinished(ctx context.Context, now time.Time) error {
	if !e.finished.Poll(ctx) {
		e.nextAt = now.Add(e.cfg.PollInterval)
		return nil
	}
	e.state = StateParsing
	return nil
}

// parse captures the response and releases the lock once it is in hand.
func (e *Engine) parse(ctx context.Context, now time.Time) error {
	raw, err := e.page.ExtractLatestResponseText(ctx)
	if err != nil {
		return e.fail(ctx, now, fmt.Errorf("extract response: %w", err))
	}
	text := sanitize.Clean(raw)
	if strings.TrimSpace(text) == "" {
		return e.fail(ctx, now, core.ErrEmptyResponse)
	}

	res := ParseResponse(text)
	e.release(ctx)

	e.job.Result = text
	e.job.Status = core.StatusAnalysis
	if err := e.persist(ctx); err != nil {
		return err
	}
	e.emit(ctx, &core.JobParsed{JobID: e.job.ID, Structured: res.Structured, Recovered: res.Recovered, Timestamp: now})
	if res.Err != nil {
		e.logger.Debug("response kept as text", "job_id", e.job.ID, "reason", res.Err)
	}

	if e.job.Kind != core.KindManifest {
		e.state = StateSettling
		return nil
	}
	if _, ok := res.Value.([]any); !ok {
		e.logger.Debug("manifest response is not a list, settling with text", "job_id", e.job.ID, "type", fmt.Sprintf("%T", res.Value))
		e.state = StateSettling
		return nil
	}

	items, err := e.manifestItems(res)
	if err != nil {
		return e.fail(ctx, now, err)
	}
	e.batches = fanout.Plan(items, e.cfg.BatchSize)
	e.batch = 0
	e.logger.Info("manifest parsed", "job_id", e.job.ID, "items", len(items), "batches", len(e.batches))
	if len(e.batches) == 0 {
		e.state = StateSettling
		return nil
	}
	e.state = StateDispatching
	return nil
}

// dispatchBatch runs one batch concurrently. Batches are separated by
// BatchDelay.
func (e *Engine) dispatchBatch(ctx context.Context, now time.Time) error {
	b := e.batches[e.batch]
	strategy := fanout.CollectAll()
	if e.cfg.FailFast {
		strategy = fanout.FailFast()
	}
	results, err := fanout.Run(ctx, b, func(ctx context.Context, it ManifestItem) (*dispatch.Handle, error) {
		return e.dispatchItem(ctx, it, b.Index, now)
	}, strategy, fanout.WithConcurrency(e.cfg.BatchWorkers))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return e.fail(ctx, now, err)
	}

	opened := 0
	for _, h := range fanout.Values(results) {
		if h != nil {
			opened++
		}
	}
	e.logger.Debug("batch dispatched", "job_id", e.job.ID, "batch", b.Index+1, "of", len(e.batches),
		"items", fanout.SuccessCount(results), "opened", opened)
	e.batch++
	if e.batch < len(e.batches) {
		e.nextAt = now.Add(e.cfg.BatchDelay)
		return nil
	}
	e.state = StateSettling
	return nil
}

func (e *Engine) dispatchItem(ctx context.Context, it ManifestItem, batch int, now time.Time) (*dispatch.Handle, error) {
	ns, owner, parent := e.cfg.Namespace, e.cfg.Owner, e.job.ID
	sub := &core.JobRecord{
		ID:       it.ID,
		Kind:     it.Kind,
		FilePath: it.FilePath,
		Content:  it.Content,
		Status:   core.StatusNew,
		ParentID: parent,
	}
	if err := e.store.Put(ctx, ns, owner, sub); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", it.ID, err)
	}
	if e.dispatcher == nil {
		e.emit(ctx, &core.SubJobDispatched{ParentID: parent, JobID: it.ID, Batch: batch, Timestamp: now})
		return nil, nil
	}

	h, err := e.dispatcher.Dispatch(ctx, it.Kind, it.ID, it.FilePath, it.Content)
	if err != nil {
		e.emit(ctx, &core.SubJobDispatched{ParentID: parent, JobID: it.ID, Batch: batch, Err: err, Timestamp: now})
		return nil, err
	}
	at := now
	if err := e.store.Put(ctx, ns, owner, &core.JobRecord{ID: it.ID, DispatchedAt: &at}); err != nil {
		e.logger.Warn("failed to record dispatch time", "job_id", it.ID, "error", err)
	}
	e.emit(ctx, &core.SubJobDispatched{ParentID: parent, JobID: it.ID, Batch: batch, Timestamp: now})
	return h, nil
}

// settle persists the result, hands write jobs to the sink and tears the
// page down after the grace period.
func (e *Engine) settle(ctx context.Context, now time.Time) error {
	if e.tearingOff {
		if err := e.closer.Close(ctx); err != nil {
			e.logger.Warn("failed to close page context", "job_id", e.job.ID, "error", err)
		}
		e.finish()
		return nil
	}

	e.job.Status = core.StatusDone
	if err := e.persist(ctx); err != nil {
		return err
	}
	if e.dirty {
		e.nextAt = now.Add(e.cfg.PollInterval)
		return nil
	}
	e.release(ctx)

	if e.job.Kind == core.KindWrite && e.sink != nil {
		if err := e.sink.WriteJob(ctx, e.job.Clone()); err != nil {
			e.logger.Error("companion write failed", "job_id", e.job.ID, "error", err)
			e.job.Errors = security.AppendError(e.job.Errors, fmt.Errorf("companion write: %w", err))
			if err := e.persist(ctx); err != nil {
				return err
			}
		}
	}

	e.logger.Info("job completed", "job_id", e.job.ID, "kind", e.job.Kind, "duration", now.Sub(e.startedAt))
	e.emit(ctx, &core.JobCompleted{JobID: e.job.ID, Duration: now.Sub(e.startedAt), Timestamp: now})

	if e.job.Kind == core.KindWrite && e.closer != nil {
		e.tearingOff = true
		e.nextAt = now.Add(e.cfg.TeardownGrace)
		return nil
	}
	e.finish()
	return nil
}

func (e *Engine) finish() {
	e.resetAttempt()
	e.state = StateIdle
	e.nextAt = time.Time{}
}
