package engine

import (
	"log/slog"
	"time"

	"github.com/jdziat/job-relay/pkg/chunker"
	"github.com/jdziat/job-relay/pkg/core"
	"github.com/jdziat/job-relay/pkg/security"
)

// Config holds the engine timings and limits.
type Config struct {
	Namespace     string        // store namespace, one per page origin
	Owner         string        // lock owner id of this page context
	PollInterval  time.Duration // readiness, generation and lock polls
	TickInterval  time.Duration // how often Run calls Tick
	ChunkDelay    time.Duration // pause between prompt chunks
	SubmitSettle  time.Duration // minimum wait before trusting the finished signal
	BatchSize     int
	BatchDelay    time.Duration // pause between dispatch batches
	BatchWorkers  int           // concurrent dispatches within a batch, 0 for the whole batch
	FailFast      bool          // cancel the rest of a batch on the first dispatch failure
	TeardownGrace time.Duration // wait before closing the page after a write
	GlobalTimeout time.Duration // measured from job creation
	MaxRetries    int           // 0 retries forever
	MaxPromptSize int           // prompts above this many runes are chunked
	Debug         bool          // short manifest prompt
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		Namespace:     "default",
		PollInterval:  time.Second,
		TickInterval:  250 * time.Millisecond,
		ChunkDelay:    1200 * time.Millisecond,
		SubmitSettle:  time.Second,
		BatchSize:     5,
		BatchDelay:    30 * time.Second,
		TeardownGrace: 2 * time.Second,
		GlobalTimeout: 7 * 24 * time.Hour,
		MaxPromptSize: chunker.DefaultMaxSize,
	}
}

// Option configures an Engine.
type Option interface {
	apply(*Engine)
}

type optionFunc func(*Engine)

func (f optionFunc) apply(e *Engine) { f(e) }

// WithConfig replaces the whole configuration. Zero fields keep their defaults.
func WithConfig(c Config) Option {
	return optionFunc(func(e *Engine) {
		d := e.cfg
		if c.Namespace != "" {
			d.Namespace = c.Namespace
		}
		if c.Owner != "" {
			d.Owner = c.Owner
		}
		if c.PollInterval > 0 {
			d.PollInterval = c.PollInterval
		}
		if c.TickInterval > 0 {
			d.TickInterval = c.TickInterval
		}
		if c.ChunkDelay > 0 {
			d.ChunkDelay = c.ChunkDelay
		}
		if c.SubmitSettle > 0 {
			d.SubmitSettle = c.SubmitSettle
		}
		if c.BatchSize > 0 {
			d.BatchSize = security.ClampBatchSize(c.BatchSize)
		}
		if c.BatchDelay > 0 {
			d.BatchDelay = c.BatchDelay
		}
		if c.BatchWorkers > 0 {
			d.BatchWorkers = c.BatchWorkers
		}
		d.FailFast = c.FailFast
		if c.TeardownGrace > 0 {
			d.TeardownGrace = c.TeardownGrace
		}
		if c.GlobalTimeout > 0 {
			d.GlobalTimeout = c.GlobalTimeout
		}
		if c.MaxPromptSize > 0 {
			d.MaxPromptSize = c.MaxPromptSize
		}
		d.MaxRetries = security.ClampRetries(c.MaxRetries)
		d.Debug = c.Debug
		e.cfg = d
	})
}

// WithNamespace sets the store namespace.
func WithNamespace(ns string) Option {
	return optionFunc(func(e *Engine) {
		e.cfg.Namespace = ns
	})
}

// WithOwner sets the lock owner id.
func WithOwner(owner string) Option {
	return optionFunc(func(e *Engine) {
		e.cfg.Owner = owner
	})
}

// WithMaxRetries bounds the retry edge. Zero retries forever.
func WithMaxRetries(n int) Option {
	return optionFunc(func(e *Engine) {
		e.cfg.MaxRetries = security.ClampRetries(n)
	})
}

// WithDispatcher sets where manifest items are opened.
// Without one, items are only enqueued in the store.
func WithDispatcher(d Dispatcher) Option {
	return optionFunc(func(e *Engine) {
		e.dispatcher = d
	})
}

// WithSink sets the receiver of settled write jobs and status reports.
func WithSink(s core.ResultSink) Option {
	return optionFunc(func(e *Engine) {
		e.sink = s
	})
}

// WithReadySignal overrides the page readiness probe.
func WithReadySignal(s core.Signal) Option {
	return optionFunc(func(e *Engine) {
		if s != nil {
			e.ready = s
		}
	})
}

// WithFinishedSignal overrides the generation-finished probe.
func WithFinishedSignal(s core.Signal) Option {
	return optionFunc(func(e *Engine) {
		if s != nil {
			e.finished = s
		}
	})
}

// WithCloser sets how the page context is torn down after a write job.
func WithCloser(c core.Closer) Option {
	return optionFunc(func(e *Engine) {
		e.closer = c
	})
}

// WithClock sets the clock all deadlines are measured with.
func WithClock(c core.Clock) Option {
	return optionFunc(func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	})
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	})
}
