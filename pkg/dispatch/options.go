package dispatch

import (
	"log/slog"

	"github.com/jdziat/job-relay/pkg/core"
)

// Option configures a Dispatcher.
type Option interface {
	apply(*Dispatcher)
}

type optionFunc func(*Dispatcher)

func (f optionFunc) apply(d *Dispatcher) { f(d) }

// WithClock sets the clock used for window names and open times.
func WithClock(c core.Clock) Option {
	return optionFunc(func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	})
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	})
}

// WithWindowSpec overrides the default popup geometry.
func WithWindowSpec(spec WindowSpec) Option {
	return optionFunc(func(d *Dispatcher) {
		d.spec = spec
	})
}
