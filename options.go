package pgbarrier

import (
	"errors"
	"io"
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	events       io.Writer
	console      *Console
	workload     Workload
	balance      Balance
}

// Option to pass to `NewBarrier`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the barrier. A nil sink discards them.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the barrier.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithEventLog sets the append-only log every phase transition is written
// to. A failed write aborts the run. Use an `*EventLog` when the writer is
// shared between participants.
func WithEventLog(w io.Writer) Option {
	return func(c *config) error {
		c.events = w
		return nil
	}
}

// WithConsole mirrors phase transitions to the operator console.
func WithConsole(console *Console) Option {
	return func(c *config) error {
		c.console = console
		return nil
	}
}

// WithWorkload plugs the member work run between the two barriers.
func WithWorkload(w Workload) Option {
	return func(c *config) error {
		c.workload = w
		return nil
	}
}

// WithBalance sets the initial balance of a member account.
func WithBalance(b Balance) Option {
	return func(c *config) error {
		if b < 0 {
			return errors.New("balance must not be negative")
		}
		c.balance = b
		return nil
	}
}
