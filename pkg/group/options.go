package group

import (
	"io"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pgbarrier"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	events       io.Writer
	channelLog   io.Writer
	console      *pgbarrier.Console
	workload     pgbarrier.Workload
	bufferSize   uint
}

// Option to pass to `New`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` every participant uses.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the participants and their mesh.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the group.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithEventLog sets the event log shared by every participant. Writes
// to it are serialised.
func WithEventLog(w io.Writer) Option {
	return func(c *config) error {
		c.events = w
		return nil
	}
}

// WithChannelLog records every channel of the mesh as it is created.
func WithChannelLog(w io.Writer) Option {
	return func(c *config) error {
		c.channelLog = w
		return nil
	}
}

// WithConsole mirrors every participant's events to the console.
func WithConsole(console *pgbarrier.Console) Option {
	return func(c *config) error {
		c.console = console
		return nil
	}
}

// WithWorkload plugs the work every member runs between the two barriers.
func WithWorkload(w pgbarrier.Workload) Option {
	return func(c *config) error {
		c.workload = w
		return nil
	}
}

// WithBufferSize controls how many messages each channel buffers.
func WithBufferSize(size uint) Option {
	return func(c *config) error {
		c.bufferSize = size
		return nil
	}
}
