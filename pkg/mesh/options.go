package mesh

import (
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	defaultBufferSize  uint = 64
	defaultDialTimeout      = 30 * time.Second
	defaultGracePeriod      = 10 * time.Second
)

type config struct {
	logHandler   slog.Handler
	channelLog   io.Writer
	bufferSize   uint
	dialTimeout  time.Duration
	gracePeriod  time.Duration
	identity     IdentityResolver
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

// Option to pass to `NewLocal` and `ListenQUIC`.
type Option func(*config) error

func newConfig(opts []Option) (config, error) {
	cfg := config{
		bufferSize:  defaultBufferSize,
		dialTimeout: defaultDialTimeout,
		gracePeriod: defaultGracePeriod,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, err
		}
	}
	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	return cfg, nil
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithChannelLog records every channel the mesh establishes, one line
// per channel.
func WithChannelLog(w io.Writer) Option {
	return func(c *config) error {
		c.channelLog = w
		return nil
	}
}

// WithBufferSize controls how many messages an inbound channel buffers
// before its sender blocks.
func WithBufferSize(size uint) Option {
	return func(c *config) error {
		if size == 0 {
			size = defaultBufferSize
		}
		c.bufferSize = size
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote participant to answer while establishing the mesh.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultDialTimeout
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Close for peers to
// read what we sent them.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = defaultGracePeriod
		}
		c.gracePeriod = period
		return nil
	}
}

// WithIdentityResolver checks the id announced by each inbound peer
// against its certificates.
func WithIdentityResolver(resolver IdentityResolver) Option {
	return func(c *config) error {
		c.identity = resolver
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the mesh.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the mesh.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}
