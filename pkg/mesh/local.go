package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pgbarrier"
	"github.com/raskyld/pgbarrier/pkg/flow"
)

// Local is an in-process full mesh: each ordered pair of participants is
// connected by its own `flow.LocalFlow`, so every participant owns one
// inbound and one outbound channel per peer.
type Local struct {
	size      int
	flows     [][]*flow.LocalFlow
	endpoints []*LocalEndpoint
	logger    *slog.Logger
	msink     metrics.MetricSink
	mLabels   []metrics.Label

	closed bool
	lk     sync.Mutex
}

// NewLocal establishes the whole topology before returning, so no
// participant can start before every channel exists.
func NewLocal(size int, opts ...Option) (*Local, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if size < 2 {
		return nil, fmt.Errorf("%w: size %d", pgbarrier.ErrGroupTooSmall, size)
	}

	m := &Local{
		size:    size,
		flows:   make([][]*flow.LocalFlow, size),
		logger:  slog.New(cfg.logHandler),
		msink:   cfg.msink,
		mLabels: cfg.metricLabels,
	}

	for from := 0; from < size; from++ {
		m.flows[from] = make([]*flow.LocalFlow, size)
		for to := 0; to < size; to++ {
			if from == to {
				continue
			}
			m.flows[from][to] = flow.NewLocalFlow(cfg.bufferSize)
			if cfg.channelLog != nil {
				fmt.Fprintf(cfg.channelLog, "Channel %d -> %d created\n", from, to)
			}
		}
	}

	codec := NewMessageCodec()
	for self := 0; self < size; self++ {
		out := make(map[pgbarrier.ID]*flow.LocalFlow, size-1)
		in := make(map[pgbarrier.ID]flow.RawReceiver, size-1)
		for peer := 0; peer < size; peer++ {
			if peer == self {
				continue
			}
			out[pgbarrier.ID(peer)] = m.flows[self][peer]
			in[pgbarrier.ID(peer)] = m.flows[peer][self]
		}
		m.endpoints = append(m.endpoints, &LocalEndpoint{
			self:    pgbarrier.ID(self),
			size:    size,
			codec:   codec,
			out:     out,
			in:      flow.NewFanIn[pgbarrier.ID](codec, in, cfg.bufferSize),
			severed: make(map[pgbarrier.ID]bool),
		})
	}

	m.logger.Debug("local mesh established", "size", size)
	return m, nil
}

func (m *Local) Size() int {
	return m.size
}

// Endpoint returns the transport of participant `id`.
func (m *Local) Endpoint(id pgbarrier.ID) *LocalEndpoint {
	if id < 0 || int(id) >= m.size {
		return nil
	}
	return m.endpoints[id]
}

// Break closes the channel from `from` to `to`. Later sends on it fail
// and `to` is notified once it drained what was already sent.
func (m *Local) Break(from, to pgbarrier.ID) error {
	if from < 0 || to < 0 || int(from) >= m.size || int(to) >= m.size || from == to {
		return fmt.Errorf("%w: %d -> %d", pgbarrier.ErrUnknownPeer, from, to)
	}
	return m.flows[from][to].Close()
}

// Sever makes every later send from `from` to `to` fail, without `to`
// ever being notified: it keeps waiting on a channel which stays silent.
func (m *Local) Sever(from, to pgbarrier.ID) error {
	if from < 0 || to < 0 || int(from) >= m.size || int(to) >= m.size || from == to {
		return fmt.Errorf("%w: %d -> %d", pgbarrier.ErrUnknownPeer, from, to)
	}
	ep := m.endpoints[from]
	ep.lk.Lock()
	ep.severed[to] = true
	ep.lk.Unlock()
	return nil
}

// Close tears the whole mesh down.
func (m *Local) Close() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	for from := range m.flows {
		for to, fl := range m.flows[from] {
			if fl != nil && fl.Pending() > 0 {
				m.msink.IncrCounterWithLabels(
					MetricMeshUnreadOnCloseCount,
					float32(fl.Pending()),
					withLabels(m.mLabels, peerLabel(pgbarrier.ID(from)), pgbarrier.LabelParticipant.M(strconv.Itoa(to))),
				)
			}
		}
	}

	var errs []error
	for _, ep := range m.endpoints {
		errs = append(errs, ep.in.Close())
	}
	for from := range m.flows {
		for _, fl := range m.flows[from] {
			if fl != nil {
				errs = append(errs, fl.Close())
			}
		}
	}
	return errors.Join(errs...)
}

// LocalEndpoint is the `pgbarrier.Transport` of one participant of a
// `Local` mesh.
type LocalEndpoint struct {
	self  pgbarrier.ID
	size  int
	codec MessageCodec
	out   map[pgbarrier.ID]*flow.LocalFlow
	in    *flow.FanIn[pgbarrier.ID]

	severed map[pgbarrier.ID]bool
	lk      sync.Mutex
}

var _ pgbarrier.Transport = (*LocalEndpoint)(nil)

func (ep *LocalEndpoint) Self() pgbarrier.ID {
	return ep.self
}

func (ep *LocalEndpoint) Size() int {
	return ep.size
}

func (ep *LocalEndpoint) SendTo(ctx context.Context, peer pgbarrier.ID, msg pgbarrier.Message) error {
	fl, ok := ep.out[peer]
	if !ok {
		return fmt.Errorf("%w: %d", pgbarrier.ErrUnknownPeer, peer)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ep.lk.Lock()
	severed := ep.severed[peer]
	ep.lk.Unlock()
	if severed {
		return ErrChannelSevered
	}
	return fl.SendContext(ctx, ep.codec, msg)
}

func (ep *LocalEndpoint) RecvAny(ctx context.Context) (pgbarrier.ID, pgbarrier.Message, error) {
	d, err := ep.in.Recv(ctx)
	if err != nil {
		return pgbarrier.UnknownPeer, pgbarrier.Message{}, err
	}
	if d.Err != nil {
		return d.From, pgbarrier.Message{}, d.Err
	}
	return d.From, d.Msg.(pgbarrier.Message), nil
}
