package mesh

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/pgbarrier"
	"github.com/raskyld/pgbarrier/pkg/flow"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protowire"
)

// ALPN negotiated between participants.
const ALPN = "pgbarrier/1"

// QUICNode is the `pgbarrier.Transport` of a participant living in its
// own process. Each ordered pair of participants is connected by one QUIC
// unidirectional stream, opened by the sender, whose first frame is the
// sender id.
type QUICNode struct {
	self   pgbarrier.ID
	size   int
	cfg    config
	logger *slog.Logger

	tlsConf *tls.Config
	qConf   *quic.Config
	ln      *quic.Listener
	codec   MessageCodec
	hello   flow.BytesCodec

	lk        sync.Mutex
	connected bool
	closed    bool
	conns     []quic.Connection
	out       map[pgbarrier.ID]*quicSender
	in        *flow.FanIn[pgbarrier.ID]
	drained   map[pgbarrier.ID]bool
}

var _ pgbarrier.Transport = (*QUICNode)(nil)

type quicSender struct {
	lk  sync.Mutex
	raw flow.RemoteSender
}

// ListenQUIC binds the listener of participant `self`. The node is not
// usable as a transport until `Connect` returns.
//
// `tlsConf` should enforce mTLS, see `WithIdentityResolver` to bind
// certificates to participant ids.
func ListenQUIC(self pgbarrier.ID, size int, addr string, tlsConf *tls.Config, opts ...Option) (*QUICNode, error) {
	if tlsConf == nil {
		return nil, ErrNoTLSConfig
	}
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if size < 2 {
		return nil, fmt.Errorf("%w: size %d", pgbarrier.ErrGroupTooSmall, size)
	}
	if self < 0 || int(self) >= size {
		return nil, fmt.Errorf("%w: self is %d in a group of %d", pgbarrier.ErrUnknownPeer, self, size)
	}

	n := &QUICNode{
		self:    self,
		size:    size,
		cfg:     cfg,
		logger:  slog.New(cfg.logHandler).With(pgbarrier.LabelParticipant.L(self)),
		tlsConf: tlsConf.Clone(),
		qConf: &quic.Config{
			Versions:             []quic.Version{quic.Version2, quic.Version1},
			HandshakeIdleTimeout: cfg.dialTimeout,
			MaxIdleTimeout:       1 * time.Minute,
			// The barrier has no deadline, peers may stay silent for long.
			KeepAlivePeriod: 15 * time.Second,
		},
		codec:   NewMessageCodec(),
		hello:   flow.NewBytesCodec(false).WithMaxFrameSize(binary.MaxVarintLen64),
		drained: make(map[pgbarrier.ID]bool),
	}
	n.tlsConf.NextProtos = []string{ALPN}

	ln, err := quic.ListenAddr(addr, n.tlsConf, n.qConf)
	if err != nil {
		return nil, fmt.Errorf("mesh: failed to allocate QUIC listener: %w", err)
	}
	n.ln = ln
	n.logger.Debug("listening", "addr", ln.Addr().String())
	return n, nil
}

func (n *QUICNode) Self() pgbarrier.ID {
	return n.self
}

func (n *QUICNode) Size() int {
	return n.size
}

func (n *QUICNode) Addr() net.Addr {
	return n.ln.Addr()
}

// Connect establishes the full mesh: it opens a channel towards every
// peer of `peers` and waits for every peer to open its channel towards
// us. `peers` maps ids to `host:port`, our own entry is ignored.
func (n *QUICNode) Connect(ctx context.Context, peers map[pgbarrier.ID]string) error {
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		return ErrNotConnected
	}
	if n.connected {
		n.lk.Unlock()
		return ErrAlreadyConnected
	}
	n.lk.Unlock()

	for id := range peers {
		if id < 0 || int(id) >= n.size {
			return fmt.Errorf("%w: %d", pgbarrier.ErrUnknownPeer, id)
		}
	}
	for id := pgbarrier.ID(0); id < pgbarrier.ID(n.size); id++ {
		if _, ok := peers[id]; !ok && id != n.self {
			return fmt.Errorf("%w: %d", ErrMissingPeer, id)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.dialTimeout)
	defer cancel()
	start := time.Now()

	var mu sync.Mutex
	out := make(map[pgbarrier.ID]*quicSender, n.size-1)
	in := make(map[pgbarrier.ID]flow.RawReceiver, n.size-1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.acceptAll(gctx, in)
	})
	for peer, addr := range peers {
		peer, addr := peer, addr
		if peer == n.self {
			continue
		}
		g.Go(func() error {
			sender, err := n.dial(gctx, peer, addr)
			if err != nil {
				return err
			}
			mu.Lock()
			out[peer] = sender
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		n.lk.Lock()
		for _, conn := range n.conns {
			QErrInternal.Close(conn, "mesh establishment failed")
		}
		n.conns = nil
		n.lk.Unlock()
		return err
	}

	n.lk.Lock()
	n.out = out
	n.in = flow.NewFanIn[pgbarrier.ID](n.codec, in, n.cfg.bufferSize)
	n.connected = true
	n.lk.Unlock()

	n.cfg.msink.AddSampleWithLabels(
		MetricMeshConnectDurationMs,
		float32(time.Since(start).Milliseconds()),
		n.cfg.metricLabels,
	)
	n.logger.Info("mesh established", pgbarrier.LabelDuration.L(time.Since(start)))
	return nil
}

func (n *QUICNode) dial(ctx context.Context, peer pgbarrier.ID, addr string) (*quicSender, error) {
	mLabels := withLabels(n.cfg.metricLabels, peerLabel(peer))
	conn, err := quic.DialAddr(ctx, addr, n.tlsConf, n.qConf)
	if err != nil {
		n.cfg.msink.IncrCounterWithLabels(
			MetricMeshChannelEstErrorCount,
			1.0,
			withLabels(mLabels, pgbarrier.LabelError.M("dial")),
		)
		return nil, fmt.Errorf("mesh: failed to dial participant %d at %s: %w", peer, addr, err)
	}
	n.track(conn)

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		n.cfg.msink.IncrCounterWithLabels(
			MetricMeshChannelEstErrorCount,
			1.0,
			withLabels(mLabels, pgbarrier.LabelError.M("cannot_open_stream")),
		)
		return nil, fmt.Errorf("mesh: failed to open channel to participant %d: %w", peer, err)
	}

	if err := n.hello.Encode(stream, protowire.AppendVarint(nil, uint64(n.self))); err != nil {
		n.cfg.msink.IncrCounterWithLabels(
			MetricMeshChannelEstErrorCount,
			1.0,
			withLabels(mLabels, pgbarrier.LabelError.M("cannot_send_hello")),
		)
		return nil, fmt.Errorf("mesh: failed to greet participant %d: %w", peer, err)
	}

	n.cfg.msink.IncrCounterWithLabels(MetricMeshChannelEstOutCount, 1.0, mLabels)
	n.logChannel(n.self, peer)
	return &quicSender{raw: flow.RemoteSender{SendStream: stream}}, nil
}

// acceptAll only returns once every peer opened its channel, peers which
// fail the handshake are turned away without failing the mesh.
func (n *QUICNode) acceptAll(ctx context.Context, in map[pgbarrier.ID]flow.RawReceiver) error {
	for len(in) < n.size-1 {
		conn, err := n.ln.Accept(ctx)
		if err != nil {
			return fmt.Errorf("mesh: failed to accept channel: %w", err)
		}
		n.track(conn)

		peer, stream, err := n.handshake(ctx, conn)
		if err == nil {
			if _, dup := in[peer]; dup {
				err = fmt.Errorf("%w: participant %d", ErrDuplicatePeer, peer)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.logger.Warn("rejected a peer", pgbarrier.LabelError.L(err), "remote", conn.RemoteAddr().String())
			n.cfg.msink.IncrCounterWithLabels(
				MetricMeshChannelEstErrorCount,
				1.0,
				withLabels(n.cfg.metricLabels, pgbarrier.LabelError.M("handshake")),
			)
			QErrHandshake.Close(conn, err.Error())
			continue
		}

		in[peer] = flow.RemoteReceiver{ReceiveStream: stream}
		n.cfg.msink.IncrCounterWithLabels(
			MetricMeshChannelEstInCount,
			1.0,
			withLabels(n.cfg.metricLabels, peerLabel(peer)),
		)
		n.logChannel(peer, n.self)
	}
	return nil
}

func (n *QUICNode) handshake(ctx context.Context, conn quic.Connection) (pgbarrier.ID, quic.ReceiveStream, error) {
	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		return pgbarrier.UnknownPeer, nil, err
	}

	frame, err := flow.RemoteReceiver{ReceiveStream: stream}.RecvContext(ctx, n.hello)
	if err != nil {
		return pgbarrier.UnknownPeer, nil, fmt.Errorf("%w: %w", ErrInvalidHello, err)
	}
	buf := frame.([]byte)
	v, m := protowire.ConsumeVarint(buf)
	if m < 0 || m != len(buf) || v >= uint64(n.size) || pgbarrier.ID(v) == n.self {
		return pgbarrier.UnknownPeer, nil, ErrInvalidHello
	}
	peer := pgbarrier.ID(v)

	if n.cfg.identity != nil {
		entitled, err := n.cfg.identity(conn.ConnectionState().TLS.PeerCertificates)
		if err != nil {
			return pgbarrier.UnknownPeer, nil, fmt.Errorf("%w: %w", ErrIdentityMismatch, err)
		}
		if entitled != peer {
			return pgbarrier.UnknownPeer, nil, fmt.Errorf(
				"%w: announced %d, certificate is for %d", ErrIdentityMismatch, peer, entitled)
		}
	}

	return peer, stream, nil
}

func (n *QUICNode) SendTo(ctx context.Context, peer pgbarrier.ID, msg pgbarrier.Message) error {
	n.lk.Lock()
	connected := n.connected && !n.closed
	sender, ok := n.out[peer]
	n.lk.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if !ok {
		return fmt.Errorf("%w: %d", pgbarrier.ErrUnknownPeer, peer)
	}

	sender.lk.Lock()
	defer sender.lk.Unlock()
	return sender.raw.SendContext(ctx, n.codec, msg)
}

// RecvAny skips peers which cleanly ended their channel: they are done
// and have nothing left to tell us. Any other failure is reported.
func (n *QUICNode) RecvAny(ctx context.Context) (pgbarrier.ID, pgbarrier.Message, error) {
	n.lk.Lock()
	in := n.in
	n.lk.Unlock()
	if in == nil {
		return pgbarrier.UnknownPeer, pgbarrier.Message{}, ErrNotConnected
	}

	for {
		d, err := in.Recv(ctx)
		if err != nil {
			return pgbarrier.UnknownPeer, pgbarrier.Message{}, err
		}
		if d.Err != nil {
			if errors.Is(d.Err, io.EOF) {
				n.logger.Debug("peer ended its channel", pgbarrier.LabelPeer.L(d.From))
				if n.markDrained(d.From) {
					return pgbarrier.UnknownPeer, pgbarrier.Message{}, ErrAllChannelsClosed
				}
				continue
			}
			return d.From, pgbarrier.Message{}, d.Err
		}
		return d.From, d.Msg.(pgbarrier.Message), nil
	}
}

// Close ends our outbound channels, then waits up to the grace period
// for every peer to end theirs before tearing the connections down, so
// peers still running can read what we sent them.
func (n *QUICNode) Close() error {
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		return nil
	}
	n.closed = true
	out, in, conns := n.out, n.in, n.conns
	n.lk.Unlock()

	for _, sender := range out {
		sender.lk.Lock()
		_ = sender.raw.Close()
		sender.lk.Unlock()
	}

	if in != nil {
		n.drain(in)
		_ = in.Close()
	}

	for _, conn := range conns {
		QErrDone.Close(conn, "participant left")
	}
	return n.ln.Close()
}

func (n *QUICNode) drain(in *flow.FanIn[pgbarrier.ID]) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.gracePeriod)
	defer cancel()

	for !n.allDrained() {
		d, err := in.Recv(ctx)
		if err != nil {
			n.cfg.msink.IncrCounterWithLabels(MetricMeshGracePeriodExpiredCount, 1.0, n.cfg.metricLabels)
			n.logger.Warn("grace period expired before every peer left", pgbarrier.LabelError.L(err))
			return
		}
		if d.Err != nil {
			n.cfg.msink.IncrCounterWithLabels(
				MetricMeshChannelClosedCount,
				1.0,
				withLabels(n.cfg.metricLabels, peerLabel(d.From)),
			)
			n.markDrained(d.From)
			continue
		}
		n.cfg.msink.IncrCounterWithLabels(
			MetricMeshUnreadOnCloseCount,
			1.0,
			withLabels(n.cfg.metricLabels, peerLabel(d.From)),
		)
	}
}

// markDrained returns true once every inbound channel ended.
func (n *QUICNode) markDrained(peer pgbarrier.ID) bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.drained[peer] = true
	return len(n.drained) >= n.size-1
}

func (n *QUICNode) allDrained() bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	return len(n.drained) >= n.size-1
}

func (n *QUICNode) track(conn quic.Connection) {
	n.lk.Lock()
	n.conns = append(n.conns, conn)
	n.lk.Unlock()
}

func (n *QUICNode) logChannel(from, to pgbarrier.ID) {
	if n.cfg.channelLog != nil {
		n.lk.Lock()
		fmt.Fprintf(n.cfg.channelLog, "Channel %d -> %d created\n", from, to)
		n.lk.Unlock()
	}
}
