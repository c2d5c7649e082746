package pgbarrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

var ErrBarrierReused = errors.New("barrier: a barrier can only run once")

// Role of a participant, derived from its id.
type Role uint8

const (
	// RoleRoot only observes: it waits for every member to start and
	// then to be done, without announcing anything.
	RoleRoot Role = iota
	// RoleMember announces both phases and waits for every other member.
	RoleMember
)

func RoleOf(id ID) Role {
	if id == RootID {
		return RoleRoot
	}
	return RoleMember
}

func (r Role) String() string {
	switch r {
	case RoleRoot:
		return "root"
	case RoleMember:
		return "member"
	default:
		return "unknown"
	}
}

// State of a `Barrier`. `StateFailed` is absorbing.
type State uint8

const (
	StateInit State = iota
	StateAwaitingStarts
	StateAwaitingDones
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingStarts:
		return "awaiting_starts"
	case StateAwaitingDones:
		return "awaiting_dones"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Barrier is the two-phase protocol run by a single participant.
//
// Every announcement is counted once per sender, so duplicates can never
// make a participant leave a phase early. A DONE received while we still
// wait for STARTED announcements is kept for the second phase, a late
// STARTED is ignored.
type Barrier struct {
	tr       Transport
	self     ID
	size     int
	role     Role
	expected int

	logger   *slog.Logger
	msink    metrics.MetricSink
	mLabels  []metrics.Label
	journal  journal
	workload Workload
	balance  Balance

	lk      sync.Mutex
	state   State
	running bool
	started map[ID]struct{}
	done    map[ID]struct{}
}

func NewBarrier(tr Transport, opts ...Option) (*Barrier, error) {
	var cfg config
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	size := tr.Size()
	self := tr.Self()
	if size < 2 {
		return nil, fmt.Errorf("%w: size %d", ErrGroupTooSmall, size)
	}
	if self < 0 || int(self) >= size {
		return nil, fmt.Errorf("%w: self is %d in a group of %d", ErrUnknownPeer, self, size)
	}

	b := &Barrier{
		tr:       tr,
		self:     self,
		size:     size,
		role:     RoleOf(self),
		journal:  journal{events: cfg.events, console: cfg.console},
		workload: cfg.workload,
		balance:  cfg.balance,
		started:  make(map[ID]struct{}),
		done:     make(map[ID]struct{}),
	}

	// The root waits for every member, a member for every member but itself.
	b.expected = size - 1
	if b.role == RoleMember {
		b.expected = size - 2
	}

	handler := cfg.logHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	b.logger = slog.New(handler).With(LabelParticipant.L(self), LabelRole.L(b.role.String()))

	b.msink = cfg.msink
	if b.msink == nil {
		b.msink = metrics.Default()
	}
	b.mLabels = append(
		append([]metrics.Label(nil), cfg.metricLabels...),
		LabelParticipant.M(strconv.Itoa(int(self))),
		LabelRole.M(b.role.String()),
	)

	return b, nil
}

func (b *Barrier) ID() ID {
	return b.self
}

func (b *Barrier) Role() Role {
	return b.role
}

// Expected is the number of distinct announcements needed per phase.
func (b *Barrier) Expected() int {
	return b.expected
}

func (b *Barrier) State() State {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.state
}

// Counts returns how many distinct peers announced each phase so far.
func (b *Barrier) Counts() (started, done int) {
	b.lk.Lock()
	defer b.lk.Unlock()
	return len(b.started), len(b.done)
}

// Run blocks until every peer went through both phases, or until the
// first failure. There is no deadline other than the one carried by ctx.
func (b *Barrier) Run(ctx context.Context) error {
	b.lk.Lock()
	if b.running || b.state != StateInit {
		b.lk.Unlock()
		return ErrBarrierReused
	}
	b.running = true
	b.lk.Unlock()

	b.msink.SetGaugeWithLabels(MetricBarrierGroupSize, float32(b.size), b.mLabels)
	start := time.Now()
	if err := b.run(ctx); err != nil {
		b.setState(StateFailed)
		b.msink.IncrCounterWithLabels(MetricBarrierRunFailureCount, 1.0, b.mLabels)
		b.logger.Error("barrier failed", LabelError.L(err))
		return &ParticipantError{ID: b.self, Err: err}
	}

	b.msink.IncrCounterWithLabels(MetricBarrierRunCompleteCount, 1.0, b.mLabels)
	b.logger.Info("barrier complete", LabelDuration.L(time.Since(start)))
	return nil
}

func (b *Barrier) run(ctx context.Context) error {
	phaseStart := time.Now()
	if b.role == RoleMember {
		msg := Encode(Started, b.self, fmt.Sprintf(FmtStarted, b.self, b.size, b.balance))
		if err := b.multicast(ctx, msg); err != nil {
			return b.fail("multicast STARTED message", err)
		}
		if err := b.journal.event(string(msg.Payload)); err != nil {
			return b.fail("write event log", err)
		}
	} else {
		b.logger.Debug("observing the group", "expected", b.expected)
	}

	b.setState(StateAwaitingStarts)
	for {
		started, _ := b.Counts()
		if started >= b.expected {
			break
		}
		if err := b.receive(ctx, StateAwaitingStarts); err != nil {
			return b.fail("receive message", err)
		}
	}
	b.observePhase(Started, phaseStart)
	if err := b.journal.event(fmt.Sprintf(FmtReceivedAllStarts, b.self)); err != nil {
		return b.fail("write event log", err)
	}

	phaseStart = time.Now()
	b.setState(StateAwaitingDones)
	if b.role == RoleMember {
		if b.workload != nil {
			if err := b.workload(ctx, b.self, b.balance); err != nil {
				return b.fail("do its work", err)
			}
		}
		msg := Encode(Done, b.self, fmt.Sprintf(FmtDone, b.self))
		if err := b.multicast(ctx, msg); err != nil {
			return b.fail("multicast DONE message", err)
		}
		if err := b.journal.event(string(msg.Payload)); err != nil {
			return b.fail("write event log", err)
		}
	}

	for {
		_, done := b.Counts()
		if done >= b.expected {
			break
		}
		if err := b.receive(ctx, StateAwaitingDones); err != nil {
			return b.fail("receive message", err)
		}
	}
	b.observePhase(Done, phaseStart)
	if err := b.journal.event(fmt.Sprintf(FmtReceivedAllDones, b.self)); err != nil {
		return b.fail("write event log", err)
	}

	b.setState(StateComplete)
	return nil
}

func (b *Barrier) multicast(ctx context.Context, msg Message) error {
	err := Multicast(ctx, b.tr, msg)
	if err != nil {
		var cerr *ChannelError
		peer := UnknownPeer
		if errors.As(err, &cerr) {
			peer = cerr.Peer
		}
		b.msink.IncrCounterWithLabels(
			MetricBarrierChannelErrorCount,
			1.0,
			b.labels(LabelPeer.M(strconv.Itoa(int(peer))), LabelType.M(msg.Type.String())),
		)
		return err
	}
	b.msink.IncrCounterWithLabels(
		MetricBarrierMessageOutCount,
		float32(b.size-1),
		b.labels(LabelType.M(msg.Type.String())),
	)
	b.logger.Debug("multicast done", LabelType.L(msg.Type.String()))
	return nil
}

// receive waits for one message and accounts for it according to the
// phase we are in.
func (b *Barrier) receive(ctx context.Context, phase State) error {
	peer, msg, err := b.tr.RecvAny(ctx)
	if err != nil {
		b.msink.IncrCounterWithLabels(
			MetricBarrierChannelErrorCount,
			1.0,
			b.labels(LabelPeer.M(strconv.Itoa(int(peer)))),
		)
		var cerr *ChannelError
		if errors.As(err, &cerr) {
			return err
		}
		return &ChannelError{Peer: peer, Op: OpRecv, Err: err}
	}

	if !msg.Valid() {
		b.msink.IncrCounterWithLabels(
			MetricBarrierMessageInvalidCount,
			1.0,
			b.labels(LabelPeer.M(strconv.Itoa(int(peer)))),
		)
		return fmt.Errorf("%w: bad magic 0x%04X from peer %d", ErrInvalidMessage, msg.Magic, peer)
	}

	b.msink.IncrCounterWithLabels(
		MetricBarrierMessageInCount,
		1.0,
		b.labels(LabelType.M(msg.Type.String())),
	)
	logger := b.logger.With(LabelPeer.L(peer), LabelType.L(msg.Type.String()))

	if !b.announces(peer) {
		logger.Warn("ignoring message from a participant which does not announce")
		return nil
	}

	var phaseSet map[ID]struct{}
	switch msg.Type {
	case Started:
		if phase != StateAwaitingStarts {
			logger.Debug("ignoring late announcement")
			return nil
		}
		phaseSet = b.started
	case Done:
		phaseSet = b.done
	default:
		logger.Debug("ignoring message reserved to the account layer")
		return nil
	}

	b.lk.Lock()
	_, dup := phaseSet[peer]
	phaseSet[peer] = struct{}{}
	b.lk.Unlock()

	if dup {
		logger.Warn("duplicate announcement")
	} else {
		logger.Debug("announcement received")
	}
	return nil
}

// announces tells whether `peer` is expected to announce its phases to us.
func (b *Barrier) announces(peer ID) bool {
	return peer > RootID && peer != b.self && int(peer) < b.size
}

func (b *Barrier) fail(what string, err error) error {
	b.journal.failure(fmt.Sprintf(FmtFailure, b.self, what, err))
	return err
}

func (b *Barrier) setState(s State) {
	b.lk.Lock()
	prev := b.state
	if prev != StateFailed {
		b.state = s
	}
	b.lk.Unlock()
	if prev != s && prev != StateFailed {
		b.logger.Info("barrier transition", "from", prev.String(), "to", s.String())
	}
}

func (b *Barrier) observePhase(phase Type, since time.Time) {
	b.msink.AddSampleWithLabels(
		MetricBarrierPhaseDurationMs,
		float32(time.Since(since).Milliseconds()),
		b.labels(LabelPhase.M(phase.String())),
	)
}

func (b *Barrier) labels(extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(b.mLabels)+len(extra))
	out = append(out, b.mLabels...)
	return append(out, extra...)
}
