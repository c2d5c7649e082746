// Package discovery lets the participants of a group find the QUIC
// address of each other over a gossip protocol, before the mesh is
// established.
//
// Each participant joins a `memberlist` cluster under its participant
// name and advertises its QUIC address as node metadata. `Discover`
// returns once every participant of the group is known.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/pgbarrier"
	"github.com/raskyld/pgbarrier/pkg/mesh"
)

var (
	ErrInvalidCfg      = errors.New("discovery: invalid options")
	ErrJoinGroup       = errors.New("discovery: could not join the group")
	ErrDirectoryClosed = errors.New("discovery: directory is closed")
	ErrForeignNode     = errors.New("discovery: node is not a participant of the group")
)

var (
	MetricDiscoveryMemberCount = []string{"pgbarrier", "discovery", "member", "count"}
	MetricDiscoveryJoinCount   = []string{"pgbarrier", "discovery", "join", "count"}
	MetricDiscoveryLeaveCount  = []string{"pgbarrier", "discovery", "leave", "count"}
)

const leaveTimeout = 5 * time.Second

// Directory maps the participants of a group to their QUIC address.
type Directory struct {
	self     pgbarrier.ID
	size     int
	quicAddr string

	config config
	logger *slog.Logger
	ml     *memberlist.Memberlist

	lk       sync.Mutex
	shutdown bool
	members  map[pgbarrier.ID]string
	changeCh chan struct{}
}

// Create starts gossiping as participant `self` of a group of `size`,
// advertising `quicAddr`. Call `Join` to reach the other participants.
func Create(self pgbarrier.ID, size int, quicAddr string, opts ...Option) (*Directory, error) {
	if size < 2 {
		return nil, fmt.Errorf("%w: size %d", pgbarrier.ErrGroupTooSmall, size)
	}
	if self < 0 || int(self) >= size {
		return nil, fmt.Errorf("%w: self is %d in a group of %d", pgbarrier.ErrUnknownPeer, self, size)
	}
	if len(quicAddr) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("%w: QUIC address does not fit in node metadata", ErrInvalidCfg)
	}

	d := &Directory{
		self:     self,
		size:     size,
		quicAddr: quicAddr,
		members:  map[pgbarrier.ID]string{self: quicAddr},
		changeCh: make(chan struct{}, 1),
	}
	d.config.mlCfg = memberlist.DefaultLANConfig()
	d.config.mlCfg.Name = mesh.ParticipantName(self)

	for _, opt := range opts {
		if err := opt(&d.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if d.config.logHandler == nil {
		d.config.logHandler = slog.Default().Handler()
	}
	d.logger = slog.New(d.config.logHandler).With(pgbarrier.LabelParticipant.L(self))
	d.config.mlCfg.Logger = slog.NewLogLogger(d.config.logHandler, slog.LevelDebug)

	if d.config.msink == nil {
		d.config.msink = metrics.Default()
	}

	g := &gossip{dir: d}
	d.config.mlCfg.Delegate = g
	d.config.mlCfg.Events = g
	d.config.mlCfg.Alive = g

	ml, err := memberlist.Create(d.config.mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	d.ml = ml
	return d, nil
}

// Addr is the gossip address other participants can use as neighbour.
func (d *Directory) Addr() string {
	node := d.ml.LocalNode()
	return fmt.Sprintf("%s:%d", node.Addr, node.Port)
}

// Join contacts the neighbours. Not all of them need to be reachable,
// gossip takes care of the rest.
func (d *Directory) Join() error {
	d.lk.Lock()
	closed := d.shutdown
	d.lk.Unlock()
	if closed {
		return ErrDirectoryClosed
	}
	// memberlist notifies joins synchronously, d.lk must not be held.
	if len(d.config.neighbours) > 0 {
		joined, err := d.ml.Join(d.config.neighbours)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrJoinGroup, err)
		}
		d.logger.Info("group joined")
		if len(d.config.neighbours) != joined {
			d.logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(d.config.neighbours),
			)
		}
	}
	return nil
}

// Members returns the participants known so far.
func (d *Directory) Members() map[pgbarrier.ID]string {
	d.lk.Lock()
	defer d.lk.Unlock()
	return maps.Clone(d.members)
}

// Discover blocks until every participant of the group is known and
// returns their QUIC addresses, our own included.
func (d *Directory) Discover(ctx context.Context) (map[pgbarrier.ID]string, error) {
	for {
		d.lk.Lock()
		if d.shutdown {
			d.lk.Unlock()
			return nil, ErrDirectoryClosed
		}
		if len(d.members) >= d.size {
			members := maps.Clone(d.members)
			d.lk.Unlock()
			return members, nil
		}
		d.lk.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("discovery: %d of %d participants known: %w", len(d.Members()), d.size, ctx.Err())
		case <-d.changeCh:
		}
	}
}

// Shutdown leaves the group gracefully and releases the gossip resources.
func (d *Directory) Shutdown() error {
	d.lk.Lock()
	if d.shutdown {
		d.lk.Unlock()
		return nil
	}
	d.shutdown = true
	d.lk.Unlock()

	start := time.Now()
	d.logger.Info("shutdown: leave group")
	if err := d.ml.Leave(leaveTimeout); err != nil {
		d.logger.Warn("shutdown: could not leave gracefully", pgbarrier.LabelError.L(err))
	}
	err := d.ml.Shutdown()
	d.logger.Info("shutdown: completed", pgbarrier.LabelDuration.L(time.Since(start)))
	return err
}

func (d *Directory) record(id pgbarrier.ID, addr string) {
	d.lk.Lock()
	d.members[id] = addr
	count := len(d.members)
	d.lk.Unlock()
	d.notify(count)
}

func (d *Directory) forget(id pgbarrier.ID) {
	d.lk.Lock()
	delete(d.members, id)
	count := len(d.members)
	d.lk.Unlock()
	d.notify(count)
}

func (d *Directory) notify(count int) {
	d.config.msink.SetGaugeWithLabels(
		MetricDiscoveryMemberCount,
		float32(count),
		append(d.labels(), pgbarrier.LabelParticipant.M(strconv.Itoa(int(d.self)))),
	)
	select {
	case d.changeCh <- struct{}{}:
	default:
	}
}

func (d *Directory) labels() []metrics.Label {
	return append([]metrics.Label(nil), d.config.metricLabels...)
}
