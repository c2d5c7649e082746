// Package group runs a whole group in a single process: a root and one
// member per initial balance, each on its own goroutine, connected by a
// local full mesh established before any of them starts.
package group

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pgbarrier"
	"github.com/raskyld/pgbarrier/pkg/mesh"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidCfg = errors.New("group: invalid options")
	ErrNoMembers  = errors.New("group: at least one member is required")
	ErrGroupRan   = errors.New("group: a group can only run once")
)

// Group is a root and its members sharing a `mesh.Local`.
type Group struct {
	config   config
	logger   *slog.Logger
	balances []pgbarrier.Balance
	mesh     *mesh.Local

	lk  sync.Mutex
	ran bool
}

// Report is the outcome of `Run`.
type Report struct {
	// Statuses holds the outcome of each participant, indexed by id.
	Statuses []error
	// First is the first participant to fail, nil when all completed.
	First *pgbarrier.ParticipantError
	// ExitCode is 0 when all completed, 1 otherwise.
	ExitCode int
	Duration time.Duration
}

// New builds a group of `len(balances)+1` participants, participant
// `i` starting with `balances[i-1]`.
func New(balances []pgbarrier.Balance, opts ...Option) (*Group, error) {
	if len(balances) == 0 {
		return nil, ErrNoMembers
	}
	g := &Group{
		balances: append([]pgbarrier.Balance(nil), balances...),
	}
	for _, opt := range opts {
		if err := opt(&g.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	for i, b := range balances {
		if b < 0 {
			return nil, fmt.Errorf("%w: balance of participant %d is negative", ErrInvalidCfg, i+1)
		}
	}

	if g.config.logHandler == nil {
		g.config.logHandler = slog.Default().Handler()
	}
	g.logger = slog.New(g.config.logHandler)
	if g.config.msink == nil {
		g.config.msink = metrics.Default()
	}
	if g.config.events != nil {
		if _, shared := g.config.events.(*pgbarrier.EventLog); !shared {
			g.config.events = &lockedWriter{w: g.config.events}
		}
	}

	meshOpts := []mesh.Option{
		mesh.WithLog(g.config.logHandler),
		mesh.WithMetricSink(g.config.msink),
		mesh.WithMetricLabels(g.config.metricLabels),
		mesh.WithBufferSize(g.config.bufferSize),
	}
	if g.config.channelLog != nil {
		meshOpts = append(meshOpts, mesh.WithChannelLog(g.config.channelLog))
	}
	m, err := mesh.NewLocal(len(balances)+1, meshOpts...)
	if err != nil {
		return nil, err
	}
	g.mesh = m
	return g, nil
}

func (g *Group) Size() int {
	return g.mesh.Size()
}

// Mesh exposes the channels of the group, e.g. to break some of them.
func (g *Group) Mesh() *mesh.Local {
	return g.mesh
}

// Run starts every participant and waits for all of them, however long
// it takes: participants waiting on a peer which died only give up with
// ctx. A failure never cancels the other participants.
func (g *Group) Run(ctx context.Context) (*Report, error) {
	g.lk.Lock()
	if g.ran {
		g.lk.Unlock()
		return nil, ErrGroupRan
	}
	g.ran = true
	g.lk.Unlock()

	size := g.mesh.Size()
	barriers := make([]*pgbarrier.Barrier, size)
	for id := 0; id < size; id++ {
		b, err := pgbarrier.NewBarrier(g.mesh.Endpoint(pgbarrier.ID(id)), g.barrierOpts(pgbarrier.ID(id))...)
		if err != nil {
			return nil, err
		}
		barriers[id] = b
	}

	start := time.Now()
	report := &Report{Statuses: make([]error, size)}
	var eg errgroup.Group
	for id, b := range barriers {
		id, b := id, b
		eg.Go(func() error {
			err := b.Run(ctx)
			report.Statuses[id] = err
			return err
		})
	}

	// errgroup keeps the first error returned, which is the first
	// participant to fail.
	if err := eg.Wait(); err != nil {
		var perr *pgbarrier.ParticipantError
		if errors.As(err, &perr) {
			report.First = perr
		}
		report.ExitCode = 1
	}
	report.Duration = time.Since(start)

	g.logger.Info(
		"group ended",
		"size", size,
		"exit_code", report.ExitCode,
		pgbarrier.LabelDuration.L(report.Duration),
	)
	return report, nil
}

// Close tears the mesh down.
func (g *Group) Close() error {
	return g.mesh.Close()
}

func (g *Group) barrierOpts(id pgbarrier.ID) []pgbarrier.Option {
	opts := []pgbarrier.Option{
		pgbarrier.WithLog(g.config.logHandler),
		pgbarrier.WithMetricSink(g.config.msink),
		pgbarrier.WithMetricLabels(g.config.metricLabels),
		pgbarrier.WithConsole(g.config.console),
	}
	if g.config.events != nil {
		opts = append(opts, pgbarrier.WithEventLog(g.config.events))
	}
	if id != pgbarrier.RootID {
		opts = append(opts,
			pgbarrier.WithBalance(g.balances[id-1]),
			pgbarrier.WithWorkload(g.config.workload),
		)
	}
	return opts
}

type lockedWriter struct {
	lk sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.lk.Lock()
	defer lw.lk.Unlock()
	return lw.w.Write(p)
}
