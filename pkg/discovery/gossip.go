package discovery

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/pgbarrier"
	"github.com/raskyld/pgbarrier/pkg/mesh"
)

// gossip plugs the directory into memberlist.
type gossip struct {
	dir *Directory
}

var (
	_ memberlist.Delegate      = (*gossip)(nil)
	_ memberlist.EventDelegate = (*gossip)(nil)
	_ memberlist.AliveDelegate = (*gossip)(nil)
)

func (g *gossip) NodeMeta(limit int) []byte {
	if len(g.dir.quicAddr) > limit {
		return nil
	}
	return []byte(g.dir.quicAddr)
}

func (g *gossip) NotifyMsg([]byte) {}

func (g *gossip) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

func (g *gossip) LocalState(join bool) []byte {
	return nil
}

func (g *gossip) MergeRemoteState(buf []byte, join bool) {}

// NotifyAlive turns away nodes which are not participants of our group.
func (g *gossip) NotifyAlive(node *memberlist.Node) error {
	_, err := g.participant(node)
	return err
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	id, err := g.participant(node)
	if err != nil {
		withLogNode(g.dir.logger, node).Warn("ignoring foreign node", pgbarrier.LabelError.L(err))
		return
	}
	withLogNode(g.dir.logger, node).Info("participant joined group")
	g.dir.config.msink.IncrCounterWithLabels(MetricDiscoveryJoinCount, 1.0, g.dir.labels())
	g.dir.record(id, string(node.Meta))
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	id, err := g.participant(node)
	if err != nil {
		return
	}
	withLogNode(g.dir.logger, node).Info("participant left group")
	g.dir.config.msink.IncrCounterWithLabels(MetricDiscoveryLeaveCount, 1.0, g.dir.labels())
	g.dir.forget(id)
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	id, err := g.participant(node)
	if err != nil {
		return
	}
	withLogNode(g.dir.logger, node).Info("participant updated")
	g.dir.record(id, string(node.Meta))
}

func (g *gossip) participant(node *memberlist.Node) (pgbarrier.ID, error) {
	id, err := mesh.ParseParticipantName(node.Name)
	if err != nil {
		return pgbarrier.UnknownPeer, fmt.Errorf("%w: %w", ErrForeignNode, err)
	}
	if int(id) >= g.dir.size {
		return pgbarrier.UnknownPeer, fmt.Errorf("%w: %s in a group of %d", ErrForeignNode, node.Name, g.dir.size)
	}
	if len(node.Meta) == 0 {
		return pgbarrier.UnknownPeer, fmt.Errorf("%w: %s advertises no address", ErrForeignNode, node.Name)
	}
	return id, nil
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With("node", node.Name, "addr", node.Address(), "quic", string(node.Meta))
}
