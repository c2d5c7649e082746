package pgbarrier

import (
	"context"
)

// ID identifies a participant inside its group. It is stable for the
// lifetime of the group and `RootID` is reserved for the root.
type ID int

const (
	RootID      ID = 0
	UnknownPeer ID = -1
)

// Transport is the per-participant view of the full mesh.
//
// The topology is established before the barrier starts and is never
// mutated while the barrier runs: every pair of participants owns exactly
// one channel in each direction. Messages sent on a given channel are
// delivered in order, there is no ordering across channels.
//
// Implementations MUST NOT retry: any failure is reported as is and is
// fatal to the caller.
type Transport interface {
	// Self is the id of the local participant.
	Self() ID

	// Size is the number of participants in the group, root included.
	Size() int

	// SendTo blocks until `msg` is handed over to the channel towards
	// `peer`, or until it fails.
	SendTo(ctx context.Context, peer ID, msg Message) error

	// RecvAny blocks until a message is available on any inbound channel
	// and returns it with the id of its sender.
	RecvAny(ctx context.Context) (ID, Message, error)
}

// Multicast sends `msg` to every participant but the caller, in ascending
// id order.
//
// It stops at the first failure and returns a `*ChannelError` naming the
// peer. Messages already handed to lower ids are not retracted.
func Multicast(ctx context.Context, tr Transport, msg Message) error {
	self := tr.Self()
	for peer := ID(0); peer < ID(tr.Size()); peer++ {
		if peer == self {
			continue
		}
		if err := tr.SendTo(ctx, peer, msg); err != nil {
			return &ChannelError{Peer: peer, Op: OpSend, Err: err}
		}
	}
	return nil
}
