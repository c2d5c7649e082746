package pgbarrier

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg     = errors.New("barrier: invalid options")
	ErrInvalidMessage = errors.New("barrier: invalid message")
	ErrChannel        = errors.New("barrier: channel failure")
	ErrLogSink        = errors.New("barrier: log sink failure")
	ErrUnknownPeer    = errors.New("barrier: peer id outside of the group")
	ErrGroupTooSmall  = errors.New("barrier: a group needs a root and at least one member")
)

const (
	OpSend ChannelOp = iota
	OpRecv
)

// ChannelOp is the transport operation which failed.
type ChannelOp uint8

func (op ChannelOp) String() string {
	switch op {
	case OpSend:
		return "send"
	case OpRecv:
		return "receive"
	default:
		return "unknown"
	}
}

// ChannelError is returned when the `Transport` failed to deliver or
// receive a message. It is always fatal to the local participant.
//
// Peer is `UnknownPeer` when a receive failed before we could tell
// which channel was broken.
type ChannelError struct {
	Peer ID
	Op   ChannelOp
	Err  error
}

func (cerr *ChannelError) Error() string {
	if cerr.Peer == UnknownPeer {
		return fmt.Sprintf("%s: %s failed: %s", ErrChannel, cerr.Op, cerr.Err)
	}
	return fmt.Sprintf("%s: %s with peer %d failed: %s", ErrChannel, cerr.Op, cerr.Peer, cerr.Err)
}

func (cerr *ChannelError) Unwrap() []error {
	return []error{ErrChannel, cerr.Err}
}

// ParticipantError names the participant whose run failed.
type ParticipantError struct {
	ID  ID
	Err error
}

func (perr *ParticipantError) Error() string {
	return fmt.Sprintf("participant %d: %s", perr.ID, perr.Err)
}

func (perr *ParticipantError) Unwrap() error {
	return perr.Err
}
