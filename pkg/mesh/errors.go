package mesh

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg         = errors.New("mesh: invalid options")
	ErrNoTLSConfig        = errors.New("mesh: TLS config is required")
	ErrMissingPeer        = errors.New("mesh: missing peer address")
	ErrInvalidHello       = errors.New("mesh: invalid hello frame")
	ErrIdentityMismatch   = errors.New("mesh: peer identity does not match its certificate")
	ErrDuplicatePeer      = errors.New("mesh: duplicate inbound channel")
	ErrAllChannelsClosed  = errors.New("mesh: every inbound channel is closed")
	ErrNotConnected       = errors.New("mesh: node is not connected")
	ErrAlreadyConnected   = errors.New("mesh: node is already connected")
	ErrInvalidParticipant = errors.New("mesh: invalid participant name")
	ErrChannelSevered     = errors.New("mesh: channel severed")
)

var (
	QErrDone = QuicApplicationError{
		Code:   0x0,
		Prefix: "done",
	}
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHandshake = QuicApplicationError{
		Code:   0x2,
		Prefix: "handshake",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
