// Package flow provides the one-way channels participants are wired with:
// in-process flows backed by Go channels and remote flows backed by QUIC
// streams, both carrying values through an `Encoder` / `Decoder` pair.
package flow

import (
	"errors"
	"io"
)

var (
	ErrFlowClosed    = errors.New("flow: closed")
	ErrTooLargeFrame = errors.New("flow: frame is too large")
)

// RawSender is a non-thread safe and blocking flow.
//
// Methods MUST NOT be called concurrently.
type RawSender interface {
	Send(Encoder, interface{}) error
	Close() error
}

// RawReceiver is a non-thread safe and blocking flow.
//
// Methods MUST NOT be called concurrently.
type RawReceiver interface {
	Recv(Decoder) (interface{}, error)
	Close() error
}

// Encoder can encode messages on a byte stream.
// It is supposed to return an error only when a final error is
// encountered.
type Encoder interface {
	Encode(io.Writer, interface{}) error
	ProcessLocal(interface{}) (interface{}, error)
}

// Decoder can decode messages from a byte stream.
type Decoder interface {
	Decode(io.Reader) (interface{}, error)
}

// Clonable values know how to deep copy themselves for local flows.
type Clonable interface {
	Clone() interface{}
}
