package flow

import (
	"context"
	"time"

	"github.com/quic-go/quic-go"
)

// QErrFlowClosed is the stream error code used when we stop reading a
// remote flow.
const QErrFlowClosed = quic.StreamErrorCode(0xC)

// RemoteSender writes frames on a QUIC stream. Closing it ends the
// stream gracefully: the peer reads what was sent, then `io.EOF`.
type RemoteSender struct {
	quic.SendStream
}

var _ RawSender = RemoteSender{}

func (s RemoteSender) Send(enc Encoder, msg interface{}) error {
	return enc.Encode(s.SendStream, msg)
}

// SendContext bounds the write with the deadline of ctx, if any.
func (s RemoteSender) SendContext(ctx context.Context, enc Encoder, msg interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		if err := s.SetWriteDeadline(dl); err != nil {
			return err
		}
		defer s.SetWriteDeadline(time.Time{})
	}
	return s.Send(enc, msg)
}

// RemoteReceiver reads frames from a QUIC stream.
type RemoteReceiver struct {
	quic.ReceiveStream
}

var _ RawReceiver = RemoteReceiver{}

func (r RemoteReceiver) Recv(dec Decoder) (interface{}, error) {
	return dec.Decode(r.ReceiveStream)
}

// RecvContext bounds the read with the deadline of ctx, if any.
func (r RemoteReceiver) RecvContext(ctx context.Context, dec Decoder) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		if err := r.SetReadDeadline(dl); err != nil {
			return nil, err
		}
		defer r.SetReadDeadline(time.Time{})
	}
	return r.Recv(dec)
}

func (r RemoteReceiver) Close() error {
	r.CancelRead(QErrFlowClosed)
	return nil
}
