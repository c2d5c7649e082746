package pgbarrier

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// Magic is carried by every message, a mismatch on receipt means the
	// peer does not speak our protocol.
	Magic uint16 = 0xAFAF

	// MaxMessageLen is the size of a whole message in the legacy fixed
	// framing, header included.
	MaxMessageLen = 4096

	// MaxPayloadLen leaves room for the 8-byte legacy header.
	MaxPayloadLen = MaxMessageLen - 8
)

// Type of a `Message`. Only `Started` and `Done` are produced by the
// barrier, the rest is reserved for the account layer.
type Type int16

const (
	Started Type = iota
	Done
	Ack
	Stop
	Transfer
	BalanceHistory
	CSRequest
	CSReply
	CSRelease
)

func (t Type) String() string {
	switch t {
	case Started:
		return "STARTED"
	case Done:
		return "DONE"
	case Ack:
		return "ACK"
	case Stop:
		return "STOP"
	case Transfer:
		return "TRANSFER"
	case BalanceHistory:
		return "BALANCE_HISTORY"
	case CSRequest:
		return "CS_REQUEST"
	case CSReply:
		return "CS_REPLY"
	case CSRelease:
		return "CS_RELEASE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int16(t))
	}
}

// Timestamp is the logical time field of a `Message`.
//
// NB: it is filled with the sender id, not with an incrementing clock.
// Do not rely on it for causal ordering.
type Timestamp int16

// Message is the unit exchanged between participants.
type Message struct {
	Magic     uint16
	Type      Type
	Timestamp Timestamp
	Payload   []byte
}

// Encode builds a well-formed message sent by `sender`.
//
// It panics if `text` does not fit in `MaxPayloadLen`, callers own the
// payload and must never produce such a message.
func Encode(t Type, sender ID, text string) Message {
	if len(text) > MaxPayloadLen {
		panic(fmt.Sprintf("payload of %d bytes exceeds %d bytes", len(text), MaxPayloadLen))
	}
	return Message{
		Magic:     Magic,
		Type:      t,
		Timestamp: Timestamp(sender),
		Payload:   []byte(text),
	}
}

// Validate reports whether `msg` carries our magic. Type and payload are
// trusted.
func Validate(msg Message) bool {
	return msg.Magic == Magic
}

func (m Message) Valid() bool {
	return Validate(m)
}

func (m Message) PayloadLen() int {
	return len(m.Payload)
}

func (m Message) String() string {
	return fmt.Sprintf("%s@%d(%d bytes)", m.Type, m.Timestamp, len(m.Payload))
}

// Clone deep copies the message so local deliveries never share the
// payload buffer with the sender.
func (m Message) Clone() interface{} {
	cloned := m
	if m.Payload != nil {
		cloned.Payload = make([]byte, len(m.Payload))
		copy(cloned.Payload, m.Payload)
	}
	return cloned
}

const (
	fieldMagic     protowire.Number = 1
	fieldType      protowire.Number = 2
	fieldTimestamp protowire.Number = 3
	fieldPayload   protowire.Number = 4
)

// MarshalBinary produces the wire form: a sequence of tagged fields, the
// payload being length-delimited.
func (m Message) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 16+len(m.Payload))
	buf = protowire.AppendTag(buf, fieldMagic, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Magic))
	buf = protowire.AppendTag(buf, fieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(m.Type)))
	buf = protowire.AppendTag(buf, fieldTimestamp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(m.Timestamp)))
	buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.Payload)
	return buf, nil
}

// UnmarshalMessage decodes the wire form produced by `MarshalBinary`.
// Unknown fields are skipped. A message which does not carry our magic
// is rejected with `ErrInvalidMessage`.
func UnmarshalMessage(buf []byte) (Message, error) {
	var msg Message
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldMagic || num == fieldType || num == fieldTimestamp):
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			buf = buf[n:]
			switch num {
			case fieldMagic:
				if v > math.MaxUint16 {
					return Message{}, fmt.Errorf("%w: magic out of range", ErrInvalidMessage)
				}
				msg.Magic = uint16(v)
			case fieldType:
				t := protowire.DecodeZigZag(v)
				if t < math.MinInt16 || t > math.MaxInt16 {
					return Message{}, fmt.Errorf("%w: type out of range", ErrInvalidMessage)
				}
				msg.Type = Type(t)
			case fieldTimestamp:
				ts := protowire.DecodeZigZag(v)
				if ts < math.MinInt16 || ts > math.MaxInt16 {
					return Message{}, fmt.Errorf("%w: timestamp out of range", ErrInvalidMessage)
				}
				msg.Timestamp = Timestamp(ts)
			}
		case typ == protowire.BytesType && num == fieldPayload:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			buf = buf[n:]
			msg.Payload = make([]byte, len(v))
			copy(msg.Payload, v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}

	if !msg.Valid() {
		return Message{}, fmt.Errorf("%w: bad magic 0x%04X", ErrInvalidMessage, msg.Magic)
	}
	return msg, nil
}
