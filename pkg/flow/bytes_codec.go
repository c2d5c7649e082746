package flow

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds the frames a `BytesCodec` accepts.
const DefaultMaxFrameSize = 1 << 16

// BytesCodec is a simple framing codec using length-prefixed frames
// to exchange []byte over a flow.
type BytesCodec struct {
	copyBuffers  bool
	maxFrameSize uint64
}

func NewBytesCodec(localCopy bool) BytesCodec {
	return BytesCodec{
		copyBuffers:  localCopy,
		maxFrameSize: DefaultMaxFrameSize,
	}
}

// WithMaxFrameSize returns a copy of the codec rejecting frames larger
// than `size` bytes, on both ends.
func (enc BytesCodec) WithMaxFrameSize(size uint64) BytesCodec {
	enc.maxFrameSize = size
	return enc
}

func (enc BytesCodec) limit() uint64 {
	if enc.maxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return enc.maxFrameSize
}

func (enc BytesCodec) Encode(w io.Writer, msg interface{}) error {
	buf, ok := msg.([]byte)
	if !ok {
		panic(
			fmt.Sprintf(
				"encoder received wrong type %s instead of []byte",
				reflect.TypeOf(msg).String(),
			),
		)
	}

	if uint64(len(buf)) > enc.limit() {
		return fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, len(buf))
	}

	varintBuf := protowire.AppendVarint(nil, uint64(len(buf)))
	prefixedBuf := make([]byte, len(varintBuf)+len(buf))
	copy(prefixedBuf, varintBuf)
	copy(prefixedBuf[len(varintBuf):], buf)
	_, err := w.Write(prefixedBuf)
	return err
}

func (enc BytesCodec) ProcessLocal(msg interface{}) (interface{}, error) {
	if !enc.copyBuffers {
		return msg, nil
	}

	buf, ok := msg.([]byte)
	if !ok {
		panic(
			fmt.Sprintf(
				"encoder received wrong type %s instead of []byte",
				reflect.TypeOf(msg).String(),
			),
		)
	}

	cloned := make([]byte, len(buf))
	copy(cloned, buf)
	return cloned, nil
}

func (enc BytesCodec) Decode(r io.Reader) (interface{}, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n : n+1])
		if m != 0 {
			byteRead := buf[n]
			n = m + n
			if byteRead < 0x80 {
				break
			}
		}
		if err != nil {
			if err == io.EOF && n > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, err
	}

	if prefix > enc.limit() {
		return nil, fmt.Errorf("%w: %d bytes announced", ErrTooLargeFrame, prefix)
	}

	frame := make([]byte, prefix)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}

	return frame, nil
}
