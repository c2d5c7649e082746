package mesh

import (
	"fmt"
	"io"
	"reflect"

	"github.com/raskyld/pgbarrier"
	"github.com/raskyld/pgbarrier/pkg/flow"
)

// MessageCodec carries `pgbarrier.Message`s over flows: length-prefixed
// frames on streams, deep copies on local flows.
type MessageCodec struct {
	inner flow.BytesCodec
}

var _ flow.Encoder = MessageCodec{}
var _ flow.Decoder = MessageCodec{}
var _ flow.Clonable = pgbarrier.Message{}

func NewMessageCodec() MessageCodec {
	return MessageCodec{
		// room for the tags and varints around a full payload
		inner: flow.NewBytesCodec(false).WithMaxFrameSize(pgbarrier.MaxMessageLen + 64),
	}
}

func (c MessageCodec) Encode(w io.Writer, msg interface{}) error {
	message := mustMessage(msg)
	buf, err := message.MarshalBinary()
	if err != nil {
		return err
	}
	return c.inner.Encode(w, buf)
}

func (c MessageCodec) ProcessLocal(msg interface{}) (interface{}, error) {
	return mustMessage(msg).Clone(), nil
}

func (c MessageCodec) Decode(r io.Reader) (interface{}, error) {
	buf, err := c.inner.Decode(r)
	if err != nil {
		return nil, err
	}
	return pgbarrier.UnmarshalMessage(buf.([]byte))
}

func mustMessage(msg interface{}) pgbarrier.Message {
	message, ok := msg.(pgbarrier.Message)
	if !ok {
		panic(
			fmt.Sprintf(
				"codec received wrong type %s instead of %s",
				reflect.TypeOf(msg).String(),
				reflect.TypeOf((*pgbarrier.Message)(nil)).Elem().String(),
			),
		)
	}
	return message
}
