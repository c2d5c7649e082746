package flow

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBytesCodec(t *testing.T) {
	codec := NewBytesCodec(true)

	t.Run("frames are read back in order", func(t *testing.T) {
		var stream bytes.Buffer
		require.NoError(t, codec.Encode(&stream, []byte("hello")))
		require.NoError(t, codec.Encode(&stream, []byte{}))
		require.NoError(t, codec.Encode(&stream, bytes.Repeat([]byte{0xAF}, 300)))

		first, err := codec.Decode(&stream)
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), first)

		empty, err := codec.Decode(&stream)
		require.NoError(t, err)
		require.Empty(t, empty)

		long, err := codec.Decode(&stream)
		require.NoError(t, err)
		require.Len(t, long, 300)

		_, err = codec.Decode(&stream)
		require.ErrorIs(t, err, io.EOF)
	})

	t.Run("a truncated frame is an unexpected EOF", func(t *testing.T) {
		var stream bytes.Buffer
		require.NoError(t, codec.Encode(&stream, []byte("hello")))
		truncated := bytes.NewReader(stream.Bytes()[:3])

		_, err := codec.Decode(truncated)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("oversized frames are rejected on both ends", func(t *testing.T) {
		small := codec.WithMaxFrameSize(4)
		var stream bytes.Buffer
		require.ErrorIs(t, small.Encode(&stream, []byte("hello")), ErrTooLargeFrame)

		require.NoError(t, codec.Encode(&stream, []byte("hello")))
		_, err := small.Decode(&stream)
		require.ErrorIs(t, err, ErrTooLargeFrame)
	})

	t.Run("local processing copies the buffer", func(t *testing.T) {
		orig := []byte("hello")
		processed, err := codec.ProcessLocal(orig)
		require.NoError(t, err)
		orig[0] = 'j'
		require.Equal(t, []byte("hello"), processed)
	})
}

func TestLocalFlow(t *testing.T) {
	t.Run("values are received in order", func(t *testing.T) {
		fl := NewLocalFlow(4)
		for _, v := range []string{"a", "b", "c"} {
			require.NoError(t, fl.Send(nil, v))
		}
		for _, v := range []string{"a", "b", "c"} {
			got, err := fl.Recv(nil)
			require.NoError(t, err)
			require.Equal(t, v, got)
		}
	})

	t.Run("a closed flow fails senders and drains receivers", func(t *testing.T) {
		fl := NewLocalFlow(4)
		require.NoError(t, fl.Send(nil, "last"))
		require.NoError(t, fl.Close())
		require.True(t, fl.Closed())

		require.ErrorIs(t, fl.Send(nil, "too late"), ErrFlowClosed)

		got, err := fl.Recv(nil)
		require.NoError(t, err)
		require.Equal(t, "last", got)

		_, err = fl.Recv(nil)
		require.ErrorIs(t, err, ErrFlowClosed)

		require.NoError(t, fl.Close(), "closing twice is a no-op")
	})

	t.Run("closing unblocks a sender waiting on a full buffer", func(t *testing.T) {
		fl := NewLocalFlow(0)
		errCh := make(chan error, 1)
		go func() {
			errCh <- fl.Send(nil, "blocked")
		}()

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, fl.Close())
		select {
		case err := <-errCh:
			require.ErrorIs(t, err, ErrFlowClosed)
		case <-time.After(time.Second):
			t.Fatal("sender is still blocked")
		}
	})

	t.Run("a sender on a full buffer gives up with its context", func(t *testing.T) {
		fl := NewLocalFlow(1)
		require.NoError(t, fl.Send(nil, "first"))
		require.Equal(t, 1, fl.Pending())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, fl.SendContext(ctx, nil, "second"), context.DeadlineExceeded)

		elem, err := fl.Recv(nil)
		require.NoError(t, err)
		require.Equal(t, "first", elem)
		require.Zero(t, fl.Pending())
	})
}

func TestFanIn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := NewLocalFlow(8)
	b := NewLocalFlow(8)
	fan := NewFanIn[int](nil, map[int]RawReceiver{1: a, 2: b}, 4)
	defer fan.Close()

	t.Run("deliveries are tagged with their source", func(t *testing.T) {
		require.NoError(t, a.Send(nil, "a1"))
		require.NoError(t, b.Send(nil, "b1"))
		require.NoError(t, a.Send(nil, "a2"))

		fromA := []interface{}{}
		fromB := []interface{}{}
		for i := 0; i < 3; i++ {
			d, err := fan.Recv(ctx)
			require.NoError(t, err)
			require.NoError(t, d.Err)
			switch d.From {
			case 1:
				fromA = append(fromA, d.Msg)
			case 2:
				fromB = append(fromB, d.Msg)
			}
		}
		require.Equal(t, []interface{}{"a1", "a2"}, fromA, "per-source order is kept")
		require.Equal(t, []interface{}{"b1"}, fromB)
	})

	t.Run("a broken source delivers its error once", func(t *testing.T) {
		require.NoError(t, b.Close())
		d, err := fan.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, d.From)
		require.ErrorIs(t, d.Err, ErrFlowClosed)
	})

	t.Run("recv honours the context", func(t *testing.T) {
		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := fan.Recv(short)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("recv fails once closed", func(t *testing.T) {
		require.NoError(t, fan.Close())
		_, err := fan.Recv(ctx)
		require.ErrorIs(t, err, ErrFlowClosed)
	})
}

func TestFanIn_Close(t *testing.T) {
	t.Run("buffered deliveries are never handed out after close", func(t *testing.T) {
		for round := 0; round < 200; round++ {
			src := NewLocalFlow(4)
			fan := NewFanIn[int](nil, map[int]RawReceiver{1: src}, 4)
			require.NoError(t, src.Send(nil, "pending"))
			require.NoError(t, src.Send(nil, "pending"))

			require.NoError(t, fan.Close())
			for i := 0; i < 3; i++ {
				d, err := fan.Recv(context.Background())
				require.ErrorIs(t, err, ErrFlowClosed, "round %d: got %v", round, d)
			}
		}
	})
}
