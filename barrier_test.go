package pgbarrier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	metrics.BlackholeSink
	lk       sync.Mutex
	counters map[string]float32
}

func (s *recordingSink) IncrCounterWithLabels(key []string, val float32, labels []metrics.Label) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.counters == nil {
		s.counters = make(map[string]float32)
	}
	s.counters[strings.Join(key, ".")] += val
}

func (s *recordingSink) counter(key []string) float32 {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.counters[strings.Join(key, ".")]
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}

func testLogger() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func newTestBarrier(t *testing.T, tr Transport, opts ...Option) (*Barrier, *strings.Builder) {
	t.Helper()
	var events strings.Builder
	opts = append([]Option{
		WithLog(testLogger()),
		WithMetricSink(nil),
		WithEventLog(&events),
	}, opts...)
	b, err := NewBarrier(tr, opts...)
	require.NoError(t, err)
	return b, &events
}

func eventLines(events *strings.Builder) []string {
	return strings.Split(strings.TrimSpace(events.String()), "\n")
}

func TestNewBarrier(t *testing.T) {
	t.Run("the root waits for every member", func(t *testing.T) {
		b, _ := newTestBarrier(t, &MockTransport{self: 0, size: 4})
		require.Equal(t, RoleRoot, b.Role())
		require.Equal(t, 3, b.Expected())
		require.Equal(t, StateInit, b.State())
	})

	t.Run("a member waits for every other member", func(t *testing.T) {
		b, _ := newTestBarrier(t, &MockTransport{self: 2, size: 4})
		require.Equal(t, RoleMember, b.Role())
		require.Equal(t, 2, b.Expected())
	})

	t.Run("a group needs a root and a member", func(t *testing.T) {
		_, err := NewBarrier(&MockTransport{self: 0, size: 1})
		require.ErrorIs(t, err, ErrGroupTooSmall)
	})

	t.Run("self must belong to the group", func(t *testing.T) {
		_, err := NewBarrier(&MockTransport{self: 3, size: 3})
		require.ErrorIs(t, err, ErrUnknownPeer)
	})

	t.Run("a negative balance is rejected", func(t *testing.T) {
		_, err := NewBarrier(&MockTransport{self: 1, size: 3}, WithBalance(-1))
		require.ErrorIs(t, err, ErrInvalidCfg)
	})
}

func TestBarrier_Member(t *testing.T) {
	t.Run("a member of a group of 3 goes through both phases", func(t *testing.T) {
		tr := &MockTransport{self: 1, size: 3}
		tr.m.On("SendTo", ID(0), Started).Return(nil).Once()
		tr.m.On("SendTo", ID(2), Started).Return(nil).Once()
		tr.m.On("SendTo", ID(0), Done).Return(nil).Once()
		tr.m.On("SendTo", ID(2), Done).Return(nil).Once()
		tr.expectRecv(recvd(2, Started), recvd(2, Done))

		b, events := newTestBarrier(t, tr, WithBalance(10))
		require.NoError(t, b.Run(context.Background()))
		require.Equal(t, StateComplete, b.State())
		tr.m.AssertExpectations(t)

		require.Equal(t, []string{
			"Process 1 (group of 3) has STARTED with balance $10",
			"Process 1 received all STARTED messages",
			"Process 1 has DONE its work",
			"Process 1 received all DONE messages",
		}, eventLines(events))
	})

	t.Run("an early DONE is kept for the second phase", func(t *testing.T) {
		tr := &MockTransport{self: 1, size: 3}
		tr.m.On("SendTo", mock.Anything, mock.Anything).Return(nil)
		tr.expectRecv(recvd(2, Done), recvd(2, Started))

		b, _ := newTestBarrier(t, tr)
		require.NoError(t, b.Run(context.Background()))
		tr.m.AssertNumberOfCalls(t, "RecvAny", 2)

		started, done := b.Counts()
		require.Equal(t, 1, started)
		require.Equal(t, 1, done)
	})

	t.Run("duplicates never end a phase early", func(t *testing.T) {
		tr := &MockTransport{self: 1, size: 4}
		tr.m.On("SendTo", mock.Anything, mock.Anything).Return(nil)
		tr.expectRecv(
			recvd(2, Started), recvd(2, Started), recvd(3, Started),
			recvd(3, Done), recvd(3, Done), recvd(2, Done),
		)

		b, _ := newTestBarrier(t, tr)
		require.NoError(t, b.Run(context.Background()))
		tr.m.AssertNumberOfCalls(t, "RecvAny", 6)
	})

	t.Run("a late STARTED does not count as DONE", func(t *testing.T) {
		tr := &MockTransport{self: 1, size: 3}
		tr.m.On("SendTo", mock.Anything, mock.Anything).Return(nil)
		tr.expectRecv(recvd(2, Started), recvd(2, Started), recvd(2, Done))

		b, _ := newTestBarrier(t, tr)
		require.NoError(t, b.Run(context.Background()))
		tr.m.AssertNumberOfCalls(t, "RecvAny", 3)
	})

	t.Run("messages from the root and reserved types are ignored", func(t *testing.T) {
		tr := &MockTransport{self: 1, size: 3}
		tr.m.On("SendTo", mock.Anything, mock.Anything).Return(nil)
		tr.expectRecv(
			recvd(0, Started), recvd(2, Transfer), recvd(2, Started),
			recvd(0, Done), recvd(2, Done),
		)

		b, _ := newTestBarrier(t, tr)
		require.NoError(t, b.Run(context.Background()))
		tr.m.AssertNumberOfCalls(t, "RecvAny", 5)
	})

	t.Run("the workload runs between the two phases", func(t *testing.T) {
		tr := &MockTransport{self: 2, size: 3}
		var calls []string
		tr.m.On("SendTo", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			calls = append(calls, args.Get(1).(Type).String())
		}).Return(nil)
		tr.expectRecv(recvd(1, Started), recvd(1, Done))

		b, _ := newTestBarrier(t, tr, WithBalance(5), WithWorkload(func(ctx context.Context, self ID, balance Balance) error {
			require.Equal(t, ID(2), self)
			require.Equal(t, Balance(5), balance)
			calls = append(calls, "work")
			return nil
		}))
		require.NoError(t, b.Run(context.Background()))
		require.Equal(t, []string{"STARTED", "STARTED", "work", "DONE", "DONE"}, calls)
	})

	t.Run("a member of the smallest group has nobody to wait for", func(t *testing.T) {
		tr := &MockTransport{self: 1, size: 2}
		tr.m.On("SendTo", ID(0), mock.Anything).Return(nil)

		b, events := newTestBarrier(t, tr)
		require.NoError(t, b.Run(context.Background()))
		tr.m.AssertNotCalled(t, "RecvAny")
		require.Len(t, eventLines(events), 4)
	})
}

func TestBarrier_Root(t *testing.T) {
	t.Run("the root only observes", func(t *testing.T) {
		tr := &MockTransport{self: 0, size: 3}
		tr.expectRecv(recvd(1, Started), recvd(2, Done), recvd(2, Started), recvd(1, Done))

		b, events := newTestBarrier(t, tr)
		require.NoError(t, b.Run(context.Background()))
		tr.m.AssertNotCalled(t, "SendTo", mock.Anything, mock.Anything)

		require.Equal(t, []string{
			"Process 0 received all STARTED messages",
			"Process 0 received all DONE messages",
		}, eventLines(events))
	})
}

func TestBarrier_Failures(t *testing.T) {
	t.Run("a failed send is fatal and stops the multicast", func(t *testing.T) {
		tr := &MockTransport{self: 1, size: 3}
		tr.m.On("SendTo", ID(0), Started).Return(io.ErrClosedPipe).Once()
		sink := &recordingSink{}

		b, events := newTestBarrier(t, tr, WithMetricSink(sink))
		err := b.Run(context.Background())

		var perr *ParticipantError
		require.ErrorAs(t, err, &perr)
		require.Equal(t, ID(1), perr.ID)

		var cerr *ChannelError
		require.ErrorAs(t, err, &cerr)
		require.Equal(t, ID(0), cerr.Peer)
		require.ErrorIs(t, err, io.ErrClosedPipe)

		require.Equal(t, StateFailed, b.State())
		tr.m.AssertNotCalled(t, "SendTo", ID(2), Started)
		tr.m.AssertNotCalled(t, "RecvAny")
		require.Equal(t, float32(1), sink.counter(MetricBarrierRunFailureCount))
		require.Equal(t, float32(1), sink.counter(MetricBarrierChannelErrorCount))

		lines := eventLines(events)
		require.Len(t, lines, 1)
		require.True(t, strings.HasPrefix(lines[0], "Process 1 failed to multicast STARTED message: "))
	})

	t.Run("a broken inbound channel is fatal", func(t *testing.T) {
		tr := &MockTransport{self: 0, size: 3}
		tr.expectRecv(recvd(1, Started), delivery{from: UnknownPeer, err: io.ErrUnexpectedEOF})

		b, events := newTestBarrier(t, tr)
		err := b.Run(context.Background())
		require.ErrorIs(t, err, ErrChannel)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)

		var cerr *ChannelError
		require.ErrorAs(t, err, &cerr)
		require.Equal(t, OpRecv, cerr.Op)
		require.Equal(t, UnknownPeer, cerr.Peer)
		require.Contains(t, events.String(), "Process 0 failed to receive message")
	})

	t.Run("a message without our magic is fatal", func(t *testing.T) {
		tr := &MockTransport{self: 0, size: 3}
		bad := Encode(Started, 2, "")
		bad.Magic = 0xBEEF
		tr.expectRecv(delivery{from: 2, msg: bad})
		sink := &recordingSink{}

		b, _ := newTestBarrier(t, tr, WithMetricSink(sink))
		require.ErrorIs(t, b.Run(context.Background()), ErrInvalidMessage)
		require.Equal(t, float32(1), sink.counter(MetricBarrierMessageInvalidCount))
	})

	t.Run("an event log which cannot be written is fatal", func(t *testing.T) {
		tr := &MockTransport{self: 1, size: 3}
		tr.m.On("SendTo", mock.Anything, Started).Return(nil)

		b, err := NewBarrier(tr, WithMetricSink(nil), WithEventLog(failingWriter{}))
		require.NoError(t, err)
		require.ErrorIs(t, b.Run(context.Background()), ErrLogSink)
		tr.m.AssertNotCalled(t, "RecvAny")
	})

	t.Run("a failed workload is fatal and DONE is never announced", func(t *testing.T) {
		tr := &MockTransport{self: 1, size: 3}
		tr.m.On("SendTo", mock.Anything, Started).Return(nil)
		tr.expectRecv(recvd(2, Started))
		boom := errors.New("insufficient funds")

		b, events := newTestBarrier(t, tr, WithWorkload(func(context.Context, ID, Balance) error {
			return boom
		}))
		require.ErrorIs(t, b.Run(context.Background()), boom)
		tr.m.AssertNotCalled(t, "SendTo", mock.Anything, Done)
		require.Contains(t, events.String(), "Process 1 failed to do its work: insufficient funds")
	})

	t.Run("a barrier only runs once", func(t *testing.T) {
		tr := &MockTransport{self: 1, size: 2}
		tr.m.On("SendTo", ID(0), mock.Anything).Return(nil)

		b, _ := newTestBarrier(t, tr)
		require.NoError(t, b.Run(context.Background()))
		require.ErrorIs(t, b.Run(context.Background()), ErrBarrierReused)
	})

	t.Run("a concurrent run is rejected while the first one is in flight", func(t *testing.T) {
		tr := &MockTransport{self: 1, size: 2}
		entered := make(chan struct{}, 1)
		release := make(chan struct{})
		tr.m.On("SendTo", ID(0), Started).Run(func(mock.Arguments) {
			entered <- struct{}{}
			<-release
		}).Return(nil).Once()
		tr.m.On("SendTo", ID(0), Done).Return(nil).Once()

		b, events := newTestBarrier(t, tr)
		firstErr := make(chan error, 1)
		go func() {
			firstErr <- b.Run(context.Background())
		}()

		<-entered
		require.ErrorIs(t, b.Run(context.Background()), ErrBarrierReused)
		close(release)

		require.NoError(t, <-firstErr)
		require.Equal(t, StateComplete, b.State())
		tr.m.AssertNumberOfCalls(t, "SendTo", 2)
		require.Equal(t, 1, strings.Count(events.String(), "has STARTED"))
	})

	t.Run("failed is absorbing", func(t *testing.T) {
		tr := &MockTransport{self: 1, size: 3}
		tr.m.On("SendTo", ID(0), Started).Return(io.ErrClosedPipe)

		b, _ := newTestBarrier(t, tr)
		require.Error(t, b.Run(context.Background()))
		b.setState(StateComplete)
		require.Equal(t, StateFailed, b.State())
		require.ErrorIs(t, b.Run(context.Background()), ErrBarrierReused)
	})
}
