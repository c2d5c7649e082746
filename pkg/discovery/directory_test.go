package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/pgbarrier"
	"github.com/stretchr/testify/require"
)

func testHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func quicAddr(id pgbarrier.ID) string {
	return fmt.Sprintf("127.0.0.1:%d", 7000+int(id))
}

func TestDirectory(t *testing.T) {
	t.Run("every participant discovers the whole group", func(t *testing.T) {
		const size = 3
		dirs := make([]*Directory, 0, size)
		defer func() {
			for _, d := range dirs {
				d.Shutdown()
			}
		}()

		for i := 0; i < size; i++ {
			id := pgbarrier.ID(i)
			opts := []Option{
				WithListenOn("127.0.0.1", 0),
				WithLog(testHandler(fmt.Sprintf("dir-%d", i))),
				WithMetricSink(nil),
				WithMetricLabels([]metrics.Label{{Name: "test", Value: "discovery"}}),
			}
			if i > 0 {
				opts = append(opts, WithNeighbours([]string{dirs[0].Addr()}))
			}
			d, err := Create(id, size, quicAddr(id), opts...)
			require.NoError(t, err)
			require.NoError(t, d.Join())
			dirs = append(dirs, d)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		expected := map[pgbarrier.ID]string{0: quicAddr(0), 1: quicAddr(1), 2: quicAddr(2)}
		for _, d := range dirs {
			got, err := d.Discover(ctx)
			require.NoError(t, err)
			require.Equal(t, expected, got)
		}
	})

	t.Run("discovery gives up with its context", func(t *testing.T) {
		d, err := Create(1, 3, quicAddr(1), WithListenOn("127.0.0.1", 0), WithMetricSink(nil))
		require.NoError(t, err)
		defer d.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = d.Discover(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Equal(t, map[pgbarrier.ID]string{1: quicAddr(1)}, d.Members())
	})

	t.Run("a shut down directory cannot be used", func(t *testing.T) {
		d, err := Create(0, 2, quicAddr(0), WithListenOn("127.0.0.1", 0), WithMetricSink(nil))
		require.NoError(t, err)
		require.NoError(t, d.Shutdown())
		require.NoError(t, d.Shutdown())

		require.ErrorIs(t, d.Join(), ErrDirectoryClosed)
		_, err = d.Discover(context.Background())
		require.ErrorIs(t, err, ErrDirectoryClosed)
	})

	t.Run("self must belong to the group", func(t *testing.T) {
		_, err := Create(2, 2, quicAddr(2))
		require.ErrorIs(t, err, pgbarrier.ErrUnknownPeer)
		_, err = Create(0, 1, quicAddr(0))
		require.ErrorIs(t, err, pgbarrier.ErrGroupTooSmall)
	})
}

func TestGossip_NotifyAlive(t *testing.T) {
	g := &gossip{dir: &Directory{size: 3}}

	require.NoError(t, g.NotifyAlive(&memberlist.Node{Name: "participant-2", Meta: []byte(quicAddr(2))}))
	require.ErrorIs(t, g.NotifyAlive(&memberlist.Node{Name: "intruder", Meta: []byte(quicAddr(2))}), ErrForeignNode)
	require.ErrorIs(t, g.NotifyAlive(&memberlist.Node{Name: "participant-3", Meta: []byte(quicAddr(3))}), ErrForeignNode)
	require.ErrorIs(t, g.NotifyAlive(&memberlist.Node{Name: "participant-1"}), ErrForeignNode)
}
