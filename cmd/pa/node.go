package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/raskyld/pgbarrier"
	"github.com/raskyld/pgbarrier/pkg/discovery"
	"github.com/raskyld/pgbarrier/pkg/mesh"
	"github.com/spf13/cobra"
)

type nodeFlags struct {
	id          int
	size        int
	balance     int64
	listen      string
	gossipAddr  string
	gossipPort  int
	neighbours  []string
	dialTimeout time.Duration
	tlsCert     string
	tlsKey      string
	tlsCA       string
}

func newNodeCommand() *cobra.Command {
	var flags nodeFlags
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a single participant of a group spread over several hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, &flags)
		},
	}

	cmd.Flags().IntVar(&flags.id, "id", 0, "participant id, 0 is the root")
	cmd.Flags().IntVar(&flags.size, "size", 0, "number of participants, root included")
	cmd.Flags().Int64Var(&flags.balance, "balance", 1, "initial balance of a member")
	cmd.Flags().StringVar(&flags.listen, "listen", "127.0.0.1:0", "QUIC address to bind")
	cmd.Flags().StringVar(&flags.gossipAddr, "gossip-addr", "127.0.0.1", "gossip interface to bind")
	cmd.Flags().IntVar(&flags.gossipPort, "gossip-port", 7946, "gossip port to bind")
	cmd.Flags().StringSliceVar(&flags.neighbours, "neighbours", nil, "gossip addresses of other participants")
	cmd.Flags().DurationVar(&flags.dialTimeout, "dial-timeout", 30*time.Second, "how long to wait for the mesh")
	cmd.Flags().StringVar(&flags.tlsCert, "tls-cert", "", "participant certificate")
	cmd.Flags().StringVar(&flags.tlsKey, "tls-key", "", "participant private key")
	cmd.Flags().StringVar(&flags.tlsCA, "tls-ca", "", "CA to verify other participants")
	cmd.MarkFlagRequired("size")
	return cmd
}

func runNode(cmd *cobra.Command, flags *nodeFlags) error {
	if flags.size < 2 || flags.size > MaxMembers+1 {
		return fmt.Errorf("%w: size %d", ErrProcessCount, flags.size)
	}
	if flags.id < 0 || flags.id >= flags.size {
		return fmt.Errorf("%w: id %d in a group of %d", pgbarrier.ErrUnknownPeer, flags.id, flags.size)
	}
	if flags.id != int(pgbarrier.RootID) && flags.balance <= 0 {
		return fmt.Errorf("%w: %d", ErrBalance, flags.balance)
	}

	// mTLS is what binds participant ids to hosts.
	tlsConf, err := loadTlsConfig(flags)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	self := pgbarrier.ID(flags.id)
	handler := logHandler()
	logger := slog.New(handler).With(pgbarrier.LabelParticipant.L(self))

	pipes, err := pgbarrier.OpenEventLog(pipesLog)
	if err != nil {
		return err
	}
	defer pipes.Close()

	events, err := pgbarrier.OpenEventLog(eventsLog)
	if err != nil {
		return err
	}
	defer events.Close()

	node, err := mesh.ListenQUIC(self, flags.size, flags.listen, tlsConf,
		mesh.WithLog(handler),
		mesh.WithChannelLog(pipes),
		mesh.WithDialTimeout(flags.dialTimeout),
		mesh.WithIdentityResolver(mesh.CommonNameResolver),
	)
	if err != nil {
		return err
	}
	defer node.Close()

	dir, err := discovery.Create(self, flags.size, node.Addr().String(),
		discovery.WithLog(handler),
		discovery.WithListenOn(flags.gossipAddr, flags.gossipPort),
		discovery.WithNeighbours(flags.neighbours),
	)
	if err != nil {
		return err
	}
	defer dir.Shutdown()

	if err := dir.Join(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	peers, err := dir.Discover(ctx)
	if err != nil {
		return err
	}
	logger.Info("group discovered", "size", len(peers))

	if err := node.Connect(ctx, peers); err != nil {
		return err
	}

	opts := []pgbarrier.Option{
		pgbarrier.WithLog(handler),
		pgbarrier.WithEventLog(events),
		pgbarrier.WithConsole(pgbarrier.NewConsole(cmd.OutOrStdout(), cmd.ErrOrStderr())),
	}
	if self != pgbarrier.RootID {
		opts = append(opts, pgbarrier.WithBalance(pgbarrier.Balance(flags.balance)))
	}
	b, err := pgbarrier.NewBarrier(node, opts...)
	if err != nil {
		return err
	}

	if err := b.Run(ctx); err != nil {
		cmd.SilenceErrors = true
		return exitError{code: 1}
	}
	return nil
}

func loadTlsConfig(flags *nodeFlags) (*tls.Config, error) {
	if flags.tlsCA == "" || flags.tlsCert == "" || flags.tlsKey == "" {
		return nil, errors.New("all tls option must be provided")
	}

	keypair, err := tls.LoadX509KeyPair(flags.tlsCert, flags.tlsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load participant cert: %w", err)
	}

	caBytes, err := os.ReadFile(flags.tlsCA)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	caBundle.AppendCertsFromPEM(caBytes)

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}
