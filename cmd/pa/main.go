// Command pa runs a process group through the STARTED/DONE barrier.
//
//	pa -p X B1..BX
//
// starts a root and X members in this process, member i holding an
// initial balance of Bi. `pa node` runs a single participant of a group
// spread over several hosts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raskyld/pgbarrier"
	"github.com/raskyld/pgbarrier/pkg/group"
	"github.com/spf13/cobra"
)

const (
	eventsLog = "events.log"
	pipesLog  = "pipes.log"
)

func newRootCommand() *cobra.Command {
	var processes int
	cmd := &cobra.Command{
		Use:   "pa -p X B1..BX",
		Short: "Run a root and X members through the STARTED/DONE barrier",
		Args: func(cmd *cobra.Command, args []string) error {
			_, err := parseBalances(processes, args)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			balances, err := parseBalances(processes, args)
			if err != nil {
				return err
			}
			return runGroup(cmd, balances)
		},
	}

	cmd.Flags().IntVarP(&processes, "processes", "p", 0, "number of members")
	cmd.MarkFlagRequired("processes")
	cmd.AddCommand(newNodeCommand())
	return cmd
}

// exitError carries the group exit status out of a command.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
	os.Exit(0)
}

// signalContext is only cancelled by the operator: participants waiting
// on a dead peer otherwise wait forever.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func logHandler() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
}

func runGroup(cmd *cobra.Command, balances []pgbarrier.Balance) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	pipes, err := pgbarrier.OpenEventLog(pipesLog)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Failed to open file %s: %s\n", pipesLog, err)
		return err
	}
	defer pipes.Close()

	events, err := pgbarrier.OpenEventLog(eventsLog)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Failed to open file %s: %s\n", eventsLog, err)
		return err
	}
	defer events.Close()

	g, err := group.New(
		balances,
		group.WithLog(logHandler()),
		group.WithEventLog(events),
		group.WithChannelLog(pipes),
		group.WithConsole(pgbarrier.NewConsole(cmd.OutOrStdout(), cmd.ErrOrStderr())),
	)
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, cancel := signalContext()
	defer cancel()

	report, err := g.Run(ctx)
	if err != nil {
		return err
	}
	if report.ExitCode != 0 {
		return exitError{code: report.ExitCode}
	}
	return nil
}
