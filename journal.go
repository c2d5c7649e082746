package pgbarrier

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pterm/pterm"
)

// Event line formats mirrored to the event log and the console.
const (
	FmtStarted           = "Process %d (group of %d) has STARTED with balance $%d"
	FmtReceivedAllStarts = "Process %d received all STARTED messages"
	FmtDone              = "Process %d has DONE its work"
	FmtReceivedAllDones  = "Process %d received all DONE messages"
	FmtFailure           = "Process %d failed to %s: %s"
)

// EventLog is the append-only log shared by every participant of a host.
//
// Writes are serialised and flushed one by one, so lines of concurrent
// participants never interleave and survive a crash.
type EventLog struct {
	lk     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// OpenEventLog opens (or creates) `path` in append mode.
func OpenEventLog(path string) (*EventLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLogSink, err)
	}
	return &EventLog{w: bufio.NewWriter(f), closer: f}, nil
}

// NewEventLog wraps an arbitrary writer, the caller keeps ownership of it.
func NewEventLog(w io.Writer) *EventLog {
	return &EventLog{w: bufio.NewWriter(w)}
}

func (l *EventLog) Write(p []byte) (int, error) {
	l.lk.Lock()
	defer l.lk.Unlock()
	n, err := l.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, l.w.Flush()
}

func (l *EventLog) Close() error {
	l.lk.Lock()
	defer l.lk.Unlock()
	err := l.w.Flush()
	if l.closer != nil {
		if cerr := l.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Console is the live operator view. Events go to `out`, failures to
// `errOut`.
type Console struct {
	info *pterm.PrefixPrinter
	fail *pterm.PrefixPrinter
}

func NewConsole(out, errOut io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Console{
		info: pterm.Info.WithWriter(out),
		fail: pterm.Error.WithWriter(errOut),
	}
}

func (c *Console) Event(line string) {
	c.info.Println(line)
}

func (c *Console) Failure(line string) {
	c.fail.Println(line)
}

// journal mirrors protocol events to both sinks. Either may be nil.
type journal struct {
	events  io.Writer
	console *Console
}

// event fails only if the event log could not be written.
func (j journal) event(line string) error {
	if j.events != nil {
		if _, err := io.WriteString(j.events, line+"\n"); err != nil {
			return fmt.Errorf("%w: %w", ErrLogSink, err)
		}
	}
	if j.console != nil {
		j.console.Event(line)
	}
	return nil
}

// failure is best-effort, we are already on the way out.
func (j journal) failure(line string) {
	if j.events != nil {
		_, _ = io.WriteString(j.events, line+"\n")
	}
	if j.console != nil {
		j.console.Failure(line)
	}
}
