// Package executor runs one validated command at a time per session, streams
// its output, and enforces timeout and cancellation. It owns the
// active-invocation registry: a leaked process handle after a terminal event
// is a correctness bug, so every exit path removes the entry before the
// terminal event is delivered.
package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clouddeck/shellbox/internal/backend"
	"github.com/clouddeck/shellbox/internal/types"
)

type EventKind int

const (
	// EventStarted always precedes any output.
	EventStarted EventKind = iota

	// EventOutput carries one chunk of stdout or stderr. Chunks within one
	// stream arrive in order; interleaving between the two streams is not
	// guaranteed.
	EventOutput

	// EventNotice carries an informational line from the engine itself,
	// such as an output-truncation marker.
	EventNotice

	// EventCompleted is terminal: the process exited, successfully or not.
	EventCompleted

	// EventFailed is terminal: timeout, cancellation, or transport failure.
	EventFailed
)

// Event is one element of the finite output sequence of an invocation.
// Exactly one terminal event is delivered, after which the channel closes.
type Event struct {
	Kind     EventKind
	Stream   string
	Data     []byte
	ExitCode int
	Err      error
}

type invocation struct {
	id       string
	proc     backend.Process
	cancel   context.CancelFunc
	canceled atomic.Bool
}

// Executor enforces one in-flight invocation per session.
type Executor struct {
	timeout   time.Duration
	maxOutput int
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*invocation
}

func New(timeout time.Duration, maxOutput int, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	return &Executor{
		timeout:   timeout,
		maxOutput: maxOutput,
		logger:    logger,
		active:    make(map[string]*invocation),
	}
}

// Active reports whether a session has an invocation in flight.
func (x *Executor) Active(sessionID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.active[sessionID]
	return ok
}

// Run starts resolvedCommand inside the user's environment and returns the
// event sequence. types.ErrBusy is returned when the session already has an
// invocation running; outputs of two invocations never interleave.
func (x *Executor) Run(ctx context.Context, sessionID string, b backend.Backend, ref backend.Ref, resolvedCommand string) (<-chan Event, error) {
	runCtx, cancel := context.WithTimeout(ctx, x.timeout)

	inv := &invocation{id: uuid.NewString(), cancel: cancel}

	x.mu.Lock()
	if _, busy := x.active[sessionID]; busy {
		x.mu.Unlock()
		cancel()
		return nil, types.ErrBusy
	}
	x.active[sessionID] = inv
	x.mu.Unlock()

	proc, err := b.Exec(runCtx, ref, resolvedCommand)
	if err != nil {
		x.remove(sessionID, inv)
		cancel()
		return nil, err
	}

	// Publish the handle under the lock: Cancel reads it there. A cancel that
	// raced process startup saw a nil proc, so apply its kill now.
	x.mu.Lock()
	inv.proc = proc
	canceledEarly := inv.canceled.Load()
	x.mu.Unlock()
	if canceledEarly {
		_ = proc.Kill()
	}

	events := make(chan Event, 16)
	go x.stream(runCtx, sessionID, inv, events)
	return events, nil
}

func (x *Executor) stream(ctx context.Context, sessionID string, inv *invocation, events chan<- Event) {
	defer close(events)
	defer inv.cancel()

	events <- Event{Kind: EventStarted}

	// Backends that ignore the exec context (ssh) still honor timeout and
	// cancel through this watch.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = inv.proc.Kill()
		case <-watchDone:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go x.pump(&wg, "stdout", inv.proc.Stdout(), events)
	go x.pump(&wg, "stderr", inv.proc.Stderr(), events)
	wg.Wait()

	code, waitErr := inv.proc.Wait()
	close(watchDone)

	// The registry entry goes before the terminal event so that by the time
	// a consumer observes completion, no handle remains registered.
	x.remove(sessionID, inv)

	switch {
	case inv.canceled.Load():
		events <- Event{Kind: EventFailed, Err: types.ErrCanceled}
	case ctx.Err() == context.DeadlineExceeded:
		events <- Event{Kind: EventFailed, Err: types.ErrTimeout}
	case waitErr != nil:
		x.logger.Error("invocation_wait_failed", "invocation", inv.id, "error", waitErr)
		events <- Event{Kind: EventFailed, Err: &types.InfraError{
			Op:   "collect command result",
			Hint: "the execution environment failed; try again or contact support",
			Err:  waitErr,
		}}
	default:
		events <- Event{Kind: EventCompleted, ExitCode: code}
	}
}

func (x *Executor) pump(wg *sync.WaitGroup, stream string, r io.Reader, events chan<- Event) {
	defer wg.Done()

	buf := make([]byte, 4096)
	written := 0
	truncated := false
	for {
		n, err := r.Read(buf)
		if n > 0 && !truncated {
			chunk := buf[:n]
			if written+n > x.maxOutput {
				chunk = chunk[:x.maxOutput-written]
				truncated = true
			}
			if len(chunk) > 0 {
				data := make([]byte, len(chunk))
				copy(data, chunk)
				events <- Event{Kind: EventOutput, Stream: stream, Data: data}
				written += len(chunk)
			}
			if truncated {
				events <- Event{Kind: EventNotice, Data: []byte("[output truncated]")}
			}
		}
		if err != nil {
			return
		}
	}
}

// Cancel terminates the session's in-flight invocation. Idempotent: calling
// it with nothing running is a no-op and reports false.
func (x *Executor) Cancel(sessionID string) bool {
	x.mu.Lock()
	inv, ok := x.active[sessionID]
	if !ok {
		x.mu.Unlock()
		return false
	}
	inv.canceled.Store(true)
	proc := inv.proc
	x.mu.Unlock()

	// proc is nil while the backend is still starting the process; Run
	// observes the canceled flag when it publishes the handle and kills then.
	if proc != nil {
		_ = proc.Kill()
	}
	inv.cancel()
	return true
}

func (x *Executor) remove(sessionID string, inv *invocation) {
	x.mu.Lock()
	if current, ok := x.active[sessionID]; ok && current == inv {
		delete(x.active, sessionID)
	}
	x.mu.Unlock()
}
