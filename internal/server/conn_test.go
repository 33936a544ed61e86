package server

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clouddeck/shellbox/internal/audit"
	"github.com/clouddeck/shellbox/internal/backend"
	"github.com/clouddeck/shellbox/internal/executor"
	"github.com/clouddeck/shellbox/internal/policy"
	"github.com/clouddeck/shellbox/internal/session"
	"github.com/clouddeck/shellbox/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// fakeBackend scripts the execution environment: Exec hands out the next
// queued process, DirExists consults a fixed set.
type fakeBackend struct {
	mu      sync.Mutex
	ensured int
	dirs    map[string]bool
	procs   []*fakeProcess
	lastCmd string
}

func newFakeBackend(dirs ...string) *fakeBackend {
	set := map[string]bool{"/workspace": true}
	for _, d := range dirs {
		set[d] = true
	}
	return &fakeBackend{dirs: set}
}

func (f *fakeBackend) queue(p *fakeProcess) { f.procs = append(f.procs, p) }

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) EnsureRunning(ctx context.Context, userID string) (backend.Ref, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return backend.Ref{UserID: userID, Name: "fake-" + userID, Root: "/workspace"}, f.ensured == 1, nil
}

func (f *fakeBackend) Exec(ctx context.Context, ref backend.Ref, command string) (backend.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCmd = command
	if len(f.procs) == 0 {
		return exitedProcess("", 0), nil
	}
	p := f.procs[0]
	f.procs = f.procs[1:]
	return p, nil
}

func (f *fakeBackend) DirExists(ctx context.Context, ref backend.Ref, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[path], nil
}

func (f *fakeBackend) Stop(ctx context.Context, userID string) error { return nil }

type fakeProcess struct {
	stdout io.Reader
	stderr io.Reader
	code   int

	killOnce sync.Once
	done     chan struct{}
}

// exitedProcess completes immediately with the given stdout and exit code.
func exitedProcess(stdout string, code int) *fakeProcess {
	return &fakeProcess{
		stdout: strings.NewReader(stdout),
		stderr: strings.NewReader(""),
		code:   code,
	}
}

// hangingProcess blocks until killed.
func hangingProcess() *fakeProcess {
	done := make(chan struct{})
	return &fakeProcess{
		stdout: &blockedReader{done: done},
		stderr: strings.NewReader(""),
		code:   -1,
		done:   done,
	}
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }

func (p *fakeProcess) Wait() (int, error) {
	if p.done != nil {
		<-p.done
	}
	return p.code, nil
}

func (p *fakeProcess) Kill() error {
	p.killOnce.Do(func() {
		if p.done != nil {
			close(p.done)
		}
	})
	return nil
}

type blockedReader struct{ done chan struct{} }

func (r *blockedReader) Read(p []byte) (int, error) {
	<-r.done
	return 0, io.EOF
}

type fakeNotifier struct {
	mu       sync.Mutex
	commands []string
}

func (n *fakeNotifier) SchemaChanged(userID, siteID, command string) {
	n.mu.Lock()
	n.commands = append(n.commands, command)
	n.mu.Unlock()
}

type fixture struct {
	srv      *Server
	conn     *conn
	events   chan serverEvent
	backend  *fakeBackend
	notifier *fakeNotifier
	store    *audit.Store
	recorder *audit.Recorder
}

func newFixture(t *testing.T, fb *fakeBackend) *fixture {
	t.Helper()

	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	recorder := audit.NewRecorder(store, testLogger(), 64)

	notifier := &fakeNotifier{}
	registry := session.NewRegistry()
	srv := New(Options{
		Logger:      testLogger(),
		Policy:      policy.Default(),
		Backend:     fb,
		Executor:    executor.New(time.Minute, 1<<20, testLogger()),
		Registry:    registry,
		Audit:       recorder,
		Sites:       StaticSites{"site-1": "shop"},
		Notifier:    notifier,
		ExecTimeout: time.Minute,
	})

	sess := registry.Add(types.User{ID: "u1", Username: "alice"})
	events := make(chan serverEvent, 128)
	c := newConn(srv, sess, func(ev serverEvent) { events <- ev })

	return &fixture{
		srv: srv, conn: c, events: events,
		backend: fb, notifier: notifier, store: store, recorder: recorder,
	}
}

func (f *fixture) next(t *testing.T) serverEvent {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for server event")
		return serverEvent{}
	}
}

func (f *fixture) auditStatuses(t *testing.T) []string {
	t.Helper()
	f.recorder.Close()
	records, err := f.store.Tail(context.Background(), 50)
	if err != nil {
		t.Fatalf("tail audit: %v", err)
	}
	statuses := make([]string, len(records))
	for i, rec := range records {
		statuses[i] = rec.Status
	}
	return statuses
}

func TestRejectedCommandNeverTouchesBackend(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeBackend())
	f.conn.handleEvent(context.Background(), clientEvent{Event: evExecuteCommand, Command: "rm -rf /"})

	ev := f.next(t)
	if ev.Event != evCommandError {
		t.Fatalf("event = %q, want command_error", ev.Event)
	}
	if f.backend.ensured != 0 {
		t.Fatalf("rejected command must not provision the backend")
	}
	if got := f.auditStatuses(t); len(got) != 1 || got[0] != "rejected" {
		t.Fatalf("audit statuses = %v, want [rejected]", got)
	}
}

func TestExecuteStreamsToCompletion(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.queue(exitedProcess("added 120 packages\n", 0))
	f := newFixture(t, fb)

	f.conn.handleEvent(context.Background(), clientEvent{Event: evExecuteCommand, Command: "npm install", SiteID: "site-1"})

	if ev := f.next(t); ev.Event != evCommandStarted || ev.Backend != "fake" {
		t.Fatalf("first event = %+v, want command_started", ev)
	}
	// First command provisions the workspace.
	if ev := f.next(t); ev.Event != evCommandOutput || ev.Type != "info" {
		t.Fatalf("second event = %+v, want provisioning info", ev)
	}

	var sawOutput bool
	for {
		ev := f.next(t)
		if ev.Event == evCommandOutput && ev.Type == "stdout" {
			sawOutput = true
			if !strings.Contains(ev.Data, "120 packages") {
				t.Fatalf("stdout = %q", ev.Data)
			}
			continue
		}
		if ev.Event == evCommandCompleted {
			if ev.ExitCode == nil || *ev.ExitCode != 0 {
				t.Fatalf("exit code = %v, want 0", ev.ExitCode)
			}
			break
		}
		t.Fatalf("unexpected event %+v", ev)
	}
	if !sawOutput {
		t.Fatalf("no stdout streamed")
	}

	// Site binding put the invocation in the project folder.
	if !strings.HasPrefix(fb.lastCmd, `cd "/workspace/shop" && npm install`) {
		t.Fatalf("resolved command = %q", fb.lastCmd)
	}
	if got := f.auditStatuses(t); len(got) != 1 || got[0] != "success" {
		t.Fatalf("audit statuses = %v, want [success]", got)
	}
}

func TestChangeDirCommitsAndReports(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend("/workspace/app")
	f := newFixture(t, fb)
	ctx := context.Background()

	f.conn.handleEvent(ctx, clientEvent{Event: evExecuteCommand, Command: "cd app"})
	if ev := f.next(t); ev.Event != evCommandStarted {
		t.Fatalf("event = %+v, want command_started", ev)
	}
	// Provisioning info for the first command.
	f.next(t)
	if ev := f.next(t); ev.Event != evCommandOutput || !strings.Contains(ev.Data, "/workspace/app") {
		t.Fatalf("event = %+v, want cwd info", ev)
	}
	if ev := f.next(t); ev.Event != evCommandCompleted {
		t.Fatalf("event = %+v, want command_completed", ev)
	}
	if got := f.conn.sess.Cwd(); got != "/workspace/app" {
		t.Fatalf("cwd = %q, want /workspace/app", got)
	}

	// Missing target is rejected and cwd stays.
	f.conn.handleEvent(ctx, clientEvent{Event: evExecuteCommand, Command: "cd ghost"})
	f.next(t) // command_started
	if ev := f.next(t); ev.Event != evCommandError {
		t.Fatalf("event = %+v, want command_error", ev)
	}
	if got := f.conn.sess.Cwd(); got != "/workspace/app" {
		t.Fatalf("cwd changed on rejection: %q", got)
	}
}

func TestBusySessionRejectsSecondCommand(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.queue(hangingProcess())
	f := newFixture(t, fb)
	ctx := context.Background()

	f.conn.handleEvent(ctx, clientEvent{Event: evExecuteCommand, Command: "npm install"})
	if ev := f.next(t); ev.Event != evCommandStarted {
		t.Fatalf("event = %+v, want command_started", ev)
	}
	f.next(t) // provisioning info

	// Second command while the first still runs: rejected, outputs never
	// interleave.
	f.conn.handleEvent(ctx, clientEvent{Event: evExecuteCommand, Command: "ls"})
	if ev := f.next(t); ev.Event != evCommandError || !strings.Contains(ev.Error, "already running") {
		t.Fatalf("event = %+v, want busy error", ev)
	}

	// Cancel tears the first one down.
	f.conn.handleEvent(ctx, clientEvent{Event: evCancelCommand})
	if ev := f.next(t); ev.Event != evCommandError || !strings.Contains(ev.Error, "canceled") {
		t.Fatalf("event = %+v, want canceled error", ev)
	}

	if got := f.auditStatuses(t); len(got) != 1 || got[0] != "canceled" {
		t.Fatalf("audit statuses = %v, want [canceled]", got)
	}
}

func TestCancelWithNothingRunningIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeBackend())
	f.conn.handleEvent(context.Background(), clientEvent{Event: evCancelCommand})

	select {
	case ev := <-f.events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSchemaChangingCommandFiresNotifier(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.queue(exitedProcess("Migrating: create_users_table\n", 0))
	f := newFixture(t, fb)

	f.conn.handleEvent(context.Background(), clientEvent{Event: evExecuteCommand, Command: "php artisan migrate"})
	for {
		ev := f.next(t)
		if ev.Event == evCommandCompleted || ev.Event == evCommandError {
			break
		}
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.commands) != 1 || f.notifier.commands[0] != "php artisan migrate" {
		t.Fatalf("notifier commands = %v", f.notifier.commands)
	}
}

func TestFailedCommandDoesNotNotify(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.queue(exitedProcess("", 1))
	f := newFixture(t, fb)

	f.conn.handleEvent(context.Background(), clientEvent{Event: evExecuteCommand, Command: "php artisan migrate"})
	for {
		ev := f.next(t)
		if ev.Event == evCommandCompleted {
			if ev.ExitCode == nil || *ev.ExitCode != 1 {
				t.Fatalf("exit code = %v, want 1", ev.ExitCode)
			}
			break
		}
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.commands) != 0 {
		t.Fatalf("failed migration must not notify, got %v", f.notifier.commands)
	}
	if got := f.auditStatuses(t); len(got) != 1 || got[0] != "failure" {
		t.Fatalf("audit statuses = %v, want [failure]", got)
	}
}

func TestUnknownSiteRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeBackend())
	f.conn.handleEvent(context.Background(), clientEvent{Event: evExecuteCommand, Command: "ls", SiteID: "nope"})

	f.next(t) // command_started
	f.next(t) // provisioning info
	if ev := f.next(t); ev.Event != evCommandError || !strings.Contains(ev.Error, "unknown site") {
		t.Fatalf("event = %+v, want unknown site error", ev)
	}
}

func TestIsSchemaChanging(t *testing.T) {
	t.Parallel()

	if !isSchemaChanging("php artisan migrate") {
		t.Errorf("artisan migrate should match")
	}
	if !isSchemaChanging("npx prisma db:push") {
		t.Errorf("db:push should match")
	}
	if isSchemaChanging("npm install") {
		t.Errorf("npm install should not match")
	}
}
