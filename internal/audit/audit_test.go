package audit

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertAndTail(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()

	for i, status := range []string{"success", "failure", "rejected"} {
		rec := Record{
			UserID:     "u1",
			SiteID:     "site-1",
			Command:    "npm install",
			Backend:    "docker",
			Status:     status,
			ExecutedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	records, err := store.Tail(ctx, 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("tail returned %d records, want 2", len(records))
	}
	// Newest first.
	if records[0].Status != "rejected" || records[1].Status != "failure" {
		t.Fatalf("tail order = %q, %q", records[0].Status, records[1].Status)
	}
}

func TestRecorderWritesAsync(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	rec := NewRecorder(store, testLogger(), 16)

	rec.Record(Record{UserID: "u1", Command: "ls", Backend: "docker", Status: "success"})
	rec.Record(Record{UserID: "u1", Command: "pwd", Backend: "docker", Status: "success"})
	rec.Close()

	records, err := store.Tail(context.Background(), 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("recorded %d entries, want 2", len(records))
	}
	if rec.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", rec.Dropped())
	}
}

func TestRecorderNeverBlocks(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	rec := NewRecorder(store, testLogger(), 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			rec.Record(Record{UserID: "u1", Command: "ls", Backend: "docker", Status: "success"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Record blocked the caller")
	}
	rec.Close()
}

func TestRecordAfterCloseIsDroppedNotPanic(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	rec := NewRecorder(store, testLogger(), 16)
	rec.Close()

	// A connection can still be auditing a streaming invocation while the
	// daemon shuts down; that must never take the process with it.
	rec.Record(Record{UserID: "u1", Command: "ls", Backend: "docker", Status: "success"})
	if rec.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", rec.Dropped())
	}

	// Close is idempotent.
	rec.Close()
}
