package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder decouples the event loop from the audit sink. Record never blocks:
// when the buffer is full the record is dropped and counted, which trades
// completeness under overload for never stalling command feedback.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	ch      chan Record
	dropped atomic.Int64
	wg      sync.WaitGroup

	// closeMu fences Record against Close: websocket handlers can still be
	// auditing while the daemon shuts down, and a send on the closed channel
	// would panic.
	closeMu sync.RWMutex
	closed  bool
}

func NewRecorder(store *Store, logger *slog.Logger, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		ch:     make(chan Record, buffer),
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for rec := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Insert(ctx, rec); err != nil {
			r.logger.Error("audit_write_failed", "user", rec.UserID, "error", err)
		}
		cancel()
	}
}

// Record enqueues an audit entry. Fire-and-forget; after Close the record is
// dropped and counted instead of panicking.
func (r *Recorder) Record(rec Record) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		n := r.dropped.Add(1)
		r.logger.Warn("audit_record_after_close", "total_dropped", n)
		return
	}
	select {
	case r.ch <- rec:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("audit_record_dropped", "total_dropped", n)
	}
}

// Dropped reports how many records were discarded due to backpressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close flushes buffered records and stops the worker. Idempotent.
func (r *Recorder) Close() {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return
	}
	r.closed = true
	r.closeMu.Unlock()

	close(r.ch)
	r.wg.Wait()
}
