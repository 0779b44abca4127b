// ABOUTME: Bounds globally concurrent provider calls and tracks cancellation handles
// ABOUTME: Built on a weighted semaphore so Acquire blocks cooperatively, never polls

package gate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the gate capacity when none is configured.
const DefaultMaxConcurrent = 10

// Gate caps the number of concurrently in-flight provider calls and exposes
// per-request cancellation handles.
type Gate struct {
	sem    *semaphore.Weighted
	active atomic.Int64

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	logger *slog.Logger
}

// New creates a gate admitting at most maxConcurrent callers. Pass nil logger
// for default.
func New(maxConcurrent int, logger *slog.Logger) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		cancels: make(map[string]context.CancelFunc),
		logger:  logger.With("component", "gate"),
	}
}

// Acquire blocks until a slot is free, then admits the caller and records a
// cancellation handle under requestID. The returned context is a child of ctx
// that Cancel(requestID) terminates; the in-flight provider call must run on
// it. Acquire only fails if ctx itself is cancelled while waiting.
//
// Every successful Acquire must be paired with exactly one Release, on every
// exit path.
func (g *Gate) Acquire(ctx context.Context, requestID string) (context.Context, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithCancel(ctx)

	g.mu.Lock()
	g.cancels[requestID] = cancel
	g.mu.Unlock()

	active := g.active.Add(1)
	g.logger.Debug("request admitted", "request_id", requestID, "active", active)
	return reqCtx, nil
}

// Release frees the slot held under requestID and removes its cancellation
// handle. Safe to call once per Acquire; extra calls for unknown IDs are
// ignored rather than corrupting the count.
func (g *Gate) Release(requestID string) {
	g.mu.Lock()
	cancel, ok := g.cancels[requestID]
	if ok {
		delete(g.cancels, requestID)
	}
	g.mu.Unlock()

	if !ok {
		return
	}
	cancel() // release the child context's resources
	g.sem.Release(1)

	active := g.active.Add(-1)
	g.logger.Debug("request released", "request_id", requestID, "active", active)
}

// Cancel signals the in-flight request registered under requestID.
// Cancelling an unknown or already-completed request is a no-op.
func (g *Gate) Cancel(requestID string) {
	g.mu.Lock()
	cancel, ok := g.cancels[requestID]
	g.mu.Unlock()

	if !ok {
		return
	}
	cancel()
	g.logger.Info("request cancelled", "request_id", requestID)
}

// ActiveCount returns a point-in-time snapshot of admitted requests.
func (g *Gate) ActiveCount() int {
	return int(g.active.Load())
}
