// ABOUTME: In-memory fan-out of live TurnEvents to session observers
// ABOUTME: Lets concurrent readers (UI tabs, admin views) watch streaming output

package coach

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const watcherBufferSize = 64

// Broadcaster provides in-memory pub/sub for TurnEvents keyed by session ID.
// Streaming turns publish every event they emit, so observers beyond the
// turn's own caller see live partial output without polling.
type Broadcaster struct {
	mu       sync.RWMutex
	watchers map[string]map[string]chan TurnEvent // sessionID -> watchID -> ch
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		watchers: make(map[string]map[string]chan TurnEvent),
		logger:   logger.With("component", "broadcaster"),
	}
}

// Watch registers an observer for events on the given session. Returns a
// channel that receives events and a watch ID for later removal. The watch is
// automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Watch(ctx context.Context, sessionID string) (<-chan TurnEvent, string) {
	watchID := uuid.New().String()
	ch := make(chan TurnEvent, watcherBufferSize)

	b.mu.Lock()
	if _, ok := b.watchers[sessionID]; !ok {
		b.watchers[sessionID] = make(map[string]chan TurnEvent)
	}
	b.watchers[sessionID][watchID] = ch
	b.mu.Unlock()

	b.logger.Debug("watcher added", "session_id", sessionID, "watch_id", watchID)

	go func() {
		<-ctx.Done()
		b.Unwatch(sessionID, watchID)
	}()

	return ch, watchID
}

// Publish sends an event to all watchers of the session. Non-blocking: the
// event is dropped for watchers whose channels are full.
func (b *Broadcaster) Publish(sessionID string, event TurnEvent) {
	b.mu.RLock()
	subs, ok := b.watchers[sessionID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]chan TurnEvent, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow watcher", "session_id", sessionID)
		}
	}
}

// Unwatch removes a watch and closes its channel.
func (b *Broadcaster) Unwatch(sessionID, watchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.watchers[sessionID]
	if !ok {
		return
	}
	ch, exists := subs[watchID]
	if !exists {
		return
	}
	delete(subs, watchID)
	close(ch)
	if len(subs) == 0 {
		delete(b.watchers, sessionID)
	}

	b.logger.Debug("watcher removed", "session_id", sessionID, "watch_id", watchID)
}

// Close shuts down the broadcaster and closes all watcher channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.watchers {
		for watchID, ch := range subs {
			close(ch)
			delete(subs, watchID)
		}
		delete(b.watchers, sessionID)
	}
}
