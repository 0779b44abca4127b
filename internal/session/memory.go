// ABOUTME: In-memory Store implementation with a background expiry sweeper
// ABOUTME: A single mutex guards the map; it is held only briefly per operation

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resumelab/coach-gateway/internal/issue"
)

// MemoryStore is the process-scoped Store implementation. Session state does
// not survive restarts; that is deliberate.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl    time.Duration
	done   chan struct{}
	closed bool
	logger *slog.Logger
}

// NewMemoryStore creates a store and starts a background sweep goroutine that
// evicts sessions idle longer than ttl every sweepInterval. Pass zero values
// for the defaults (24h TTL, hourly sweep), nil logger for default.
func NewMemoryStore(ttl, sweepInterval time.Duration, logger *slog.Logger) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		done:     make(chan struct{}),
		logger:   logger.With("component", "sessions"),
	}
	go s.sweepLoop(sweepInterval)
	return s
}

// Create allocates a new active session.
func (s *MemoryStore) Create(is issue.Issue, resumeContent string, maxRounds int) (*Session, error) {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	now := time.Now()
	sess := &Session{
		ID:               uuid.New().String(),
		IssueID:          is.ID,
		IssueTitle:       is.Title,
		IssueDescription: is.Description,
		OriginalContent:  is.OriginalContent,
		ResumeContent:    resumeContent,
		Messages:         []*Message{},
		RoundCount:       0,
		MaxRounds:        maxRounds,
		CreatedAt:        now,
		UpdatedAt:        now,
		Status:           StatusActive,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Debug("session created",
		"session_id", sess.ID,
		"issue_id", is.ID,
		"max_rounds", maxRounds)
	return sess.clone(), nil
}

// Get returns a deep copy of the session.
func (s *MemoryStore) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.clone(), nil
}

// AppendMessage adds a message to an active session.
func (s *MemoryStore) AppendMessage(id string, role Role, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.Status != StatusActive {
		return nil, ErrNotActive
	}

	msg := &Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = msg.CreatedAt

	out := *msg
	return &out, nil
}

// AppendContent grows a streaming assistant message in place.
func (s *MemoryStore) AppendContent(sessionID, messageID, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	for _, m := range sess.Messages {
		if m.ID == messageID {
			m.Content += delta
			sess.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrMessageNotFound
}

// RemoveMessage deletes a message from the session.
func (s *MemoryStore) RemoveMessage(sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	for i, m := range sess.Messages {
		if m.ID == messageID {
			sess.Messages = append(sess.Messages[:i], sess.Messages[i+1:]...)
			sess.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrMessageNotFound
}

// AdvanceRound increments RoundCount, completing the session when the new
// count reaches MaxRounds. Increment and transition are one atomic step.
func (s *MemoryStore) AdvanceRound(id string) (int, Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return 0, "", ErrNotFound
	}
	if sess.Status != StatusActive {
		return sess.RoundCount, sess.Status, ErrNotActive
	}

	sess.RoundCount++
	sess.UpdatedAt = time.Now()
	if sess.RoundCount >= sess.MaxRounds {
		sess.Status = StatusCompleted
		s.logger.Debug("session completed at round limit",
			"session_id", id,
			"rounds", sess.RoundCount)
	}
	return sess.RoundCount, sess.Status, nil
}

// End marks the session completed. Idempotent.
func (s *MemoryStore) End(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Status == StatusActive {
		sess.Status = StatusCompleted
		sess.UpdatedAt = time.Now()
	}
	return nil
}

// Delete removes the session entirely.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// ListActive returns copies of all active sessions.
func (s *MemoryStore) ListActive() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, sess := range s.sessions {
		if sess.Status == StatusActive {
			out = append(out, sess.clone())
		}
	}
	return out
}

// SweepExpired removes sessions idle longer than ttl and returns the count.
// Safe to run concurrently with all other operations; a session updated
// mid-sweep may survive the pass.
func (s *MemoryStore) SweepExpired(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.UpdatedAt) > ttl {
			sess.Status = StatusExpired
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("expired sessions swept", "removed", removed)
	}
	return removed
}

// sweepLoop runs in a background goroutine, periodically evicting idle sessions.
func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepExpired(s.ttl)
		case <-s.done:
			return
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
