// ABOUTME: Data types and Store interface for coaching chat sessions
// ABOUTME: Defines Message, Session structs and the lifecycle contract stores implement

package session

import (
	"errors"
	"time"

	"github.com/resumelab/coach-gateway/internal/issue"
)

// ErrNotFound is returned when a requested session does not exist.
var ErrNotFound = errors.New("session not found")

// ErrNotActive is returned when mutating a completed or expired session.
var ErrNotActive = errors.New("session not active")

// ErrMessageNotFound is returned when a message ID is absent from a session.
var ErrMessageNotFound = errors.New("message not found")

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// DefaultMaxRounds bounds a coaching dialogue when no limit is configured.
const DefaultMaxRounds = 5

// DefaultTTL is how long an idle session survives before a sweep evicts it.
const DefaultTTL = 24 * time.Hour

// Message is a single chat message. Immutable once created, except the
// assistant message that is actively streaming, whose Content grows via
// AppendContent until the turn finalizes.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a bounded multi-turn coaching dialogue scoped to one issue.
type Session struct {
	ID               string     `json:"id"`
	IssueID          string     `json:"issue_id"`
	IssueTitle       string     `json:"issue_title"`
	IssueDescription string     `json:"issue_description"`
	OriginalContent  string     `json:"original_content"`
	ResumeContent    string     `json:"resume_content"`
	Messages         []*Message `json:"messages"`
	RoundCount       int        `json:"round_count"`
	MaxRounds        int        `json:"max_rounds"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Status           Status     `json:"status"`
}

// Active reports whether the session still accepts turns.
func (s *Session) Active() bool {
	return s.Status == StatusActive
}

// Store defines keyed storage and lifecycle management for sessions.
// Implementations must be safe for concurrent use without external locking;
// read paths return deep copies so callers never alias live session state.
type Store interface {
	// Create allocates a new active session with RoundCount 0 and no messages.
	Create(is issue.Issue, resumeContent string, maxRounds int) (*Session, error)

	// Get returns a copy of the session, or ErrNotFound.
	Get(id string) (*Session, error)

	// AppendMessage adds a message to an active session and returns a copy of
	// the stored message (with its generated ID).
	AppendMessage(id string, role Role, content string) (*Message, error)

	// AppendContent grows a streaming assistant message in place.
	AppendContent(sessionID, messageID, delta string) error

	// RemoveMessage deletes a message, used to roll back a failed streaming
	// placeholder. Allowed regardless of session status.
	RemoveMessage(sessionID, messageID string) error

	// AdvanceRound atomically increments RoundCount; when the result reaches
	// MaxRounds the session transitions to completed in the same step.
	// Returns the new round count and resulting status.
	AdvanceRound(id string) (int, Status, error)

	// End marks the session completed regardless of round count. Idempotent.
	End(id string) error

	// Delete removes the session entirely (orphan cleanup on failed starts).
	Delete(id string) error

	// ListActive returns copies of all active sessions.
	ListActive() []*Session

	// SweepExpired removes sessions idle longer than ttl, returning the count.
	SweepExpired(ttl time.Duration) int
}

// clone returns a deep copy of the session.
func (s *Session) clone() *Session {
	out := *s
	out.Messages = make([]*Message, len(s.Messages))
	for i, m := range s.Messages {
		mc := *m
		out.Messages[i] = &mc
	}
	return &out
}
