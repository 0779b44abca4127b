// ABOUTME: ConversationOrchestrator combining registry, store, gate, retry and provider
// ABOUTME: Starts issue-scoped sessions and drives blocking or streaming dialogue turns

package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resumelab/coach-gateway/internal/gate"
	"github.com/resumelab/coach-gateway/internal/issue"
	"github.com/resumelab/coach-gateway/internal/provider"
	"github.com/resumelab/coach-gateway/internal/retry"
	"github.com/resumelab/coach-gateway/internal/session"
)

// TurnEventType tags the variants of a TurnEvent.
type TurnEventType string

const (
	// TurnDelta carries an incremental piece of the assistant reply.
	TurnDelta TurnEventType = "delta"

	// TurnDone terminates a turn successfully and carries the TurnResult.
	TurnDone TurnEventType = "done"

	// TurnError terminates a turn with a failure; the round was not consumed.
	TurnError TurnEventType = "error"
)

// TurnEvent is one event in a streaming turn. A stream yields zero or more
// TurnDelta events followed by exactly one TurnDone or TurnError, then closes.
type TurnEvent struct {
	Type      TurnEventType
	RequestID string
	Delta     string      // TurnDelta
	Result    *TurnResult // TurnDone
	Err       error       // TurnError
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	SessionID   string
	Assistant   *session.Message
	RoundCount  int
	CanContinue bool
	Usage       provider.Usage
}

// Options tunes orchestrator behavior.
type Options struct {
	MaxRounds   int      // rounds per session, default session.DefaultMaxRounds
	Model       string   // empty = provider default
	Temperature *float64 // nil = provider default
	MaxTokens   int
}

// Orchestrator is the public API for issue-scoped coaching dialogues. All
// dependencies are injected so tests can substitute fakes.
type Orchestrator struct {
	issues   *issue.Registry
	sessions session.Store
	gate     *gate.Gate
	retry    retry.Policy
	provider provider.CompletionProvider
	prompts  *Prompts
	events   *Broadcaster
	opts     Options
	logger   *slog.Logger

	// turnMu guards turns, the set of sessions with an in-flight turn.
	// A second concurrent turn on the same session is rejected with
	// ErrSessionBusy rather than interleaved.
	turnMu sync.Mutex
	turns  map[string]struct{}
}

// New creates an orchestrator. Pass nil prompts or logger for defaults.
func New(issues *issue.Registry, sessions session.Store, g *gate.Gate, policy retry.Policy, p provider.CompletionProvider, prompts *Prompts, events *Broadcaster, opts Options, logger *slog.Logger) *Orchestrator {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	if events == nil {
		events = NewBroadcaster(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = session.DefaultMaxRounds
	}
	return &Orchestrator{
		issues:   issues,
		sessions: sessions,
		gate:     g,
		retry:    policy,
		provider: p,
		prompts:  prompts,
		events:   events,
		opts:     opts,
		turns:    make(map[string]struct{}),
		logger:   logger.With("component", "coach"),
	}
}

// StartSession creates a session against one discovered issue and runs the
// opening turn. Creation and the opening completion are one logical unit: if
// the opening call fails, the session is discarded and the error returned.
func (o *Orchestrator) StartSession(ctx context.Context, analysisID, issueID, resumeContent string) (*session.Session, error) {
	if _, ok := o.issues.Get(analysisID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisNotFound, analysisID)
	}
	target, ok := o.issues.Find(analysisID, issueID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIssueNotFound, issueID)
	}

	sess, err := o.sessions.Create(target, resumeContent, o.opts.MaxRounds)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	system, err := o.prompts.System(target, resumeContent)
	if err != nil {
		o.discard(sess.ID)
		return nil, err
	}
	opening, err := o.prompts.Opening()
	if err != nil {
		o.discard(sess.ID)
		return nil, err
	}

	comp, err := o.complete(ctx, &provider.Request{
		SystemPrompt: system,
		Messages:     []provider.Message{{Role: provider.RoleUser, Content: opening}},
		Model:        o.opts.Model,
		Temperature:  o.opts.Temperature,
		MaxTokens:    o.opts.MaxTokens,
	})
	if err != nil {
		o.discard(sess.ID)
		return nil, err
	}

	if _, err := o.sessions.AppendMessage(sess.ID, session.RoleAssistant, comp.Text); err != nil {
		o.discard(sess.ID)
		return nil, fmt.Errorf("recording opening message: %w", err)
	}
	if _, _, err := o.sessions.AdvanceRound(sess.ID); err != nil {
		o.discard(sess.ID)
		return nil, fmt.Errorf("advancing opening round: %w", err)
	}

	o.logger.Info("session started",
		"session_id", sess.ID,
		"analysis_id", analysisID,
		"issue_id", issueID,
		"duration", comp.Duration)

	return o.sessions.Get(sess.ID)
}

// SendTurn runs one blocking user/assistant exchange. On provider failure the
// user message remains recorded, no round is consumed and no assistant
// message is added; the caller may retry the turn.
func (o *Orchestrator) SendTurn(ctx context.Context, sessionID, userMessage string) (*TurnResult, error) {
	if err := o.beginTurn(sessionID); err != nil {
		return nil, err
	}
	defer o.endTurn(sessionID)

	if _, err := o.checkTurnPreconditions(sessionID); err != nil {
		return nil, err
	}

	if _, err := o.sessions.AppendMessage(sessionID, session.RoleUser, userMessage); err != nil {
		return nil, o.mapStoreErr(err)
	}

	req, err := o.buildTurnRequest(sessionID)
	if err != nil {
		return nil, err
	}

	comp, err := o.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	assistant, err := o.sessions.AppendMessage(sessionID, session.RoleAssistant, comp.Text)
	if err != nil {
		return nil, o.mapStoreErr(err)
	}
	round, status, err := o.sessions.AdvanceRound(sessionID)
	if err != nil {
		return nil, o.mapStoreErr(err)
	}

	result := &TurnResult{
		SessionID:   sessionID,
		Assistant:   assistant,
		RoundCount:  round,
		CanContinue: status == session.StatusActive,
		Usage:       comp.Usage,
	}

	o.events.Publish(sessionID, TurnEvent{Type: TurnDone, Result: result})
	o.logger.Debug("turn completed",
		"session_id", sessionID,
		"round", round,
		"can_continue", result.CanContinue)

	return result, nil
}

// SendTurnStreaming runs one exchange through the provider's streaming
// capability. Preconditions are checked synchronously; the returned channel
// then yields TurnDelta events followed by one TurnDone or TurnError and
// closes. An empty assistant placeholder is appended up front and grows with
// every delta, so concurrent readers of the session see live partial output.
// On error the placeholder is rolled back and the round is not consumed.
func (o *Orchestrator) SendTurnStreaming(ctx context.Context, sessionID, userMessage string) (<-chan TurnEvent, error) {
	if err := o.beginTurn(sessionID); err != nil {
		return nil, err
	}

	sess, err := o.checkTurnPreconditions(sessionID)
	if err != nil {
		o.endTurn(sessionID)
		return nil, err
	}

	if _, err := o.sessions.AppendMessage(sessionID, session.RoleUser, userMessage); err != nil {
		o.endTurn(sessionID)
		return nil, o.mapStoreErr(err)
	}
	placeholder, err := o.sessions.AppendMessage(sessionID, session.RoleAssistant, "")
	if err != nil {
		o.endTurn(sessionID)
		return nil, o.mapStoreErr(err)
	}

	req, err := o.buildTurnRequest(sessionID)
	if err != nil {
		_ = o.sessions.RemoveMessage(sessionID, placeholder.ID)
		o.endTurn(sessionID)
		return nil, err
	}

	out := make(chan TurnEvent, 16)
	go o.runStreamingTurn(ctx, sess.ID, placeholder.ID, req, out)
	return out, nil
}

// runStreamingTurn drives the provider stream, growing the placeholder and
// fanning events out to the caller and to session watchers.
func (o *Orchestrator) runStreamingTurn(ctx context.Context, sessionID, placeholderID string, req *provider.Request, out chan<- TurnEvent) {
	defer close(out)
	defer o.endTurn(sessionID)

	requestID := uuid.New().String()

	fail := func(err error) {
		if rmErr := o.sessions.RemoveMessage(sessionID, placeholderID); rmErr != nil && !errors.Is(rmErr, session.ErrNotFound) {
			o.logger.Error("placeholder rollback failed",
				"session_id", sessionID,
				"message_id", placeholderID,
				"error", rmErr)
		}
		ev := TurnEvent{Type: TurnError, RequestID: requestID, Err: err}
		o.events.Publish(sessionID, ev)
		select {
		case out <- ev:
		case <-time.After(5 * time.Second):
		}
	}

	reqCtx, err := o.gate.Acquire(ctx, requestID)
	if err != nil {
		fail(wrapProviderErr(err))
		return
	}
	defer o.gate.Release(requestID)

	stream, err := o.provider.CompleteStreaming(reqCtx, req)
	if err != nil {
		fail(wrapProviderErr(err))
		return
	}

	for chunk := range stream {
		switch chunk.Type {
		case provider.ChunkDelta:
			if err := o.sessions.AppendContent(sessionID, placeholderID, chunk.Delta); err != nil {
				// Session swept or message gone mid-stream; abandon the turn.
				fail(o.mapStoreErr(err))
				o.drain(stream)
				return
			}
			ev := TurnEvent{Type: TurnDelta, RequestID: requestID, Delta: chunk.Delta}
			o.events.Publish(sessionID, ev)
			select {
			case out <- ev:
			case <-reqCtx.Done():
				fail(wrapProviderErr(reqCtx.Err()))
				o.drain(stream)
				return
			}

		case provider.ChunkDone:
			result, err := o.finalizeStreamingTurn(sessionID, placeholderID, chunk.Usage)
			if err != nil {
				fail(err)
				return
			}
			ev := TurnEvent{Type: TurnDone, RequestID: requestID, Result: result}
			o.events.Publish(sessionID, ev)
			select {
			case out <- ev:
			case <-time.After(5 * time.Second):
			}
			return

		case provider.ChunkError:
			fail(wrapProviderErr(chunk.Err))
			return
		}
	}

	// Stream closed without a terminal chunk; treat as a transport failure.
	fail(fmt.Errorf("%w: stream ended without terminal chunk", ErrProviderFailure))
}

// finalizeStreamingTurn runs the same bookkeeping as a blocking turn once the
// terminal chunk arrives.
func (o *Orchestrator) finalizeStreamingTurn(sessionID, placeholderID string, usage provider.Usage) (*TurnResult, error) {
	round, status, err := o.sessions.AdvanceRound(sessionID)
	if err != nil {
		return nil, o.mapStoreErr(err)
	}

	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, o.mapStoreErr(err)
	}
	var assistant *session.Message
	for _, m := range sess.Messages {
		if m.ID == placeholderID {
			assistant = m
			break
		}
	}

	return &TurnResult{
		SessionID:   sessionID,
		Assistant:   assistant,
		RoundCount:  round,
		CanContinue: status == session.StatusActive,
		Usage:       usage,
	}, nil
}

// EndSession marks the session completed regardless of round count.
func (o *Orchestrator) EndSession(sessionID string) error {
	return o.mapStoreErr(o.sessions.End(sessionID))
}

// Get returns a copy of the session.
func (o *Orchestrator) Get(sessionID string) (*session.Session, error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, o.mapStoreErr(err)
	}
	return sess, nil
}

// ListActiveSessions returns copies of all active sessions.
func (o *Orchestrator) ListActiveSessions() []*session.Session {
	return o.sessions.ListActive()
}

// SweepExpired evicts sessions idle longer than ttl.
func (o *Orchestrator) SweepExpired(ttl time.Duration) int {
	return o.sessions.SweepExpired(ttl)
}

// Watch subscribes an observer to live turn events for a session.
func (o *Orchestrator) Watch(ctx context.Context, sessionID string) (<-chan TurnEvent, string) {
	return o.events.Watch(ctx, sessionID)
}

// CancelRequest cancels an in-flight provider call by request ID. No-op for
// unknown or completed requests.
func (o *Orchestrator) CancelRequest(requestID string) {
	o.gate.Cancel(requestID)
}

// ActiveRequests is a point-in-time snapshot of in-flight provider calls.
func (o *Orchestrator) ActiveRequests() int {
	return o.gate.ActiveCount()
}

// checkTurnPreconditions fetches the session and rejects turns on inactive or
// exhausted sessions. Hitting the round limit on an active session marks it
// completed, since it indicates a stale client retry.
func (o *Orchestrator) checkTurnPreconditions(sessionID string) (*session.Session, error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, o.mapStoreErr(err)
	}
	if !sess.Active() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotActive, sess.Status)
	}
	if sess.RoundCount >= sess.MaxRounds {
		_ = o.sessions.End(sessionID)
		return nil, ErrRoundLimitReached
	}
	return sess, nil
}

// buildTurnRequest renders the full prompt context: issue metadata, resume,
// the complete message history and a round-position note.
func (o *Orchestrator) buildTurnRequest(sessionID string) (*provider.Request, error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, o.mapStoreErr(err)
	}

	system, err := o.prompts.SystemForTurn(sess, sess.RoundCount+1)
	if err != nil {
		return nil, err
	}

	msgs := make([]provider.Message, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		if m.Role == session.RoleAssistant && m.Content == "" {
			continue // streaming placeholder is not part of the prompt
		}
		role := provider.RoleUser
		if m.Role == session.RoleAssistant {
			role = provider.RoleAssistant
		}
		msgs = append(msgs, provider.Message{Role: role, Content: m.Content})
	}

	return &provider.Request{
		SystemPrompt: system,
		Messages:     msgs,
		Model:        o.opts.Model,
		Temperature:  o.opts.Temperature,
		MaxTokens:    o.opts.MaxTokens,
	}, nil
}

// complete runs one gated, retried provider call.
func (o *Orchestrator) complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	requestID := uuid.New().String()

	reqCtx, err := o.gate.Acquire(ctx, requestID)
	if err != nil {
		return nil, wrapProviderErr(err)
	}
	defer o.gate.Release(requestID)

	var comp *provider.Completion
	err = o.retry.Do(reqCtx, func(c context.Context) error {
		var opErr error
		comp, opErr = o.provider.Complete(c, req)
		return opErr
	})
	if err != nil {
		return nil, wrapProviderErr(err)
	}
	comp.RequestID = requestID
	return comp, nil
}

// beginTurn claims the per-session turn slot.
func (o *Orchestrator) beginTurn(sessionID string) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	if _, busy := o.turns[sessionID]; busy {
		return ErrSessionBusy
	}
	o.turns[sessionID] = struct{}{}
	return nil
}

func (o *Orchestrator) endTurn(sessionID string) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	delete(o.turns, sessionID)
}

// discard removes an orphaned session after a failed start.
func (o *Orchestrator) discard(sessionID string) {
	if err := o.sessions.Delete(sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		o.logger.Error("failed to discard session", "session_id", sessionID, "error", err)
	}
}

// drain consumes remaining chunks so the provider goroutine can exit.
func (o *Orchestrator) drain(stream <-chan provider.Chunk) {
	go func() {
		for range stream {
		}
	}()
}

func (o *Orchestrator) mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrNotActive):
		return ErrSessionNotActive
	default:
		return err
	}
}

// wrapProviderErr maps failures onto the caller-facing taxonomy: cancellation
// and malformed responses pass through, everything else is a provider failure.
func wrapProviderErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, provider.ErrCancelled), errors.Is(err, provider.ErrMalformedResponse):
		return err
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", provider.ErrCancelled, err)
	default:
		return fmt.Errorf("%w: %w", ErrProviderFailure, err)
	}
}
