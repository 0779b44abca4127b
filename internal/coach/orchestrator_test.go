// ABOUTME: Tests for the conversation orchestrator round/turn semantics
// ABOUTME: Uses an instrumented fake provider recording concurrency high-water marks

package coach

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resumelab/coach-gateway/internal/gate"
	"github.com/resumelab/coach-gateway/internal/issue"
	"github.com/resumelab/coach-gateway/internal/provider"
	"github.com/resumelab/coach-gateway/internal/retry"
	"github.com/resumelab/coach-gateway/internal/session"
)

// fakeProvider implements provider.CompletionProvider for testing. It records
// call counts and a concurrent-call high-water mark, and can be scripted to
// fail, block, or stream specific chunk sequences.
type fakeProvider struct {
	mu      sync.Mutex
	reply   string
	err     error
	lastReq *provider.Request
	calls   int

	block chan struct{} // if non-nil, Complete blocks until closed

	streamChunks []provider.Chunk

	inFlight  atomic.Int64
	highWater atomic.Int64
}

func (f *fakeProvider) enter() {
	n := f.inFlight.Add(1)
	for {
		hw := f.highWater.Load()
		if n <= hw || f.highWater.CompareAndSwap(hw, n) {
			return
		}
	}
}

func (f *fakeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	f.enter()
	defer f.inFlight.Add(-1)

	f.mu.Lock()
	f.calls++
	f.lastReq = req
	reply, err, block := f.reply, f.err, f.block
	f.mu.Unlock()

	// Hold long enough for concurrent callers to overlap.
	time.Sleep(5 * time.Millisecond)

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", provider.ErrCancelled, ctx.Err())
		}
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrCancelled, ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return &provider.Completion{Text: reply, Usage: provider.Usage{InputTokens: 10, OutputTokens: 20}}, nil
}

func (f *fakeProvider) CompleteStreaming(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	chunks := f.streamChunks
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan provider.Chunk, len(chunks)+1)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				ch <- provider.Chunk{Type: provider.ChunkError, Err: fmt.Errorf("%w: %v", provider.ErrCancelled, ctx.Err())}
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastRetry() retry.Policy {
	p := retry.Default()
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	p.JitterPercent = 0
	return p
}

func seedRegistry() *issue.Registry {
	r := issue.NewRegistry()
	issues := make([]issue.Issue, 5)
	for i := range issues {
		issues[i] = issue.Issue{
			ID:          fmt.Sprintf("i-%d", i+1),
			Title:       fmt.Sprintf("Issue %d", i+1),
			Description: "bullet points lack measurable impact",
		}
	}
	r.Put("an-1", issues)
	return r
}

func newTestOrchestrator(t *testing.T, p provider.CompletionProvider, maxConcurrent, maxRounds int) *Orchestrator {
	t.Helper()
	sessions := session.NewMemoryStore(session.DefaultTTL, time.Hour, nil)
	t.Cleanup(sessions.Close)

	events := NewBroadcaster(nil)
	t.Cleanup(events.Close)

	return New(seedRegistry(), sessions, gate.New(maxConcurrent, nil), fastRetry(), p,
		nil, events, Options{MaxRounds: maxRounds}, nil)
}

func TestStartSession_OpeningTurnConsumesRoundOne(t *testing.T) {
	p := &fakeProvider{reply: "Let's look at this issue together."}
	orc := newTestOrchestrator(t, p, 4, 5)

	sess, err := orc.StartSession(t.Context(), "an-1", "i-1", "resume text")
	require.NoError(t, err)

	assert.Equal(t, 1, sess.RoundCount)
	assert.Equal(t, session.StatusActive, sess.Status)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, session.RoleAssistant, sess.Messages[0].Role)
	assert.Equal(t, "Let's look at this issue together.", sess.Messages[0].Content)

	// The opening prompt carries issue metadata and the resume.
	require.NotNil(t, p.lastReq)
	assert.Contains(t, p.lastReq.SystemPrompt, "Issue 1")
	assert.Contains(t, p.lastReq.SystemPrompt, "resume text")
}

func TestStartSession_AnalysisNotFound(t *testing.T) {
	orc := newTestOrchestrator(t, &fakeProvider{reply: "hi"}, 4, 5)

	_, err := orc.StartSession(t.Context(), "missing", "i-1", "resume")
	assert.ErrorIs(t, err, ErrAnalysisNotFound)
}

func TestStartSession_IssueNotFound(t *testing.T) {
	orc := newTestOrchestrator(t, &fakeProvider{reply: "hi"}, 4, 5)

	_, err := orc.StartSession(t.Context(), "an-1", "i-99", "resume")
	assert.ErrorIs(t, err, ErrIssueNotFound)
}

func TestStartSession_ProviderFailureLeavesNoOrphan(t *testing.T) {
	p := &fakeProvider{err: errors.New("invalid api key")}
	orc := newTestOrchestrator(t, p, 4, 5)

	_, err := orc.StartSession(t.Context(), "an-1", "i-1", "resume")
	require.ErrorIs(t, err, ErrProviderFailure)

	assert.Empty(t, orc.ListActiveSessions(), "failed start must not leave an empty active session")
}

func TestSendTurn_HappyPath(t *testing.T) {
	p := &fakeProvider{reply: "opening"}
	orc := newTestOrchestrator(t, p, 4, 5)

	sess, err := orc.StartSession(t.Context(), "an-1", "i-1", "resume")
	require.NoError(t, err)

	p.mu.Lock()
	p.reply = "try quantifying the outcome"
	p.mu.Unlock()

	result, err := orc.SendTurn(t.Context(), sess.ID, "how do I fix this bullet?")
	require.NoError(t, err)

	assert.Equal(t, 2, result.RoundCount)
	assert.True(t, result.CanContinue)
	assert.Equal(t, "try quantifying the outcome", result.Assistant.Content)

	got, err := orc.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3) // opening + user + assistant
	assert.Equal(t, session.RoleUser, got.Messages[1].Role)

	// The rebuilt prompt includes the history and the round position note.
	assert.Contains(t, p.lastReq.SystemPrompt, "round 2 of 5")
	require.Len(t, p.lastReq.Messages, 2)
}

func TestSendTurn_SessionNotFound(t *testing.T) {
	orc := newTestOrchestrator(t, &fakeProvider{reply: "hi"}, 4, 5)

	_, err := orc.SendTurn(t.Context(), "missing", "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSendTurn_EndedSessionRejected(t *testing.T) {
	p := &fakeProvider{reply: "opening"}
	orc := newTestOrchestrator(t, p, 4, 5)

	sess, err := orc.StartSession(t.Context(), "an-1", "i-1", "resume")
	require.NoError(t, err)
	require.NoError(t, orc.EndSession(sess.ID))

	before := p.callCount()
	_, err = orc.SendTurn(t.Context(), sess.ID, "hello")
	assert.ErrorIs(t, err, ErrSessionNotActive)
	assert.Equal(t, before, p.callCount(), "provider must not be contacted")

	got, _ := orc.Get(sess.ID)
	assert.Len(t, got.Messages, 1, "rejected turn must not mutate history")
}

func TestSendTurn_FullConversationToRoundLimit(t *testing.T) {
	p := &fakeProvider{reply: "coaching reply"}
	orc := newTestOrchestrator(t, p, 4, 5)

	sess, err := orc.StartSession(t.Context(), "an-1", "i-1", "resume")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.RoundCount)

	var last *TurnResult
	for i := 0; i < 4; i++ {
		last, err = orc.SendTurn(t.Context(), sess.ID, fmt.Sprintf("question %d", i+1))
		require.NoError(t, err)
	}

	assert.Equal(t, 5, last.RoundCount)
	assert.False(t, last.CanContinue)

	got, _ := orc.Get(sess.ID)
	assert.Equal(t, session.StatusCompleted, got.Status)

	// A stale fifth turn fails without contacting the provider.
	before := p.callCount()
	_, err = orc.SendTurn(t.Context(), sess.ID, "one more?")
	assert.ErrorIs(t, err, ErrSessionNotActive)
	assert.Equal(t, before, p.callCount())
}

func TestSendTurn_RoundLimitOnStaleActiveSession(t *testing.T) {
	p := &fakeProvider{reply: "opening"}
	orc := New(seedRegistry(), newStubStoreAtLimit(t), gate.New(2, nil), fastRetry(), p, nil, nil, Options{MaxRounds: 5}, nil)

	_, err := orc.SendTurn(t.Context(), "stale", "hello")
	assert.ErrorIs(t, err, ErrRoundLimitReached)
}

func TestSendTurn_ProviderFailureKeepsUserMessageConsumesNoRound(t *testing.T) {
	p := &fakeProvider{reply: "opening"}
	orc := newTestOrchestrator(t, p, 4, 5)

	sess, err := orc.StartSession(t.Context(), "an-1", "i-1", "resume")
	require.NoError(t, err)

	p.mu.Lock()
	p.err = errors.New("503 service unavailable")
	p.mu.Unlock()

	_, err = orc.SendTurn(t.Context(), sess.ID, "my question")
	require.ErrorIs(t, err, ErrProviderFailure)

	got, _ := orc.Get(sess.ID)
	assert.Equal(t, 1, got.RoundCount, "failed turn must not consume a round")
	require.Len(t, got.Messages, 2)
	assert.Equal(t, session.RoleUser, got.Messages[1].Role)
	assert.Equal(t, "my question", got.Messages[1].Content)

	// Transient failures were retried before surfacing.
	assert.Equal(t, 1+retry.DefaultMaxAttempts, p.callCount())

	// The turn can be retried once the provider recovers.
	p.mu.Lock()
	p.err = nil
	p.reply = "recovered"
	p.mu.Unlock()

	result, err := orc.SendTurn(t.Context(), sess.ID, "asking again")
	require.NoError(t, err)
	assert.Equal(t, 2, result.RoundCount)
}

func TestSendTurn_ConcurrentTurnsOnSameSessionRejected(t *testing.T) {
	block := make(chan struct{})
	p := &fakeProvider{reply: "opening"}
	orc := newTestOrchestrator(t, p, 4, 5)

	sess, err := orc.StartSession(t.Context(), "an-1", "i-1", "resume")
	require.NoError(t, err)

	p.mu.Lock()
	p.block = block
	p.mu.Unlock()

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, err := orc.SendTurn(t.Context(), sess.ID, "slow turn")
		assert.NoError(t, err)
	}()

	// Wait for the first turn to reach the provider.
	require.Eventually(t, func() bool { return p.callCount() >= 2 }, time.Second, time.Millisecond)

	_, err = orc.SendTurn(t.Context(), sess.ID, "second turn")
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(block)
	<-firstDone
}

func TestStartSession_ConcurrentStartsBoundedByGate(t *testing.T) {
	const maxConcurrent = 2

	p := &fakeProvider{reply: "opening"}
	orc := newTestOrchestrator(t, p, maxConcurrent, 5)

	var wg sync.WaitGroup
	ids := make(chan string, 3)
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sess, err := orc.StartSession(t.Context(), "an-1", fmt.Sprintf("i-%d", n), "resume")
			require.NoError(t, err)
			ids <- sess.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	assert.LessOrEqual(t, p.highWater.Load(), int64(maxConcurrent),
		"provider calls in flight must never exceed the gate capacity")

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate session id")
		seen[id] = true
	}
}

func TestSendTurnStreaming_DeltasAccumulateAndFinalize(t *testing.T) {
	p := &fakeProvider{reply: "opening"}
	orc := newTestOrchestrator(t, p, 4, 5)

	sess, err := orc.StartSession(t.Context(), "an-1", "i-1", "resume")
	require.NoError(t, err)

	p.mu.Lock()
	p.streamChunks = []provider.Chunk{
		{Type: provider.ChunkDelta, Delta: "Use "},
		{Type: provider.ChunkDelta, Delta: "stronger "},
		{Type: provider.ChunkDelta, Delta: "verbs."},
		{Type: provider.ChunkDone, Usage: provider.Usage{OutputTokens: 3}},
	}
	p.mu.Unlock()

	events, err := orc.SendTurnStreaming(t.Context(), sess.ID, "help me rephrase")
	require.NoError(t, err)

	var deltas []string
	var done *TurnResult
	for ev := range events {
		switch ev.Type {
		case TurnDelta:
			deltas = append(deltas, ev.Delta)
		case TurnDone:
			done = ev.Result
		case TurnError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}

	assert.Equal(t, []string{"Use ", "stronger ", "verbs."}, deltas)
	require.NotNil(t, done)
	assert.Equal(t, 2, done.RoundCount)
	assert.True(t, done.CanContinue)
	assert.Equal(t, "Use stronger verbs.", done.Assistant.Content)

	got, _ := orc.Get(sess.ID)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "Use stronger verbs.", got.Messages[2].Content)
}

func TestSendTurnStreaming_ErrorRollsBackPlaceholder(t *testing.T) {
	p := &fakeProvider{reply: "opening"}
	orc := newTestOrchestrator(t, p, 4, 5)

	sess, err := orc.StartSession(t.Context(), "an-1", "i-1", "resume")
	require.NoError(t, err)

	p.mu.Lock()
	p.streamChunks = []provider.Chunk{
		{Type: provider.ChunkDelta, Delta: "partial out"},
		{Type: provider.ChunkError, Err: errors.New("connection reset")},
	}
	p.mu.Unlock()

	events, err := orc.SendTurnStreaming(t.Context(), sess.ID, "my question")
	require.NoError(t, err)

	var failure error
	for ev := range events {
		if ev.Type == TurnError {
			failure = ev.Err
		}
	}
	require.ErrorIs(t, failure, ErrProviderFailure)

	// The placeholder is gone, the user message remains, no round consumed.
	got, _ := orc.Get(sess.ID)
	assert.Equal(t, 1, got.RoundCount)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, session.RoleUser, got.Messages[1].Role)
	assert.Equal(t, "my question", got.Messages[1].Content)
}

func TestSendTurnStreaming_CancellationRollsBackPlaceholder(t *testing.T) {
	p := &fakeProvider{reply: "opening"}
	orc := newTestOrchestrator(t, p, 4, 5)

	sess, err := orc.StartSession(t.Context(), "an-1", "i-1", "resume")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel() // cancelled before the stream starts

	p.mu.Lock()
	p.streamChunks = []provider.Chunk{{Type: provider.ChunkDelta, Delta: "never seen"}}
	p.mu.Unlock()

	events, err := orc.SendTurnStreaming(ctx, sess.ID, "cancelled question")
	require.NoError(t, err)

	var failure error
	for ev := range events {
		if ev.Type == TurnError {
			failure = ev.Err
		}
	}
	require.Error(t, failure)

	got, _ := orc.Get(sess.ID)
	assert.Equal(t, 1, got.RoundCount)
	require.Len(t, got.Messages, 2, "only opening + user message survive")
	assert.Equal(t, session.RoleUser, got.Messages[1].Role)
}

func TestWatch_ObserversSeeLiveTurnEvents(t *testing.T) {
	p := &fakeProvider{reply: "opening"}
	orc := newTestOrchestrator(t, p, 4, 5)

	sess, err := orc.StartSession(t.Context(), "an-1", "i-1", "resume")
	require.NoError(t, err)

	watch, _ := orc.Watch(t.Context(), sess.ID)

	p.mu.Lock()
	p.streamChunks = []provider.Chunk{
		{Type: provider.ChunkDelta, Delta: "hello"},
		{Type: provider.ChunkDone},
	}
	p.mu.Unlock()

	events, err := orc.SendTurnStreaming(t.Context(), sess.ID, "question")
	require.NoError(t, err)
	for range events {
	}

	// The observer channel received the same delta and done events.
	var observed []TurnEventType
	for len(observed) < 2 {
		select {
		case ev := <-watch:
			observed = append(observed, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for watched events")
		}
	}
	assert.Equal(t, []TurnEventType{TurnDelta, TurnDone}, observed)
}

// stubStoreAtLimit returns a store holding one active session whose round
// count already equals its max, simulating a stale client retry.
func newStubStoreAtLimit(t *testing.T) session.Store {
	t.Helper()
	s := session.NewMemoryStore(session.DefaultTTL, time.Hour, nil)
	t.Cleanup(s.Close)
	return &atLimitStore{Store: s}
}

type atLimitStore struct {
	session.Store
}

func (s *atLimitStore) Get(id string) (*session.Session, error) {
	return &session.Session{
		ID:         id,
		RoundCount: 5,
		MaxRounds:  5,
		Status:     session.StatusActive,
	}, nil
}

func (s *atLimitStore) End(id string) error { return nil }
