// ABOUTME: Error taxonomy surfaced by the conversation orchestrator
// ABOUTME: Lookup, state and provider failures are distinguishable via errors.Is

package coach

import "errors"

// Lookup errors: caller mistakes, surfaced immediately, never retried.
var (
	ErrAnalysisNotFound = errors.New("analysis session not found")
	ErrIssueNotFound    = errors.New("issue not found")
	ErrSessionNotFound  = errors.New("session not found")
)

// State errors: a stale or misused session, surfaced with state unchanged.
var (
	ErrSessionNotActive  = errors.New("session not active")
	ErrRoundLimitReached = errors.New("round limit reached")

	// ErrSessionBusy rejects a second concurrent turn on the same session
	// rather than interleaving rounds.
	ErrSessionBusy = errors.New("session has a turn in flight")
)

// ErrProviderFailure wraps the underlying transport or model failure after
// internal retries are exhausted. Cancellation and malformed responses are
// surfaced as provider.ErrCancelled / provider.ErrMalformedResponse instead.
var ErrProviderFailure = errors.New("provider request failed")
