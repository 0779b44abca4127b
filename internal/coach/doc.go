// Package coach provides the conversation orchestrator: the top-level API for
// issue-scoped resume-coaching dialogues.
//
// # Overview
//
// The orchestrator sits between the HTTP surface and the lower layers,
// combining the issue registry, the session store, the request gate, the
// retry policy and the completion provider:
//
//	orc := coach.New(issues, sessions, gate, policy, provider, prompts, events, opts, logger)
//
// Key operations:
//
//   - StartSession(ctx, analysisID, issueID, resume): create a session and run
//     the opening turn as one logical unit
//   - SendTurn(ctx, sessionID, text): one blocking user/assistant exchange
//   - SendTurnStreaming(ctx, sessionID, text): the same exchange as a channel
//     of TurnEvents (delta / done / error)
//   - Watch(ctx, sessionID): observe live turn events without owning the turn
//
// # Rounds
//
// Every completed assistant turn consumes one round; a session completes when
// RoundCount reaches MaxRounds. Failed turns consume nothing: the user
// message stays recorded, the assistant message (or streaming placeholder) is
// absent, and the caller may retry.
//
// # Concurrency
//
// Turns on one session are serialized: a second concurrent SendTurn or
// SendTurnStreaming on the same session fails with ErrSessionBusy. Across
// sessions, concurrency is bounded only by the request gate.
package coach
