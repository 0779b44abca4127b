// Package session provides thread-safe keyed storage and lifecycle management
// for coaching chat sessions.
//
// # Lifecycle
//
// A session is created active, accumulates user/assistant messages, and
// leaves the active state exactly once:
//
//	active --(AdvanceRound reaches MaxRounds)--> completed
//	active --(End)--> completed
//	active --(SweepExpired)--> expired
//
// completed and expired are terminal; no further turns are accepted.
//
// # Concurrency
//
// MemoryStore serializes all mutations behind a single mutex held briefly per
// operation, so per-session mutations are mutually exclusive and independent
// sessions do not block each other for unbounded time. Read paths return deep
// copies, never live pointers.
//
// # Expiry
//
// A background sweeper evicts sessions idle longer than the TTL, in the same
// shape as the dedupe-style ticker loop: NewMemoryStore starts it, Close
// stops it. SweepExpired may also be invoked directly and is idempotent.
package session
