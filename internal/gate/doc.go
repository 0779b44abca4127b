// Package gate enforces a ceiling on concurrently outstanding provider calls.
//
// Acquire blocks on a weighted semaphore until a slot frees up, registers a
// cancellation handle keyed by request ID, and returns a child context the
// provider call must run on. Cancel terminates that context from anywhere in
// the process (e.g. an HTTP cancel endpoint); Release frees the slot and is
// required exactly once per Acquire, usually via defer.
//
// The gate never rejects: callers wanting a hard cap with rejection apply a
// queue-depth check before Acquire.
package gate
