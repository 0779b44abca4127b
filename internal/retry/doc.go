// Package retry wraps fallible provider calls with bounded retries and
// exponential backoff.
//
// The Policy value is injected into call sites so the retry behavior is
// unit-testable apart from networking. Classification lives in the Retryable
// predicate: swap it to change which failures are retried (for example, to
// allow one retry on malformed model output).
package retry
