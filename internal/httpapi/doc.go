// Package httpapi exposes the coaching orchestrator over JSON and SSE.
//
// # Routes
//
//	GET    /health                      liveness check
//	POST   /api/sessions                start a session (runs the opening turn)
//	GET    /api/sessions                list active sessions
//	GET    /api/sessions/{id}           fetch one session with history
//	DELETE /api/sessions/{id}           end a session early
//	POST   /api/sessions/{id}/turns     send a turn; ?stream=true streams SSE
//	GET    /api/sessions/{id}/events    observe live turn events (SSE)
//	PUT    /api/analyses/{id}           analysis-subsystem write hook
//	DELETE /api/requests/{id}           cancel an in-flight provider call
//	GET    /api/stats                   active session/request counts
//
// Streaming responses use SSE events named after the TurnEvent type (delta,
// done, error) with JSON payloads.
package httpapi
