// ABOUTME: HTTP handlers for session lifecycle, turns and SSE streaming
// ABOUTME: Maps the orchestrator error taxonomy onto HTTP status codes

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/resumelab/coach-gateway/internal/coach"
	"github.com/resumelab/coach-gateway/internal/issue"
	"github.com/resumelab/coach-gateway/internal/provider"
)

// StartSessionRequest is the JSON request body for POST /api/sessions.
type StartSessionRequest struct {
	AnalysisID    string `json:"analysis_id"`
	IssueID       string `json:"issue_id"`
	ResumeContent string `json:"resume_content"`
}

// SendTurnRequest is the JSON request body for POST /api/sessions/{id}/turns.
type SendTurnRequest struct {
	Message string `json:"message"`
}

// TurnResponse is the JSON response for a blocking turn.
type TurnResponse struct {
	SessionID   string `json:"session_id"`
	MessageID   string `json:"message_id"`
	Content     string `json:"content"`
	RoundCount  int    `json:"round_count"`
	CanContinue bool   `json:"can_continue"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	ActiveSessions int `json:"active_sessions"`
	ActiveRequests int `json:"active_requests"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleSessions covers POST /api/sessions and GET /api/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleStartSession(w, r)
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.orc.ListActiveSessions())
	default:
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	req, err := parseStartRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.orc.StartSession(r.Context(), req.AnalysisID, req.IssueID, req.ResumeContent)
	if err != nil {
		s.sendOrchestratorError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

// handleSessionRoutes dispatches /api/sessions/{id}[/turns|/events].
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	sessionID := parts[0]
	if sessionID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "session id is required")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.handleGetSession(w, r, sessionID)
	case sub == "" && r.Method == http.MethodDelete:
		s.handleEndSession(w, r, sessionID)
	case sub == "turns" && r.Method == http.MethodPost:
		s.handleSendTurn(w, r, sessionID)
	case sub == "events" && r.Method == http.MethodGet:
		s.handleWatchSession(w, r, sessionID)
	default:
		s.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.orc.Get(sessionID)
	if err != nil {
		s.sendOrchestratorError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.orc.EndSession(sessionID); err != nil {
		s.sendOrchestratorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendTurn(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req SendTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		s.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	if r.URL.Query().Get("stream") == "true" {
		s.handleStreamingTurn(w, r, sessionID, req.Message)
		return
	}

	result, err := s.orc.SendTurn(r.Context(), sessionID, req.Message)
	if err != nil {
		s.sendOrchestratorError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TurnResponse{
		SessionID:   result.SessionID,
		MessageID:   result.Assistant.ID,
		Content:     result.Assistant.Content,
		RoundCount:  result.RoundCount,
		CanContinue: result.CanContinue,
	})
}

func (s *Server) handleStreamingTurn(w http.ResponseWriter, r *http.Request, sessionID, message string) {
	// Check streaming support before sending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := s.orc.SendTurnStreaming(r.Context(), sessionID, message)
	if err != nil {
		s.sendOrchestratorError(w, err)
		return
	}

	setSSEHeaders(w)
	s.streamTurnEvents(w, flusher, events)
}

// handleWatchSession streams live turn events for observers of a session.
func (s *Server) handleWatchSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if _, err := s.orc.Get(sessionID); err != nil {
		s.sendOrchestratorError(w, err)
		return
	}

	events, _ := s.orc.Watch(r.Context(), sessionID)

	setSSEHeaders(w)
	s.writeSSEEvent(w, "watching", map[string]string{"session_id": sessionID})
	flusher.Flush()

	// Watch streams stay open across turns until the client disconnects.
	for ev := range events {
		s.writeSSEEvent(w, string(ev.Type), turnEventData(ev))
		flusher.Flush()
	}
}

// streamTurnEvents writes one turn's events and returns after the terminal one.
func (s *Server) streamTurnEvents(w http.ResponseWriter, flusher http.Flusher, events <-chan coach.TurnEvent) {
	for ev := range events {
		s.writeSSEEvent(w, string(ev.Type), turnEventData(ev))
		flusher.Flush()

		if ev.Type == coach.TurnDone || ev.Type == coach.TurnError {
			return
		}
	}
}

// turnEventData converts a TurnEvent into its JSON wire shape.
func turnEventData(ev coach.TurnEvent) any {
	switch ev.Type {
	case coach.TurnDelta:
		return map[string]string{"request_id": ev.RequestID, "text": ev.Delta}
	case coach.TurnDone:
		return TurnResponse{
			SessionID:   ev.Result.SessionID,
			MessageID:   ev.Result.Assistant.ID,
			Content:     ev.Result.Assistant.Content,
			RoundCount:  ev.Result.RoundCount,
			CanContinue: ev.Result.CanContinue,
		}
	case coach.TurnError:
		return map[string]string{"request_id": ev.RequestID, "error": ev.Err.Error()}
	default:
		return map[string]string{}
	}
}

// handleAnalyses covers PUT /api/analyses/{id}: the write hook the analysis
// subsystem calls once per analysis run.
func (s *Server) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	analysisID := strings.TrimPrefix(r.URL.Path, "/api/analyses/")
	if analysisID == "" || strings.Contains(analysisID, "/") {
		s.sendJSONError(w, http.StatusBadRequest, "analysis id is required")
		return
	}

	var issues []issue.Issue
	if err := json.NewDecoder(r.Body).Decode(&issues); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.issues.Put(analysisID, issues)
	w.WriteHeader(http.StatusNoContent)
}

// handleRequests covers DELETE /api/requests/{id}: cancel an in-flight
// provider call. Idempotent; unknown IDs still return 204.
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	requestID := strings.TrimPrefix(r.URL.Path, "/api/requests/")
	if requestID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "request id is required")
		return
	}
	s.orc.CancelRequest(requestID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatsResponse{
		ActiveSessions: len(s.orc.ListActiveSessions()),
		ActiveRequests: s.orc.ActiveRequests(),
	})
}

// sendOrchestratorError maps the orchestrator error taxonomy to HTTP status.
func (s *Server) sendOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coach.ErrAnalysisNotFound),
		errors.Is(err, coach.ErrIssueNotFound),
		errors.Is(err, coach.ErrSessionNotFound):
		s.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, coach.ErrSessionNotActive),
		errors.Is(err, coach.ErrRoundLimitReached),
		errors.Is(err, coach.ErrSessionBusy):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, provider.ErrCancelled):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrMalformedResponse),
		errors.Is(err, coach.ErrProviderFailure):
		s.sendJSONError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseStartRequest parses and validates a StartSessionRequest from the given
// reader. Returns an error if the JSON is invalid or required fields are missing.
func parseStartRequest(r io.Reader) (*StartSessionRequest, error) {
	var req StartSessionRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.AnalysisID == "" {
		return nil, errors.New("analysis_id is required")
	}
	if req.IssueID == "" {
		return nil, errors.New("issue_id is required")
	}
	if req.ResumeContent == "" {
		return nil, errors.New("resume_content is required")
	}
	return &req, nil
}
