package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/duckmesh/duckask/internal/auth"
	"github.com/duckmesh/duckask/internal/conversation"
	"github.com/duckmesh/duckask/internal/nl2sql"
)

const (
	defaultMaxMessageBytes = 4000
	maxContextTurns        = 20
	anonymousUser          = "anonymous"
)

type askRequest struct {
	Message      string              `json:"message"`
	ContextTurns []conversation.Turn `json:"context_turns"`
}

type askResponse struct {
	Events []nl2sql.Event `json:"events"`
	Result nl2sql.Result  `json:"result"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "question pipeline is not configured", false, nil)
		return
	}
	if err := auth.Authorize(r.Context(), auth.RoleAsker); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}
	request.Message = strings.TrimSpace(request.Message)
	if request.Message == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "MESSAGE_REQUIRED", "message is required", false, nil)
		return
	}
	maxBytes := deps.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	if len(request.Message) > maxBytes {
		writeError(r.Context(), w, http.StatusBadRequest, "MESSAGE_TOO_LONG", fmt.Sprintf("message exceeds %d bytes", maxBytes), false, nil)
		return
	}
	if len(request.ContextTurns) > maxContextTurns {
		writeError(r.Context(), w, http.StatusBadRequest, "TOO_MANY_TURNS", fmt.Sprintf("at most %d context turns are accepted", maxContextTurns), false, nil)
		return
	}
	for i, turn := range request.ContextTurns {
		if !turn.Role.Valid() {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TURN", fmt.Sprintf("context turn %d has unknown role %q", i, turn.Role), false, nil)
			return
		}
	}

	pipelineRequest := nl2sql.Request{
		Message: request.Message,
		UserID:  userFromRequest(r),
		Turns:   request.ContextTurns,
	}

	// Answers are bounded by the pipeline's stage timeouts, not the server
	// write timeout. Writers without deadline support return ErrNotSupported.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	if acceptsEventStream(r) {
		streamAsk(deps, w, r, pipelineRequest)
		return
	}

	events := make([]nl2sql.Event, 0, 8)
	result := deps.Pipeline.Run(r.Context(), pipelineRequest, func(event nl2sql.Event) {
		events = append(events, event)
	})
	writeJSON(w, http.StatusOK, askResponse{Events: events, Result: result})
}

// streamAsk writes progress events and the terminal result as Server-Sent Events.
func streamAsk(deps Dependencies, w http.ResponseWriter, r *http.Request, request nl2sql.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(r.Context(), w, http.StatusNotAcceptable, "STREAMING_UNSUPPORTED", "streaming is not supported by this connection", false, nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	result := deps.Pipeline.Run(r.Context(), request, func(event nl2sql.Event) {
		writeSSE(w, "progress", event.Seq, event)
		flusher.Flush()
	})
	if r.Context().Err() != nil {
		return
	}
	writeSSE(w, "result", 0, result)
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, event string, id int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		body, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	if id > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", id)
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
}

func acceptsEventStream(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(mediaType), "text/event-stream") {
			return true
		}
	}
	return false
}

// userFromRequest returns the authenticated user, falling back to the
// X-User-ID header when authentication is disabled.
func userFromRequest(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && strings.TrimSpace(identity.UserID) != "" {
		return identity.UserID
	}
	if userID := strings.TrimSpace(r.Header.Get("X-User-ID")); userID != "" {
		return userID
	}
	return anonymousUser
}
