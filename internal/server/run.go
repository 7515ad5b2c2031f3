package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/runner"
	"github.com/haasonsaas/conductor/pkg/models"
)

// runRequest is the body of the batch and SSE endpoints.
type runRequest struct {
	UserID     string          `json:"userId,omitempty"`
	NewMessage *models.Content `json:"newMessage"`
}

func decodeRunRequest(r *http.Request) (runRequest, error) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid request body")
	}
	if req.UserID == "" {
		req.UserID = defaultUserID
	}
	return req, nil
}

// handleRun drives one invocation to completion and returns every event
// in one response. The run is registered with the tracker so cancel and
// status requests arriving over the websocket can address it.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRunRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id, runCtx := s.state.Tracker.Register(r.Context())
	defer s.state.Tracker.Complete(id)

	events, err := s.state.Runner.Run(runCtx, runner.Request{
		UserID:       req.UserID,
		SessionID:    chi.URLParam(r, "sessionID"),
		InvocationID: id,
		Message:      req.NewMessage,
		Config:       agent.RunConfig{Streaming: false},
	})
	if err != nil {
		writeError(w, err)
		return
	}

	collected := []*models.Event{}
	for ev := range events {
		collected = append(collected, ev)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": collected})
}
