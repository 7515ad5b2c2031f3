package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/runner"
)

// handleRunSSE drives one invocation in streaming config and emits each
// event as one server-sent message. Failures become a message with body
// {"error": "..."}.
func (s *Server) handleRunSSE(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRunRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, runCtx := s.state.Tracker.Register(r.Context())
	defer s.state.Tracker.Complete(id)

	events, err := s.state.Runner.Run(runCtx, runner.Request{
		UserID:       req.UserID,
		SessionID:    chi.URLParam(r, "sessionID"),
		InvocationID: id,
		Message:      req.NewMessage,
		Config:       agent.RunConfig{Streaming: true},
	})
	if err != nil {
		sendSSE(w, flusher, map[string]string{"error": err.Error()})
		return
	}

	for ev := range events {
		sendSSE(w, flusher, ev)
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"error":"serialization failed"}`)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
