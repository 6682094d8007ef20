package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/stepflow-io/stepflow/internal/streaming"
)

// handleEvents streams hub events as Server-Sent Events. Query parameters
// workflowId, executionId and types (comma-separated) narrow the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := streaming.Filter{
		WorkflowID:  r.URL.Query().Get("workflowId"),
		ExecutionID: r.URL.Query().Get("executionId"),
	}
	if types := r.URL.Query().Get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.EventTypes = append(filter.EventTypes, t)
			}
		}
	}
	s.serveSSE(w, r, filter)
}

// serveSSE subscribes to the hub and forwards matching events until the
// client disconnects or the server shuts down.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.Filter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			data, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
