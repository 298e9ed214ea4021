package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const connectedGreeting = "Connected to screenshot service"

// streamEvents serves progress events as text/event-stream. The SSE event
// name is the progress type and the data line is its JSON payload. An
// optional ?session=<id> query narrows the stream to one session.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := r.URL.Query().Get("session")

	events, unsubscribe := s.events.Subscribe()
	defer unsubscribe()
	if s.metrics != nil {
		defer s.metrics.StreamOpened()()
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "connected", []byte(connectedGreeting)); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-events:
			if !open {
				return
			}
			if filter != "" && evt.SessionUUID().String() != filter {
				continue
			}
			data, err := json.Marshal(evt.Payload())
			if err != nil {
				s.logger.Warn("encode event payload", zap.Error(err), zap.String("type", string(evt.Type)))
				continue
			}
			if err := writeSSE(w, string(evt.Type), data); err != nil {
				s.logger.Debug("event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write sse: %w", err)
	}
	return nil
}

