package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type streamEvent struct {
	Type      string    `json:"type"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

const (
	eventConnected    = "connected"
	eventOutput       = "output"
	eventDisconnected = "disconnected"
)

// pollStream emits connected, then every new chunk of the project's output
// until its session stops, then disconnected. It returns early when emit fails
// or ctx ends.
func (s *Server) pollStream(ctx context.Context, projectID string, emit func(streamEvent) error) {
	if err := emit(streamEvent{Type: eventConnected}); err != nil {
		return
	}
	interval := s.cfg.StreamInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, running := s.sessions.CurrentRunning(ctx, projectID)
		if !running {
			_ = emit(streamEvent{Type: eventDisconnected})
			return
		}
		out, ok, err := s.channel.Receive(ctx, current.ID)
		if err != nil {
			s.logger.Debug("stream receive", "project_id", projectID, "session_id", current.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		if err := emit(streamEvent{Type: eventOutput, Content: out, Timestamp: time.Now().UTC()}); err != nil {
			return
		}
	}
}

func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	done := s.metrics.StreamOpened("sse")
	defer done()

	s.pollStream(r.Context(), p.ID, func(ev streamEvent) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	done := s.metrics.StreamOpened("websocket")
	defer done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The stream is one-way; reads only notice the peer going away.
	conn.SetReadLimit(4096)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.pollStream(ctx, p.ID, func(ev streamEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(ev)
	})

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(time.Second),
	)
}
