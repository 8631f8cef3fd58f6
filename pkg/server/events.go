package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fathomlabs/fathom/pkg/protocol"
	"github.com/fathomlabs/fathom/pkg/telemetry"
)

// handleEvents streams the process-wide telemetry bus to a dashboard
// consumer as protocol frames. Read-only: client frames are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.core.Events == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("events upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.core.Events.Subscribe()
	defer cancel()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		frame, ok := eventFrame(ev)
		if !ok {
			continue
		}
		data, err := protocol.Encode(frame, s.cfg.Server.MaxFrameBytes)
		if err != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func eventFrame(ev telemetry.Event) (protocol.Message, bool) {
	switch ev.Type {
	case telemetry.EventStatus:
		return protocol.StatusFrame(ev.Status), true
	case telemetry.EventProgress:
		return protocol.ProgressFrame(ev.Progress), true
	case telemetry.EventThought:
		return protocol.ThoughtFrame(ev.Thought), true
	case telemetry.EventComplete:
		return protocol.OutputStructured(ev.Complete), true
	default:
		return protocol.Message{}, false
	}
}
