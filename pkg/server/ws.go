package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fathomlabs/fathom/pkg/protocol"
	"github.com/fathomlabs/fathom/pkg/session"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The terminal client connects without an Origin header; browser
	// clients are expected to sit behind the same host.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection and runs one session over it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(int64(s.cfg.Server.MaxFrameBytes))

	sess := session.New(s.core)
	s.addSession(sess)
	s.logger.Info("session connected", "session_id", sess.ID, "remote", r.RemoteAddr)

	go sess.Run()
	go s.writeLoop(conn, sess)
	s.readLoop(conn, sess)

	sess.Close("client disconnected")
	s.removeSession(sess)
	conn.Close()
}

// readLoop decodes client frames and feeds the session until the
// connection or session ends.
func (s *Server) readLoop(conn *websocket.Conn, sess *session.Session) {
	for {
		select {
		case <-sess.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.metrics.framesIn.Inc()

		msg, err := protocol.Decode(data)
		if err != nil {
			s.metrics.frameErrors.Inc()
			sess.HandleFrame(protocol.Message{Type: "invalid"})
			continue
		}
		sess.HandleFrame(msg)
	}
}

// writeLoop drains the session's outbound queue onto the wire. After the
// session closes it flushes what is already queued, then stops.
func (s *Server) writeLoop(conn *websocket.Conn, sess *session.Session) {
	defer conn.Close()

	write := func(m protocol.Message) bool {
		data, err := protocol.Encode(m, s.cfg.Server.MaxFrameBytes)
		if err != nil {
			s.metrics.frameErrors.Inc()
			s.logger.Warn("dropping oversized frame", "error", err)
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return false
		}
		s.metrics.framesOut.Inc()
		return true
	}

	for {
		select {
		case m := <-sess.Outbound():
			if !write(m) {
				return
			}
		case <-sess.Done():
			for {
				select {
				case m := <-sess.Outbound():
					if !write(m) {
						return
					}
				default:
					return
				}
			}
		}
	}
}
