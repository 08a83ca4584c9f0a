package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/bus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHandler streams bus events over a websocket. One subscription per
// connection per subject; the connection closing tears them all down.
func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bus == nil {
			writeError(w, http.StatusServiceUnavailable, "event bus not available")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error("websocket upgrade", map[string]interface{}{"error": err})
			return
		}

		go s.serveWS(r, conn)
	}
}

func (s *Server) serveWS(r *http.Request, conn *websocket.Conn) {
	defer conn.Close()

	ctx := r.Context()
	merged := make(chan bus.EventEnvelope, 32)

	for _, subject := range []string{s.subjects.Workflow, s.subjects.Review, s.subjects.Runner} {
		ch, cancel, err := s.bus.Subscribe(ctx, subject)
		if err != nil {
			s.log.Error("subscribing to bus", map[string]interface{}{
				"subject": subject, "error": err,
			})
			continue
		}
		defer cancel()
		go func() {
			for env := range ch {
				select {
				case merged <- env:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Reader goroutine only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case env := <-merged:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}
