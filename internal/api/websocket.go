package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	controlEventBuffer = 64
	wsWriteTimeout     = 5 * time.Second
)

// handleControlEvents streams lock, limit and trade events to a websocket
// client until either side goes away.
func (s *Server) handleControlEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so no event is missed.
	id, events := s.controls.Subscribe(controlEventBuffer)
	defer s.controls.Unsubscribe(id)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead cancels ctx when they disconnect.
	ctx := conn.CloseRead(r.Context())
	s.log.Info("control event subscriber connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("control event subscriber gone", "remote", r.RemoteAddr)
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.log.Warn("writing control event", "error", err)
				return
			}
		}
	}
}
