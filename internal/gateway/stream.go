package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// handleWS streams feed events to the client until it disconnects. The
// optional topic query parameter restricts the stream to a topic prefix.
// Clients only read; anything they send is discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("ws: accept failed", "error", err)
		return
	}
	topic := r.URL.Query().Get("topic")
	sub := s.cfg.Events.Subscribe(topic)
	defer s.cfg.Events.Unsubscribe(sub)

	// CloseRead reads and discards client frames; the returned context ends
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: client connected", "topic", topic, "principal", PrincipalFromContext(r.Context()))
	defer s.logger.Info("ws: client disconnected", "topic", topic)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case <-s.closing:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed, closing", "error", err)
				_ = conn.Close(websocket.StatusPolicyViolation, "write failed")
				return
			}
		}
	}
}
