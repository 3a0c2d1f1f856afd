package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const eventWriteTimeout = 5 * time.Second

// events streams bus events as JSON text frames until the client goes
// away. ?prefix= filters by event kind and ?session= by session id.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	sessionID := r.URL.Query().Get("session")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "stream ended") }()

	ch, unsub := h.bus.Subscribe(prefix, 64)
	defer unsub()

	// Nothing is read from the client; CloseRead handles its close frame.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			if sessionID != "" && evt.Session != sessionID {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, conn, evt)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}
