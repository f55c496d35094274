package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"canopy/api/internal/auth"
	"canopy/api/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	cleanupTimeout = 10 * time.Second
)

// Verifier resolves the credential presented at upgrade time.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// WebsocketHandler authenticates, upgrades and pumps one connection per
// request through the Coordinator.
type WebsocketHandler struct {
	coord    *Coordinator
	verifier Verifier
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewWebsocketHandler(coord *Coordinator, verifier Verifier, allowedOrigin string, log *slog.Logger) *WebsocketHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebsocketHandler{
		coord:    coord,
		verifier: verifier,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
	}
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		h.log.Info("websocket authentication failed", "remote", r.RemoteAddr, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":  protocol.CodeAuthenticationFailed,
			"error": "invalid or missing credential",
		})
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "user_id", identity.UserID, "error", err)
		return
	}

	conn := h.coord.Connect(identity, func() { _ = ws.Close() })
	go h.writePump(ws, conn)
	reason := h.readPump(r.Context(), ws, conn)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), cleanupTimeout)
	defer cancel()
	h.coord.Disconnect(ctx, conn, reason)
}

func (h *WebsocketHandler) readPump(ctx context.Context, ws *websocket.Conn, conn *Conn) string {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "client closed"
			}
			if conn.isClosed() {
				return "server closed"
			}
			h.log.Debug("websocket read ended", "conn_id", conn.ID, "error", err)
			return "read error"
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		h.coord.Handle(ctx, conn, frame)
	}
}

func (h *WebsocketHandler) writePump(ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-conn.Send():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}
