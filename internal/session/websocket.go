package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/askstream/internal/domain"
	"github.com/ashureev/askstream/internal/identity"
	"github.com/coder/websocket"
)

// WebSocketHandler upgrades client connections and registers them as session transports.
type WebSocketHandler struct {
	router         *Router
	allowedOrigins []string
	queueSize      int
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(router *Router, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		router:         router,
		allowedOrigins: allowedOrigins,
		queueSize:      defaultQueueSize,
	}
}

// wsTransport adapts a websocket.Conn to Transport.
type wsTransport struct {
	conn      *websocket.Conn
	writer    *orderedWriter
	closeOnce sync.Once
	closeErr  error
}

func newWSTransport(conn *websocket.Conn, sessionID string, queueSize int) *wsTransport {
	t := &wsTransport{conn: conn}
	t.writer = newOrderedWriter(sessionID, queueSize, func(ctx context.Context, data []byte) error {
		return conn.Write(ctx, websocket.MessageText, data)
	}, nil)
	return t
}

func (t *wsTransport) Send(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return t.writer.Enqueue(ctx, data)
}

func (t *wsTransport) Close(reason string) error {
	t.closeOnce.Do(func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = t.writer.Flush(flushCtx)
		cancel()
		t.writer.Close()
		t.closeErr = t.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return t.closeErr
}

// wsMessage is an inbound client frame.
type wsMessage struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		sessionID = identity.NewSessionID()
	}
	slog.Info("WebSocket connection request", "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}

	t := newWSTransport(ws, sessionID, h.queueSize)
	defer func() {
		if closeErr := t.Close("session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.router.Register(sessionID, t)
	defer h.router.Unregister(sessionID, t)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// A failed write ends the session.
	go func() {
		select {
		case <-t.writer.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	connected := domain.Event{Name: domain.EventConnected, Data: map[string]string{"session_id": sessionID}}
	if err := t.Send(ctx, connected); err != nil {
		slog.Debug("Failed to send connected event", "error", err, "session_id", sessionID)
		return
	}

	h.inputLoop(ctx, ws, t, sessionID)
	slog.Info("WebSocket session ended", "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 || slices.Contains(h.allowedOrigins, "*") {
		return true
	}
	if slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, t *wsTransport, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "session_id", sessionID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Ignoring non-JSON client frame", "session_id", sessionID)
			continue
		}

		switch msg.Type {
		case "ping":
			if err := t.Send(ctx, domain.Event{Name: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		default:
			slog.Debug("Ignoring client frame", "session_id", sessionID, "type", msg.Type)
		}
	}
}
