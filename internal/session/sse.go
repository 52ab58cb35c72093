package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/askstream/internal/domain"
	"github.com/ashureev/askstream/internal/identity"
	"github.com/go-chi/chi/v5"
)

const (
	defaultKeepalive  = 10 * time.Second
	defaultRetryDelay = 5 * time.Second
)

// SSEHandler serves session events as a Server-Sent Events stream.
type SSEHandler struct {
	router    *Router
	keepalive time.Duration
	queueSize int
}

// NewSSEHandler creates an SSE handler. A non-positive keepalive uses the default.
func NewSSEHandler(router *Router, keepalive time.Duration) *SSEHandler {
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	return &SSEHandler{
		router:    router,
		keepalive: keepalive,
		queueSize: defaultQueueSize,
	}
}

// sseTransport writes events to one open SSE response.
type sseTransport struct {
	reqCtx    context.Context
	w         http.ResponseWriter
	flusher   http.Flusher
	mu        sync.Mutex // guards w and stopped between the writer goroutine and keepalives
	stopped   bool       // set once the handler may return; w must not be touched after
	writer    *orderedWriter
	eventID   atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once
}

func newSSETransport(reqCtx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string, queueSize int) *sseTransport {
	t := &sseTransport{
		reqCtx:  reqCtx,
		w:       w,
		flusher: flusher,
		closed:  make(chan struct{}),
	}
	t.writer = newOrderedWriter(sessionID, queueSize, t.writeFrame, nil)
	return t
}

func (t *sseTransport) writeFrame(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrTransportClosed
	}
	if err := t.reqCtx.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.w.Write(frame); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *sseTransport) Send(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	id := t.eventID.Add(1)
	frame := fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", id, ev.Name, data)
	return t.writer.Enqueue(ctx, []byte(frame))
}

func (t *sseTransport) Close(string) error {
	t.closeOnce.Do(func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = t.writer.Flush(flushCtx)
		cancel()
		t.writer.Close()
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

// ServeHTTP handles GET /api/sessions/{sessionID}/events.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		sessionID = identity.SessionIDFromContext(r.Context())
	}
	if !identity.ValidSessionID(sessionID) {
		http.Error(w, `{"error": "invalid session id"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", defaultRetryDelay.Milliseconds())); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "session_id", sessionID)
		return
	}
	flusher.Flush()

	t := newSSETransport(r.Context(), w, flusher, sessionID, h.queueSize)
	defer func() {
		_ = t.Close("stream ended")
	}()

	h.router.Register(sessionID, t)
	defer h.router.Unregister(sessionID, t)

	ctx := r.Context()
	connected := domain.Event{Name: domain.EventConnected, Data: map[string]string{"session_id": sessionID}}
	if err := t.Send(ctx, connected); err != nil {
		slog.Warn("failed to queue SSE connected event", "error", err, "session_id", sessionID)
		return
	}
	slog.Info("SSE connection established", "session_id", sessionID)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("SSE client disconnected", "session_id", sessionID)
			return
		case <-t.closed:
			slog.Info("SSE stream closed", "session_id", sessionID)
			return
		case <-t.writer.Done():
			slog.Info("SSE writer stopped", "session_id", sessionID)
			return
		case <-keepalive.C:
			if err := t.writeFrame(ctx, []byte("event: ping\ndata: {\"status\":\"alive\"}\n\n")); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "session_id", sessionID)
				return
			}
		}
	}
}
