// Package session routes events to live client push transports by session id.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/ashureev/askstream/internal/domain"
)

// ErrTransportClosed is returned when sending on a transport that has shut down.
var ErrTransportClosed = errors.New("transport closed")

// Transport is a live push connection to one client.
type Transport interface {
	// Send queues ev for delivery. Events sent on one transport arrive in order.
	Send(ctx context.Context, ev domain.Event) error
	// Close terminates the connection.
	Close(reason string) error
}

// Relay forwards events for sessions held by another instance.
type Relay interface {
	Publish(ctx context.Context, sessionID string, ev domain.Event) error
}

// Router maps session ids to their registered transport.
type Router struct {
	mu     sync.RWMutex
	active map[string]Transport
	relay  Relay
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		active: make(map[string]Transport),
	}
}

// SetRelay enables cross-instance delivery for sessions not registered locally.
func (r *Router) SetRelay(relay Relay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relay = relay
}

// Get returns the transport registered for sessionID, or nil.
func (r *Router) Get(sessionID string) Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[sessionID]
}

// Register binds t to sessionID. A transport already registered under the
// same id is closed and replaced.
func (r *Router) Register(sessionID string, t Transport) {
	r.mu.Lock()
	existing, exists := r.active[sessionID]
	r.active[sessionID] = t
	r.mu.Unlock()

	if exists && existing != t {
		if err := existing.Close("session replaced"); err != nil {
			slog.Debug("Failed to close replaced transport", "session_id", sessionID, "error", err)
		}
	}
	slog.Info("Session registered", "session_id", sessionID)
}

// Unregister removes t if it is still the transport registered for sessionID.
func (r *Router) Unregister(sessionID string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.active[sessionID]; exists && current == t {
		delete(r.active, sessionID)
		slog.Info("Session unregistered", "session_id", sessionID)
	}
}

// Send delivers ev to the transport registered for sessionID. A missing
// session is not an error: the event is relayed when a relay is configured,
// otherwise it is dropped and logged.
func (r *Router) Send(ctx context.Context, sessionID string, ev domain.Event) {
	if sessionID == "" {
		slog.Debug("Event without session dropped", "event", ev.Name)
		return
	}

	r.mu.RLock()
	t := r.active[sessionID]
	relay := r.relay
	r.mu.RUnlock()

	if t == nil {
		if relay != nil {
			if err := relay.Publish(ctx, sessionID, ev); err != nil {
				slog.Warn("Failed to relay event", "session_id", sessionID, "event", ev.Name, "error", err)
			}
			return
		}
		slog.Debug("No transport for session, event dropped", "session_id", sessionID, "event", ev.Name)
		return
	}

	if err := t.Send(ctx, ev); err != nil {
		slog.Warn("Failed to send event", "session_id", sessionID, "event", ev.Name, "error", err)
	}
}

// DeliverLocal sends ev only if sessionID is registered on this instance.
// It never relays.
func (r *Router) DeliverLocal(ctx context.Context, sessionID string, ev domain.Event) bool {
	t := r.Get(sessionID)
	if t == nil {
		return false
	}
	if err := t.Send(ctx, ev); err != nil {
		slog.Warn("Failed to deliver relayed event", "session_id", sessionID, "event", ev.Name, "error", err)
	}
	return true
}

// Sessions returns the ids of locally registered sessions, sorted.
func (r *Router) Sessions() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// CloseAll terminates every registered transport.
func (r *Router) CloseAll(reason string) {
	r.mu.Lock()
	transports := r.active
	r.active = make(map[string]Transport)
	r.mu.Unlock()

	for sid, t := range transports {
		if err := t.Close(reason); err != nil {
			slog.Debug("Failed to close transport", "session_id", sid, "error", err)
		}
		slog.Info("Session closed", "session_id", sid)
	}
}
