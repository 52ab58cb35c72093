// Package identity resolves the push-session identifier of an incoming request.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// SessionHeaderName carries a client-chosen session id.
	SessionHeaderName = "X-Session-ID"
	// SessionQueryParam is the query fallback for clients that cannot set headers (EventSource, browsers' WebSocket).
	SessionQueryParam = "session_id"
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	generatedKey
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// GeneratedFromContext reports whether the session ID was minted by the server
// because the client supplied none (or an invalid one).
func GeneratedFromContext(ctx context.Context) bool {
	v, _ := ctx.Value(generatedKey).(bool)
	return v
}

// WithSessionID returns a context carrying sessionID.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// ValidSessionID reports whether id is an acceptable session identifier.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// NewSessionID mints a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !ValidSessionID(id) {
		return ""
	}
	return id
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get(SessionQueryParam)
	}
	return sanitizeSessionID(sid)
}

// Middleware injects the per-request session ID, generating one when absent.
// The resolved ID is echoed in the response header.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := sessionIDFromRequest(r)
			generated := false
			if sessionID == "" {
				sessionID = NewSessionID()
				generated = true
			}

			w.Header().Set(SessionHeaderName, sessionID)
			ctx := WithSessionID(r.Context(), sessionID)
			ctx = context.WithValue(ctx, generatedKey, generated)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
