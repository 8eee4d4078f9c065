package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/providentiaww/ptdatax-ingest/internal/oauth"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

type contextKey string

const (
	UserContextKey contextKey = "user"
)

// UserContext represents the authenticated local user.
type UserContext struct {
	UserID    string
	Username  string
	Email     string
	SessionID string
}

// SessionVerifier checks local session tokens.
type SessionVerifier interface {
	Verify(token string) (*oauth.SessionClaims, error)
}

// Middleware resolves the session cookie (or a Bearer session token) into a
// UserContext.
type Middleware struct {
	sessions SessionVerifier
	optional bool
}

func NewMiddleware(sessions SessionVerifier, optional bool) *Middleware {
	return &Middleware{
		sessions: sessions,
		optional: optional,
	}
}

// RequireSession rejects requests without a valid session.
func RequireSession(sessions SessionVerifier) *Middleware {
	return NewMiddleware(sessions, false)
}

// OptionalSession attaches the user when a valid session is present and
// lets anonymous requests through.
func OptionalSession(sessions SessionVerifier) *Middleware {
	return NewMiddleware(sessions, true)
}

// Handler wraps an HTTP handler with session authentication
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS preflight
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractSessionToken(r)
		if token == "" {
			if !m.optional {
				http.Error(w, "Unauthorized: missing session", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.sessions.Verify(token)
		if err != nil {
			logging.Debug("Auth", "session rejected: %v", err)
			if !m.optional {
				http.Error(w, "Unauthorized: invalid or expired session", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		userCtx := &UserContext{
			UserID:    claims.Subject,
			Username:  claims.Username,
			Email:     claims.Email,
			SessionID: claims.SessionID,
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userCtx)))
	})
}

func (m *Middleware) HandlerFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.Handler(next).ServeHTTP(w, r)
	}
}

// WithUser returns a context carrying u.
func WithUser(ctx context.Context, u *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, u)
}

// ExtractUserFromContext extracts user context from request context
func ExtractUserFromContext(ctx context.Context) (*UserContext, bool) {
	user, ok := ctx.Value(UserContextKey).(*UserContext)
	return user, ok && user != nil
}

// ExtractSessionToken reads the session cookie, falling back to the
// Authorization header for API clients.
func ExtractSessionToken(r *http.Request) string {
	if c, err := r.Cookie(oauth.SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return ExtractTokenFromHeader(r)
}

// ExtractTokenFromHeader extracts a Bearer token from the Authorization header
func ExtractTokenFromHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	// Expected format: "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
