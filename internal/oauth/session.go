package oauth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
)

// SessionCookie carries the signed local session.
const SessionCookie = "ptdatax_session"

const minSessionSecret = 32

// SessionClaims are the claims of a local session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
}

// Sessions issues and verifies HS256 session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions returns a session manager. The secret must be at least 32
// bytes.
func NewSessions(secret string, ttl time.Duration) (*Sessions, error) {
	if len(secret) < minSessionSecret {
		return nil, errs.Configuration("oauth.NewSessions", "SESSION_SECRET must be at least %d bytes", minSessionSecret)
	}
	if ttl <= 0 {
		return nil, errs.Configuration("oauth.NewSessions", "SESSION_TTL must be positive")
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a session for u.
func (s *Sessions) Issue(u *User) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		SessionID: uuid.NewString(),
		Username:  u.Username,
		Email:     u.Email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, expires, nil
}

// Verify checks signature and expiry of a session token.
func (s *Sessions) Verify(token string) (*SessionClaims, error) {
	const op = "oauth.VerifySession"
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errs.E(errs.KindAuthFailure, op, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, errs.Auth(op, "invalid session")
	}
	return claims, nil
}

// Cookie wraps a session token for the browser.
func (s *Sessions) Cookie(token string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie expires the session cookie.
func (s *Sessions) ClearCookie(secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
