package auth

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// Operator guards the admin endpoints with a static Bearer token whose
// bcrypt hash is configured in OPERATOR_TOKEN_HASH.
type Operator struct {
	hash []byte
}

// NewOperator returns a guard for hash. An empty hash disables the admin
// endpoints.
func NewOperator(hash string) *Operator {
	return &Operator{hash: []byte(hash)}
}

// Enabled reports whether an operator token is configured.
func (o *Operator) Enabled() bool {
	return len(o.hash) > 0
}

// Check reports whether token matches the configured hash.
func (o *Operator) Check(token string) bool {
	if !o.Enabled() || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(o.hash, []byte(token)) == nil
}

func (o *Operator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !o.Enabled() {
			http.Error(w, "Forbidden: operator endpoints are disabled", http.StatusForbidden)
			return
		}
		if !o.Check(ExtractTokenFromHeader(r)) {
			logging.Warn("Auth", "rejected operator request %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			http.Error(w, "Unauthorized: invalid operator token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (o *Operator) HandlerFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o.Handler(next).ServeHTTP(w, r)
	}
}
