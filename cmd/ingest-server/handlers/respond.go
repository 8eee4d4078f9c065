// Package handlers implements the HTTP endpoints of the ingestion server.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/providentiaww/ptdatax-ingest/cmd/ingest-server/auth"
	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("HTTP", err, "failed to encode response")
	}
}

// writeError maps err's kind onto a status code. Unclassified errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := kind.HTTPStatus()
	msg := err.Error()
	if kind == errs.KindUnknown || kind == errs.KindConfiguration {
		logging.Error("HTTP", err, "request failed")
		msg = http.StatusText(status)
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind.String()})
}

// decodeBody decodes an optional JSON body into dest. An empty body leaves
// dest untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dest any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return errs.Validation("handlers.decodeBody", "invalid request body: %v", err)
	}
	return nil
}

// currentUser writes a 401 and returns false when the request carries no
// session.
func currentUser(w http.ResponseWriter, r *http.Request) (*auth.UserContext, bool) {
	u, ok := auth.ExtractUserFromContext(r.Context())
	if !ok {
		writeError(w, errs.Auth("handlers", "login required"))
	}
	return u, ok
}
