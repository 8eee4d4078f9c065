package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/providentiaww/ptdatax-ingest/cmd/ingest-server/auth"
	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/oauth"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// FlowController is the OAuth2 flow as the handlers use it.
type FlowController interface {
	Authorize(ctx context.Context, clientID, redirectAfter, userID string) (string, error)
	Callback(ctx context.Context, req oauth.CallbackRequest) (*oauth.CallbackResult, error)
	Refresh(ctx context.Context, userID, clientID string) (*oauth.Token, error)
	Revoke(ctx context.Context, userID, clientID string) (bool, error)
	Status(ctx context.Context, userID string) ([]oauth.TokenStatus, error)
}

// OAuthHandler serves the Tapis OAuth2 endpoints.
type OAuthHandler struct {
	flow          FlowController
	sessions      *oauth.Sessions
	secureCookies bool
}

func NewOAuthHandler(flow FlowController, sessions *oauth.Sessions, secureCookies bool) *OAuthHandler {
	return &OAuthHandler{
		flow:          flow,
		sessions:      sessions,
		secureCookies: secureCookies,
	}
}

// HandleAuthorize handles GET /authorize/{client_id}
func (h *OAuthHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	var userID string
	if u, ok := auth.ExtractUserFromContext(r.Context()); ok {
		userID = u.UserID
	}

	target, err := h.flow.Authorize(r.Context(), r.PathValue("client_id"), r.URL.Query().Get("redirect_after"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// CallbackError reports a failed callback together with the phase it
// stopped in.
type CallbackError struct {
	ErrorResponse
	Phase oauth.Phase `json:"phase"`
}

// HandleCallback handles GET /callback
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.flow.Callback(r.Context(), oauth.CallbackRequest{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		kind := errs.KindOf(err)
		body := CallbackError{ErrorResponse: ErrorResponse{Error: err.Error(), Kind: kind.String()}}
		if res != nil {
			body.Phase = res.Phase
		}
		if kind == errs.KindUnknown {
			logging.Error("HTTP", err, "callback failed")
			body.Error = http.StatusText(http.StatusInternalServerError)
		}
		writeJSON(w, kind.HTTPStatus(), body)
		return
	}

	http.SetCookie(w, h.sessions.Cookie(res.Session, res.SessionExpires, h.secureCookies))
	http.Redirect(w, r, res.RedirectTo, http.StatusFound)
}

// TokenResponse describes a live token without exposing it.
type TokenResponse struct {
	ClientID  string    `json:"client_id"`
	Valid     bool      `json:"is_valid"`
	ExpiresAt time.Time `json:"expires_at"`
	Scope     string    `json:"scope"`
}

// HandleRefresh handles POST /refresh/{client_id}
func (h *OAuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	tok, err := h.flow.Refresh(r.Context(), user.UserID, r.PathValue("client_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{
		ClientID:  tok.ClientID,
		Valid:     true,
		ExpiresAt: tok.ExpiresAt,
		Scope:     tok.Scope,
	})
}

// StatusResponse lists the caller's Tapis connections.
type StatusResponse struct {
	UserID   string              `json:"user_id"`
	Username string              `json:"username"`
	Tokens   []oauth.TokenStatus `json:"tokens"`
}

// HandleStatus handles GET /status
func (h *OAuthHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	tokens, err := h.flow.Status(r.Context(), user.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{UserID: user.UserID, Username: user.Username, Tokens: tokens})
}

// HandleRevoke handles POST /revoke/{client_id}
func (h *OAuthHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	clientID := r.PathValue("client_id")
	revoked, err := h.flow.Revoke(r.Context(), user.UserID, clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"client_id": clientID, "revoked": revoked})
}

// HandleLogout handles POST /logout
func (h *OAuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.sessions.ClearCookie(h.secureCookies))
	w.WriteHeader(http.StatusNoContent)
}
