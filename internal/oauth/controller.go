package oauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/metrics"
	"github.com/providentiaww/ptdatax-ingest/internal/tapis"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

const (
	DefaultScope    = "openid profile"
	DefaultStateTTL = 10 * time.Minute
	DefaultRedirect = "/dashboard/"

	// fallbackTokenLifetime applies when neither the token response nor the
	// JWT reports an expiry.
	fallbackTokenLifetime = time.Hour
)

// TokenClient is the part of the Tapis client the flow needs.
type TokenClient interface {
	ExchangeCode(ctx context.Context, cred tapis.Credentials, code string) (*tapis.TokenSet, error)
	Refresh(ctx context.Context, cred tapis.Credentials, refreshToken string) (*tapis.TokenSet, error)
	Revoke(ctx context.Context, cred tapis.Credentials, token string) error
}

// LoginHook runs after a successful callback, detached from the request.
type LoginHook func(ctx context.Context, user *User, client *Client)

// Controller drives the authorization code flow against Tapis.
type Controller struct {
	store           *Store
	tokens          TokenClient
	sessions        *Sessions
	scope           string
	stateTTL        time.Duration
	defaultRedirect string
	onLogin         LoginHook
	refreshes       singleflight.Group
	now             func() time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

func WithScope(scope string) ControllerOption {
	return func(c *Controller) { c.scope = scope }
}

func WithStateTTL(ttl time.Duration) ControllerOption {
	return func(c *Controller) {
		if ttl > 0 {
			c.stateTTL = ttl
		}
	}
}

func WithDefaultRedirect(path string) ControllerOption {
	return func(c *Controller) {
		if path != "" {
			c.defaultRedirect = path
		}
	}
}

// WithLoginHook registers fn to run after each successful login.
func WithLoginHook(fn LoginHook) ControllerOption {
	return func(c *Controller) { c.onLogin = fn }
}

func NewController(store *Store, tokens TokenClient, sessions *Sessions, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:           store,
		tokens:          tokens,
		sessions:        sessions,
		scope:           DefaultScope,
		stateTTL:        DefaultStateTTL,
		defaultRedirect: DefaultRedirect,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetLoginHook replaces the login hook. It must be called before the
// controller serves requests.
func (c *Controller) SetLoginHook(fn LoginHook) { c.onLogin = fn }

// Store exposes the underlying state store.
func (c *Controller) Store() *Store { return c.store }

// Authorize creates a state for clientID and returns the URL to send the
// browser to. Unknown or inactive clients fail before any state exists.
func (c *Controller) Authorize(ctx context.Context, clientID, redirectAfter, userID string) (string, error) {
	client, err := c.store.GetActiveClient(ctx, clientID)
	if err != nil {
		return "", err
	}
	st, err := c.store.CreateState(ctx, client.ClientID, c.safeRedirect(redirectAfter), userID, c.stateTTL)
	if err != nil {
		return "", err
	}
	logging.Debug("OAuth", "authorize client=%s state=%s", client.ClientID, logging.Redact(st.Value))
	return client.OAuth2Config(c.scope).AuthCodeURL(st.Value), nil
}

// safeRedirect only allows same-origin absolute paths.
func (c *Controller) safeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.Contains(target, `\`) {
		return c.defaultRedirect
	}
	return target
}

// CallbackRequest holds the query parameters of the redirect back from the
// authorization server.
type CallbackRequest struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult is the outcome of one callback. Phase is set on success
// and on failure.
type CallbackResult struct {
	Phase          Phase
	User           *User
	Client         *Client
	RedirectTo     string
	Session        string
	SessionExpires time.Time
}

// Callback completes an authentication attempt. The state is consumed
// exactly once; a replay fails with STATE_INVALID. No session is created
// unless the final phase is AUTHENTICATED.
func (c *Controller) Callback(ctx context.Context, req CallbackRequest) (res *CallbackResult, err error) {
	const op = "oauth.Callback"
	res = &CallbackResult{Phase: PhaseCodeReceived}
	defer func() {
		metrics.OAuthCallbacks.WithLabelValues(string(res.Phase)).Inc()
		if err != nil {
			logging.Warn("OAuth", "callback failed in phase %s: %v", res.Phase, err)
		}
	}()

	st, err := c.store.ConsumeState(ctx, req.State)
	if err != nil {
		res.Phase = PhaseStateInvalid
		return res, err
	}
	res.RedirectTo = st.RedirectAfter
	if res.RedirectTo == "" {
		res.RedirectTo = c.defaultRedirect
	}

	if req.Error != "" {
		res.Phase = PhaseExchangeFailed
		msg := req.Error
		if req.ErrorDescription != "" {
			msg += ": " + req.ErrorDescription
		}
		return res, errs.Auth(op, "authorization server returned %s", msg)
	}
	if req.Code == "" {
		res.Phase = PhaseExchangeFailed
		return res, errs.Auth(op, "missing authorization code")
	}

	client, err := c.store.GetClient(ctx, st.ClientID)
	if err != nil {
		res.Phase = PhaseExchangeFailed
		return res, errs.E(errs.KindAuthFailure, op, err)
	}
	res.Client = client

	ts, err := c.tokens.ExchangeCode(ctx, client.Credentials(), req.Code)
	if err != nil {
		res.Phase = PhaseExchangeFailed
		return res, asAuth(op, err)
	}
	res.Phase = PhaseTokenExchanged

	id, jwtExp, err := identityFromToken(ts.AccessToken)
	if err != nil {
		res.Phase = PhaseUserProvisionFailed
		return res, errs.E(errs.KindAuthFailure, op, err)
	}
	tok := c.tokenFromSet("", client.ClientID, ts, jwtExp)
	if tok.Expired(c.now()) {
		res.Phase = PhaseExchangeFailed
		return res, errs.Auth(op, "token endpoint returned an expired token")
	}

	user, err := c.store.UpsertUser(ctx, id)
	if err != nil {
		res.Phase = PhaseUserProvisionFailed
		return res, err
	}
	tok.UserID = user.ID
	if err := c.store.SaveToken(ctx, tok); err != nil {
		res.Phase = PhaseUserProvisionFailed
		return res, err
	}
	session, expires, err := c.sessions.Issue(user)
	if err != nil {
		res.Phase = PhaseUserProvisionFailed
		return res, err
	}

	res.Phase = PhaseAuthenticated
	res.User = user
	res.Session = session
	res.SessionExpires = expires
	logging.Info("OAuth", "user %s authenticated via client %s", user.Username, client.ClientID)

	if c.onLogin != nil {
		go c.onLogin(context.WithoutCancel(ctx), user, client)
	}
	return res, nil
}

// asAuth reports an exchange failure as an authentication error while
// keeping the upstream message.
func asAuth(op string, err error) error {
	if errs.Is(err, errs.KindAuthFailure) {
		return err
	}
	return errs.E(errs.KindAuthFailure, op, err)
}

func (c *Controller) tokenFromSet(userID, clientID string, ts *tapis.TokenSet, jwtExp time.Time) *Token {
	expires := ts.ExpiresAt
	if expires.IsZero() {
		expires = jwtExp
	}
	if expires.IsZero() {
		expires = c.now().Add(fallbackTokenLifetime).UTC()
	}
	return &Token{
		UserID:           userID,
		ClientID:         clientID,
		AccessToken:      ts.AccessToken,
		RefreshToken:     ts.RefreshToken,
		TokenType:        ts.TokenType,
		Scope:            ts.Scope,
		ExpiresAt:        expires,
		RefreshExpiresAt: ts.RefreshExpiresAt,
	}
}

// Refresh renews the stored token for (user, client) when it has expired
// and returns the live token. A rejected refresh token deletes the stored
// token. Concurrent refreshes of the same pair share one upstream call.
func (c *Controller) Refresh(ctx context.Context, userID, clientID string) (*Token, error) {
	key := userID + "\x00" + clientID
	v, err, _ := c.refreshes.Do(key, func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx), userID, clientID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

func (c *Controller) refresh(ctx context.Context, userID, clientID string) (*Token, error) {
	const op = "oauth.Refresh"
	tok, err := c.store.GetToken(ctx, userID, clientID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if !tok.Expired(now) {
		return tok, nil
	}

	if tok.RefreshToken == "" || (!tok.RefreshExpiresAt.IsZero() && !now.Before(tok.RefreshExpiresAt)) {
		c.dropToken(ctx, tok)
		return nil, errs.Auth(op, "token for client %s expired and cannot be refreshed, authorize again", clientID)
	}

	client, err := c.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	ts, err := c.tokens.Refresh(ctx, client.Credentials(), tok.RefreshToken)
	if errs.Is(err, errs.KindAuthFailure) {
		c.dropToken(ctx, tok)
		return nil, errs.E(errs.KindAuthFailure, op, fmt.Errorf("refresh rejected, authorize again: %w", err))
	}
	if err != nil {
		return nil, err
	}

	var jwtExp time.Time
	if _, exp, perr := identityFromToken(ts.AccessToken); perr == nil {
		jwtExp = exp
	}
	next := c.tokenFromSet(userID, clientID, ts, jwtExp)
	if next.RefreshToken == "" {
		next.RefreshToken = tok.RefreshToken
		next.RefreshExpiresAt = tok.RefreshExpiresAt
	}
	if err := c.store.SaveToken(ctx, next); err != nil {
		return nil, err
	}
	logging.Info("OAuth", "refreshed token for user %s client %s", userID, clientID)
	return next, nil
}

func (c *Controller) dropToken(ctx context.Context, tok *Token) {
	if _, err := c.store.DeleteToken(ctx, tok.UserID, tok.ClientID); err != nil {
		logging.Error("OAuth", err, "failed to delete stale token for user %s", tok.UserID)
	}
}

// ValidToken returns a usable token, refreshing it if needed. A missing
// token is an auth failure.
func (c *Controller) ValidToken(ctx context.Context, userID, clientID string) (*Token, error) {
	tok, err := c.Refresh(ctx, userID, clientID)
	if errs.Is(err, errs.KindNotFound) {
		return nil, errs.E(errs.KindAuthFailure, "oauth.ValidToken", err)
	}
	return tok, err
}

// Revoke deletes the stored token and notifies the authorization server on
// a best-effort basis. Revoking an absent token succeeds; the result
// reports whether one existed.
func (c *Controller) Revoke(ctx context.Context, userID, clientID string) (bool, error) {
	tok, err := c.store.GetToken(ctx, userID, clientID)
	if errs.Is(err, errs.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if client, cerr := c.store.GetClient(ctx, clientID); cerr == nil {
		if rerr := c.tokens.Revoke(ctx, client.Credentials(), tok.AccessToken); rerr != nil {
			logging.Warn("OAuth", "remote revoke for client %s failed: %v", clientID, rerr)
		}
	}
	return c.store.DeleteToken(ctx, userID, clientID)
}

// TokenStatus describes a stored token without exposing it.
type TokenStatus struct {
	ClientID   string    `json:"client_id"`
	ClientName string    `json:"client_name"`
	TenantID   string    `json:"tenant_id"`
	Valid      bool      `json:"is_valid"`
	ExpiresAt  time.Time `json:"expires_at"`
	Scope      string    `json:"scope"`
}

// Status lists the caller's tokens and whether each is currently live.
func (c *Controller) Status(ctx context.Context, userID string) ([]TokenStatus, error) {
	tokens, err := c.store.ListTokensForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	out := make([]TokenStatus, 0, len(tokens))
	for _, t := range tokens {
		st := TokenStatus{
			ClientID:  t.ClientID,
			Valid:     !t.Expired(now),
			ExpiresAt: t.ExpiresAt,
			Scope:     t.Scope,
		}
		if client, err := c.store.GetClient(ctx, t.ClientID); err == nil {
			st.ClientName = client.Name
			st.TenantID = client.TenantID
		}
		out = append(out, st)
	}
	return out, nil
}
