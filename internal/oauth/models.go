package oauth

import (
	"time"

	"golang.org/x/oauth2"

	"github.com/providentiaww/ptdatax-ingest/internal/tapis"
)

// Client is a registered Tapis OAuth2 client.
type Client struct {
	ClientID         string    `json:"client_id"`
	ClientSecret     string    `json:"-"`
	Name             string    `json:"client_name"`
	TenantID         string    `json:"tenant_id"`
	BaseURL          string    `json:"base_url"`
	CallbackURL      string    `json:"callback_url"`
	AuthorizationURL string    `json:"authorization_url,omitempty"`
	TokenURL         string    `json:"token_url,omitempty"`
	Active           bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Endpoint returns the tenant the client belongs to.
func (c *Client) Endpoint() tapis.Endpoint {
	return tapis.Endpoint{BaseURL: c.BaseURL, TenantID: c.TenantID}
}

// AuthURL is the authorize endpoint, derived from the base URL when unset.
func (c *Client) AuthURL() string {
	if c.AuthorizationURL != "" {
		return c.AuthorizationURL
	}
	return c.Endpoint().AuthorizationURL()
}

// TokenEndpoint is the token endpoint, derived from the base URL when unset.
func (c *Client) TokenEndpoint() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return c.Endpoint().TokenURL()
}

// Credentials returns what the token endpoint needs for this client.
func (c *Client) Credentials() tapis.Credentials {
	return tapis.Credentials{
		Endpoint:     c.Endpoint(),
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURI:  c.CallbackURL,
		TokenURL:     c.TokenEndpoint(),
	}
}

// OAuth2Config describes the client in x/oauth2 terms.
func (c *Client) OAuth2Config(scope string) *oauth2.Config {
	var scopes []string
	if scope != "" {
		scopes = []string{scope}
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.CallbackURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL(),
			TokenURL: c.TokenEndpoint(),
		},
	}
}

// Token is the stored token pair for one (user, client).
type Token struct {
	UserID           string
	ClientID         string
	AccessToken      string
	RefreshToken     string
	TokenType        string
	Scope            string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expired reports whether the access token is no longer usable at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// OAuth2 returns the access token for request signing.
func (t *Token) OAuth2() *oauth2.Token {
	typ := t.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return &oauth2.Token{AccessToken: t.AccessToken, TokenType: typ, RefreshToken: t.RefreshToken, Expiry: t.ExpiresAt}
}

// State is a single-use CSRF value issued by Authorize.
type State struct {
	Value         string    `json:"state"`
	ClientID      string    `json:"client_id"`
	RedirectAfter string    `json:"redirect_after"`
	UserID        string    `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the state can no longer be consumed at now.
func (s *State) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// User is a local account provisioned from Tapis identity claims.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Identity is the user information read from an access token.
type Identity struct {
	Username    string
	Email       string
	FirstName   string
	LastName    string
	DisplayName string
}

// Phase is a step of one authentication attempt.
type Phase string

const (
	PhaseInitiated           Phase = "INITIATED"
	PhaseAwaitingCallback    Phase = "AWAITING_CALLBACK"
	PhaseCodeReceived        Phase = "CODE_RECEIVED"
	PhaseTokenExchanged      Phase = "TOKEN_EXCHANGED"
	PhaseAuthenticated       Phase = "AUTHENTICATED"
	PhaseStateInvalid        Phase = "STATE_INVALID"
	PhaseExchangeFailed      Phase = "EXCHANGE_FAILED"
	PhaseUserProvisionFailed Phase = "USER_PROVISION_FAILED"
)

// Failed reports whether p is a terminal failure.
func (p Phase) Failed() bool {
	switch p {
	case PhaseStateInvalid, PhaseExchangeFailed, PhaseUserProvisionFailed:
		return true
	}
	return false
}
