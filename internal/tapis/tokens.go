package tapis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
)

// Credentials are the registered client details used against the token
// endpoint.
type Credentials struct {
	Endpoint
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// TokenURL overrides Endpoint.TokenURL when set.
	TokenURL string
}

func (c Credentials) tokenURL() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return c.Endpoint.TokenURL()
}

// TokenSet is a token grant with absolute expiry times. A zero ExpiresAt
// means the server did not report a lifetime.
type TokenSet struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	Scope            string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

// OAuth2 returns the access token in x/oauth2 form for request signing.
func (t *TokenSet) OAuth2() *oauth2.Token {
	typ := t.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return &oauth2.Token{AccessToken: t.AccessToken, TokenType: typ, RefreshToken: t.RefreshToken, Expiry: t.ExpiresAt}
}

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, cred Credentials, code string) (*TokenSet, error) {
	const op = "tapis.ExchangeCode"
	if code == "" {
		return nil, errs.Validation(op, "authorization code is required")
	}
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {cred.ClientID},
		"client_secret": {cred.ClientSecret},
		"redirect_uri":  {cred.RedirectURI},
	}
	return c.tokenRequest(ctx, op, cred, form)
}

// Refresh obtains a new token set with a refresh token. A rejected refresh
// token yields an auth failure.
func (c *Client) Refresh(ctx context.Context, cred Credentials, refreshToken string) (*TokenSet, error) {
	const op = "tapis.Refresh"
	if refreshToken == "" {
		return nil, errs.Auth(op, "no refresh token available")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {cred.ClientID},
		"client_secret": {cred.ClientSecret},
	}
	return c.tokenRequest(ctx, op, cred, form)
}

// Revoke asks the server to revoke a token. Callers treat failures as
// advisory.
func (c *Client) Revoke(ctx context.Context, cred Credentials, token string) error {
	const op = "tapis.Revoke"
	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, cred.tokenURL()+"/revoke", bytes.NewReader(body))
	if err != nil {
		return errs.E(errs.KindValidation, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantHeader, cred.TenantID)
	req.SetBasicAuth(cred.ClientID, cred.ClientSecret)

	resp, err := c.do(ctx, op, req)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return classify(op, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) tokenRequest(ctx context.Context, op string, cred Credentials, form url.Values) (*TokenSet, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, cred.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errs.E(errs.KindValidation, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(TenantHeader, cred.TenantID)

	resp, err := c.send(ctx, c.tokens, op, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		err := classify(op, resp)
		// the token endpoint answers a bad code or refresh token with 400
		var e *errs.Error
		if errors.As(err, &e) && e.Kind != errs.KindTransientRemote {
			e.Kind = errs.KindAuthFailure
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.E(errs.KindTransientRemote, op, err)
	}
	ts, err := parseTokenResponse(raw, c.now())
	if err != nil {
		return nil, errs.E(errs.KindAuthFailure, op, err)
	}
	return ts, nil
}

// tokenField accepts either a bare token string or a Tapis token object.
type tokenField struct {
	Value     string
	ExpiresIn int64
	ExpiresAt string
}

func (f *tokenField) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &f.Value)
	}
	var obj struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		ExpiresAt    string `json:"expires_at"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	f.Value = obj.AccessToken
	if f.Value == "" {
		f.Value = obj.RefreshToken
	}
	f.ExpiresIn = obj.ExpiresIn
	f.ExpiresAt = obj.ExpiresAt
	return nil
}

func (f tokenField) expiry(now time.Time) time.Time {
	if f.ExpiresIn > 0 {
		return now.Add(time.Duration(f.ExpiresIn) * time.Second).UTC()
	}
	if f.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, f.ExpiresAt); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

type tokenPayload struct {
	AccessToken  tokenField `json:"access_token"`
	RefreshToken tokenField `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	Scope        string     `json:"scope"`
	ExpiresIn    int64      `json:"expires_in"`
}

// parseTokenResponse accepts the Tapis envelope as well as a flat OAuth2
// token response.
func parseTokenResponse(raw []byte, now time.Time) (*TokenSet, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if env.Status != "" && env.Status != "success" {
		return nil, fmt.Errorf("token request failed: %s", env.Message)
	}
	body := raw
	if len(env.Result) > 0 && string(env.Result) != "null" {
		body = env.Result
	}

	var p tokenPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode token payload: %w", err)
	}
	if p.AccessToken.Value == "" {
		return nil, fmt.Errorf("token response has no access token")
	}
	if p.AccessToken.ExpiresIn == 0 && p.ExpiresIn > 0 {
		p.AccessToken.ExpiresIn = p.ExpiresIn
	}
	return &TokenSet{
		AccessToken:      p.AccessToken.Value,
		RefreshToken:     p.RefreshToken.Value,
		TokenType:        p.TokenType,
		Scope:            p.Scope,
		ExpiresAt:        p.AccessToken.expiry(now),
		RefreshExpiresAt: p.RefreshToken.expiry(now),
	}, nil
}
