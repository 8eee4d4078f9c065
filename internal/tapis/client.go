// Package tapis talks to the Tapis v3 authorization server and files API.
//
// Every request carries X-Tapis-Tenant and runs under a finite per-attempt
// timeout. Reads are retried a bounded number of times on connection errors
// and 5xx responses; token grants carry single-use codes and are only
// retried when the connection was never established. Failures are classified into the errs taxonomy before they
// leave this package.
package tapis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

const (
	// DefaultHTTPTimeout bounds a single request attempt.
	DefaultHTTPTimeout = 30 * time.Second

	DefaultMaxRetries = 3

	TenantHeader = "X-Tapis-Tenant"
)

// Endpoint identifies one Tapis tenant.
type Endpoint struct {
	BaseURL  string
	TenantID string
}

// URL joins the base URL with an API path.
func (e Endpoint) URL(path string) string {
	return strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// AuthorizationURL is the default authorize endpoint for the tenant.
func (e Endpoint) AuthorizationURL() string { return e.URL("v3/oauth2/authorize") }

// TokenURL is the default token endpoint for the tenant.
func (e Endpoint) TokenURL() string { return e.URL("v3/oauth2/tokens") }

// Client is safe for concurrent use.
type Client struct {
	http    *retryablehttp.Client
	// tokens sends grants to the token endpoint.
	tokens  *retryablehttp.Client
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-attempt timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRetries sets how often a transient failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.http.RetryMax = n
		}
	}
}

// WithRetryWait bounds the backoff between retries.
func WithRetryWait(min, max time.Duration) Option {
	return func(c *Client) {
		c.http.RetryWaitMin = min
		c.http.RetryWaitMax = max
	}
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = DefaultMaxRetries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = retryLogger{}
	// hand the last response back so status codes can be classified
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{http: rc, timeout: DefaultHTTPTimeout, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.http.HTTPClient.Timeout = c.timeout

	c.tokens = &retryablehttp.Client{
		HTTPClient:   c.http.HTTPClient,
		Logger:       c.http.Logger,
		RetryWaitMin: c.http.RetryWaitMin,
		RetryWaitMax: c.http.RetryWaitMax,
		RetryMax:     c.http.RetryMax,
		CheckRetry:   retryUnsent,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return c
}

// retryUnsent retries only when the request never reached the server.
// A 5xx or a timeout after the request was written may mean the grant was
// already consumed, so it is not replayed.
func retryUnsent(ctx context.Context, _ *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var opErr *net.OpError
	if err != nil && errors.As(err, &opErr) && opErr.Op == "dial" {
		return true, nil
	}
	return false, nil
}

type retryLogger struct{}

func (retryLogger) Error(msg string, kv ...interface{}) { logging.Warn("Tapis", "%s %v", msg, kv) }
func (retryLogger) Info(msg string, kv ...interface{})  { logging.Debug("Tapis", "%s %v", msg, kv) }
func (retryLogger) Debug(msg string, kv ...interface{}) {}
func (retryLogger) Warn(msg string, kv ...interface{})  { logging.Warn("Tapis", "%s %v", msg, kv) }

// envelope is the standard Tapis response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) do(ctx context.Context, op string, req *retryablehttp.Request) (*http.Response, error) {
	return c.send(ctx, c.http, op, req)
}

func (c *Client) send(ctx context.Context, hc *retryablehttp.Client, op string, req *retryablehttp.Request) (*http.Response, error) {
	resp, err := hc.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.E(errs.KindTransientRemote, op, ctx.Err())
		}
		return nil, errs.E(errs.KindTransientRemote, op, err)
	}
	return resp, nil
}

// classify converts a non-2xx response into a classified error. The body is
// consumed and closed.
func classify(op string, resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(body))
	var env envelope
	if json.Unmarshal(body, &env) == nil && env.Message != "" {
		msg = env.Message
	}
	err := fmt.Errorf("%s: %s", resp.Status, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.E(errs.KindAuthFailure, op, err)
	case resp.StatusCode == http.StatusNotFound:
		return errs.E(errs.KindNotFound, op, err)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.E(errs.KindTransientRemote, op, err)
	default:
		return errs.E(errs.KindValidation, op, err)
	}
}

// decodeResult reads a successful Tapis envelope into dest.
func decodeResult(op string, resp *http.Response, dest any) error {
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errs.E(errs.KindTransientRemote, op, fmt.Errorf("decode response: %w", err))
	}
	if env.Status != "" && env.Status != "success" {
		return errs.Transient(op, "tapis returned status %q: %s", env.Status, env.Message)
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, dest); err != nil {
		return errs.E(errs.KindTransientRemote, op, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

// escapePath escapes each segment of a slash separated path.
func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
