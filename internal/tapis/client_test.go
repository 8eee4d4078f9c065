package tapis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
)

func testClient() *Client {
	return NewClient(WithTimeout(2*time.Second), WithMaxRetries(1), WithRetryWait(time.Millisecond, 5*time.Millisecond))
}

func creds(srv *httptest.Server) Credentials {
	return Credentials{
		Endpoint:     Endpoint{BaseURL: srv.URL, TenantID: "designsafe"},
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURI:  "https://ingest.example.org/auth/tapis/callback",
	}
}

func TestEndpointURLs(t *testing.T) {
	ep := Endpoint{BaseURL: "https://tacc.tapis.io/", TenantID: "tacc"}
	assert.Equal(t, "https://tacc.tapis.io/v3/oauth2/authorize", ep.AuthorizationURL())
	assert.Equal(t, "https://tacc.tapis.io/v3/oauth2/tokens", ep.TokenURL())
}

func TestExchangeCodeEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/oauth2/tokens", r.URL.Path)
		assert.Equal(t, "designsafe", r.Header.Get(TenantHeader))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "abc", r.PostForm.Get("code"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "https://ingest.example.org/auth/tapis/callback", r.PostForm.Get("redirect_uri"))
		_, _ = w.Write([]byte(`{"status":"success","message":"ok","result":{
			"access_token":{"access_token":"at-1","expires_in":14400},
			"refresh_token":{"refresh_token":"rt-1","expires_in":86400},
			"token_type":"bearer","scope":"openid profile"}}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := testClient()
	c.now = func() time.Time { return now }

	ts, err := c.ExchangeCode(context.Background(), creds(srv), "abc")
	require.NoError(t, err)
	assert.Equal(t, "at-1", ts.AccessToken)
	assert.Equal(t, "rt-1", ts.RefreshToken)
	assert.Equal(t, "openid profile", ts.Scope)
	assert.Equal(t, now.Add(4*time.Hour), ts.ExpiresAt)
	assert.Equal(t, now.Add(24*time.Hour), ts.RefreshExpiresAt)
}

func TestParseTokenResponseFlat(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts, err := parseTokenResponse([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":60,"token_type":"Bearer"}`), now)
	require.NoError(t, err)
	assert.Equal(t, "at", ts.AccessToken)
	assert.Equal(t, "rt", ts.RefreshToken)
	assert.Equal(t, now.Add(time.Minute), ts.ExpiresAt)
	assert.True(t, ts.RefreshExpiresAt.IsZero())

	_, err = parseTokenResponse([]byte(`{"status":"error","message":"bad"}`), now)
	assert.Error(t, err)

	_, err = parseTokenResponse([]byte(`{"status":"success","result":{}}`), now)
	assert.Error(t, err)
}

func TestRefreshRejectedIsAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","message":"invalid refresh token"}`))
	}))
	defer srv.Close()

	_, err := testClient().Refresh(context.Background(), creds(srv), "stale")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAuthFailure))
	assert.Contains(t, err.Error(), "invalid refresh token")
}

func TestTokenServerErrorIsNotReplayed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient()
	_, err := c.ExchangeCode(context.Background(), creds(srv), "abc")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTransientRemote))
	assert.Equal(t, int32(1), calls.Load(), "a code is sent once")

	_, err = c.Refresh(context.Background(), creds(srv), "rt-1")
	assert.True(t, errs.Is(err, errs.KindTransientRemote))
	assert.Equal(t, int32(2), calls.Load(), "a refresh token is sent once")
}

// dialFailer refuses the first connection attempt.
type dialFailer struct {
	attempts atomic.Int32
	next     http.RoundTripper
}

func (d *dialFailer) RoundTrip(r *http.Request) (*http.Response, error) {
	if d.attempts.Add(1) == 1 {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	return d.next.RoundTrip(r)
}

func TestTokenRequestRetriesUnsentDial(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":60}`))
	}))
	defer srv.Close()

	c := testClient()
	transport := &dialFailer{next: http.DefaultTransport}
	c.tokens.HTTPClient = &http.Client{Transport: transport, Timeout: 2 * time.Second}

	ts, err := c.ExchangeCode(context.Background(), creds(srv), "abc")
	require.NoError(t, err)
	assert.Equal(t, "at", ts.AccessToken)
	assert.Equal(t, int32(2), transport.attempts.Load())
	assert.Equal(t, int32(1), calls.Load())
}

func TestReadsRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","result":[{"name":"a.jpg","type":"file"}]}`))
	}))
	defer srv.Close()

	files, err := testClient().ListFiles(context.Background(), creds(srv).Endpoint, &oauth2.Token{AccessToken: "tok"}, "sys1", "f")
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewClient(WithTimeout(50*time.Millisecond), WithMaxRetries(0))
	_, err := c.ExchangeCode(context.Background(), creds(srv), "abc")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTransientRemote))
}

func TestListSystems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/systems", r.URL.Path)
		assert.Equal(t, "id.like.ptdatax.project.*", r.URL.Query().Get("search"))
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "designsafe", r.Header.Get(TenantHeader))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"result": []map[string]string{{"id": "ptdatax.project.a", "host": "h"}, {"id": "ptdatax.project.b"}},
		})
	}))
	defer srv.Close()

	systems, err := testClient().ListSystems(context.Background(), creds(srv).Endpoint, &oauth2.Token{AccessToken: "tok"}, "ptdatax.project.")
	require.NoError(t, err)
	require.Len(t, systems, 2)
	assert.Equal(t, "ptdatax.project.a", systems[0].ID)
	assert.Equal(t, "h", systems[0].Host)
}

func TestListFilesAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v3/files/ops/sys1/flight-1/code/images/":
			_, _ = w.Write([]byte(`{"status":"success","result":[{"name":"a.JPG","type":"file","size":3},{"name":"sub","type":"dir"}]}`))
		case "/v3/files/ops/sys1/missing/":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":"error","message":"no such path"}`))
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	ep := creds(srv).Endpoint
	tok := &oauth2.Token{AccessToken: "tok"}
	c := testClient()

	files, err := c.ListFiles(context.Background(), ep, tok, "sys1", "/flight-1/code/images")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.False(t, files[0].IsDir())
	assert.True(t, files[1].IsDir())

	_, err = c.ListFiles(context.Background(), ep, tok, "sys1", "missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))
	assert.Contains(t, err.Error(), "no such path")

	_, err = c.ListFiles(context.Background(), ep, tok, "sys1", "other")
	assert.True(t, errs.Is(err, errs.KindAuthFailure))

	_, err = c.ListFiles(context.Background(), ep, nil, "sys1", "x")
	assert.True(t, errs.Is(err, errs.KindAuthFailure))
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/files/content/sys1/f/code/images/a.jpg", r.URL.Path)
		_, _ = w.Write([]byte("jpegbytes"))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	n, err := testClient().Download(context.Background(), creds(srv).Endpoint, &oauth2.Token{AccessToken: "tok"}, "sys1", "f/code/images/a.jpg", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	assert.Equal(t, "jpegbytes", buf.String())
}

func TestRevoke(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/oauth2/tokens/revoke", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, testClient().Revoke(context.Background(), creds(srv), "at-1"))
	assert.Equal(t, "at-1", got["token"])
}
