package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/ptdatax-ingest/cmd/ingest-server/auth"
	"github.com/providentiaww/ptdatax-ingest/internal/config"
	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/flights"
	"github.com/providentiaww/ptdatax-ingest/internal/oauth"
	"github.com/providentiaww/ptdatax-ingest/internal/registry"
	"github.com/providentiaww/ptdatax-ingest/internal/storage"
	"github.com/providentiaww/ptdatax-ingest/internal/storage/storagetest"
	"github.com/providentiaww/ptdatax-ingest/internal/tapis"
)

const operatorToken = "op-secret"

type fakeTokens struct{}

func (fakeTokens) ExchangeCode(_ context.Context, _ tapis.Credentials, code string) (*tapis.TokenSet, error) {
	if code == "bad" {
		return nil, errs.Auth("tapis.ExchangeCode", "invalid_grant")
	}
	exp := time.Now().Add(4 * time.Hour)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tapis/username": "jdoe",
		"email":          "jdoe@example.org",
		"exp":            exp.Unix(),
	}).SignedString([]byte("upstream-key"))
	if err != nil {
		return nil, err
	}
	return &tapis.TokenSet{AccessToken: signed, RefreshToken: "rt-" + code, Scope: "openid profile", ExpiresAt: exp}, nil
}

func (fakeTokens) Refresh(context.Context, tapis.Credentials, string) (*tapis.TokenSet, error) {
	return nil, errs.Auth("tapis.Refresh", "not expected")
}

func (fakeTokens) Revoke(context.Context, tapis.Credentials, string) error { return nil }

type fakeDiscovery struct {
	mu         sync.Mutex
	clientIDs  []string
	lastCreate flights.CreateRequest
	createErr  error
}

func (f *fakeDiscovery) record(clientID string) {
	f.mu.Lock()
	f.clientIDs = append(f.clientIDs, clientID)
	f.mu.Unlock()
}

func (f *fakeDiscovery) SystemPrefix() string { return flights.DefaultSystemPrefix }

func (f *fakeDiscovery) ListSystems(_ context.Context, _, clientID string) ([]tapis.System, error) {
	f.record(clientID)
	return []tapis.System{{ID: "ptdatax.project.lake"}}, nil
}

func (f *fakeDiscovery) DiscoverFlights(_ context.Context, _, clientID string, systems []string) (*flights.DiscoveryResult, error) {
	f.record(clientID)
	return &flights.DiscoveryResult{SystemsScanned: len(systems), Flights: []flights.RemoteFlight{}, Errors: []errs.ItemError{}}, nil
}

func (f *fakeDiscovery) CreateProjects(_ context.Context, _, clientID string, req flights.CreateRequest) (*flights.Summary, error) {
	f.record(clientID)
	f.mu.Lock()
	f.lastCreate = req
	err := f.createErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &flights.Summary{ProjectsCreated: 1}, nil
}

func (f *fakeDiscovery) FlightProjects(context.Context, string) ([]registry.Project, error) {
	return nil, nil
}

func (f *fakeDiscovery) SyncProjectImages(_ context.Context, _, clientID, projectID string) (*flights.SyncResult, error) {
	f.record(clientID)
	if projectID == "" {
		return nil, errs.Validation("flights.SyncProjectImages", "project_id is required")
	}
	return &flights.SyncResult{ProjectID: projectID, Downloaded: 2}, nil
}

func (f *fakeDiscovery) TriggerDiscovery(_ context.Context, _, clientID string) (*flights.Summary, error) {
	f.record(clientID)
	return &flights.Summary{}, nil
}

type harness struct {
	srv   http.Handler
	db    *storage.DB
	store *oauth.Store
	disc  *fakeDiscovery
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storagetest.New(t)
	store := oauth.NewStore(db)
	require.NoError(t, store.CreateClient(context.Background(), &oauth.Client{
		ClientID:     "a",
		ClientSecret: "secret-a",
		Name:         "DesignSafe",
		TenantID:     "designsafe",
		BaseURL:      "https://designsafe.tapis.io",
		CallbackURL:  "https://ingest.example.org/callback",
		Active:       true,
	}))

	sessions, err := oauth.NewSessions("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)
	hash, err := bcrypt.GenerateFromPassword([]byte(operatorToken), bcrypt.MinCost)
	require.NoError(t, err)

	disc := &fakeDiscovery{}
	rt := Router{
		OAuth:     NewOAuthHandler(oauth.NewController(store, fakeTokens{}, sessions), sessions, false),
		Discovery: NewDiscoveryHandler(disc, flights.NewPreferenceStore(db), store),
		Admin: NewAdminHandler(store, config.Tapis{
			BaseURL:     "https://designsafe.tapis.io",
			TenantID:    "designsafe",
			CallbackURL: "https://ingest.example.org/callback",
		}),
		Sessions: sessions,
		Operator: auth.NewOperator(string(hash)),
		Health:   store,
	}
	return &harness{srv: rt.Handler(), db: db, store: store, disc: disc}
}

func (h *harness) do(method, target, body string, cookie *http.Cookie, header ...string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if cookie != nil {
		r.AddCookie(cookie)
	}
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, r)
	return w
}

func (h *harness) authorize(t *testing.T, target string) string {
	t.Helper()
	w := h.do(http.MethodGet, target, "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("state")
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == oauth.SessionCookie {
			return c
		}
	}
	return nil
}

func (h *harness) login(t *testing.T) *http.Cookie {
	t.Helper()
	state := h.authorize(t, "/authorize/a?redirect_after=/projects")
	w := h.do(http.MethodGet, "/callback?code=c1&state="+state, "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	c := sessionCookie(w)
	require.NotNil(t, c)
	return c
}

func count(t *testing.T, db *storage.DB, table string) int {
	var n int
	require.NoError(t, db.Get(context.Background(), &n, `SELECT COUNT(*) FROM `+table))
	return n
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAuthorizeRedirectsToTapis(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/authorize/a?redirect_after=/projects", "", nil)
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "designsafe.tapis.io", loc.Host)
	assert.Equal(t, "/v3/oauth2/authorize", loc.Path)
	assert.Equal(t, "a", loc.Query().Get("client_id"))
	assert.Equal(t, "code", loc.Query().Get("response_type"))
	assert.NotEmpty(t, loc.Query().Get("state"))
	assert.Equal(t, 1, count(t, h.db, "oauth_states"))
}

func TestAuthorizeUnknownClient(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/authorize/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, w).Kind)
	assert.Equal(t, 0, count(t, h.db, "oauth_states"))
}

func TestCallbackEstablishesSessionOnce(t *testing.T) {
	h := newHarness(t)
	state := h.authorize(t, "/authorize/a?redirect_after=/projects")

	w := h.do(http.MethodGet, "/callback?code=c1&state="+state, "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/projects", w.Header().Get("Location"))
	cookie := sessionCookie(w)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	replay := h.do(http.MethodGet, "/callback?code=c1&state="+state, "", nil)
	assert.Equal(t, http.StatusUnauthorized, replay.Code)
	assert.Nil(t, sessionCookie(replay))
	assert.Equal(t, oauth.PhaseStateInvalid, decode[CallbackError](t, replay).Phase)

	status := h.do(http.MethodGet, "/status", "", cookie)
	require.Equal(t, http.StatusOK, status.Code)
	body := decode[StatusResponse](t, status)
	assert.Equal(t, "jdoe", body.Username)
	require.Len(t, body.Tokens, 1)
	assert.True(t, body.Tokens[0].Valid)
	assert.Equal(t, "DesignSafe", body.Tokens[0].ClientName)
	assert.NotContains(t, status.Body.String(), "rt-c1")
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/callback?code=c1&state=abc", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, sessionCookie(w))
	assert.Equal(t, "auth_failure", decode[CallbackError](t, w).Kind)
	assert.Equal(t, 0, count(t, h.db, "oauth_tokens"))
}

func TestCallbackExchangeFailure(t *testing.T) {
	h := newHarness(t)

	state := h.authorize(t, "/authorize/a")
	w := h.do(http.MethodGet, "/callback?code=bad&state="+state, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, oauth.PhaseExchangeFailed, decode[CallbackError](t, w).Phase)
	assert.Nil(t, sessionCookie(w))

	state = h.authorize(t, "/authorize/a")
	w = h.do(http.MethodGet, "/callback?error=access_denied&state="+state, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, count(t, h.db, "oauth_tokens"))
}

func TestRefreshAndRevoke(t *testing.T) {
	h := newHarness(t)
	cookie := h.login(t)

	w := h.do(http.MethodPost, "/refresh/a", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[TokenResponse](t, w).Valid)

	w = h.do(http.MethodPost, "/revoke/a", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["revoked"])

	w = h.do(http.MethodPost, "/revoke/a", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["revoked"])

	w = h.do(http.MethodPost, "/refresh/a", "", cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEndpointsRequireSession(t *testing.T) {
	h := newHarness(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/status"},
		{http.MethodPost, "/refresh/a"},
		{http.MethodGet, "/systems"},
		{http.MethodPost, "/create-projects"},
		{http.MethodGet, "/preferences"},
	} {
		w := h.do(tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.path)
	}
}

func TestDiscoveryEndpoints(t *testing.T) {
	h := newHarness(t)
	cookie := h.login(t)

	w := h.do(http.MethodGet, "/systems", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["count"])

	w = h.do(http.MethodPost, "/discover-flights", `{"systems":["ptdatax.project.lake"]}`, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[flights.DiscoveryResult](t, w).SystemsScanned)

	w = h.do(http.MethodPost, "/create-projects", `{"auto_discover":true}`, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, h.disc.lastCreate.AutoDiscover)

	w = h.do(http.MethodPost, "/sync-project-images", `{"project_id":"p-1"}`, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[flights.SyncResult](t, w).Downloaded)

	w = h.do(http.MethodGet, "/flight-projects", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, w)["count"])

	// the oldest active client is used when none is named
	assert.Equal(t, []string{"a", "a", "a", "a"}, h.disc.clientIDs)
}

func TestDiscoveryErrorsMapToStatus(t *testing.T) {
	h := newHarness(t)
	cookie := h.login(t)

	w := h.do(http.MethodPost, "/discover-flights?client_id=missing", "", cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodPost, "/create-projects", `{"flights":`, cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// neither auto_discover nor flights: nothing is created
	for _, body := range []string{"", `{"auto_discover":false}`, `{"flights":[]}`} {
		w = h.do(http.MethodPost, "/create-projects", body, cookie)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Equal(t, "validation", decode[ErrorResponse](t, w).Kind, body)
	}
	assert.Empty(t, h.disc.clientIDs)

	h.disc.createErr = errs.E(errs.KindDuplicate, "flights.CreateProjects", flights.ErrDiscoveryInProgress)
	w = h.do(http.MethodPost, "/create-projects", `{"auto_discover":true}`, cookie)
	assert.Equal(t, http.StatusConflict, w.Code)

	h.disc.createErr = errs.Transient("tapis.ListSystems", "upstream returned 503")
	w = h.do(http.MethodPost, "/create-projects", `{"auto_discover":true}`, cookie)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = h.do(http.MethodPost, "/sync-project-images", `{}`, cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreferences(t *testing.T) {
	h := newHarness(t)
	cookie := h.login(t)

	w := h.do(http.MethodGet, "/preferences", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	prefs := decode[flights.Preferences](t, w)
	assert.Equal(t, flights.DefaultMaxProjects, prefs.MaxProjectsPerDiscovery)
	assert.True(t, prefs.AutoDiscoverOnLogin)

	w = h.do(http.MethodPost, "/preferences", `{"max_projects_per_discovery":0}`, cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/preferences", `{"preferred_systems":["other.system"]}`, cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/preferences", `{"auto_discover_on_login":false,"preferred_systems":["ptdatax.project.lake"]}`, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	prefs = decode[flights.Preferences](t, w)
	assert.False(t, prefs.AutoDiscoverOnLogin)
	assert.Equal(t, []string{"ptdatax.project.lake"}, prefs.PreferredSystems)

	w = h.do(http.MethodPost, "/discovery/trigger", "", cookie)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminEndpoints(t *testing.T) {
	h := newHarness(t)
	bearer := []string{"Authorization", "Bearer " + operatorToken}

	w := h.do(http.MethodPost, "/admin/clients", `{"client_id":"b","client_secret":"s"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodPost, "/admin/clients", `{"client_id":"b","client_secret":"s"}`, nil, bearer...)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[map[string]any](t, w)
	assert.Equal(t, "designsafe", created["tenant_id"])
	assert.NotContains(t, w.Body.String(), `"s"`)

	w = h.do(http.MethodPost, "/admin/clients", `{"client_id":"b","client_secret":"s"}`, nil, bearer...)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(http.MethodPost, "/admin/clients/b/deactivate", "", nil, bearer...)
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(http.MethodGet, "/authorize/b", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodPost, "/admin/clients/zzz/deactivate", "", nil, bearer...)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodPost, "/admin/states/cleanup", "", nil, bearer...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[map[string]int](t, w)["deleted"])
}

func TestHealthAndCORS(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodOptions, "/create-projects", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
