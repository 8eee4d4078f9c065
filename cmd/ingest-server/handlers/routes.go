package handlers

import (
	"net/http"
	"time"

	"github.com/providentiaww/ptdatax-ingest/cmd/ingest-server/auth"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// Router assembles the server's routes.
type Router struct {
	OAuth     *OAuthHandler
	Discovery *DiscoveryHandler
	Admin     *AdminHandler
	Sessions  auth.SessionVerifier
	Operator  *auth.Operator
	Health    Pinger
	Metrics   http.Handler
}

// Handler returns the root handler with logging and CORS applied.
func (rt Router) Handler() http.Handler {
	mux := http.NewServeMux()

	optional := auth.OptionalSession(rt.Sessions)
	required := auth.RequireSession(rt.Sessions)

	// 1. OAuth2 flow
	mux.Handle("GET /authorize/{client_id}", optional.HandlerFunc(rt.OAuth.HandleAuthorize))
	mux.HandleFunc("GET /callback", rt.OAuth.HandleCallback)
	mux.Handle("POST /refresh/{client_id}", required.HandlerFunc(rt.OAuth.HandleRefresh))
	mux.Handle("GET /status", required.HandlerFunc(rt.OAuth.HandleStatus))
	mux.Handle("POST /revoke/{client_id}", required.HandlerFunc(rt.OAuth.HandleRevoke))
	mux.HandleFunc("POST /logout", rt.OAuth.HandleLogout)

	// 2. Remote flight discovery
	mux.Handle("GET /systems", required.HandlerFunc(rt.Discovery.HandleListSystems))
	mux.Handle("POST /discover-flights", required.HandlerFunc(rt.Discovery.HandleDiscoverFlights))
	mux.Handle("POST /create-projects", required.HandlerFunc(rt.Discovery.HandleCreateProjects))
	mux.Handle("GET /flight-projects", required.HandlerFunc(rt.Discovery.HandleFlightProjects))
	mux.Handle("POST /sync-project-images", required.HandlerFunc(rt.Discovery.HandleSyncProjectImages))
	mux.Handle("GET /preferences", required.HandlerFunc(rt.Discovery.HandleGetPreferences))
	mux.Handle("POST /preferences", required.HandlerFunc(rt.Discovery.HandleUpdatePreferences))
	mux.Handle("POST /discovery/trigger", required.HandlerFunc(rt.Discovery.HandleTriggerDiscovery))

	// 3. Operator endpoints
	mux.Handle("POST /admin/clients", rt.Operator.HandlerFunc(rt.Admin.HandleCreateClient))
	mux.Handle("GET /admin/clients", rt.Operator.HandlerFunc(rt.Admin.HandleListClients))
	mux.Handle("POST /admin/clients/{client_id}/deactivate", rt.Operator.HandlerFunc(rt.Admin.HandleDeactivateClient))
	mux.Handle("POST /admin/states/cleanup", rt.Operator.HandlerFunc(rt.Admin.HandleCleanupStates))

	// 4. Probes
	mux.HandleFunc("GET /healthz", HandleHealth(rt.Health))
	if rt.Metrics != nil {
		mux.Handle("GET /metrics", rt.Metrics)
	}

	return corsMiddleware(requestLogger(mux))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("HTTP", "%s %s -> %d in %s", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
