package handlers

import (
	"context"
	"net/http"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/flights"
	"github.com/providentiaww/ptdatax-ingest/internal/oauth"
	"github.com/providentiaww/ptdatax-ingest/internal/registry"
	"github.com/providentiaww/ptdatax-ingest/internal/tapis"
)

// DiscoveryService is the remote flight discovery used by the handlers.
type DiscoveryService interface {
	SystemPrefix() string
	ListSystems(ctx context.Context, userID, clientID string) ([]tapis.System, error)
	DiscoverFlights(ctx context.Context, userID, clientID string, systems []string) (*flights.DiscoveryResult, error)
	CreateProjects(ctx context.Context, userID, clientID string, req flights.CreateRequest) (*flights.Summary, error)
	FlightProjects(ctx context.Context, userID string) ([]registry.Project, error)
	SyncProjectImages(ctx context.Context, userID, clientID, projectID string) (*flights.SyncResult, error)
	TriggerDiscovery(ctx context.Context, userID, clientID string) (*flights.Summary, error)
}

// PreferenceStore reads and updates discovery preferences.
type PreferenceStore interface {
	Get(ctx context.Context, userID string) (flights.Preferences, error)
	Update(ctx context.Context, userID string, u flights.PreferencesUpdate, prefix string) (flights.Preferences, error)
}

// ClientResolver picks the OAuth2 client a request runs against.
type ClientResolver interface {
	GetActiveClient(ctx context.Context, clientID string) (*oauth.Client, error)
	FirstActiveClient(ctx context.Context) (*oauth.Client, error)
}

// DiscoveryHandler serves the remote flight discovery endpoints. Every
// endpoint accepts an optional client_id (query or body) and otherwise uses
// the oldest active client.
type DiscoveryHandler struct {
	svc     DiscoveryService
	prefs   PreferenceStore
	clients ClientResolver
}

func NewDiscoveryHandler(svc DiscoveryService, prefs PreferenceStore, clients ClientResolver) *DiscoveryHandler {
	return &DiscoveryHandler{
		svc:     svc,
		prefs:   prefs,
		clients: clients,
	}
}

func (h *DiscoveryHandler) resolveClient(r *http.Request, fromBody string) (string, error) {
	clientID := fromBody
	if clientID == "" {
		clientID = r.URL.Query().Get("client_id")
	}
	var (
		c   *oauth.Client
		err error
	)
	if clientID != "" {
		c, err = h.clients.GetActiveClient(r.Context(), clientID)
	} else {
		c, err = h.clients.FirstActiveClient(r.Context())
	}
	if err != nil {
		return "", err
	}
	return c.ClientID, nil
}

// HandleListSystems handles GET /systems
func (h *DiscoveryHandler) HandleListSystems(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	clientID, err := h.resolveClient(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	systems, err := h.svc.ListSystems(r.Context(), user.UserID, clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id": clientID,
		"count":     len(systems),
		"systems":   systems,
	})
}

// DiscoverRequest is the optional body of POST /discover-flights.
type DiscoverRequest struct {
	ClientID string   `json:"client_id"`
	Systems  []string `json:"systems"`
}

// HandleDiscoverFlights handles POST /discover-flights
func (h *DiscoveryHandler) HandleDiscoverFlights(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req DiscoverRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	clientID, err := h.resolveClient(r, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.DiscoverFlights(r.Context(), user.UserID, clientID, req.Systems)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CreateProjectsRequest is the body of POST /create-projects.
type CreateProjectsRequest struct {
	ClientID     string                 `json:"client_id"`
	AutoDiscover bool                   `json:"auto_discover"`
	Flights      []flights.RemoteFlight `json:"flights"`
}

// HandleCreateProjects handles POST /create-projects
func (h *DiscoveryHandler) HandleCreateProjects(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req CreateProjectsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.AutoDiscover && len(req.Flights) == 0 {
		writeError(w, errs.Validation("handlers.CreateProjects", "no flights provided"))
		return
	}
	clientID, err := h.resolveClient(r, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	sum, err := h.svc.CreateProjects(r.Context(), user.UserID, clientID, flights.CreateRequest{
		AutoDiscover: req.AutoDiscover,
		Flights:      req.Flights,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// HandleFlightProjects handles GET /flight-projects
func (h *DiscoveryHandler) HandleFlightProjects(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	projects, err := h.svc.FlightProjects(r.Context(), user.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if projects == nil {
		projects = []registry.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(projects),
		"projects": projects,
	})
}

// SyncRequest is the body of POST /sync-project-images.
type SyncRequest struct {
	ClientID  string `json:"client_id"`
	ProjectID string `json:"project_id"`
}

// HandleSyncProjectImages handles POST /sync-project-images
func (h *DiscoveryHandler) HandleSyncProjectImages(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req SyncRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	clientID, err := h.resolveClient(r, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.SyncProjectImages(r.Context(), user.UserID, clientID, req.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleGetPreferences handles GET /preferences
func (h *DiscoveryHandler) HandleGetPreferences(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	prefs, err := h.prefs.Get(r.Context(), user.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// HandleUpdatePreferences handles POST /preferences
func (h *DiscoveryHandler) HandleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var u flights.PreferencesUpdate
	if err := decodeBody(w, r, &u); err != nil {
		writeError(w, err)
		return
	}
	prefs, err := h.prefs.Update(r.Context(), user.UserID, u, h.svc.SystemPrefix())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// HandleTriggerDiscovery handles POST /discovery/trigger. It ignores the
// cooldown.
func (h *DiscoveryHandler) HandleTriggerDiscovery(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	clientID, err := h.resolveClient(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	sum, err := h.svc.TriggerDiscovery(r.Context(), user.UserID, clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
