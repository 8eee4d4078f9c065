package handlers

import (
	"context"
	"net/http"

	"github.com/providentiaww/ptdatax-ingest/internal/config"
	"github.com/providentiaww/ptdatax-ingest/internal/oauth"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// ClientAdmin is the part of the state store operators manage.
type ClientAdmin interface {
	CreateClient(ctx context.Context, c *oauth.Client) error
	ListClients(ctx context.Context, activeOnly bool) ([]*oauth.Client, error)
	DeactivateClient(ctx context.Context, clientID string) error
	CleanupExpiredStates(ctx context.Context) (int, error)
}

// AdminHandler serves the operator endpoints. Tenant, base URL and callback
// default to the server's Tapis settings.
type AdminHandler struct {
	store    ClientAdmin
	defaults config.Tapis
}

func NewAdminHandler(store ClientAdmin, defaults config.Tapis) *AdminHandler {
	return &AdminHandler{store: store, defaults: defaults}
}

// CreateClientRequest is the body of POST /admin/clients.
type CreateClientRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Name         string `json:"name"`
	TenantID     string `json:"tenant_id"`
	BaseURL      string `json:"base_url"`
	CallbackURL  string `json:"callback_url"`
}

// HandleCreateClient handles POST /admin/clients
func (h *AdminHandler) HandleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req CreateClientRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	c := &oauth.Client{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Name:         req.Name,
		TenantID:     firstNonEmpty(req.TenantID, h.defaults.TenantID),
		BaseURL:      firstNonEmpty(req.BaseURL, h.defaults.BaseURL),
		CallbackURL:  firstNonEmpty(req.CallbackURL, h.defaults.CallbackURL),
		Active:       true,
	}
	if c.Name == "" {
		c.Name = c.ClientID
	}
	if err := h.store.CreateClient(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	logging.Info("Admin", "registered OAuth2 client %s for tenant %s", c.ClientID, c.TenantID)
	writeJSON(w, http.StatusCreated, c)
}

// HandleListClients handles GET /admin/clients
func (h *AdminHandler) HandleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.store.ListClients(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

// HandleDeactivateClient handles POST /admin/clients/{client_id}/deactivate
func (h *AdminHandler) HandleDeactivateClient(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if err := h.store.DeactivateClient(r.Context(), clientID); err != nil {
		writeError(w, err)
		return
	}
	logging.Info("Admin", "deactivated OAuth2 client %s", clientID)
	writeJSON(w, http.StatusOK, map[string]any{"client_id": clientID, "is_active": false})
}

// HandleCleanupStates handles POST /admin/states/cleanup
func (h *AdminHandler) HandleCleanupStates(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.CleanupExpiredStates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
