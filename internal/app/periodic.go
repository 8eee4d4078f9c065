package app

import (
	"context"
	"time"

	"github.com/providentiaww/ptdatax-ingest/internal/flights"
	"github.com/providentiaww/ptdatax-ingest/internal/oauth"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// DiscoveryPass runs periodic discovery for every active client and returns
// the per-user results keyed by client id.
func (a *App) DiscoveryPass(ctx context.Context) (map[string][]flights.UserSummary, error) {
	clients, err := a.Store.ListClients(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]flights.UserSummary, len(clients))
	for _, c := range clients {
		res, err := a.Flights.PeriodicDiscovery(ctx, c.ClientID)
		out[c.ClientID] = res
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// CleanupStates deletes expired OAuth2 states.
func (a *App) CleanupStates(ctx context.Context) {
	n, err := a.Store.CleanupExpiredStates(ctx)
	if err != nil {
		logging.Error("App", err, "state cleanup failed")
		return
	}
	if n > 0 {
		logging.Info("App", "removed %d expired OAuth2 states", n)
	}
}

// RunPeriodic runs a discovery pass every discoveryEvery and state cleanup
// every cleanupEvery until ctx is cancelled.
func (a *App) RunPeriodic(ctx context.Context, discoveryEvery, cleanupEvery time.Duration) {
	if discoveryEvery <= 0 {
		discoveryEvery = time.Hour
	}
	if cleanupEvery <= 0 {
		cleanupEvery = oauth.DefaultStateTTL
	}
	discovery := time.NewTicker(discoveryEvery)
	defer discovery.Stop()
	cleanup := time.NewTicker(cleanupEvery)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-discovery.C:
			res, err := a.DiscoveryPass(ctx)
			if err != nil && ctx.Err() == nil {
				logging.Error("App", err, "periodic discovery failed")
			}
			for clientID, users := range res {
				logging.Info("App", "periodic discovery for client %s covered %d users", clientID, len(users))
			}
		case <-cleanup.C:
			a.CleanupStates(ctx)
		}
	}
}
