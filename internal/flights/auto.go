package flights

import (
	"context"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/oauth"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// AutoDiscover runs discovery after a login when the user's preferences
// allow it. It has the shape of an oauth.LoginHook.
func (s *Service) AutoDiscover(ctx context.Context, user *oauth.User, client *oauth.Client) {
	prefs, err := s.prefs.Get(ctx, user.ID)
	if err != nil {
		logging.Error("Flights", err, "failed to load preferences for %s", user.Username)
		return
	}
	if !prefs.ShouldRunAutoDiscovery(s.now()) {
		logging.Debug("Flights", "auto discovery skipped for %s", user.Username)
		return
	}
	if _, err := s.runAndMark(ctx, user.ID, client.ClientID); err != nil {
		logging.Error("Flights", err, "auto discovery for %s failed", user.Username)
	}
}

// TriggerDiscovery runs discovery now, ignoring the cooldown.
func (s *Service) TriggerDiscovery(ctx context.Context, userID, clientID string) (*Summary, error) {
	return s.runAndMark(ctx, userID, clientID)
}

func (s *Service) runAndMark(ctx context.Context, userID, clientID string) (*Summary, error) {
	sum, err := s.CreateProjects(ctx, userID, clientID, CreateRequest{AutoDiscover: true})
	if err != nil {
		return nil, err
	}
	if err := s.prefs.MarkAutoDiscovery(ctx, userID, s.now()); err != nil {
		logging.Error("Flights", err, "failed to record discovery time for %s", userID)
	}
	return sum, nil
}

// UserSummary is one user's part of a periodic pass.
type UserSummary struct {
	UserID  string   `json:"user_id"`
	Summary *Summary `json:"summary,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// PeriodicDiscovery runs auto discovery for every user holding a token for
// clientID. Users whose token can no longer be refreshed are reported and
// skipped until they log in again.
func (s *Service) PeriodicDiscovery(ctx context.Context, clientID string) ([]UserSummary, error) {
	users, err := s.clients.ListUsersWithTokens(ctx, clientID)
	if err != nil {
		return nil, err
	}
	out := make([]UserSummary, 0, len(users))
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		prefs, err := s.prefs.Get(ctx, userID)
		if err != nil {
			out = append(out, UserSummary{UserID: userID, Error: err.Error()})
			continue
		}
		if !prefs.ShouldRunAutoDiscovery(s.now()) {
			continue
		}
		sum, err := s.runAndMark(ctx, userID, clientID)
		if err != nil {
			if errs.Is(err, errs.KindAuthFailure) {
				logging.Warn("Flights", "user %s must re-authenticate: %v", userID, err)
			} else {
				logging.Error("Flights", err, "periodic discovery for %s failed", userID)
			}
			out = append(out, UserSummary{UserID: userID, Error: err.Error()})
			continue
		}
		out = append(out, UserSummary{UserID: userID, Summary: sum})
	}
	return out, ctx.Err()
}
