package flights

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/storage"
)

const (
	DefaultMaxProjects    = 50
	DefaultCooldownHours  = 24
	DefaultAutoDiscover   = true
	maxPreferredSystemLen = 255
)

// Preferences control automatic discovery for one user.
type Preferences struct {
	UserID                  string     `json:"-"`
	AutoDiscoverOnLogin     bool       `json:"auto_discover_on_login"`
	MaxProjectsPerDiscovery int        `json:"max_projects_per_discovery"`
	DiscoveryCooldownHours  int        `json:"discovery_cooldown_hours"`
	PreferredSystems        []string   `json:"preferred_systems"`
	LastAutoDiscovery       *time.Time `json:"last_auto_discovery"`
}

// DefaultPreferences are used until a user saves their own.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:                  userID,
		AutoDiscoverOnLogin:     DefaultAutoDiscover,
		MaxProjectsPerDiscovery: DefaultMaxProjects,
		DiscoveryCooldownHours:  DefaultCooldownHours,
		PreferredSystems:        []string{},
	}
}

// ShouldRunAutoDiscovery reports whether a login at now should trigger
// discovery given the opt-in flag and the cooldown.
func (p Preferences) ShouldRunAutoDiscovery(now time.Time) bool {
	if !p.AutoDiscoverOnLogin {
		return false
	}
	if p.LastAutoDiscovery == nil {
		return true
	}
	return now.Sub(*p.LastAutoDiscovery) >= time.Duration(p.DiscoveryCooldownHours)*time.Hour
}

// PreferencesUpdate is a partial update; nil fields are left alone.
type PreferencesUpdate struct {
	AutoDiscoverOnLogin     *bool     `json:"auto_discover_on_login"`
	MaxProjectsPerDiscovery *int      `json:"max_projects_per_discovery"`
	DiscoveryCooldownHours  *int      `json:"discovery_cooldown_hours"`
	PreferredSystems        *[]string `json:"preferred_systems"`
}

// Apply validates u against prefix and merges it into p.
func (p Preferences) Apply(u PreferencesUpdate, prefix string) (Preferences, error) {
	const op = "flights.Preferences"
	if u.AutoDiscoverOnLogin != nil {
		p.AutoDiscoverOnLogin = *u.AutoDiscoverOnLogin
	}
	if u.MaxProjectsPerDiscovery != nil {
		if *u.MaxProjectsPerDiscovery < 1 {
			return p, errs.Validation(op, "max_projects_per_discovery must be at least 1")
		}
		p.MaxProjectsPerDiscovery = *u.MaxProjectsPerDiscovery
	}
	if u.DiscoveryCooldownHours != nil {
		if *u.DiscoveryCooldownHours < 0 {
			return p, errs.Validation(op, "discovery_cooldown_hours cannot be negative")
		}
		p.DiscoveryCooldownHours = *u.DiscoveryCooldownHours
	}
	if u.PreferredSystems != nil {
		systems := make([]string, 0, len(*u.PreferredSystems))
		for _, s := range *u.PreferredSystems {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if !strings.HasPrefix(s, prefix) || len(s) > maxPreferredSystemLen || strings.Contains(s, ",") {
				return p, errs.Validation(op, "invalid system id %q: must start with %s", s, prefix)
			}
			systems = append(systems, s)
		}
		p.PreferredSystems = systems
	}
	return p, nil
}

// PreferenceStore persists Preferences in the user_preferences table.
type PreferenceStore struct {
	db  *storage.DB
	now func() time.Time
}

func NewPreferenceStore(db *storage.DB) *PreferenceStore {
	return &PreferenceStore{db: db, now: time.Now}
}

type preferencesRow struct {
	UserID                  string `db:"user_id"`
	AutoDiscoverOnLogin     bool   `db:"auto_discover_on_login"`
	MaxProjectsPerDiscovery int    `db:"max_projects_per_discovery"`
	DiscoveryCooldownHours  int    `db:"discovery_cooldown_hours"`
	PreferredSystems        string `db:"preferred_systems"`
	LastAutoDiscovery       int64  `db:"last_auto_discovery"`
	UpdatedAt               int64  `db:"updated_at"`
}

// Get returns the stored preferences or the defaults.
func (s *PreferenceStore) Get(ctx context.Context, userID string) (Preferences, error) {
	var row preferencesRow
	err := s.db.Get(ctx, &row, `
		SELECT user_id, auto_discover_on_login, max_projects_per_discovery, discovery_cooldown_hours,
			preferred_systems, last_auto_discovery, updated_at
		FROM user_preferences WHERE user_id = ?
	`, userID)
	if storage.IsNoRows(err) {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("get preferences for %s: %w", userID, err)
	}

	p := Preferences{
		UserID:                  row.UserID,
		AutoDiscoverOnLogin:     row.AutoDiscoverOnLogin,
		MaxProjectsPerDiscovery: row.MaxProjectsPerDiscovery,
		DiscoveryCooldownHours:  row.DiscoveryCooldownHours,
		PreferredSystems:        []string{},
	}
	if row.PreferredSystems != "" {
		p.PreferredSystems = strings.Split(row.PreferredSystems, ",")
	}
	if row.LastAutoDiscovery != 0 {
		t := storage.FromMillis(row.LastAutoDiscovery)
		p.LastAutoDiscovery = &t
	}
	return p, nil
}

// Save upserts p.
func (s *PreferenceStore) Save(ctx context.Context, p Preferences) error {
	var last int64
	if p.LastAutoDiscovery != nil {
		last = storage.Millis(*p.LastAutoDiscovery)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_preferences (user_id, auto_discover_on_login, max_projects_per_discovery,
			discovery_cooldown_hours, preferred_systems, last_auto_discovery, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			auto_discover_on_login = excluded.auto_discover_on_login,
			max_projects_per_discovery = excluded.max_projects_per_discovery,
			discovery_cooldown_hours = excluded.discovery_cooldown_hours,
			preferred_systems = excluded.preferred_systems,
			last_auto_discovery = excluded.last_auto_discovery,
			updated_at = excluded.updated_at
	`, p.UserID, p.AutoDiscoverOnLogin, p.MaxProjectsPerDiscovery, p.DiscoveryCooldownHours,
		strings.Join(p.PreferredSystems, ","), last, storage.Millis(s.now()))
	if err != nil {
		return fmt.Errorf("save preferences for %s: %w", p.UserID, err)
	}
	return nil
}

// Update applies a partial update and stores the result.
func (s *PreferenceStore) Update(ctx context.Context, userID string, u PreferencesUpdate, prefix string) (Preferences, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return Preferences{}, err
	}
	p, err = p.Apply(u, prefix)
	if err != nil {
		return Preferences{}, err
	}
	return p, s.Save(ctx, p)
}

// MarkAutoDiscovery records that discovery ran for userID at at.
func (s *PreferenceStore) MarkAutoDiscovery(ctx context.Context, userID string, at time.Time) error {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	at = at.UTC().Truncate(time.Millisecond)
	p.LastAutoDiscovery = &at
	return s.Save(ctx, p)
}
