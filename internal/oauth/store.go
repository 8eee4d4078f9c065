package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/storage"
)

const stateKeyPrefix = "oauth:state:"

// Store persists OAuth2 clients, tokens, CSRF states and users. States live
// in Redis when a client is configured, otherwise in SQL.
type Store struct {
	db    *storage.DB
	redis *redis.Client
	now   func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRedis keeps CSRF states in Redis.
func WithRedis(rdb *redis.Client) StoreOption {
	return func(s *Store) { s.redis = rdb }
}

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(db *storage.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping verifies database and Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return err
	}
	if s.redis != nil {
		return s.redis.Ping(ctx).Err()
	}
	return nil
}

// --- clients ---

type clientRow struct {
	ClientID         string `db:"client_id"`
	ClientSecret     string `db:"client_secret"`
	Name             string `db:"name"`
	TenantID         string `db:"tenant_id"`
	BaseURL          string `db:"base_url"`
	CallbackURL      string `db:"callback_url"`
	AuthorizationURL string `db:"authorization_url"`
	TokenURL         string `db:"token_url"`
	Active           bool   `db:"active"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

func (r clientRow) client() *Client {
	return &Client{
		ClientID:         r.ClientID,
		ClientSecret:     r.ClientSecret,
		Name:             r.Name,
		TenantID:         r.TenantID,
		BaseURL:          r.BaseURL,
		CallbackURL:      r.CallbackURL,
		AuthorizationURL: r.AuthorizationURL,
		TokenURL:         r.TokenURL,
		Active:           r.Active,
		CreatedAt:        storage.FromMillis(r.CreatedAt),
		UpdatedAt:        storage.FromMillis(r.UpdatedAt),
	}
}

const clientColumns = `client_id, client_secret, name, tenant_id, base_url, callback_url, authorization_url, token_url, active, created_at, updated_at`

// CreateClient registers a new client. An existing client id is a
// duplicate.
func (s *Store) CreateClient(ctx context.Context, c *Client) error {
	const op = "oauth.CreateClient"
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	switch {
	case c.ClientID == "":
		return errs.Validation(op, "client_id is required")
	case c.ClientSecret == "":
		return errs.Validation(op, "client_secret is required")
	case c.TenantID == "":
		return errs.Validation(op, "tenant_id is required")
	case c.BaseURL == "":
		return errs.Validation(op, "base_url is required")
	case c.CallbackURL == "":
		return errs.Validation(op, "callback_url is required")
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	c.CreatedAt, c.UpdatedAt = now, now
	res, err := s.db.Exec(ctx, `
		INSERT INTO oauth_clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO NOTHING
	`, c.ClientID, c.ClientSecret, c.Name, c.TenantID, c.BaseURL, c.CallbackURL, c.AuthorizationURL, c.TokenURL,
		c.Active, storage.Millis(now), storage.Millis(now))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if storage.Affected(res) == 0 {
		return errs.Duplicate(op, "client %s already exists", c.ClientID)
	}
	return nil
}

// GetClient fetches a client regardless of its active flag.
func (s *Store) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var row clientRow
	err := s.db.Get(ctx, &row, `SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = ?`, clientID)
	if storage.IsNoRows(err) {
		return nil, errs.NotFound("oauth.GetClient", "client %s not found", clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("get client %s: %w", clientID, err)
	}
	return row.client(), nil
}

// GetActiveClient fetches a client and treats an inactive one as absent.
func (s *Store) GetActiveClient(ctx context.Context, clientID string) (*Client, error) {
	c, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !c.Active {
		return nil, errs.NotFound("oauth.GetActiveClient", "client %s is not active", clientID)
	}
	return c, nil
}

// FirstActiveClient returns the oldest active client.
func (s *Store) FirstActiveClient(ctx context.Context) (*Client, error) {
	var row clientRow
	err := s.db.Get(ctx, &row, `SELECT `+clientColumns+` FROM oauth_clients WHERE active = ? ORDER BY created_at, client_id LIMIT 1`, true)
	if storage.IsNoRows(err) {
		return nil, errs.NotFound("oauth.FirstActiveClient", "no active client configured")
	}
	if err != nil {
		return nil, fmt.Errorf("first active client: %w", err)
	}
	return row.client(), nil
}

func (s *Store) ListClients(ctx context.Context, activeOnly bool) ([]*Client, error) {
	var rows []clientRow
	var err error
	if activeOnly {
		err = s.db.Select(ctx, &rows, `SELECT `+clientColumns+` FROM oauth_clients WHERE active = ? ORDER BY created_at, client_id`, true)
	} else {
		err = s.db.Select(ctx, &rows, `SELECT `+clientColumns+` FROM oauth_clients ORDER BY created_at, client_id`)
	}
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	out := make([]*Client, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.client())
	}
	return out, nil
}

// DeactivateClient disables a client. Stored tokens are left alone.
func (s *Store) DeactivateClient(ctx context.Context, clientID string) error {
	res, err := s.db.Exec(ctx, `UPDATE oauth_clients SET active = ?, updated_at = ? WHERE client_id = ?`,
		false, storage.Millis(s.now()), clientID)
	if err != nil {
		return fmt.Errorf("deactivate client %s: %w", clientID, err)
	}
	if storage.Affected(res) == 0 {
		return errs.NotFound("oauth.DeactivateClient", "client %s not found", clientID)
	}
	return nil
}

// --- tokens ---

type tokenRow struct {
	UserID           string `db:"user_id"`
	ClientID         string `db:"client_id"`
	AccessToken      string `db:"access_token"`
	RefreshToken     string `db:"refresh_token"`
	TokenType        string `db:"token_type"`
	Scope            string `db:"scope"`
	ExpiresAt        int64  `db:"expires_at"`
	RefreshExpiresAt int64  `db:"refresh_expires_at"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

func (r tokenRow) token() *Token {
	return &Token{
		UserID:           r.UserID,
		ClientID:         r.ClientID,
		AccessToken:      r.AccessToken,
		RefreshToken:     r.RefreshToken,
		TokenType:        r.TokenType,
		Scope:            r.Scope,
		ExpiresAt:        storage.FromMillis(r.ExpiresAt),
		RefreshExpiresAt: storage.FromMillis(r.RefreshExpiresAt),
		CreatedAt:        storage.FromMillis(r.CreatedAt),
		UpdatedAt:        storage.FromMillis(r.UpdatedAt),
	}
}

const tokenColumns = `user_id, client_id, access_token, refresh_token, token_type, scope, expires_at, refresh_expires_at, created_at, updated_at`

// SaveToken stores the token for (user, client), replacing any previous one
// in place.
func (s *Store) SaveToken(ctx context.Context, t *Token) error {
	const op = "oauth.SaveToken"
	if t.UserID == "" || t.ClientID == "" || t.AccessToken == "" {
		return errs.Validation(op, "user, client and access token are required")
	}
	if t.TokenType == "" {
		t.TokenType = "Bearer"
	}
	now := storage.Millis(s.now())
	_, err := s.db.Exec(ctx, `
		INSERT INTO oauth_tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, client_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			scope = excluded.scope,
			expires_at = excluded.expires_at,
			refresh_expires_at = excluded.refresh_expires_at,
			updated_at = excluded.updated_at
	`, t.UserID, t.ClientID, t.AccessToken, t.RefreshToken, t.TokenType, t.Scope,
		storage.Millis(t.ExpiresAt), storage.Millis(t.RefreshExpiresAt), now, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetToken returns the stored token for (user, client).
func (s *Store) GetToken(ctx context.Context, userID, clientID string) (*Token, error) {
	var row tokenRow
	err := s.db.Get(ctx, &row, `SELECT `+tokenColumns+` FROM oauth_tokens WHERE user_id = ? AND client_id = ?`, userID, clientID)
	if storage.IsNoRows(err) {
		return nil, errs.NotFound("oauth.GetToken", "no token for client %s", clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return row.token(), nil
}

// DeleteToken removes the token for (user, client). Deleting an absent
// token is not an error; the result reports whether a row existed.
func (s *Store) DeleteToken(ctx context.Context, userID, clientID string) (bool, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM oauth_tokens WHERE user_id = ? AND client_id = ?`, userID, clientID)
	if err != nil {
		return false, fmt.Errorf("delete token: %w", err)
	}
	return storage.Affected(res) > 0, nil
}

func (s *Store) ListTokensForUser(ctx context.Context, userID string) ([]*Token, error) {
	var rows []tokenRow
	if err := s.db.Select(ctx, &rows, `SELECT `+tokenColumns+` FROM oauth_tokens WHERE user_id = ? ORDER BY client_id`, userID); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	out := make([]*Token, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.token())
	}
	return out, nil
}

// ListUsersWithTokens returns the ids of users holding a token for clientID.
func (s *Store) ListUsersWithTokens(ctx context.Context, clientID string) ([]string, error) {
	var ids []string
	if err := s.db.Select(ctx, &ids, `SELECT user_id FROM oauth_tokens WHERE client_id = ? ORDER BY user_id`, clientID); err != nil {
		return nil, fmt.Errorf("list users with tokens: %w", err)
	}
	return ids, nil
}

// --- states ---

type stateRow struct {
	State         string `db:"state"`
	ClientID      string `db:"client_id"`
	RedirectAfter string `db:"redirect_after"`
	UserID        string `db:"user_id"`
	CreatedAt     int64  `db:"created_at"`
	ExpiresAt     int64  `db:"expires_at"`
}

func (r stateRow) state() *State {
	return &State{
		Value:         r.State,
		ClientID:      r.ClientID,
		RedirectAfter: r.RedirectAfter,
		UserID:        r.UserID,
		CreatedAt:     storage.FromMillis(r.CreatedAt),
		ExpiresAt:     storage.FromMillis(r.ExpiresAt),
	}
}

const stateColumns = `state, client_id, redirect_after, user_id, created_at, expires_at`

// CreateState issues a fresh state bound to clientID that expires after ttl.
func (s *Store) CreateState(ctx context.Context, clientID, redirectAfter, userID string, ttl time.Duration) (*State, error) {
	const op = "oauth.CreateState"
	if ttl <= 0 {
		return nil, errs.Validation(op, "state ttl must be positive")
	}
	value, err := RandomString(stateBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	st := &State{
		Value:         value,
		ClientID:      clientID,
		RedirectAfter: redirectAfter,
		UserID:        userID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	if s.redis != nil {
		payload, err := json.Marshal(st)
		if err != nil {
			return nil, err
		}
		if err := s.redis.Set(ctx, stateKeyPrefix+HashToken(value), payload, ttl).Err(); err != nil {
			return nil, errs.E(errs.KindTransientRemote, op, err)
		}
		return st, nil
	}

	_, err = s.db.Exec(ctx, `INSERT INTO oauth_states (`+stateColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		st.Value, st.ClientID, st.RedirectAfter, st.UserID, storage.Millis(st.CreatedAt), storage.Millis(st.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return st, nil
}

// ConsumeState atomically removes and returns the state. Of two concurrent
// callers with the same value at most one receives it. Unknown, replayed
// and expired values are auth failures; an expired state is deleted too.
func (s *Store) ConsumeState(ctx context.Context, value string) (*State, error) {
	const op = "oauth.ConsumeState"
	if value == "" {
		return nil, errs.Auth(op, "missing state parameter")
	}

	var st *State
	if s.redis != nil {
		raw, err := s.redis.GetDel(ctx, stateKeyPrefix+HashToken(value)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, errs.Auth(op, "invalid or already used state")
		}
		if err != nil {
			return nil, errs.E(errs.KindTransientRemote, op, err)
		}
		st = new(State)
		if err := json.Unmarshal(raw, st); err != nil {
			return nil, fmt.Errorf("%s: decode state: %w", op, err)
		}
	} else {
		var row stateRow
		err := s.db.Get(ctx, &row, `DELETE FROM oauth_states WHERE state = ? RETURNING `+stateColumns, value)
		if storage.IsNoRows(err) {
			return nil, errs.Auth(op, "invalid or already used state")
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		st = row.state()
	}

	if st.Expired(s.now()) {
		return nil, errs.Auth(op, "state expired")
	}
	return st, nil
}

// CleanupExpiredStates deletes unconsumed states that expired before now.
// Redis expires its keys on its own.
func (s *Store) CleanupExpiredStates(ctx context.Context) (int, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at <= ?`, storage.Millis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("cleanup expired states: %w", err)
	}
	return int(storage.Affected(res)), nil
}

// --- users ---

type userRow struct {
	ID          string `db:"id"`
	Username    string `db:"username"`
	Email       string `db:"email"`
	FirstName   string `db:"first_name"`
	LastName    string `db:"last_name"`
	DisplayName string `db:"display_name"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r userRow) user() *User {
	return &User{
		ID:          r.ID,
		Username:    r.Username,
		Email:       r.Email,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		DisplayName: r.DisplayName,
		CreatedAt:   storage.FromMillis(r.CreatedAt),
		UpdatedAt:   storage.FromMillis(r.UpdatedAt),
	}
}

const userColumns = `id, username, email, first_name, last_name, display_name, created_at, updated_at`

// UpsertUser creates the user for id.Username or updates the fields the
// claims carry when they differ from what is stored.
func (s *Store) UpsertUser(ctx context.Context, id Identity) (*User, error) {
	const op = "oauth.UpsertUser"
	if id.Username == "" {
		return nil, errs.Validation(op, "username claim is required")
	}
	now := storage.Millis(s.now())

	_, err := s.db.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (username) DO NOTHING
	`, uuid.NewString(), id.Username, id.Email, id.FirstName, id.LastName, id.DisplayName, now, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	u, err := s.GetUserByUsername(ctx, id.Username)
	if err != nil {
		return nil, err
	}

	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&u.Email, id.Email)
	set(&u.FirstName, id.FirstName)
	set(&u.LastName, id.LastName)
	set(&u.DisplayName, id.DisplayName)
	if !changed {
		return u, nil
	}

	u.UpdatedAt = storage.FromMillis(now)
	_, err = s.db.Exec(ctx, `
		UPDATE users SET email = ?, first_name = ?, last_name = ?, display_name = ?, updated_at = ?
		WHERE id = ?
	`, u.Email, u.FirstName, u.LastName, u.DisplayName, now, u.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var row userRow
	err := s.db.Get(ctx, &row, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	if storage.IsNoRows(err) {
		return nil, errs.NotFound("oauth.GetUser", "user %s not found", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return row.user(), nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var row userRow
	err := s.db.Get(ctx, &row, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	if storage.IsNoRows(err) {
		return nil, errs.NotFound("oauth.GetUserByUsername", "user %s not found", username)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return row.user(), nil
}
