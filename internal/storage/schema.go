package storage

var schema = []string{
	`CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id TEXT PRIMARY KEY,
		client_secret TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL,
		base_url TEXT NOT NULL,
		callback_url TEXT NOT NULL,
		authorization_url TEXT NOT NULL DEFAULT '',
		token_url TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_tokens (
		user_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		token_type TEXT NOT NULL DEFAULT 'Bearer',
		scope TEXT NOT NULL DEFAULT '',
		expires_at BIGINT NOT NULL,
		refresh_expires_at BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (user_id, client_id)
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_states (
		state TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		redirect_after TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_oauth_states_expires ON oauth_states(expires_at)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id TEXT PRIMARY KEY,
		auto_discover_on_login BOOLEAN NOT NULL,
		max_projects_per_discovery INTEGER NOT NULL,
		discovery_cooldown_hours INTEGER NOT NULL,
		preferred_systems TEXT NOT NULL DEFAULT '',
		last_auto_discovery BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ingest_units (
		identity TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		unit_name TEXT NOT NULL,
		root_path TEXT NOT NULL,
		symlink_path TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ingest_units_state ON ingest_units(state)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		identity TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		source_system TEXT NOT NULL DEFAULT '',
		source_path TEXT NOT NULL DEFAULT '',
		import_url TEXT NOT NULL DEFAULT '',
		image_count INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		UNIQUE (owner, identity)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_projects_owner_source ON projects(owner, source)`,
}
