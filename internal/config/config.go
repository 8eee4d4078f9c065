// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
)

// Tapis holds the authorization-server and storage API settings.
type Tapis struct {
	BaseURL     string        `env:"TAPIS_BASE_URL"`
	TenantID    string        `env:"TAPIS_TENANT_ID"`
	CallbackURL string        `env:"TAPIS_CALLBACK_URL"`
	Scope       string        `env:"TAPIS_SCOPE"        envDefault:"openid profile"`
	Timeout     time.Duration `env:"HTTP_TIMEOUT"       envDefault:"30s"`
	MaxRetries  int           `env:"HTTP_MAX_RETRIES"   envDefault:"3"`
}

type Database struct {
	Driver          string        `env:"DATABASE_DRIVER"            envDefault:"postgres"`
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS"    envDefault:"10"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS"    envDefault:"2"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
}

type Scanner struct {
	Root      string        `env:"INGEST_ROOT"          envDefault:"/data/ingest"`
	ActiveDir string        `env:"INGEST_ACTIVE_DIR"    envDefault:"/data/ingest/active"`
	Interval  time.Duration `env:"INGEST_SCAN_INTERVAL" envDefault:"1m"`
	Watch     bool          `env:"INGEST_WATCH"         envDefault:"true"`
	LockFile  string        `env:"INGEST_LOCK_FILE"`
}

type Server struct {
	Addr              string        `env:"HTTP_ADDR"            envDefault:":8080"`
	PublicURL         string        `env:"PUBLIC_URL"           envDefault:"http://localhost:8080"`
	SessionSecret     string        `env:"SESSION_SECRET"`
	SessionTTL        time.Duration `env:"SESSION_TTL"          envDefault:"12h"`
	StateTTL          time.Duration `env:"STATE_TTL"            envDefault:"10m"`
	DefaultRedirect   string        `env:"DEFAULT_REDIRECT"     envDefault:"/dashboard/"`
	OperatorTokenHash string        `env:"OPERATOR_TOKEN_HASH"`
	SecureCookies     bool          `env:"SECURE_COOKIES"       envDefault:"true"`
}

type Queue struct {
	AMQPURL string `env:"AMQP_URL"`
	Name    string `env:"AMQP_QUEUE" envDefault:"ptdatax.image-sync"`
}

type Discovery struct {
	SystemPrefix string        `env:"DISCOVERY_SYSTEM_PREFIX" envDefault:"ptdatax.project."`
	Interval     time.Duration `env:"DISCOVERY_INTERVAL"      envDefault:"1h"`
	Concurrency  int           `env:"DISCOVERY_CONCURRENCY"   envDefault:"4"`
	DownloadDir  string        `env:"DOWNLOAD_DIR"            envDefault:"/data/downloads"`
	CacheTTL     time.Duration `env:"DISCOVERY_CACHE_TTL"     envDefault:"5m"`
}

// Config is the full process configuration. Each binary checks only the
// sections it needs with the Require* methods.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	RedisURL  string `env:"REDIS_URL"`

	Tapis     Tapis
	Database  Database
	Scanner   Scanner
	Server    Server
	Queue     Queue
	Discovery Discovery
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errs.E(errs.KindConfiguration, "config.Load", fmt.Errorf("parse env: %w", err))
	}
	cfg.Tapis.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Tapis.BaseURL), "/")
	cfg.Tapis.TenantID = strings.TrimSpace(cfg.Tapis.TenantID)
	return cfg, nil
}

// RequireTapis fails when the authorization server cannot be reached
// without further configuration.
func (c Config) RequireTapis() error {
	const op = "config.RequireTapis"
	if c.Tapis.BaseURL == "" {
		return errs.Configuration(op, "TAPIS_BASE_URL is required")
	}
	u, err := url.Parse(c.Tapis.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errs.Configuration(op, "TAPIS_BASE_URL %q is not an absolute URL", c.Tapis.BaseURL)
	}
	if c.Tapis.TenantID == "" {
		return errs.Configuration(op, "TAPIS_TENANT_ID is required")
	}
	if c.Tapis.Timeout <= 0 {
		return errs.Configuration(op, "HTTP_TIMEOUT must be positive")
	}
	return nil
}

func (c Config) RequireDatabase() error {
	const op = "config.RequireDatabase"
	if c.Database.URL == "" {
		return errs.Configuration(op, "DATABASE_URL is required")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return errs.Configuration(op, "DATABASE_DRIVER %q is not supported", c.Database.Driver)
	}
	return nil
}

func (c Config) RequireServer() error {
	const op = "config.RequireServer"
	if len(c.Server.SessionSecret) < 32 {
		return errs.Configuration(op, "SESSION_SECRET must be at least 32 characters")
	}
	if c.Server.StateTTL <= 0 {
		return errs.Configuration(op, "STATE_TTL must be positive")
	}
	return nil
}

func (c Config) RequireScanner() error {
	const op = "config.RequireScanner"
	if c.Scanner.Root == "" || c.Scanner.ActiveDir == "" {
		return errs.Configuration(op, "INGEST_ROOT and INGEST_ACTIVE_DIR are required")
	}
	if c.Scanner.Interval <= 0 {
		return errs.Configuration(op, "INGEST_SCAN_INTERVAL must be positive")
	}
	return nil
}
