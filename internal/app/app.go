// Package app wires the shared components of the ingestion binaries from a
// loaded Config.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/providentiaww/ptdatax-ingest/internal/config"
	"github.com/providentiaww/ptdatax-ingest/internal/flights"
	"github.com/providentiaww/ptdatax-ingest/internal/lease"
	"github.com/providentiaww/ptdatax-ingest/internal/oauth"
	"github.com/providentiaww/ptdatax-ingest/internal/queue"
	"github.com/providentiaww/ptdatax-ingest/internal/registry"
	"github.com/providentiaww/ptdatax-ingest/internal/storage"
	"github.com/providentiaww/ptdatax-ingest/internal/tapis"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// discoveryLockTTL bounds how long a crashed process can block discovery
// for one (user, client).
const discoveryLockTTL = 15 * time.Minute

// App holds the long-lived components shared by the binaries.
type App struct {
	Config      config.Config
	DB          *storage.DB
	Redis       *redis.Client
	Store       *oauth.Store
	Tapis       *tapis.Client
	Controller  *oauth.Controller
	Registry    *registry.SQLRegistry
	Preferences *flights.PreferenceStore
	Flights     *flights.Service
	// Queue is set when AMQP_URL is configured.
	Queue  *queue.AMQP
	inline *queue.Inline
}

// Init loads the environment and configures logging. Configuration errors
// are fatal.
func Init(defaultEnvPath string) config.Config {
	config.LoadEnv(defaultEnvPath)
	cfg, err := config.Load()
	if err != nil {
		Exitf("configuration: %v", err)
	}
	logging.Init(logging.ParseLevel(cfg.LogLevel), logging.Format(cfg.LogFormat), os.Stderr)
	return cfg
}

// Require exits when any check fails.
func Require(checks ...func() error) {
	for _, check := range checks {
		if err := check(); err != nil {
			Exitf("configuration: %v", err)
		}
	}
}

// Exitf logs a fatal startup error and exits.
func Exitf(format string, args ...any) {
	logging.Error("Main", fmt.Errorf(format, args...), "startup failed")
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// New connects storage, Redis and the queue and builds the OAuth2 and
// discovery components. sessions may be nil for binaries that never
// complete a login.
func New(ctx context.Context, cfg config.Config, sessions *oauth.Sessions) (*App, error) {
	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: db}

	var storeOpts []oauth.StoreOption
	var locks *lease.Keyed
	if cfg.RedisURL != "" {
		a.Redis, err = OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		storeOpts = append(storeOpts, oauth.WithRedis(a.Redis))
		locks = lease.NewKeyed(func(key string) lease.Locker {
			return lease.NewRedis(a.Redis, "ptdatax:discovery:"+key, discoveryLockTTL)
		})
		logging.Info("App", "using redis for OAuth2 states and discovery locks")
	}

	a.Store = oauth.NewStore(db, storeOpts...)
	a.Tapis = tapis.NewClient(
		tapis.WithTimeout(cfg.Tapis.Timeout),
		tapis.WithMaxRetries(cfg.Tapis.MaxRetries),
	)
	a.Controller = oauth.NewController(a.Store, a.Tapis, sessions,
		oauth.WithScope(cfg.Tapis.Scope),
		oauth.WithStateTTL(cfg.Server.StateTTL),
		oauth.WithDefaultRedirect(cfg.Server.DefaultRedirect),
	)
	a.Registry = registry.NewSQLRegistry(db)
	a.Preferences = flights.NewPreferenceStore(db)

	var pub queue.Publisher
	if cfg.Queue.AMQPURL != "" {
		q, err := queue.Dial(cfg.Queue.AMQPURL, cfg.Queue.Name)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = q
		pub = q
	} else {
		// downloads run in-process when no broker is configured
		a.inline = queue.NewInline(func(ctx context.Context, job queue.ImageSyncJob) error {
			return a.Flights.HandleImageSync(ctx, job)
		})
		pub = a.inline
	}

	a.Flights = flights.NewService(flights.Config{
		SystemPrefix: cfg.Discovery.SystemPrefix,
		Concurrency:  cfg.Discovery.Concurrency,
		CacheTTL:     cfg.Discovery.CacheTTL,
		DownloadDir:  cfg.Discovery.DownloadDir,
	}, flights.Deps{
		Remote:      a.Tapis,
		Tokens:      a.Controller,
		Clients:     a.Store,
		Projects:    a.Registry,
		Preferences: a.Preferences,
		Publisher:   pub,
		Locks:       locks,
	})
	return a, nil
}

// OpenRedis connects to url and checks the connection.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Close waits for in-process jobs and releases connections.
func (a *App) Close() {
	if a.inline != nil {
		a.inline.Wait()
	}
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			logging.Warn("App", "closing queue: %v", err)
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
