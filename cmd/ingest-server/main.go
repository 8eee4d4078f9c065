package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/providentiaww/ptdatax-ingest/cmd/ingest-server/auth"
	"github.com/providentiaww/ptdatax-ingest/cmd/ingest-server/handlers"
	"github.com/providentiaww/ptdatax-ingest/internal/app"
	"github.com/providentiaww/ptdatax-ingest/internal/metrics"
	"github.com/providentiaww/ptdatax-ingest/internal/oauth"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := app.Init("../../.env")
	app.Require(cfg.RequireTapis, cfg.RequireDatabase, cfg.RequireServer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions, err := oauth.NewSessions(cfg.Server.SessionSecret, cfg.Server.SessionTTL)
	if err != nil {
		app.Exitf("configuration: %v", err)
	}

	a, err := app.New(ctx, cfg, sessions)
	if err != nil {
		app.Exitf("failed to initialize: %v", err)
	}
	defer a.Close()

	// logins trigger discovery when the user's preferences allow it
	a.Controller.SetLoginHook(a.Flights.AutoDiscover)

	router := handlers.Router{
		OAuth:     handlers.NewOAuthHandler(a.Controller, sessions, cfg.Server.SecureCookies),
		Discovery: handlers.NewDiscoveryHandler(a.Flights, a.Preferences, a.Store),
		Admin:     handlers.NewAdminHandler(a.Store, cfg.Tapis),
		Sessions:  sessions,
		Operator:  auth.NewOperator(cfg.Server.OperatorTokenHash),
		Health:    a.Store,
		Metrics:   metrics.Handler(),
	}
	if !router.Operator.Enabled() {
		logging.Warn("Main", "OPERATOR_TOKEN_HASH is not set, admin endpoints are disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error("Main", err, "graceful shutdown failed")
		}
	}()

	logging.Info("Main", "ingest server listening on %s (tenant %s, public URL %s)",
		cfg.Server.Addr, cfg.Tapis.TenantID, cfg.Server.PublicURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.Exitf("failed to start server: %v", err)
	}
	logging.Info("Main", "ingest server stopped")
}
