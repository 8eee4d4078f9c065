// Package main runs the directory discovery scanner, either once (for cron)
// or as a long-running interval and fsnotify loop.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/providentiaww/ptdatax-ingest/internal/app"
	"github.com/providentiaww/ptdatax-ingest/internal/metrics"
	"github.com/providentiaww/ptdatax-ingest/internal/scanner"
	"github.com/providentiaww/ptdatax-ingest/internal/storage"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

func main() {
	once := flag.Bool("once", false, "run a single scan and exit")
	envPath := flag.String("env", "../../.env", "fallback .env file")
	metricsAddr := flag.String("metrics-addr", "", "serve /metrics on this address while running")
	flag.Parse()

	cfg := app.Init(*envPath)
	app.Require(cfg.RequireDatabase, cfg.RequireScanner)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		app.Exitf("failed to open database: %v", err)
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if rdb, err = app.OpenRedis(ctx, cfg.RedisURL); err != nil {
			app.Exitf("%v", err)
		}
		defer rdb.Close()
	}

	sc, err := app.NewScanner(db, rdb, cfg.Scanner)
	if err != nil {
		app.Exitf("failed to initialize scanner: %v", err)
	}

	if *once {
		res, err := sc.Scan(ctx)
		if errors.Is(err, scanner.ErrScanInProgress) {
			logging.Info("Main", "another scan holds the lock, nothing to do")
			return
		}
		if err != nil {
			app.Exitf("scan failed: %v", err)
		}
		report(res)
		if res.Failed > 0 {
			os.Exit(2)
		}
		return
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	runner := &scanner.Runner{
		Scanner:  sc,
		Interval: cfg.Scanner.Interval,
		Watch:    cfg.Scanner.Watch,
		OnResult: func(res *scanner.Result, err error) {
			if err == nil {
				report(res)
			}
		},
	}
	logging.Info("Main", "scanning %s every %s (watch=%t)", cfg.Scanner.Root, cfg.Scanner.Interval, cfg.Scanner.Watch)
	if err := runner.Run(ctx); err != nil {
		app.Exitf("scanner stopped: %v", err)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logging.Error("Main", err, "metrics listener on %s stopped", addr)
	}
}

func report(res *scanner.Result) {
	for _, u := range res.Units {
		if u.Outcome == scanner.OutcomeOrphaned || u.Outcome == scanner.OutcomeFailed {
			logging.Warn("Main", "%s/%s: %s %s", u.Owner, u.Unit, u.Outcome, u.Error)
		}
	}
	logging.Info("Main", "scan finished: %d registered, %d skipped, %d orphaned, %d failed",
		res.Registered, res.Skipped, res.Orphaned, res.Failed)
}
