// Package main consumes queued image downloads and runs the periodic remote
// discovery and OAuth2 state cleanup.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/providentiaww/ptdatax-ingest/internal/app"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

func main() {
	envPath := flag.String("env", "../../.env", "fallback .env file")
	concurrency := flag.Int("concurrency", 4, "image downloads processed in parallel")
	noPeriodic := flag.Bool("no-periodic", false, "only consume the queue")
	flag.Parse()

	cfg := app.Init(*envPath)
	app.Require(cfg.RequireTapis, cfg.RequireDatabase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		app.Exitf("failed to initialize: %v", err)
	}
	defer a.Close()

	var wg sync.WaitGroup
	if a.Queue != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logging.Info("Main", "consuming %s with concurrency %d", cfg.Queue.Name, *concurrency)
			if err := a.Queue.Consume(ctx, *concurrency, a.Flights.HandleImageSync); err != nil {
				logging.Error("Main", err, "queue consumer stopped")
				stop()
			}
		}()
	} else {
		logging.Warn("Main", "AMQP_URL is not set, no queue to consume")
	}

	if !*noPeriodic {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logging.Info("Main", "periodic discovery every %s", cfg.Discovery.Interval)
			a.RunPeriodic(ctx, cfg.Discovery.Interval, cfg.Server.StateTTL)
		}()
	}

	wg.Wait()
	logging.Info("Main", "worker stopped")
}
