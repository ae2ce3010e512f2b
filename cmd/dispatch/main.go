// Command dispatch runs a single outbox pass and prints the result as JSON.
// It is meant for external schedulers that cannot call the cron endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/yecday/registration/internal/config"
	"github.com/yecday/registration/internal/logger"
	"github.com/yecday/registration/internal/mailer"
	"github.com/yecday/registration/internal/outbox"
	"github.com/yecday/registration/internal/repository"
	"github.com/yecday/registration/internal/telemetry"
)

var version = "dev"

func main() {
	var (
		batch        = flag.Int("batch", 0, "Maximum rows to claim (0 uses EMAIL_BATCH_SIZE)")
		dryRun       = flag.Bool("dry-run", false, "Report what would be sent without sending or changing rows")
		releaseStale = flag.Bool("release-stale", true, "Return stale processing rows to the queue first")
	)
	flag.Parse()

	if err := run(context.Background(), *batch, *dryRun, *releaseStale); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, batch int, dryRun, releaseStale bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry, version, cfg.Server.Environment)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	// Logs go to stderr so stdout carries only the JSON result.
	log := logger.NewWithWriter(os.Stderr, cfg.Server.Environment, tel.Handler(logger.Level(cfg.Server.Environment)))

	repo, db, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	provider, err := mailer.NewProvider(cfg.Email, log)
	if err != nil {
		return err
	}
	renderer, err := mailer.NewTemplateRenderer()
	if err != nil {
		return err
	}
	dispatcher := outbox.NewDispatcher(log, repo, provider, renderer, nil, outbox.ConfigFromEmail(cfg.Email), time.Now)

	if releaseStale && !dryRun && cfg.Email.StaleClaimTimeout > 0 {
		if _, err := dispatcher.ReleaseStale(ctx, cfg.Email.StaleClaimTimeout); err != nil {
			return err
		}
	}

	result, err := dispatcher.Dispatch(ctx, outbox.DispatchParams{BatchSize: batch, DryRun: dryRun})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
