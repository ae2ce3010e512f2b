package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/storage/postgres/v3"
	"github.com/redis/go-redis/v9"

	"github.com/yecday/registration/internal/account"
	"github.com/yecday/registration/internal/api"
	"github.com/yecday/registration/internal/badge"
	"github.com/yecday/registration/internal/config"
	"github.com/yecday/registration/internal/daemon"
	"github.com/yecday/registration/internal/database"
	"github.com/yecday/registration/internal/logger"
	"github.com/yecday/registration/internal/mailer"
	"github.com/yecday/registration/internal/notifications"
	"github.com/yecday/registration/internal/outbox"
	"github.com/yecday/registration/internal/ratelimit"
	"github.com/yecday/registration/internal/rbac"
	"github.com/yecday/registration/internal/repository"
	"github.com/yecday/registration/internal/review"
	"github.com/yecday/registration/internal/storage"
	"github.com/yecday/registration/internal/telemetry"
	"github.com/yecday/registration/internal/token"
	"github.com/yecday/registration/internal/util"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	tokenCleanupInterval = time.Hour
	tokenRetention       = 24 * time.Hour
	shutdownTimeout      = 15 * time.Second
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Set up telemetry first so the logger can export through it
	tel, err := telemetry.New(ctx, cfg.Telemetry, version, cfg.Server.Environment)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log := logger.New(cfg.Server.Environment, tel.Handler(logger.Level(cfg.Server.Environment)))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	if cfg.Token.Secret == "" {
		secret, err := util.RandomString(48)
		if err != nil {
			return err
		}
		cfg.Token.Secret = secret
		log.Warn("TOKEN_SECRET is not set, using a random secret; tokens and file links will not survive a restart")
	}

	// Set up database
	repo, db, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		log.Error("Failed to initialize database", "error", err)
		return err
	}
	if db != nil {
		defer db.Close()
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(cfg.Database.URL); err != nil {
				return err
			}
			log.Info("Database migrations applied")
		}
	} else {
		log.Warn("Using the in-memory repository; data is lost on restart")
	}

	store, err := storage.NewStorageFromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = ratelimit.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	provider, err := mailer.NewProvider(cfg.Email, log)
	if err != nil {
		return err
	}
	renderer, err := mailer.NewTemplateRenderer()
	if err != nil {
		return err
	}

	matrix, err := rbac.ParseMatrix(cfg.RBAC.Grants)
	if err != nil {
		return err
	}
	bootstrapAdmins, err := rbac.ParseBootstrap(cfg.RBAC.BootstrapAdmins)
	if err != nil {
		return err
	}
	if n, err := rbac.Bootstrap(ctx, log, repo, bootstrapAdmins); err != nil {
		return err
	} else if n > 0 {
		log.Info("Bootstrap admins created; set their passwords with cmd/admin", "count", n)
	}

	flags := rbac.FeatureFlags{ManagementMenu: cfg.Features.ManagementMenu}
	authorizer := rbac.NewAuthorizer(matrix)
	tokens := token.NewManager(cfg.Token.Secret, cfg.Token.AdminTokenTTL, cfg.Token.ResubmitTTL)
	notifier := notifications.NewManager(log, notifications.NopRecorder{}, notifications.NewAlerter(cfg.Telegram))

	reviews := review.NewManager(log, repo, authorizer, tokens, notifier,
		badge.NewRenderer(log, store),
		store,
		review.Config{PublicURL: cfg.Server.BaseURL, BadgeURLTTL: cfg.Token.ResubmitTTL},
	)
	dispatcher := outbox.NewDispatcher(log, repo, provider, renderer,
		ratelimit.New(redisClient, "send", cfg.Email.SendBudget, cfg.Email.SendBudgetWindow),
		outbox.ConfigFromEmail(cfg.Email),
		time.Now,
	)
	loginAttempts := ratelimit.New(redisClient, "login", 10, 15*time.Minute)

	handler := api.NewHandler(log, api.Services{
		DB:            repo,
		Reviews:       reviews,
		Authenticator: account.NewAuthenticator(log, repo, tokens, loginAttempts),
		Accounts:      account.NewManager(log, repo, flags),
		Dispatcher:    dispatcher,
		Storage:       store,
		Authorizer:    authorizer,
	}, api.Options{
		CronSecret:   cfg.Cron.Secret,
		SignedURLTTL: cfg.Storage.SignedURLTTL,
		Flags:        flags,
	})

	appConfig := api.AppConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		Production:   cfg.Server.IsProduction(),
		BodyLimit:    cfg.Server.BodyLimit,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if db != nil {
		appConfig.LimiterStorage = postgres.New(postgres.Config{
			DB:         db.Pool,
			Table:      "fiber_rate_limit",
			Reset:      false,
			GCInterval: time.Minute,
		})
	}
	app := api.NewApp(log, handler, appConfig)

	// Background work
	manager := daemon.NewDaemonManager(log)
	if cfg.Email.DispatchInterval > 0 {
		manager.Add("outbox-dispatch", daemon.DispatchEmailsTask(dispatcher, log, cfg.Email.DispatchInterval, cfg.Email.BatchSize))
	}
	if cfg.Email.StaleClaimTimeout > 0 {
		manager.Add("outbox-stale-claims", daemon.ReleaseStaleClaimsTask(dispatcher, log, cfg.Email.StaleClaimTimeout/2, cfg.Email.StaleClaimTimeout))
	}
	manager.Add("token-cleanup", daemon.CleanupTask(repo, log, tokenCleanupInterval, tokenRetention))

	log.Info("Starting supervised daemons...")
	manager.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		addr := cfg.Server.Host + ":" + cfg.Server.Port
		log.Info("Starting HTTP server", "addr", addr, "version", version, "environment", cfg.Server.Environment)
		serverErr <- app.Listen(addr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			log.Error("HTTP server stopped", "error", err)
			stop()
			manager.Wait()
			return err
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}

	manager.Wait()
	log.Info("All daemons stopped")
	return nil
}
