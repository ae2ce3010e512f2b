package api

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/yecday/registration/internal/middleware"
	"github.com/yecday/registration/internal/storage"
	"github.com/yecday/registration/internal/telemetry"
)

type AppConfig struct {
	ServiceName  string
	Production   bool
	BodyLimit    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// PublicRateLimit is the number of public form posts allowed per IP per minute.
	PublicRateLimit int
	// LimiterStorage shares rate limit counters between instances. Nil keeps them in memory.
	LimiterStorage fiber.Storage
}

// NewApp builds the Fiber application with every route registered.
func NewApp(logger *slog.Logger, h *Handler, cfg AppConfig) *fiber.App {
	if cfg.PublicRateLimit <= 0 {
		cfg.PublicRateLimit = 10
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.ServiceName,
		BodyLimit:             cfg.BodyLimit,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          ErrorHandler(logger),
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(telemetry.FiberMiddleware(cfg.ServiceName))
	app.Use(middleware.Logger(logger))
	app.Use(middleware.SecurityHeaders(cfg.Production))

	publicLimiter := middleware.RateLimit(middleware.RateLimitConfig{
		Max:        cfg.PublicRateLimit,
		Expiration: time.Minute,
		Storage:    cfg.LimiterStorage,
	})

	app.Get("/health", h.Healthy)

	if local, ok := h.svc.Storage.(*storage.LocalStorage); ok {
		app.Get("/files/*", middleware.NoStore(), h.ServeFile(local))
	}

	apiGroup := app.Group("/api", middleware.NoStore())
	apiGroup.Post("/registrations", publicLimiter, h.Submit)
	apiGroup.Post("/resubmit", publicLimiter, h.Resubmit)
	apiGroup.Post("/admin/login", publicLimiter, h.Login)

	admin := apiGroup.Group("/admin", h.AuthenticatedMiddleware())
	admin.Get("/me", h.Me)
	admin.Get("/dashboard", h.Dashboard)
	admin.Get("/outbox/stats", h.OutboxStats)

	admin.Get("/registrations", h.ListRegistrations)
	admin.Get("/registrations/:id", h.GetRegistration)
	admin.Get("/registrations/:id/audit", h.Audit)
	admin.Post("/registrations/:id/request-update", h.RequestUpdate)
	admin.Post("/registrations/:id/mark-pass", h.MarkPass)
	admin.Post("/registrations/:id/approve", h.Approve)
	admin.Post("/registrations/:id/reject", h.Reject)

	admin.Get("/users", h.ListUsers)
	admin.Post("/users", h.CreateUser)
	admin.Patch("/users/:id", h.UpdateUser)

	cron := apiGroup.Group("/cron", h.CronMiddleware())
	cron.Post("/dispatch-emails", h.DispatchEmails)
	cron.Get("/dispatch-emails", h.DispatchEmails)

	return app
}
