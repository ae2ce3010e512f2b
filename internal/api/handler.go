package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/yecday/registration/internal/account"
	"github.com/yecday/registration/internal/apperror"
	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/outbox"
	"github.com/yecday/registration/internal/rbac"
	"github.com/yecday/registration/internal/review"
	"github.com/yecday/registration/internal/storage"
	"github.com/yecday/registration/internal/telemetry"
	"github.com/yecday/registration/internal/validator"
)

const adminLocalsKey = "admin"

type Pinger interface {
	Ping(ctx context.Context) error
}

type Services struct {
	DB            Pinger
	Reviews       *review.Manager
	Authenticator *account.Authenticator
	Accounts      *account.Manager
	Dispatcher    *outbox.Dispatcher
	Storage       storage.Storage
	Authorizer    *rbac.Authorizer
}

type Options struct {
	// CronSecret guards the cron routes. Empty disables them.
	CronSecret   string
	SignedURLTTL time.Duration
	Flags        rbac.FeatureFlags
}

type Handler struct {
	logger    *slog.Logger
	svc       Services
	opts      Options
	validator *validator.Validator
}

func NewHandler(logger *slog.Logger, svc Services, opts Options) *Handler {
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = 15 * time.Minute
	}
	if svc.Authorizer == nil {
		svc.Authorizer = rbac.NewAuthorizer(nil)
	}
	return &Handler{
		logger:    logger,
		svc:       svc,
		opts:      opts,
		validator: validator.New(),
	}
}

// parse decodes the request body into dst and validates it.
func (h *Handler) parse(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return apperror.Validation("invalid request body")
	}
	return h.validator.Validate(dst)
}

func ctxOf(c *fiber.Ctx) context.Context {
	return telemetry.Context(c)
}

func currentAdmin(c *fiber.Ctx) model.AdminUser {
	admin, _ := c.Locals(adminLocalsKey).(model.AdminUser)
	return admin
}

func paramID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, apperror.NotFound("not found")
	}
	return id, nil
}

func (h *Handler) Healthy(c *fiber.Ctx) error {
	if err := h.svc.DB.Ping(ctxOf(c)); err != nil {
		h.logger.ErrorContext(ctxOf(c), "Database connection failed", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"ok":      false,
			"status":  "unhealthy",
			"message": "Database connection failed",
		})
	}

	return c.JSON(fiber.Map{
		"ok":     true,
		"status": "healthy",
	})
}
