package api

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/yecday/registration/internal/apperror"
)

func bearerToken(c *fiber.Ctx) (string, bool) {
	authHeader := c.Get(fiber.HeaderAuthorization)
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(authHeader[7:])
	return token, token != ""
}

// AuthenticatedMiddleware loads the admin behind the bearer token. The role
// and active flag come from the database on every request.
func (h *Handler) AuthenticatedMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c)
		if !ok {
			return apperror.Unauthorized("missing or invalid Authorization header")
		}

		admin, err := h.svc.Authenticator.Authenticate(ctxOf(c), token)
		if err != nil {
			return err
		}

		c.Locals(adminLocalsKey, admin)
		return c.Next()
	}
}

// CronMiddleware accepts only the configured cron secret as bearer token.
func (h *Handler) CronMiddleware() fiber.Handler {
	secret := []byte(h.opts.CronSecret)
	return func(c *fiber.Ctx) error {
		if len(secret) == 0 {
			return apperror.Unauthorized("cron endpoints are disabled")
		}
		token, ok := bearerToken(c)
		if !ok || subtle.ConstantTimeCompare([]byte(token), secret) != 1 {
			return apperror.Unauthorized("invalid cron secret")
		}
		return c.Next()
	}
}
