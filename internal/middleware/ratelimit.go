package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type RateLimitConfig struct {
	Max        int
	Expiration time.Duration
	// Storage shares counters between instances. Nil keeps them in memory.
	Storage fiber.Storage
}

// RateLimit limits requests per client IP. Exceeding it yields
// {"code":"TOO_MANY_REQUESTS"} with status 429.
func RateLimit(cfg RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Expiration,
		Storage:    cfg.Storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP() // Limit by IP address
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"code":    "TOO_MANY_REQUESTS",
				"message": "Too many requests. Please try again later.",
			})
		},
	})
}
