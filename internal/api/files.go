package api

import (
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"

	"github.com/yecday/registration/internal/apperror"
	"github.com/yecday/registration/internal/storage"
)

// ServeFile streams an object from local storage behind a signed link.
func (h *Handler) ServeFile(local *storage.LocalStorage) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Params("*")
		if !local.VerifySignature(key, c.Query("expires"), c.Query("signature")) {
			return apperror.Forbidden("link invalid or expired")
		}

		rc, err := local.Get(ctxOf(c), key)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				return apperror.NotFound("file not found")
			}
			return fmt.Errorf("failed to open %s: %w", key, err)
		}
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}

		c.Set(fiber.HeaderContentType, mimetype.Detect(data).String())
		c.Set(fiber.HeaderContentDisposition, "inline")
		return c.Send(data)
	}
}
