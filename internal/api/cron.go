package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/yecday/registration/internal/apperror"
	"github.com/yecday/registration/internal/outbox"
)

const maxCronBatch = 500

type dispatchResponse struct {
	OK bool `json:"ok"`
	outbox.Result
}

// DispatchEmails runs one outbox pass for external schedulers.
func (h *Handler) DispatchEmails(c *fiber.Ctx) error {
	batch := c.QueryInt("batch")
	if batch < 0 || batch > maxCronBatch {
		return apperror.Validation("batch must be between 0 and %d", maxCronBatch)
	}

	result, err := h.svc.Dispatcher.Dispatch(ctxOf(c), outbox.DispatchParams{
		BatchSize: batch,
		DryRun:    c.QueryBool("dry_run"),
	})
	if err != nil {
		return err
	}
	return c.JSON(dispatchResponse{OK: true, Result: result})
}
