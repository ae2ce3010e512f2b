package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/yecday/registration/internal/apperror"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respond writes {"ok": true, ...fields}.
func respond(c *fiber.Ctx, status int, fields fiber.Map) error {
	body := fiber.Map{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	return c.Status(status).JSON(body)
}

// ErrorHandler turns handler errors into {"code","message"} bodies.
// Unclassified errors are logged and reported as INTERNAL_ERROR without detail.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(errorResponse{
				Code:    string(kindForStatus(fe.Code)),
				Message: fe.Message,
			})
		}

		kind := apperror.KindOf(err)
		if kind == apperror.KindInternal {
			logger.ErrorContext(c.UserContext(), "Request failed",
				"method", c.Method(),
				"path", c.Path(),
				"error", err,
			)
		}
		return c.Status(apperror.HTTPStatus(kind)).JSON(errorResponse{
			Code:    string(kind),
			Message: apperror.MessageOf(err),
		})
	}
}

func kindForStatus(code int) apperror.Kind {
	switch code {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return apperror.KindValidation
	case http.StatusUnauthorized:
		return apperror.KindUnauthorized
	case http.StatusForbidden:
		return apperror.KindForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return apperror.KindNotFound
	case http.StatusConflict:
		return apperror.KindConflict
	case http.StatusTooManyRequests:
		return apperror.KindTooManyRequests
	default:
		return apperror.KindInternal
	}
}
