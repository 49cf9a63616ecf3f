package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/shipwright/outbox"
	"github.com/shipwright/outbox/internal/database"
	"github.com/shipwright/outbox/internal/foundations"
)

// ErrorBody is the "error" member of every error response.
type ErrorBody struct {
	Message string              `json:"message"`
	Issues  []foundations.Issue `json:"issues,omitempty"`
}

// ErrorResponse is the envelope of every error response.
type ErrorResponse struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status, body := classify(err)

		log := logger.With(
			zap.String("request_id", requestID(c)),
			zap.String("actor_id", actorID(c)),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status_code", status),
		)
		if status >= fiber.StatusInternalServerError {
			log.Error("request_failed", zap.Error(err))
		} else {
			log.Warn("request_failed", zap.Error(err))
		}

		return c.Status(status).JSON(ErrorResponse{Error: body, RequestID: requestID(c)})
	}
}

func classify(err error) (int, ErrorBody) {
	var (
		vErr     *foundations.ValidationError
		fiberErr *fiber.Error
	)
	switch {
	case errors.As(err, &vErr):
		return fiber.StatusBadRequest, ErrorBody{Message: "invalid_payload", Issues: vErr.Issues}
	case errors.Is(err, outbox.ErrInvalidIdempotencyKey):
		return fiber.StatusBadRequest, ErrorBody{Message: "invalid_or_missing_idempotency_key"}
	case errors.Is(err, outbox.ErrInvalidEvent), errors.Is(err, outbox.ErrUnknownEventType):
		return fiber.StatusBadRequest, ErrorBody{Message: "invalid_payload"}
	case errors.Is(err, outbox.ErrIdempotencyInconsistent):
		return fiber.StatusConflict, ErrorBody{Message: "idempotency_record_missing_response"}
	case errors.As(err, &fiberErr):
		return fiberErr.Code, ErrorBody{Message: fiberErr.Message}
	case database.IsTransient(err):
		return fiber.StatusServiceUnavailable, ErrorBody{Message: "service_unavailable"}
	default:
		return fiber.StatusInternalServerError, ErrorBody{Message: "internal_server_error"}
	}
}
