package httpapi

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shipwright/outbox"
	"github.com/shipwright/outbox/internal/logging"
)

const (
	localRequestID = "request_id"
	localActorID   = "actor_id"
)

var writeMethods = map[string]bool{
	fiber.MethodPost:   true,
	fiber.MethodPut:    true,
	fiber.MethodPatch:  true,
	fiber.MethodDelete: true,
}

// requestContext assigns the request id, echoes it and logs every completed
// request. Errors from the chain are rendered here so the logged status is final.
func requestContext(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		id := strings.TrimSpace(c.Get(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Locals(localRequestID, id)
		c.Set(HeaderRequestID, id)
		c.SetUserContext(logging.WithRequestID(c.UserContext(), id))

		if err := c.Next(); err != nil {
			if herr := c.App().Config().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		logging.FromContext(c.UserContext(), logger).Info("request_complete",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status_code", c.Response().StatusCode()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return nil
	}
}

// requireActor rejects requests without the actor set by the upstream authenticator.
func requireActor() fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor := strings.TrimSpace(c.Get(HeaderActorID))
		if actor == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing_actor")
		}
		c.Locals(localActorID, actor)
		c.SetUserContext(logging.WithActorID(c.UserContext(), actor))
		return c.Next()
	}
}

func requireIdempotencyKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !writeMethods[c.Method()] {
			return c.Next()
		}
		if !outbox.ValidIdempotencyKey(c.Get(HeaderIdempotencyKey)) {
			return outbox.ErrInvalidIdempotencyKey
		}
		return c.Next()
	}
}

func requestID(c *fiber.Ctx) string {
	id, _ := c.Locals(localRequestID).(string)
	return id
}

func actorID(c *fiber.Ctx) string {
	id, _ := c.Locals(localActorID).(string)
	return id
}
