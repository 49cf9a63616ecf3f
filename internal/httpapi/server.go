// Package httpapi exposes the write path over HTTP with fiber.
package httpapi

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/shipwright/outbox"
	"github.com/shipwright/outbox/internal/foundations"
)

const (
	HeaderRequestID        = "X-Request-Id"
	HeaderActorID          = "X-Actor-Id"
	HeaderIdempotencyKey   = "X-Idempotency-Key"
	HeaderIdempotentReplay = "X-Idempotent-Replay"
)

const readyTimeout = 2 * time.Second

// WriteProber records write probes. *foundations.Service implements it.
type WriteProber interface {
	RecordWrite(ctx context.Context, actorID, idempotencyKey string, body []byte) (*outbox.Result, error)
}

// Pinger checks store reachability. *sql.DB implements it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators of the API.
type Deps struct {
	Prober WriteProber
	DB     Pinger
	Logger *zap.Logger
}

// NewApp builds the fiber application with its middleware and routes.
func NewApp(deps Deps) *fiber.App {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		AppName:               "api",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})

	app.Use(requestContext(logger))
	app.Use(recover.New())

	h := &handlers{prober: deps.Prober, db: deps.DB}
	app.Get("/healthz", h.healthz)
	app.Get("/readyz", h.readyz)

	v1 := app.Group("/v1", requireActor(), requireIdempotencyKey())
	v1.Post("/foundations/write-probe", h.writeProbe)

	return app
}

type handlers struct {
	prober WriteProber
	db     Pinger
}

func (h *handlers) healthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"service":   "api",
		"requestId": requestID(c),
	})
}

func (h *handlers) readyz(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), readyTimeout)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":    "error",
			"service":   "api",
			"requestId": requestID(c),
			"message":   "database_not_ready",
			"error":     err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"status":    "ok",
		"service":   "api",
		"requestId": requestID(c),
	})
}

func (h *handlers) writeProbe(c *fiber.Ctx) error {
	res, err := h.prober.RecordWrite(c.UserContext(), actorID(c), c.Get(HeaderIdempotencyKey), c.Body())
	if err != nil {
		return err
	}

	if res.Replay {
		c.Set(HeaderIdempotentReplay, "true")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(res.Code).Send(res.Body)
}

var _ WriteProber = (*foundations.Service)(nil)
