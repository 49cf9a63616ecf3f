// Package foundations implements the write probe: an idempotent endpoint that
// records an audit fact and enqueues a FOUNDATION_WRITE_RECORDED event in the
// same transaction.
package foundations

//go:generate mockgen -source=service.go -destination=mock_submitter_test.go -package=foundations Submitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shipwright/outbox"
	"github.com/shipwright/outbox/internal/logging"
)

// Endpoint scopes idempotency keys of the write probe.
const Endpoint = "/v1/foundations/write-probe"

// Submitter runs an idempotent write. *outbox.Writer implements it.
type Submitter interface {
	Submit(ctx context.Context, scope outbox.IdempotencyScope, fn outbox.SubmitFunc) (*outbox.Result, error)
}

// WriteProbeInput is the request body of the write probe.
type WriteProbeInput struct {
	OrgID      string         `json:"orgId" validate:"required,uuid"`
	EntityType string         `json:"entityType" validate:"required,min=2"`
	EntityID   string         `json:"entityId" validate:"required,uuid"`
	Action     string         `json:"action" validate:"required,min=2"`
	Metadata   map[string]any `json:"metadata"`
}

// Accepted is the body answered, and cached, for a recorded probe.
type Accepted struct {
	Status          string `json:"status"`
	RequestID       string `json:"requestId"`
	OutboxMessageID string `json:"outboxMessageId"`
}

// Issue describes one rejected field.
type Issue struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError is returned when the request body is malformed.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid_payload"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Rule)
	}
	return "invalid_payload: " + strings.Join(parts, ", ")
}

// Service records write probes. It is safe for concurrent use.
type Service struct {
	submitter Submitter
	dbCtx     *outbox.DBContext
	logger    *zap.Logger
	validate  *validator.Validate
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger used for request outcomes. Nil keeps the no-op default.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a write probe service. dbCtx supplies the SQL dialect of
// the audit insert.
func NewService(submitter Submitter, dbCtx *outbox.DBContext, opts ...ServiceOption) *Service {
	s := &Service{
		submitter: submitter,
		dbCtx:     dbCtx,
		logger:    zap.NewNop(),
		validate:  validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordWrite validates body and performs the probe under the idempotency
// key of actorID. A replay returns the cached result without writing.
func (s *Service) RecordWrite(ctx context.Context, actorID, idempotencyKey string, body []byte) (*outbox.Result, error) {
	input, err := s.parse(body)
	if err != nil {
		return nil, err
	}

	requestID := logging.RequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := logging.FromContext(ctx, s.logger).With(
		zap.String("actor_id", actorID),
		zap.String("entity_id", input.EntityID),
		zap.String("org_id", input.OrgID),
	)

	scope := outbox.IdempotencyScope{ActorID: actorID, Endpoint: Endpoint, Key: idempotencyKey}
	res, err := s.submitter.Submit(ctx, scope, s.record(actorID, requestID, input))
	if err != nil {
		log.Error("write_probe_failed", zap.Error(err))
		return nil, err
	}

	log.Info("write_probe_recorded", zap.Bool("replay", res.Replay))
	return res, nil
}

func (s *Service) parse(body []byte) (*WriteProbeInput, error) {
	var input WriteProbeInput
	if err := json.Unmarshal(body, &input); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Field: "body", Rule: "json"}}}
	}

	if err := s.validate.Struct(&input); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, fmt.Errorf("validating write probe: %w", err)
		}
		issues := make([]Issue, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			issues = append(issues, Issue{Field: jsonName(fe.Field()), Rule: fe.Tag()})
		}
		return nil, &ValidationError{Issues: issues}
	}

	if input.Metadata == nil {
		input.Metadata = map[string]any{}
	}
	return &input, nil
}

func (s *Service) record(actorID, requestID string, input *WriteProbeInput) outbox.SubmitFunc {
	return func(ctx context.Context, tx outbox.TxQueryer, msgWriter outbox.MessageWriter) (outbox.Response, error) {
		metadata, err := json.Marshal(input.Metadata)
		if err != nil {
			return outbox.Response{}, fmt.Errorf("encoding metadata: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.insertAuditQuery(),
			requestID, actorID, input.OrgID, input.EntityType, input.EntityID, input.Action, string(metadata))
		if err != nil {
			return outbox.Response{}, fmt.Errorf("inserting audit log: %w", err)
		}

		msg, err := outbox.NewEventMessage(input.EntityType, input.EntityID, outbox.FoundationWriteRecorded{
			ActorID:   actorID,
			OrgID:     input.OrgID,
			Action:    input.Action,
			Metadata:  input.Metadata,
			RequestID: requestID,
		})
		if err != nil {
			return outbox.Response{}, err
		}
		if err := msgWriter.Store(ctx, msg); err != nil {
			return outbox.Response{}, err
		}

		body, err := json.Marshal(Accepted{
			Status:          "accepted",
			RequestID:       requestID,
			OutboxMessageID: msg.ID.String(),
		})
		if err != nil {
			return outbox.Response{}, fmt.Errorf("encoding response: %w", err)
		}
		return outbox.Response{Code: http.StatusCreated, Body: body}, nil
	}
}

func (s *Service) insertAuditQuery() string {
	p := s.dbCtx.Placeholder
	return fmt.Sprintf(`INSERT INTO %s (request_id, actor_id, org_id, entity_type, entity_id, action, metadata, created_at)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		AuditTable, p(1), p(2), p(3), p(4), p(5), p(6), p(7), s.dbCtx.CurrentTimestamp())
}

func jsonName(field string) string {
	switch field {
	case "OrgID":
		return "orgId"
	case "EntityType":
		return "entityType"
	case "EntityID":
		return "entityId"
	case "Action":
		return "action"
	case "Metadata":
		return "metadata"
	}
	return field
}
