package foundations

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shipwright/outbox"
	"github.com/shipwright/outbox/internal/logging"
)

const (
	orgID    = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	entityID = "0f8fad5b-d9cb-469f-a165-70867728950e"
)

type recordingWriter struct {
	stored []*outbox.Message
	err    error
}

func (w *recordingWriter) Store(_ context.Context, msg *outbox.Message) error {
	if w.err != nil {
		return w.err
	}
	w.stored = append(w.stored, msg)
	return nil
}

func probeBody(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		"orgId":      orgID,
		"entityType": "job",
		"entityId":   entityID,
		"action":     "create",
	}
	for k, v := range fields {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	b, err := json.Marshal(body)
	require.NoError(t, err)
	return b
}

func newTestService(t *testing.T, submitter Submitter, logger *zap.Logger) *Service {
	t.Helper()
	dbCtx := outbox.NewDBContextWithDB(nil, outbox.SQLDialectPostgres)
	return NewService(submitter, dbCtx, WithLogger(logger))
}

func TestRecordWriteFirstAttempt(t *testing.T) {
	ctrl := gomock.NewController(t)
	submitter := NewMockSubmitter(ctrl)
	core, logs := observer.New(zapcore.InfoLevel)
	svc := newTestService(t, submitter, zap.New(core))

	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sqlMock.ExpectBegin()
	sqlMock.ExpectExec("INSERT INTO audit_log").
		WithArgs("req-1", "actor-1", orgID, "job", entityID, "create", `{"source":"probe"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	writer := &recordingWriter{}
	submitter.EXPECT().
		Submit(gomock.Any(), outbox.IdempotencyScope{ActorID: "actor-1", Endpoint: Endpoint, Key: "probe-key-0001"}, gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ outbox.IdempotencyScope, fn outbox.SubmitFunc) (*outbox.Result, error) {
			tx, err := db.Begin()
			require.NoError(t, err)
			resp, err := fn(ctx, tx, writer)
			if err != nil {
				return nil, err
			}
			return &outbox.Result{Code: resp.Code, Body: resp.Body}, nil
		})

	ctx := logging.WithRequestID(context.Background(), "req-1")
	res, err := svc.RecordWrite(ctx, "actor-1", "probe-key-0001", probeBody(t, map[string]any{"metadata": map[string]any{"source": "probe"}}))

	require.NoError(t, err)
	assert.False(t, res.Replay)
	assert.Equal(t, 201, res.Code)

	require.Len(t, writer.stored, 1)
	msg := writer.stored[0]
	assert.Equal(t, outbox.EventFoundationWriteRecorded, msg.EventType)
	assert.Equal(t, "job", msg.AggregateType)
	assert.Equal(t, entityID, msg.AggregateID)

	ev, err := outbox.DecodeEvent(msg)
	require.NoError(t, err)
	recorded := ev.(*outbox.FoundationWriteRecorded)
	assert.Equal(t, "actor-1", recorded.ActorID)
	assert.Equal(t, "req-1", recorded.RequestID)
	assert.Equal(t, "probe", recorded.Metadata["source"])

	var accepted Accepted
	require.NoError(t, json.Unmarshal(res.Body, &accepted))
	assert.Equal(t, Accepted{Status: "accepted", RequestID: "req-1", OutboxMessageID: msg.ID.String()}, accepted)

	entries := logs.FilterMessage("write_probe_recorded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	assert.Equal(t, false, entries[0].ContextMap()["replay"])
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestRecordWriteDefaultsMetadata(t *testing.T) {
	ctrl := gomock.NewController(t)
	submitter := NewMockSubmitter(ctrl)
	svc := newTestService(t, submitter, zap.NewNop())

	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sqlMock.ExpectBegin()
	sqlMock.ExpectExec("INSERT INTO audit_log").
		WithArgs(sqlmock.AnyArg(), "actor-1", orgID, "job", entityID, "create", `{}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	submitter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ outbox.IdempotencyScope, fn outbox.SubmitFunc) (*outbox.Result, error) {
			tx, err := db.Begin()
			require.NoError(t, err)
			resp, err := fn(ctx, tx, &recordingWriter{})
			if err != nil {
				return nil, err
			}
			return &outbox.Result{Code: resp.Code, Body: resp.Body}, nil
		})

	res, err := svc.RecordWrite(context.Background(), "actor-1", "probe-key-0002", probeBody(t, nil))

	require.NoError(t, err)
	var accepted Accepted
	require.NoError(t, json.Unmarshal(res.Body, &accepted))
	assert.NotEmpty(t, accepted.RequestID)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestRecordWriteReplay(t *testing.T) {
	ctrl := gomock.NewController(t)
	submitter := NewMockSubmitter(ctrl)
	svc := newTestService(t, submitter, zap.NewNop())

	cached := &outbox.Result{Replay: true, Code: 201, Body: []byte(`{"status":"accepted"}`)}
	submitter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(cached, nil)

	res, err := svc.RecordWrite(context.Background(), "actor-1", "probe-key-0003", probeBody(t, nil))

	require.NoError(t, err)
	assert.Equal(t, cached, res)
}

func TestRecordWriteValidation(t *testing.T) {
	testCases := []struct {
		name  string
		body  func(t *testing.T) []byte
		field string
		rule  string
	}{
		{
			name:  "not_json",
			body:  func(*testing.T) []byte { return []byte("{") },
			field: "body",
			rule:  "json",
		},
		{
			name:  "missing_org_id",
			body:  func(t *testing.T) []byte { return probeBody(t, map[string]any{"orgId": nil}) },
			field: "orgId",
			rule:  "required",
		},
		{
			name:  "entity_id_not_uuid",
			body:  func(t *testing.T) []byte { return probeBody(t, map[string]any{"entityId": "42"}) },
			field: "entityId",
			rule:  "uuid",
		},
		{
			name:  "short_entity_type",
			body:  func(t *testing.T) []byte { return probeBody(t, map[string]any{"entityType": "j"}) },
			field: "entityType",
			rule:  "min",
		},
		{
			name:  "short_action",
			body:  func(t *testing.T) []byte { return probeBody(t, map[string]any{"action": "x"}) },
			field: "action",
			rule:  "min",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			submitter := NewMockSubmitter(ctrl)
			svc := newTestService(t, submitter, zap.NewNop())

			res, err := svc.RecordWrite(context.Background(), "actor-1", "probe-key-0004", tc.body(t))

			assert.Nil(t, res)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Contains(t, vErr.Issues, Issue{Field: tc.field, Rule: tc.rule})
		})
	}
}

func TestRecordWriteSubmitFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	submitter := NewMockSubmitter(ctrl)
	core, logs := observer.New(zapcore.InfoLevel)
	svc := newTestService(t, submitter, zap.New(core))

	boom := errors.New("connection reset")
	submitter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, boom)

	res, err := svc.RecordWrite(context.Background(), "actor-1", "probe-key-0005", probeBody(t, nil))

	assert.Nil(t, res)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, logs.FilterMessage("write_probe_failed").Len())
}

func TestRecordWriteAuditInsertFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	submitter := NewMockSubmitter(ctrl)
	svc := newTestService(t, submitter, zap.NewNop())

	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("audit_log is read only")
	sqlMock.ExpectBegin()
	sqlMock.ExpectExec("INSERT INTO audit_log").WillReturnError(boom)

	writer := &recordingWriter{}
	submitter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ outbox.IdempotencyScope, fn outbox.SubmitFunc) (*outbox.Result, error) {
			tx, err := db.Begin()
			require.NoError(t, err)
			_, err = fn(ctx, tx, writer)
			return nil, err
		})

	_, err = svc.RecordWrite(context.Background(), "actor-1", "probe-key-0006", probeBody(t, nil))

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, writer.stored)
}

func TestInsertAuditQueryPlaceholders(t *testing.T) {
	pg := NewService(nil, outbox.NewDBContextWithDB(nil, outbox.SQLDialectPostgres))
	my := NewService(nil, outbox.NewDBContextWithDB(nil, outbox.SQLDialectMySQL))

	assert.Contains(t, pg.insertAuditQuery(), "VALUES ($1, $2, $3, $4, $5, $6, $7, now())")
	assert.Contains(t, my.insertAuditQuery(), "VALUES (?, ?, ?, ?, ?, ?, ?, UTC_TIMESTAMP(6))")
}
