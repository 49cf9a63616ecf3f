package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxErrorLen = 1024

var (
	// ErrMessageNotFound is returned by Ledger.Get for an unknown id.
	ErrMessageNotFound = errors.New("outbox message not found")

	// ErrMessageNotPending is returned when an update targets a message that is
	// already terminal.
	ErrMessageNotPending = errors.New("outbox message is not pending")
)

// Ledger persists outbox messages. Every method runs on the given queryer so
// that it takes part in the caller's transaction.
type Ledger interface {
	// Insert stores a new pending message. Zero NextAttemptAt and CreatedAt
	// are filled in by the database clock.
	Insert(ctx context.Context, q TxQueryer, msg *Message) error

	// Claim locks up to limit due messages in creation order, skipping rows
	// locked by other transactions.
	Claim(ctx context.Context, q TxQueryer, limit int) ([]*Message, error)

	// MarkDelivered records a successful attempt at the database's current time.
	MarkDelivered(ctx context.Context, q TxQueryer, id uuid.UUID) error

	// ScheduleRetry records a failed attempt and makes the message due again
	// delay after the database's current time.
	ScheduleRetry(ctx context.Context, q TxQueryer, id uuid.UUID, delay time.Duration, lastErr string) error

	// MarkAbandoned records a failed attempt after which no retry happens.
	MarkAbandoned(ctx context.Context, q TxQueryer, id uuid.UUID, lastErr string) error

	// Get loads a single message regardless of its state.
	Get(ctx context.Context, q TxQueryer, id uuid.UUID) (*Message, error)
}

// SQLLedger is the Ledger backed by the outbox table of a DBContext.
type SQLLedger struct {
	dbCtx *DBContext
}

// NewSQLLedger creates a Ledger using the tables and dialect of dbCtx.
func NewSQLLedger(dbCtx *DBContext) *SQLLedger {
	return &SQLLedger{dbCtx: dbCtx}
}

func (l *SQLLedger) Insert(ctx context.Context, q TxQueryer, msg *Message) error {
	_, err := q.ExecContext(ctx, l.dbCtx.buildInsertMessageQuery(),
		msg.ID,
		msg.AggregateType,
		msg.AggregateID,
		string(msg.EventType),
		string(msg.Payload),
		nullTime(msg.NextAttemptAt),
		nullTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing message in outbox: %w", err)
	}
	return nil
}

func (l *SQLLedger) Claim(ctx context.Context, q TxQueryer, limit int) ([]*Message, error) {
	rows, err := q.QueryContext(ctx, l.dbCtx.buildClaimMessagesQuery(), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming outbox messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox messages: %w", err)
	}
	return messages, nil
}

func (l *SQLLedger) MarkDelivered(ctx context.Context, q TxQueryer, id uuid.UUID) error {
	return l.update(ctx, q, id, l.dbCtx.buildMarkDeliveredQuery(), id)
}

func (l *SQLLedger) ScheduleRetry(ctx context.Context, q TxQueryer, id uuid.UUID, delay time.Duration, lastErr string) error {
	return l.update(ctx, q, id, l.dbCtx.buildScheduleRetryQuery(), max(delay, 0).Microseconds(), truncateError(lastErr), id)
}

func (l *SQLLedger) MarkAbandoned(ctx context.Context, q TxQueryer, id uuid.UUID, lastErr string) error {
	return l.update(ctx, q, id, l.dbCtx.buildMarkAbandonedQuery(), truncateError(lastErr), id)
}

func (l *SQLLedger) Get(ctx context.Context, q TxQueryer, id uuid.UUID) (*Message, error) {
	msg, err := scanMessage(q.QueryRowContext(ctx, l.dbCtx.buildSelectMessageQuery(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return msg, err
}

func (l *SQLLedger) update(ctx context.Context, q TxQueryer, id uuid.UUID, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating message %s: %w", id, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s", ErrMessageNotPending, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg         Message
		eventType   string
		payload     []byte
		lastError   sql.NullString
		processedAt sql.NullTime
	)

	err := row.Scan(
		&msg.ID,
		&msg.AggregateType,
		&msg.AggregateID,
		&eventType,
		&payload,
		&msg.RetryCount,
		&msg.NextAttemptAt,
		&lastError,
		&processedAt,
		&msg.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	msg.EventType = EventType(eventType)
	msg.Payload = payload
	if lastError.Valid {
		msg.LastError = &lastError.String
	}
	if processedAt.Valid {
		at := processedAt.Time.UTC()
		msg.ProcessedAt = &at
	}
	msg.NextAttemptAt = msg.NextAttemptAt.UTC()
	msg.CreatedAt = msg.CreatedAt.UTC()

	return &msg, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func truncateError(s string) string {
	r := []rune(s)
	if len(r) <= maxErrorLen {
		return s
	}
	return string(r[:maxErrorLen])
}
