package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoMessageStored is returned by Submit when the callback accepted a
// write without enqueueing any outbox message.
var ErrNoMessageStored = errors.New("submit callback stored no outbox message")

// Writer handles storing messages in the outbox table as part of user-defined
// queries within a database transaction.
type Writer struct {
	dbCtx           *DBContext
	ledger          Ledger
	idempotency     *IdempotencyStore
	unmanagedWriter *UnmanagedWriter
}

// UnmanagedWriter provides low-level access to outbox table persistence.
//
// Unlike Writer, UnmanagedWriter does not start, commit, or rollback
// transactions. It is intended for users who want to manage the transaction
// lifecycle themselves and only need to persist outbox messages.
//
// An UnmanagedWriter must be obtained via Writer.Unmanaged() function.
type UnmanagedWriter struct {
	ledger Ledger
}

// TxWorkFunc is the user supplied callback for [Writer.WriteOne].
// It executes user defined queries within the same transaction that stores the given outbox message.
type TxWorkFunc func(ctx context.Context, tx TxQueryer) error

// OutboxWorkFunc is the user supplied callback for [Writer.Write].
// It executes user defined queries and stores messages in the outbox table within the same transaction.
type OutboxWorkFunc func(ctx context.Context, tx TxQueryer, msgWriter MessageWriter) error

// SubmitFunc is the user supplied callback for [Writer.Submit]. It runs only
// for the first attempt of an idempotency key, writes the business fact,
// stores the outbox message and returns the response to cache for replays.
type SubmitFunc func(ctx context.Context, tx TxQueryer, msgWriter MessageWriter) (Response, error)

// MessageWriter allows storing messages within a managed transaction.
type MessageWriter interface {
	// Store persists a message in the outbox table.
	// The message is committed when the enclosing transaction commits.
	Store(ctx context.Context, msg *Message) error
}

// Response is what a first attempt answers. Body must be a JSON document.
type Response struct {
	Code int
	Body []byte
}

// Result is returned by Submit. Replay is true when Code and Body come from
// the idempotency cache and nothing was written.
type Result struct {
	Replay bool
	Code   int
	Body   []byte
}

// NewWriter creates a new outbox Writer with the given database context.
func NewWriter(dbCtx *DBContext) *Writer {
	ledger := NewSQLLedger(dbCtx)

	return &Writer{
		dbCtx:           dbCtx,
		ledger:          ledger,
		idempotency:     NewIdempotencyStore(dbCtx),
		unmanagedWriter: &UnmanagedWriter{ledger: ledger},
	}
}

// Submit performs an idempotent write. Within one transaction it claims the
// idempotency key of scope and, on a first attempt, runs fn and caches the
// response fn returns. On a replay fn is not called and the cached response
// is returned with Replay set.
//
// Any error, including a panic in fn, rolls the whole transaction back so a
// retry with the same key starts from a clean first attempt.
//
// Example:
//
//	res, err := writer.Submit(ctx, scope, func(ctx context.Context, tx outbox.TxQueryer, msgWriter outbox.MessageWriter) (outbox.Response, error) {
//	    if _, err := tx.ExecContext(ctx, "INSERT INTO audit_log ...", ...); err != nil {
//	        return outbox.Response{}, err
//	    }
//	    msg, err := outbox.NewEventMessage("job", jobID, event)
//	    if err != nil {
//	        return outbox.Response{}, err
//	    }
//	    if err := msgWriter.Store(ctx, msg); err != nil {
//	        return outbox.Response{}, err
//	    }
//	    return outbox.Response{Code: 201, Body: body}, nil
//	})
func (w *Writer) Submit(ctx context.Context, scope IdempotencyScope, fn SubmitFunc) (*Result, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	var result *Result
	err := w.Write(ctx, func(ctx context.Context, tx TxQueryer, msgWriter MessageWriter) error {
		attempt, err := w.idempotency.Begin(ctx, tx, scope)
		if err != nil {
			return err
		}
		if attempt.Replay {
			result = &Result{Replay: true, Code: attempt.Code, Body: attempt.Body}
			return nil
		}

		counting := &countingWriter{MessageWriter: msgWriter}
		resp, err := fn(ctx, tx, counting)
		if err != nil {
			return err
		}
		if counting.stored == 0 {
			return ErrNoMessageStored
		}
		if !json.Valid(resp.Body) {
			return fmt.Errorf("response body for key %q is not valid JSON", scope.Key)
		}

		if err := w.idempotency.Complete(ctx, tx, scope, resp.Code, resp.Body); err != nil {
			return err
		}

		result = &Result{Code: resp.Code, Body: resp.Body}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Write executes user defined queries and stores messages in the outbox table
// within the same managed transaction.
//
// The transaction commits if the callback returns nil, or rolls back if it
// returns an error or panics. Messages are committed atomically with your database changes.
func (w *Writer) Write(ctx context.Context, fn OutboxWorkFunc) error {
	tx, err := w.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	msgWriter := &messageWriter{
		ledger: w.ledger,
		tx:     tx,
	}

	err = fn(ctx, tx, msgWriter)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	txCommitted = true

	return nil
}

// WriteOne executes the provided callback and stores a message in the outbox table
// as part of a managed transaction.
//
// For conditional or multiple messages use [Writer.Write] instead.
func (w *Writer) WriteOne(ctx context.Context, msg *Message, fn TxWorkFunc) error {
	return w.Write(ctx, func(ctx context.Context, tx TxQueryer, msgWriter MessageWriter) error {
		err := fn(ctx, tx)
		if err != nil {
			return err
		}

		return msgWriter.Store(ctx, msg)
	})
}

// Unmanaged returns an UnmanagedWriter that does not manage the transaction lifecycle.
func (w *Writer) Unmanaged() *UnmanagedWriter {
	return w.unmanagedWriter
}

// Store persists a message into the outbox table using a user provided transaction.
// The message only exists once the caller commits tx.
func (w *UnmanagedWriter) Store(ctx context.Context, tx TxQueryer, msg *Message) error {
	if err := checkStorable(msg); err != nil {
		return err
	}
	return w.ledger.Insert(ctx, tx, msg)
}

type messageWriter struct {
	ledger Ledger
	tx     TxQueryer
}

func (w *messageWriter) Store(ctx context.Context, msg *Message) error {
	if err := checkStorable(msg); err != nil {
		return err
	}
	return w.ledger.Insert(ctx, w.tx, msg)
}

type countingWriter struct {
	MessageWriter
	stored int
}

func (w *countingWriter) Store(ctx context.Context, msg *Message) error {
	if err := w.MessageWriter.Store(ctx, msg); err != nil {
		return err
	}
	w.stored++
	return nil
}

func checkStorable(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidEvent)
	}
	if !msg.EventType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, msg.EventType)
	}
	if msg.ProcessedAt != nil || msg.RetryCount != 0 {
		return fmt.Errorf("%w: message %s is not new", ErrInvalidEvent, msg.ID)
	}
	if !json.Valid(msg.Payload) {
		return fmt.Errorf("%w: payload of message %s is not valid JSON", ErrInvalidEvent, msg.ID)
	}
	return nil
}
