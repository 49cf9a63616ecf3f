package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

var (
	// ErrInvalidIdempotencyKey is returned for an empty or overlong actor or
	// endpoint, or a key outside 8-128 characters of [A-Za-z0-9_-:.].
	ErrInvalidIdempotencyKey = errors.New("invalid or missing idempotency key")

	// ErrIdempotencyInconsistent is returned when a key already exists but holds
	// no cached response: a previous attempt is still in flight or died before
	// completing. It must not be treated as an ordinary replay.
	ErrIdempotencyInconsistent = errors.New("idempotency record missing response")
)

var idempotencyKeyRegexp = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{8,128}$`)

// maxScopeLen is the width of the actor_id and endpoint columns.
const maxScopeLen = 191

// ValidIdempotencyKey reports whether key is an acceptable client key.
func ValidIdempotencyKey(key string) bool {
	return idempotencyKeyRegexp.MatchString(key)
}

// IdempotencyScope identifies a logical client write.
type IdempotencyScope struct {
	ActorID  string
	Endpoint string
	Key      string
}

// Validate checks the scope before any transaction is opened.
func (s IdempotencyScope) Validate() error {
	if s.ActorID == "" || s.Endpoint == "" {
		return fmt.Errorf("%w: actor and endpoint are required", ErrInvalidIdempotencyKey)
	}
	if utf8.RuneCountInString(s.ActorID) > maxScopeLen || utf8.RuneCountInString(s.Endpoint) > maxScopeLen {
		return fmt.Errorf("%w: actor and endpoint must not exceed %d characters", ErrInvalidIdempotencyKey, maxScopeLen)
	}
	if !ValidIdempotencyKey(s.Key) {
		return ErrInvalidIdempotencyKey
	}
	return nil
}

// Attempt is the outcome of IdempotencyStore.Begin.
type Attempt struct {
	// Replay is true when the key was already accepted. Code and Body then
	// hold the cached response.
	Replay bool
	Code   int
	Body   []byte
}

// IdempotencyStore records client idempotency keys and their responses.
// All of its operations run on a caller supplied transaction.
type IdempotencyStore struct {
	dbCtx *DBContext
}

// NewIdempotencyStore creates an IdempotencyStore bound to the given database context.
func NewIdempotencyStore(dbCtx *DBContext) *IdempotencyStore {
	return &IdempotencyStore{dbCtx: dbCtx}
}

// Begin claims scope for the current transaction. A first attempt inserts a
// row without a response, which must later be finalized with Complete in the
// same transaction. If the key exists, the cached response is returned.
//
// When two transactions race on the same key, the loser blocks on the unique
// index until the winner commits and then observes a replay.
func (s *IdempotencyStore) Begin(ctx context.Context, tx TxQueryer, scope IdempotencyScope) (Attempt, error) {
	res, err := tx.ExecContext(ctx, s.dbCtx.buildInsertIdempotencyKeyQuery(), scope.ActorID, scope.Endpoint, scope.Key)
	if err != nil {
		return Attempt{}, fmt.Errorf("inserting idempotency key: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return Attempt{}, fmt.Errorf("inserting idempotency key: %w", err)
	}
	if inserted == 1 {
		return Attempt{}, nil
	}

	var (
		code sql.NullInt32
		body []byte
	)
	err = tx.QueryRowContext(ctx, s.dbCtx.buildSelectIdempotencyKeyQuery(), scope.ActorID, scope.Endpoint, scope.Key).
		Scan(&code, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, ErrIdempotencyInconsistent
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("reading idempotency key: %w", err)
	}
	if body == nil {
		return Attempt{}, ErrIdempotencyInconsistent
	}

	attempt := Attempt{Replay: true, Code: 200, Body: body}
	if code.Valid {
		attempt.Code = int(code.Int32)
	}
	return attempt, nil
}

// Complete caches the response of a first attempt.
func (s *IdempotencyStore) Complete(ctx context.Context, tx TxQueryer, scope IdempotencyScope, code int, body []byte) error {
	if body == nil {
		return fmt.Errorf("completing idempotency key: response body is required")
	}

	res, err := tx.ExecContext(ctx, s.dbCtx.buildCompleteIdempotencyKeyQuery(),
		code, string(body), scope.ActorID, scope.Endpoint, scope.Key)
	if err != nil {
		return fmt.Errorf("completing idempotency key: %w", err)
	}

	updated, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("completing idempotency key: %w", err)
	}
	if updated != 1 {
		return fmt.Errorf("completing idempotency key: %d rows updated", updated)
	}
	return nil
}
