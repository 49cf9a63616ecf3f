package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrDispatcherPanic wraps a panic raised by a Dispatcher. The attempt is
// recorded as an ordinary failure.
var ErrDispatcherPanic = errors.New("dispatcher panicked")

// Dispatcher delivers an outbox message to a downstream system.
//
// Dispatch may be called more than once for the same message, for example
// when a worker crashes before committing its batch. Implementations must be
// idempotent on the receiving side, typically by keying on msg.ID.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *Message) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, msg *Message) error

// Dispatch calls f(ctx, msg).
func (f DispatcherFunc) Dispatch(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Worker claims due outbox messages and hands them to a Dispatcher.
// Any number of workers, in one process or many, may share the same table:
// each cycle locks its batch with SKIP LOCKED so batches never overlap.
type Worker struct {
	dbCtx      *DBContext
	dispatcher Dispatcher
	ledger     Ledger
	policy     RetryPolicy
	clock      Clock
	logger     *zap.Logger

	pollInterval    time.Duration
	dispatchTimeout time.Duration
	batchSize       int

	started     int32
	closed      int32
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	errCh       chan error
	abandonedCh chan Message
}

// WorkerOption is a function that configures a Worker instance.
type WorkerOption func(*Worker)

// WithPollInterval sets how long the worker sleeps after a cycle that found
// nothing to do. Default is 2 seconds.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithBatchSize sets the maximum number of messages claimed per cycle.
// Default is 20. Must be positive.
func WithBatchSize(batchSize int) WorkerOption {
	return func(w *Worker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// WithMaxRetries sets the attempt count after which a failing message is
// abandoned, keeping the default backoff. Default is 10.
func WithMaxRetries(maxRetries int32) WorkerOption {
	return func(w *Worker) {
		if maxRetries > 0 {
			w.policy.MaxRetries = maxRetries
		}
	}
}

// WithRetryPolicy replaces the whole retry policy.
func WithRetryPolicy(policy RetryPolicy) WorkerOption {
	return func(w *Worker) {
		w.policy = policy
	}
}

// WithDispatchTimeout bounds a single Dispatch call. Default is 5 seconds.
func WithDispatchTimeout(timeout time.Duration) WorkerOption {
	return func(w *Worker) {
		if timeout > 0 {
			w.dispatchTimeout = timeout
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock overrides the time source of the in-memory copies reported on the
// Errors and Abandoned channels. Stored times always come from the database clock.
func WithClock(clock Clock) WorkerOption {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithLedger overrides the storage of outbox messages. Transactions are
// still opened on the DBContext's database.
func WithLedger(ledger Ledger) WorkerOption {
	return func(w *Worker) {
		if ledger != nil {
			w.ledger = ledger
		}
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) WorkerOption {
	return func(w *Worker) {
		if size > 0 {
			w.errCh = make(chan error, size)
		}
	}
}

// WithAbandonedChannelSize sets the size of the abandoned messages channel.
// Default is 128. Size must be positive.
func WithAbandonedChannelSize(size int) WorkerOption {
	return func(w *Worker) {
		if size > 0 {
			w.abandonedCh = make(chan Message, size)
		}
	}
}

// NewWorker creates a new outbox Worker with the given database context,
// dispatcher, and options.
func NewWorker(dbCtx *DBContext, dispatcher Dispatcher, opts ...WorkerOption) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		dbCtx:           dbCtx,
		dispatcher:      dispatcher,
		ledger:          NewSQLLedger(dbCtx),
		policy:          NewRetryPolicy(DefaultMaxRetries),
		clock:           SystemClock{},
		logger:          zap.NewNop(),
		pollInterval:    2 * time.Second,
		dispatchTimeout: 5 * time.Second,
		batchSize:       20,
		ctx:             ctx,
		cancel:          cancel,
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.errCh == nil {
		w.errCh = make(chan error, 128)
	}

	if w.abandonedCh == nil {
		w.abandonedCh = make(chan Message, 128)
	}

	return w
}

// DispatchError indicates a failed delivery attempt. The failure is already
// recorded on the message; this error is informational.
type DispatchError struct {
	Message  Message
	Terminal bool
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatching message %s (attempt %d): %v", e.Message.ID, e.Message.RetryCount, e.Err)
}
func (e *DispatchError) Unwrap() error { return e.Err }

// ClaimError indicates that a batch could not be claimed.
type ClaimError struct {
	Err error
}

func (e *ClaimError) Error() string { return fmt.Sprintf("claiming outbox messages: %v", e.Err) }

func (e *ClaimError) Unwrap() error { return e.Err }

// UpdateError indicates that the outcome of an attempt could not be recorded.
// The whole batch is rolled back and will be claimed again.
type UpdateError struct {
	Message Message
	Err     error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("recording outcome of message %s: %v", e.Message.ID, e.Err)
}
func (e *UpdateError) Unwrap() error { return e.Err }

// CommitError indicates that a processed batch could not be committed.
// Every message of the batch stays pending.
type CommitError struct {
	Count int
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("committing batch of %d messages: %v", e.Count, e.Err)
}
func (e *CommitError) Unwrap() error { return e.Err }

// Errors returns a channel that receives errors from the worker.
// The channel is buffered and errors are dropped when it is full.
// It is closed when a worker started with Start is stopped.
//
// The returned error will be one of *DispatchError, *ClaimError,
// *UpdateError or *CommitError.
func (w *Worker) Errors() <-chan error {
	return w.errCh
}

// Abandoned returns a channel that receives messages given up on after
// reaching the maximum number of attempts. Messages are sent after the batch
// that abandoned them committed.
// It is closed when a worker started with Start is stopped.
func (w *Worker) Abandoned() <-chan Message {
	return w.abandonedCh
}

// Start runs the worker loop in a background goroutine.
// If Start or Run was already called, Start has no effect.
func (w *Worker) Start() {
	if !atomic.CompareAndSwapInt32(&w.started, 0, 1) {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(w.errCh)
		defer close(w.abandonedCh)

		w.run(w.ctx)
	}()
}

// Stop asks a worker started with Start to finish its current cycle and
// waits for it. The provided context bounds the wait.
// Calling Stop multiple times is safe and only the first call has an effect.
func (w *Worker) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.closed, 0, 1) {
		return nil
	}

	w.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes the outbox in the calling goroutine until ctx is cancelled.
// Cancellation is observed between cycles only: a cycle that has started
// runs to its commit. Store failures are logged and retried after the poll
// interval, they never stop the loop.
func (w *Worker) Run(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&w.started, 0, 1) {
		return
	}
	w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	w.logger.Info("worker_started",
		zap.Int64("poll_interval_ms", w.pollInterval.Milliseconds()),
		zap.Int("batch_size", w.batchSize),
		zap.Int32("max_retries", w.policy.MaxRetries),
	)

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker_shutdown_requested")
			return
		}

		n, err := w.ProcessBatch(context.WithoutCancel(ctx))
		if err != nil {
			w.sendError(err)
			w.logger.Error("worker_loop_failed", zap.Error(err))
		}

		if err == nil && n > 0 {
			continue
		}

		if !w.sleep(ctx) {
			w.logger.Info("worker_shutdown_requested")
			return
		}
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type attemptOutcome struct {
	msg      Message
	err      error
	delay    time.Duration
	terminal bool
}

// ProcessBatch runs one cycle in a single transaction: it claims up to the
// batch size of due messages, dispatches each one and records the outcome.
// It returns the number of messages claimed.
//
// A failed dispatch is recorded on the message and does not fail the batch.
// A store error rolls back the whole batch, leaving every claimed message
// pending for a later cycle.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := w.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &ClaimError{Err: fmt.Errorf("beginning transaction: %w", err)}
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	msgs, err := w.ledger.Claim(ctx, tx, w.batchSize)
	if err != nil {
		return 0, &ClaimError{Err: err}
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	outcomes := make([]attemptOutcome, 0, len(msgs))
	for _, msg := range msgs {
		outcome, err := w.attempt(ctx, tx, msg)
		if err != nil {
			return 0, err
		}
		outcomes = append(outcomes, outcome)
	}

	if err := tx.Commit(); err != nil {
		return 0, &CommitError{Count: len(msgs), Err: err}
	}
	txCommitted = true

	for _, outcome := range outcomes {
		w.report(outcome)
	}

	return len(msgs), nil
}

func (w *Worker) attempt(ctx context.Context, tx TxQueryer, msg *Message) (attemptOutcome, error) {
	now := w.clock.Now()
	attempt := msg.RetryCount + 1

	dispatchErr := w.dispatch(ctx, msg)

	msg.RetryCount = attempt
	if dispatchErr == nil {
		if err := w.ledger.MarkDelivered(ctx, tx, msg.ID); err != nil {
			return attemptOutcome{}, &UpdateError{Message: *msg, Err: err}
		}
		msg.ProcessedAt = &now
		msg.LastError = nil
		return attemptOutcome{msg: *msg}, nil
	}

	delay, terminal := w.policy.Decide(int(attempt))
	lastErr := truncateError(dispatchErr.Error())
	msg.LastError = &lastErr

	if terminal {
		if err := w.ledger.MarkAbandoned(ctx, tx, msg.ID, lastErr); err != nil {
			return attemptOutcome{}, &UpdateError{Message: *msg, Err: err}
		}
		msg.NextAttemptAt = now
		msg.ProcessedAt = &now
		return attemptOutcome{msg: *msg, err: dispatchErr, terminal: true}, nil
	}

	if err := w.ledger.ScheduleRetry(ctx, tx, msg.ID, delay, lastErr); err != nil {
		return attemptOutcome{}, &UpdateError{Message: *msg, Err: err}
	}
	msg.NextAttemptAt = now.Add(delay)
	return attemptOutcome{msg: *msg, err: dispatchErr, delay: delay}, nil
}

func (w *Worker) dispatch(ctx context.Context, msg *Message) (err error) {
	ctx, cancel := context.WithTimeout(ctx, w.dispatchTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrDispatcherPanic, rec)
		}
	}()

	return w.dispatcher.Dispatch(ctx, msg)
}

func (w *Worker) report(o attemptOutcome) {
	fields := []zap.Field{
		zap.String("outbox_message_id", o.msg.ID.String()),
		zap.String("event_type", string(o.msg.EventType)),
		zap.String("entity_id", o.msg.AggregateID),
		zap.Int32("attempt", o.msg.RetryCount),
	}

	switch {
	case o.err == nil:
		w.logger.Info("outbox_dispatch_success", fields...)
	case o.terminal:
		w.logger.Error("outbox_dispatch_failed_terminal", append(fields, zap.Error(o.err))...)
		w.sendError(&DispatchError{Message: o.msg, Terminal: true, Err: o.err})
		w.sendAbandoned(o.msg)
	default:
		w.logger.Warn("outbox_dispatch_failed_retry", append(fields,
			zap.Float64("retry_delay_seconds", o.delay.Seconds()),
			zap.Error(o.err),
		)...)
		w.sendError(&DispatchError{Message: o.msg, Err: o.err})
	}
}

func (w *Worker) sendError(err error) {
	select {
	case w.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

func (w *Worker) sendAbandoned(msg Message) {
	select {
	case w.abandonedCh <- msg:
	default:
	}
}
