package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// SQLDialect represents a SQL database dialect.
type SQLDialect string

// Supported database dialects. All of them implement row locking with
// SKIP LOCKED, which the Worker relies on to partition the queue.
const (
	SQLDialectPostgres SQLDialect = "postgres"
	SQLDialectMySQL    SQLDialect = "mysql"
	SQLDialectMariaDB  SQLDialect = "mariadb"
)

const (
	defaultOutboxTable      = "outbox_messages"
	defaultIdempotencyTable = "idempotency_keys"
)

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection pool.
// It is compatible with the standard sql.DB type.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Queryer
}

// DBContext holds the database connection, the SQL dialect and the names of
// the tables used by the outbox pipeline.
type DBContext struct {
	db               DB
	dialect          SQLDialect
	outboxTable      string
	idempotencyTable string
}

// DBContextOption is a function that configures a DBContext instance.
type DBContextOption func(*DBContext)

// WithOutboxTableName sets a custom table name for the outbox ledger.
// Default is "outbox_messages".
// The table name must be a valid SQL identifier matching the pattern [a-zA-Z_][a-zA-Z0-9_]*.
// An invalid table name will cause a panic when creating the DBContext.
func WithOutboxTableName(tableName string) DBContextOption {
	return func(c *DBContext) {
		c.outboxTable = tableName
	}
}

// WithIdempotencyTableName sets a custom table name for idempotency records.
// Default is "idempotency_keys". Same naming rules as WithOutboxTableName apply.
func WithIdempotencyTableName(tableName string) DBContextOption {
	return func(c *DBContext) {
		c.idempotencyTable = tableName
	}
}

// NewDBContext creates a new DBContext from a standard *sql.DB.
func NewDBContext(db *sql.DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	return NewDBContextWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewDBContextWithDB creates a new DBContext with a custom DB implementation.
// This is useful for users who want to provide their own database abstraction or for testing.
func NewDBContextWithDB(db DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	c := &DBContext{
		db:               db,
		dialect:          dialect,
		outboxTable:      defaultOutboxTable,
		idempotencyTable: defaultIdempotencyTable,
	}

	for _, opt := range opts {
		opt(c)
	}

	for _, name := range []string{c.outboxTable, c.idempotencyTable} {
		if err := validateTableName(name); err != nil {
			panic(err)
		}
	}

	return c
}

// Dialect returns the SQL dialect the context was created with.
func (c *DBContext) Dialect() SQLDialect {
	return c.dialect
}

// Placeholder returns the bind parameter for the given 1-based index, so
// callers writing business queries inside a Writer transaction can stay
// dialect agnostic.
func (c *DBContext) Placeholder(index int) string {
	return c.getSQLPlaceholder(index)
}

// CurrentTimestamp returns the SQL expression for the database's current UTC time.
func (c *DBContext) CurrentTimestamp() string {
	return c.getCurrentTimestampInUTC()
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

func (c *DBContext) isMySQLFamily() bool {
	return c.dialect == SQLDialectMySQL || c.dialect == SQLDialectMariaDB
}

// getSQLPlaceholder returns the appropriate SQL placeholder for the given index.
func (c *DBContext) getSQLPlaceholder(index int) string {
	if c.dialect == SQLDialectPostgres {
		return fmt.Sprintf("$%d", index)
	}
	return "?"
}

func (c *DBContext) getCurrentTimestampInUTC() string {
	if c.isMySQLFamily() {
		return "UTC_TIMESTAMP(6)"
	}
	return "now()"
}

// keyColumn quotes the idempotency key column, "key" being reserved in MySQL.
func (c *DBContext) keyColumn() string {
	if c.isMySQLFamily() {
		return "`key`"
	}
	return "key"
}

const outboxColumns = "id, aggregate_type, aggregate_id, event_type, payload, retry_count, next_attempt_at, last_error, processed_at, created_at"

func (c *DBContext) buildClaimMessagesQuery() string {
	return fmt.Sprintf(`SELECT %s
			FROM %s
			WHERE processed_at IS NULL AND next_attempt_at <= %s
			ORDER BY created_at ASC
			LIMIT %s
			FOR UPDATE SKIP LOCKED`, outboxColumns, c.outboxTable, c.getCurrentTimestampInUTC(), c.getSQLPlaceholder(1))
}

func (c *DBContext) buildSelectMessageQuery() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE id = %s", outboxColumns, c.outboxTable, c.getSQLPlaceholder(1))
}

// buildInsertMessageQuery leaves next_attempt_at and created_at to the
// database clock unless the caller passes explicit values.
func (c *DBContext) buildInsertMessageQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (id, aggregate_type, aggregate_id, event_type, payload, retry_count, next_attempt_at, created_at)
			VALUES (%s, %s, %s, %s, %s, 0, COALESCE(%s, %s), COALESCE(%s, %s))`,
		c.outboxTable,
		c.getSQLPlaceholder(1),
		c.getSQLPlaceholder(2),
		c.getSQLPlaceholder(3),
		c.getSQLPlaceholder(4),
		c.getSQLPlaceholder(5),
		c.timestampParam(6), c.getCurrentTimestampInUTC(),
		c.timestampParam(7), c.getCurrentTimestampInUTC())
}

// timestampParam types a nullable timestamp parameter so Postgres can infer it inside COALESCE.
func (c *DBContext) timestampParam(index int) string {
	if c.isMySQLFamily() {
		return "?"
	}
	return fmt.Sprintf("$%d::timestamptz", index)
}

// afterDelay returns the database time the given number of microseconds from now.
func (c *DBContext) afterDelay(index int) string {
	if c.isMySQLFamily() {
		return fmt.Sprintf("%s + INTERVAL %s MICROSECOND", c.getCurrentTimestampInUTC(), c.getSQLPlaceholder(index))
	}
	return fmt.Sprintf("%s + make_interval(secs => %s::float8 / 1000000)", c.getCurrentTimestampInUTC(), c.getSQLPlaceholder(index))
}

func (c *DBContext) buildMarkDeliveredQuery() string {
	return fmt.Sprintf(`UPDATE %s
			SET processed_at = %s, retry_count = retry_count + 1, last_error = NULL
			WHERE id = %s AND processed_at IS NULL`,
		c.outboxTable, c.getCurrentTimestampInUTC(), c.getSQLPlaceholder(1))
}

func (c *DBContext) buildScheduleRetryQuery() string {
	return fmt.Sprintf(`UPDATE %s
			SET retry_count = retry_count + 1, next_attempt_at = %s, last_error = %s
			WHERE id = %s AND processed_at IS NULL`,
		c.outboxTable, c.afterDelay(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3))
}

func (c *DBContext) buildMarkAbandonedQuery() string {
	now := c.getCurrentTimestampInUTC()
	return fmt.Sprintf(`UPDATE %s
			SET retry_count = retry_count + 1, next_attempt_at = %s, processed_at = %s, last_error = %s
			WHERE id = %s AND processed_at IS NULL`,
		c.outboxTable, now, now, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2))
}

func (c *DBContext) buildInsertIdempotencyKeyQuery() string {
	if c.isMySQLFamily() {
		return fmt.Sprintf("INSERT INTO %s (actor_id, endpoint, %s) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE actor_id = actor_id",
			c.idempotencyTable, c.keyColumn())
	}
	return fmt.Sprintf(`INSERT INTO %s (actor_id, endpoint, key) VALUES ($1, $2, $3)
			ON CONFLICT (actor_id, endpoint, key) DO NOTHING`, c.idempotencyTable)
}

func (c *DBContext) buildSelectIdempotencyKeyQuery() string {
	return fmt.Sprintf("SELECT response_code, response_body FROM %s WHERE actor_id = %s AND endpoint = %s AND %s = %s",
		c.idempotencyTable, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.keyColumn(), c.getSQLPlaceholder(3))
}

func (c *DBContext) buildCompleteIdempotencyKeyQuery() string {
	return fmt.Sprintf("UPDATE %s SET response_code = %s, response_body = %s WHERE actor_id = %s AND endpoint = %s AND %s = %s",
		c.idempotencyTable,
		c.getSQLPlaceholder(1),
		c.getSQLPlaceholder(2),
		c.getSQLPlaceholder(3),
		c.getSQLPlaceholder(4),
		c.keyColumn(),
		c.getSQLPlaceholder(5))
}

// txAdapter is a wrapper around a sql.Tx that implements the Tx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}
