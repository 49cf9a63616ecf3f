package outbox

import (
	"context"
	"fmt"
)

// SchemaStatements returns the DDL creating the outbox and idempotency tables
// for the dialect of dbCtx. Statements are idempotent and must be executed in order.
//
// response_body is stored as text (JSON, not JSONB, on Postgres) so a replay
// returns the cached response byte for byte.
func SchemaStatements(dbCtx *DBContext) []string {
	if dbCtx.isMySQLFamily() {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				actor_id VARCHAR(191) NOT NULL,
				endpoint VARCHAR(191) NOT NULL,
				`+"`key`"+` VARCHAR(128) NOT NULL,
				response_code INT NULL,
				response_body LONGTEXT NULL,
				created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
				UNIQUE KEY %s_scope_key (actor_id, endpoint, `+"`key`"+`)
			) ENGINE=InnoDB`, dbCtx.idempotencyTable, dbCtx.idempotencyTable),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id CHAR(36) NOT NULL PRIMARY KEY,
				aggregate_type VARCHAR(191) NOT NULL,
				aggregate_id VARCHAR(191) NOT NULL,
				event_type VARCHAR(64) NOT NULL,
				payload JSON NOT NULL,
				retry_count INT NOT NULL DEFAULT 0,
				next_attempt_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
				last_error TEXT NULL,
				processed_at DATETIME(6) NULL,
				created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
				KEY %s_due_idx (processed_at, next_attempt_at, created_at)
			) ENGINE=InnoDB`, dbCtx.outboxTable, dbCtx.outboxTable),
		}
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			actor_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			key TEXT NOT NULL,
			response_code INTEGER,
			response_body JSON,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT %s_scope_key UNIQUE (actor_id, endpoint, key)
		)`, dbCtx.idempotencyTable, dbCtx.idempotencyTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_error TEXT,
			processed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, dbCtx.outboxTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_due_idx ON %s (created_at, next_attempt_at) WHERE processed_at IS NULL`,
			dbCtx.outboxTable, dbCtx.outboxTable),
	}
}

// EnsureSchema creates the outbox and idempotency tables if they do not exist.
func EnsureSchema(ctx context.Context, dbCtx *DBContext) error {
	for _, stmt := range SchemaStatements(dbCtx) {
		if _, err := dbCtx.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating outbox schema: %w", err)
		}
	}
	return nil
}
