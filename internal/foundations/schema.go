package foundations

import (
	"context"
	"fmt"

	"github.com/shipwright/outbox"
)

// AuditTable holds the business facts recorded by the write probe.
const AuditTable = "audit_log"

// SchemaStatements returns the audit table DDL for dialect.
func SchemaStatements(dialect outbox.SQLDialect) []string {
	if dialect == outbox.SQLDialectMySQL || dialect == outbox.SQLDialectMariaDB {
		return []string{
			`CREATE TABLE IF NOT EXISTS ` + AuditTable + ` (
				id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
				request_id VARCHAR(64) NOT NULL,
				actor_id VARCHAR(191) NOT NULL,
				org_id CHAR(36) NOT NULL,
				entity_type VARCHAR(191) NOT NULL,
				entity_id CHAR(36) NOT NULL,
				action VARCHAR(191) NOT NULL,
				metadata JSON NOT NULL,
				created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
				KEY audit_log_entity_idx (entity_type, entity_id)
			) ENGINE=InnoDB`,
		}
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS ` + AuditTable + ` (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			org_id UUID NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id UUID NOT NULL,
			action TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_entity_idx ON ` + AuditTable + ` (entity_type, entity_id)`,
	}
}

// EnsureSchema creates the audit table if it does not exist.
func EnsureSchema(ctx context.Context, db outbox.Queryer, dialect outbox.SQLDialect) error {
	for _, stmt := range SchemaStatements(dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating audit schema: %w", err)
		}
	}
	return nil
}
