package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Schema versions:
// v1: kv table (key, value, updated_at)
// v2: created_at column on kv
const CurrentSchemaVersion = 2

// Migration adds a column to an existing table.
type Migration struct {
	Version int
	Table   string
	Column  string
	Def     string
}

// pendingMigrations lists column additions in version order. SQLite refuses
// non-constant defaults on ALTER TABLE, so timestamp columns are filled on
// write.
var pendingMigrations = []Migration{
	{2, "kv", "created_at", "DATETIME"},
}

// RunMigrations brings db up to CurrentSchemaVersion and records the result
// in schema_versions.
func RunMigrations(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create schema_versions: %w", err)
	}

	from := SchemaVersion(ctx, db)
	if from >= CurrentSchemaVersion {
		return nil
	}

	applied := 0
	for _, m := range pendingMigrations {
		if m.Version <= from {
			continue
		}
		if !tableExists(ctx, db, m.Table) || columnExists(ctx, db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
	}

	if _, err := db.ExecContext(ctx,
		"INSERT OR REPLACE INTO schema_versions (version) VALUES (?)", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	logger.Info("schema migrated",
		zap.Int("from", from),
		zap.Int("to", CurrentSchemaVersion),
		zap.Int("applied", applied))
	return nil
}

// SchemaVersion returns the recorded schema version, inferring it from the
// table layout for databases created before versions were recorded.
func SchemaVersion(ctx context.Context, db *sql.DB) int {
	if tableExists(ctx, db, "schema_versions") {
		var version int
		err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_versions").Scan(&version)
		if err == nil && version > 0 {
			return version
		}
	}
	switch {
	case !tableExists(ctx, db, "kv"):
		return 0
	case columnExists(ctx, db, "kv", "created_at"):
		return 2
	default:
		return 1
	}
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) bool {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func tableExists(ctx context.Context, db *sql.DB, table string) bool {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
	return err == nil && count > 0
}
