package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type migration struct {
	version     int
	description string
	file        string
}

// Ordered list of migrations. Append only; never edit a shipped entry.
var migrations = []migration{
	{1, "initial schema", "migrations/001_initial_schema.sql"},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_version WHERE version = ?`, m.version,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		script, err := migrationFS.ReadFile(m.file)
		if err != nil {
			return fmt.Errorf("read migration %d: %w", m.version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range splitStatements(string(script)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("apply migration %d (%s): %w", m.version, m.description, err)
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, description) VALUES (?, ?)`,
			m.version, m.description,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// splitStatements breaks a migration script into statements. Comment lines
// are dropped first so a leading comment does not swallow the statement
// after it. Semicolons inside literals are not supported; migrations keep
// to plain DDL.
func splitStatements(script string) []string {
	var kept []string
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}

	var stmts []string
	for _, stmt := range strings.Split(strings.Join(kept, "\n"), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		stmts = append(stmts, stmt)
	}
	return stmts
}
