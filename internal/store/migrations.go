package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// migration is one versioned schema step. Versions are integers applied in
// ascending order; each is recorded in the migrations table exactly once.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "episodes",
		SQL: `CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			channel TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT,
			topics TEXT NOT NULL DEFAULT '[]',
			entities TEXT NOT NULL DEFAULT '[]',
			importance TEXT NOT NULL DEFAULT 'low',
			emotional_tone TEXT NOT NULL DEFAULT 'neutral',
			extra TEXT NOT NULL DEFAULT '{}',
			consolidated INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_episodes_timestamp ON episodes(timestamp);
		CREATE INDEX IF NOT EXISTS idx_episodes_consolidated ON episodes(consolidated);`,
	},
	{
		Version: 2,
		Name:    "memories",
		SQL: `CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			category TEXT NOT NULL,
			content TEXT NOT NULL,
			confidence REAL NOT NULL,
			source_episodes TEXT NOT NULL DEFAULT '[]',
			embedding TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			reinforcement_count INTEGER NOT NULL DEFAULT 1,
			last_reinforced_at DATETIME NOT NULL,
			contradictions TEXT NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);
		CREATE INDEX IF NOT EXISTS idx_memories_active ON memories(active);`,
	},
	{
		Version: 3,
		Name:    "jobs",
		SQL: `CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'cron',
			schedule TEXT NOT NULL,
			task TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run DATETIME,
			next_run DATETIME,
			run_count INTEGER NOT NULL DEFAULT 0,
			last_result TEXT
		);`,
	},
	{
		Version: 4,
		Name:    "usage_records",
		SQL: `CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			task_type TEXT NOT NULL,
			latency_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);`,
	},
	{
		Version: 5,
		Name:    "audit_entries",
		SQL: `CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			capability TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			params TEXT NOT NULL DEFAULT '{}',
			decision TEXT NOT NULL,
			result TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			error TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			requested_by TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);`,
	},
}

// RunMigrations applies all pending migrations in version order. A failure
// aborts with the offending version in the error; applied versions are never
// re-run.
func (s *Store) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM migrations`)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate migrations: %w", err)
	}

	pending := make([]migration, 0, len(migrations))
	for _, m := range migrations {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Version != pending[j].Version {
			return pending[i].Version < pending[j].Version
		}
		return pending[i].Name < pending[j].Name
	})

	for _, m := range pending {
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Name, time.Now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		s.logger.Info("Store: applied migration %d_%s", m.Version, m.Name)
	}
	return nil
}
