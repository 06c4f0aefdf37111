// Package catalogue is a write-only SQLite audit log of mission status
// transitions. It is never consulted to answer a live query — MissionStore
// is the sole source of truth for running state; the catalogue exists
// purely so an operator can inspect history after the process exits.
package catalogue

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Catalogue is an append-only mission event log.
type Catalogue struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at dsn and applies
// any pending migrations.
func Open(dsn string) (*Catalogue, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalogue: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalogue: set WAL mode: %w", err)
	}
	c := &Catalogue{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalogue: migrate: %w", err)
	}
	return c, nil
}

// Close closes the underlying database handle.
func (c *Catalogue) Close() error {
	return c.db.Close()
}

// RecordTransition appends one mission status transition. Errors are
// returned to the caller to log; a catalogue write failure must never
// affect MissionStore's in-memory state.
func (c *Catalogue) RecordTransition(missionID, status, errText string) error {
	_, err := c.db.Exec(
		"INSERT INTO mission_events (mission_id, status, error) VALUES (?, ?, ?)",
		missionID, status, nullIfEmpty(errText),
	)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (c *Catalogue) migrate() error {
	if _, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := c.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := c.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}
