package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

var sqliteQueries = sqlQueries{
	schema: []string{`
		CREATE TABLE IF NOT EXISTS session_entries (
			session_key TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			data        TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_entries_updated ON session_entries(updated_at)`,
	},
	load: `SELECT data FROM session_entries WHERE session_key = ?`,
	// SQLite has no row locks; the single connection serializes writers.
	loadLocked: `SELECT data FROM session_entries WHERE session_key = ?`,
	save: `
		INSERT INTO session_entries (session_key, session_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE
		SET session_id = excluded.session_id, data = excluded.data, updated_at = excluded.updated_at`,
	update: `UPDATE session_entries SET data = ?2, updated_at = ?3 WHERE session_key = ?1`,
}

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (or creates) the database at path. An empty path or
// ":memory:" opens a private in-memory database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes
	// read-modify-write updates.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{sqlStore{
		db:      db,
		q:       sqliteQueries,
		encTime: func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
	}}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
