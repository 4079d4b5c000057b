package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig holds connection pool settings for the Postgres store.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

var postgresQueries = sqlQueries{
	schema: []string{`
		CREATE TABLE IF NOT EXISTS session_entries (
			session_key TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			data        JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_entries_updated ON session_entries(updated_at)`,
	},
	load:       `SELECT data FROM session_entries WHERE session_key = $1`,
	loadLocked: `SELECT data FROM session_entries WHERE session_key = $1 FOR UPDATE`,
	save: `
		INSERT INTO session_entries (session_key, session_id, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_key) DO UPDATE
		SET session_id = EXCLUDED.session_id, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
	update: `UPDATE session_entries SET data = $2, updated_at = $3 WHERE session_key = $1`,
}

// PostgresStore implements Store on PostgreSQL (or CockroachDB) using
// row locks for read-modify-write updates.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore opens a store from a DSN/URL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := newPostgresStoreWithDB(db)
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore{
		db:      db,
		q:       postgresQueries,
		encTime: func(t time.Time) any { return t.UTC() },
	}}
}
