package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/turnstile/pkg/models"
)

// sqlQueries holds the dialect-specific statements of a SQL-backed store.
type sqlQueries struct {
	schema     []string
	load       string
	loadLocked string
	save       string
	update     string
}

// sqlStore implements Store over database/sql. Entries are stored as JSON
// documents next to the indexed key, session id and update time.
type sqlStore struct {
	db      *sql.DB
	q       sqlQueries
	encTime func(time.Time) any
}

// DB exposes the underlying database connection.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range s.q.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate session schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Load(ctx context.Context, key string) (*models.SessionEntry, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.q.load, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session entry: %w", err)
	}
	return decodeEntry(data)
}

func (s *sqlStore) Save(ctx context.Context, key string, entry *models.SessionEntry) error {
	if err := validateEntry(key, entry); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal session entry: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.q.save, key, entry.SessionID, data, s.encTime(entry.UpdatedAt)); err != nil {
		return fmt.Errorf("failed to save session entry: %w", err)
	}
	return nil
}

func (s *sqlStore) Update(ctx context.Context, key string, fn func(*models.SessionEntry) error) (*models.SessionEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	var data []byte
	err = tx.QueryRowContext(ctx, s.q.loadLocked, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session entry: %w", err)
	}
	current, err := decodeEntry(data)
	if err != nil {
		return nil, err
	}

	next, err := applyUpdate(current, fn)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q.update, key, encoded, s.encTime(next.UpdatedAt)); err != nil {
		return nil, fmt.Errorf("failed to update session entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session entry: %w", err)
	}
	return next, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func decodeEntry(data []byte) (*models.SessionEntry, error) {
	entry := &models.SessionEntry{}
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session entry: %w", err)
	}
	return entry, nil
}
