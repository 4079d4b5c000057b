package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/turnstile/pkg/models"
)

var (
	// ErrNotFound is returned by Update when no entry exists for the key.
	ErrNotFound = errors.New("sessions: entry not found")
	// ErrSessionIDChanged is returned when an update tries to replace the
	// immutable session id of an entry.
	ErrSessionIDChanged = errors.New("sessions: session id is immutable")
)

// Store persists session entries keyed by session key.
type Store interface {
	// Load returns the entry for key, or nil when none exists.
	Load(ctx context.Context, key string) (*models.SessionEntry, error)

	// Save writes entry under key, replacing any previous entry. It is used
	// for creation and for resets, which start a new session id.
	Save(ctx context.Context, key string, entry *models.SessionEntry) error

	// Update applies fn to the stored entry atomically and returns the
	// result. The session id may not change and UpdatedAt never moves back.
	Update(ctx context.Context, key string, fn func(*models.SessionEntry) error) (*models.SessionEntry, error)

	Close() error
}

// applyUpdate runs fn on a copy of current and enforces the entry invariants.
func applyUpdate(current *models.SessionEntry, fn func(*models.SessionEntry) error) (*models.SessionEntry, error) {
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.SessionID != current.SessionID {
		return nil, fmt.Errorf("%w: %s -> %s", ErrSessionIDChanged, current.SessionID, next.SessionID)
	}
	if next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt
	}
	return next, nil
}

func validateEntry(key string, entry *models.SessionEntry) error {
	if key == "" {
		return fmt.Errorf("session key is required")
	}
	if entry == nil {
		return fmt.Errorf("session entry is required")
	}
	if entry.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	return nil
}
