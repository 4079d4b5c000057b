package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/haasonsaas/turnstile/pkg/models"
)

// setupMockDB creates a new mock database for testing.
func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return mock, newPostgresStoreWithDB(db)
}

func entryJSON(t *testing.T, entry *models.SessionEntry) []byte {
	t.Helper()
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestPostgresStore_Load(t *testing.T) {
	updated := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	loadQuery := regexp.QuoteMeta("SELECT data FROM session_entries WHERE session_key = $1")

	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantNil   bool
		wantErr   bool
	}{
		{
			name: "found",
			setupMock: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"data"}).
					AddRow(entryJSON(t, &models.SessionEntry{SessionID: "s1", UpdatedAt: updated}))
				mock.ExpectQuery(loadQuery).WithArgs("agent:main:main").WillReturnRows(rows)
			},
		},
		{
			name: "missing",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(loadQuery).WithArgs("agent:main:main").WillReturnError(sql.ErrNoRows)
			},
			wantNil: true,
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(loadQuery).WithArgs("agent:main:main").WillReturnError(errors.New("connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, store := setupMockDB(t)
			tt.setupMock(mock)

			entry, err := store.Load(context.Background(), "agent:main:main")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				if tt.wantNil && entry != nil {
					t.Errorf("Load() = %+v, want nil", entry)
				}
				if !tt.wantNil && (entry == nil || entry.SessionID != "s1") {
					t.Errorf("Load() = %+v", entry)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresStore_Save(t *testing.T) {
	mock, store := setupMockDB(t)
	entry := &models.SessionEntry{SessionID: "s1", UpdatedAt: time.Now()}

	mock.ExpectExec("INSERT INTO session_entries").
		WithArgs("agent:main:main", "s1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Save(context.Background(), "agent:main:main", entry); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_UpdateLocksRow(t *testing.T) {
	mock, store := setupMockDB(t)
	updated := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	lockQuery := regexp.QuoteMeta("SELECT data FROM session_entries WHERE session_key = $1 FOR UPDATE")

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs("agent:main:main").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow(entryJSON(t, &models.SessionEntry{SessionID: "s1", UpdatedAt: updated})))
	mock.ExpectExec("UPDATE session_entries SET data").
		WithArgs("agent:main:main", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := store.Update(context.Background(), "agent:main:main", func(e *models.SessionEntry) error {
		e.Touch(updated.Add(time.Minute))
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !got.UpdatedAt.Equal(updated.Add(time.Minute)) {
		t.Errorf("UpdatedAt = %v", got.UpdatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_UpdateRejectsSessionIDChange(t *testing.T) {
	mock, store := setupMockDB(t)
	lockQuery := regexp.QuoteMeta("SELECT data FROM session_entries WHERE session_key = $1 FOR UPDATE")

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs("agent:main:main").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow(entryJSON(t, &models.SessionEntry{SessionID: "s1"})))
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "agent:main:main", func(e *models.SessionEntry) error {
		e.SessionID = "s2"
		return nil
	})
	if !errors.Is(err, ErrSessionIDChanged) {
		t.Fatalf("Update() error = %v, want ErrSessionIDChanged", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_UpdateMissing(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("agent:main:gone").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "agent:main:gone", func(*models.SessionEntry) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_UpdateFailedWriteRollsBack(t *testing.T) {
	mock, store := setupMockDB(t)
	writeErr := errors.New("deadlock detected")

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("agent:main:main").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow(entryJSON(t, &models.SessionEntry{SessionID: "s1"})))
	mock.ExpectExec("UPDATE session_entries SET data").WillReturnError(writeErr)
	mock.ExpectRollback().WillReturnError(errors.New("connection reset"))

	_, err := store.Update(context.Background(), "agent:main:main", func(*models.SessionEntry) error { return nil })
	if !errors.Is(err, writeErr) {
		t.Fatalf("Update() error = %v, want the write error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
