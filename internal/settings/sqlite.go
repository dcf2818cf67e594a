package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists settings records in a single SQLite table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer, and a pooled :memory: handle would give
	// every connection its own empty database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreWithDB wraps an existing database handle. The schema is not
// created; intended for tests that substitute a mock driver.
func NewSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			user_id TEXT PRIMARY KEY,
			connection_status TEXT NOT NULL DEFAULT 'disconnected',
			instance_url TEXT NOT NULL DEFAULT '',
			bot_prompt TEXT NOT NULL DEFAULT '',
			evolution_url TEXT NOT NULL DEFAULT '',
			evolution_key TEXT NOT NULL DEFAULT '',
			last_checked_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (*Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, NewError(KindNotAuthorized, "user id is required", nil)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, connection_status, instance_url, bot_prompt,
		       evolution_url, evolution_key, last_checked_at, created_at, updated_at
		FROM settings WHERE user_id = ?
	`, userID)

	var record Record
	var lastChecked sql.NullTime
	err := row.Scan(
		&record.UserID,
		&record.ConnectionStatus,
		&record.InstanceURL,
		&record.BotPrompt,
		&record.EvolutionURL,
		&record.EvolutionKey,
		&lastChecked,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewError(KindTransient, "query settings record", err)
	}
	if lastChecked.Valid {
		t := lastChecked.Time
		record.LastCheckedAt = &t
	}
	return &record, nil
}

func (s *SQLiteStore) Create(ctx context.Context, userID string) (*Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, NewError(KindNotAuthorized, "user id is required", nil)
	}

	record := defaultRecord(userID, s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (user_id, connection_status, instance_url, bot_prompt,
		                      evolution_url, evolution_key, created_at, updated_at)
		VALUES (?, ?, '', '', '', '', ?, ?)
	`, record.UserID, string(record.ConnectionStatus), record.CreatedAt, record.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, NewError(KindDuplicate, "settings record already exists for "+userID, err)
		}
		return nil, NewError(KindTransient, "insert settings record", err)
	}
	return record, nil
}

func (s *SQLiteStore) Update(ctx context.Context, userID string, patch Patch) error {
	if strings.TrimSpace(userID) == "" {
		return NewError(KindNotAuthorized, "user id is required", nil)
	}
	if patch.IsEmpty() {
		return nil
	}

	assignments := make([]string, 0, 7)
	args := make([]any, 0, 8)
	if patch.ConnectionStatus != nil {
		assignments = append(assignments, "connection_status = ?")
		args = append(args, string(*patch.ConnectionStatus))
	}
	if patch.InstanceURL != nil {
		assignments = append(assignments, "instance_url = ?")
		args = append(args, *patch.InstanceURL)
	}
	if patch.BotPrompt != nil {
		assignments = append(assignments, "bot_prompt = ?")
		args = append(args, *patch.BotPrompt)
	}
	if patch.EvolutionURL != nil {
		assignments = append(assignments, "evolution_url = ?")
		args = append(args, *patch.EvolutionURL)
	}
	if patch.EvolutionKey != nil {
		assignments = append(assignments, "evolution_key = ?")
		args = append(args, *patch.EvolutionKey)
	}
	if patch.LastCheckedAt != nil {
		assignments = append(assignments, "last_checked_at = ?")
		args = append(args, *patch.LastCheckedAt)
	}
	assignments = append(assignments, "updated_at = ?")
	args = append(args, s.now())
	args = append(args, userID)

	query := "UPDATE settings SET " + strings.Join(assignments, ", ") + " WHERE user_id = ?"
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return NewError(KindTransient, "update settings record", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return NewError(KindTransient, "update settings record", err)
	}
	if affected == 0 {
		return NewError(KindNotFound, "settings record not found for "+userID, nil)
	}
	return nil
}

// isUniqueViolation matches the driver's primary-key conflict error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
