package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"bmc-flashd/internal/firmware"
)

type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens and initializes a SQLite database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The daemon is the only writer; one connection avoids SQLITE_BUSY between
	// the loop and fetch jobs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS versions (
		id TEXT PRIMARY KEY,
		priority INTEGER,
		purpose TEXT,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS _busy (
		name TEXT PRIMARY KEY
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLite) SavePriority(ctx context.Context, id string, priority uint8) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO versions (id, priority) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET priority = excluded.priority, updated_at = CURRENT_TIMESTAMP`,
		id, int(priority))
	if err != nil {
		return fmt.Errorf("failed to save priority: %w", err)
	}
	return nil
}

func (s *SQLite) RestorePriority(ctx context.Context, id string) (uint8, error) {
	var priority sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT priority FROM versions WHERE id = ?`, id).Scan(&priority)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to restore priority: %w", err)
	}
	if !priority.Valid {
		return 0, ErrNotFound
	}
	if priority.Int64 < 0 || priority.Int64 > 255 {
		return 0, fmt.Errorf("stored priority %d for %s is out of range", priority.Int64, id)
	}
	return uint8(priority.Int64), nil
}

func (s *SQLite) SavePurpose(ctx context.Context, id string, purpose firmware.Purpose) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO versions (id, purpose) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET purpose = excluded.purpose, updated_at = CURRENT_TIMESTAMP`,
		id, purpose.String())
	if err != nil {
		return fmt.Errorf("failed to save purpose: %w", err)
	}
	return nil
}

func (s *SQLite) RestorePurpose(ctx context.Context, id string) (firmware.Purpose, error) {
	var purpose sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT purpose FROM versions WHERE id = ?`, id).Scan(&purpose)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !purpose.Valid) {
		return firmware.PurposeUnknown, ErrNotFound
	}
	if err != nil {
		return firmware.PurposeUnknown, fmt.Errorf("failed to restore purpose: %w", err)
	}
	return firmware.ParsePurpose(purpose.String), nil
}

func (s *SQLite) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM versions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove version: %w", err)
	}
	return nil
}

// TryLock attempts to acquire a named lock, returns true if successful
func (s *SQLite) TryLock(ctx context.Context, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO _busy(name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lock result: %w", err)
	}
	return rowsAffected > 0, nil
}

func (s *SQLite) ReleaseLock(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _busy WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
