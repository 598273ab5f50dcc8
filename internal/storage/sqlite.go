package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const createLocalStorageTable = `
CREATE TABLE IF NOT EXISTS local_storage (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// SQLiteMedium keeps profile-wide local storage in a SQLite file so that
// several tab processes on one machine see the same state.
type SQLiteMedium struct {
	db *sql.DB
}

// OpenSQLiteMedium opens (creating if needed) the local storage database at path.
func OpenSQLiteMedium(ctx context.Context, path string) (*SQLiteMedium, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open local storage: %w", err)
	}

	medium, err := NewSQLiteMedium(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return medium, nil
}

// NewSQLiteMedium wraps an existing handle and ensures the schema exists.
func NewSQLiteMedium(ctx context.Context, db *sql.DB) (*SQLiteMedium, error) {
	if _, err := db.ExecContext(ctx, createLocalStorageTable); err != nil {
		return nil, fmt.Errorf("create local_storage table: %w", err)
	}
	return &SQLiteMedium{db: db}, nil
}

func (m *SQLiteMedium) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := m.db.QueryRowContext(ctx, `SELECT value FROM local_storage WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get local_storage[%s]: %w", key, err)
	}
	return value, true, nil
}

func (m *SQLiteMedium) Set(ctx context.Context, key string, value string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO local_storage (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set local_storage[%s]: %w", key, err)
	}
	return nil
}

func (m *SQLiteMedium) Remove(ctx context.Context, key string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM local_storage WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove local_storage[%s]: %w", key, err)
	}
	return nil
}

func (m *SQLiteMedium) Keys(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT key FROM local_storage ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list local_storage: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan local_storage key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (m *SQLiteMedium) Clear(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM local_storage`); err != nil {
		return fmt.Errorf("clear local_storage: %w", err)
	}
	return nil
}

func (m *SQLiteMedium) Close() error {
	return m.db.Close()
}
