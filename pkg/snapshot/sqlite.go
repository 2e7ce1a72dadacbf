package snapshot

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore keeps snapshots as base64 rows in a sqlite database, one row per
// session id.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore ensures the snapshots table exists. The caller owns the
// database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS snapshots (
		id text not null primary key,
		content text not null,
		updated_at timestamp not null
		)`,
	); err != nil {
		return nil, fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(id string, data []byte) error {
	if id == "" {
		return fmt.Errorf("invalid session id %q", id)
	}
	if _, err := s.db.Exec(
		`INSERT INTO snapshots (id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		id, base64.StdEncoding.EncodeToString(data), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(id string) ([]byte, error) {
	var rawContent string
	if err := s.db.QueryRow(`SELECT content FROM snapshots WHERE id = ?`, id).Scan(&rawContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return raw, nil
}

func (s *SQLiteStore) Sweep(retention time.Duration) (int, error) {
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE updated_at < ?`, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old snapshots: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted snapshots: %w", err)
	}
	return int(deleted), nil
}
