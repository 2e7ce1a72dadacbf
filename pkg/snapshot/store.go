// Package snapshot persists serialized session documents outside process
// memory, one blob per session id, overwritten on each save.
package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned by Load when no snapshot exists for the session id.
var ErrNotFound = errors.New("snapshot not found")

// Store is the durable home of session snapshots. Saves are last-writer-wins
// per session id; Sweep removes snapshots older than the retention window and
// returns how many it deleted.
type Store interface {
	Save(id string, data []byte) error
	Load(id string) ([]byte, error)
	Sweep(retention time.Duration) (int, error)
}

const fileSuffix = ".automerge"

// FileStore keeps one <id>.automerge file per session in a single directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// filename rejects ids that could escape the snapshot directory.
func (s *FileStore) filename(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(s.dir, id+fileSuffix), nil
}

func (s *FileStore) Save(id string, data []byte) error {
	fn, err := s.filename(id)
	if err != nil {
		return err
	}
	if err := os.WriteFile(fn, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Load(id string) ([]byte, error) {
	fn, err := s.filename(id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(fn)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return raw, nil
}

func (s *FileStore) Sweep(retention time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshot directory: %w", err)
	}
	cutoff := time.Now().Add(-retention)
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
				slog.Error("failed to delete old snapshot", "file", entry.Name(), "err", err)
				continue
			}
			deleted++
		}
	}
	return deleted, nil
}
