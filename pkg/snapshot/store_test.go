package snapshot_test

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sessions/pkg/snapshot"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := snapshot.NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("s1", []byte("one")))
	require.NoError(t, store.Save("s1", []byte("two")))

	raw, err := store.Load("s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), raw)
}

func TestFileStoreNotFound(t *testing.T) {
	store, err := snapshot.NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("missing")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestFileStoreRejectsPathyIDs(t *testing.T) {
	store, err := snapshot.NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		assert.Error(t, store.Save(id, []byte("x")), id)
	}
}

func TestFileStoreSweep(t *testing.T) {
	dir := t.TempDir()
	store, err := snapshot.NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save("old", []byte("old")))
	require.NoError(t, store.Save("new", []byte("new")))
	stale := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.automerge"), stale, stale))

	deleted, err := store.Sweep(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Load("old")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
	_, err = store.Load("new")
	assert.NoError(t, err)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "snapshots.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store, err := snapshot.NewSQLiteStore(db)
	require.NoError(t, err)

	require.NoError(t, store.Save("s1", []byte("one")))
	require.NoError(t, store.Save("s1", []byte("two")))

	raw, err := store.Load("s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), raw)

	_, err = store.Load("missing")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestSQLiteStoreSweep(t *testing.T) {
	db := openTestDB(t)
	store, err := snapshot.NewSQLiteStore(db)
	require.NoError(t, err)

	require.NoError(t, store.Save("old", []byte("old")))
	require.NoError(t, store.Save("new", []byte("new")))
	_, err = db.Exec(`UPDATE snapshots SET updated_at = ? WHERE id = ?`, time.Now().UTC().Add(-8*24*time.Hour), "old")
	require.NoError(t, err)

	deleted, err := store.Sweep(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Load("old")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
	_, err = store.Load("new")
	assert.NoError(t, err)
}
