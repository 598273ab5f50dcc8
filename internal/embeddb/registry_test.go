package embeddb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "databases")
	reg, err := NewRegistry(dir, zerolog.Nop())
	require.NoError(t, err)
	return reg, dir
}

func TestRegistryOpenNamesDelete(t *testing.T) {
	reg, dir := newRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"user_appointments", "drug_catalog"} {
		db, err := reg.Open(ctx, name)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS t (v TEXT)`)
		require.NoError(t, err)
		require.NoError(t, reg.Release(name))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	names, err := reg.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"drug_catalog", "user_appointments"}, names)

	require.NoError(t, reg.Delete(ctx, "user_appointments"))
	require.NoError(t, reg.Delete(ctx, "never_existed"))

	names, err = reg.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"drug_catalog"}, names)
}

func TestRegistryDeleteBlocked(t *testing.T) {
	reg, dir := newRegistry(t)
	ctx := context.Background()

	db, err := reg.Open(ctx, "session_cache")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS t (v TEXT)`)
	require.NoError(t, err)
	_, err = reg.Open(ctx, "session_cache")
	require.NoError(t, err)

	err = reg.Delete(ctx, "session_cache")
	assert.ErrorIs(t, err, ErrDeleteBlocked)
	assert.FileExists(t, filepath.Join(dir, "session_cache.db"))

	require.NoError(t, reg.Release("session_cache"))
	assert.FileExists(t, filepath.Join(dir, "session_cache.db"))

	require.NoError(t, reg.Release("session_cache"))
	assert.NoFileExists(t, filepath.Join(dir, "session_cache.db"))
}

func TestRegistryRejectsPathNames(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.Open(context.Background(), "../escape")
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.ErrorIs(t, reg.Delete(context.Background(), ""), ErrInvalidName)
}
