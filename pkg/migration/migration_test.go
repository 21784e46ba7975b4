package migration

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rhythm/pkg/storage"
	"github.com/cuemby/rhythm/pkg/types"
)

func newBackends(t *testing.T) (storage.Backend, storage.Backend) {
	t.Helper()
	dir := t.TempDir()
	primary, err := storage.NewBoltBackend(filepath.Join(dir, "p.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = primary.Close() })
	fallback, err := storage.NewMemoryBackend("")
	require.NoError(t, err)
	return primary, fallback
}

func TestNeedsMigrationFalseWhenNoLegacyKeysExist(t *testing.T) {
	primary, fallback := newBackends(t)
	m := New(primary, fallback, []string{"legacy_settings"})

	needs, err := m.NeedsMigration()
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestNeedsMigrationTrueWhenLegacyKeyPresent(t *testing.T) {
	primary, fallback := newBackends(t)
	_, err := fallback.Put(legacyStore, types.ObjectStoreItem{ID: "legacy_settings", Value: []byte(`{"a":1}`)})
	require.NoError(t, err)

	m := New(primary, fallback, []string{"legacy_settings"})
	needs, err := m.NeedsMigration()
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestMigrateMovesValueAndDeletesLegacyKey(t *testing.T) {
	primary, fallback := newBackends(t)
	_, err := fallback.Put(legacyStore, types.ObjectStoreItem{ID: "legacy_settings", Value: []byte(`{"a":1}`)})
	require.NoError(t, err)

	m := New(primary, fallback, []string{"legacy_settings"})
	results, err := m.Migrate()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Migrated)

	got, err := primary.Get("legacy_settings", "legacy_settings")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got.Value))

	_, err = fallback.Get(legacyStore, "legacy_settings")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMigrateSkipsAbsentKeysWithoutFailing(t *testing.T) {
	primary, fallback := newBackends(t)
	m := New(primary, fallback, []string{"legacy_settings", "legacy_tokens"})

	results, err := m.Migrate()
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Skipped)
		assert.NoError(t, r.Err)
	}
}

func TestMigrateIsIdempotentAfterFlagSet(t *testing.T) {
	primary, fallback := newBackends(t)
	_, err := fallback.Put(legacyStore, types.ObjectStoreItem{ID: "legacy_settings", Value: []byte(`{}`)})
	require.NoError(t, err)

	m := New(primary, fallback, []string{"legacy_settings"})
	_, err = m.Migrate()
	require.NoError(t, err)

	// Reappearance of a legacy key after the flag is set must not be
	// migrated again.
	_, err = fallback.Put(legacyStore, types.ObjectStoreItem{ID: "legacy_settings", Value: []byte(`{"new":true}`)})
	require.NoError(t, err)

	results, err := m.Migrate()
	require.NoError(t, err)
	assert.Nil(t, results)

	needs, err := m.NeedsMigration()
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestMigrateMovesEveryPresentKey(t *testing.T) {
	primary, fallback := newBackends(t)
	_, err := fallback.Put(legacyStore, types.ObjectStoreItem{ID: "legacy_settings", Value: []byte(`{}`)})
	require.NoError(t, err)
	_, err = fallback.Put(legacyStore, types.ObjectStoreItem{ID: "legacy_tokens", Value: []byte(`{}`)})
	require.NoError(t, err)

	m := New(primary, fallback, []string{"legacy_settings", "legacy_tokens"})
	results, err := m.Migrate()
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Migrated)
	}
}
