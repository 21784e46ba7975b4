package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rhythm/pkg/types"
)

func newBoltBackend(t *testing.T, indexFields map[string][]string) *BoltBackend {
	t.Helper()
	dir := t.TempDir()
	b, err := NewBoltBackend(filepath.Join(dir, "test.db"), indexFields)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func item(id string, value string) types.ObjectStoreItem {
	return types.ObjectStoreItem{ID: id, Value: []byte(value)}
}

func TestBoltPutGetRoundTrips(t *testing.T) {
	b := newBoltBackend(t, nil)
	stored, err := b.Put("sessions", item("s1", `{"name":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", stored.ID)

	got, err := b.Get("sessions", "s1")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"a"}`, string(got.Value))
}

func TestBoltGetMissingReturnsNotFound(t *testing.T) {
	b := newBoltBackend(t, nil)
	_, err := b.Get("sessions", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltGetAllAndCount(t *testing.T) {
	b := newBoltBackend(t, nil)
	_, _ = b.Put("sessions", item("s1", `{}`))
	_, _ = b.Put("sessions", item("s2", `{}`))

	all, err := b.GetAll("sessions")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	count, err := b.Count("sessions")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestBoltDeleteAndClear(t *testing.T) {
	b := newBoltBackend(t, nil)
	_, _ = b.Put("sessions", item("s1", `{}`))
	require.NoError(t, b.Delete("sessions", "s1"))
	_, err := b.Get("sessions", "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _ = b.Put("sessions", item("s2", `{}`))
	require.NoError(t, b.Clear("sessions"))
	count, _ := b.Count("sessions")
	assert.Equal(t, 0, count)
}

func TestBoltGetByIndex(t *testing.T) {
	b := newBoltBackend(t, map[string][]string{"sessions": {"owner"}})
	_, err := b.Put("sessions", item("s1", `{"owner":"alice"}`))
	require.NoError(t, err)
	_, err = b.Put("sessions", item("s2", `{"owner":"bob"}`))
	require.NoError(t, err)

	matches, err := b.GetByIndex("sessions", "owner", "alice")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "s1", matches[0].ID)
}

func TestBoltIndexUpdatedOnDelete(t *testing.T) {
	b := newBoltBackend(t, map[string][]string{"sessions": {"owner"}})
	_, _ = b.Put("sessions", item("s1", `{"owner":"alice"}`))
	require.NoError(t, b.Delete("sessions", "s1"))

	matches, err := b.GetByIndex("sessions", "owner", "alice")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestBoltTransactionCommitsOnSuccess(t *testing.T) {
	b := newBoltBackend(t, nil)
	err := b.Transaction([]string{"sessions"}, ModeReadWrite, func(txn Txn) error {
		_, err := txn.Put("sessions", item("s1", `{}`))
		return err
	})
	require.NoError(t, err)

	got, err := b.Get("sessions", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestBoltTransactionRollsBackOnError(t *testing.T) {
	b := newBoltBackend(t, nil)
	wantErr := assert.AnError
	err := b.Transaction([]string{"sessions"}, ModeReadWrite, func(txn Txn) error {
		_, _ = txn.Put("sessions", item("s1", `{}`))
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	_, err = b.Get("sessions", "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltTxnStaleAfterBodyReturns(t *testing.T) {
	b := newBoltBackend(t, nil)
	var leaked Txn
	_ = b.Transaction([]string{"sessions"}, ModeReadWrite, func(txn Txn) error {
		leaked = txn
		return nil
	})

	_, err := leaked.Get("sessions", "s1")
	assert.ErrorIs(t, err, ErrTransactionStale)
}

func TestDetectWriteConflictLegacyRecordAlwaysLoses(t *testing.T) {
	existing := types.ObjectStoreItem{ID: "x", WriteEpoch: 0}
	incoming := types.ObjectStoreItem{ID: "x", WriteEpoch: 0, SenderID: "A"}
	conflict, winner := DetectWriteConflict(existing, incoming)
	assert.False(t, conflict)
	assert.Equal(t, incoming, winner)
}

func TestDetectWriteConflictSameEpochTieBreaksBySender(t *testing.T) {
	existing := types.ObjectStoreItem{ID: "x", WriteEpoch: 5, SenderID: "A"}
	incoming := types.ObjectStoreItem{ID: "x", WriteEpoch: 5, SenderID: "B"}
	conflict, winner := DetectWriteConflict(existing, incoming)
	assert.True(t, conflict)
	assert.Equal(t, "B", winner.SenderID)
}

func TestDetectWriteConflictHigherEpochWins(t *testing.T) {
	existing := types.ObjectStoreItem{ID: "x", WriteEpoch: 5}
	incoming := types.ObjectStoreItem{ID: "x", WriteEpoch: 6}
	conflict, winner := DetectWriteConflict(existing, incoming)
	assert.False(t, conflict)
	assert.Equal(t, incoming, winner)
}

func TestDetectWriteConflictBlindIncomingAlwaysWins(t *testing.T) {
	existing := types.ObjectStoreItem{ID: "x", WriteEpoch: 9, SenderID: "A"}
	incoming := types.ObjectStoreItem{ID: "x", WriteEpoch: 0, SenderID: "B"}
	conflict, winner := DetectWriteConflict(existing, incoming)
	assert.False(t, conflict)
	assert.Equal(t, incoming, winner)
}

func TestBoltPutStampsMonotonicWriteEpoch(t *testing.T) {
	b := newBoltBackend(t, nil)
	first, err := b.Put("sessions", item("s1", `{"v":1}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.WriteEpoch)

	second, err := b.Put("sessions", item("s1", `{"v":2}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.WriteEpoch)
	assert.Equal(t, `{"v":2}`, string(second.Value))

	got, err := b.Get("sessions", "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.WriteEpoch)
}

func TestMemoryPutStampsMonotonicWriteEpoch(t *testing.T) {
	b, err := NewMemoryBackend("")
	require.NoError(t, err)

	first, err := b.Put("sessions", item("s1", `{"v":1}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.WriteEpoch)

	second, err := b.Put("sessions", item("s1", `{"v":2}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.WriteEpoch)
	assert.Equal(t, `{"v":2}`, string(second.Value))
}

func TestStoreActivatesFallbackAndReports(t *testing.T) {
	primary := newBoltBackend(t, nil)
	fallback, err := NewMemoryBackend("")
	require.NoError(t, err)

	s := New(primary, fallback, 3)
	assert.False(t, s.IsUsingFallback())

	_, err = s.Put("sessions", item("s1", `{}`))
	require.NoError(t, err)

	s.ActivateFallback()
	assert.True(t, s.IsUsingFallback())

	_, err = s.Get("sessions", "s1")
	assert.ErrorIs(t, err, ErrNotFound) // fallback is a distinct, empty store

	s.ResetConnectionState()
	assert.False(t, s.IsUsingFallback())
	got, err := s.Get("sessions", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestMemoryBackendWriteThroughPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fallback.json")

	b1, err := NewMemoryBackend(path)
	require.NoError(t, err)
	_, err = b1.Put("sessions", item("s1", `{}`))
	require.NoError(t, err)

	b2, err := NewMemoryBackend(path)
	require.NoError(t, err)
	got, err := b2.Get("sessions", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestEstimateDataSizeIsPositiveAndGrowsWithValue(t *testing.T) {
	small := EstimateDataSize(item("a", `{}`))
	large := EstimateDataSize(item("a", `{"a very long field name indeed": "and a long value too"}`))
	assert.Greater(t, small, int64(0))
	assert.Greater(t, large, small)
}
