package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/cuemby/rhythm/pkg/types"
)

// MemoryBackend is the fallback storage backend: a process-memory
// string KV namespaced rhythm_fallback_<store>, guarded by a
// sync.RWMutex. It optionally write-throughs to a flat file so
// the fallback survives process restarts — [SUPPLEMENT] per
// SPEC_FULL.md §4.6, the nearest Go equivalent of localStorage's
// persistence across a browser restart, and does not change any
// documented fallback semantics.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]map[string]types.ObjectStoreItem

	filePath string
}

// Namespace returns the fallback KV key prefix for store:
// "rhythm_fallback_<store>".
func Namespace(store string) string {
	return "rhythm_fallback_" + store
}

// NewMemoryBackend creates an empty fallback backend. If filePath is
// non-empty, state is loaded from it at startup (if present) and
// written back after every mutation.
func NewMemoryBackend(filePath string) (*MemoryBackend, error) {
	m := &MemoryBackend{
		data:     make(map[string]map[string]types.ObjectStoreItem),
		filePath: filePath,
	}
	if filePath == "" {
		return m, nil
	}
	raw, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("storage: read fallback file: %w", err)
	}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m.data); err != nil {
		return nil, fmt.Errorf("storage: decode fallback file: %w", err)
	}
	return m, nil
}

func (m *MemoryBackend) persistLocked() error {
	if m.filePath == "" {
		return nil
	}
	raw, err := json.Marshal(m.data)
	if err != nil {
		return err
	}
	return os.WriteFile(m.filePath, raw, 0o600)
}

func (m *MemoryBackend) bucket(store string) map[string]types.ObjectStoreItem {
	b, ok := m.data[store]
	if !ok {
		b = make(map[string]types.ObjectStoreItem)
		m.data[store] = b
	}
	return b
}

func (m *MemoryBackend) Put(store string, item types.ObjectStoreItem) (types.ObjectStoreItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.bucket(store)
	toStore := item
	toStore.WriteEpoch = 1
	if existing, ok := bucket[item.ID]; ok {
		_, toStore = DetectWriteConflict(existing, item)
		toStore.WriteEpoch = existing.WriteEpoch + 1
	}
	bucket[toStore.ID] = toStore
	if err := m.persistLocked(); err != nil {
		return types.ObjectStoreItem{}, err
	}
	return toStore, nil
}

func (m *MemoryBackend) Get(store, key string) (types.ObjectStoreItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, ok := m.data[store]
	if !ok {
		return types.ObjectStoreItem{}, ErrNotFound
	}
	item, ok := bucket[key]
	if !ok {
		return types.ObjectStoreItem{}, ErrNotFound
	}
	return item, nil
}

func (m *MemoryBackend) GetAll(store string) ([]types.ObjectStoreItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.data[store]
	items := make([]types.ObjectStoreItem, 0, len(bucket))
	for _, item := range bucket {
		items = append(items, item)
	}
	return items, nil
}

func (m *MemoryBackend) GetByIndex(store, field, value string) ([]types.ObjectStoreItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []types.ObjectStoreItem
	for _, item := range m.data[store] {
		if extractField(item.Value, field) == value {
			items = append(items, item)
		}
	}
	return items, nil
}

func (m *MemoryBackend) Delete(store, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[store], key)
	return m.persistLocked()
}

func (m *MemoryBackend) Clear(store string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[store] = make(map[string]types.ObjectStoreItem)
	return m.persistLocked()
}

func (m *MemoryBackend) Count(store string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[store]), nil
}

// memTxn implements Txn directly against the backend's map under the
// backend's own lock — the in-memory backend has no native
// multi-operation transaction primitive, so a transaction here is a
// single critical section for its whole body, held for the duration of
// Transaction's call the same way bbolt holds its transaction.
type memTxn struct {
	backend *MemoryBackend
}

func (t *memTxn) Put(store string, item types.ObjectStoreItem) (types.ObjectStoreItem, error) {
	bucket := t.backend.bucket(store)
	toStore := item
	toStore.WriteEpoch = 1
	if existing, ok := bucket[item.ID]; ok {
		_, toStore = DetectWriteConflict(existing, item)
		toStore.WriteEpoch = existing.WriteEpoch + 1
	}
	bucket[toStore.ID] = toStore
	return toStore, nil
}

func (t *memTxn) Get(store, key string) (types.ObjectStoreItem, error) {
	bucket, ok := t.backend.data[store]
	if !ok {
		return types.ObjectStoreItem{}, ErrNotFound
	}
	item, ok := bucket[key]
	if !ok {
		return types.ObjectStoreItem{}, ErrNotFound
	}
	return item, nil
}

func (t *memTxn) GetAll(store string) ([]types.ObjectStoreItem, error) {
	bucket := t.backend.data[store]
	items := make([]types.ObjectStoreItem, 0, len(bucket))
	for _, item := range bucket {
		items = append(items, item)
	}
	return items, nil
}

func (t *memTxn) Delete(store, key string) error {
	delete(t.backend.data[store], key)
	return nil
}

func (t *memTxn) Clear(store string) error {
	t.backend.data[store] = make(map[string]types.ObjectStoreItem)
	return nil
}

func (t *memTxn) Count(store string) (int, error) {
	return len(t.backend.data[store]), nil
}

func (m *MemoryBackend) Transaction(stores []string, mode Mode, body func(Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, store := range stores {
		m.bucket(store)
	}

	err := body(&memTxn{backend: m})
	if err != nil {
		return err
	}
	if mode == ModeReadWrite {
		return m.persistLocked()
	}
	return nil
}

func (m *MemoryBackend) Stats() (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{Type: "fallback", StoreCount: len(m.data)}
	for _, bucket := range m.data {
		for _, item := range bucket {
			stats.TotalBytes += EstimateDataSize(item)
		}
	}
	return stats, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
