package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/rhythm/pkg/types"
)

// BoltBackend is the primary storage backend: a durable, versioned,
// indexed KV with true transactions, grounded on
// cuemby-warren/pkg/storage/boltdb.go's BoltStore (bucket-per-entity,
// JSON-marshalled values, db.Update/db.View), generalized to named
// object stores and per-store secondary indices instead of a fixed set
// of typed CRUD methods.
type BoltBackend struct {
	db *bolt.DB

	mu          sync.RWMutex
	indexFields map[string][]string // store -> indexed field names
}

// NewBoltBackend opens (creating if necessary) a bbolt database at
// path. indexFields declares, per store, which top-level fields of the
// item's JSON value should be kept in a secondary index bucket
// (<store>__idx__<field>), enabling GetByIndex.
func NewBoltBackend(path string, indexFields map[string][]string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open bbolt database: %w", err)
	}
	return &BoltBackend{db: db, indexFields: indexFields}, nil
}

func indexBucketName(store, field string) []byte {
	return []byte(store + "__idx__" + field)
}

func (b *BoltBackend) fieldsFor(store string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.indexFields[store]
}

func (b *BoltBackend) Put(store string, item types.ObjectStoreItem) (types.ObjectStoreItem, error) {
	var stored types.ObjectStoreItem
	err := b.db.Update(func(tx *bolt.Tx) error {
		result, err := boltPut(tx, b.fieldsFor(store), store, item)
		if err != nil {
			return err
		}
		stored = result
		return nil
	})
	return stored, err
}

func boltPut(tx *bolt.Tx, indexFields []string, store string, item types.ObjectStoreItem) (types.ObjectStoreItem, error) {
	bucket, err := tx.CreateBucketIfNotExists([]byte(store))
	if err != nil {
		return types.ObjectStoreItem{}, err
	}

	toStore := item
	toStore.WriteEpoch = 1
	if raw := bucket.Get([]byte(item.ID)); raw != nil {
		existing, err := unmarshalItem(raw)
		if err != nil {
			return types.ObjectStoreItem{}, err
		}
		_, toStore = DetectWriteConflict(existing, item)
		toStore.WriteEpoch = existing.WriteEpoch + 1
		if err := removeFromIndices(tx, store, indexFields, existing); err != nil {
			return types.ObjectStoreItem{}, err
		}
	}

	data, err := marshalItem(toStore)
	if err != nil {
		return types.ObjectStoreItem{}, err
	}
	if err := bucket.Put([]byte(toStore.ID), data); err != nil {
		return types.ObjectStoreItem{}, err
	}
	if err := addToIndices(tx, store, indexFields, toStore); err != nil {
		return types.ObjectStoreItem{}, err
	}
	return toStore, nil
}

func addToIndices(tx *bolt.Tx, store string, fields []string, item types.ObjectStoreItem) error {
	for _, field := range fields {
		value := extractField(item.Value, field)
		if value == "" {
			continue
		}
		idxBucket, err := tx.CreateBucketIfNotExists(indexBucketName(store, field))
		if err != nil {
			return err
		}
		ids := readIDList(idxBucket, value)
		ids = appendUnique(ids, item.ID)
		if err := writeIDList(idxBucket, value, ids); err != nil {
			return err
		}
	}
	return nil
}

func removeFromIndices(tx *bolt.Tx, store string, fields []string, item types.ObjectStoreItem) error {
	for _, field := range fields {
		value := extractField(item.Value, field)
		if value == "" {
			continue
		}
		idxBucket := tx.Bucket(indexBucketName(store, field))
		if idxBucket == nil {
			continue
		}
		ids := readIDList(idxBucket, value)
		ids = removeValue(ids, item.ID)
		if err := writeIDList(idxBucket, value, ids); err != nil {
			return err
		}
	}
	return nil
}

func extractField(rawValue []byte, field string) string {
	var generic map[string]any
	if err := json.Unmarshal(rawValue, &generic); err != nil {
		return ""
	}
	v, ok := generic[field]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func readIDList(bucket *bolt.Bucket, key string) []string {
	raw := bucket.Get([]byte(key))
	if raw == nil {
		return nil
	}
	var ids []string
	_ = json.Unmarshal(raw, &ids)
	return ids
}

func writeIDList(bucket *bolt.Bucket, key string, ids []string) error {
	if len(ids) == 0 {
		return bucket.Delete([]byte(key))
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), data)
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeValue(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func (b *BoltBackend) Get(store, key string) (types.ObjectStoreItem, error) {
	var item types.ObjectStoreItem
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(store))
		if bucket == nil {
			return ErrNotFound
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		var err error
		item, err = unmarshalItem(raw)
		return err
	})
	return item, err
}

func (b *BoltBackend) GetAll(store string) ([]types.ObjectStoreItem, error) {
	var items []types.ObjectStoreItem
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(store))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			item, err := unmarshalItem(v)
			if err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	return items, err
}

func (b *BoltBackend) GetByIndex(store, field, value string) ([]types.ObjectStoreItem, error) {
	var items []types.ObjectStoreItem
	err := b.db.View(func(tx *bolt.Tx) error {
		idxBucket := tx.Bucket(indexBucketName(store, field))
		if idxBucket == nil {
			return nil
		}
		bucket := tx.Bucket([]byte(store))
		if bucket == nil {
			return nil
		}
		for _, id := range readIDList(idxBucket, value) {
			raw := bucket.Get([]byte(id))
			if raw == nil {
				continue
			}
			item, err := unmarshalItem(raw)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

func (b *BoltBackend) Delete(store, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(store))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		existing, err := unmarshalItem(raw)
		if err != nil {
			return err
		}
		if err := removeFromIndices(tx, store, b.fieldsFor(store), existing); err != nil {
			return err
		}
		return bucket.Delete([]byte(key))
	})
}

func (b *BoltBackend) Clear(store string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(store)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		for _, field := range b.fieldsFor(store) {
			name := indexBucketName(store, field)
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists([]byte(store))
		return err
	})
}

func (b *BoltBackend) Count(store string) (int, error) {
	count := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(store))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, _ []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

// boltTxn implements Txn scoped to a single *bolt.Tx. It is only valid
// for the duration of the Transaction body; operations after the body
// returns fail with ErrTransactionStale because the underlying
// *bolt.Tx is already closed by bbolt itself.
type boltTxn struct {
	tx          *bolt.Tx
	indexFields map[string][]string
	mu          sync.Mutex
	active      bool
}

func (t *boltTxn) checkActive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return ErrTransactionStale
	}
	return nil
}

func (t *boltTxn) Put(store string, item types.ObjectStoreItem) (types.ObjectStoreItem, error) {
	if err := t.checkActive(); err != nil {
		return types.ObjectStoreItem{}, err
	}
	return boltPut(t.tx, t.indexFields[store], store, item)
}

func (t *boltTxn) Get(store, key string) (types.ObjectStoreItem, error) {
	if err := t.checkActive(); err != nil {
		return types.ObjectStoreItem{}, err
	}
	bucket := t.tx.Bucket([]byte(store))
	if bucket == nil {
		return types.ObjectStoreItem{}, ErrNotFound
	}
	raw := bucket.Get([]byte(key))
	if raw == nil {
		return types.ObjectStoreItem{}, ErrNotFound
	}
	return unmarshalItem(raw)
}

func (t *boltTxn) GetAll(store string) ([]types.ObjectStoreItem, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	var items []types.ObjectStoreItem
	bucket := t.tx.Bucket([]byte(store))
	if bucket == nil {
		return nil, nil
	}
	err := bucket.ForEach(func(_, v []byte) error {
		item, err := unmarshalItem(v)
		if err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

func (t *boltTxn) Delete(store, key string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	bucket := t.tx.Bucket([]byte(store))
	if bucket == nil {
		return nil
	}
	raw := bucket.Get([]byte(key))
	if raw == nil {
		return nil
	}
	existing, err := unmarshalItem(raw)
	if err != nil {
		return err
	}
	if err := removeFromIndices(t.tx, store, t.indexFields[store], existing); err != nil {
		return err
	}
	return bucket.Delete([]byte(key))
}

func (t *boltTxn) Clear(store string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if err := t.tx.DeleteBucket([]byte(store)); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	_, err := t.tx.CreateBucketIfNotExists([]byte(store))
	return err
}

func (t *boltTxn) Count(store string) (int, error) {
	if err := t.checkActive(); err != nil {
		return 0, err
	}
	count := 0
	bucket := t.tx.Bucket([]byte(store))
	if bucket == nil {
		return 0, nil
	}
	err := bucket.ForEach(func(_, _ []byte) error {
		count++
		return nil
	})
	return count, err
}

// Transaction opens a single bbolt transaction covering stores and
// runs body against a Txn scoped to it. On body error, bbolt rolls
// back automatically; on success, bbolt commits (ModeReadOnly always
// runs under View and therefore never commits writes, rejecting
// mutating calls is left to bbolt's own read-only bucket semantics).
func (b *BoltBackend) Transaction(stores []string, mode Mode, body func(Txn) error) error {
	run := b.db.Update
	if mode == ModeReadOnly {
		run = func(fn func(*bolt.Tx) error) error { return b.db.View(fn) }
	}

	return run(func(tx *bolt.Tx) error {
		for _, store := range stores {
			if mode == ModeReadWrite {
				if _, err := tx.CreateBucketIfNotExists([]byte(store)); err != nil {
					return err
				}
			}
		}
		handle := &boltTxn{tx: tx, indexFields: b.indexFields, active: true}
		err := body(handle)
		handle.mu.Lock()
		handle.active = false
		handle.mu.Unlock()
		return err
	})
}

func (b *BoltBackend) Stats() (Stats, error) {
	stats := Stats{Type: "primary"}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bolt.Bucket) error {
			stats.StoreCount++
			return bucket.ForEach(func(_, v []byte) error {
				stats.TotalBytes += int64(len(v))
				return nil
			})
		})
	})
	return stats, err
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
