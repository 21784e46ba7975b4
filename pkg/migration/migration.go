// Package migration implements rhythm's one-shot legacy-key migration
// (C8): move a fixed list of legacy keys out of the fallback KV and
// into their corresponding primary object stores, exactly once per
// process lifetime.
//
// Grounded on cuemby-warren/pkg/storage/boltdb.go's bucket iteration
// (ForEach) pattern, repurposed here to scan a fixed legacy key list
// in the fallback backend instead of a whole primary bucket.
package migration

import (
	"fmt"

	"github.com/cuemby/rhythm/pkg/log"
	"github.com/cuemby/rhythm/pkg/storage"
	"github.com/cuemby/rhythm/pkg/types"
)

const legacyStore = "legacy"
const flagStore = "migration"
const flagKey = "migration_complete"

// KeyResult reports the outcome of migrating a single legacy key.
type KeyResult struct {
	Key      string
	Migrated bool
	Skipped  bool
	Err      error
}

// Migrator runs the one-shot migration from a fallback-backend legacy
// bucket into the primary backend's per-key target stores.
type Migrator struct {
	fallback storage.Backend
	primary  storage.Backend
	keys     []string
}

// New builds a Migrator. legacyKeys names the keys to look for under
// the fallback backend's "legacy" bucket; each, if present, is moved
// into the primary store of the same name.
func New(primary, fallback storage.Backend, legacyKeys []string) *Migrator {
	keys := make([]string, len(legacyKeys))
	copy(keys, legacyKeys)
	return &Migrator{fallback: fallback, primary: primary, keys: keys}
}

// NeedsMigration reports false once the completion flag is set, or if
// none of the configured legacy keys are present in the fallback KV.
func (m *Migrator) NeedsMigration() (bool, error) {
	done, err := m.isFlagSet()
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	for _, key := range m.keys {
		if _, err := m.fallback.Get(legacyStore, key); err == nil {
			return true, nil
		} else if err != storage.ErrNotFound {
			return false, fmt.Errorf("migration: check legacy key %q: %w", key, err)
		}
	}
	return false, nil
}

func (m *Migrator) isFlagSet() (bool, error) {
	_, err := m.primary.Get(flagStore, flagKey)
	if err == nil {
		return true, nil
	}
	if err == storage.ErrNotFound {
		return false, nil
	}
	return false, err
}

// Migrate runs the migration. It is idempotent: once the completion
// flag is set in the primary backend, subsequent calls are no-ops even
// if legacy keys reappear in the fallback. Partial failures (one key
// errors) do not block migration of the others; per-key results are
// always returned for whichever keys were actually attempted.
func (m *Migrator) Migrate() ([]KeyResult, error) {
	done, err := m.isFlagSet()
	if err != nil {
		return nil, err
	}
	if done {
		return nil, nil
	}

	results := make([]KeyResult, 0, len(m.keys))
	for _, key := range m.keys {
		results = append(results, m.migrateOne(key))
	}

	flag := types.ObjectStoreItem{ID: flagKey, Value: []byte("true")}
	if _, err := m.primary.Put(flagStore, flag); err != nil {
		return results, fmt.Errorf("migration: set completion flag: %w", err)
	}
	return results, nil
}

func (m *Migrator) migrateOne(key string) KeyResult {
	raw, err := m.fallback.Get(legacyStore, key)
	if err == storage.ErrNotFound {
		return KeyResult{Key: key, Skipped: true}
	}
	if err != nil {
		return KeyResult{Key: key, Err: fmt.Errorf("read legacy key: %w", err)}
	}

	item := types.ObjectStoreItem{ID: key, Value: raw.Value}
	if _, err := m.primary.Put(key, item); err != nil {
		return KeyResult{Key: key, Err: fmt.Errorf("write to %s: %w", key, err)}
	}

	if err := m.fallback.Delete(legacyStore, key); err != nil {
		log.WithComponent("migration").Warn().Str("key", key).Err(err).Msg("migrated value but failed to delete legacy key")
	}

	return KeyResult{Key: key, Migrated: true}
}
