package txn

import (
	"encoding/json"

	"github.com/cuemby/rhythm/pkg/types"
)

func marshalEntry(entry CompensationEntry) (types.ObjectStoreItem, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return types.ObjectStoreItem{}, err
	}
	return types.ObjectStoreItem{ID: entry.ID, Value: raw}, nil
}

func unmarshalEntry(item types.ObjectStoreItem) (CompensationEntry, error) {
	var entry CompensationEntry
	err := json.Unmarshal(item.Value, &entry)
	return entry, err
}
