package storage

import (
	"encoding/json"
	"fmt"

	"github.com/papercomputeco/sipfork/pkg/fork"
)

// Encode serializes a snapshot for storage.
func Encode(snap *fork.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a stored snapshot.
func Decode(data []byte) (*fork.Snapshot, error) {
	snap := &fork.Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}
