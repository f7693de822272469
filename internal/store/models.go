package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Record is one persisted device entry.
type Record struct {
	Address string `json:"address"`
}

// Decode parses a persisted device list. The current format is a JSON array
// of objects with an "address" field (other fields are ignored). Files
// written by older releases hold an array of [connected, address] pairs;
// those are still readable, the connected flag is discarded.
func Decode(data []byte) ([]Record, error) {
	var records []Record
	curErr := json.Unmarshal(data, &records)
	if curErr == nil {
		if records == nil {
			records = []Record{}
		}
		return records, nil
	}

	records, legacyErr := decodeLegacy(data)
	if legacyErr == nil {
		return records, nil
	}
	return nil, fmt.Errorf("decode device list: %w", errors.Join(curErr, legacyErr))
}

func decodeLegacy(data []byte) ([]Record, error) {
	var pairs [][]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("legacy format: %w", err)
	}
	records := make([]Record, 0, len(pairs))
	for i, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("legacy entry %d: want 2 elements, got %d", i, len(p))
		}
		var connected bool
		if err := json.Unmarshal(p[0], &connected); err != nil {
			return nil, fmt.Errorf("legacy entry %d: connected flag: %w", i, err)
		}
		var addr string
		if err := json.Unmarshal(p[1], &addr); err != nil {
			return nil, fmt.Errorf("legacy entry %d: address: %w", i, err)
		}
		records = append(records, Record{Address: addr})
	}
	return records, nil
}

// Encode serializes records in the current format.
func Encode(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	return json.MarshalIndent(records, "", "  ")
}
