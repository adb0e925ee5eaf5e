// Package legacy handles the flat key/value representation scoring data used
// before the replicated document: the on-device store itself, the JSON
// snapshot export/import format, and timestamped backups.
package legacy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// VersionKey holds the schema version of the flat record.
const VersionKey = "data_version"

// Store is a flat string-to-string store with localStorage-like synchronous
// reads. Both implementations keep the full record in memory; the bolt store
// additionally writes every change through to disk.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	Keys() []string
	Len() int
}

// MemStore is the in-memory Store used by tests and by snapshot validation.
type MemStore struct {
	data map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]string)}
}

func (s *MemStore) Get(key string) (string, bool) {
	v, ok := s.data[key]
	return v, ok
}

func (s *MemStore) Set(key, value string) error {
	s.data[key] = value
	return nil
}

func (s *MemStore) Delete(key string) error {
	delete(s.data, key)
	return nil
}

func (s *MemStore) Keys() []string {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *MemStore) Len() int { return len(s.data) }

// Version reads and parses the record's schema version. The second return is
// false when no version key exists, i.e. there is no legacy data.
func Version(s Store) (float64, bool) {
	raw, ok := s.Get(VersionKey)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SetVersion bumps the record's schema version.
func SetVersion(s Store, v float64) error {
	return s.Set(VersionKey, strconv.FormatFloat(v, 'f', -1, 64))
}

// Export copies the flat record into a snapshot map, skipping backup keys so
// a backup of a backup never nests.
func Export(s Store, backupPrefix string) map[string]string {
	snap := make(map[string]string, s.Len())
	for _, k := range s.Keys() {
		if IsBackupKey(backupPrefix, k) {
			continue
		}
		v, _ := s.Get(k)
		snap[k] = v
	}
	return snap
}

// MarshalSnapshot serializes a snapshot for export or backup.
func MarshalSnapshot(snap map[string]string) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot parses an exported snapshot.
func UnmarshalSnapshot(data []byte) (map[string]string, error) {
	var snap map[string]string
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}
