package legacy

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var legacyBucket = []byte("legacy")

// BoltStore is the durable Store. It loads the whole record into memory at
// open (the legacy record is small) and writes every change through to disk,
// giving callers the synchronous read semantics the flat record always had.
type BoltStore struct {
	db    *bbolt.DB
	cache *MemStore
}

// OpenBolt opens (or creates) the on-device legacy store at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open legacy store: %w", err)
	}

	s := &BoltStore{db: db, cache: NewMemStore()}
	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(legacyBucket)
		if err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		return bucket.ForEach(func(k, v []byte) error {
			return s.cache.Set(string(k), string(v))
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load legacy store: %w", err)
	}
	return s, nil
}

func (s *BoltStore) Get(key string) (string, bool) { return s.cache.Get(key) }
func (s *BoltStore) Keys() []string                { return s.cache.Keys() }
func (s *BoltStore) Len() int                      { return s.cache.Len() }

func (s *BoltStore) Set(key, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(legacyBucket).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("write legacy key %s: %w", key, err)
	}
	return s.cache.Set(key, value)
}

func (s *BoltStore) Delete(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(legacyBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete legacy key %s: %w", key, err)
	}
	return s.cache.Delete(key)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
