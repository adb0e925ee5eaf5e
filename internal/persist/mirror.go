// Package persist keeps an on-device mirror of the replicated document. Every
// committed transaction is written through to a bbolt file as a serialized
// update; opening the mirror replays the stored snapshot and updates into the
// document before anything else reads it.
package persist

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	bolt "go.etcd.io/bbolt"

	"tally/internal/doc"
)

var (
	bucketMeta    = []byte("meta")
	bucketUpdates = []byte("updates")
	keySnapshot   = []byte("snapshot")
)

// Mirror is the local persistence adapter.
type Mirror struct {
	db     *bolt.DB
	d      *doc.Doc
	synced chan struct{}
	unsub  func()

	mu sync.Mutex
}

// Open loads the mirror at path into d, replaying the stored snapshot and
// every update after it, then starts writing through new transactions. The
// replay runs under the Init origin so it is never undoable and never
// mistaken for a live remote edit.
func Open(path string, d *doc.Doc) (*Mirror, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open mirror %s: %w", path, err)
	}

	m := &Mirror{db: db, d: d, synced: make(chan struct{})}

	var snapshot []byte
	var updates [][]byte
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if data := meta.Get(keySnapshot); data != nil {
			snapshot = append([]byte(nil), data...)
		}
		ups, err := tx.CreateBucketIfNotExists(bucketUpdates)
		if err != nil {
			return err
		}
		return ups.ForEach(func(k, v []byte) error {
			updates = append(updates, append([]byte(nil), v...))
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read mirror %s: %w", path, err)
	}

	if snapshot != nil {
		if err := d.ApplySnapshot(snapshot, doc.Init()); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("replay snapshot: %w", err)
		}
	}
	for i, raw := range updates {
		u, err := doc.DecodeUpdate(raw)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("decode update %d: %w", i, err)
		}
		if err := d.ApplyUpdate(u, doc.Init()); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("replay update %d: %w", i, err)
		}
	}
	close(m.synced)

	m.unsub = d.OnUpdate(m.writeThrough)
	return m, nil
}

// Synced is the readiness signal the session state loader waits on. The
// channel is closed once the replay has finished.
func (m *Mirror) Synced() <-chan struct{} {
	return m.synced
}

// writeThrough persists one committed transaction. Failures are logged, not
// propagated: the in-memory document stays authoritative and a write failure
// must not fail the transaction that already committed.
func (m *Mirror) writeThrough(u doc.Update, origin doc.Origin) {
	raw, err := u.Encode()
	if err != nil {
		log.Printf("persist: encode update: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	err = m.db.Update(func(tx *bolt.Tx) error {
		ups := tx.Bucket(bucketUpdates)
		seq, err := ups.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return ups.Put(key[:], raw)
	})
	if err != nil {
		log.Printf("persist: write update: %v", err)
	}
}

// Compact collapses the stored update log into a single snapshot. Call it
// while no transactions are running, typically at shutdown.
func (m *Mirror) Compact() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot, err := m.d.EncodeSnapshot()
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	err = m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketUpdates); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketUpdates); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keySnapshot, snapshot)
	})
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	return nil
}

// Close stops the write-through and closes the file.
func (m *Mirror) Close() error {
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	return m.db.Close()
}
