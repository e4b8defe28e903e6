// Package snapshot implements the chunked state-machine snapshot store
// (spec.md §3 "storage layer": "provides chunked state-machine snapshots
// addressable by state-machine identifier and index"). Grounded on the
// teacher's own bbolt storage (internal/raft/storage/bbolt_storage.go):
// same bucket/key-encoding conventions, same error-wrapping style, but
// keyed by (state machine id, snapshot index, chunk offset) instead of log
// index, and carrying the locked/timestamp header spec.md §6 requires for
// snapshot files.
package snapshot

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	chunksBucket = []byte("chunks")
	metaBucket   = []byte("meta")
)

// Descriptor is a snapshot file's header (spec.md §6: "header (id, index,
// timestamp, locked)").
type Descriptor struct {
	StateMachineID string
	Index          uint64
	Timestamp      int64
	Locked         bool
	ChunkCount     uint32
}

// Store is the bbolt-backed chunk store. One Store serves every state
// machine on a server; snapshots are namespaced by StateMachineID.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the snapshot store at path, deleting
// any unlocked snapshots left behind by a crash mid-write (spec.md §6:
// "Snapshots without a set locked flag are deleted on open").
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to open bbolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(chunksBucket); err != nil {
			return fmt.Errorf("failed to create chunks bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db}
	if err := s.deleteUnlocked(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// descKey and chunkKey encode the (state machine id, snapshot index[,
// chunk offset]) composite keys, following the teacher's uint64ToBytes /
// bytesToUint64 convention for fixed-width big-endian keys.
func descKey(smID string, index uint64) []byte {
	key := make([]byte, len(smID)+1+8)
	n := copy(key, smID)
	key[n] = '/'
	binary.BigEndian.PutUint64(key[n+1:], index)
	return key
}

func chunkKey(smID string, index uint64, chunk uint32) []byte {
	key := make([]byte, len(smID)+1+8+4)
	n := copy(key, smID)
	key[n] = '/'
	binary.BigEndian.PutUint64(key[n+1:], index)
	binary.BigEndian.PutUint32(key[n+9:], chunk)
	return key
}

func encodeDescriptor(d Descriptor) []byte {
	buf := make([]byte, 8+1+4)
	binary.BigEndian.PutUint64(buf[0:8], uint64(d.Timestamp))
	if d.Locked {
		buf[8] = 1
	}
	binary.BigEndian.PutUint32(buf[9:13], d.ChunkCount)
	return buf
}

func decodeDescriptor(smID string, index uint64, data []byte) Descriptor {
	return Descriptor{
		StateMachineID: smID,
		Index:          index,
		Timestamp:      int64(binary.BigEndian.Uint64(data[0:8])),
		Locked:         data[8] != 0,
		ChunkCount:     binary.BigEndian.Uint32(data[9:13]),
	}
}

// Writer accumulates chunks for one in-progress snapshot. Per spec.md's
// "Shared-resource policy": in-progress snapshots are only visible to the
// writer that owns them until Complete locks them.
type Writer struct {
	store     *Store
	smID      string
	index     uint64
	timestamp int64
	chunks    uint32
}

// NewSnapshot begins writing a new snapshot of state machine smID at the
// given log index.
func (s *Store) NewSnapshot(smID string, index uint64, timestamp int64) *Writer {
	return &Writer{store: s, smID: smID, index: index, timestamp: timestamp}
}

// WriteChunk appends the next opaque chunk of state-machine bytes.
func (w *Writer) WriteChunk(data []byte) error {
	chunk := w.chunks
	if err := w.store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(chunksBucket).Put(chunkKey(w.smID, w.index, chunk), data)
	}); err != nil {
		return fmt.Errorf("snapshot: write chunk %d: %w", chunk, err)
	}
	w.chunks++
	return nil
}

// Complete locks the snapshot, making it durable and visible to readers
// (spec.md §6: "A segment is valid only if its locked flag is set" applies
// identically to snapshot files).
func (w *Writer) Complete() error {
	desc := Descriptor{StateMachineID: w.smID, Index: w.index, Timestamp: w.timestamp, Locked: true, ChunkCount: w.chunks}
	return w.store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(descKey(w.smID, w.index), encodeDescriptor(desc))
	})
}

// Abandon discards a partially written snapshot's chunks without locking
// it, e.g. if the state machine failed mid-snapshot.
func (w *Writer) Abandon() error {
	return w.store.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(chunksBucket)
		for i := uint32(0); i < w.chunks; i++ {
			if err := bucket.Delete(chunkKey(w.smID, w.index, i)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Latest returns the highest locked snapshot index for smID, if any.
func (s *Store) Latest(smID string) (Descriptor, bool, error) {
	var latest Descriptor
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(metaBucket).Cursor()
		prefix := append([]byte(smID), '/')
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			index := binary.BigEndian.Uint64(k[len(prefix):])
			desc := decodeDescriptor(smID, index, v)
			if desc.Locked {
				latest = desc
				found = true
			}
		}
		return nil
	})
	return latest, found, err
}

// ReadChunks returns every chunk of the locked snapshot at (smID, index) in
// order, or an error if it isn't locked.
func (s *Store) ReadChunks(smID string, index uint64) ([][]byte, error) {
	var desc Descriptor
	var locked bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metaBucket).Get(descKey(smID, index))
		if data == nil {
			return fmt.Errorf("snapshot: no snapshot for %s at index %d", smID, index)
		}
		desc = decodeDescriptor(smID, index, data)
		locked = desc.Locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("snapshot: snapshot for %s at index %d is not locked", smID, index)
	}

	chunks := make([][]byte, desc.ChunkCount)
	err = s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(chunksBucket)
		for i := uint32(0); i < desc.ChunkCount; i++ {
			data := bucket.Get(chunkKey(smID, index, i))
			if data == nil {
				return fmt.Errorf("snapshot: missing chunk %d for %s at index %d", i, smID, index)
			}
			cp := make([]byte, len(data))
			copy(cp, data)
			chunks[i] = cp
		}
		return nil
	})
	return chunks, err
}

// deleteUnlocked removes every snapshot that never got Complete()'d before a
// prior crash: unlocked descriptors with their chunks, and chunks that have
// no locked descriptor (a Writer only writes its descriptor in Complete).
func (s *Store) deleteUnlocked() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		metaB := tx.Bucket(metaBucket)
		chunksB := tx.Bucket(chunksBucket)
		var stale [][]byte
		cursor := metaB.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if v[8] == 0 { // Locked byte
				stale = append(stale, append([]byte{}, k...))
			}
		}
		for _, k := range stale {
			smID, index := splitDescKey(k)
			count := binary.BigEndian.Uint32(mustGet(metaB, k)[9:13])
			for i := uint32(0); i < count; i++ {
				if err := chunksB.Delete(chunkKey(smID, index, i)); err != nil {
					return err
				}
			}
			if err := metaB.Delete(k); err != nil {
				return err
			}
		}
		var orphans [][]byte
		chunkCursor := chunksB.Cursor()
		for k, _ := chunkCursor.First(); k != nil; k, _ = chunkCursor.Next() {
			if d := metaB.Get(k[:len(k)-4]); d == nil || d[8] == 0 {
				orphans = append(orphans, append([]byte{}, k...))
			}
		}
		for _, k := range orphans {
			if err := chunksB.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func mustGet(b *bbolt.Bucket, key []byte) []byte { return b.Get(key) }

func splitDescKey(k []byte) (smID string, index uint64) {
	slash := len(k) - 8 - 1
	return string(k[:slash]), binary.BigEndian.Uint64(k[slash+1:])
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}
