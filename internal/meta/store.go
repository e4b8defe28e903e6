// Package meta persists the small amount of state Raft requires to survive
// a restart: current term, last vote, and the latest committed cluster
// configuration (spec.md §3 "Global Server State", §6 storage layout).
// Grounded directly on Copycat's MetaStore
// (original_source/.../storage/MetaStore.java), which writes term at a
// fixed offset, vote at the next, and a versioned configuration blob after
// that into the same Buffer abstraction internal/disk implements here.
package meta

import (
	"bytes"

	"github.com/atomix/catalog/internal/disk"
	"github.com/atomix/catalog/internal/log"
)

const (
	offsetTerm          = 0
	offsetVotedFor      = 8
	offsetConfigVersion = offsetVotedFor + 4 + votedForMaxLen // after the VotedFor length prefix and its fixed-width slot
	offsetConfigLength  = offsetConfigVersion + 8
	offsetConfigBody    = offsetConfigLength + 8

	votedForMaxLen = 32
	initialSize    = int64(offsetConfigBody)
)

// Store persists term/vote/configuration to a single small file, matching
// MetaStore's one-file-per-server model.
type Store struct {
	buf disk.Buffer
}

// Open loads (or creates) the meta file at path.
func Open(path string) (*Store, error) {
	fb, err := disk.OpenFile(path, initialSize)
	if err != nil {
		return nil, err
	}
	return &Store{buf: fb}, nil
}

// OpenMemory returns a Store backed by an in-memory buffer, for tests and
// single-process demos that don't need durability.
func OpenMemory() *Store {
	return &Store{buf: disk.NewMemBuffer(initialSize)}
}

// StoreTerm persists the current term (MetaStore.storeTerm).
func (s *Store) StoreTerm(term uint64) error {
	return s.buf.WriteUint64(offsetTerm, term)
}

// LoadTerm returns the persisted term, 0 if never stored.
func (s *Store) LoadTerm() (uint64, error) {
	return s.buf.ReadUint64(offsetTerm)
}

// StoreVotedFor persists the server ID this server voted for in the current
// term, truncated/padded to a fixed-width slot. An empty string clears the
// vote (MetaStore.storeVote(0) is Copycat's "no vote" sentinel; here we use
// a length-prefixed empty string instead of a magic server id).
func (s *Store) StoreVotedFor(id string) error {
	buf := make([]byte, votedForMaxLen)
	n := copy(buf, id)
	if err := s.buf.WriteUint32(offsetVotedFor, uint32(n)); err != nil {
		return err
	}
	return s.buf.WriteAt(offsetVotedFor+4, buf)
}

// LoadVotedFor returns the persisted vote, "" if none.
func (s *Store) LoadVotedFor() (string, error) {
	n, err := s.buf.ReadUint32(offsetVotedFor)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := s.buf.ReadAt(offsetVotedFor+4, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Configuration is the versioned membership snapshot persisted alongside
// term/vote (MetaStore.Configuration).
type Configuration struct {
	Version uint64
	Members []log.Member
}

// StoreConfiguration persists the current cluster configuration.
func (s *Store) StoreConfiguration(cfg Configuration) error {
	body := log.ConfigurationBody{Version: cfg.Version, Members: cfg.Members}
	entry := &log.Entry{Body: &body}
	encoded, err := log.EncodeRecord(entry)
	if err != nil {
		return err
	}
	if err := s.buf.Allocate(offsetConfigBody + int64(len(encoded))); err != nil {
		return err
	}
	if err := s.buf.WriteUint64(offsetConfigVersion, cfg.Version); err != nil {
		return err
	}
	if err := s.buf.WriteUint64(offsetConfigLength, uint64(len(encoded))); err != nil {
		return err
	}
	return s.buf.WriteAt(offsetConfigBody, encoded)
}

// LoadConfiguration returns the persisted configuration, or (Configuration{},
// false) if none has ever been stored (MetaStore.loadConfiguration's
// `version > 0` check).
func (s *Store) LoadConfiguration() (Configuration, bool, error) {
	version, err := s.buf.ReadUint64(offsetConfigVersion)
	if err != nil || version == 0 {
		return Configuration{}, false, err
	}
	length, err := s.buf.ReadUint64(offsetConfigLength)
	if err != nil {
		return Configuration{}, false, err
	}
	encoded := make([]byte, length)
	if err := s.buf.ReadAt(offsetConfigBody, encoded); err != nil {
		return Configuration{}, false, err
	}
	entry, err := log.Decode(bytes.NewReader(encoded))
	if err != nil {
		return Configuration{}, false, err
	}
	body := entry.Body.(*log.ConfigurationBody)
	return Configuration{Version: body.Version, Members: body.Members}, true, nil
}

func (s *Store) Sync() error  { return s.buf.Sync() }
func (s *Store) Close() error { return s.buf.Close() }

// Delete closes and removes the backing file, if any (MetaStore.delete).
func (s *Store) Delete() error {
	if fb, ok := s.buf.(*disk.FileBuffer); ok {
		return fb.Delete()
	}
	return s.buf.Close()
}
