// Package store implements the versioned key-value store backing the
// blockchain indexes and the authenticated state. Every mutation is a
// tagged version committed in a single batch, and any version still in
// the history window can be rolled back to.
package store

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/vmihailenco/msgpack/v5"
)

// VersionSize is the length of a version tag. Tags are block ids or
// state digests truncated/extended to this size by the caller.
const VersionSize = 32

// Version tags a committed batch of changes.
type Version [VersionSize]byte

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("key not found")

// ErrUnknownVersion is returned when a rollback target is not reachable.
var ErrUnknownVersion = errors.New("unknown version")

// Key prefixes separating user data from the version journal.
var (
	dataPrefix = []byte{0x00}
	undoPrefix = []byte{0x01}
	metaKey    = []byte{0x02, 'v', 'e', 'r', 's', 'i', 'o', 'n', 's'}
)

// KV is a single key-value pair for bulk insertion.
type KV struct {
	Key   []byte
	Value []byte
}

// undoEntry records how to restore one key to its pre-batch state.
type undoEntry struct {
	Key     []byte
	Value   []byte
	Existed bool
}

// =============================================================================

// Store is a versioned map from byte keys to byte values with snapshot
// rollback to a prior version tag.
type Store struct {
	mu sync.Mutex
	db *leveldb.DB

	// versions holds the rollback-reachable tags, oldest first.
	versions []Version
}

// New opens or creates a store at the specified path. An empty path
// keeps the whole store in memory, which is what the tests use.
func New(path string) (*Store, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening leveldb store")
	}

	s := Store{db: db}

	// Restore the version journal from a previous run.
	raw, err := db.Get(metaKey, nil)
	switch err {
	case nil:
		if err := msgpack.Unmarshal(raw, &s.versions); err != nil {
			return nil, errors.Wrap(err, "decoding version journal")
		}
	case leveldb.ErrNotFound:
	default:
		return nil, errors.Wrap(err, "reading version journal")
	}

	return &s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the current value stored under the key.
func (s *Store) Get(key []byte) ([]byte, error) {
	value, err := s.db.Get(dataKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %x", key)
	}
	return value, nil
}

// BulkInsert commits the specified upserts and removals as one version.
// After a successful call LastVersionID reports the new tag and the tag
// is reachable from RollbackVersions until evicted by Clean.
func (s *Store) BulkInsert(version Version, upserts []KV, removes [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.versions {
		if v == version {
			return errors.Errorf("version %x already committed", version[:8])
		}
	}

	// Capture the pre-batch state of every touched key so the batch
	// can be undone.
	undo := make([]undoEntry, 0, len(upserts)+len(removes))
	record := func(key []byte) error {
		prev, err := s.db.Get(dataKey(key), nil)
		switch err {
		case nil:
			undo = append(undo, undoEntry{Key: key, Value: prev, Existed: true})
		case leveldb.ErrNotFound:
			undo = append(undo, undoEntry{Key: key, Existed: false})
		default:
			return errors.Wrapf(err, "reading pre-state of %x", key)
		}
		return nil
	}

	for _, kv := range upserts {
		if err := record(kv.Key); err != nil {
			return err
		}
	}
	for _, key := range removes {
		if err := record(key); err != nil {
			return err
		}
	}

	undoRaw, err := msgpack.Marshal(undo)
	if err != nil {
		return errors.Wrap(err, "encoding undo record")
	}

	versions := append(append([]Version{}, s.versions...), version)
	metaRaw, err := msgpack.Marshal(versions)
	if err != nil {
		return errors.Wrap(err, "encoding version journal")
	}

	batch := new(leveldb.Batch)
	for _, kv := range upserts {
		batch.Put(dataKey(kv.Key), kv.Value)
	}
	for _, key := range removes {
		batch.Delete(dataKey(key))
	}
	batch.Put(undoKey(version), undoRaw)
	batch.Put(metaKey, metaRaw)

	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrapf(err, "committing version %x", version[:8])
	}

	s.versions = versions
	return nil
}

// LastVersionID returns the most recently committed version tag.
func (s *Store) LastVersionID() (Version, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.versions) == 0 {
		return Version{}, false
	}
	return s.versions[len(s.versions)-1], true
}

// RollbackVersions lists the tags reachable for rollback, oldest first.
func (s *Store) RollbackVersions() []Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Version, len(s.versions))
	copy(out, s.versions)
	return out
}

// Rollback restores every key to its state as of the specified version.
// Versions committed after the target become unreachable.
func (s *Store) Rollback(version Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := -1
	for i, v := range s.versions {
		if v == version {
			target = i
			break
		}
	}
	if target == -1 {
		return errors.Wrapf(ErrUnknownVersion, "%x", version[:8])
	}

	// Undo batches newest first down to, but not including, the target.
	for i := len(s.versions) - 1; i > target; i-- {
		if err := s.undoVersion(s.versions[i]); err != nil {
			return err
		}
		s.versions = s.versions[:i]
	}

	metaRaw, err := msgpack.Marshal(s.versions)
	if err != nil {
		return errors.Wrap(err, "encoding version journal")
	}
	if err := s.db.Put(metaKey, metaRaw, nil); err != nil {
		return errors.Wrap(err, "writing version journal")
	}

	return nil
}

// Clean drops undo history so that at most keepVersions tags stay
// rollback-reachable. Current data is unaffected.
func (s *Store) Clean(keepVersions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keepVersions < 0 || len(s.versions) <= keepVersions {
		return nil
	}

	drop := s.versions[:len(s.versions)-keepVersions]
	keep := s.versions[len(s.versions)-keepVersions:]

	metaRaw, err := msgpack.Marshal(keep)
	if err != nil {
		return errors.Wrap(err, "encoding version journal")
	}

	batch := new(leveldb.Batch)
	for _, v := range drop {
		batch.Delete(undoKey(v))
	}
	batch.Put(metaKey, metaRaw)

	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrap(err, "dropping undo history")
	}

	s.versions = keep
	return nil
}

// =============================================================================

// undoVersion applies the inverse operations recorded for one version
// and removes its undo record.
func (s *Store) undoVersion(version Version) error {
	raw, err := s.db.Get(undoKey(version), nil)
	if err != nil {
		return errors.Wrapf(err, "reading undo record %x", version[:8])
	}

	var undo []undoEntry
	if err := msgpack.Unmarshal(raw, &undo); err != nil {
		return errors.Wrapf(err, "decoding undo record %x", version[:8])
	}

	batch := new(leveldb.Batch)
	for _, e := range undo {
		if e.Existed {
			batch.Put(dataKey(e.Key), e.Value)
		} else {
			batch.Delete(dataKey(e.Key))
		}
	}
	batch.Delete(undoKey(version))

	return errors.Wrapf(s.db.Write(batch, nil), "undoing version %x", version[:8])
}

func dataKey(key []byte) []byte {
	return append(append([]byte{}, dataPrefix...), key...)
}

func undoKey(version Version) []byte {
	return append(append([]byte{}, undoPrefix...), version[:]...)
}

// VersionFromBytes builds a version tag from arbitrary bytes, truncating
// or zero padding to the tag size.
func VersionFromBytes(b []byte) Version {
	var v Version
	copy(v[:], b)
	return v
}
