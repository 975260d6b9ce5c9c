// Package lowdb implements LowDB: a hash-keyed opaque blob store with
// four interchangeable back-ends (dirbackend, boltbackend,
// badgerbackend, sqlitebackend) behind one [DB] interface. HighDB is the
// only intended caller; lowdb knows nothing about priorities or
// ContentIndex headers, only (key, bytes).
package lowdb

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/calvinalkan/afsstore/blockstore"
)

// DB is the contract every back-end implements. All methods may be
// called concurrently from multiple goroutines. The "dir" back-end
// serializes its methods with its own mutex; the embedded back-ends
// hold no mutex of their own and rely on their library's transactions
// for the handle and the stored count, with only the pending-delete
// byte counter behind a lock of its own.
type DB interface {
	// Write stores data under k, replacing any existing value. Entry
	// count is unchanged when k already existed.
	Write(k blockstore.Hash160, data []byte) error

	// Read returns the stored bytes for k, or ok==false if absent.
	Read(k blockstore.Hash160) (data []byte, ok bool, err error)

	// Delete removes k. Returns an error wrapping blockstore.ErrNotFound
	// if k was absent.
	Delete(k blockstore.Hash160) error

	// Count returns the number of entries, excluding any back-end
	// reserved key.
	Count() (uint64, error)

	// ForEach calls cb for every stored key. It stops early if cb
	// returns false. It returns the number of keys visited.
	ForEach(cb func(blockstore.Hash160) bool) (uint64, error)

	// EstimateSizeKB estimates the kilobytes of disk currently in use.
	EstimateSizeKB() (uint64, error)

	// Close persists any in-memory state and releases resources. The
	// on-disk files are left in place.
	Close() error

	// Drop closes the back-end and deletes every file it owns.
	Drop() error
}

// Options configures back-end construction.
type Options struct {
	// Dir is the directory the back-end's file(s) live under. For the
	// "dir" back-end this is the shard root; for the embedded back-ends
	// it is the parent directory of the single data file.
	Dir string

	// MaxBlockSize bounds the largest value a caller may Write. Zero
	// means spec.md's default of 32 KiB plus the 32-byte ContentIndex
	// header.
	MaxBlockSize int

	// FreeSpaceFloorKB is the minimum free space, in kilobytes, the
	// containing filesystem must retain. Writes are refused below this
	// floor; deletes are not checked against it. Zero disables the
	// check (used by tests that don't want to depend on host disk
	// state).
	FreeSpaceFloorKB uint64

	// Logger receives warnings for corruption repair and cold-start
	// count recomputation. A nil Logger is replaced with zap.NewNop().
	Logger *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}

	return o.Logger
}

// DefaultMaxBlockSize is spec.md's typical ceiling on block size (the
// block itself, not counting the 32-byte ContentIndex header).
const DefaultMaxBlockSize = 32 * 1024

func (o Options) maxBlockSize() int {
	if o.MaxBlockSize <= 0 {
		return DefaultMaxBlockSize + blockstore.HeaderSize
	}

	return o.MaxBlockSize
}

// Backend tags recognized by Open. The tag is also embedded in HighDB's
// pindex.<backend>.<n>.<i>.pidx directory name so a bucket can be paired
// with the right low-level format at reopen time.
const (
	BackendDir    = "dir"
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Open constructs the back-end named by tag. This is a build-time
// enumeration (a plain switch), not dynamic plugin loading: the set of
// back-ends is fixed at compile time and callers select one by string
// tag, per spec.md's design note that dynamic dispatch isn't warranted
// here.
func Open(tag string, opts Options) (DB, error) {
	switch tag {
	case BackendDir:
		return openDirBackend(opts)
	case BackendBolt:
		return openBoltBackend(opts)
	case BackendBadger:
		return openBadgerBackend(opts)
	case BackendSQLite:
		return openSQLiteBackend(opts)
	default:
		return nil, fmt.Errorf("lowdb: unknown backend %q", tag)
	}
}
