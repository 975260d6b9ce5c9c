package lowdb

import (
	"errors"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/afsstore/blockstore"
)

// badgerBackend stands in for the original low_gdbm.c: a single
// embedded key-value store file (well, LSM directory) per bucket, with
// the same reserved-count-key trick as boltBackend.
type badgerBackend struct {
	db     *badger.DB
	log    *zap.Logger
	dir    string
	maxLen int
	floor  uint64
	del    deleteLedger
}

func openBadgerBackend(opts Options) (DB, error) {
	if opts.Dir == "" {
		return nil, errors.New("lowdb: badger backend requires Dir")
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("lowdb: mkdir %q: %w", opts.Dir, err)
	}

	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("lowdb: open badger %q: %w", opts.Dir, err)
	}

	err = db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(boltCountKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			buf := make([]byte, 8)
			putBeUint64(buf, 0)

			return txn.Set(boltCountKey, buf)
		}

		return err
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("lowdb: init badger count key: %w", err)
	}

	return &badgerBackend{
		db:     db,
		log:    opts.logger(),
		dir:    opts.Dir,
		maxLen: opts.maxBlockSize(),
		floor:  opts.FreeSpaceFloorKB,
	}, nil
}

func (b *badgerBackend) Write(k blockstore.Hash160, data []byte) error {
	if len(data) > b.maxLen {
		return fmt.Errorf("%w: entry exceeds %d bytes", blockstore.ErrRefused, b.maxLen)
	}

	if err := b.checkFreeSpace(); err != nil {
		return err
	}

	if err := b.checkSizeCeiling(len(data)); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		_, getErr := txn.Get(k[:])
		existed := getErr == nil

		if setErr := txn.Set(append([]byte(nil), k[:]...), data); setErr != nil {
			return fmt.Errorf("lowdb: badger set %s: %w", k, setErr)
		}

		if !existed {
			return bumpBadgerCount(txn, 1)
		}

		return nil
	})
	if err != nil {
		return err
	}

	b.del.recordWrite(len(data))

	return nil
}

func (b *badgerBackend) Read(k blockstore.Hash160) ([]byte, bool, error) {
	var out []byte

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k[:])
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		return item.Value(func(v []byte) error {
			out = append([]byte(nil), v...)

			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("lowdb: badger get %s: %w", k, err)
	}

	return out, out != nil, nil
}

func (b *badgerBackend) Delete(k blockstore.Hash160) error {
	var deletedLen int

	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k[:])
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("lowdb: delete %s: %w", k, blockstore.ErrNotFound)
		}

		if err != nil {
			return err
		}

		deletedLen = int(item.ValueSize())

		if err := txn.Delete(k[:]); err != nil {
			return fmt.Errorf("lowdb: badger delete %s: %w", k, err)
		}

		return bumpBadgerCount(txn, -1)
	})
	if err != nil {
		return err
	}

	b.del.recordDelete(deletedLen)

	return nil
}

func (b *badgerBackend) Count() (uint64, error) {
	var n uint64

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(boltCountKey)
		if err != nil {
			return err
		}

		return item.Value(func(v []byte) error {
			n = beUint64(v)

			return nil
		})
	})

	return n, err
}

func (b *badgerBackend) ForEach(cb func(blockstore.Hash160) bool) (uint64, error) {
	var visited uint64

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if len(key) != blockstore.HashSize {
				continue
			}

			var h blockstore.Hash160

			copy(h[:], key)

			visited++

			if !cb(h) {
				return nil
			}
		}

		return nil
	})

	return visited, err
}

func (b *badgerBackend) EstimateSizeKB() (uint64, error) {
	lsm, vlog := b.db.Size()

	count, err := b.Count()
	if err != nil {
		return 0, err
	}

	return estimateEmbeddedSizeKB(lsm+vlog, b.del.pending(), count), nil
}

func (b *badgerBackend) Close() error {
	return b.db.Close()
}

func (b *badgerBackend) Drop() error {
	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("lowdb: badger drop all: %w", err)
	}

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("lowdb: close badger before drop: %w", err)
	}

	if err := os.RemoveAll(b.dir); err != nil {
		return fmt.Errorf("lowdb: remove badger dir %q: %w", b.dir, err)
	}

	return nil
}

func bumpBadgerCount(txn *badger.Txn, delta int64) error {
	item, err := txn.Get(boltCountKey)
	if err != nil {
		return err
	}

	var n uint64

	err = item.Value(func(v []byte) error {
		n = beUint64(v)

		return nil
	})
	if err != nil {
		return err
	}

	n = uint64(int64(n) + delta)

	buf := make([]byte, 8)
	putBeUint64(buf, n)

	return txn.Set(boltCountKey, buf)
}

func (b *badgerBackend) checkSizeCeiling(writeLen int) error {
	lsm, vlog := b.db.Size()

	return checkEmbeddedSizeCeiling(lsm+vlog, writeLen)
}

func (b *badgerBackend) checkFreeSpace() error {
	if b.floor == 0 {
		return nil
	}

	var st unix.Statfs_t

	if err := unix.Statfs(b.dir, &st); err != nil {
		return fmt.Errorf("lowdb: statfs %q: %w", b.dir, err)
	}

	freeKB := (st.Bavail * uint64(st.Bsize)) / 1024
	if freeKB < b.floor {
		return fmt.Errorf("%w: %d KB free, floor is %d KB", blockstore.ErrQuota, freeKB, b.floor)
	}

	return nil
}
