package lowdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/afsstore/blockstore"
)

// boltBackend is LowDB's first embedded-KV back-end, standing in for
// the original low_tdb.c. Entries and the reserved count key share one
// bucket, exactly as the original packed its count into the same table
// as content rather than a side table.
type boltBackend struct {
	db     *bbolt.DB
	log    *zap.Logger
	path   string
	maxLen int
	floor  uint64
	del    deleteLedger
}

var boltBucket = []byte("afs")

// boltCountKey is a key no content key can ever equal (it is 6 bytes
// long, and every content key is a raw 20-byte Hash160), so it safely
// shares the bucket with content entries.
var boltCountKey = []byte("\x00COUNT")

func openBoltBackend(opts Options) (DB, error) {
	if opts.Dir == "" {
		return nil, errors.New("lowdb: bolt backend requires Dir")
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("lowdb: mkdir %q: %w", opts.Dir, err)
	}

	dbPath := filepath.Join(opts.Dir, "lowdb.bolt")

	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("lowdb: open bolt %q: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(boltBucket)
		if err != nil {
			return err
		}

		if bucket.Get(boltCountKey) == nil {
			buf := make([]byte, 8)
			putBeUint64(buf, 0)

			return bucket.Put(boltCountKey, buf)
		}

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("lowdb: init bolt bucket: %w", err)
	}

	return &boltBackend{
		db:     db,
		log:    opts.logger(),
		path:   opts.Dir,
		maxLen: opts.maxBlockSize(),
		floor:  opts.FreeSpaceFloorKB,
	}, nil
}

func (b *boltBackend) Write(k blockstore.Hash160, data []byte) error {
	if len(data) > b.maxLen {
		return fmt.Errorf("%w: entry exceeds %d bytes", blockstore.ErrRefused, b.maxLen)
	}

	if err := b.checkFreeSpace(); err != nil {
		return err
	}

	if err := b.checkSizeCeiling(len(data)); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)

		existed := bucket.Get(k[:]) != nil

		if err := bucket.Put(k[:], data); err != nil {
			return fmt.Errorf("lowdb: bolt put %s: %w", k, err)
		}

		if !existed {
			return bumpBoltCount(bucket, 1)
		}

		return nil
	})
	if err != nil {
		return err
	}

	b.del.recordWrite(len(data))

	return nil
}

func (b *boltBackend) Read(k blockstore.Hash160) ([]byte, bool, error) {
	var out []byte

	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(k[:])
		if v == nil {
			return nil
		}

		out = append([]byte(nil), v...)

		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("lowdb: bolt get %s: %w", k, err)
	}

	return out, out != nil, nil
}

func (b *boltBackend) Delete(k blockstore.Hash160) error {
	var deletedLen int

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)

		old := bucket.Get(k[:])
		if old == nil {
			return fmt.Errorf("lowdb: delete %s: %w", k, blockstore.ErrNotFound)
		}

		deletedLen = len(old)

		if err := bucket.Delete(k[:]); err != nil {
			return fmt.Errorf("lowdb: bolt delete %s: %w", k, err)
		}

		return bumpBoltCount(bucket, -1)
	})
	if err != nil {
		return err
	}

	b.del.recordDelete(deletedLen)

	return nil
}

func (b *boltBackend) Count() (uint64, error) {
	var n uint64

	err := b.db.View(func(tx *bbolt.Tx) error {
		n = beUint64(tx.Bucket(boltBucket).Get(boltCountKey))

		return nil
	})

	return n, err
}

func (b *boltBackend) ForEach(cb func(blockstore.Hash160) bool) (uint64, error) {
	var visited uint64

	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()

		for key, _ := c.First(); key != nil; key, _ = c.Next() {
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

func (b *boltBackend) EstimateSizeKB() (uint64, error) {
	fi, err := os.Stat(b.db.Path())
	if err != nil {
		return 0, fmt.Errorf("lowdb: stat bolt file: %w", err)
	}

	count, err := b.Count()
	if err != nil {
		return 0, err
	}

	return estimateEmbeddedSizeKB(fi.Size(), b.del.pending(), count), nil
}

func (b *boltBackend) Close() error {
	return b.db.Close()
}

func (b *boltBackend) Drop() error {
	path := b.db.Path()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("lowdb: close bolt before drop: %w", err)
	}

	if err := removeFile(path); err != nil {
		return err
	}

	return nil
}

func bumpBoltCount(bucket *bbolt.Bucket, delta int64) error {
	n := beUint64(bucket.Get(boltCountKey))
	n = uint64(int64(n) + delta)

	buf := make([]byte, 8)
	putBeUint64(buf, n)

	return bucket.Put(boltCountKey, buf)
}

func (b *boltBackend) checkSizeCeiling(writeLen int) error {
	fi, err := os.Stat(b.db.Path())
	if err != nil {
		return fmt.Errorf("lowdb: stat bolt file: %w", err)
	}

	return checkEmbeddedSizeCeiling(fi.Size(), writeLen)
}

func (b *boltBackend) checkFreeSpace() error {
	if b.floor == 0 {
		return nil
	}

	var st unix.Statfs_t

	if err := unix.Statfs(b.path, &st); err != nil {
		return fmt.Errorf("lowdb: statfs %q: %w", b.path, err)
	}

	freeKB := (st.Bavail * uint64(st.Bsize)) / 1024
	if freeKB < b.floor {
		return fmt.Errorf("%w: %d KB free, floor is %d KB", blockstore.ErrQuota, freeKB, b.floor)
	}

	return nil
}
