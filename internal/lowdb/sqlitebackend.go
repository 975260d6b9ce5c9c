package lowdb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/afsstore/blockstore"
)

// sqliteBackend stands in for the original low_bdb.c: one table,
// keyed by the 20-byte hash, in a single SQLite file opened in WAL mode.
// Unlike boltBackend/badgerBackend it keeps its count in a dedicated
// one-row table rather than a reserved data key, since SQL gives us
// that for free without colliding key spaces to worry about.
type sqliteBackend struct {
	db     *sql.DB
	log    *zap.Logger
	path   string
	maxLen int
	floor  uint64
	del    deleteLedger
}

func openSQLiteBackend(opts Options) (DB, error) {
	if opts.Dir == "" {
		return nil, errors.New("lowdb: sqlite backend requires Dir")
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("lowdb: mkdir %q: %w", opts.Dir, err)
	}

	dbPath := filepath.Join(opts.Dir, "lowdb.sqlite")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("lowdb: open sqlite %q: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS blocks (
			hash BLOB PRIMARY KEY,
			data BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			count INTEGER NOT NULL
		);
		INSERT OR IGNORE INTO meta (key, count) VALUES ('count', 0);
	`)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("lowdb: init sqlite schema: %w", err)
	}

	return &sqliteBackend{
		db:     db,
		log:    opts.logger(),
		path:   opts.Dir,
		maxLen: opts.maxBlockSize(),
		floor:  opts.FreeSpaceFloorKB,
	}, nil
}

func (b *sqliteBackend) Write(k blockstore.Hash160, data []byte) error {
	if len(data) > b.maxLen {
		return fmt.Errorf("%w: entry exceeds %d bytes", blockstore.ErrRefused, b.maxLen)
	}

	if err := b.checkFreeSpace(); err != nil {
		return err
	}

	if err := b.checkSizeCeiling(len(data)); err != nil {
		return err
	}

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("lowdb: sqlite begin: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	var existed bool

	err = tx.QueryRow(`SELECT 1 FROM blocks WHERE hash = ?`, k[:]).Scan(new(int))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existed = false
	case err != nil:
		return fmt.Errorf("lowdb: sqlite check %s: %w", k, err)
	default:
		existed = true
	}

	_, err = tx.Exec(`INSERT INTO blocks (hash, data) VALUES (?, ?)
		ON CONFLICT(hash) DO UPDATE SET data = excluded.data`, k[:], data)
	if err != nil {
		return fmt.Errorf("lowdb: sqlite put %s: %w", k, err)
	}

	if !existed {
		_, err = tx.Exec(`UPDATE meta SET count = count + 1 WHERE key = 'count'`)
		if err != nil {
			return fmt.Errorf("lowdb: sqlite bump count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lowdb: sqlite commit write %s: %w", k, err)
	}

	b.del.recordWrite(len(data))

	return nil
}

func (b *sqliteBackend) Read(k blockstore.Hash160) ([]byte, bool, error) {
	var data []byte

	err := b.db.QueryRow(`SELECT data FROM blocks WHERE hash = ?`, k[:]).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("lowdb: sqlite get %s: %w", k, err)
	}

	return data, true, nil
}

func (b *sqliteBackend) Delete(k blockstore.Hash160) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("lowdb: sqlite begin: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	var deletedData []byte

	err = tx.QueryRow(`SELECT data FROM blocks WHERE hash = ?`, k[:]).Scan(&deletedData)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lowdb: delete %s: %w", k, blockstore.ErrNotFound)
	}

	if err != nil {
		return fmt.Errorf("lowdb: sqlite fetch before delete %s: %w", k, err)
	}

	if _, err := tx.Exec(`DELETE FROM blocks WHERE hash = ?`, k[:]); err != nil {
		return fmt.Errorf("lowdb: sqlite delete %s: %w", k, err)
	}

	_, err = tx.Exec(`UPDATE meta SET count = count - 1 WHERE key = 'count'`)
	if err != nil {
		return fmt.Errorf("lowdb: sqlite decrement count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lowdb: sqlite commit delete %s: %w", k, err)
	}

	b.del.recordDelete(len(deletedData))

	return nil
}

func (b *sqliteBackend) Count() (uint64, error) {
	var n uint64

	err := b.db.QueryRow(`SELECT count FROM meta WHERE key = 'count'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("lowdb: sqlite count: %w", err)
	}

	return n, nil
}

func (b *sqliteBackend) ForEach(cb func(blockstore.Hash160) bool) (uint64, error) {
	rows, err := b.db.Query(`SELECT hash FROM blocks`)
	if err != nil {
		return 0, fmt.Errorf("lowdb: sqlite scan: %w", err)
	}

	defer rows.Close()

	var visited uint64

	for rows.Next() {
		var raw []byte

		if err := rows.Scan(&raw); err != nil {
			return visited, fmt.Errorf("lowdb: sqlite scan row: %w", err)
		}

		if len(raw) != blockstore.HashSize {
			continue
		}

		var h blockstore.Hash160

		copy(h[:], raw)

		visited++

		if !cb(h) {
			break
		}
	}

	return visited, rows.Err()
}

func (b *sqliteBackend) fileSize() (int64, error) {
	var pageCount, pageSize int64

	if err := b.db.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("lowdb: sqlite page_count: %w", err)
	}

	if err := b.db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("lowdb: sqlite page_size: %w", err)
	}

	return pageCount * pageSize, nil
}

func (b *sqliteBackend) EstimateSizeKB() (uint64, error) {
	fileSize, err := b.fileSize()
	if err != nil {
		return 0, err
	}

	count, err := b.Count()
	if err != nil {
		return 0, err
	}

	return estimateEmbeddedSizeKB(fileSize, b.del.pending(), count), nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}

func (b *sqliteBackend) Drop() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("lowdb: close sqlite before drop: %w", err)
	}

	base := filepath.Join(b.path, "lowdb.sqlite")

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := removeFile(base + suffix); err != nil {
			return err
		}
	}

	return nil
}

func (b *sqliteBackend) checkSizeCeiling(writeLen int) error {
	fileSize, err := b.fileSize()
	if err != nil {
		return err
	}

	return checkEmbeddedSizeCeiling(fileSize, writeLen)
}

func (b *sqliteBackend) checkFreeSpace() error {
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
