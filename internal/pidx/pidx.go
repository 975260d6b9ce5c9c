// Package pidx implements PriorityIndex: a directory of per-priority
// files, each holding a flat run of packed 20-byte hashes. HighDB uses
// it to find "some key at priority P" in O(1) without scanning LowDB.
//
// PIdx never touches LowDB. HighDB is the only caller allowed to see
// both; wiring PIdx directly to a LowDB back-end would violate the
// call-graph spec.md requires (HighDB -> LowDB, HighDB -> PIdx, never
// PIdx -> LowDB).
package pidx

import (
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/calvinalkan/afsstore/blockstore"
	"github.com/calvinalkan/afsstore/pkg/fs"
)

// entrySize is the width of one packed hash entry on disk.
const entrySize = blockstore.HashSize

// PIdx is a priority index rooted at one directory. Every method is
// safe for concurrent use; the single mutex matches the "one recursive
// mutex per PIdx instance" concurrency model (Go's sync.Mutex isn't
// reentrant, so internal callers use the *Locked helpers directly
// instead of re-acquiring).
type PIdx struct {
	mu   sync.Mutex
	dir  string
	fsys fs.FS
	aw   *fs.AtomicWriter
	log  *zap.Logger
}

// Open roots a PIdx at dir, creating it if necessary.
func Open(dir string, fsys fs.FS, log *zap.Logger) (*PIdx, error) {
	if fsys == nil {
		fsys = fs.NewReal()
	}

	if log == nil {
		log = zap.NewNop()
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pidx: mkdir %q: %w", dir, err)
	}

	return &PIdx{dir: dir, fsys: fsys, aw: fs.NewAtomicWriter(fsys), log: log}, nil
}

func (p *PIdx) pathFor(priority uint32) string {
	return filepath.Join(p.dir, fmt.Sprintf("%d.pidx", priority))
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}

// Append adds key to priority's file. Duplicate appends are the
// caller's responsibility to avoid; PIdx does not dedup on append
// (HighDB already holds a key -> priority record that prevents
// double-insertion under its own lock).
func (p *PIdx) Append(priority uint32, key blockstore.Hash160) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.appendLocked(priority, key)
}

func (p *PIdx) appendLocked(priority uint32, key blockstore.Hash160) error {
	f, err := p.fsys.OpenFile(p.pathFor(priority), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("pidx: open %d: %w", priority, err)
	}

	defer func() { _ = f.Close() }()

	if _, err := f.Write(key[:]); err != nil {
		return fmt.Errorf("pidx: append %d/%s: %w", priority, key, err)
	}

	return f.Sync()
}

// Write replaces priority's entire file with list, truncating and
// rewriting it atomically via the AtomicWriter (temp file + rename),
// per spec.md section 4.2's write(p, list) operation. Unlike Append,
// which only ever grows the file, Write is for callers that already
// hold the full, reordered entry list and want it persisted in one
// durable step — e.g. a future compaction pass. An empty list removes
// the file instead of writing a zero-byte one, matching Remove's
// empty-file-means-gone convention.
func (p *PIdx) Write(priority uint32, list []blockstore.Hash160) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.writeLocked(priority, list)
}

func (p *PIdx) writeLocked(priority uint32, list []blockstore.Hash160) error {
	path := p.pathFor(priority)

	if len(list) == 0 {
		if err := p.fsys.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("pidx: unlink emptied file: %w", err)
		}

		return nil
	}

	buf := make([]byte, 0, len(list)*entrySize)
	for _, key := range list {
		buf = append(buf, key[:]...)
	}

	if err := p.aw.Write(path, bytesReader(buf), p.aw.DefaultOptions()); err != nil {
		return fmt.Errorf("pidx: write %d: %w", priority, err)
	}

	return nil
}

// ReadAll returns every hash currently recorded at priority, in file
// order. A trailing partial entry (invariant 4 violated) is truncated
// off and logged rather than returned; this is the "soft, locally
// repaired" corruption case from spec.md's invariant list, not a hard
// error.
func (p *PIdx) ReadAll(priority uint32) ([]blockstore.Hash160, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.readAllLocked(priority)
}

func (p *PIdx) readAllLocked(priority uint32) ([]blockstore.Hash160, error) {
	data, err := p.repairAndReadLocked(priority)
	if err != nil {
		return nil, err
	}

	out := make([]blockstore.Hash160, 0, len(data)/entrySize)

	for i := 0; i+entrySize <= len(data); i += entrySize {
		var h blockstore.Hash160

		copy(h[:], data[i:i+entrySize])
		out = append(out, h)
	}

	return out, nil
}

// repairAndReadLocked reads the priority file, truncating off any
// trailing partial entry first (invariant 4: file length must be a
// multiple of entrySize). Missing files read as empty, not an error.
func (p *PIdx) repairAndReadLocked(priority uint32) ([]byte, error) {
	path := p.pathFor(priority)

	data, err := p.fsys.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("pidx: read %d: %w", priority, err)
	}

	if rem := len(data) % entrySize; rem != 0 {
		good := len(data) - rem

		p.log.Warn("pidx: truncating trailing partial entry",
			zap.Uint32("priority", priority),
			zap.Int("file_len", len(data)),
			zap.Int("truncated_to", good),
		)

		if err := p.truncateFileLocked(path, int64(good)); err != nil {
			return nil, fmt.Errorf("pidx: repair %d: %w", priority, err)
		}

		data = data[:good]
	}

	return data, nil
}

func (p *PIdx) truncateFileLocked(path string, size int64) error {
	f, err := p.fsys.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open for truncate: %w", err)
	}

	defer func() { _ = f.Close() }()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	return f.Sync()
}

// Remove deletes key from priority's file using swap-last-shrink-by-one:
// the found entry is overwritten with the file's last entry and the
// file is truncated by one entrySize, instead of rewriting the whole
// file in order. This is the fix for the original implementation's
// Open Question: delFromPriorityIdx must shrink the backing file, not
// just leave a logical hole.
//
// Remove reports ok==false, not an error, when key isn't present: a
// dangling PIdx entry (key already gone) is the documented soft/
// recoverable half of invariant 2, and callers (HighDB's delete path)
// are expected to treat "already absent" as success.
func (p *PIdx) Remove(priority uint32, key blockstore.Hash160) (ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.removeLocked(priority, key)
}

func (p *PIdx) removeLocked(priority uint32, key blockstore.Hash160) (bool, error) {
	data, err := p.repairAndReadLocked(priority)
	if err != nil {
		return false, err
	}

	count := len(data) / entrySize

	idx := -1

	for i := range count {
		if blockstore.Hash160(data[i*entrySize:i*entrySize+entrySize]) == key {
			idx = i

			break
		}
	}

	if idx == -1 {
		return false, nil
	}

	path := p.pathFor(priority)

	lastOff := (count - 1) * entrySize
	targetOff := idx * entrySize

	if idx != count-1 {
		f, err := p.fsys.OpenFile(path, os.O_WRONLY, 0o644)
		if err != nil {
			return false, fmt.Errorf("pidx: open for remove: %w", err)
		}

		_, seekErr := f.Seek(int64(targetOff), io.SeekStart)
		if seekErr != nil {
			_ = f.Close()

			return false, fmt.Errorf("pidx: seek: %w", seekErr)
		}

		_, writeErr := f.Write(data[lastOff : lastOff+entrySize])
		if writeErr != nil {
			_ = f.Close()

			return false, fmt.Errorf("pidx: overwrite removed slot: %w", writeErr)
		}

		if err := f.Sync(); err != nil {
			_ = f.Close()

			return false, fmt.Errorf("pidx: sync: %w", err)
		}

		if err := f.Close(); err != nil {
			return false, fmt.Errorf("pidx: close: %w", err)
		}
	}

	newSize := int64(lastOff)
	if newSize == 0 {
		if err := p.fsys.Remove(path); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("pidx: unlink emptied file: %w", err)
		}

		return true, nil
	}

	if err := p.truncateFileLocked(path, newSize); err != nil {
		return false, fmt.Errorf("pidx: shrink after remove: %w", err)
	}

	return true, nil
}

// ReadRandom returns a uniformly random hash from priority's file, or
// ok==false if the file is empty or missing. Used by HighDB's biased
// sampler (spec.md section 4.5) to pick a candidate within a priority
// bucket. It reads the whole file and picks one entry from it; it does
// not seek to and read a single entry.
func (p *PIdx) ReadRandom(priority uint32) (key blockstore.Hash160, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := p.repairAndReadLocked(priority)
	if err != nil {
		return key, false, err
	}

	count := len(data) / entrySize
	if count == 0 {
		return key, false, nil
	}

	idx := rand.IntN(count) //nolint:gosec // sampling bias, not a security boundary

	copy(key[:], data[idx*entrySize:idx*entrySize+entrySize])

	return key, true, nil
}

// Exists reports whether a file is present at priority, distinguishing
// "no file" (the eviction loop should advance min_priority and move on)
// from "file present but empty" (corruption; the eviction loop unlinks
// it), per spec.md's delete_n pseudocode.
func (p *PIdx) Exists(priority uint32) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.fsys.Stat(p.pathFor(priority))
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, fmt.Errorf("pidx: stat %d: %w", priority, err)
}

// TruncateTo keeps only the first n entries at priority, used by
// delete_n's partial-progress path: entries 0..n-1 are left untouched
// by the eviction loop's end-to-front scan, so a plain length
// truncation (not a rewrite) is enough.
func (p *PIdx) TruncateTo(priority uint32, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.truncateFileLocked(p.pathFor(priority), int64(n)*entrySize)
}

// Count returns the number of entries at priority without materializing
// the slice ReadAll would allocate.
func (p *PIdx) Count(priority uint32) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := p.repairAndReadLocked(priority)
	if err != nil {
		return 0, err
	}

	return len(data) / entrySize, nil
}

// Priorities lists every priority that currently has a file, by
// scanning the index directory for "*.pidx" files. A file is listed
// whether or not it holds any entries.
func (p *PIdx) Priorities() ([]uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries, err := p.fsys.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("pidx: readdir %q: %w", p.dir, err)
	}

	out := make([]uint32, 0, len(entries))

	for _, e := range entries {
		var n uint32

		_, scanErr := fmt.Sscanf(e.Name(), "%d.pidx", &n)
		if scanErr != nil {
			continue
		}

		out = append(out, n)
	}

	return out, nil
}

// Unlink removes priority's file entirely, including when empty. Used
// when HighDB's eviction loop finishes a priority bucket.
func (p *PIdx) Unlink(priority uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.fsys.Remove(p.pathFor(priority))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidx: unlink %d: %w", priority, err)
	}

	return nil
}

// Drop deletes the entire index directory.
func (p *PIdx) Drop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.fsys.RemoveAll(p.dir)
}
