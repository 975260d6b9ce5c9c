// Package highdb implements HighDB: the priority-indexed wrapper around
// LowDB and PIdx. It owns the ContentIndex-prefixed block layout, the
// eviction loop, the random-content sampler, and all priority
// bookkeeping. HighDB is the only component allowed to see both LowDB
// and PIdx; it composes them but never lets PIdx reach into LowDB
// directly.
package highdb

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/calvinalkan/afsstore/blockstore"
	"github.com/calvinalkan/afsstore/internal/lowdb"
	"github.com/calvinalkan/afsstore/internal/pidx"
	"github.com/calvinalkan/afsstore/internal/sidecar"
)

// maxAdvanceSteps bounds delete_n's outer loop against pathological
// corruption, per spec.md section 4.4.
const maxAdvanceSteps = 100_000

// maxSampleAttempts bounds random()'s retry loop against a PIdx
// directory under concurrent mutation, per spec.md section 4.5.
const maxSampleAttempts = 1000

// Options configures a HighDB bucket.
type Options struct {
	// Backend selects the LowDB back-end tag ("dir", "bolt", "badger",
	// "sqlite").
	Backend string

	// MaxBlockSize bounds the block portion of a write (the stored
	// value is this plus the fixed 32-byte ContentIndex header). Zero
	// uses lowdb.DefaultMaxBlockSize.
	MaxBlockSize int

	// FreeSpaceFloorKB is forwarded to the LowDB back-end.
	FreeSpaceFloorKB uint64

	// Logger receives corruption-repair warnings. A nil Logger is
	// replaced with zap.NewNop().
	Logger *zap.Logger
}

// HighDB is one priority-indexed bucket, identified by (i, n) within a
// parent AFS directory. Every exported method acquires HighDB's single
// mutex; per spec.md section 5 this mutex is conceptually recursive
// because delete_key calls read's inner worker under the same lock —
// Go's sync.Mutex isn't reentrant, so that call graph is expressed as
// an exported lock-acquiring method plus an unexported *Locked method,
// and internal callers always use the latter.
type HighDB struct {
	mu sync.Mutex

	i, n uint32

	low  lowdb.DB
	pi   *pidx.PIdx
	side *sidecar.Sidecar
	log  *zap.Logger

	minPriority uint32
}

// Open constructs bucket (i, n) rooted at dir, the node's AFS directory.
// dir must already exist; Open creates the content/ and state/
// subdirectories it needs under it. Two HighDB instances must never be
// opened on the same (i, n, dir) triple — HighDB does not arbitrate
// this, per spec.md section 5.
func Open(i, n uint32, dir string, opts Options) (*HighDB, error) {
	if opts.Backend == "" {
		return nil, errors.New("highdb: Options.Backend is required")
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	contentDir := filepath.Join(dir, "content", fmt.Sprintf("bucket.%d.%d", n, i))

	// lowdb bounds the whole stored value, header included.
	maxValue := opts.MaxBlockSize
	if maxValue > 0 {
		maxValue += blockstore.HeaderSize
	}

	low, err := lowdb.Open(opts.Backend, lowdb.Options{
		Dir:              contentDir,
		MaxBlockSize:     maxValue,
		FreeSpaceFloorKB: opts.FreeSpaceFloorKB,
		Logger:           log,
	})
	if err != nil {
		return nil, fmt.Errorf("highdb: open lowdb: %w", err)
	}

	pidxDir := filepath.Join(dir, "content", fmt.Sprintf("pindex.%s.%d.%d.pidx", opts.Backend, n, i))

	pi, err := pidx.Open(pidxDir, nil, log)
	if err != nil {
		_ = low.Close()

		return nil, fmt.Errorf("highdb: open pidx: %w", err)
	}

	side, err := sidecar.Open(filepath.Join(dir, "state"), nil)
	if err != nil {
		_ = low.Close()

		return nil, fmt.Errorf("highdb: open sidecar: %w", err)
	}

	minPriority, _, err := side.Load(i, n)
	if err != nil {
		_ = low.Close()

		return nil, fmt.Errorf("highdb: load sidecar: %w", err)
	}

	return &HighDB{
		i: i, n: n,
		low: low, pi: pi, side: side, log: log,
		minPriority: minPriority,
	}, nil
}

// Close persists the current min_priority and closes the underlying
// LowDB handle. PIdx and the sidecar hold no open handles between
// calls, so there is nothing else to release.
func (h *HighDB) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	storeErr := h.side.Store(h.i, h.n, h.minPriority)
	closeErr := h.low.Close()

	return errors.Join(storeErr, closeErr)
}

// Drop closes the bucket and deletes its LowDB and PIdx files. The
// sidecar file holding the bucket's low-water-mark is left in place.
func (h *HighDB) Drop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return errors.Join(h.low.Drop(), h.pi.Drop())
}

// Write stores ce and block under ce's LowDB key, replacing any prior
// entry at that key (including its PIdx bookkeeping) atomically with
// respect to other HighDB operations.
func (h *HighDB) Write(ce blockstore.ContentIndex, block []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := ce.LowKey()

	if err := h.deleteKeyLocked(key); err != nil && !errors.Is(err, blockstore.ErrNotFound) {
		return fmt.Errorf("highdb: write %s: remove prior entry: %w", key, err)
	}

	header := ce.Encode()
	buf := make([]byte, 0, len(header)+len(block))
	buf = append(buf, header[:]...)
	buf = append(buf, block...)

	if err := h.low.Write(key, buf); err != nil {
		return fmt.Errorf("highdb: write %s: %w", key, err)
	}

	if err := h.pi.Append(ce.Importance, key); err != nil {
		return fmt.Errorf("highdb: write %s: append priority index: %w", key, err)
	}

	if ce.Importance < h.minPriority {
		h.minPriority = ce.Importance

		if err := h.side.Store(h.i, h.n, h.minPriority); err != nil {
			return fmt.Errorf("highdb: write %s: persist min priority: %w", key, err)
		}
	}

	return nil
}

// Read fetches key's ContentIndex and block. ok is false if key is
// absent (including when a corrupt short value was found and purged).
// A non-zero prioDelta boosts the entry's importance by exactly delta,
// moving it to a new PIdx file, all under the same lock acquisition
// (spec.md invariant 5).
func (h *HighDB) Read(key blockstore.Hash160, prioDelta uint32) (ce blockstore.ContentIndex, block []byte, ok bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.readLocked(key, prioDelta)
}

func (h *HighDB) readLocked(key blockstore.Hash160, prioDelta uint32) (blockstore.ContentIndex, []byte, bool, error) {
	data, found, err := h.low.Read(key)
	if err != nil {
		return blockstore.ContentIndex{}, nil, false, fmt.Errorf("highdb: read %s: %w", key, err)
	}

	if !found {
		return blockstore.ContentIndex{}, nil, false, nil
	}

	if len(data) < blockstore.HeaderSize {
		h.log.Warn("highdb: purging short value",
			zap.String("key", key.String()), zap.Int("len", len(data)))

		if err := h.low.Delete(key); err != nil {
			return blockstore.ContentIndex{}, nil, false, fmt.Errorf("highdb: read %s: purge corrupt value: %w", key, err)
		}

		return blockstore.ContentIndex{}, nil, false, nil
	}

	ce, decErr := blockstore.DecodeContentIndex(data[:blockstore.HeaderSize])
	if decErr != nil {
		h.log.Warn("highdb: purging undecodable header", zap.String("key", key.String()))

		if err := h.low.Delete(key); err != nil {
			return blockstore.ContentIndex{}, nil, false, fmt.Errorf("highdb: read %s: purge corrupt header: %w", key, err)
		}

		return blockstore.ContentIndex{}, nil, false, nil
	}

	rest := data[blockstore.HeaderSize:]

	if prioDelta == 0 {
		return ce, rest, true, nil
	}

	oldPriority := ce.Importance

	removed, err := h.pi.Remove(oldPriority, key)
	if err != nil {
		return blockstore.ContentIndex{}, nil, false, fmt.Errorf("highdb: boost %s: remove old priority entry: %w", key, err)
	}

	if !removed {
		h.log.Warn("highdb: priority-boost found no matching PIdx entry",
			zap.String("key", key.String()), zap.Uint32("priority", oldPriority))
	}

	newPriority := oldPriority + prioDelta
	newCE := ce.WithImportance(newPriority)

	if err := h.pi.Append(newPriority, key); err != nil {
		return blockstore.ContentIndex{}, nil, false, fmt.Errorf("highdb: boost %s: append new priority entry: %w", key, err)
	}

	newHeader := newCE.Encode()
	newBuf := make([]byte, 0, len(newHeader)+len(rest))
	newBuf = append(newBuf, newHeader[:]...)
	newBuf = append(newBuf, rest...)

	if err := h.low.Write(key, newBuf); err != nil {
		return blockstore.ContentIndex{}, nil, false, fmt.Errorf("highdb: boost %s: rewrite header: %w", key, err)
	}

	return newCE, rest, true, nil
}

// DeleteKey removes key from both LowDB and PIdx. It returns
// blockstore.ErrNotFound wrapped if key is absent.
func (h *HighDB) DeleteKey(key blockstore.Hash160) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.deleteKeyLocked(key)
}

func (h *HighDB) deleteKeyLocked(key blockstore.Hash160) error {
	ce, _, found, err := h.readLocked(key, 0)
	if err != nil {
		return fmt.Errorf("highdb: delete %s: %w", key, err)
	}

	if !found {
		return fmt.Errorf("highdb: delete %s: %w", key, blockstore.ErrNotFound)
	}

	removed, err := h.pi.Remove(ce.Importance, key)
	if err != nil {
		return fmt.Errorf("highdb: delete %s: remove priority entry: %w", key, err)
	}

	if !removed {
		h.log.Warn("highdb: delete found no matching PIdx entry, proceeding with LowDB delete",
			zap.String("key", key.String()), zap.Uint32("priority", ce.Importance))
	}

	if err := h.low.Delete(key); err != nil {
		return fmt.Errorf("highdb: delete %s: %w", key, err)
	}

	return nil
}

// EvictedEntry is what DeleteN's callback observes for each evicted
// key, before the LowDB delete that follows it.
type EvictedEntry struct {
	Key   blockstore.Hash160
	Index blockstore.ContentIndex
	Block []byte
}

// DeleteN frees up to n blocks starting at the lowest stored priority.
// callback, if non-nil, observes each evicted entry before its LowDB
// delete (the caller does not own the Block slice past the callback
// call, per spec.md's borrowed-slice callback-ownership note).
//
// Returns nil once n entries were removed. Returns blockstore.ErrCorrupt
// if the store was exhausted or the advance-counter bound was hit
// before freeing n entries — spec.md's "Err(Corrupt)" outcome, since
// that can only happen via persistent PIdx corruption or an undersized
// store.
func (h *HighDB) DeleteN(n int, callback func(EvictedEntry)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	advance := 0

	for n > 0 {
		count, err := h.low.Count()
		if err != nil {
			return fmt.Errorf("highdb: delete_n: %w", err)
		}

		if count == 0 {
			break
		}

		if advance >= maxAdvanceSteps {
			break
		}

		advance++

		exists, err := h.pi.Exists(h.minPriority)
		if err != nil {
			return fmt.Errorf("highdb: delete_n: %w", err)
		}

		if !exists {
			h.minPriority++

			continue
		}

		list, err := h.pi.ReadAll(h.minPriority)
		if err != nil {
			return fmt.Errorf("highdb: delete_n: %w", err)
		}

		if len(list) == 0 {
			if err := h.pi.Unlink(h.minPriority); err != nil {
				return fmt.Errorf("highdb: delete_n: unlink empty cohort: %w", err)
			}

			continue
		}

		i := len(list)

		for n > 0 && i > 0 {
			i--
			key := list[i]

			ce, block, ok, err := h.readLocked(key, 0)
			if err != nil {
				return fmt.Errorf("highdb: delete_n: %w", err)
			}

			if !ok {
				// Stale PIdx entry: skip it. The advance_counter and
				// the cohort's eventual truncation bound the damage.
				h.log.Warn("highdb: eviction skipping PIdx entry with no LowDB value",
					zap.String("key", key.String()), zap.Uint32("priority", h.minPriority))

				continue
			}

			if callback != nil {
				callback(EvictedEntry{Key: key, Index: ce, Block: block})
			}

			if err := h.low.Delete(key); err != nil {
				return fmt.Errorf("highdb: delete_n: %w", err)
			}

			n--
		}

		if i == 0 {
			if err := h.pi.Unlink(h.minPriority); err != nil {
				return fmt.Errorf("highdb: delete_n: unlink exhausted cohort: %w", err)
			}

			h.minPriority++
		} else if err := h.pi.TruncateTo(h.minPriority, i); err != nil {
			return fmt.Errorf("highdb: delete_n: %w", err)
		}
	}

	if err := h.side.Store(h.i, h.n, h.minPriority); err != nil {
		return fmt.Errorf("highdb: delete_n: persist min priority: %w", err)
	}

	if n == 0 {
		return nil
	}

	return blockstore.ErrCorrupt
}

// Random returns one entry biased toward low priorities: the sampler
// follows the eviction-candidate distribution, since those are the
// entries most worth replicating elsewhere before loss. Returns
// blockstore.ErrNotFound if the store is empty or no live candidate was
// found within the retry bound.
func (h *HighDB) Random() (ce blockstore.ContentIndex, block []byte, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for range maxSampleAttempts {
		priorities, err := h.pi.Priorities()
		if err != nil {
			return blockstore.ContentIndex{}, nil, fmt.Errorf("highdb: random: %w", err)
		}

		total := 0
		counts := make([]int, len(priorities))

		for idx, p := range priorities {
			c, err := h.pi.Count(p)
			if err != nil {
				return blockstore.ContentIndex{}, nil, fmt.Errorf("highdb: random: %w", err)
			}

			counts[idx] = c
			total += c
		}

		if total == 0 {
			return blockstore.ContentIndex{}, nil, fmt.Errorf("highdb: random: %w", blockstore.ErrNotFound)
		}

		r := rand.IntN(total) //nolint:gosec // sampling bias, not a security boundary

		var chosen uint32

		cum := 0

		for idx, p := range priorities {
			cum += counts[idx]

			if r < cum {
				chosen = p

				break
			}
		}

		key, ok, err := h.pi.ReadRandom(chosen)
		if err != nil {
			return blockstore.ContentIndex{}, nil, fmt.Errorf("highdb: random: %w", err)
		}

		if !ok {
			continue
		}

		ce, block, ok, err := h.readLocked(key, 0)
		if err != nil {
			return blockstore.ContentIndex{}, nil, fmt.Errorf("highdb: random: %w", err)
		}

		if !ok {
			continue
		}

		return ce, block, nil
	}

	return blockstore.ContentIndex{}, nil, fmt.Errorf("highdb: random: %w", blockstore.ErrNotFound)
}

// Count returns the number of live entries in the bucket.
func (h *HighDB) Count() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.low.Count()
	if err != nil {
		return 0, fmt.Errorf("highdb: count: %w", err)
	}

	return n, nil
}
