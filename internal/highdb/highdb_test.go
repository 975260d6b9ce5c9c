package highdb_test

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // verifying the 3HASH rehash, not a security boundary
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/afsstore/blockstore"
	"github.com/calvinalkan/afsstore/internal/highdb"
	"github.com/calvinalkan/afsstore/internal/lowdb"
)

func openBucket(t *testing.T, backend string) *highdb.HighDB {
	t.Helper()

	db, err := highdb.Open(0, 1, t.TempDir(), highdb.Options{Backend: backend})
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func keyOf(b byte) blockstore.Hash160 {
	var h blockstore.Hash160

	for i := range h {
		h[i] = b
	}

	return h
}

func blockOf(n byte) []byte {
	return bytes.Repeat([]byte{n}, 46)
}

var allBackends = []string{lowdb.BackendDir, lowdb.BackendBolt, lowdb.BackendBadger, lowdb.BackendSQLite}

// Test_Scenario1_Basic_Round_Trip is spec.md section 8 scenario 1.
func Test_Scenario1_Basic_Round_Trip(t *testing.T) {
	t.Parallel()

	for _, backend := range allBackends {
		t.Run(backend, func(t *testing.T) {
			t.Parallel()

			db := openBucket(t, backend)

			k0 := keyOf(0x00)
			ce := blockstore.ContentIndex{Kind: blockstore.KindNormalCHK, Importance: 10, Hash: k0}

			require.NoError(t, db.Write(ce, blockOf(0x2A)))

			gotCE, gotBlock, ok, err := db.Read(k0, 0)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, ce, gotCE)
			require.Equal(t, blockOf(0x2A), gotBlock)

			n, err := db.Count()
			require.NoError(t, err)
			require.Equal(t, uint64(1), n)
		})
	}
}

// Test_Scenario2_Priority_Boost is spec.md section 8 scenario 2.
func Test_Scenario2_Priority_Boost(t *testing.T) {
	t.Parallel()

	db := openBucket(t, lowdb.BackendDir)

	k0 := keyOf(0x00)
	ce := blockstore.ContentIndex{Kind: blockstore.KindNormalCHK, Importance: 10, Hash: k0}

	require.NoError(t, db.Write(ce, blockOf(0x2A)))

	gotCE, gotBlock, ok, err := db.Read(k0, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(17), gotCE.Importance)
	require.Equal(t, blockOf(0x2A), gotBlock)
}

// Test_Scenario3_Eviction_Order is spec.md section 8 scenario 3: the
// lower-priority entry is evicted, not the higher-priority one.
func Test_Scenario3_Eviction_Order(t *testing.T) {
	t.Parallel()

	db := openBucket(t, lowdb.BackendDir)

	k0, k1 := keyOf(0x00), keyOf(0x01)

	require.NoError(t, db.Write(blockstore.ContentIndex{Kind: blockstore.KindNormalCHK, Importance: 5, Hash: k0}, blockOf(0)))
	require.NoError(t, db.Write(blockstore.ContentIndex{Kind: blockstore.KindNormalCHK, Importance: 3, Hash: k1}, blockOf(1)))

	err := db.DeleteN(1, nil)
	require.NoError(t, err)

	_, _, ok, err := db.Read(k0, 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, ok, err = db.Read(k1, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

// Test_Scenario4_Corruption_Recovery_On_Read is spec.md section 8
// scenario 4.
func Test_Scenario4_Corruption_Recovery_On_Read(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	db, err := highdb.Open(0, 1, dir, highdb.Options{Backend: lowdb.BackendDir})
	require.NoError(t, err)

	k0 := keyOf(0x00)
	require.NoError(t, db.Write(blockstore.ContentIndex{Kind: blockstore.KindNormalCHK, Importance: 1, Hash: k0}, blockOf(0)))

	// Directly truncate the underlying LowDB value to 4 bytes, bypassing
	// HighDB, to simulate a crash mid-write.
	shardPath := filepath.Join(dir, "content", "bucket.1.0", k0.String()[:2], k0.String())
	truncateFileTo4Bytes(t, shardPath)

	_, _, ok, err := db.Read(k0, 0)
	require.NoError(t, err)
	require.False(t, ok)

	// The short value must have been purged, not merely ignored.
	_, _, ok, err = db.Read(k0, 0)
	require.NoError(t, err)
	require.False(t, ok)

	_, statErr := os.Stat(shardPath)
	require.True(t, os.IsNotExist(statErr), "short value file must be deleted, got %v", statErr)
}

// Test_Scenario5_Random_Sampling_Termination is spec.md section 8
// scenario 5.
func Test_Scenario5_Random_Sampling_Termination(t *testing.T) {
	t.Parallel()

	db := openBucket(t, lowdb.BackendDir)

	_, _, err := db.Random()
	require.ErrorIs(t, err, blockstore.ErrNotFound)

	k0 := keyOf(0x00)
	ce := blockstore.ContentIndex{Kind: blockstore.KindNormalCHK, Importance: 1, Hash: k0}
	require.NoError(t, db.Write(ce, blockOf(0)))

	gotCE, gotBlock, err := db.Random()
	require.NoError(t, err)
	require.Equal(t, ce, gotCE)
	require.Equal(t, blockOf(0), gotBlock)
}

// Test_Scenario6_Backend_Equivalence is spec.md section 8 scenario 6,
// run across all four back-ends.
func Test_Scenario6_Backend_Equivalence(t *testing.T) {
	t.Parallel()

	for _, backend := range allBackends {
		t.Run(backend, func(t *testing.T) {
			t.Parallel()

			db := openBucket(t, backend)

			k0, k1 := keyOf(0x00), keyOf(0x01)

			require.NoError(t, db.Write(blockstore.ContentIndex{Kind: blockstore.KindNormalCHK, Importance: 1, Hash: k0}, blockOf(0)))
			require.NoError(t, db.Write(blockstore.ContentIndex{Kind: blockstore.KindNormalCHK, Importance: 1, Hash: k1}, blockOf(1)))

			ce, _, ok, err := db.Read(k0, 3)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, uint32(4), ce.Importance)

			require.NoError(t, db.DeleteKey(k1))

			n, err := db.Count()
			require.NoError(t, err)
			require.Equal(t, uint64(1), n)

			_, _, ok, err = db.Read(k1, 0)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func Test_DeleteKey_On_Missing_Key_Returns_NotFound(t *testing.T) {
	t.Parallel()

	db := openBucket(t, lowdb.BackendDir)

	err := db.DeleteKey(keyOf(0xFF))
	require.True(t, errors.Is(err, blockstore.ErrNotFound))
}

// Test_Write_Is_Idempotent_On_Repeated_Key checks property 2: writing
// the same key twice leaves exactly one LowDB entry and one PIdx entry.
func Test_Write_Is_Idempotent_On_Repeated_Key(t *testing.T) {
	t.Parallel()

	db := openBucket(t, lowdb.BackendDir)

	k0 := keyOf(0x00)

	require.NoError(t, db.Write(blockstore.ContentIndex{Kind: blockstore.KindNormalCHK, Importance: 1, Hash: k0}, blockOf(1)))
	require.NoError(t, db.Write(blockstore.ContentIndex{Kind: blockstore.KindNormalCHK, Importance: 9, Hash: k0}, blockOf(2)))

	n, err := db.Count()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	ce, block, ok, err := db.Read(k0, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(9), ce.Importance)
	require.Equal(t, blockOf(2), block)
}

// Test_DeleteN_Evicts_Callback_Observed_Key_Not_A_Different_One is the
// regression test for Open Question (b): the eviction loop must use
// the same index for the callback and the LowDB delete.
func Test_DeleteN_Evicts_Callback_Observed_Key_Not_A_Different_One(t *testing.T) {
	t.Parallel()

	db := openBucket(t, lowdb.BackendDir)

	k0, k1, k2 := keyOf(0x00), keyOf(0x01), keyOf(0x02)

	require.NoError(t, db.Write(blockstore.ContentIndex{Kind: blockstore.KindNormalCHK, Importance: 1, Hash: k0}, blockOf(0)))
	require.NoError(t, db.Write(blockstore.ContentIndex{Kind: blockstore.KindNormalCHK, Importance: 1, Hash: k1}, blockOf(1)))
	require.NoError(t, db.Write(blockstore.ContentIndex{Kind: blockstore.KindNormalCHK, Importance: 1, Hash: k2}, blockOf(2)))

	var observed []blockstore.Hash160

	err := db.DeleteN(2, func(e highdb.EvictedEntry) {
		observed = append(observed, e.Key)
	})
	require.NoError(t, err)
	require.Len(t, observed, 2)

	remaining, err := db.Count()
	require.NoError(t, err)
	require.Equal(t, uint64(1), remaining)

	for _, observedKey := range observed {
		_, _, ok, err := db.Read(observedKey, 0)
		require.NoError(t, err)
		require.False(t, ok, "callback-observed key %s must actually be gone", observedKey)
	}
}

// Test_Kind3HashIndirection_Stores_Under_Rehashed_Key checks spec.md
// section 3/4.3's 3HASH indirection: the LowDB key is sha1(ce.Hash),
// not ce.Hash itself, but the round-tripped ContentIndex still carries
// the original, unrehashed Hash.
func Test_Kind3HashIndirection_Stores_Under_Rehashed_Key(t *testing.T) {
	t.Parallel()

	db := openBucket(t, lowdb.BackendDir)

	indirect := keyOf(0x7A)
	ce := blockstore.ContentIndex{Kind: blockstore.Kind3HashIndirection, Importance: 4, Hash: indirect}

	require.NoError(t, db.Write(ce, blockOf(0x11)))

	lowKey := ce.LowKey()
	require.NotEqual(t, indirect, lowKey, "3HASH indirection must rehash, not store under the raw hash")

	sum := sha1.Sum(indirect[:]) //nolint:gosec // matches ContentIndex.LowKey's own rehash
	require.Equal(t, sum[:], lowKey[:])

	gotCE, gotBlock, ok, err := db.Read(lowKey, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ce, gotCE)
	require.Equal(t, indirect, gotCE.Hash, "round trip must preserve the original, unrehashed Hash")
	require.Equal(t, blockOf(0x11), gotBlock)

	// The raw, unrehashed hash must not resolve to anything: the entry
	// only exists under the rehashed key.
	_, _, ok, err = db.Read(indirect, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

// Test_KindOnDemandEncoded_Round_Trips_Zero_Length_Block checks spec.md
// section 4.3 step 1: an on-demand-encoded entry carries no stored
// block bytes, and must round-trip with a zero-length block rather
// than being rejected or confused with a missing entry.
func Test_KindOnDemandEncoded_Round_Trips_Zero_Length_Block(t *testing.T) {
	t.Parallel()

	db := openBucket(t, lowdb.BackendDir)

	k0 := keyOf(0x5C)
	ce := blockstore.ContentIndex{Kind: blockstore.KindOnDemandEncoded, Importance: 2, Hash: k0}

	require.NoError(t, db.Write(ce, nil))

	gotCE, gotBlock, ok, err := db.Read(k0, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ce, gotCE)
	require.Empty(t, gotBlock)
}

func truncateFileTo4Bytes(t *testing.T, path string) {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 4)

	require.NoError(t, os.WriteFile(path, data[:4], 0o644))
}
