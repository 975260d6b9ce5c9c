package lowdb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/afsstore/blockstore"
	"github.com/calvinalkan/afsstore/internal/lowdb"
)

func openEachBackend(t *testing.T) map[string]lowdb.DB {
	t.Helper()

	backends := map[string]lowdb.DB{}

	for _, tag := range []string{lowdb.BackendDir, lowdb.BackendBolt, lowdb.BackendBadger, lowdb.BackendSQLite} {
		db, err := lowdb.Open(tag, lowdb.Options{Dir: t.TempDir()})
		require.NoError(t, err, "backend %s", tag)

		t.Cleanup(func() { _ = db.Close() })

		backends[tag] = db
	}

	return backends
}

func hashOf(b byte) blockstore.Hash160 {
	var h blockstore.Hash160

	h[0] = b

	return h
}

// Test_LowDB_Backends_Round_Trip_Writes exercises spec.md's write/read
// round-trip property identically across all four back-ends, so a
// regression in any one of them shows up as a single failing subtest.
func Test_LowDB_Backends_Round_Trip_Writes(t *testing.T) {
	t.Parallel()

	for tag, db := range openEachBackend(t) {
		t.Run(tag, func(t *testing.T) {
			t.Parallel()

			key := hashOf(0x42)
			payload := []byte("hello afs")

			require.NoError(t, db.Write(key, payload))

			got, ok, err := db.Read(key)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, payload, got)
		})
	}
}

// Test_LowDB_Backends_Write_Is_Idempotent_On_Count verifies that writing
// the same key twice does not inflate Count, across all back-ends.
func Test_LowDB_Backends_Write_Is_Idempotent_On_Count(t *testing.T) {
	t.Parallel()

	for tag, db := range openEachBackend(t) {
		t.Run(tag, func(t *testing.T) {
			t.Parallel()

			key := hashOf(0x7)

			require.NoError(t, db.Write(key, []byte("v1")))
			require.NoError(t, db.Write(key, []byte("v2-longer-payload")))

			n, err := db.Count()
			require.NoError(t, err)
			require.Equal(t, uint64(1), n)

			got, ok, err := db.Read(key)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("v2-longer-payload"), got)
		})
	}
}

// Test_LowDB_Backends_Delete_Missing_Key_Returns_NotFound checks the
// shared error-kind contract: deleting an absent key always wraps
// blockstore.ErrNotFound, never a bare nil or a backend-specific type.
func Test_LowDB_Backends_Delete_Missing_Key_Returns_NotFound(t *testing.T) {
	t.Parallel()

	for tag, db := range openEachBackend(t) {
		t.Run(tag, func(t *testing.T) {
			t.Parallel()

			err := db.Delete(hashOf(0x99))
			require.ErrorIs(t, err, blockstore.ErrNotFound)
		})
	}
}

// Test_LowDB_Backends_Count_Conservation writes N keys, deletes some,
// and checks Count reflects exactly what remains — spec.md's count
// conservation invariant (invariant 6), checked against every back-end.
func Test_LowDB_Backends_Count_Conservation(t *testing.T) {
	t.Parallel()

	for tag, db := range openEachBackend(t) {
		t.Run(tag, func(t *testing.T) {
			t.Parallel()

			const total = 20

			for i := range byte(total) {
				require.NoError(t, db.Write(hashOf(i), []byte{i}))
			}

			for i := range byte(5) {
				require.NoError(t, db.Delete(hashOf(i)))
			}

			n, err := db.Count()
			require.NoError(t, err)
			require.Equal(t, uint64(total-5), n)

			visited, err := db.ForEach(func(blockstore.Hash160) bool { return true })
			require.NoError(t, err)
			require.Equal(t, uint64(total-5), visited)
		})
	}
}

// Test_LowDB_Backends_Refuse_Oversized_Writes checks the shared
// MaxBlockSize ceiling is enforced identically by every back-end.
func Test_LowDB_Backends_Refuse_Oversized_Writes(t *testing.T) {
	t.Parallel()

	for _, tag := range []string{lowdb.BackendDir, lowdb.BackendBolt, lowdb.BackendBadger, lowdb.BackendSQLite} {
		t.Run(tag, func(t *testing.T) {
			t.Parallel()

			db, err := lowdb.Open(tag, lowdb.Options{Dir: t.TempDir(), MaxBlockSize: 4})
			require.NoError(t, err)

			t.Cleanup(func() { _ = db.Close() })

			err = db.Write(hashOf(0x1), []byte("too-long"))
			require.ErrorIs(t, err, blockstore.ErrRefused)
		})
	}
}

// Test_LowDB_Backends_Survive_Reopen confirms the cached Count reloads
// correctly (rather than silently resetting to zero) after Close and a
// fresh Open against the same directory — the dirBackend count sidecar
// and the embedded back-ends' reserved keys must all persist this.
func Test_LowDB_Backends_Survive_Reopen(t *testing.T) {
	t.Parallel()

	for _, tag := range []string{lowdb.BackendDir, lowdb.BackendBolt, lowdb.BackendBadger, lowdb.BackendSQLite} {
		t.Run(tag, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()

			db, err := lowdb.Open(tag, lowdb.Options{Dir: dir})
			require.NoError(t, err)

			require.NoError(t, db.Write(hashOf(0x3), []byte("persisted")))
			require.NoError(t, db.Close())

			reopened, err := lowdb.Open(tag, lowdb.Options{Dir: dir})
			require.NoError(t, err)

			t.Cleanup(func() { _ = reopened.Close() })

			n, err := reopened.Count()
			require.NoError(t, err)
			require.Equal(t, uint64(1), n)

			got, ok, err := reopened.Read(hashOf(0x3))
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("persisted"), got)
		})
	}
}
