package pidx_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/afsstore/blockstore"
	"github.com/calvinalkan/afsstore/internal/pidx"
	"github.com/calvinalkan/afsstore/pkg/fs"
)

func openPIdx(t *testing.T) *pidx.PIdx {
	t.Helper()

	idx, err := pidx.Open(t.TempDir(), fs.NewReal(), nil)
	require.NoError(t, err)

	return idx
}

func hashOf(b byte) blockstore.Hash160 {
	var h blockstore.Hash160

	h[0] = b

	return h
}

func Test_PIdx_Append_Then_ReadAll_Returns_Entries_In_Order(t *testing.T) {
	t.Parallel()

	idx := openPIdx(t)

	keys := []blockstore.Hash160{hashOf(1), hashOf(2), hashOf(3)}

	for _, k := range keys {
		require.NoError(t, idx.Append(5, k))
	}

	got, err := idx.ReadAll(5)
	require.NoError(t, err)
	require.Equal(t, keys, got)
}

func Test_PIdx_ReadAll_On_Missing_Priority_Returns_Empty(t *testing.T) {
	t.Parallel()

	idx := openPIdx(t)

	got, err := idx.ReadAll(999)
	require.NoError(t, err)
	require.Empty(t, got)
}

// Test_PIdx_Remove_Swaps_Last_Entry_Into_Hole checks the Open Question
// (a) resolution: removing a non-last entry swaps the last entry into
// its place and shrinks the file, rather than leaving a tombstoned gap.
func Test_PIdx_Remove_Swaps_Last_Entry_Into_Hole(t *testing.T) {
	t.Parallel()

	idx := openPIdx(t)

	a, b, c := hashOf(1), hashOf(2), hashOf(3)

	require.NoError(t, idx.Append(7, a))
	require.NoError(t, idx.Append(7, b))
	require.NoError(t, idx.Append(7, c))

	ok, err := idx.Remove(7, a)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := idx.ReadAll(7)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.ElementsMatch(t, []blockstore.Hash160{b, c}, got)

	n, err := idx.Count(7)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func Test_PIdx_Remove_Missing_Key_Reports_Not_Ok_Without_Error(t *testing.T) {
	t.Parallel()

	idx := openPIdx(t)

	require.NoError(t, idx.Append(1, hashOf(9)))

	ok, err := idx.Remove(1, hashOf(200))
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_PIdx_Remove_Last_Remaining_Entry_Unlinks_File(t *testing.T) {
	t.Parallel()

	idx := openPIdx(t)

	only := hashOf(42)
	require.NoError(t, idx.Append(3, only))

	ok, err := idx.Remove(3, only)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := idx.Count(3)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	exists, err := idx.Exists(3)
	require.NoError(t, err)
	require.False(t, exists)
}

// Test_PIdx_ReadAll_Repairs_Trailing_Partial_Entry covers invariant 4:
// a file whose length isn't a multiple of 20 is truncated to the
// largest valid prefix instead of returning a decode error.
func Test_PIdx_ReadAll_Repairs_Trailing_Partial_Entry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	idx, err := pidx.Open(dir, fs.NewReal(), nil)
	require.NoError(t, err)

	good := hashOf(11)
	require.NoError(t, idx.Append(2, good))

	// Corrupt the file with 7 extra trailing bytes directly on disk.
	path := filepath.Join(dir, "2.pidx")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte("garbage"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := idx.ReadAll(2)
	require.NoError(t, err)
	require.Equal(t, []blockstore.Hash160{good}, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(blockstore.HashSize), info.Size())
}

func Test_PIdx_ReadRandom_Returns_One_Of_The_Stored_Keys(t *testing.T) {
	t.Parallel()

	idx := openPIdx(t)

	keys := []blockstore.Hash160{hashOf(1), hashOf(2), hashOf(3)}
	for _, k := range keys {
		require.NoError(t, idx.Append(4, k))
	}

	got, ok, err := idx.ReadRandom(4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, keys, got)
}

func Test_PIdx_ReadRandom_On_Empty_Priority_Returns_Not_Ok(t *testing.T) {
	t.Parallel()

	idx := openPIdx(t)

	_, ok, err := idx.ReadRandom(123)
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_PIdx_Write_Replaces_Whole_File_Contents(t *testing.T) {
	t.Parallel()

	idx := openPIdx(t)

	require.NoError(t, idx.Append(6, hashOf(1)))
	require.NoError(t, idx.Append(6, hashOf(2)))

	replacement := []blockstore.Hash160{hashOf(9), hashOf(8), hashOf(7)}
	require.NoError(t, idx.Write(6, replacement))

	got, err := idx.ReadAll(6)
	require.NoError(t, err)
	require.Equal(t, replacement, got)
}

func Test_PIdx_Write_With_Empty_List_Removes_File(t *testing.T) {
	t.Parallel()

	idx := openPIdx(t)

	require.NoError(t, idx.Append(6, hashOf(1)))
	require.NoError(t, idx.Write(6, nil))

	exists, err := idx.Exists(6)
	require.NoError(t, err)
	require.False(t, exists)
}

func Test_PIdx_Priorities_Lists_Only_Nonempty_Buckets(t *testing.T) {
	t.Parallel()

	idx := openPIdx(t)

	require.NoError(t, idx.Append(10, hashOf(1)))
	require.NoError(t, idx.Append(20, hashOf(2)))

	ok, err := idx.Remove(20, hashOf(2))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := idx.Priorities()
	require.NoError(t, err)
	require.Equal(t, []uint32{10}, got)
}
