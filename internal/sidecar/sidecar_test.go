package sidecar_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/afsstore/internal/sidecar"
	"github.com/calvinalkan/afsstore/pkg/fs"
)

func Test_Sidecar_Load_Before_Any_Store_Reports_Not_Ok(t *testing.T) {
	t.Parallel()

	s, err := sidecar.Open(t.TempDir(), fs.NewReal())
	require.NoError(t, err)

	_, ok, err := s.Load(0, 4)
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Sidecar_Store_Then_Load_Round_Trips(t *testing.T) {
	t.Parallel()

	s, err := sidecar.Open(t.TempDir(), fs.NewReal())
	require.NoError(t, err)

	require.NoError(t, s.Store(1, 4, 42))

	got, ok, err := s.Load(1, 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(42), got)
}

// Test_Sidecar_Distinguishes_Buckets_By_i_And_n is the regression test
// for the fix: two distinct (i, n) bucket identities must not share
// storage the way a single global key would.
func Test_Sidecar_Distinguishes_Buckets_By_i_And_n(t *testing.T) {
	t.Parallel()

	s, err := sidecar.Open(t.TempDir(), fs.NewReal())
	require.NoError(t, err)

	require.NoError(t, s.Store(0, 4, 10))
	require.NoError(t, s.Store(1, 4, 20))
	require.NoError(t, s.Store(0, 8, 30))

	v0, ok, err := s.Load(0, 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(10), v0)

	v1, ok, err := s.Load(1, 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(20), v1)

	v2, ok, err := s.Load(0, 8)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(30), v2)
}

func Test_Sidecar_Store_Overwrites_Previous_Value(t *testing.T) {
	t.Parallel()

	s, err := sidecar.Open(t.TempDir(), fs.NewReal())
	require.NoError(t, err)

	require.NoError(t, s.Store(2, 4, 5))
	require.NoError(t, s.Store(2, 4, 99))

	got, ok, err := s.Load(2, 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(99), got)
}
