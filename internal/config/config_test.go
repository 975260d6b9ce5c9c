package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/afsstore/internal/config"
	"github.com/calvinalkan/afsstore/internal/lowdb"
)

func Test_Load_Missing_File_Returns_Default(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "afs-bucket.jwcc"))
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func Test_Load_Parses_JWCC_With_Comments_And_Trailing_Commas(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "afs-bucket.jwcc")

	doc := `{
		// node data root
		"afs_dir": "/var/lib/afs",
		"state_dir": "/var/lib/afs/state",
		"backend": "bolt",
		"bucket_count": 4,
		"max_block_size": 32768,
		"disk_quota_kb": 1048576,
		"free_space_floor_kb": 8192,
	}`

	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/afs", cfg.AFSDir)
	require.Equal(t, lowdb.BackendBolt, cfg.Backend)
	require.Equal(t, uint32(4), cfg.BucketCount)
	require.Equal(t, uint64(1048576), cfg.DiskQuotaKB)
}

func Test_Load_Rejects_Unknown_Backend(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "afs-bucket.jwcc")
	require.NoError(t, os.WriteFile(path, []byte(`{"afs_dir":"/tmp/afs","backend":"not-a-backend"}`), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
}

func Test_Validate_Rejects_Zero_Bucket_Count(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.BucketCount = 0

	require.Error(t, cfg.Validate())
}
