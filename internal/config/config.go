// Package config loads the per-node AFS bucket configuration file,
// a JSONC/JWCC document parsed with tailscale/hujson the same way the
// rest of this codebase's config files are: hujson.Standardize first,
// then encoding/json against a plain struct.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/afsstore/internal/lowdb"
)

// Config is the on-disk shape of afs-bucket.jwcc. It is read once at
// node start and passed by value into highdb.Open for each bucket —
// never held as a process-wide singleton, per spec.md section 9's
// design note against global state.
type Config struct {
	AFSDir           string `json:"afs_dir"`
	StateDir         string `json:"state_dir"`
	Backend          string `json:"backend"`
	BucketCount      uint32 `json:"bucket_count"`
	MaxBlockSize     int    `json:"max_block_size,omitempty"`
	DiskQuotaKB      uint64 `json:"disk_quota_kb,omitempty"`
	FreeSpaceFloorKB uint64 `json:"free_space_floor_kb,omitempty"`
}

// Default returns the configuration used when no config file is
// present: a single bucket, the directory back-end, and spec.md's
// default block-size ceiling.
func Default() Config {
	return Config{
		AFSDir:       "afs",
		StateDir:     "afs/state",
		Backend:      lowdb.BackendDir,
		BucketCount:  1,
		MaxBlockSize: lowdb.DefaultMaxBlockSize,
	}
}

var errInvalidBackend = errors.New("config: backend must be one of dir, bolt, badger, sqlite")

// Validate checks the fields Open doesn't already default or reject on
// its own.
func (c Config) Validate() error {
	if c.AFSDir == "" {
		return errors.New("config: afs_dir is required")
	}

	if c.BucketCount == 0 {
		return errors.New("config: bucket_count must be at least 1")
	}

	switch c.Backend {
	case lowdb.BackendDir, lowdb.BackendBolt, lowdb.BackendBadger, lowdb.BackendSQLite:
	default:
		return fmt.Errorf("%w, got %q", errInvalidBackend, c.Backend)
	}

	return nil
}

// Load reads and parses path as hujson/JWCC, merging it over Default().
// A missing file is not an error — Default() alone is returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: invalid JWCC in %q: %w", path, err)
	}

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %q: %w", path, err)
	}

	return cfg, nil
}
