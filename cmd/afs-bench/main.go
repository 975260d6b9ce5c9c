// Package main provides afs-bench, a demo/benchmark CLI exercising the
// HighDB stack: seed a bucket with synthetic blocks, evict, sample, and
// report the final count. It performs no priority-boosting reads.
package main

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/afsstore/blockstore"
	"github.com/calvinalkan/afsstore/internal/config"
	"github.com/calvinalkan/afsstore/internal/highdb"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut *os.File) int {
	fs := flag.NewFlagSet("afs-bench", flag.ContinueOnError)
	fs.SetOutput(errOut)

	configPath := fs.String("config", "", "path to afs-bucket.jwcc (optional; defaults used if absent)")
	seedCount := fs.Int("seed", 1000, "number of synthetic blocks to write before benchmarking")
	evictCount := fs.Int("evict", 0, "number of blocks to evict after seeding")
	sampleCount := fs.Int("sample", 0, "number of random() calls to perform after seeding/eviction")
	bucketIndex := fs.Uint32("bucket-index", 0, "bucket index i")
	bucketTotal := fs.Uint32("bucket-total", 1, "total bucket count n")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Default()

	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(errOut, "afs-bench:", err)

			return 1
		}

		cfg = loaded
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(errOut, "afs-bench: logger:", err)

		return 1
	}

	defer func() { _ = logger.Sync() }()

	db, err := highdb.Open(*bucketIndex, *bucketTotal, cfg.AFSDir, highdb.Options{
		Backend:          cfg.Backend,
		MaxBlockSize:     cfg.MaxBlockSize,
		FreeSpaceFloorKB: cfg.FreeSpaceFloorKB,
		Logger:           logger,
	})
	if err != nil {
		fmt.Fprintln(errOut, "afs-bench: open:", err)

		return 1
	}

	defer func() { _ = db.Close() }()

	start := time.Now()

	if err := seed(db, *seedCount); err != nil {
		fmt.Fprintln(errOut, "afs-bench: seed:", err)

		return 1
	}

	fmt.Fprintf(out, "seeded %d blocks in %s\n", *seedCount, time.Since(start))

	if *evictCount > 0 {
		evictStart := time.Now()

		if err := db.DeleteN(*evictCount, nil); err != nil {
			fmt.Fprintln(errOut, "afs-bench: evict:", err)

			return 1
		}

		fmt.Fprintf(out, "evicted %d blocks in %s\n", *evictCount, time.Since(evictStart))
	}

	for i := range *sampleCount {
		ce, _, err := db.Random()
		if err != nil {
			fmt.Fprintln(errOut, "afs-bench: sample:", err)

			return 1
		}

		fmt.Fprintf(out, "sample %d: key=%s importance=%d\n", i, ce.Hash, ce.Importance)
	}

	count, err := db.Count()
	if err != nil {
		fmt.Fprintln(errOut, "afs-bench: count:", err)

		return 1
	}

	fmt.Fprintf(out, "final count: %d\n", count)

	return 0
}

func seed(db *highdb.HighDB, n int) error {
	for i := range n {
		var h blockstore.Hash160

		h[0] = byte(i)
		h[1] = byte(i >> 8)
		h[2] = byte(i >> 16)

		ce := blockstore.ContentIndex{
			Kind:       blockstore.KindNormalCHK,
			Importance: uint32(i % 64), //nolint:gosec // demo data, not security sensitive
			Hash:       h,
		}

		block := make([]byte, 64)
		for j := range block {
			block[j] = byte(i + j)
		}

		if err := db.Write(ce, block); err != nil {
			return err
		}
	}

	return nil
}
