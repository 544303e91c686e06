package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"snapkv/pkg/clock"
	"snapkv/pkg/config"
	"snapkv/pkg/iterator"
	"snapkv/pkg/partition"
	"snapkv/pkg/types"
)

func main() {
	if err := run(); err != nil {
		slog.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func printKeys(keys *iterator.KeyIterator) error {
	for key := range keys.All() {
		fmt.Printf("  %s\n", key)
	}
	return keys.Err()
}

func run() error {
	dir, err := os.MkdirTemp("", "snapkv-demo")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	mono, err := clock.NewMonotonic()
	if err != nil {
		return err
	}

	cfg := config.DefaultPartition(dir)
	cfg.Memtable.AutoFlush = false

	items, err := partition.Open(dir, cfg, partition.WithClock(mono))
	if err != nil {
		return err
	}
	defer items.Close()

	if _, err := items.Insert([]byte("a"), []byte("first")); err != nil {
		return err
	}

	// let the clock move past the first write
	time.Sleep(time.Millisecond)
	snapshotTS := types.SeqNo(mono.Now())
	fmt.Printf("Snapshot timestamp: %d\n", snapshotTS)
	time.Sleep(time.Millisecond)

	if _, err := items.Insert([]byte("b"), []byte("second")); err != nil {
		return err
	}

	fmt.Println("Keys currently in the partition:")
	if err := printKeys(items.Keys()); err != nil {
		return err
	}

	snap := items.SnapshotAt(snapshotTS)
	defer snap.Close()

	fmt.Printf("\nKeys visible in snapshot taken at ts=%d:\n", snapshotTS)
	return printKeys(snap.Keys())
}
