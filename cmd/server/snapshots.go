package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"worldsync.ai/internal/persistence/indexdb"
	"worldsync.ai/internal/persistence/snapshot"
)

// writeSnapshots persists snapshots handed over by the host loop.
func writeSnapshots(ctx context.Context, worldDir string, snapCh <-chan snapshot.SnapshotV1, idx *indexdb.SQLiteIndex, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snapCh:
			path := filepath.Join(worldDir, "snapshots", snapshot.FileName(snap.Header.Tick))
			if err := snapshot.WriteSnapshot(path, snap); err != nil {
				logger.Printf("snapshot write: %v", err)
				continue
			}
			idx.RecordSnapshot(path, snap)
		}
	}
}

func latestSnapshot(worldDir string) string {
	dir := filepath.Join(worldDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}
