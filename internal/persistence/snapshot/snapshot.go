package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"worldsync.ai/internal/sim/codec"
	"worldsync.ai/internal/sim/world"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
}

// SnapshotV1 is a world baseline: every live entity in codec form.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Compact  bool              `json:"compact"`
	Digest   string            `json:"digest"`
	Entities []json.RawMessage `json:"entities"`
}

// Capture serializes every entity of w. Unlike update generation a snapshot is
// all or nothing: the first entity that fails to serialize aborts it.
func Capture(worldID string, w *world.World, c codec.Codec, opts codec.Options) (SnapshotV1, error) {
	snap := SnapshotV1{
		Header:  Header{Version: Version, WorldID: worldID, Tick: w.Tick()},
		Compact: opts.Compact,
	}
	for e := range w.Items() {
		raw, err := c.SerializeEntity(e, opts)
		if err != nil {
			return snap, fmt.Errorf("snapshot entity %s: %w", e.ID, err)
		}
		snap.Entities = append(snap.Entities, raw)
	}
	d, err := codec.Digest(w, c)
	if err != nil {
		return snap, err
	}
	snap.Digest = d
	return snap, nil
}

// Restore inserts the snapshot's entities into w as trusted state.
func Restore(snap SnapshotV1, w *world.World, c codec.Codec) error {
	if snap.Header.Version != Version {
		return fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	opts := codec.Options{Compact: snap.Compact}
	for _, raw := range snap.Entities {
		e, err := c.DeserializeEntity(raw, opts)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if err := w.InsertRemote(e); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	return nil
}

// FileName is the on-disk name for a snapshot taken at tick.
func FileName(tick uint64) string { return fmt.Sprintf("%d.snap.zst", tick) }

func WriteSnapshot(path string, snap SnapshotV1) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line is for humans (zstdcat | head -1); gob carries it too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}
