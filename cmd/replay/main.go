package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"worldsync.ai/internal/netsync"
	persistlog "worldsync.ai/internal/persistence/log"
	"worldsync.ai/internal/persistence/snapshot"
	"worldsync.ai/internal/sim/codec"
	"worldsync.ai/internal/sim/traits"
	"worldsync.ai/internal/sim/world"
)

// errStop ends a replay once -to_tick is passed.
var errStop = errors.New("stop")

func main() {
	var (
		snapPath  = flag.String("snapshot", "", "path to .snap.zst to start from (optional)")
		updateDir = flag.String("updates", "", "dir containing updates-*.jsonl.zst (required)")
		peer      = flag.String("peer", "", "only replay updates exchanged with this peer (optional)")
		direction = flag.String("direction", persistlog.DirSent, "which side of the link to rebuild: sent or received")
		compact   = flag.Bool("compact", false, "journal was written with the compact codec")
		toTick    = flag.Uint64("to_tick", 0, "stop after tick (inclusive, optional)")
		expect    = flag.String("expect", "", "expected world digest after replay (optional)")
	)
	flag.Parse()

	if *updateDir == "" {
		fmt.Fprintln(os.Stderr, "missing -updates")
		os.Exit(2)
	}
	if *direction != persistlog.DirSent && *direction != persistlog.DirReceived {
		fmt.Fprintln(os.Stderr, "bad -direction:", *direction)
		os.Exit(2)
	}

	c := traits.NewCodec()
	w := world.New()

	var fromTick uint64
	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		if err := snapshot.Restore(snap, w, c); err != nil {
			fmt.Fprintln(os.Stderr, "restore snapshot:", err)
			os.Exit(1)
		}
		fromTick = snap.Header.Tick
		fmt.Printf("snapshot v%d world=%s tick=%d entities=%d digest=%s\n",
			snap.Header.Version, snap.Header.WorldID, snap.Header.Tick, len(snap.Entities), snap.Digest)
	}

	files, err := persistlog.ListUpdateFiles(*updateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list updates:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no update files found in", *updateDir)
		os.Exit(1)
	}

	// The rebuilt world trusts every update it is fed, like a plain mirror.
	app := netsync.NewApplier(w, netsync.NoneAuthority(), c,
		netsync.WithApplierCodecOptions(codec.Options{Compact: *compact}))

	var applied, skipped int
	for _, path := range files {
		err := persistlog.ReadUpdates(path, func(e persistlog.UpdateEntry) error {
			if *toTick != 0 && e.Tick > *toTick {
				return errStop
			}
			if fromTick != 0 && e.Tick <= fromTick {
				return nil
			}
			if e.Direction != *direction || (*peer != "" && e.Peer != *peer) {
				return nil
			}
			diags := app.ApplyUpdate(e.Peer, e.Update)
			applied++
			skipped += len(diags)
			for _, d := range diags {
				fmt.Fprintf(os.Stderr, "tick=%d peer=%s: %s\n", e.Tick, e.Peer, d)
			}
			return nil
		})
		if errors.Is(err, errStop) {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}

	digest, err := codec.Digest(w, c)
	if err != nil {
		fmt.Fprintln(os.Stderr, "digest:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: updates=%d skipped=%d entities=%d digest=%s\n", applied, skipped, w.Len(), digest)
	if *expect != "" && *expect != digest {
		fmt.Fprintf(os.Stderr, "digest mismatch: got=%s want=%s\n", digest, *expect)
		os.Exit(1)
	}
}
