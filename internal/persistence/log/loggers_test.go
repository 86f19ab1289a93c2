package log

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"worldsync.ai/internal/protocol"
)

func TestUpdateJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewUpdateLogger(dir)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	u := protocol.Update{
		Entities:      []json.RawMessage{json.RawMessage(`{"id":"a","age":1}`)},
		ShortEntities: []string{"b"},
	}
	if err := l.WriteUpdate(UpdateEntry{Tick: 1, Direction: DirSent, Peer: "p1", Update: u}); err != nil {
		t.Fatalf("write: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := l.WriteUpdate(UpdateEntry{Tick: 2, Direction: DirReceived, Peer: "p1", Update: protocol.Update{Pins: []string{"a"}}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := ListUpdateFiles(filepath.Join(dir, "updates"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected hourly rotation into 2 files, got %v", files)
	}

	var got []UpdateEntry
	for _, f := range files {
		if err := ReadUpdates(f, func(e UpdateEntry) error {
			got = append(got, e)
			return nil
		}); err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
	}
	if len(got) != 2 || got[0].Tick != 1 || got[1].Direction != DirReceived {
		t.Fatalf("entries = %+v", got)
	}
	if len(got[0].Update.Entities) != 1 || got[0].Update.ShortEntities[0] != "b" {
		t.Fatalf("update = %+v", got[0].Update)
	}
}
