package netsync

import (
	"encoding/json"
	"math"
	"testing"

	"worldsync.ai/internal/protocol"
	"worldsync.ai/internal/sim/codec"
	"worldsync.ai/internal/sim/traits"
	"worldsync.ai/internal/sim/world"
)

type pair struct {
	t    *testing.T
	c    *codec.JSON
	src  *world.World
	dst  *world.World
	gen  *Generator
	app  *Applier
	from string
}

func newPair(t *testing.T, send, recv Authority) *pair {
	t.Helper()
	c := traits.NewCodec()
	src := world.New()
	dst := world.New()
	return &pair{
		t:    t,
		c:    c,
		src:  src,
		dst:  dst,
		gen:  NewGenerator(src, send, c),
		app:  NewApplier(dst, recv, c),
		from: "peer-a",
	}
}

func (p *pair) sync() protocol.Update {
	p.t.Helper()
	u, diags := p.gen.GenerateUpdate()
	if len(diags) != 0 {
		p.t.Fatalf("generate diags: %s", diags)
	}
	if diags := p.app.ApplyUpdate(p.from, u); len(diags) != 0 {
		p.t.Fatalf("apply diags: %s", diags)
	}
	return u
}

func (p *pair) converged() {
	p.t.Helper()
	a, err := codec.Digest(p.src, p.c)
	if err != nil {
		p.t.Fatalf("digest src: %v", err)
	}
	b, err := codec.Digest(p.dst, p.c)
	if err != nil {
		p.t.Fatalf("digest dst: %v", err)
	}
	if a != b {
		p.t.Fatalf("worlds diverged: src=%v dst=%v", p.src.IDs(), p.dst.IDs())
	}
}

func mustAdd(t *testing.T, w *world.World, e *world.Entity) *world.Entity {
	t.Helper()
	if err := w.Add(e); err != nil {
		t.Fatalf("add %s: %v", e.ID, err)
	}
	return e
}

func unit(id string, x, y float64) *world.Entity {
	return world.NewEntity(id, "unit",
		&traits.Position{X: x, Y: y},
		&traits.Velocity{X: 1},
		&traits.Health{HP: 10, MaxHP: 10},
	)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func entityIDs(t *testing.T, c codec.Codec, u protocol.Update) []string {
	t.Helper()
	var out []string
	for _, raw := range u.Entities {
		e, err := c.DeserializeEntity(raw, codec.Options{})
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, e.ID)
	}
	return out
}

func TestConvergence(t *testing.T) {
	p := newPair(t, FullAuthority(), NoneAuthority())
	p.src.AddSystem(traits.Movement)
	mustAdd(t, p.src, unit("a", 0, 0))
	mustAdd(t, p.src, unit("b", 5, 5))

	for i := 0; i < 5; i++ {
		p.src.Step()
		p.sync()
		p.converged()
	}

	p.src.Remove("a")
	mustAdd(t, p.src, unit("c", 1, 1))
	p.sync()
	p.converged()
	if _, ok := p.dst.Entity("a"); ok {
		t.Fatalf("expected a to be removed on receiver")
	}
}

func TestThrottleAndLiveness(t *testing.T) {
	p := newPair(t, Static{Entity: Full, Event: Full, Interval: 3}, NoneAuthority())
	mustAdd(t, p.src, unit("a", 0, 0))

	u := p.sync()
	if !contains(entityIDs(t, p.c, u), "a") {
		t.Fatalf("first update must carry a in full: %+v", u)
	}

	for step := 1; step <= 2; step++ {
		p.src.Step()
		u = p.sync()
		if len(u.Entities) != 0 || !contains(u.ShortEntities, "a") {
			t.Fatalf("step %d: expected only a liveness entry, got %+v", step, u.Counts())
		}
		if _, ok := p.dst.Entity("a"); !ok {
			t.Fatalf("step %d: short entity must keep a alive", step)
		}
	}

	p.src.Step()
	u = p.sync()
	if !contains(entityIDs(t, p.c, u), "a") || contains(u.ShortEntities, "a") {
		t.Fatalf("interval elapsed: expected full resend, got %+v", u.Counts())
	}
}

func TestZeroIntervalSendsEveryUpdate(t *testing.T) {
	p := newPair(t, FullAuthority(), NoneAuthority())
	mustAdd(t, p.src, unit("a", 0, 0))
	for i := 0; i < 3; i++ {
		u := p.sync()
		if len(u.Entities) != 1 || len(u.ShortEntities) != 0 {
			t.Fatalf("update %d: %+v", i, u.Counts())
		}
	}
}

func TestNoneAndLocalAreNeverSent(t *testing.T) {
	for _, a := range []AuthorityType{None, Local} {
		p := newPair(t, Static{Entity: a, Event: a}, NoneAuthority())
		mustAdd(t, p.src, unit("a", 0, 0))
		p.src.AddEvent(&traits.Weather{Kind: "rain"})
		u := p.sync()
		if !u.IsEmpty() {
			t.Fatalf("%s: expected empty update, got %+v", a, u.Counts())
		}
		if p.gen.WatchCount() != 0 {
			t.Fatalf("%s: watch count = %d", a, p.gen.WatchCount())
		}
	}
}

func TestPinFreezesEntity(t *testing.T) {
	p := newPair(t, FullAuthority(), NoneAuthority())
	mustAdd(t, p.src, unit("a", 0, 0))
	p.sync()

	if !p.gen.Pin("a") {
		t.Fatalf("pin a failed")
	}
	u := p.sync()
	if !contains(u.Pins, "a") || !contains(entityIDs(t, p.c, u), "a") {
		t.Fatalf("first update after pin: %+v", u)
	}
	u = p.sync()
	if contains(u.Pins, "a") || contains(u.ShortEntities, "a") || len(u.Entities) != 0 {
		t.Fatalf("pinned entity must be silent: %+v", u)
	}
	if _, ok := p.dst.Entity("a"); !ok {
		t.Fatalf("pinned entity must survive omission on receiver")
	}

	if !p.gen.Unpin("a") {
		t.Fatalf("unpin a failed")
	}
	u = p.sync()
	if !contains(u.Unpins, "a") || !contains(entityIDs(t, p.c, u), "a") {
		t.Fatalf("update after unpin: %+v", u)
	}
	if p.gen.Pinned("a") {
		t.Fatalf("a still pinned")
	}
}

func TestLostUnpinIsRecoveredByLaterTraffic(t *testing.T) {
	p := newPair(t, FullAuthority(), NoneAuthority())
	mustAdd(t, p.src, unit("a", 0, 0))
	p.sync()
	p.gen.Pin("a")
	p.sync()

	p.gen.Unpin("a")
	if u, _ := p.gen.GenerateUpdate(); !contains(u.Unpins, "a") {
		t.Fatalf("expected unpin of a: %+v", u)
	}
	// That update is lost; a keeps flowing normally afterwards.
	for i := 0; i < 3; i++ {
		p.src.Step()
		p.sync()
	}

	p.src.Remove("a")
	for i := 0; i < 5; i++ {
		p.sync()
	}
	if _, ok := p.dst.Entity("a"); ok {
		t.Fatalf("receiver kept a after its removal")
	}
	p.converged()
}

func TestResetResendsDrainedUnpins(t *testing.T) {
	p := newPair(t, FullAuthority(), NoneAuthority())
	mustAdd(t, p.src, unit("a", 0, 0))
	p.sync()
	p.gen.Pin("a")
	p.sync()

	p.src.Remove("a")
	if u, _ := p.gen.GenerateUpdate(); !contains(u.Unpins, "a") {
		t.Fatalf("expected released pin of a: %+v", u)
	}
	p.gen.ResetUpdateSkipping()
	u := p.sync()
	if !contains(u.Unpins, "a") {
		t.Fatalf("reset must resend the dropped unpin: %+v", u)
	}
	if _, ok := p.dst.Entity("a"); ok {
		t.Fatalf("receiver kept a after its removal")
	}
}

func TestPinUnknownOrUnwatched(t *testing.T) {
	p := newPair(t, FullAuthority(), NoneAuthority())
	if p.gen.Pin("ghost") {
		t.Fatalf("pinning an unknown id must fail")
	}
	if p.gen.Unpin("ghost") {
		t.Fatalf("unpinning an unknown id must fail")
	}
}

func TestPinThenUnpinBeforeGenerate(t *testing.T) {
	p := newPair(t, FullAuthority(), NoneAuthority())
	mustAdd(t, p.src, unit("a", 0, 0))
	p.sync()

	p.gen.Pin("a")
	p.gen.Unpin("a")
	u := p.sync()
	if len(u.Pins) != 0 || len(u.Unpins) != 0 {
		t.Fatalf("pin/unpin that never reached the wire must cancel out: %+v", u)
	}
}

func TestRemovingPinnedEntityReleasesPin(t *testing.T) {
	p := newPair(t, FullAuthority(), NoneAuthority())
	mustAdd(t, p.src, unit("a", 0, 0))
	p.sync()
	p.gen.Pin("a")
	p.sync()

	p.src.Remove("a")
	u := p.sync()
	if !contains(u.Unpins, "a") {
		t.Fatalf("removal of pinned entity must release the pin: %+v", u)
	}
	if _, ok := p.dst.Entity("a"); ok {
		t.Fatalf("receiver must drop a once the pin is released")
	}
}

func TestTransientEntityIsSentOnce(t *testing.T) {
	p := newPair(t, FullAuthority(), NoneAuthority())
	mustAdd(t, p.src, unit("blip", 0, 0))
	p.src.Remove("blip")

	u := p.sync()
	if !contains(entityIDs(t, p.c, u), "blip") {
		t.Fatalf("transient entity must appear once: %+v", u)
	}
	u = p.sync()
	if contains(entityIDs(t, p.c, u), "blip") || contains(u.ShortEntities, "blip") {
		t.Fatalf("transient entity must not appear again: %+v", u)
	}
	if _, ok := p.dst.Entity("blip"); ok {
		t.Fatalf("receiver must remove transient entity after it is omitted")
	}
}

func TestOwnershipGatesIncomingState(t *testing.T) {
	// The receiver owns "mine" and rejects any overwrite of it.
	recv := NewTable(TableConfig{
		Self:          "peer-b",
		Owned:         ptr(Full),
		DefaultEntity: None,
		DefaultEvent:  None,
	})
	p := newPair(t, FullAuthority(), recv)

	local := unit("mine", 7, 7)
	local.Owner = "peer-b"
	mustAdd(t, p.dst, local)

	remote := unit("mine", 100, 100)
	remote.Owner = "peer-b"
	mustAdd(t, p.src, remote)
	p.sync()

	e, _ := p.dst.Entity("mine")
	pos, _ := world.Get[*traits.Position](e)
	if pos.X != 7 {
		t.Fatalf("owned entity was overwritten: %+v", pos)
	}

	p.src.Remove("mine")
	p.sync()
	p.sync()
	if _, ok := p.dst.Entity("mine"); !ok {
		t.Fatalf("owned entity must not be removed by omission")
	}
}

func TestAuthoritativeEventsAreNotApplied(t *testing.T) {
	p := newPair(t, FullAuthority(), Static{Entity: None, Event: Full})
	mustAdd(t, p.src, unit("a", 0, 0))
	p.sync()

	p.src.AddEvent(&traits.Damage{Target: "a", Amount: 4})
	u := p.sync()
	if len(u.WorldEvents) != 1 {
		t.Fatalf("expected 1 event, got %+v", u.Counts())
	}
	e, _ := p.dst.Entity("a")
	h, _ := world.Get[*traits.Health](e)
	// State arrives through the entity snapshot, never twice through the event.
	if h.HP != 6 {
		t.Fatalf("hp = %d", h.HP)
	}
}

func TestEventsAreDeliveredInOrder(t *testing.T) {
	p := newPair(t, FullAuthority(), NoneAuthority())
	var got []string
	p.dst.OnEvent(func(ev world.Event) {
		if w, ok := ev.(*traits.Weather); ok {
			got = append(got, w.Kind)
		}
	})
	for _, k := range []string{"rain", "sun", "fog"} {
		p.src.AddEvent(&traits.Weather{Kind: k})
	}
	p.sync()
	if len(got) != 3 || got[0] != "rain" || got[1] != "sun" || got[2] != "fog" {
		t.Fatalf("events = %v", got)
	}
	if u := p.sync(); len(u.WorldEvents) != 0 {
		t.Fatalf("events must be drained once: %+v", u.Counts())
	}
}

func TestSerializationFailureSkipsOnlyThatEntity(t *testing.T) {
	p := newPair(t, FullAuthority(), NoneAuthority())
	mustAdd(t, p.src, unit("good", 0, 0))
	mustAdd(t, p.src, world.NewEntity("bad", "unit", &traits.Position{X: math.NaN()}))

	u, diags := p.gen.GenerateUpdate()
	if len(diags) == 0 {
		t.Fatalf("expected a diagnostic for bad")
	}
	for _, d := range diags {
		if d.ID != "bad" {
			t.Fatalf("unexpected diagnostic: %v", d)
		}
	}
	ids := entityIDs(t, p.c, u)
	if !contains(ids, "good") || contains(ids, "bad") {
		t.Fatalf("entities = %v", ids)
	}
	if !p.gen.Watching("bad") {
		t.Fatalf("bad entity must stay watched and be retried")
	}
}

func TestDecodeFailureDoesNotRemove(t *testing.T) {
	p := newPair(t, FullAuthority(), NoneAuthority())
	mustAdd(t, p.src, unit("a", 0, 0))
	mustAdd(t, p.src, unit("b", 0, 0))
	p.sync()

	u, _ := p.gen.GenerateUpdate()
	for i, id := range entityIDs(t, p.c, u) {
		if id == "a" {
			u.Entities[i] = json.RawMessage(`{"id":"a","traits":[{"type":"nope","data":{}}]}`)
		}
	}
	diags := p.app.ApplyUpdate(p.from, u)
	if len(diags) != 1 || diags[0].ID != "a" || diags[0].Stage != StageDecodeEntity {
		t.Fatalf("diags = %v", diags)
	}
	if _, ok := p.dst.Entity("a"); !ok {
		t.Fatalf("undecodable entity must not be treated as removed")
	}
	if _, ok := p.dst.Entity("b"); !ok {
		t.Fatalf("rest of the batch must apply")
	}
}

func TestResetUpdateSkipping(t *testing.T) {
	p := newPair(t, Static{Entity: Full, Event: Full, Interval: 100}, NoneAuthority())
	mustAdd(t, p.src, unit("a", 0, 0))
	mustAdd(t, p.src, unit("b", 0, 0))
	p.sync()
	p.gen.Pin("b")
	p.sync()

	p.src.Step()
	if u := p.sync(); len(u.Entities) != 0 {
		t.Fatalf("expected throttled update, got %+v", u.Counts())
	}

	p.gen.ResetUpdateSkipping()
	u := p.sync()
	ids := entityIDs(t, p.c, u)
	if !contains(ids, "a") || !contains(ids, "b") || !contains(u.Pins, "b") {
		t.Fatalf("reset must resend everything and re-announce pins: %+v", u)
	}
}

func TestReclassify(t *testing.T) {
	self := "peer-a"
	auth := NewTable(TableConfig{Self: self, Owned: ptr(Full), DefaultEntity: None, DefaultEvent: None})
	p := newPair(t, auth, NoneAuthority())

	e := mustAdd(t, p.src, unit("a", 0, 0))
	if p.gen.Watching("a") {
		t.Fatalf("unowned entity must not be watched")
	}
	e.Owner = self
	p.gen.Reclassify("a")
	if !p.gen.Watching("a") {
		t.Fatalf("owned entity must be watched after reclassify")
	}
	e.Owner = ""
	p.gen.Reclassify("a")
	if p.gen.Watching("a") {
		t.Fatalf("entity must stop being watched")
	}
	if u := p.sync(); !u.IsEmpty() {
		t.Fatalf("nothing should be sent: %+v", u.Counts())
	}
}

func TestAppliedKindChangeReclassifies(t *testing.T) {
	c := traits.NewCodec()
	relay := world.New()
	auth := NewTable(TableConfig{
		Self:          "relay",
		DefaultEntity: None,
		DefaultEvent:  None,
		Entities:      map[string]AuthorityType{"avatar": Forward},
	})
	out := NewGenerator(relay, auth, c)
	in := NewApplier(relay, auth, c, WithReclassify(out.Reclassify))

	send := func(kind string) {
		t.Helper()
		raw, err := c.SerializeEntity(world.NewEntity("x", kind, &traits.Position{}), codec.Options{})
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		if diags := in.ApplyUpdate("peer-a", protocol.Update{Entities: []json.RawMessage{raw}}); len(diags) != 0 {
			t.Fatalf("apply: %s", diags)
		}
	}

	send("npc")
	if out.Watching("x") {
		t.Fatalf("npc is not relayed")
	}
	send("avatar")
	if !out.Watching("x") {
		t.Fatalf("entity that became an avatar must be relayed")
	}
	u, _ := out.GenerateUpdate()
	if !contains(entityIDs(t, c, u), "x") {
		t.Fatalf("relay must send x: %+v", u.Counts())
	}
}

func TestForgetSenderRemovesItsEntities(t *testing.T) {
	p := newPair(t, FullAuthority(), NoneAuthority())
	mustAdd(t, p.src, unit("a", 0, 0))
	mustAdd(t, p.src, unit("b", 0, 0))
	p.sync()

	removed := p.app.ForgetSender(p.from)
	if len(removed) != 2 || removed[0] != "a" || removed[1] != "b" {
		t.Fatalf("removed = %v", removed)
	}
	if p.dst.Len() != 0 {
		t.Fatalf("dst len = %d", p.dst.Len())
	}
	if got := p.app.ForgetSender(p.from); got != nil {
		t.Fatalf("second forget = %v", got)
	}
}

func TestRemovalByOwner(t *testing.T) {
	recv := NewTable(TableConfig{DefaultEntity: None, DefaultEvent: None, RemovalByOwner: true})
	c := traits.NewCodec()
	dst := world.New()
	app := NewApplier(dst, recv, c)

	e := unit("a", 0, 0)
	e.Owner = "peer-a"
	raw, err := c.SerializeEntity(e, codec.Options{})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	app.ApplyUpdate("peer-a", protocol.Update{Entities: []json.RawMessage{raw}})
	app.ApplyUpdate("peer-b", protocol.Update{Entities: []json.RawMessage{raw}})
	app.ApplyUpdate("peer-b", protocol.Update{})
	if _, ok := dst.Entity("a"); !ok {
		t.Fatalf("non-owner must not remove a")
	}
	app.ApplyUpdate("peer-a", protocol.Update{})
	if _, ok := dst.Entity("a"); ok {
		t.Fatalf("owner omission must remove a")
	}
}

func TestMaxSendersEvictsOldest(t *testing.T) {
	app := NewApplier(world.New(), NoneAuthority(), traits.NewCodec(), WithMaxSenders(2))
	app.ApplyUpdate("a", protocol.Update{})
	app.ApplyUpdate("b", protocol.Update{})
	app.ApplyUpdate("c", protocol.Update{})
	got := app.Senders()
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("senders = %v", got)
	}
}

func TestCompactCodecRoundTrip(t *testing.T) {
	c := traits.NewCodec()
	src, dst := world.New(), world.New()
	opts := codec.Options{Compact: true}
	gen := NewGenerator(src, FullAuthority(), c, WithGeneratorCodecOptions(opts))
	app := NewApplier(dst, NoneAuthority(), c, WithApplierCodecOptions(opts))

	mustAdd(t, src, unit("a", 3, 4))
	src.AddEvent(&traits.Weather{Kind: "snow"})
	u, _ := gen.GenerateUpdate()
	if diags := app.ApplyUpdate("x", u); len(diags) != 0 {
		t.Fatalf("apply: %s", diags)
	}
	e, ok := dst.Entity("a")
	if !ok {
		t.Fatalf("a missing")
	}
	pos, _ := world.Get[*traits.Position](e)
	if pos.X != 3 || pos.Y != 4 {
		t.Fatalf("pos = %+v", pos)
	}
}

func ptr[T any](v T) *T { return &v }
