package netsync

import (
	"encoding/json"
	"sort"

	"worldsync.ai/internal/protocol"
	"worldsync.ai/internal/sim/codec"
	"worldsync.ai/internal/sim/world"
)

type GeneratorOption func(*Generator)

// WithGeneratorCodecOptions sets the options passed to every Serialize call.
func WithGeneratorCodecOptions(o codec.Options) GeneratorOption {
	return func(g *Generator) { g.opts = o }
}

type set map[string]struct{}

func (s set) has(id string) bool {
	_, ok := s[id]
	return ok
}

// Generator observes one world under one Authority and produces the update
// records that peer must transmit. It is not safe for concurrent use and must
// run on the goroutine that mutates the world.
//
// GenerateUpdate is not replayable: events and pin/unpin deltas are drained by
// the call that returns them.
type Generator struct {
	w     *world.World
	auth  Authority
	codec codec.Codec
	opts  codec.Options

	watch    set
	lastSent map[string]uint64
	// Snapshots taken when an entity started being watched, kept until a real
	// send supersedes them or the entity vanishes before one happens.
	initial map[string]json.RawMessage

	pinned      set
	unsentPin   set
	unsentUnpin set
	// Ids removed from the world while the receiver still holds them pinned.
	released set
	// Unpins drained by the last GenerateUpdate, resent after a reset.
	lastUnpins set

	events  []json.RawMessage
	pending Diagnostics

	unsubs []func()
}

// NewGenerator attaches to w. Entities already in w are treated as additions.
func NewGenerator(w *world.World, auth Authority, c codec.Codec, opts ...GeneratorOption) *Generator {
	g := &Generator{
		w:           w,
		auth:        auth,
		codec:       c,
		watch:       make(set),
		lastSent:    make(map[string]uint64),
		initial:     make(map[string]json.RawMessage),
		pinned:      make(set),
		unsentPin:   make(set),
		unsentUnpin: make(set),
		released:    make(set),
		lastUnpins:  make(set),
	}
	for _, opt := range opts {
		opt(g)
	}
	for e := range w.Items() {
		g.onAdd(e)
	}
	g.unsubs = append(g.unsubs,
		w.OnAdd(g.onAdd),
		w.OnRemove(g.onRemove),
		w.OnEvent(g.onEvent),
	)
	return g
}

// Close detaches the generator from its world.
func (g *Generator) Close() {
	for _, u := range g.unsubs {
		u()
	}
	g.unsubs = nil
}

func (g *Generator) onAdd(e *world.Entity) {
	if !g.auth.EntityAuthority(e).Transmits() {
		return
	}
	g.startWatching(e)
}

func (g *Generator) startWatching(e *world.Entity) {
	id := e.ID
	g.watch[id] = struct{}{}
	delete(g.lastSent, id)
	raw, err := g.codec.SerializeEntity(e, g.opts)
	if err != nil {
		delete(g.initial, id)
		g.pending = append(g.pending, Diagnostic{Stage: StageSerializeEntity, ID: id, Err: err})
		return
	}
	g.initial[id] = raw
}

func (g *Generator) onRemove(e *world.Entity) {
	g.stopWatching(e.ID)
}

// stopWatching evicts id from every generator-side set. The cached initial
// snapshot survives so GenerateUpdate can still report a transient entity.
func (g *Generator) stopWatching(id string) {
	if !g.watch.has(id) {
		return
	}
	if g.pinned.has(id) && !g.unsentPin.has(id) {
		g.released[id] = struct{}{}
	}
	if g.unsentUnpin.has(id) {
		g.released[id] = struct{}{}
	}
	delete(g.watch, id)
	delete(g.pinned, id)
	delete(g.unsentPin, id)
	delete(g.unsentUnpin, id)
	delete(g.lastSent, id)
}

func (g *Generator) onEvent(ev world.Event) {
	if !g.auth.WorldEventAuthority(ev).Transmits() {
		return
	}
	raw, err := g.codec.SerializeEvent(ev, g.opts)
	if err != nil {
		g.pending = append(g.pending, Diagnostic{Stage: StageSerializeEvent, Err: err})
		return
	}
	g.events = append(g.events, raw)
}

// Reclassify re-evaluates the authority of an existing entity, for hosts whose
// ownership can change after insertion.
func (g *Generator) Reclassify(id string) {
	e, ok := g.w.Entity(id)
	if !ok {
		g.stopWatching(id)
		return
	}
	transmits := g.auth.EntityAuthority(e).Transmits()
	switch {
	case transmits && !g.watch.has(id):
		g.startWatching(e)
	case !transmits && g.watch.has(id):
		g.stopWatching(id)
		delete(g.initial, id)
	}
}

// Pin sends id's state once more on the next update and then suppresses it
// until Unpin. Only watched ids can be pinned.
func (g *Generator) Pin(id string) bool {
	if !g.watch.has(id) {
		return false
	}
	if g.pinned.has(id) {
		return true
	}
	g.pinned[id] = struct{}{}
	g.unsentPin[id] = struct{}{}
	delete(g.unsentUnpin, id)
	delete(g.released, id)
	return true
}

// Unpin resumes normal transmission of id.
func (g *Generator) Unpin(id string) bool {
	if !g.pinned.has(id) {
		return false
	}
	delete(g.pinned, id)
	if g.unsentPin.has(id) {
		// The receiver never learned about the pin.
		delete(g.unsentPin, id)
		return true
	}
	g.unsentUnpin[id] = struct{}{}
	return true
}

// ResetUpdateSkipping forces a full resend of every watched entity and
// re-announces every pin on the next update. Unpins carried by the previous
// update are queued again.
func (g *Generator) ResetUpdateSkipping() {
	g.lastSent = make(map[string]uint64)
	for id := range g.pinned {
		g.unsentPin[id] = struct{}{}
	}
	for id := range g.lastUnpins {
		if !g.pinned.has(id) {
			g.released[id] = struct{}{}
		}
	}
}

func (g *Generator) Watching(id string) bool { return g.watch.has(id) }
func (g *Generator) Pinned(id string) bool   { return g.pinned.has(id) }
func (g *Generator) WatchCount() int         { return len(g.watch) }

// GenerateUpdate makes one pass over the watch-set and drains the event queue
// and pin/unpin deltas. Items that fail to serialize are skipped and reported.
func (g *Generator) GenerateUpdate() (protocol.Update, Diagnostics) {
	var u protocol.Update
	diags := g.pending
	g.pending = nil

	for _, id := range sortedKeys(g.watch) {
		e, ok := g.w.Entity(id)
		if !ok {
			g.stopWatching(id)
			continue
		}
		if g.pinned.has(id) {
			if !g.unsentPin.has(id) {
				continue
			}
			if d, ok := g.sendFull(&u, e); !ok {
				diags = append(diags, d)
				continue
			}
			u.Pins = append(u.Pins, id)
			delete(g.unsentPin, id)
			continue
		}
		if last, sent := g.lastSent[id]; sent && e.Age >= last && e.Age-last < g.auth.MaxUpdateInterval(e) {
			u.ShortEntities = append(u.ShortEntities, id)
			continue
		}
		if d, ok := g.sendFull(&u, e); !ok {
			diags = append(diags, d)
		}
	}

	for _, id := range sortedKeys(g.initial) {
		if g.watch.has(id) {
			continue
		}
		u.Entities = append(u.Entities, g.initial[id])
		delete(g.initial, id)
		delete(g.lastSent, id)
	}

	unpins := make(set, len(g.unsentUnpin)+len(g.released))
	for id := range g.unsentUnpin {
		unpins[id] = struct{}{}
	}
	for id := range g.released {
		unpins[id] = struct{}{}
	}
	if len(unpins) > 0 {
		u.Unpins = sortedKeys(unpins)
	}
	g.lastUnpins = unpins
	g.unsentUnpin = make(set)
	g.released = make(set)

	if len(g.events) > 0 {
		u.WorldEvents = g.events
		g.events = nil
	}

	GeneratedItems.WithLabelValues("entities").Add(float64(len(u.Entities)))
	GeneratedItems.WithLabelValues("shortEntities").Add(float64(len(u.ShortEntities)))
	GeneratedItems.WithLabelValues("worldEvents").Add(float64(len(u.WorldEvents)))
	GeneratedItems.WithLabelValues("pins").Add(float64(len(u.Pins)))
	GeneratedItems.WithLabelValues("unpins").Add(float64(len(u.Unpins)))
	countSkipped(diags)
	return u, diags
}

func (g *Generator) sendFull(u *protocol.Update, e *world.Entity) (Diagnostic, bool) {
	raw, err := g.codec.SerializeEntity(e, g.opts)
	if err != nil {
		return Diagnostic{Stage: StageSerializeEntity, ID: e.ID, Err: err}, false
	}
	u.Entities = append(u.Entities, raw)
	g.lastSent[e.ID] = e.Age
	delete(g.initial, e.ID)
	return Diagnostic{}, true
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
