package netsync

import (
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"

	"worldsync.ai/internal/protocol"
	"worldsync.ai/internal/sim/codec"
	"worldsync.ai/internal/sim/world"
)

const DefaultMaxSenders = 1024

type ApplierOption func(*Applier)

// WithMaxSenders bounds how many senders' removal baselines are remembered.
// An evicted sender starts over: its next update cannot remove anything.
func WithMaxSenders(n int) ApplierOption {
	return func(a *Applier) {
		if n > 0 {
			a.maxSenders = n
		}
	}
}

func WithApplierCodecOptions(o codec.Options) ApplierOption {
	return func(a *Applier) { a.opts = o }
}

// WithReclassify registers fn to run when an applied update changes the owner
// or kind of an existing entity, so generators on the same world can
// re-evaluate its authority.
func WithReclassify(fn func(id string)) ApplierOption {
	return func(a *Applier) { a.reclassify = fn }
}

type senderState struct {
	// Ids present in the sender's previous update, plus its pinned ids.
	seen   set
	pinned set
}

// Applier applies received updates onto a local world. Like Generator it runs
// on the world's goroutine; ApplyUpdate is one synchronous pass.
type Applier struct {
	w     *world.World
	auth  Authority
	codec codec.Codec
	opts  codec.Options

	maxSenders int
	senders    *lru.Cache[string, *senderState]
	reclassify func(id string)
}

func NewApplier(w *world.World, auth Authority, c codec.Codec, opts ...ApplierOption) *Applier {
	a := &Applier{w: w, auth: auth, codec: c, maxSenders: DefaultMaxSenders}
	for _, opt := range opts {
		opt(a)
	}
	// lru.New only fails for a non-positive size.
	a.senders, _ = lru.New[string, *senderState](a.maxSenders)
	return a
}

func (a *Applier) state(senderID string) *senderState {
	if st, ok := a.senders.Get(senderID); ok {
		return st
	}
	st := &senderState{seen: make(set), pinned: make(set)}
	a.senders.Add(senderID, st)
	return st
}

// ApplyUpdate applies u as sent by senderID. Items that fail to decode or
// insert are skipped and reported; the rest of the batch still applies.
func (a *Applier) ApplyUpdate(senderID string, u protocol.Update) Diagnostics {
	var diags Diagnostics
	st := a.state(senderID)
	present := make(set, len(u.Entities)+len(u.ShortEntities))

	for _, raw := range u.Entities {
		e, err := a.codec.DeserializeEntity(raw, a.opts)
		if err != nil {
			id := peekID(raw)
			if id != "" {
				// Still alive on the sender; a bad payload is not a removal.
				present[id] = struct{}{}
			}
			diags = append(diags, Diagnostic{Stage: StageDecodeEntity, ID: id, Err: err})
			continue
		}
		present[e.ID] = struct{}{}
		if !a.auth.EntityAuthority(e).Accepts() {
			AppliedItems.WithLabelValues("ignored").Inc()
			continue
		}
		if local, ok := a.w.Entity(e.ID); ok {
			moved := local.Owner != e.Owner || local.Kind != e.Kind
			local.Replace(e)
			AppliedItems.WithLabelValues("updated").Inc()
			if moved && a.reclassify != nil {
				a.reclassify(e.ID)
			}
			continue
		}
		if err := a.w.InsertRemote(e); err != nil {
			diags = append(diags, Diagnostic{Stage: StageInsertEntity, ID: e.ID, Err: err})
			continue
		}
		AppliedItems.WithLabelValues("inserted").Inc()
	}
	for _, id := range u.ShortEntities {
		present[id] = struct{}{}
	}
	// A pinned id goes silent after its pin is announced, so any other traffic
	// for it means the sender unpinned it, even if that unpin never arrived.
	repinned := make(set, len(u.Pins))
	for _, id := range u.Pins {
		repinned[id] = struct{}{}
	}
	for id := range present {
		if !repinned.has(id) {
			delete(st.pinned, id)
		}
	}
	for _, id := range u.Pins {
		st.pinned[id] = struct{}{}
	}
	for _, id := range u.Unpins {
		delete(st.pinned, id)
	}

	for _, id := range sortedKeys(st.seen) {
		if present.has(id) || st.pinned.has(id) {
			continue
		}
		a.removeFor(senderID, id)
	}
	next := present
	for id := range st.pinned {
		next[id] = struct{}{}
	}
	st.seen = next

	for _, raw := range u.WorldEvents {
		ev, err := a.codec.DeserializeEvent(raw, a.opts)
		if err != nil {
			diags = append(diags, Diagnostic{Stage: StageDecodeEvent, Err: err})
			continue
		}
		if a.auth.WorldEventAuthority(ev) != None {
			AppliedItems.WithLabelValues("ignored_event").Inc()
			continue
		}
		a.w.AddEvent(ev)
		AppliedItems.WithLabelValues("event").Inc()
	}

	countSkipped(diags)
	return diags
}

// removeFor removes id on behalf of senderID. Entities owned here, entities
// the sender may not remove, and ids that no longer exist are left alone.
func (a *Applier) removeFor(senderID, id string) bool {
	e, ok := a.w.Entity(id)
	if !ok {
		return false
	}
	if !a.auth.EntityAuthority(e).Accepts() {
		return false
	}
	if !a.auth.DeterminesRemoval(e, senderID) {
		return false
	}
	a.w.Remove(id)
	ImplicitRemovals.Inc()
	return true
}

// ForgetSender drops senderID's memory and removes every entity it was last
// transmitting, under the same rules as removal by omission.
func (a *Applier) ForgetSender(senderID string) []string {
	st, ok := a.senders.Peek(senderID)
	if !ok {
		return nil
	}
	a.senders.Remove(senderID)
	var removed []string
	for _, id := range sortedKeys(st.seen) {
		if a.removeFor(senderID, id) {
			removed = append(removed, id)
		}
	}
	return removed
}

// Senders lists senders with a remembered baseline, oldest first.
func (a *Applier) Senders() []string { return a.senders.Keys() }

func peekID(raw json.RawMessage) string {
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v.ID
}
