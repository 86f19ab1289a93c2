package world

import (
	"errors"
	"fmt"
	"iter"
	"sort"
)

var (
	ErrRejected  = errors.New("world: entity rejected by admission")
	ErrDuplicate = errors.New("world: duplicate entity id")
	ErrNoID      = errors.New("world: entity has no id")
)

// Event is a discrete world fact. Apply mutates the world; an event whose
// target no longer exists is a no-op.
type Event interface {
	EventType() string
	Apply(w *World)
}

type System func(w *World)

type Option func(w *World)

// WithAdmission installs the predicate that gates locally originated entities.
// Entities inserted through InsertRemote never consult it.
func WithAdmission(fn func(*Entity) bool) Option {
	return func(w *World) { w.admit = fn }
}

// World is a single-threaded entity container.
// All state must be accessed only from the goroutine that steps it; listeners
// are called synchronously and must not mutate the world re-entrantly.
type World struct {
	entities map[string]*Entity
	tick     uint64

	admit   func(*Entity) bool
	systems []System

	onAdd    listeners[*Entity]
	onRemove listeners[*Entity]
	onEvent  listeners[Event]
}

func New(opts ...Option) *World {
	w := &World{entities: make(map[string]*Entity)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *World) Tick() uint64 { return w.tick }

func (w *World) Len() int { return len(w.entities) }

func (w *World) Entity(id string) (*Entity, bool) {
	e, ok := w.entities[id]
	return e, ok
}

// Items iterates live entities in id order.
func (w *World) Items() iter.Seq[*Entity] {
	ids := w.IDs()
	return func(yield func(*Entity) bool) {
		for _, id := range ids {
			e, ok := w.entities[id]
			if !ok {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

func (w *World) IDs() []string {
	ids := make([]string, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Add inserts a locally originated entity, subject to the admission predicate.
func (w *World) Add(e *Entity) error {
	if e != nil && w.admit != nil && !w.admit(e) {
		return fmt.Errorf("%w: %s", ErrRejected, e.ID)
	}
	return w.insert(e)
}

// InsertRemote inserts an entity whose truth lives on another peer. It bypasses
// admission: remote-owned state must never be rejected by local policy.
func (w *World) InsertRemote(e *Entity) error {
	return w.insert(e)
}

func (w *World) insert(e *Entity) error {
	if e == nil || e.ID == "" {
		return ErrNoID
	}
	if _, ok := w.entities[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.ID)
	}
	w.entities[e.ID] = e
	w.onAdd.emit(e)
	return nil
}

func (w *World) Remove(id string) bool {
	e, ok := w.entities[id]
	if !ok {
		return false
	}
	delete(w.entities, id)
	w.onRemove.emit(e)
	return true
}

// AddEvent applies ev to the world and then publishes it.
func (w *World) AddEvent(ev Event) {
	if ev == nil {
		return
	}
	ev.Apply(w)
	w.onEvent.emit(ev)
}

func (w *World) AddSystem(s System) {
	if s != nil {
		w.systems = append(w.systems, s)
	}
}

// Step runs every system once, then advances the age of each live entity.
func (w *World) Step() {
	for _, s := range w.systems {
		s(w)
	}
	for _, e := range w.entities {
		e.Age++
	}
	w.tick++
}

func (w *World) OnAdd(fn func(*Entity)) (unsubscribe func())    { return w.onAdd.add(fn) }
func (w *World) OnRemove(fn func(*Entity)) (unsubscribe func()) { return w.onRemove.add(fn) }
func (w *World) OnEvent(fn func(Event)) (unsubscribe func())    { return w.onEvent.add(fn) }
