package codec

import (
	"fmt"

	"worldsync.ai/internal/sim/world"
)

type TraitFactory func() world.Trait
type EventFactory func() world.Event

type entry[F any] struct {
	name    string
	code    uint16
	factory F
}

// Registry maps trait and event type names to factories. Codes are assigned in
// registration order starting at 1 and are used by the compact encoding, so
// peers must register types in the same order.
type Registry struct {
	traits       map[string]*entry[TraitFactory]
	traitsByCode map[uint16]*entry[TraitFactory]
	events       map[string]*entry[EventFactory]
	eventsByCode map[uint16]*entry[EventFactory]
}

func NewRegistry() *Registry {
	return &Registry{
		traits:       make(map[string]*entry[TraitFactory]),
		traitsByCode: make(map[uint16]*entry[TraitFactory]),
		events:       make(map[string]*entry[EventFactory]),
		eventsByCode: make(map[uint16]*entry[EventFactory]),
	}
}

func (r *Registry) RegisterTrait(name string, f TraitFactory) error {
	if name == "" || f == nil {
		return fmt.Errorf("register trait: empty name or factory")
	}
	if _, ok := r.traits[name]; ok {
		return fmt.Errorf("register trait %q: already registered", name)
	}
	e := &entry[TraitFactory]{name: name, code: uint16(len(r.traits) + 1), factory: f}
	r.traits[name] = e
	r.traitsByCode[e.code] = e
	return nil
}

func (r *Registry) RegisterEvent(name string, f EventFactory) error {
	if name == "" || f == nil {
		return fmt.Errorf("register event: empty name or factory")
	}
	if _, ok := r.events[name]; ok {
		return fmt.Errorf("register event %q: already registered", name)
	}
	e := &entry[EventFactory]{name: name, code: uint16(len(r.events) + 1), factory: f}
	r.events[name] = e
	r.eventsByCode[e.code] = e
	return nil
}

func (r *Registry) trait(name string, code uint16) (*entry[TraitFactory], bool) {
	if name != "" {
		e, ok := r.traits[name]
		return e, ok
	}
	e, ok := r.traitsByCode[code]
	return e, ok
}

func (r *Registry) event(name string, code uint16) (*entry[EventFactory], bool) {
	if name != "" {
		e, ok := r.events[name]
		return e, ok
	}
	e, ok := r.eventsByCode[code]
	return e, ok
}
