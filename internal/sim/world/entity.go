package world

import "sort"

// Trait is a unit of state attached to an entity. Implementations are pointers
// to mutable structs so systems can update them in place.
type Trait interface {
	TraitType() string
}

// Entity is a uniquely identified simulation object composed of traits.
//
// Age is the entity's logical clock. The world advances it once per Step and it
// is the only time base used for update throttling.
type Entity struct {
	ID    string
	Kind  string
	Owner string
	Age   uint64

	traits map[string]Trait
}

func NewEntity(id, kind string, traits ...Trait) *Entity {
	e := &Entity{ID: id, Kind: kind, traits: make(map[string]Trait, len(traits))}
	for _, t := range traits {
		e.SetTrait(t)
	}
	return e
}

func (e *Entity) Trait(name string) (Trait, bool) {
	if e == nil || e.traits == nil {
		return nil, false
	}
	t, ok := e.traits[name]
	return t, ok
}

func (e *Entity) SetTrait(t Trait) {
	if t == nil {
		return
	}
	if e.traits == nil {
		e.traits = make(map[string]Trait)
	}
	e.traits[t.TraitType()] = t
}

func (e *Entity) RemoveTrait(name string) {
	delete(e.traits, name)
}

// Traits returns the entity's traits sorted by type name.
func (e *Entity) Traits() []Trait {
	if e == nil || len(e.traits) == 0 {
		return nil
	}
	names := make([]string, 0, len(e.traits))
	for name := range e.traits {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Trait, 0, len(names))
	for _, name := range names {
		out = append(out, e.traits[name])
	}
	return out
}

// Replace overwrites e's content with other's while keeping e's identity, so
// holders of the *Entity keep observing the same object.
func (e *Entity) Replace(other *Entity) {
	if e == nil || other == nil || e == other {
		return
	}
	e.Kind = other.Kind
	e.Owner = other.Owner
	e.Age = other.Age
	e.traits = make(map[string]Trait, len(other.traits))
	for name, t := range other.traits {
		e.traits[name] = t
	}
}

// Get returns the trait of type T, if present.
func Get[T Trait](e *Entity) (T, bool) {
	var zero T
	if e == nil {
		return zero, false
	}
	for _, t := range e.traits {
		if v, ok := t.(T); ok {
			return v, true
		}
	}
	return zero, false
}
