package traits

import (
	"worldsync.ai/internal/sim/codec"
	"worldsync.ai/internal/sim/world"
)

// Trait type names.
const (
	TypePosition = "position"
	TypeVelocity = "velocity"
	TypeHealth   = "health"
	TypeLabel    = "label"
)

// Event type names.
const (
	TypeDamage  = "damage"
	TypeWeather = "weather"
	TypeDespawn = "despawn"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (*Position) TraitType() string { return TypePosition }

type Velocity struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (*Velocity) TraitType() string { return TypeVelocity }

type Health struct {
	HP    int `json:"hp"`
	MaxHP int `json:"max_hp"`
}

func (*Health) TraitType() string { return TypeHealth }

type Label struct {
	Name string `json:"name"`
}

func (*Label) TraitType() string { return TypeLabel }

// Damage lowers the target's HP. A missing target or a target without health
// is a no-op.
type Damage struct {
	Target string `json:"target"`
	Amount int    `json:"amount"`
}

func (*Damage) EventType() string { return TypeDamage }

func (d *Damage) Apply(w *world.World) {
	e, ok := w.Entity(d.Target)
	if !ok {
		return
	}
	h, ok := world.Get[*Health](e)
	if !ok {
		return
	}
	h.HP -= d.Amount
	if h.HP < 0 {
		h.HP = 0
	}
}

// Weather is a world-wide fact with no entity target.
type Weather struct {
	Kind string `json:"kind"`
}

func (*Weather) EventType() string { return TypeWeather }

func (*Weather) Apply(*world.World) {}

// Despawn removes its target.
type Despawn struct {
	Target string `json:"target"`
}

func (*Despawn) EventType() string { return TypeDespawn }

func (d *Despawn) Apply(w *world.World) { w.Remove(d.Target) }

// Register adds the demo traits and events to r. Order is part of the compact
// wire encoding.
func Register(r *codec.Registry) error {
	for _, t := range []struct {
		name string
		f    codec.TraitFactory
	}{
		{TypePosition, func() world.Trait { return &Position{} }},
		{TypeVelocity, func() world.Trait { return &Velocity{} }},
		{TypeHealth, func() world.Trait { return &Health{} }},
		{TypeLabel, func() world.Trait { return &Label{} }},
	} {
		if err := r.RegisterTrait(t.name, t.f); err != nil {
			return err
		}
	}
	for _, ev := range []struct {
		name string
		f    codec.EventFactory
	}{
		{TypeDamage, func() world.Event { return &Damage{} }},
		{TypeWeather, func() world.Event { return &Weather{} }},
		{TypeDespawn, func() world.Event { return &Despawn{} }},
	} {
		if err := r.RegisterEvent(ev.name, ev.f); err != nil {
			return err
		}
	}
	return nil
}

// NewCodec returns a JSON codec with the demo types registered.
func NewCodec() *codec.JSON {
	r := codec.NewRegistry()
	if err := Register(r); err != nil {
		panic(err)
	}
	return codec.NewJSON(r)
}

// Movement integrates velocity into position once per step.
func Movement(w *world.World) {
	for e := range w.Items() {
		p, ok := world.Get[*Position](e)
		if !ok {
			continue
		}
		v, ok := world.Get[*Velocity](e)
		if !ok {
			continue
		}
		p.X += v.X
		p.Y += v.Y
	}
}
