package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"worldsync.ai/internal/sim/world"
)

var (
	ErrUnknownTrait = errors.New("codec: unknown trait type")
	ErrUnknownEvent = errors.New("codec: unknown event type")
	ErrMissingID    = errors.New("codec: serialized entity has no id")
)

// Options tune a single Serialize/Deserialize call.
type Options struct {
	// Compact writes registry codes instead of type names.
	Compact bool
}

// Codec turns live entities and events into opaque transmittable values and
// back. Serialized entities must embed the entity id.
type Codec interface {
	SerializeEntity(e *world.Entity, opts Options) (json.RawMessage, error)
	DeserializeEntity(raw json.RawMessage, opts Options) (*world.Entity, error)
	SerializeEvent(ev world.Event, opts Options) (json.RawMessage, error)
	DeserializeEvent(raw json.RawMessage, opts Options) (world.Event, error)
}

type typed struct {
	Type string          `json:"type,omitempty"`
	Code uint16          `json:"code,omitempty"`
	Data json.RawMessage `json:"data"`
}

type entityV1 struct {
	ID     string  `json:"id"`
	Kind   string  `json:"kind,omitempty"`
	Owner  string  `json:"owner,omitempty"`
	Age    uint64  `json:"age"`
	Traits []typed `json:"traits,omitempty"`
}

// JSON is the default codec: one JSON object per entity or event.
type JSON struct {
	reg *Registry
}

var _ Codec = (*JSON)(nil)

func NewJSON(reg *Registry) *JSON {
	return &JSON{reg: reg}
}

func (c *JSON) Registry() *Registry { return c.reg }

func (c *JSON) SerializeEntity(e *world.Entity, opts Options) (json.RawMessage, error) {
	if e == nil || e.ID == "" {
		return nil, ErrMissingID
	}
	out := entityV1{ID: e.ID, Kind: e.Kind, Owner: e.Owner, Age: e.Age}
	for _, t := range e.Traits() {
		name := t.TraitType()
		ent, ok := c.reg.trait(name, 0)
		if !ok {
			return nil, fmt.Errorf("entity %s: %w %q", e.ID, ErrUnknownTrait, name)
		}
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("entity %s: trait %s: %w", e.ID, name, err)
		}
		out.Traits = append(out.Traits, c.header(ent.name, ent.code, data, opts))
	}
	return json.Marshal(out)
}

func (c *JSON) DeserializeEntity(raw json.RawMessage, opts Options) (*world.Entity, error) {
	var in entityV1
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	if in.ID == "" {
		return nil, ErrMissingID
	}
	e := world.NewEntity(in.ID, in.Kind)
	e.Owner = in.Owner
	e.Age = in.Age
	for _, tr := range in.Traits {
		ent, ok := c.reg.trait(tr.Type, tr.Code)
		if !ok {
			return nil, fmt.Errorf("entity %s: %w %q/%d", in.ID, ErrUnknownTrait, tr.Type, tr.Code)
		}
		t := ent.factory()
		if len(tr.Data) > 0 {
			if err := json.Unmarshal(tr.Data, t); err != nil {
				return nil, fmt.Errorf("entity %s: trait %s: %w", in.ID, ent.name, err)
			}
		}
		e.SetTrait(t)
	}
	return e, nil
}

func (c *JSON) SerializeEvent(ev world.Event, opts Options) (json.RawMessage, error) {
	if ev == nil {
		return nil, fmt.Errorf("serialize event: nil")
	}
	name := ev.EventType()
	ent, ok := c.reg.event(name, 0)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, name)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", name, err)
	}
	return json.Marshal(c.header(ent.name, ent.code, data, opts))
}

func (c *JSON) DeserializeEvent(raw json.RawMessage, opts Options) (world.Event, error) {
	var in typed
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	ent, ok := c.reg.event(in.Type, in.Code)
	if !ok {
		return nil, fmt.Errorf("%w %q/%d", ErrUnknownEvent, in.Type, in.Code)
	}
	ev := ent.factory()
	if len(in.Data) > 0 {
		if err := json.Unmarshal(in.Data, ev); err != nil {
			return nil, fmt.Errorf("event %s: %w", ent.name, err)
		}
	}
	return ev, nil
}

func (c *JSON) header(name string, code uint16, data []byte, opts Options) typed {
	if opts.Compact {
		return typed{Code: code, Data: data}
	}
	return typed{Type: name, Data: data}
}
