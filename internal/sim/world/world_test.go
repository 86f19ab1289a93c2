package world

import (
	"errors"
	"testing"
)

type tag struct{ V int }

func (*tag) TraitType() string { return "tag" }

type bump struct{ Target string }

func (bump) EventType() string { return "bump" }

func (b bump) Apply(w *World) {
	e, ok := w.Entity(b.Target)
	if !ok {
		return
	}
	if t, ok := Get[*tag](e); ok {
		t.V++
	}
}

func TestAdmissionGatesOnlyLocalAdds(t *testing.T) {
	w := New(WithAdmission(func(e *Entity) bool { return e.Kind != "remote" }))
	if err := w.Add(NewEntity("r1", "remote")); !errors.Is(err, ErrRejected) {
		t.Fatalf("add err = %v", err)
	}
	if err := w.InsertRemote(NewEntity("r1", "remote")); err != nil {
		t.Fatalf("insert remote: %v", err)
	}
	if err := w.InsertRemote(NewEntity("r1", "remote")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate err = %v", err)
	}
	if err := w.Add(&Entity{}); !errors.Is(err, ErrNoID) {
		t.Fatalf("no id err = %v", err)
	}
}

func TestListenersAndUnsubscribe(t *testing.T) {
	w := New()
	var added, removed, events int
	unAdd := w.OnAdd(func(*Entity) { added++ })
	w.OnRemove(func(*Entity) { removed++ })
	w.OnEvent(func(Event) { events++ })

	_ = w.Add(NewEntity("a", "k", &tag{}))
	unAdd()
	_ = w.Add(NewEntity("b", "k"))
	w.Remove("a")
	w.Remove("a")
	w.AddEvent(bump{Target: "b"})

	if added != 1 || removed != 1 || events != 1 {
		t.Fatalf("added=%d removed=%d events=%d", added, removed, events)
	}
}

func TestEventAppliesBeforePublish(t *testing.T) {
	w := New()
	e := NewEntity("a", "k", &tag{})
	_ = w.Add(e)
	var seen int
	w.OnEvent(func(Event) {
		v, _ := Get[*tag](e)
		seen = v.V
	})
	w.AddEvent(bump{Target: "a"})
	w.AddEvent(bump{Target: "gone"})
	if seen != 1 {
		t.Fatalf("listener saw %d", seen)
	}
}

func TestStepAdvancesAgeAfterSystems(t *testing.T) {
	w := New()
	_ = w.Add(NewEntity("a", "k", &tag{}))
	var ageInSystem uint64
	w.AddSystem(func(w *World) {
		e, _ := w.Entity("a")
		ageInSystem = e.Age
	})
	w.Step()
	w.Step()
	e, _ := w.Entity("a")
	if e.Age != 2 || ageInSystem != 1 || w.Tick() != 2 {
		t.Fatalf("age=%d inSystem=%d tick=%d", e.Age, ageInSystem, w.Tick())
	}
}

func TestItemsInIDOrder(t *testing.T) {
	w := New()
	for _, id := range []string{"c", "a", "b"} {
		_ = w.Add(NewEntity(id, "k"))
	}
	var got []string
	for e := range w.Items() {
		got = append(got, e.ID)
	}
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("order = %v", got)
	}
}

func TestReplaceKeepsIdentity(t *testing.T) {
	a := NewEntity("a", "k", &tag{V: 1})
	b := NewEntity("a", "j", &tag{V: 5})
	b.Age = 4
	a.Replace(b)
	v, _ := Get[*tag](a)
	if a.Kind != "j" || a.Age != 4 || v.V != 5 {
		t.Fatalf("replace: %+v %+v", a, v)
	}
	a.RemoveTrait("tag")
	if _, ok := a.Trait("tag"); ok {
		t.Fatalf("trait not removed")
	}
}
