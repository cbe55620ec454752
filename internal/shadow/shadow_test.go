package shadow

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"forgemud/internal/registry"
)

func newEntity(t *testing.T, reg *registry.Registry) *registry.Entity {
	t.Helper()
	ctor := func() (*registry.Behavior, map[string]any, error) {
		return &registry.Behavior{Props: map[string]any{"name": "Alice"}}, nil, nil
	}
	if reg.Blueprint("/std/npc") == nil {
		b, st, _ := ctor()
		if err := reg.RegisterBlueprint("/std/npc", ctor, registry.NewBlueprint("/std/npc", b, st)); err != nil {
			t.Fatal(err)
		}
	}
	e, err := reg.Clone("/std/npc")
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestAdd_OverridesProperty(t *testing.T) {
	reg := registry.New(nil)
	sr := New(nil)
	e := newEntity(t, reg)

	attached := 0
	sh := &Shadow{
		Type:     "werewolf",
		Priority: 10,
		Active:   true,
		Props:    map[string]any{"name": "Alice the Werewolf"},
		OnAttach: func(target *registry.Entity) {
			attached++
			if target != e {
				t.Error("on_attach got wrong target")
			}
		},
	}
	if err := sr.Add(e, sh); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if attached != 1 {
		t.Errorf("on_attach called %d times", attached)
	}

	if v, _ := sr.Prop(e, "name"); v != "Alice the Werewolf" {
		t.Errorf("shadow override not applied: %v", v)
	}

	if err := sr.Remove(e, "werewolf"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if v, _ := sr.Prop(e, "name"); v != "Alice" {
		t.Errorf("pre-shadow value not restored: %v", v)
	}
	if sh.Target() != nil {
		t.Error("back-reference not cleared")
	}
}

func TestAdd_DuplicateTypeRejected(t *testing.T) {
	reg := registry.New(nil)
	sr := New(nil)
	e := newEntity(t, reg)

	if err := sr.Add(e, &Shadow{Type: "curse", Active: true}); err != nil {
		t.Fatal(err)
	}
	err := sr.Add(e, &Shadow{Type: "curse", Active: true})
	if !errors.Is(err, ErrDuplicateType) {
		t.Errorf("Expected ErrDuplicateType, got %v", err)
	}
}

func TestPriority_HighestWinsTiesByInsertion(t *testing.T) {
	reg := registry.New(nil)
	sr := New(nil)
	e := newEntity(t, reg)

	_ = sr.Add(e, &Shadow{Type: "low", Priority: 1, Active: true, Props: map[string]any{"name": "low"}})
	_ = sr.Add(e, &Shadow{Type: "high", Priority: 9, Active: true, Props: map[string]any{"name": "high"}})
	_ = sr.Add(e, &Shadow{Type: "high2", Priority: 9, Active: true, Props: map[string]any{"name": "high2"}})

	if v, _ := sr.Prop(e, "name"); v != "high" {
		t.Errorf("highest priority (first inserted) should win: %v", v)
	}

	var order []string
	for _, s := range sr.Get(e) {
		order = append(order, s.Type)
	}
	if diff := cmp.Diff([]string{"high", "high2", "low"}, order); diff != "" {
		t.Errorf("priority order mismatch (-want +got):\n%s", diff)
	}
}

func TestInactiveShadowSkipped(t *testing.T) {
	reg := registry.New(nil)
	sr := New(nil)
	e := newEntity(t, reg)

	_ = sr.Add(e, &Shadow{Type: "dormant", Priority: 99, Active: false, Props: map[string]any{"name": "hidden"}})
	if v, _ := sr.Prop(e, "name"); v != "Alice" {
		t.Errorf("inactive shadow must not supply values: %v", v)
	}
}

func TestMethodDispatch_SelfIsShadow(t *testing.T) {
	reg := registry.New(nil)
	sr := New(nil)
	e := newEntity(t, reg)

	sh := &Shadow{
		Type:     "growl",
		Active:   true,
		Priority: 1,
		Methods: map[string]Method{
			"describe": func(self *Shadow, args ...any) any {
				// self is the shadow; the entity is reached via back-ref.
				base, _ := self.Target().Prop("name")
				return base.(string) + " (growling)"
			},
		},
	}
	_ = sr.Add(e, sh)

	v, ok := sr.Call(e, "describe")
	if !ok || v != "Alice (growling)" {
		t.Errorf("method dispatch wrong: %v %v", v, ok)
	}

	if _, ok := sr.Call(e, "missing"); ok {
		t.Error("unknown method should report no shadow")
	}
}

func TestRemove_NotAttached(t *testing.T) {
	reg := registry.New(nil)
	sr := New(nil)
	e := newEntity(t, reg)

	if err := sr.Remove(e, "nothing"); !errors.Is(err, ErrNotAttached) {
		t.Errorf("Expected ErrNotAttached, got %v", err)
	}
}

func TestDetachAll_BestEffort(t *testing.T) {
	reg := registry.New(nil)
	sr := New(nil)
	e := newEntity(t, reg)

	detached := []string{}
	_ = sr.Add(e, &Shadow{Type: "a", Active: true, Priority: 2,
		OnDetach: func(*registry.Entity) { detached = append(detached, "a"); panic("detach boom") }})
	_ = sr.Add(e, &Shadow{Type: "b", Active: true, Priority: 1,
		OnDetach: func(*registry.Entity) { detached = append(detached, "b") }})

	sr.DetachAll(e)

	if diff := cmp.Diff([]string{"a", "b"}, detached); diff != "" {
		t.Errorf("detach sequence (-want +got):\n%s", diff)
	}
	if len(sr.Get(e)) != 0 {
		t.Error("shadow list not dropped")
	}
}
