package registry

import (
	"sort"
)

// ID is a process-unique entity identifier. Blueprints are identified by
// their content path; clones by "path#<n>".
type ID string

// Kind distinguishes blueprints from clones.
type Kind int

const (
	KindBlueprint Kind = iota
	KindClone
)

// Capability is a flag the dispatcher and containers test for instead of
// inheritance. Content units declare the set they satisfy.
type Capability string

const (
	CapLiving     Capability = "living"
	CapContainer  Capability = "container"
	CapRoom       Capability = "room"
	CapWanderer   Capability = "wanderer"
	CapPersistent Capability = "persistent"
)

// VerbCall is the bound context a verb handler executes with.
type VerbCall struct {
	Caller *Entity
	Verb   string
	Args   []string
	Send   func(string)
}

// VerbHandler handles one verb on an entity. Returning false falls through
// to the next resolution level.
type VerbHandler func(call *VerbCall) bool

// Behavior is the shared, replaceable half of an entity: everything a clone
// inherits from its blueprint. Hot reload swaps the Behavior pointer on each
// live clone; instance state is never touched.
type Behavior struct {
	Capabilities map[Capability]bool
	Props        map[string]any
	Handlers     map[string]VerbHandler
	OnHeartbeat  func(self *Entity)
	OnDestroy    func(self *Entity)
	OnHotReload  func(self *Entity)
}

// Constructor builds a fresh behavior plus initial instance state. The
// registry invokes it for every clone; the hot-reload supervisor invokes it
// once per blueprint version.
type Constructor func() (*Behavior, map[string]any, error)

// Entity is the canonical in-world object.
type Entity struct {
	id        ID
	path      string
	kind      Kind
	env       ID
	inventory []ID
	destroyed bool

	// State is the instance-owned, serializable property map.
	State map[string]any

	behavior *Behavior
	reg      *Registry
}

// NewBlueprint builds the singleton entity for a content path. It is not
// live until registered.
func NewBlueprint(path string, b *Behavior, state map[string]any) *Entity {
	if state == nil {
		state = make(map[string]any)
	}
	return &Entity{
		id:       ID(path),
		path:     path,
		kind:     KindBlueprint,
		State:    state,
		behavior: b,
	}
}

// ObjectID returns the process-unique id.
func (e *Entity) ObjectID() ID { return e.id }

// BlueprintPath returns the logical content-tree path.
func (e *Entity) BlueprintPath() string { return e.path }

// Kind reports whether this is a blueprint or a clone.
func (e *Entity) Kind() Kind { return e.kind }

// IsDestroyed reports whether Destroy has run for this entity.
func (e *Entity) IsDestroyed() bool { return e.destroyed }

// Environment resolves the containing entity, or nil.
func (e *Entity) Environment() *Entity {
	if e.env == "" || e.reg == nil {
		return nil
	}
	return e.reg.Find(string(e.env))
}

// Inventory resolves the contained entities in insertion order. Dangling
// ids (already destroyed) are skipped.
func (e *Entity) Inventory() []*Entity {
	if e.reg == nil {
		return nil
	}
	out := make([]*Entity, 0, len(e.inventory))
	for _, id := range e.inventory {
		if child := e.reg.Find(string(id)); child != nil {
			out = append(out, child)
		}
	}
	return out
}

// HasCapability tests a capability flag.
func (e *Entity) HasCapability(c Capability) bool {
	return e.behavior != nil && e.behavior.Capabilities[c]
}

// Capabilities returns the sorted capability set.
func (e *Entity) Capabilities() []Capability {
	if e.behavior == nil {
		return nil
	}
	out := make([]Capability, 0, len(e.behavior.Capabilities))
	for c, on := range e.behavior.Capabilities {
		if on {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Prop reads a property: instance state first, then the behavior defaults.
// Shadow-aware reads go through the shadow registry, which consults this as
// the bottom layer.
func (e *Entity) Prop(key string) (any, bool) {
	if v, ok := e.State[key]; ok {
		return v, true
	}
	if e.behavior != nil {
		if v, ok := e.behavior.Props[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// SetProp writes a property into instance state. Writes never touch the
// behavior, so they survive hot reload.
func (e *Entity) SetProp(key string, value any) {
	if e.State == nil {
		e.State = make(map[string]any)
	}
	e.State[key] = value
}

// Handler returns the verb handler installed for verb, if any.
func (e *Entity) Handler(verb string) (VerbHandler, bool) {
	if e.behavior == nil {
		return nil, false
	}
	h, ok := e.behavior.Handlers[verb]
	return h, ok
}

// Behavior returns the current behavior. Exposed for the hot-reload
// supervisor and tests.
func (e *Entity) Behavior() *Behavior { return e.behavior }

// Retarget redirects this entity at a new behavior. State is preserved
// byte-for-byte; no field is reinitialized.
func (e *Entity) Retarget(b *Behavior) { e.behavior = b }
