// Package registry owns the identity and lifetime of every in-world entity.
// Blueprints are singletons per content path; clones derive from them with
// independent state. Environment and inventory are stored as ids so dangling
// references resolve to "not found" instead of crashing.
package registry

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrDuplicateBlueprint = errors.New("duplicate blueprint")
	ErrUnknownBlueprint   = errors.New("unknown blueprint")
	ErrNotFound           = errors.New("entity not found")
	ErrBlueprintMove      = errors.New("blueprints cannot be placed into an environment")
	ErrDestroyed          = errors.New("entity is destroyed")
)

type blueprintRecord struct {
	path string
	ctor Constructor
	bp   *Entity
}

// Registry is the process-wide entity table. All mutations are routed
// through the scheduler cursor; the internal mutex guards the rare reads
// that happen on I/O workers.
type Registry struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	blueprints map[string]*blueprintRecord
	clones     map[ID]*Entity
	byPath     map[string][]ID // clone ids per path, insertion order
	cloneSeq   uint64

	// destroyHooks run after containment is unwound but before the entity
	// becomes unfindable. The driver registers shadow-detach and
	// task-cancel observers here.
	destroyHooks []func(*Entity)
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:     logger.Named("registry"),
		blueprints: make(map[string]*blueprintRecord),
		clones:     make(map[ID]*Entity),
		byPath:     make(map[string][]ID),
	}
}

// OnDestroy registers an observer invoked during Destroy for every entity.
func (r *Registry) OnDestroy(hook func(*Entity)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyHooks = append(r.destroyHooks, hook)
}

// RegisterBlueprint installs a blueprint entity and its constructor.
// Fails if the path already has a live blueprint.
func (r *Registry) RegisterBlueprint(path string, ctor Constructor, bp *Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.blueprints[path]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBlueprint, path)
	}
	bp.reg = r
	r.blueprints[path] = &blueprintRecord{path: path, ctor: ctor, bp: bp}
	r.logger.Debug("blueprint registered", zap.String("path", path))
	return nil
}

// SwapBlueprint atomically replaces the blueprint for path and retargets
// every live clone at the new behavior. Returns the retargeted clones so
// the caller can run post-update hooks. The old blueprint entity is
// unregistered, not mutated.
func (r *Registry) SwapBlueprint(path string, ctor Constructor, bp *Entity) ([]*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.blueprints[path]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlueprint, path)
	}
	bp.reg = r
	r.blueprints[path] = &blueprintRecord{path: path, ctor: ctor, bp: bp}
	old.bp.destroyed = true

	retargeted := make([]*Entity, 0, len(r.byPath[path]))
	for _, id := range r.byPath[path] {
		if c, ok := r.clones[id]; ok && !c.destroyed {
			c.Retarget(bp.behavior)
			retargeted = append(retargeted, c)
		}
	}
	r.logger.Info("blueprint swapped",
		zap.String("path", path), zap.Int("clones_retargeted", len(retargeted)))
	return retargeted, nil
}

// Clone constructs a new instance of the blueprint at path. Construction
// runs to completion before the entity is registered, so heartbeats never
// observe a half-constructed entity.
func (r *Registry) Clone(path string) (*Entity, error) {
	r.mu.Lock()
	rec, exists := r.blueprints[path]
	if !exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlueprint, path)
	}
	r.cloneSeq++
	seq := r.cloneSeq
	r.mu.Unlock()

	behavior, state, err := rec.ctor()
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", path, err)
	}
	if state == nil {
		state = make(map[string]any)
	}

	e := &Entity{
		id:       ID(fmt.Sprintf("%s#%d", path, seq)),
		path:     path,
		kind:     KindClone,
		State:    state,
		behavior: behavior,
		reg:      r,
	}

	r.mu.Lock()
	r.clones[e.id] = e
	r.byPath[path] = append(r.byPath[path], e.id)
	r.mu.Unlock()

	return e, nil
}

// Find resolves a blueprint by path or a clone by full id. Destroyed
// entities are never returned.
func (r *Registry) Find(pathOrID string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if strings.Contains(pathOrID, "#") {
		if c, ok := r.clones[ID(pathOrID)]; ok && !c.destroyed {
			return c
		}
		return nil
	}
	if rec, ok := r.blueprints[pathOrID]; ok && !rec.bp.destroyed {
		return rec.bp
	}
	return nil
}

// Blueprint returns the live blueprint entity for path, or nil.
func (r *Registry) Blueprint(path string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.blueprints[path]; ok && !rec.bp.destroyed {
		return rec.bp
	}
	return nil
}

// HasBlueprint reports whether path has a live blueprint.
func (r *Registry) HasBlueprint(path string) bool {
	return r.Blueprint(path) != nil
}

// Move places child into dest, atomically removing it from its previous
// container. dest may be nil to detach. Blueprints are never placed into
// an environment.
func (r *Registry) Move(child, dest *Entity) error {
	if child.destroyed {
		return ErrDestroyed
	}
	if child.kind == KindBlueprint {
		return ErrBlueprintMove
	}
	if dest != nil && dest.destroyed {
		return ErrDestroyed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if child.env != "" {
		if prev, ok := r.clones[child.env]; ok {
			prev.inventory = removeID(prev.inventory, child.id)
		} else if rec, ok := r.blueprints[string(child.env)]; ok {
			rec.bp.inventory = removeID(rec.bp.inventory, child.id)
		}
	}
	if dest == nil {
		child.env = ""
		return nil
	}
	child.env = dest.id
	dest.inventory = append(dest.inventory, child.id)
	return nil
}

// Destroy removes an entity from the world. Containment is unwound first,
// then destroy observers run (shadow detach, task cancel), then the entity
// becomes unfindable. Children are re-parented to the destroyed entity's
// environment when it has one, otherwise destroyed recursively.
func (r *Registry) Destroy(e *Entity) {
	if e == nil || e.destroyed {
		return
	}

	env := e.Environment()
	for _, child := range e.Inventory() {
		if env != nil {
			if err := r.Move(child, env); err != nil {
				r.Destroy(child)
			}
		} else {
			r.Destroy(child)
		}
	}
	if err := r.Move(e, nil); err != nil && !errors.Is(err, ErrBlueprintMove) {
		r.logger.Warn("detach during destroy failed",
			zap.String("id", string(e.id)), zap.Error(err))
	}

	r.mu.RLock()
	hooks := make([]func(*Entity), len(r.destroyHooks))
	copy(hooks, r.destroyHooks)
	r.mu.RUnlock()
	for _, hook := range hooks {
		hook(e)
	}

	r.mu.Lock()
	e.destroyed = true
	switch e.kind {
	case KindClone:
		delete(r.clones, e.id)
		r.byPath[e.path] = removeID(r.byPath[e.path], e.id)
	case KindBlueprint:
		if rec, ok := r.blueprints[e.path]; ok && rec.bp == e {
			delete(r.blueprints, e.path)
		}
	}
	r.mu.Unlock()

	r.logger.Debug("entity destroyed", zap.String("id", string(e.id)))
}

// DestroyBlueprint tears down a content path completely: every clone in
// registration order, then the blueprint itself.
func (r *Registry) DestroyBlueprint(path string) {
	for _, c := range r.CloneEntities(path) {
		r.Destroy(c)
	}
	if bp := r.Blueprint(path); bp != nil {
		r.Destroy(bp)
	}
}

// IterClones yields the still-live clones of path in insertion order.
// The sequence is restartable; each range re-snapshots the id list.
func (r *Registry) IterClones(path string) iter.Seq[*Entity] {
	return func(yield func(*Entity) bool) {
		r.mu.RLock()
		ids := make([]ID, len(r.byPath[path]))
		copy(ids, r.byPath[path])
		r.mu.RUnlock()

		for _, id := range ids {
			e := r.Find(string(id))
			if e == nil {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// CloneEntities returns the live clones of path in insertion order.
func (r *Registry) CloneEntities(path string) []*Entity {
	var out []*Entity
	for e := range r.IterClones(path) {
		out = append(out, e)
	}
	return out
}

// CloneCount returns the number of live clones of path.
func (r *Registry) CloneCount(path string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPath[path])
}

// BlueprintPaths returns every path with a live blueprint.
func (r *Registry) BlueprintPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.blueprints))
	for p := range r.blueprints {
		out = append(out, p)
	}
	return out
}

func removeID(ids []ID, id ID) []ID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
