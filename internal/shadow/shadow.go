// Package shadow implements per-entity overlays. A shadow intercepts reads
// of designated properties and calls to designated methods without touching
// the entity's own state; writes always land on the underlying entity.
package shadow

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"forgemud/internal/registry"
)

var (
	ErrDuplicateType = errors.New("shadow type already attached")
	ErrNotAttached   = errors.New("shadow not attached")
)

// Method is an overlay method. self is the shadow itself; the target is
// reached through self.Target().
type Method func(self *Shadow, args ...any) any

// Shadow is one overlay layer on a target entity.
type Shadow struct {
	Type     string
	Priority int
	Active   bool
	Props    map[string]any
	Methods  map[string]Method

	OnAttach func(target *registry.Entity)
	OnDetach func(target *registry.Entity)

	target *registry.Entity
	seq    uint64
}

// Target returns the entity this shadow is attached to, or nil.
func (s *Shadow) Target() *registry.Entity { return s.target }

// Registry tracks the shadows attached to each entity, ordered by
// descending priority with insertion order breaking ties.
type Registry struct {
	mu     sync.RWMutex
	logger *zap.Logger
	byID   map[registry.ID][]*Shadow
	seq    uint64
}

// New creates an empty shadow registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger.Named("shadow"),
		byID:   make(map[registry.ID][]*Shadow),
	}
}

// Add attaches a shadow to target. Fails if a shadow of the same type is
// already present. On success the back-reference is set, the shadow is
// inserted at its priority position, and on_attach fires exactly once.
func (r *Registry) Add(target *registry.Entity, s *Shadow) error {
	if target == nil || target.IsDestroyed() {
		return registry.ErrDestroyed
	}

	r.mu.Lock()
	id := target.ObjectID()
	for _, existing := range r.byID[id] {
		if existing.Type == s.Type {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s on %s", ErrDuplicateType, s.Type, id)
		}
	}
	r.seq++
	s.seq = r.seq
	s.target = target
	list := append(r.byID[id], s)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
	r.byID[id] = list
	r.mu.Unlock()

	if s.OnAttach != nil {
		s.OnAttach(target)
	}
	r.logger.Debug("shadow attached",
		zap.String("target", string(id)), zap.String("type", s.Type))
	return nil
}

// Remove detaches a shadow (by value or by type name). on_detach fires
// exactly once, then the back-reference is cleared.
func (r *Registry) Remove(target *registry.Entity, shadowOrType any) error {
	if target == nil {
		return ErrNotAttached
	}
	var typeName string
	switch v := shadowOrType.(type) {
	case *Shadow:
		typeName = v.Type
	case string:
		typeName = v
	default:
		return fmt.Errorf("%w: bad selector %T", ErrNotAttached, shadowOrType)
	}

	r.mu.Lock()
	id := target.ObjectID()
	list := r.byID[id]
	var found *Shadow
	for i, s := range list {
		if s.Type == typeName {
			found = s
			r.byID[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if found != nil && len(r.byID[id]) == 0 {
		delete(r.byID, id)
	}
	r.mu.Unlock()

	if found == nil {
		return fmt.Errorf("%w: %s on %s", ErrNotAttached, typeName, id)
	}
	if found.OnDetach != nil {
		found.OnDetach(target)
	}
	found.target = nil
	return nil
}

// Get returns the shadows on target in priority order. The slice is a copy.
func (r *Registry) Get(target *registry.Entity) []*Shadow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byID[target.ObjectID()]
	out := make([]*Shadow, len(list))
	copy(out, list)
	return out
}

// Prop reads a shadowable property: the highest-priority active shadow with
// an override wins; otherwise the entity's own value.
func (r *Registry) Prop(target *registry.Entity, key string) (any, bool) {
	r.mu.RLock()
	list := r.byID[target.ObjectID()]
	for _, s := range list {
		if !s.Active {
			continue
		}
		if v, ok := s.Props[key]; ok {
			r.mu.RUnlock()
			return v, true
		}
	}
	r.mu.RUnlock()
	return target.Prop(key)
}

// Call dispatches a shadowable method by the same rule as Prop. The bool
// result reports whether any shadow supplied the method.
func (r *Registry) Call(target *registry.Entity, method string, args ...any) (any, bool) {
	r.mu.RLock()
	var chosen *Shadow
	for _, s := range r.byID[target.ObjectID()] {
		if !s.Active {
			continue
		}
		if _, ok := s.Methods[method]; ok {
			chosen = s
			break
		}
	}
	r.mu.RUnlock()

	if chosen == nil {
		return nil, false
	}
	return chosen.Methods[method](chosen, args...), true
}

// DetachAll runs the destroy discipline for an entity: on_detach for each
// shadow best-effort (panics logged), then the list is dropped. Wired as a
// registry destroy observer.
func (r *Registry) DetachAll(target *registry.Entity) {
	r.mu.Lock()
	id := target.ObjectID()
	list := r.byID[id]
	delete(r.byID, id)
	r.mu.Unlock()

	for _, s := range list {
		if s.OnDetach != nil {
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.logger.Error("on_detach panic",
							zap.String("target", string(id)),
							zap.String("type", s.Type),
							zap.Any("panic", rec))
					}
				}()
				s.OnDetach(target)
			}()
		}
		s.target = nil
	}
}
