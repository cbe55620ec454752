// Package scheduler is the driver's single logical thread. Every callback
// into content code (heartbeats, timed callouts, command continuations,
// login steps, hot-reload post-hooks) is serialized through one cursor.
// I/O runs on parallel workers and re-enters through Submit.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"forgemud/internal/registry"
)

// TaskID identifies a scheduled task. Cancel is idempotent.
type TaskID uint64

// Kind distinguishes one-shot from periodic tasks.
type Kind int

const (
	Once Kind = iota
	Periodic
)

// Clock abstracts wall time so tests can drive the cursor deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type task struct {
	id        TaskID
	kind      Kind
	due       time.Time
	interval  time.Duration
	seq       uint64
	target    registry.ID // weak reference; empty for core tasks
	fn        func()
	cancelled bool
	index     int
}

// Scheduler owns the task heap and the heartbeat set.
type Scheduler struct {
	mu     sync.Mutex
	logger *zap.Logger
	clock  Clock
	reg    *registry.Registry

	heap     taskHeap
	tasks    map[TaskID]*task
	byTarget map[registry.ID]map[TaskID]struct{}
	idSeq    uint64
	seq      uint64

	heartbeatOrder []registry.ID
	heartbeatSet   map[registry.ID]struct{}
	tickEvery      time.Duration

	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects a clock. Used by tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New creates a scheduler. reg resolves heartbeat targets; tickEvery is the
// heartbeat period (default 2s when zero).
func New(logger *zap.Logger, reg *registry.Registry, tickEvery time.Duration, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tickEvery <= 0 {
		tickEvery = 2 * time.Second
	}
	s := &Scheduler{
		logger:       logger.Named("scheduler"),
		clock:        realClock{},
		reg:          reg,
		tasks:        make(map[TaskID]*task),
		byTarget:     make(map[registry.ID]map[TaskID]struct{}),
		heartbeatSet: make(map[registry.ID]struct{}),
		tickEvery:    tickEvery,
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the cursor goroutine and arms the heartbeat tick.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.CallOutEvery(s.runHeartbeats, s.tickEvery)
	go s.run()
}

// Stop halts the cursor. Pending tasks do not fire after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// Submit queues fn for immediate execution on the cursor. This is how I/O
// workers re-enter the single content thread.
func (s *Scheduler) Submit(fn func()) TaskID {
	return s.schedule(Once, 0, 0, "", fn)
}

// SubmitFor is Submit with a target entity; the callback is dropped if the
// entity is destroyed before the cursor reaches it.
func (s *Scheduler) SubmitFor(target registry.ID, fn func()) TaskID {
	return s.schedule(Once, 0, 0, target, fn)
}

// CallOut schedules a one-shot callback after delay.
func (s *Scheduler) CallOut(fn func(), delay time.Duration) TaskID {
	return s.schedule(Once, delay, 0, "", fn)
}

// CallOutFor is CallOut bound to a target entity.
func (s *Scheduler) CallOutFor(target registry.ID, fn func(), delay time.Duration) TaskID {
	return s.schedule(Once, delay, 0, target, fn)
}

// CallOutEvery schedules a periodic callback. The next due time is
// prev_due + interval, not now + interval; missed intervals are dropped.
func (s *Scheduler) CallOutEvery(fn func(), interval time.Duration) TaskID {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return s.schedule(Periodic, interval, interval, "", fn)
}

// CallOutEveryFor is CallOutEvery bound to a target entity.
func (s *Scheduler) CallOutEveryFor(target registry.ID, fn func(), interval time.Duration) TaskID {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return s.schedule(Periodic, interval, interval, target, fn)
}

func (s *Scheduler) schedule(kind Kind, delay, interval time.Duration, target registry.ID, fn func()) TaskID {
	s.mu.Lock()
	s.idSeq++
	s.seq++
	t := &task{
		id:       TaskID(s.idSeq),
		kind:     kind,
		due:      s.clock.Now().Add(delay),
		interval: interval,
		seq:      s.seq,
		target:   target,
		fn:       fn,
	}
	s.tasks[t.id] = t
	heap.Push(&s.heap, t)
	if target != "" {
		if s.byTarget[target] == nil {
			s.byTarget[target] = make(map[TaskID]struct{})
		}
		s.byTarget[target][t.id] = struct{}{}
	}
	s.mu.Unlock()

	s.kick()
	return t.id
}

// Cancel prevents any future invocation of the task. It is idempotent and
// legal from inside the task's own callback; an execution already underway
// is not interrupted.
func (s *Scheduler) Cancel(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.cancelled {
		return false
	}
	t.cancelled = true
	s.dropLocked(t)
	return true
}

// CancelByTarget cancels every outstanding task for an entity. Wired as a
// registry destroy observer.
func (s *Scheduler) CancelByTarget(target registry.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.byTarget[target] {
		if t, ok := s.tasks[id]; ok {
			t.cancelled = true
			s.dropLocked(t)
		}
	}
	delete(s.byTarget, target)
}

func (s *Scheduler) dropLocked(t *task) {
	delete(s.tasks, t.id)
	if t.target != "" {
		if m, ok := s.byTarget[t.target]; ok {
			delete(m, t.id)
			if len(m) == 0 {
				delete(s.byTarget, t.target)
			}
		}
	}
	if t.index >= 0 {
		heap.Remove(&s.heap, t.index)
	}
}

// HeartbeatRegister adds an entity to the heartbeat set. Heartbeats fire in
// registration order within a tick.
func (s *Scheduler) HeartbeatRegister(e *registry.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := e.ObjectID()
	if _, ok := s.heartbeatSet[id]; ok {
		return
	}
	s.heartbeatSet[id] = struct{}{}
	s.heartbeatOrder = append(s.heartbeatOrder, id)
}

// HeartbeatUnregister removes an entity from the heartbeat set.
func (s *Scheduler) HeartbeatUnregister(e *registry.Entity) {
	s.heartbeatUnregisterID(e.ObjectID())
}

func (s *Scheduler) heartbeatUnregisterID(id registry.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.heartbeatSet[id]; !ok {
		return
	}
	delete(s.heartbeatSet, id)
	for i, v := range s.heartbeatOrder {
		if v == id {
			s.heartbeatOrder = append(s.heartbeatOrder[:i], s.heartbeatOrder[i+1:]...)
			break
		}
	}
}

// HeartbeatCount returns the size of the heartbeat set.
func (s *Scheduler) HeartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heartbeatSet)
}

// runHeartbeats snapshots the set and invokes on_heartbeat on each entity
// in registration order. A panicking heartbeat does not abort the tick.
func (s *Scheduler) runHeartbeats() {
	s.mu.Lock()
	order := make([]registry.ID, len(s.heartbeatOrder))
	copy(order, s.heartbeatOrder)
	s.mu.Unlock()

	for _, id := range order {
		e := s.reg.Find(string(id))
		if e == nil {
			s.heartbeatUnregisterID(id)
			continue
		}
		b := e.Behavior()
		if b == nil || b.OnHeartbeat == nil {
			continue
		}
		s.invoke(func() { b.OnHeartbeat(e) }, "heartbeat", string(id))
	}
}

func (s *Scheduler) invoke(fn func(), what, who string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("callback panic",
				zap.String("kind", what), zap.String("target", who), zap.Any("panic", r))
		}
	}()
	fn()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.runDue(s.clock.Now())

		s.mu.Lock()
		var wait time.Duration
		if len(s.heap) == 0 {
			wait = time.Hour
		} else {
			wait = s.heap[0].due.Sub(s.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// runDue fires every task whose due time is at or before now, in
// (due, insertion) order.
func (s *Scheduler) runDue(now time.Time) {
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].due.After(now) {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.heap).(*task)
		if t.cancelled {
			s.mu.Unlock()
			continue
		}
		if t.target != "" && s.reg != nil && s.reg.Find(string(t.target)) == nil {
			// Target destroyed between scheduling and firing.
			delete(s.tasks, t.id)
			s.mu.Unlock()
			continue
		}
		if t.kind == Once {
			delete(s.tasks, t.id)
		}
		s.mu.Unlock()

		s.invoke(t.fn, "callout", string(t.target))

		if t.kind == Periodic {
			s.mu.Lock()
			if !t.cancelled {
				next := t.due.Add(t.interval)
				for !next.After(now) {
					next = next.Add(t.interval) // drop missed intervals
				}
				t.due = next
				s.seq++
				t.seq = s.seq
				heap.Push(&s.heap, t)
			} else {
				delete(s.tasks, t.id)
			}
			s.mu.Unlock()
		}
	}
}
