// Package hotreload watches the mudlib tree and recompiles content units
// as their sources change on disk. Live clones keep their state; only
// behavior is swapped. The actual compile-and-swap is delegated to the
// driver through the Loader interface.
package hotreload

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"forgemud/internal/content"
)

// defaultDebounce coalesces editor write bursts into one reload.
const defaultDebounce = 100 * time.Millisecond

// Loader applies unit changes to the live world.
type Loader interface {
	// Load compiles src and installs it under the logical path, swapping
	// an existing blueprint in place. It returns the unit's declared
	// requirements for the dependency graph.
	Load(path string, src []byte) (requires []string, err error)
	// Remove destroys the unit's clones and unregisters its blueprint.
	Remove(path string) error
}

// Supervisor owns the watch loop, the per-path debounce and the
// dependency graph for transitive reloads.
type Supervisor struct {
	root     string
	loader   Loader
	log      *zap.Logger
	debounce time.Duration
	run      func(func())

	mu           sync.Mutex
	fingerprints map[string]string          // logical path -> last loaded fingerprint
	dependents   map[string]map[string]bool // logical path -> paths that require it
	timers       map[string]*time.Timer
	safelist     map[string]bool // path prefixes needing an explicit reload

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a supervisor.
type Option func(*Supervisor)

// WithDebounce overrides the reload debounce window.
func WithDebounce(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithRunner routes watcher-triggered loader calls through fn instead
// of running them on the watcher's goroutines. The driver passes its
// scheduler here so blueprint swaps stay serialized with the world.
func WithRunner(fn func(func())) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.run = fn
		}
	}
}

// WithSafelist marks path prefixes the watcher must not auto-reload.
// Changes under them wait for an explicit Reload with force set.
func WithSafelist(prefixes ...string) Option {
	return func(s *Supervisor) {
		for _, p := range prefixes {
			s.safelist[p] = true
		}
	}
}

// New creates a supervisor over the mudlib root.
func New(root string, loader Loader, log *zap.Logger, opts ...Option) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Supervisor{
		root:         root,
		loader:       loader,
		log:          log.Named("hotreload"),
		debounce:     defaultDebounce,
		fingerprints: make(map[string]string),
		dependents:   make(map[string]map[string]bool),
		timers:       make(map[string]*time.Timer),
		safelist:     make(map[string]bool),
		done:         make(chan struct{}),
		run:          func(fn func()) { fn() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LogicalPath maps a file under the root to its mudlib path:
// <root>/std/sword.go becomes /std/sword.
func (s *Supervisor) LogicalPath(file string) (string, bool) {
	rel, err := filepath.Rel(s.root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	if !strings.HasSuffix(rel, ".go") {
		return "", false
	}
	return "/" + filepath.ToSlash(strings.TrimSuffix(rel, ".go")), true
}

// FilePath maps a mudlib path back to its source file.
func (s *Supervisor) FilePath(logical string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(logical, "/"))+".go")
}

// LoadAll walks the tree and loads every unit. Used at boot; failures are
// logged and skipped so one broken file cannot keep the mud down.
func (s *Supervisor) LoadAll() error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".go") {
			return nil
		}
		logical, ok := s.LogicalPath(path)
		if !ok {
			return nil
		}
		if err := s.loadPath(logical); err != nil {
			s.log.Warn("unit failed to load", zap.String("path", logical), zap.Error(err))
		}
		return nil
	})
}

// Start begins watching. The tree is watched recursively; directories
// created later are picked up from their create events.
func (s *Supervisor) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	s.watcher = w

	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", s.root, err)
	}

	s.wg.Add(1)
	go s.watchLoop()
	s.log.Info("watching mudlib", zap.String("root", s.root))
	return nil
}

// Stop shuts the watcher down and cancels pending debounce timers.
func (s *Supervisor) Stop() {
	close(s.done)
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.wg.Wait()
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
	s.mu.Unlock()
}

func (s *Supervisor) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (s *Supervisor) handleEvent(ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = s.watcher.Add(ev.Name)
			return
		}
	}
	logical, ok := s.LogicalPath(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		s.run(func() {
			if err := s.loader.Remove(logical); err != nil {
				s.log.Warn("unit removal failed", zap.String("path", logical), zap.Error(err))
			} else {
				s.forget(logical)
				s.log.Info("unit removed", zap.String("path", logical))
			}
		})
	case ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create):
		s.scheduleReload(logical)
	}
}

// scheduleReload debounces rapid successive writes to one path.
func (s *Supervisor) scheduleReload(logical string) {
	if s.protected(logical) {
		s.log.Warn("change under protected path, waiting for explicit reload",
			zap.String("path", logical))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[logical]; ok {
		t.Reset(s.debounce)
		return
	}
	s.timers[logical] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.timers, logical)
		s.mu.Unlock()
		s.run(func() {
			if err := s.Reload(logical, false); err != nil {
				s.log.Warn("reload failed", zap.String("path", logical), zap.Error(err))
			}
		})
	})
}

func (s *Supervisor) protected(logical string) bool {
	for prefix := range s.safelist {
		if strings.HasPrefix(logical, prefix) {
			return true
		}
	}
	return false
}

// ErrProtected is returned for safelisted paths reloaded without force.
var ErrProtected = fmt.Errorf("path is protected, reload requires force")

// Reload loads one unit and then transitively reloads everything that
// requires it. A unit whose source fingerprint is unchanged is skipped
// entirely.
func (s *Supervisor) Reload(logical string, force bool) error {
	if s.protected(logical) && !force {
		return fmt.Errorf("%w: %s", ErrProtected, logical)
	}

	src, err := os.ReadFile(s.FilePath(logical))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", logical, err)
	}
	fp := content.Fingerprint(src)
	s.mu.Lock()
	unchanged := s.fingerprints[logical] == fp
	s.mu.Unlock()
	if unchanged {
		s.log.Debug("fingerprint unchanged, skipping", zap.String("path", logical))
		return nil
	}

	if err := s.loadPath(logical); err != nil {
		return err
	}
	s.reloadDependents(logical)
	return nil
}

// loadPath compiles and installs a single unit and records its edges.
func (s *Supervisor) loadPath(logical string) error {
	src, err := os.ReadFile(s.FilePath(logical))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", logical, err)
	}
	requires, err := s.loader.Load(logical, src)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.fingerprints[logical] = content.Fingerprint(src)
	for _, deps := range s.dependents {
		delete(deps, logical)
	}
	for _, req := range requires {
		if s.dependents[req] == nil {
			s.dependents[req] = make(map[string]bool)
		}
		s.dependents[req][logical] = true
	}
	s.mu.Unlock()

	s.log.Info("unit loaded", zap.String("path", logical), zap.Strings("requires", requires))
	return nil
}

// reloadDependents walks the reverse dependency closure of root in
// breadth-first order and reloads each unit once. A failing dependent is
// logged and skipped; its own dependents still reload against the old
// behavior.
func (s *Supervisor) reloadDependents(root string) {
	seen := map[string]bool{root: true}
	queue := s.dependentsOf(root)
	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]
		if seen[path] {
			continue
		}
		seen[path] = true
		if err := s.loadPath(path); err != nil {
			s.log.Warn("dependent reload failed",
				zap.String("path", path), zap.String("changed", root), zap.Error(err))
		}
		queue = append(queue, s.dependentsOf(path)...)
	}
}

func (s *Supervisor) dependentsOf(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.dependents[path]))
	for dep := range s.dependents[path] {
		out = append(out, dep)
	}
	return out
}

func (s *Supervisor) forget(logical string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fingerprints, logical)
	delete(s.dependents, logical)
	for _, deps := range s.dependents {
		delete(deps, logical)
	}
}
