package hotreload

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeLoader records loads and serves canned requirement lists.
type fakeLoader struct {
	mu       sync.Mutex
	loads    []string
	removes  []string
	requires map[string][]string
	fail     map[string]bool
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		requires: make(map[string][]string),
		fail:     make(map[string]bool),
	}
}

func (l *fakeLoader) Load(path string, src []byte) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail[path] {
		return nil, errors.New("compile failed")
	}
	l.loads = append(l.loads, path)
	return l.requires[path], nil
}

func (l *fakeLoader) Remove(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removes = append(l.removes, path)
	return nil
}

func (l *fakeLoader) loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loads...)
}

func writeUnit(t *testing.T, root, logical, body string) {
	t.Helper()
	file := filepath.Join(root, filepath.FromSlash(logical[1:])+".go")
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLogicalPath(t *testing.T) {
	s := New("/mud/lib", newFakeLoader(), nil)
	cases := []struct {
		file string
		want string
		ok   bool
	}{
		{"/mud/lib/std/sword.go", "/std/sword", true},
		{"/mud/lib/areas/town/square.go", "/areas/town/square", true},
		{"/mud/lib/notes.txt", "", false},
		{"/elsewhere/std/sword.go", "", false},
	}
	for _, tc := range cases {
		got, ok := s.LogicalPath(tc.file)
		if got != tc.want || ok != tc.ok {
			t.Errorf("LogicalPath(%q) = %q, %v", tc.file, got, ok)
		}
	}
}

func TestFilePath_RoundTrip(t *testing.T) {
	s := New("/mud/lib", newFakeLoader(), nil)
	file := s.FilePath("/std/sword")
	logical, ok := s.LogicalPath(file)
	if !ok || logical != "/std/sword" {
		t.Errorf("round trip = %q, %v", logical, ok)
	}
}

func TestLoadAll(t *testing.T) {
	root := t.TempDir()
	writeUnit(t, root, "/std/sword", "package unit")
	writeUnit(t, root, "/areas/town/square", "package unit")
	loader := newFakeLoader()
	loader.fail["/std/sword"] = true // one broken unit must not stop the walk

	s := New(root, loader, nil)
	if err := s.LoadAll(); err != nil {
		t.Fatal(err)
	}
	got := loader.loaded()
	if len(got) != 1 || got[0] != "/areas/town/square" {
		t.Errorf("loaded = %v", got)
	}
}

func TestReload_SkipsUnchangedFingerprint(t *testing.T) {
	root := t.TempDir()
	writeUnit(t, root, "/std/sword", "package unit")
	loader := newFakeLoader()
	s := New(root, loader, nil)

	if err := s.Reload("/std/sword", false); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload("/std/sword", false); err != nil {
		t.Fatal(err)
	}
	if got := loader.loaded(); len(got) != 1 {
		t.Errorf("unchanged source reloaded: %v", got)
	}

	writeUnit(t, root, "/std/sword", "package unit // v2")
	if err := s.Reload("/std/sword", false); err != nil {
		t.Fatal(err)
	}
	if got := loader.loaded(); len(got) != 2 {
		t.Errorf("changed source not reloaded: %v", got)
	}
}

func TestReload_TransitiveDependents(t *testing.T) {
	root := t.TempDir()
	writeUnit(t, root, "/std/weapon", "package unit")
	writeUnit(t, root, "/std/sword", "package unit")
	writeUnit(t, root, "/areas/armory", "package unit")

	loader := newFakeLoader()
	loader.requires["/std/sword"] = []string{"/std/weapon"}
	loader.requires["/areas/armory"] = []string{"/std/sword"}

	s := New(root, loader, nil)
	if err := s.LoadAll(); err != nil {
		t.Fatal(err)
	}
	loader.mu.Lock()
	loader.loads = nil
	loader.mu.Unlock()

	writeUnit(t, root, "/std/weapon", "package unit // v2")
	if err := s.Reload("/std/weapon", false); err != nil {
		t.Fatal(err)
	}

	got := loader.loaded()
	if len(got) != 3 {
		t.Fatalf("loads = %v", got)
	}
	if got[0] != "/std/weapon" {
		t.Errorf("changed unit should load first: %v", got)
	}
	pos := map[string]int{}
	for i, p := range got {
		pos[p] = i
	}
	if pos["/std/sword"] > pos["/areas/armory"] {
		// Breadth-first from the changed unit: direct dependents before
		// transitive ones.
		t.Errorf("dependent order wrong: %v", got)
	}
}

func TestReload_DependentFailureIsolated(t *testing.T) {
	root := t.TempDir()
	writeUnit(t, root, "/std/weapon", "package unit")
	writeUnit(t, root, "/std/sword", "package unit")
	writeUnit(t, root, "/std/axe", "package unit")

	loader := newFakeLoader()
	loader.requires["/std/sword"] = []string{"/std/weapon"}
	loader.requires["/std/axe"] = []string{"/std/weapon"}

	s := New(root, loader, nil)
	if err := s.LoadAll(); err != nil {
		t.Fatal(err)
	}
	loader.mu.Lock()
	loader.loads = nil
	loader.fail["/std/sword"] = true
	loader.mu.Unlock()

	writeUnit(t, root, "/std/weapon", "package unit // v2")
	if err := s.Reload("/std/weapon", false); err != nil {
		t.Fatal(err)
	}
	got := loader.loaded()
	// weapon and axe load; sword fails but does not abort the batch.
	if len(got) != 2 || got[0] != "/std/weapon" || got[1] != "/std/axe" {
		t.Errorf("loads = %v", got)
	}
}

func TestReload_ProtectedNeedsForce(t *testing.T) {
	root := t.TempDir()
	writeUnit(t, root, "/std/object", "package unit")
	loader := newFakeLoader()
	s := New(root, loader, nil, WithSafelist("/std/"))

	if err := s.Reload("/std/object", false); !errors.Is(err, ErrProtected) {
		t.Errorf("Expected ErrProtected, got %v", err)
	}
	if err := s.Reload("/std/object", true); err != nil {
		t.Fatal(err)
	}
	if got := loader.loaded(); len(got) != 1 {
		t.Errorf("forced reload did not run: %v", got)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	root := t.TempDir()
	writeUnit(t, root, "/std/sword", "package unit")
	loader := newFakeLoader()
	s := New(root, loader, nil, WithDebounce(10*time.Millisecond))
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	writeUnit(t, root, "/std/sword", "package unit // edited")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(loader.loaded()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := loader.loaded()
	if len(got) == 0 || got[0] != "/std/sword" {
		t.Fatalf("watcher did not trigger reload: %v", got)
	}
}

// With a runner installed, watcher-triggered loader calls go through it
// instead of running on the watcher or timer goroutines.
func TestWatcher_RunnerCarriesLoaderCalls(t *testing.T) {
	root := t.TempDir()
	writeUnit(t, root, "/std/sword", "package unit")
	loader := newFakeLoader()

	var runMu sync.Mutex
	var ran int
	runner := func(fn func()) {
		runMu.Lock()
		ran++
		runMu.Unlock()
		fn()
	}

	s := New(root, loader, nil, WithDebounce(10*time.Millisecond), WithRunner(runner))
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	writeUnit(t, root, "/std/sword", "package unit // edited")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(loader.loaded()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := loader.loaded(); len(got) == 0 || got[0] != "/std/sword" {
		t.Fatalf("watcher did not trigger reload: %v", got)
	}
	runMu.Lock()
	defer runMu.Unlock()
	if ran == 0 {
		t.Error("reload bypassed the runner")
	}
}

func TestWatcher_RemoveDestroysUnit(t *testing.T) {
	root := t.TempDir()
	writeUnit(t, root, "/std/sword", "package unit")
	loader := newFakeLoader()
	s := New(root, loader, nil, WithDebounce(10*time.Millisecond))
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if err := os.Remove(filepath.Join(root, "std", "sword.go")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		loader.mu.Lock()
		n := len(loader.removes)
		loader.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	loader.mu.Lock()
	defer loader.mu.Unlock()
	if len(loader.removes) == 0 || loader.removes[0] != "/std/sword" {
		t.Fatalf("removal not propagated: %v", loader.removes)
	}
}
