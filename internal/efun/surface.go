// Package efun is the fixed extension surface content code calls back
// through. Everything an in-world object can do to the driver goes
// through a Surface method; content never touches the registry, the
// scheduler or the filesystem directly.
package efun

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"forgemud/internal/config"
	"forgemud/internal/perm"
	"forgemud/internal/registry"
	"forgemud/internal/scheduler"
	"forgemud/internal/shadow"
	"forgemud/internal/store"
)

// ErrPermissionDenied is returned by file efuns the permission gate
// blocks.
var ErrPermissionDenied = errors.New("permission denied")

// ErrOutsideMudlib is returned for paths that escape the content tree.
var ErrOutsideMudlib = errors.New("path outside mudlib")

// ExecContext is one frame of the execution-context stack: who triggered
// the current content call and which object is running it.
type ExecContext struct {
	Player *registry.Entity
	Object *registry.Entity
}

// Surface bundles the driver services the efuns draw on. The driver
// populates every field before any content code runs.
type Surface struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Shadows   *shadow.Registry
	Perms     *perm.Manager
	Players   *store.PlayerStore
	KV        *store.KV
	Cfg       *config.Config
	Log       *zap.Logger

	// MudlibRoot confines every file efun.
	MudlibRoot string

	// ExecuteCommand and SendMessage are driver callbacks; they close over
	// the active-player table and session routing.
	ExecuteCommand func(e *registry.Entity, line string, level perm.Level)
	SendMessage    func(e *registry.Entity, msg string)

	mu    sync.Mutex
	stack []ExecContext
}

// Push enters an execution context before invoking content code. Every
// Push is paired with a deferred Pop, so a panicking handler cannot
// leave the stack dirty.
func (s *Surface) Push(ctx ExecContext) {
	s.mu.Lock()
	s.stack = append(s.stack, ctx)
	s.mu.Unlock()
}

// Pop leaves the current execution context.
func (s *Surface) Pop() {
	s.mu.Lock()
	if n := len(s.stack); n > 0 {
		s.stack = s.stack[:n-1]
	}
	s.mu.Unlock()
}

// ThisPlayer returns the player that triggered the current content call,
// nil outside any player-driven execution.
func (s *Surface) ThisPlayer() *registry.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i].Player != nil {
			return s.stack[i].Player
		}
	}
	return nil
}

// ThisObject returns the object the current content call runs on.
func (s *Surface) ThisObject() *registry.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.stack); n > 0 {
		return s.stack[n-1].Object
	}
	return nil
}

// Depth reports the context nesting depth.
func (s *Surface) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

// FindObject resolves a blueprint path or clone id.
func (s *Surface) FindObject(pathOrID string) *registry.Entity {
	return s.Registry.Find(pathOrID)
}

// CloneObject instantiates the blueprint at path.
func (s *Surface) CloneObject(path string) (*registry.Entity, error) {
	return s.Registry.Clone(path)
}

// MoveObject re-contains an entity.
func (s *Surface) MoveObject(what, dest *registry.Entity) error {
	return s.Registry.Move(what, dest)
}

// DestroyObject removes an entity from the world.
func (s *Surface) DestroyObject(what *registry.Entity) {
	s.Registry.Destroy(what)
}

// Time returns driver time in milliseconds. Content has no other clock.
func (s *Surface) Time() int64 {
	return time.Now().UnixMilli()
}

// CallOut schedules a one-shot callback attributed to the calling object.
func (s *Surface) CallOut(fn func(), delayMS int64) int64 {
	target := entityID(s.ThisObject())
	id := s.Scheduler.CallOutFor(target, fn, time.Duration(delayMS)*time.Millisecond)
	return int64(id)
}

// CallOutEvery schedules a periodic callback attributed to the calling
// object.
func (s *Surface) CallOutEvery(fn func(), intervalMS int64) int64 {
	target := entityID(s.ThisObject())
	id := s.Scheduler.CallOutEveryFor(target, fn, time.Duration(intervalMS)*time.Millisecond)
	return int64(id)
}

// RemoveCallOut cancels a scheduled callback. Idempotent.
func (s *Surface) RemoveCallOut(id int64) bool {
	return s.Scheduler.Cancel(scheduler.TaskID(id))
}

// SetHeartbeat switches the calling object's heartbeat on or off.
func (s *Surface) SetHeartbeat(e *registry.Entity, on bool) {
	if e == nil {
		return
	}
	if on {
		s.Scheduler.HeartbeatRegister(e)
	} else {
		s.Scheduler.HeartbeatUnregister(e)
	}
}

// SnapshotPlayer captures a player entity's persistable state: name,
// location, properties and inventory blueprint paths. It reads live
// entity state and must run on the scheduler cursor; the returned
// record shares nothing with the entity, so it may be written to disk
// from any goroutine.
func (s *Surface) SnapshotPlayer(e *registry.Entity) (*store.PlayerRecord, error) {
	name, _ := e.Prop("name")
	nameStr, _ := name.(string)
	if nameStr == "" {
		return nil, fmt.Errorf("entity %s has no player name", e.ObjectID())
	}
	rec := &store.PlayerRecord{
		Name:  nameStr,
		State: store.SavedState{Properties: copyState(e.State)},
	}
	if env := e.Environment(); env != nil {
		rec.Location = env.BlueprintPath()
	}
	for _, item := range e.Inventory() {
		rec.Inventory = append(rec.Inventory, item.BlueprintPath())
	}
	return rec, nil
}

// SavePlayer snapshots and persists a player entity in one call. Like
// SnapshotPlayer it must run on the scheduler cursor.
func (s *Surface) SavePlayer(e *registry.Entity) error {
	rec, err := s.SnapshotPlayer(e)
	if err != nil {
		return err
	}
	return s.Players.Save(rec)
}

// PlayerExists reports whether a saved player record exists.
func (s *Surface) PlayerExists(name string) bool {
	return s.Players.Exists(name)
}

// LoadPlayerData reads a saved player record.
func (s *Surface) LoadPlayerData(name string) (*store.PlayerRecord, error) {
	return s.Players.Load(name)
}

// ListPlayers enumerates every saved player name.
func (s *Surface) ListPlayers() ([]string, error) {
	return s.Players.List()
}

// SaveData writes a namespaced value. Last write wins.
func (s *Surface) SaveData(ns, key, value string) error {
	return s.KV.Save(ns, key, value)
}

// LoadData reads a namespaced value.
func (s *Surface) LoadData(ns, key string) (string, error) {
	return s.KV.Load(ns, key)
}

// ListDataKeys enumerates a namespace's keys in order.
func (s *Surface) ListDataKeys(ns string) ([]string, error) {
	return s.KV.ListKeys(ns)
}

// DeleteData removes a key. Idempotent.
func (s *Surface) DeleteData(ns, key string) error {
	return s.KV.Delete(ns, key)
}

// permsKV is the storage slot for the permission table.
const (
	permsNS  = "driver"
	permsKey = "permissions"
)

// SetPermissionLevel grants a subject a level.
func (s *Surface) SetPermissionLevel(name string, level perm.Level) {
	s.Perms.SetLevel(name, level)
}

// SavePermissions persists the grant table.
func (s *Surface) SavePermissions() error {
	data, err := json.Marshal(s.Perms.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}
	return s.KV.Save(permsNS, permsKey, string(data))
}

// LoadPermissions restores the grant table saved by SavePermissions.
// A missing record is not an error; the mud starts with no grants.
func (s *Surface) LoadPermissions() error {
	data, err := s.KV.Load(permsNS, permsKey)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var grants []perm.Grant
	if err := json.Unmarshal([]byte(data), &grants); err != nil {
		return fmt.Errorf("failed to decode permissions: %w", err)
	}
	s.Perms.Restore(grants)
	return nil
}

// AddShadow attaches a shadow to an entity.
func (s *Surface) AddShadow(target *registry.Entity, sh *shadow.Shadow) error {
	return s.Shadows.Add(target, sh)
}

// RemoveShadow detaches a shadow by reference or by type name.
func (s *Surface) RemoveShadow(target *registry.Entity, shadowOrType any) error {
	return s.Shadows.Remove(target, shadowOrType)
}

// Send delivers a message to an entity through the driver's routing.
func (s *Surface) Send(e *registry.Entity, msg string) {
	if s.SendMessage != nil {
		s.SendMessage(e, msg)
	}
}

// ExecCommand runs a command line as the given entity at the given level.
func (s *Surface) ExecCommand(e *registry.Entity, line string, level perm.Level) {
	if s.ExecuteCommand != nil {
		s.ExecuteCommand(e, line, level)
	}
}

// GameConfig returns the identity block clients show on connect.
func (s *Surface) GameConfig() map[string]string {
	return map[string]string{
		"name":    s.Cfg.Name,
		"version": s.Cfg.Version,
		"tagline": s.Cfg.Tagline,
	}
}

// GetMudConfig reads one identity key; unknown keys return "".
func (s *Surface) GetMudConfig(key string) string {
	return s.GameConfig()[key]
}

// resolveFile maps a mudlib path to a real file. Parent references are
// rejected outright; mudlib paths are always absolute and forward.
func (s *Surface) resolveFile(logical string) (string, error) {
	for _, part := range strings.Split(logical, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %s", ErrOutsideMudlib, logical)
		}
	}
	if !strings.HasPrefix(logical, "/") {
		logical = "/" + logical
	}
	return filepath.Join(s.MudlibRoot, filepath.FromSlash(logical)), nil
}

// subject returns the permission subject for the current context: the
// triggering player's name, or nil for driver-initiated calls.
func (s *Surface) subject() *string {
	p := s.ThisPlayer()
	if p == nil {
		return nil
	}
	if v, ok := p.Prop("name"); ok {
		if name, ok := v.(string); ok && name != "" {
			return &name
		}
	}
	return nil
}

// ReadFile reads a mudlib file through the permission gate.
func (s *Surface) ReadFile(path string) (string, error) {
	if !s.Perms.CanRead(s.subject(), path) {
		return "", fmt.Errorf("%w: read %s", ErrPermissionDenied, path)
	}
	full, err := s.resolveFile(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile writes a mudlib file through the permission gate.
func (s *Surface) WriteFile(path, data string) error {
	if !s.Perms.CanWrite(s.subject(), path) {
		return fmt.Errorf("%w: write %s", ErrPermissionDenied, path)
	}
	full, err := s.resolveFile(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadDir lists a mudlib directory. Directories carry a trailing slash.
func (s *Surface) ReadDir(path string) ([]string, error) {
	if !s.Perms.CanRead(s.subject(), path) {
		return nil, fmt.Errorf("%w: read %s", ErrPermissionDenied, path)
	}
	full, err := s.resolveFile(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read dir %s: %w", path, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// FileInfo is the subset of stat content code may see.
type FileInfo struct {
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// FileStat stats a mudlib path through the permission gate.
func (s *Surface) FileStat(path string) (*FileInfo, error) {
	if !s.Perms.CanRead(s.subject(), path) {
		return nil, fmt.Errorf("%w: stat %s", ErrPermissionDenied, path)
	}
	full, err := s.resolveFile(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return &FileInfo{Size: fi.Size(), ModTime: fi.ModTime(), IsDir: fi.IsDir()}, nil
}

func entityID(e *registry.Entity) registry.ID {
	if e == nil {
		return ""
	}
	return e.ObjectID()
}

func copyState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
