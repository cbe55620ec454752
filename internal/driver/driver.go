// Package driver wires every subsystem into a running mud: it boots the
// master object, loads the content tree, owns the active-player table and
// routes sessions, commands and reloads through the scheduler.
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"forgemud/internal/config"
	"forgemud/internal/conn"
	"forgemud/internal/content"
	"forgemud/internal/dispatch"
	"forgemud/internal/efun"
	"forgemud/internal/hotreload"
	"forgemud/internal/login"
	"forgemud/internal/perm"
	"forgemud/internal/registry"
	"forgemud/internal/scheduler"
	"forgemud/internal/shadow"
	"forgemud/internal/store"
)

// ErrMasterFailed marks a boot abort caused by the master object. The
// command layer maps it to a distinct exit code.
var ErrMasterFailed = errors.New("master object failed")

// State is the driver lifecycle phase.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// defaultPlayerUnit is the blueprint players are cloned from when the
// mudlib does not provide its own.
const defaultPlayerUnit = "/std/player"

// defaultVoidUnit is the holding room link-dead characters wait in until
// they reconnect or time out.
const defaultVoidUnit = "/void"

// Driver is the orchestrator.
type Driver struct {
	cfg *config.Config
	log *zap.Logger

	reg      *registry.Registry
	sched    *scheduler.Scheduler
	shadows  *shadow.Registry
	perms    *perm.Manager
	players  *store.PlayerStore
	accounts *store.AccountStore
	kv       *store.KV
	efuns    *efun.Surface
	disp     *dispatch.Dispatcher
	compiler *content.Compiler
	reloader *hotreload.Supervisor
	loginD   *login.Daemon
	server   *conn.Server

	api       *content.API
	masterDef *content.Def
	emotes    map[string]string

	state  atomic.Int32
	cancel context.CancelFunc
	saveWG sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*playerEntry      // key: lowercased name
	byEntity map[registry.ID]*playerEntry // clone id -> entry
}

// New assembles a driver from configuration. Nothing is listening until
// Run.
func New(cfg *config.Config, log *zap.Logger) (*Driver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, dir := range []string{cfg.DataPath, cfg.MudlibPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	reg := registry.New(log)
	players, err := store.NewPlayerStore(cfg.DataPath, log)
	if err != nil {
		return nil, err
	}
	accounts, err := store.NewAccountStore(cfg.DataPath)
	if err != nil {
		return nil, err
	}
	kv, err := store.NewKV(cfg.DataPath, log)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:      cfg,
		log:      log.Named("driver"),
		reg:      reg,
		sched:    scheduler.New(log, reg, cfg.GetHeartbeatInterval()),
		shadows:  shadow.New(log),
		perms:    perm.New(log, 0),
		players:  players,
		accounts: accounts,
		kv:       kv,
		compiler: content.NewCompiler(),
		emotes:   defaultEmotes(),
		active:   make(map[string]*playerEntry),
		byEntity: make(map[registry.ID]*playerEntry),
	}

	d.efuns = &efun.Surface{
		Registry:   reg,
		Scheduler:  d.sched,
		Shadows:    d.shadows,
		Perms:      d.perms,
		Players:    players,
		KV:         kv,
		Cfg:        cfg,
		Log:        log,
		MudlibRoot: cfg.MudlibPath,
	}
	d.efuns.SendMessage = d.sendToEntity
	d.efuns.ExecuteCommand = d.executeAs

	d.api = d.contentAPI()
	d.disp = dispatch.New(d, log)
	d.registerBuiltins()

	d.reloader = hotreload.New(cfg.MudlibPath, d, log,
		hotreload.WithDebounce(cfg.GetReloadDebounce()),
		hotreload.WithSafelist("/std/", "/master", "/simul_efun"),
		hotreload.WithRunner(func(fn func()) { d.sched.Submit(fn) }))

	d.loginD = login.New(accounts,
		login.NewTokenStore(cfg.GetSessionTokenTTL()),
		d, d.greeting(), 3, log)

	// Destroyed entities lose their shadows, heartbeats and pending tasks.
	reg.OnDestroy(func(e *registry.Entity) {
		d.shadows.DetachAll(e)
		d.sched.HeartbeatUnregister(e)
		d.sched.CancelByTarget(e.ObjectID())
		d.dropEntity(e)
	})

	d.server = conn.NewServer(d.acceptSession, cfg.MaxConnections, cfg.OutboundHighMark, log)
	return d, nil
}

// State reports the lifecycle phase.
func (d *Driver) State() State { return State(d.state.Load()) }

func (d *Driver) setState(s State) {
	d.state.Store(int32(s))
	d.log.Info("driver state", zap.String("state", s.String()))
}

func (d *Driver) greeting() string {
	return fmt.Sprintf("%s %s\n%s", d.cfg.Name, d.cfg.Version, d.cfg.Tagline)
}

// Run boots the world and serves until ctx is cancelled or Stop is
// called. Master-object failures are fatal and wrapped in
// ErrMasterFailed.
func (d *Driver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	d.setState(StateStarting)

	if err := d.efuns.LoadPermissions(); err != nil {
		d.log.Warn("permissions not restored", zap.Error(err))
	}

	if err := d.bootMaster(); err != nil {
		d.setState(StateStopped)
		return fmt.Errorf("%w: %v", ErrMasterFailed, err)
	}

	if err := d.reloader.LoadAll(); err != nil {
		d.log.Warn("content tree walk incomplete", zap.Error(err))
	}
	d.ensurePlayerBlueprint()
	d.ensureVoidBlueprint()
	d.runPreloads()

	d.sched.Start()
	if d.cfg.HotReload {
		if err := d.reloader.Start(); err != nil {
			d.log.Warn("hot reload unavailable", zap.Error(err))
		}
	}

	d.setState(StateRunning)
	err := d.server.ListenAndServe(ctx, d.cfg.ListenAddr, d.cfg.WSListenAddr)

	d.shutdown()
	return err
}

// Stop initiates shutdown from another goroutine.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Driver) shutdown() {
	d.setState(StateStopping)

	if d.masterDef != nil && d.masterDef.OnShutdown != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("master on_shutdown panic", zap.Any("panic", r))
				}
			}()
			d.masterDef.OnShutdown()
		}()
	}

	d.disp.FlushSaves()

	if d.cfg.HotReload {
		d.reloader.Stop()
	}
	d.sched.Stop()

	d.mu.Lock()
	entries := make([]*playerEntry, 0, len(d.active))
	for _, e := range d.active {
		entries = append(entries, e)
	}
	d.mu.Unlock()
	for _, e := range entries {
		if e.session != nil {
			e.session.SendLine("The world is shutting down.")
			e.session.SetOwner(nil)
			e.session.Close()
		}
		if err := d.efuns.SavePlayer(e.entity); err != nil {
			d.log.Warn("player not saved at shutdown",
				zap.String("player", e.name), zap.Error(err))
		}
	}

	d.saveWG.Wait()

	if err := d.kv.Close(); err != nil {
		d.log.Warn("kv close failed", zap.Error(err))
	}
	d.setState(StateStopped)
}

// bootMaster compiles and constructs the master object. Its Def supplies
// the driver hooks and the preload list.
func (d *Driver) bootMaster() error {
	path := d.cfg.MasterObject
	src, err := os.ReadFile(d.reloader.FilePath(path))
	if err != nil {
		return fmt.Errorf("failed to read master %s: %w", path, err)
	}
	if _, err := d.Load(path, src); err != nil {
		return fmt.Errorf("master %s: %w", path, err)
	}

	if d.masterDef != nil && d.masterDef.OnDriverStart != nil {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("master on_driver_start panic", zap.Any("panic", r))
			}
		}()
		d.masterDef.OnDriverStart()
	}
	return nil
}

// runPreloads clones the units the master asks for at boot: daemons, the
// start room, anything that must exist before the first login.
func (d *Driver) runPreloads() {
	var preloads []string
	if d.masterDef != nil {
		preloads = append(preloads, d.masterDef.Preload...)
	}
	if d.cfg.StartRoom != "" {
		preloads = append(preloads, d.cfg.StartRoom)
	}
	if d.cfg.LoginDaemon != "" {
		preloads = append(preloads, d.cfg.LoginDaemon)
	}
	for _, path := range preloads {
		if !d.reg.HasBlueprint(path) {
			d.log.Warn("preload has no blueprint", zap.String("path", path))
			continue
		}
		if d.reg.CloneCount(path) > 0 {
			continue
		}
		if _, err := d.reg.Clone(path); err != nil {
			d.log.Warn("preload failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// ensurePlayerBlueprint installs a minimal player blueprint when the
// mudlib does not ship one.
func (d *Driver) ensurePlayerBlueprint() {
	if d.reg.HasBlueprint(defaultPlayerUnit) {
		return
	}
	bp := &registry.Behavior{
		Capabilities: map[registry.Capability]bool{registry.CapLiving: true},
	}
	ctor := func() (*registry.Behavior, map[string]any, error) {
		return bp, nil, nil
	}
	if err := d.reg.RegisterBlueprint(defaultPlayerUnit, ctor,
		registry.NewBlueprint(defaultPlayerUnit, bp, nil)); err != nil {
		d.log.Warn("builtin player blueprint not installed", zap.Error(err))
	}
}

// ensureVoidBlueprint installs the holding room for link-dead
// characters when the mudlib does not ship one.
func (d *Driver) ensureVoidBlueprint() {
	if d.reg.HasBlueprint(defaultVoidUnit) {
		return
	}
	bp := &registry.Behavior{
		Capabilities: map[registry.Capability]bool{
			registry.CapRoom:      true,
			registry.CapContainer: true,
		},
		Props: map[string]any{
			"short": "The Void",
			"long":  "A featureless gray holding space between places.",
		},
	}
	ctor := func() (*registry.Behavior, map[string]any, error) {
		return bp, nil, nil
	}
	if err := d.reg.RegisterBlueprint(defaultVoidUnit, ctor,
		registry.NewBlueprint(defaultVoidUnit, bp, nil)); err != nil {
		d.log.Warn("builtin void blueprint not installed", zap.Error(err))
	}
}

// Load implements hotreload.Loader: compile a unit, construct its Def and
// install or swap the blueprint. Clones keep their state; retargeted
// clones get their on_hot_reload hook on the scheduler cursor.
func (d *Driver) Load(path string, src []byte) ([]string, error) {
	unit, err := d.compiler.Compile(path, src)
	if err != nil {
		return nil, err
	}
	def, err := unit.Constructor(d.api)
	if err != nil {
		return nil, err
	}

	behavior := d.behaviorFromDef(def)
	ctor := func() (*registry.Behavior, map[string]any, error) {
		cdef, err := unit.Constructor(d.api)
		if err != nil {
			return nil, nil, err
		}
		return d.behaviorFromDef(cdef), nil, nil
	}
	bp := registry.NewBlueprint(path, behavior, nil)

	if d.reg.HasBlueprint(path) {
		retargeted, err := d.reg.SwapBlueprint(path, ctor, bp)
		if err != nil {
			return nil, err
		}
		for _, clone := range retargeted {
			c := clone
			if hook := c.Behavior().OnHotReload; hook != nil {
				d.sched.SubmitFor(c.ObjectID(), func() { hook(c) })
			}
		}
	} else if err := d.reg.RegisterBlueprint(path, ctor, bp); err != nil {
		return nil, err
	}

	if path == d.cfg.MasterObject {
		d.masterDef = def
	}
	return def.Requires, nil
}

// Remove implements hotreload.Loader: a deleted source file destroys the
// unit's clones, then its blueprint.
func (d *Driver) Remove(path string) error {
	for _, clone := range d.reg.CloneEntities(path) {
		d.reg.Destroy(clone)
	}
	d.reg.DestroyBlueprint(path)
	return nil
}

// ReloadUnit reloads one unit on request, from the reload command.
func (d *Driver) ReloadUnit(path string, force bool) error {
	return d.reloader.Reload(path, force)
}

// CheckTree compiles every unit without touching the live world. Used by
// the check subcommand; returns the paths that failed.
func (d *Driver) CheckTree() (failed []string, err error) {
	err = filepath.WalkDir(d.cfg.MudlibPath, func(path string, de os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() || filepath.Ext(path) != ".go" {
			return nil
		}
		logical, ok := d.reloader.LogicalPath(path)
		if !ok {
			return nil
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, cerr := d.compiler.Compile(logical, src); cerr != nil {
			d.log.Warn("unit does not compile", zap.String("path", logical), zap.Error(cerr))
			failed = append(failed, logical)
		}
		return nil
	})
	return failed, err
}

// acceptSession hands fresh connections to the login daemon.
func (d *Driver) acceptSession(s *conn.Session) {
	d.loginD.Adopt(s)
	s.Start(d.cfg.GetKeepaliveEvery())
}

// runtimeError routes a content failure to the master's hook.
func (d *Driver) runtimeError(msg string, origin *registry.Entity) {
	d.log.Error("content runtime error", zap.String("detail", msg))
	if d.masterDef == nil || d.masterDef.OnRuntimeError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("master on_runtime_error panic", zap.Any("panic", r))
		}
	}()
	d.masterDef.OnRuntimeError(msg, d.wrap(origin))
}
