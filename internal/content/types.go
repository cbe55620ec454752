// Package content compiles and sandboxes content units: Go source files
// under the mudlib tree, interpreted at runtime. Content code sees only the
// types in this package and whatever the import whitelist allows; it cannot
// open files, spawn goroutines against the driver, or read the wall clock
// except through the Time efun.
package content

// Object is the content-facing view of an entity. Property reads are
// shadow-aware; writes always land on the underlying entity.
type Object interface {
	ID() string
	Path() string
	Prop(key string) any
	SetProp(key string, value any)
	HasCapability(capability string) bool
	Send(msg string)
	Environment() Object
	Inventory() []Object
}

// Call is the bound context a verb handler runs with.
type Call struct {
	Caller Object
	Verb   string
	Args   []string
}

// Handler handles one verb. Returning false falls through to the next
// resolution level.
type Handler func(c *Call) bool

// ShadowDef describes an overlay a content unit can attach to an
// object: property overrides win over the target's own values, methods
// intercept shadow-aware calls. Writes still land on the target.
type ShadowDef struct {
	Type     string
	Priority int
	Props    map[string]any
	Methods  map[string]func(target Object, args ...any) any

	OnAttach func(target Object)
	OnDetach func(target Object)
}

// FileInfo is the subset of stat content code may see.
type FileInfo struct {
	Size      int64
	ModTimeMS int64
	IsDir     bool
}

// API is the extension surface handed to content constructors. The driver
// populates every field before any content code runs.
type API struct {
	// Object efuns
	FindObject    func(pathOrID string) Object
	CloneObject   func(path string) (Object, error)
	MoveObject    func(what, dest Object) error
	DestroyObject func(what Object)
	ThisPlayer    func() Object
	ThisObject    func() Object

	// Active-player table
	FindPlayer          func(name string) Object
	FindConnectedPlayer func(name string) Object
	AllPlayers          func() []Object

	// Messaging
	Send      func(target Object, msg string)
	Broadcast func(room Object, msg string, except ...Object)

	// Time & tasks (ids are driver task ids; RemoveCallOut is idempotent)
	CallOut       func(fn func(), delayMS int64) int64
	CallOutEvery  func(fn func(), intervalMS int64) int64
	RemoveCallOut func(id int64) bool
	Time          func() int64

	// Heartbeat opt-in for the calling object
	SetHeartbeat func(self Object, on bool)

	// Persistence (namespaced key/value; values are opaque JSON)
	SaveData     func(ns, key, value string) error
	LoadData     func(ns, key string) (string, error)
	ListDataKeys func(ns string) ([]string, error)
	DeleteData   func(ns, key string) error

	// Player persistence
	SavePlayer     func(player Object) error
	PlayerExists   func(name string) bool
	LoadPlayerData func(name string) (map[string]any, error)
	ListPlayers    func() ([]string, error)

	// Shadows
	AddShadow    func(target Object, def *ShadowDef) error
	RemoveShadow func(target Object, shadowType string) error

	// File efuns. Paths are mudlib paths; every call goes through the
	// permission gate for the triggering player.
	ReadFile  func(path string) (string, error)
	WriteFile func(path, data string) error
	ReadDir   func(path string) ([]string, error)
	FileStat  func(path string) (*FileInfo, error)

	// Permissions. Levels use the driver's numeric scale.
	SetPermissionLevel func(name string, level int)
	SavePermissions    func() error

	// ExecuteCommand runs a command line as the target at its own level.
	ExecuteCommand func(target Object, line string)

	// Config
	GameConfig   func() map[string]string
	GetMudConfig func(key string) string

	// Log writes a line to the driver log attributed to the content unit.
	Log func(msg string)
}

// Def is the descriptor a content unit's Blueprint constructor returns.
// Capabilities, Props and Handlers become the blueprint behavior; Requires
// feeds the hot-reload dependency graph.
type Def struct {
	Capabilities []string
	Props        map[string]any
	Requires     []string
	Handlers     map[string]Handler

	OnHeartbeat func(self Object)
	OnDestroy   func(self Object)
	OnHotReload func(self Object)

	// Master-object hooks. Ignored for ordinary units.
	Preload        []string
	OnDriverStart  func()
	OnRuntimeError func(msg string, origin Object)
	OnShutdown     func()
}
