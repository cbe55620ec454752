package driver

import (
	"go.uber.org/zap"

	"forgemud/internal/content"
	"forgemud/internal/perm"
	"forgemud/internal/registry"
	"forgemud/internal/shadow"
)

// entityObject adapts a registry entity to the content-facing Object
// interface. Property reads go through the shadow registry so an attached
// shadow's overrides win; writes always land on the entity itself.
type entityObject struct {
	e *registry.Entity
	d *Driver
}

func (d *Driver) wrap(e *registry.Entity) content.Object {
	if e == nil {
		return nil
	}
	return &entityObject{e: e, d: d}
}

// unwrap recovers the registry entity behind a content object.
func unwrap(o content.Object) *registry.Entity {
	if eo, ok := o.(*entityObject); ok {
		return eo.e
	}
	return nil
}

func (o *entityObject) ID() string   { return string(o.e.ObjectID()) }
func (o *entityObject) Path() string { return o.e.BlueprintPath() }

func (o *entityObject) Prop(key string) any {
	if v, ok := o.d.shadows.Prop(o.e, key); ok {
		return v
	}
	return nil
}

func (o *entityObject) SetProp(key string, value any) {
	o.e.SetProp(key, value)
}

func (o *entityObject) HasCapability(capability string) bool {
	return o.e.HasCapability(registry.Capability(capability))
}

func (o *entityObject) Send(msg string) {
	o.d.sendToEntity(o.e, msg)
}

func (o *entityObject) Environment() content.Object {
	return o.d.wrap(o.e.Environment())
}

func (o *entityObject) Inventory() []content.Object {
	inv := o.e.Inventory()
	out := make([]content.Object, 0, len(inv))
	for _, e := range inv {
		out = append(out, o.d.wrap(e))
	}
	return out
}

// behaviorFromDef translates a unit's descriptor into a registry behavior.
// Content handlers see content.Call values; the adapter rebinds the
// registry-level call on the way in.
func (d *Driver) behaviorFromDef(def *content.Def) *registry.Behavior {
	b := &registry.Behavior{
		Capabilities: make(map[registry.Capability]bool, len(def.Capabilities)),
		Props:        def.Props,
		Handlers:     make(map[string]registry.VerbHandler, len(def.Handlers)),
	}
	for _, c := range def.Capabilities {
		b.Capabilities[registry.Capability(c)] = true
	}
	for verb, h := range def.Handlers {
		b.Handlers[verb] = d.adaptHandler(h)
	}
	if fn := def.OnHeartbeat; fn != nil {
		b.OnHeartbeat = func(self *registry.Entity) { fn(d.wrap(self)) }
	}
	if fn := def.OnDestroy; fn != nil {
		b.OnDestroy = func(self *registry.Entity) { fn(d.wrap(self)) }
	}
	if fn := def.OnHotReload; fn != nil {
		b.OnHotReload = func(self *registry.Entity) { fn(d.wrap(self)) }
	}
	return b
}

func (d *Driver) adaptHandler(h content.Handler) registry.VerbHandler {
	return func(call *registry.VerbCall) bool {
		c := &content.Call{
			Caller: d.wrap(call.Caller),
			Verb:   call.Verb,
			Args:   call.Args,
		}
		return h(c)
	}
}

// shadowFromDef translates a content shadow descriptor into a registry
// shadow. Hooks and methods see wrapped objects, same as verb handlers.
func (d *Driver) shadowFromDef(def *content.ShadowDef) *shadow.Shadow {
	sh := &shadow.Shadow{
		Type:     def.Type,
		Priority: def.Priority,
		Active:   true,
		Props:    def.Props,
	}
	if len(def.Methods) > 0 {
		sh.Methods = make(map[string]shadow.Method, len(def.Methods))
		for name, fn := range def.Methods {
			fn := fn
			sh.Methods[name] = func(self *shadow.Shadow, args ...any) any {
				return fn(d.wrap(self.Target()), args...)
			}
		}
	}
	if fn := def.OnAttach; fn != nil {
		sh.OnAttach = func(t *registry.Entity) { fn(d.wrap(t)) }
	}
	if fn := def.OnDetach; fn != nil {
		sh.OnDetach = func(t *registry.Entity) { fn(d.wrap(t)) }
	}
	return sh
}

// contentAPI builds the extension surface a content constructor receives.
// All fields delegate to the efun surface; object values cross the
// boundary as wrapped adapters.
func (d *Driver) contentAPI() *content.API {
	return &content.API{
		FindObject: func(pathOrID string) content.Object {
			return d.wrap(d.efuns.FindObject(pathOrID))
		},
		CloneObject: func(path string) (content.Object, error) {
			e, err := d.efuns.CloneObject(path)
			if err != nil {
				return nil, err
			}
			return d.wrap(e), nil
		},
		MoveObject: func(what, dest content.Object) error {
			return d.efuns.MoveObject(unwrap(what), unwrap(dest))
		},
		DestroyObject: func(what content.Object) {
			d.efuns.DestroyObject(unwrap(what))
		},
		ThisPlayer: func() content.Object { return d.wrap(d.efuns.ThisPlayer()) },
		ThisObject: func() content.Object { return d.wrap(d.efuns.ThisObject()) },

		FindPlayer: func(name string) content.Object {
			return d.wrap(d.FindActivePlayer(name))
		},
		FindConnectedPlayer: func(name string) content.Object {
			return d.wrap(d.findConnectedPlayer(name))
		},
		AllPlayers: func() []content.Object {
			var out []content.Object
			for _, e := range d.allPlayerEntities() {
				out = append(out, d.wrap(e))
			}
			return out
		},

		Send: func(target content.Object, msg string) {
			d.efuns.Send(unwrap(target), msg)
		},
		Broadcast: func(room content.Object, msg string, except ...content.Object) {
			skip := make(map[registry.ID]bool, len(except))
			for _, ex := range except {
				if e := unwrap(ex); e != nil {
					skip[e.ObjectID()] = true
				}
			}
			env := unwrap(room)
			if env == nil {
				return
			}
			for _, e := range env.Inventory() {
				if !skip[e.ObjectID()] {
					d.sendToEntity(e, msg)
				}
			}
		},

		CallOut:       d.efuns.CallOut,
		CallOutEvery:  d.efuns.CallOutEvery,
		RemoveCallOut: d.efuns.RemoveCallOut,
		Time:          d.efuns.Time,

		SetHeartbeat: func(self content.Object, on bool) {
			d.efuns.SetHeartbeat(unwrap(self), on)
		},

		SaveData:     d.efuns.SaveData,
		LoadData:     d.efuns.LoadData,
		ListDataKeys: d.efuns.ListDataKeys,
		DeleteData:   d.efuns.DeleteData,

		SavePlayer: func(player content.Object) error {
			return d.efuns.SavePlayer(unwrap(player))
		},
		PlayerExists: d.efuns.PlayerExists,
		LoadPlayerData: func(name string) (map[string]any, error) {
			rec, err := d.efuns.LoadPlayerData(name)
			if err != nil {
				return nil, err
			}
			out := make(map[string]any, len(rec.State.Properties)+1)
			for k, v := range rec.State.Properties {
				out[k] = v
			}
			out["location"] = rec.Location
			return out, nil
		},
		ListPlayers: d.efuns.ListPlayers,

		AddShadow: func(target content.Object, def *content.ShadowDef) error {
			return d.efuns.AddShadow(unwrap(target), d.shadowFromDef(def))
		},
		RemoveShadow: func(target content.Object, shadowType string) error {
			return d.efuns.RemoveShadow(unwrap(target), shadowType)
		},

		ReadFile:  d.efuns.ReadFile,
		WriteFile: d.efuns.WriteFile,
		ReadDir:   d.efuns.ReadDir,
		FileStat: func(path string) (*content.FileInfo, error) {
			fi, err := d.efuns.FileStat(path)
			if err != nil {
				return nil, err
			}
			return &content.FileInfo{
				Size:      fi.Size,
				ModTimeMS: fi.ModTime.UnixMilli(),
				IsDir:     fi.IsDir,
			}, nil
		},

		SetPermissionLevel: func(name string, level int) {
			d.efuns.SetPermissionLevel(name, perm.Level(level))
		},
		SavePermissions: d.efuns.SavePermissions,

		ExecuteCommand: func(target content.Object, line string) {
			e := unwrap(target)
			if e == nil {
				return
			}
			d.executeAs(e, line, d.perms.LevelOf(propString(e, "name")))
		},

		GameConfig:   d.efuns.GameConfig,
		GetMudConfig: d.efuns.GetMudConfig,

		Log: func(msg string) {
			d.log.Info(msg, zap.String("origin", "content"))
		},
	}
}
