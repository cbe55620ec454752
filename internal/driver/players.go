package driver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"forgemud/internal/conn"
	"forgemud/internal/dispatch"
	"forgemud/internal/efun"
	"forgemud/internal/login"
	"forgemud/internal/perm"
	"forgemud/internal/registry"
	"forgemud/internal/scheduler"
	"forgemud/internal/store"
)

// playerEntry is one active character: its world entity plus whichever
// session currently drives it. session is nil while the player is
// link-dead; the entry stays until the disconnect timeout fires.
type playerEntry struct {
	name    string
	entity  *registry.Entity
	session *conn.Session
	level   perm.Level

	disconnectTask scheduler.TaskID
}

var _ login.Binder = (*Driver)(nil)
var _ dispatch.Host = (*Driver)(nil)

// IsOnline implements login.Binder.
func (d *Driver) IsOnline(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[strings.ToLower(name)]
	return ok
}

// EnterWorld implements login.Binder: build or restore the character and
// put it in a room. Runs on the scheduler cursor so world mutation is
// serialized with everything else.
func (d *Driver) EnterWorld(s *conn.Session, acct *store.AccountRecord, isNew, isFirst bool) {
	d.sched.Submit(func() {
		if err := d.enterWorld(s, acct, isNew, isFirst); err != nil {
			d.log.Error("enter world failed", zap.String("player", acct.Name), zap.Error(err))
			s.SendLine("Something went wrong bringing you into the world.")
			s.Close()
		}
	})
}

func (d *Driver) enterWorld(s *conn.Session, acct *store.AccountRecord, isNew, isFirst bool) error {
	entity, err := d.reg.Clone(defaultPlayerUnit)
	if err != nil {
		return err
	}
	entity.SetProp("name", acct.Name)
	entity.SetProp("gender", acct.Gender)

	location := d.cfg.StartRoom
	if !isNew {
		if rec, err := d.players.Load(acct.Name); err == nil {
			for k, v := range rec.State.Properties {
				entity.SetProp(k, v)
			}
			entity.SetProp("name", acct.Name)
			if rec.Location != "" {
				location = rec.Location
			}
			// A save taken while parked in the void points home instead.
			if location == defaultVoidUnit {
				location = d.cfg.StartRoom
				if v, ok := entity.Prop("previous_location"); ok {
					if s, ok := v.(string); ok && s != "" {
						location = s
					}
				}
			}
			delete(entity.State, "previous_location")
			for _, path := range rec.Inventory {
				item, err := d.reg.Clone(path)
				if err != nil {
					d.log.Warn("inventory item not restored",
						zap.String("player", acct.Name), zap.String("path", path), zap.Error(err))
					continue
				}
				if err := d.reg.Move(item, entity); err != nil {
					d.reg.Destroy(item)
				}
			}
		}
	}

	if isFirst {
		d.perms.SetLevel(acct.Name, perm.Administrator)
		if err := d.efuns.SavePermissions(); err != nil {
			d.log.Warn("first-admin grant not persisted", zap.Error(err))
		}
		d.log.Info("first character granted administrator", zap.String("player", acct.Name))
	}

	entry := &playerEntry{
		name:    acct.Name,
		entity:  entity,
		session: s,
		level:   d.perms.LevelOf(acct.Name),
	}
	d.mu.Lock()
	d.active[strings.ToLower(acct.Name)] = entry
	d.byEntity[entity.ObjectID()] = entry
	d.mu.Unlock()

	s.SetOwner(&playingOwner{d: d, entry: entry})

	if room := d.roomClone(location); room != nil {
		if err := d.reg.Move(entity, room); err != nil {
			d.log.Warn("player not placed", zap.String("room", location), zap.Error(err))
		} else {
			d.announce(room, fmt.Sprintf("%s arrives.", acct.Name), entity)
		}
	}

	s.SendLine(fmt.Sprintf("Welcome, %s.", acct.Name))
	d.lookAt(entry)
	d.disp.MarkDirty(acct.Name)
	return nil
}

// Takeover implements login.Binder: rebind an online character to a new
// session. The old link gets one line and is dropped without firing the
// link-death path.
func (d *Driver) Takeover(s *conn.Session, acct *store.AccountRecord) {
	d.sched.Submit(func() {
		d.mu.Lock()
		entry, ok := d.active[strings.ToLower(acct.Name)]
		d.mu.Unlock()
		if !ok {
			// The character left between auth and handoff; start fresh.
			d.EnterWorld(s, acct, false, false)
			return
		}
		wasLinkDead := entry.session == nil
		if old := entry.session; old != nil && old.ID() != s.ID() {
			old.SendLine("Your character has been taken over from another connection.")
			old.SetOwner(nil)
			old.Close()
		}
		d.cancelDisconnectTimer(entry)
		entry.session = s
		s.SetOwner(&playingOwner{d: d, entry: entry})
		if wasLinkDead {
			d.restoreFromVoid(entry)
		}
		s.SendLine(fmt.Sprintf("Welcome back, %s.", acct.Name))
		if env := entry.entity.Environment(); env != nil {
			d.announce(env, fmt.Sprintf("%s has reconnected.", entry.name), entry.entity)
		}
		d.lookAt(entry)
	})
}

// restoreFromVoid moves a reconnected character back to wherever it was
// when the link dropped. Falls back to the start room when the old room
// no longer exists.
func (d *Driver) restoreFromVoid(entry *playerEntry) {
	dest := d.cfg.StartRoom
	if v, ok := entry.entity.Prop("previous_location"); ok {
		if s, ok := v.(string); ok && s != "" {
			dest = s
		}
	}
	delete(entry.entity.State, "previous_location")
	if room := d.roomClone(dest); room != nil {
		if err := d.reg.Move(entry.entity, room); err != nil {
			d.log.Warn("player not restored from void",
				zap.String("player", entry.name), zap.String("room", dest), zap.Error(err))
		}
	}
}

// playingOwner routes an in-world session's events onto the scheduler.
type playingOwner struct {
	d     *Driver
	entry *playerEntry
}

func (o *playingOwner) OnLine(s *conn.Session, line string) {
	o.d.sched.Submit(func() {
		o.d.dispatchLine(o.entry, line)
	})
}

func (o *playingOwner) OnFrame(s *conn.Session, tag conn.Tag, payload json.RawMessage) {
	switch tag {
	case conn.TagComplete:
		o.d.sched.Submit(func() { o.d.handleComplete(o.entry, payload) })
	default:
		o.d.log.Debug("frame ignored",
			zap.String("player", o.entry.name), zap.String("tag", string(tag)))
	}
}

func (o *playingOwner) OnDisconnect(s *conn.Session) {
	o.d.sched.Submit(func() { o.d.handleLinkDeath(o.entry, s) })
}

func (d *Driver) dispatchLine(entry *playerEntry, line string) {
	ctx := d.commandContext(entry)
	d.efuns.Push(efunContext(entry))
	defer d.efuns.Pop()
	d.disp.Dispatch(ctx, line)
}

func (d *Driver) commandContext(entry *playerEntry) *dispatch.Context {
	return &dispatch.Context{
		Name:    entry.name,
		Level:   entry.level,
		Player:  entry.entity,
		Session: entry.session,
		Send: func(msg string) {
			if entry.session != nil {
				entry.session.SendLine(msg)
			}
		},
	}
}

// executeAs backs the execute_command efun: run a line as an entity at an
// explicit level, whether or not a session is attached.
func (d *Driver) executeAs(e *registry.Entity, line string, level perm.Level) {
	entry := d.entryFor(e)
	if entry == nil {
		name, _ := e.Prop("name")
		nameStr, _ := name.(string)
		entry = &playerEntry{name: nameStr, entity: e, level: level}
	}
	ctx := d.commandContext(entry)
	ctx.Level = level
	d.disp.Dispatch(ctx, line)
}

// handleLinkDeath parks the character in the void holding room and arms
// the force-quit timer. The entity survives so the player can
// reconnect; its old room is remembered for the return trip.
func (d *Driver) handleLinkDeath(entry *playerEntry, s *conn.Session) {
	d.disp.DropSession(s.ID())
	if entry.session == nil || entry.session.ID() != s.ID() {
		return // superseded by a takeover
	}
	entry.session = nil
	d.log.Info("player link-dead", zap.String("player", entry.name))

	if env := entry.entity.Environment(); env != nil {
		entry.entity.SetProp("previous_location", env.BlueprintPath())
		d.announce(env, fmt.Sprintf("%s loses their link.", entry.name), entry.entity)
	}
	if void := d.roomClone(defaultVoidUnit); void != nil {
		if err := d.reg.Move(entry.entity, void); err != nil {
			d.log.Warn("player not parked in void",
				zap.String("player", entry.name), zap.Error(err))
		}
	}

	limit := d.cfg.GetDisconnectLimit()
	entry.disconnectTask = d.sched.CallOutFor(entry.entity.ObjectID(), func() {
		d.forceQuit(entry)
	}, limit)
}

func (d *Driver) cancelDisconnectTimer(entry *playerEntry) {
	if entry.disconnectTask != 0 {
		d.sched.Cancel(entry.disconnectTask)
		entry.disconnectTask = 0
	}
}

// forceQuit removes a player who never reconnected.
func (d *Driver) forceQuit(entry *playerEntry) {
	d.log.Info("disconnect timeout, removing player", zap.String("player", entry.name))
	d.removePlayer(entry, "")
}

// removePlayer saves, unregisters and destroys a player entity. farewell
// is announced to the room when non-empty.
func (d *Driver) removePlayer(entry *playerEntry, farewell string) {
	d.cancelDisconnectTimer(entry)
	if err := d.efuns.SavePlayer(entry.entity); err != nil {
		d.log.Warn("player not saved on exit", zap.String("player", entry.name), zap.Error(err))
	}
	if env := entry.entity.Environment(); env != nil && farewell != "" {
		d.announce(env, farewell, entry.entity)
	}

	d.mu.Lock()
	delete(d.active, strings.ToLower(entry.name))
	delete(d.byEntity, entry.entity.ObjectID())
	d.mu.Unlock()

	d.loginD.Tokens().Revoke(entry.name)
	d.reg.Destroy(entry.entity)
	if entry.session != nil {
		entry.session.SetOwner(nil)
		entry.session.Close()
		entry.session = nil
	}
}

// entryFor resolves the active entry for a player entity.
func (d *Driver) entryFor(e *registry.Entity) *playerEntry {
	if e == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byEntity[e.ObjectID()]
}

// dropEntity clears table slots when a player entity is destroyed behind
// the driver's back, by content calling destroy_object.
func (d *Driver) dropEntity(e *registry.Entity) {
	d.mu.Lock()
	entry, ok := d.byEntity[e.ObjectID()]
	if ok {
		delete(d.byEntity, e.ObjectID())
		delete(d.active, strings.ToLower(entry.name))
	}
	d.mu.Unlock()
}

// sendToEntity routes driver and content messages to whoever is watching
// the entity. Non-player entities drop the message.
func (d *Driver) sendToEntity(e *registry.Entity, msg string) {
	entry := d.entryFor(e)
	if entry == nil || entry.session == nil {
		return
	}
	entry.session.SendLine(msg)
}

// announce sends a line to every player in the room except the given
// ones.
func (d *Driver) announce(room *registry.Entity, msg string, except ...*registry.Entity) {
	skip := make(map[registry.ID]bool, len(except))
	for _, ex := range except {
		if ex != nil {
			skip[ex.ObjectID()] = true
		}
	}
	for _, e := range room.Inventory() {
		if !skip[e.ObjectID()] {
			d.sendToEntity(e, msg)
		}
	}
}

// ActivePlayers returns the online character names, sorted.
func (d *Driver) ActivePlayers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.active))
	for _, e := range d.active {
		out = append(out, e.name)
	}
	sort.Strings(out)
	return out
}

// FindActivePlayer resolves an online character by name, case
// insensitively.
func (d *Driver) FindActivePlayer(name string) *registry.Entity {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.active[strings.ToLower(name)]; ok {
		return entry.entity
	}
	return nil
}

// findConnectedPlayer resolves an online character that still has a live
// link; link-dead characters are skipped.
func (d *Driver) findConnectedPlayer(name string) *registry.Entity {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.active[strings.ToLower(name)]; ok && entry.session != nil {
		return entry.entity
	}
	return nil
}

// allPlayerEntities snapshots the active-player entities in name order.
func (d *Driver) allPlayerEntities() []*registry.Entity {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.active))
	for key := range d.active {
		names = append(names, key)
	}
	sort.Strings(names)
	out := make([]*registry.Entity, 0, len(names))
	for _, key := range names {
		out = append(out, d.active[key].entity)
	}
	return out
}

// SavePlayer implements dispatch.Host: the debounced autosave lands
// here on the save timer's goroutine. The snapshot of entity state runs
// on the scheduler cursor; only the finished record goes to disk off
// it.
func (d *Driver) SavePlayer(name string) {
	d.sched.Submit(func() {
		d.mu.Lock()
		entry, ok := d.active[strings.ToLower(name)]
		d.mu.Unlock()
		if !ok {
			return
		}
		rec, err := d.efuns.SnapshotPlayer(entry.entity)
		if err != nil {
			d.log.Warn("autosave snapshot failed", zap.String("player", name), zap.Error(err))
			return
		}
		d.saveWG.Add(1)
		go func() {
			defer d.saveWG.Done()
			if err := d.players.Save(rec); err != nil {
				d.log.Warn("autosave failed", zap.String("player", name), zap.Error(err))
			}
		}()
	})
}

// RuntimeError implements dispatch.Host.
func (d *Driver) RuntimeError(msg string, origin *registry.Entity) {
	d.runtimeError(msg, origin)
}

func efunContext(entry *playerEntry) efun.ExecContext {
	return efun.ExecContext{Player: entry.entity, Object: entry.entity}
}
