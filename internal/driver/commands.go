package driver

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"forgemud/internal/conn"
	"forgemud/internal/content"
	"forgemud/internal/dispatch"
	"forgemud/internal/perm"
	"forgemud/internal/registry"
)

func (d *Driver) registerBuiltins() {
	d.Register("look", perm.Player, "look - describe your surroundings", d.cmdLook)
	d.Register("go", perm.Player, "go <direction> - move through an exit", d.cmdGo)
	for _, dir := range []string{
		"north", "south", "east", "west",
		"northeast", "northwest", "southeast", "southwest",
		"up", "down",
	} {
		dir := dir
		d.Register(dir, perm.Player, dir+" - move "+dir,
			func(ctx *dispatch.Context, args []string) error {
				return d.cmdGo(ctx, []string{dir})
			})
	}
	d.Register("say", perm.Player, "say <text> - speak to the room", d.cmdSay)
	d.Register("who", perm.Player, "who - list connected players", d.cmdWho)
	d.Register("save", perm.Player, "save - persist your character now", d.cmdSave)
	d.Register("quit", perm.Player, "quit - leave the world", d.cmdQuit)
	d.Register("edit", perm.Builder, "edit <path> - line editor over the IDE channel", d.cmdEdit)
	d.Register("reload", perm.Builder, "reload <path> [force] - recompile a content unit", d.cmdReload)
	d.Register("shutdown", perm.Administrator, "shutdown - stop the driver", d.cmdShutdown)
	d.Register("grant", perm.Administrator, "grant <name> <level> - set a permission level", d.cmdGrant)
}

// Register forwards to the dispatcher; exposed so tests and the master
// object can add commands.
func (d *Driver) Register(name string, minLevel perm.Level, help string, fn dispatch.BuiltinFunc) {
	d.disp.Register(name, minLevel, help, fn)
}

// roomClone returns the live clone for a room path, creating the first
// one on demand. Rooms are effectively singletons.
func (d *Driver) roomClone(path string) *registry.Entity {
	if path == "" {
		return nil
	}
	if clones := d.reg.CloneEntities(path); len(clones) > 0 {
		return clones[0]
	}
	room, err := d.reg.Clone(path)
	if err != nil {
		d.log.Warn("room unavailable", zap.String("path", path), zap.Error(err))
		return nil
	}
	return room
}

func propString(e *registry.Entity, key string) string {
	if v, ok := e.Prop(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// shortOf names an entity for players: its short prop, its player name,
// or its path as a last resort.
func (d *Driver) shortOf(e *registry.Entity) string {
	if v, ok := d.shadows.Prop(e, "short"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if name := propString(e, "name"); name != "" {
		return name
	}
	return e.BlueprintPath()
}

func (d *Driver) lookAt(entry *playerEntry) {
	send := func(msg string) {
		if entry.session != nil {
			entry.session.SendLine(msg)
		}
	}
	env := entry.entity.Environment()
	if env == nil {
		send("You float in a formless void.")
		return
	}
	if short := propString(env, "short"); short != "" {
		send(short)
	} else {
		send(env.BlueprintPath())
	}
	if long := propString(env, "long"); long != "" {
		send(long)
	}
	if exits := exitMap(env); len(exits) > 0 {
		dirs := make([]string, 0, len(exits))
		for dir := range exits {
			dirs = append(dirs, dir)
		}
		sort.Strings(dirs)
		send("Exits: " + strings.Join(dirs, ", "))
	}
	for _, item := range env.Inventory() {
		if item.ObjectID() == entry.entity.ObjectID() {
			continue
		}
		send("  " + d.shortOf(item))
	}
}

// exitMap reads a room's exits prop: direction -> room path.
func exitMap(room *registry.Entity) map[string]string {
	raw, ok := room.Prop("exits")
	if !ok {
		return nil
	}
	switch m := raw.(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

func (d *Driver) cmdLook(ctx *dispatch.Context, args []string) error {
	entry := d.entryFor(ctx.Player)
	if entry == nil {
		return nil
	}
	d.lookAt(entry)
	return nil
}

func (d *Driver) cmdGo(ctx *dispatch.Context, args []string) error {
	if len(args) != 1 {
		ctx.Send("Go where?")
		return nil
	}
	dir := strings.ToLower(args[0])
	env := ctx.Player.Environment()
	if env == nil {
		ctx.Send("There is nowhere to go from here.")
		return nil
	}
	dest, ok := exitMap(env)[dir]
	if !ok {
		ctx.Send("You can't go that way.")
		return nil
	}
	room := d.roomClone(dest)
	if room == nil {
		ctx.Send("That way is blocked.")
		return nil
	}
	if err := d.reg.Move(ctx.Player, room); err != nil {
		ctx.Send("You can't go that way.")
		return nil
	}
	d.announce(env, fmt.Sprintf("%s leaves %s.", ctx.Name, dir), ctx.Player)
	d.announce(room, fmt.Sprintf("%s arrives.", ctx.Name), ctx.Player)
	if entry := d.entryFor(ctx.Player); entry != nil {
		d.lookAt(entry)
	}
	return nil
}

func (d *Driver) cmdSay(ctx *dispatch.Context, args []string) error {
	if len(args) == 0 {
		ctx.Send("Say what?")
		return nil
	}
	text := strings.Join(args, " ")
	env := ctx.Player.Environment()
	if env != nil {
		d.announce(env, fmt.Sprintf("%s says: %s", ctx.Name, text), ctx.Player)
	}
	ctx.Send(fmt.Sprintf("You say: %s", text))
	return nil
}

func (d *Driver) cmdWho(ctx *dispatch.Context, args []string) error {
	names := d.ActivePlayers()
	ctx.Send(fmt.Sprintf("%d connected:", len(names)))
	for _, n := range names {
		ctx.Send("  " + n)
	}
	return nil
}

func (d *Driver) cmdSave(ctx *dispatch.Context, args []string) error {
	if err := d.efuns.SavePlayer(ctx.Player); err != nil {
		return err
	}
	ctx.Send("Saved.")
	return nil
}

func (d *Driver) cmdQuit(ctx *dispatch.Context, args []string) error {
	entry := d.entryFor(ctx.Player)
	if entry == nil {
		return nil
	}
	ctx.Send("Goodbye.")
	d.removePlayer(entry, fmt.Sprintf("%s leaves the world.", ctx.Name))
	return nil
}

// cmdEdit is a minimal line editor. The current file is pushed to the
// client over the IDE channel, replacement lines are collected in a
// prompt session, and "." saves. Saved units are compile-checked and
// diagnostics go back over the same channel; the watcher picks up the
// write and hot-reloads.
func (d *Driver) cmdEdit(ctx *dispatch.Context, args []string) error {
	if len(args) != 1 || !strings.HasPrefix(args[0], "/") {
		ctx.Send("Usage: edit </path/to/unit.go>")
		return nil
	}
	path := args[0]
	if ctx.Session == nil {
		return nil
	}
	if !d.perms.CanWrite(&ctx.Name, path) {
		ctx.Send("That file is outside your domain.")
		return nil
	}

	current, err := d.efuns.ReadFile(path)
	if err != nil {
		current = "" // new file
	}
	ctx.Session.SendFrame(conn.TagIDE, map[string]any{
		"action": "open", "path": path, "text": current,
	})

	var buf []string
	ctx.Send(fmt.Sprintf("Editing %s. Enter lines; \".\" saves, \"~q\" aborts.", path))
	d.disp.StartPrompt(ctx, "] ", func(line string) bool {
		if line != "." {
			buf = append(buf, line)
			return false
		}
		d.saveEdit(ctx, path, strings.Join(buf, "\n")+"\n")
		return true
	})
	return nil
}

func (d *Driver) saveEdit(ctx *dispatch.Context, path, text string) {
	if err := d.efuns.WriteFile(path, text); err != nil {
		ctx.Send(fmt.Sprintf("Save failed: %v", err))
		return
	}

	logical := strings.TrimSuffix(path, ".go")
	if _, cerr := d.compiler.Compile(logical, []byte(text)); cerr != nil {
		ctx.Send(fmt.Sprintf("Saved with errors: %v", cerr))
		if ctx.Session != nil {
			var ce *content.CompileError
			frame := map[string]any{"action": "errors", "path": path}
			if errors.As(cerr, &ce) {
				frame["diags"] = ce.Diags
			} else {
				frame["diags"] = []content.Diag{{Message: cerr.Error()}}
			}
			ctx.Session.SendFrame(conn.TagIDE, frame)
		}
		return
	}

	ctx.Send(fmt.Sprintf("Saved %s.", path))
	if ctx.Session != nil {
		ctx.Session.SendFrame(conn.TagIDE, map[string]any{
			"action": "saved", "path": path,
		})
	}
}

func (d *Driver) cmdReload(ctx *dispatch.Context, args []string) error {
	if len(args) == 0 {
		ctx.Send("Usage: reload <path> [force]")
		return nil
	}
	path := args[0]
	force := len(args) > 1 && args[1] == "force"
	if force && ctx.Level < perm.Administrator {
		ctx.Send("Only administrators may force-reload protected paths.")
		return nil
	}
	if !d.perms.CanWrite(&ctx.Name, path) && ctx.Level < perm.Administrator {
		ctx.Send("That unit is outside your domain.")
		return nil
	}
	if err := d.ReloadUnit(path, force); err != nil {
		ctx.Send(fmt.Sprintf("Reload failed: %v", err))
		return nil
	}
	ctx.Send(fmt.Sprintf("Reloaded %s.", path))
	return nil
}

func (d *Driver) cmdShutdown(ctx *dispatch.Context, args []string) error {
	ctx.Send("Shutting down.")
	d.log.Info("shutdown requested", zap.String("by", ctx.Name))
	d.Stop()
	return nil
}

func (d *Driver) cmdGrant(ctx *dispatch.Context, args []string) error {
	if len(args) != 2 {
		ctx.Send("Usage: grant <name> <level>")
		return nil
	}
	level, ok := perm.ParseLevel(args[1])
	if !ok {
		ctx.Send("Levels: player, builder, senior_builder, administrator.")
		return nil
	}
	d.perms.SetLevel(args[0], level)
	if entry := d.activeEntry(args[0]); entry != nil {
		entry.level = level
	}
	if err := d.efuns.SavePermissions(); err != nil {
		return err
	}
	ctx.Send(fmt.Sprintf("%s is now %s.", args[0], level))
	return nil
}

func (d *Driver) activeEntry(name string) *playerEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[strings.ToLower(name)]
}

// defaultEmotes is the built-in emote table. The emote daemon unit may
// extend it at runtime through its constructor.
func defaultEmotes() map[string]string {
	return map[string]string{
		"smile":   "smiles",
		"grin":    "grins",
		"nod":     "nods",
		"wave":    "waves",
		"laugh":   "laughs",
		"frown":   "frowns",
		"shrug":   "shrugs",
		"bow":     "bows",
		"cheer":   "cheers",
		"applaud": "applauds",
	}
}

// Emote implements dispatch.Host: the last resolution step. Supports an
// optional @target: "smile @bob" becomes "Alice smiles at Bob.". The
// bare form "smile bob" is accepted too.
func (d *Driver) Emote(ctx *dispatch.Context, verb string, args []string) bool {
	action, ok := d.emotes[verb]
	if !ok {
		return false
	}
	env := ctx.Player.Environment()

	if len(args) > 0 {
		targetName := strings.TrimPrefix(args[0], "@")
		if target := d.FindActivePlayer(targetName); target != nil &&
			env != nil && sameRoom(ctx.Player, target) {
			display := propString(target, "name")
			ctx.Send(fmt.Sprintf("You %s at %s.", verb, display))
			d.sendToEntity(target, fmt.Sprintf("%s %s at you.", ctx.Name, action))
			d.announce(env, fmt.Sprintf("%s %s at %s.", ctx.Name, action, display),
				ctx.Player, target)
			return true
		}
		ctx.Send("They aren't here.")
		return true
	}

	ctx.Send(fmt.Sprintf("You %s.", verb))
	if env != nil {
		d.announce(env, fmt.Sprintf("%s %s.", ctx.Name, action), ctx.Player)
	}
	return true
}

func sameRoom(a, b *registry.Entity) bool {
	ea, eb := a.Environment(), b.Environment()
	return ea != nil && eb != nil && ea.ObjectID() == eb.ObjectID()
}

// handleComplete answers a COMPLETE frame with command and path
// completions. Path completion is builder-scoped; players only see
// commands.
func (d *Driver) handleComplete(entry *playerEntry, payload json.RawMessage) {
	var req struct {
		Prefix string `json:"prefix"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || entry.session == nil {
		return
	}

	matches := d.disp.Complete(req.Prefix, entry.level)
	if entry.level >= perm.Builder && strings.HasPrefix(req.Prefix, "/") {
		matches = append(matches, d.completePaths(entry, req.Prefix)...)
	}
	entry.session.SendFrame(conn.TagComplete, map[string]any{
		"prefix":  req.Prefix,
		"matches": matches,
	})
}

// completePaths expands a mudlib path prefix to readable entries.
func (d *Driver) completePaths(entry *playerEntry, prefix string) []string {
	dir := prefix[:strings.LastIndex(prefix, "/")+1]
	names, err := d.efuns.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, name := range names {
		full := dir + name
		if strings.HasPrefix(full, prefix) {
			out = append(out, full)
		}
	}
	sort.Strings(out)
	return out
}
