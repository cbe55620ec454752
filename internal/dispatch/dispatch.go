// Package dispatch turns player input lines into verb executions: alias
// expansion, builtin commands, object verb handlers, emotes, prompt
// sessions and the debounced autosave that follows state-changing input.
package dispatch

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"forgemud/internal/conn"
	"forgemud/internal/perm"
	"forgemud/internal/registry"
)

// saveDebounce batches rapid commands into one player save.
const saveDebounce = 2 * time.Second

// Context is everything a command runs with.
type Context struct {
	Name    string
	Level   perm.Level
	Player  *registry.Entity
	Session *conn.Session
	Send    func(msg string)
}

// BuiltinFunc is a driver-side command. It returns an error only for
// internal failures; user-facing refusals go through ctx.Send.
type BuiltinFunc func(ctx *Context, args []string) error

type builtin struct {
	name     string
	minLevel perm.Level
	help     string
	fn       BuiltinFunc
}

// Host is the dispatcher's view of the driver.
type Host interface {
	// Emote attempts the verb as an emote. Returns false if no such emote
	// exists.
	Emote(ctx *Context, verb string, args []string) bool
	// RuntimeError reports a panic from a verb handler to the master
	// object.
	RuntimeError(msg string, origin *registry.Entity)
	// SavePlayer persists a player after the debounce window.
	SavePlayer(name string)
}

// PromptFunc consumes one line of a prompt session. Returning true ends
// the session.
type PromptFunc func(line string) (done bool)

type promptSession struct {
	prompt string
	fn     PromptFunc
}

// Dispatcher resolves and executes command lines.
type Dispatcher struct {
	host Host
	log  *zap.Logger

	mu       sync.Mutex
	builtins map[string]*builtin
	prompts  map[string][]promptSession // session id -> prompt stack
	saves    map[string]*time.Timer     // player name -> debounce timer
}

// New creates a dispatcher. Alias management commands are installed out
// of the box; the driver registers the rest.
func New(host Host, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		host:     host,
		log:      log,
		builtins: make(map[string]*builtin),
		prompts:  make(map[string][]promptSession),
		saves:    make(map[string]*time.Timer),
	}
	d.Register("alias", perm.Player, "alias <name> <expansion> - define a shorthand", cmdAlias)
	d.Register("unalias", perm.Player, "unalias <name> - remove a shorthand", cmdUnalias)
	d.Register("aliases", perm.Player, "aliases - list your shorthands", cmdAliases)
	d.Register("help", perm.Player, "help [command] - this text", d.cmdHelp)
	return d
}

// Register installs a builtin command gated at minLevel.
func (d *Dispatcher) Register(name string, minLevel perm.Level, help string, fn BuiltinFunc) {
	d.mu.Lock()
	d.builtins[name] = &builtin{name: name, minLevel: minLevel, help: help, fn: fn}
	d.mu.Unlock()
}

// Dispatch runs one input line for a player.
func (d *Dispatcher) Dispatch(ctx *Context, line string) {
	if d.feedPrompt(ctx, line) {
		return
	}

	line = ExpandAlias(playerAliases(ctx.Player), line)
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	verb, rest, _ := strings.Cut(line, " ")
	verb = strings.ToLower(verb)
	args := strings.Fields(rest)

	defer func() {
		if r := recover(); r != nil {
			ctx.Send("Something went wrong executing that command.")
			d.log.Error("verb handler panic",
				zap.String("player", ctx.Name), zap.String("verb", verb),
				zap.Any("panic", r))
			d.host.RuntimeError(fmt.Sprintf("verb %q: %v", verb, r), ctx.Player)
		}
	}()

	if d.runBuiltin(ctx, verb, args) {
		d.MarkDirty(ctx.Name)
		return
	}
	if d.runHandlers(ctx, verb, args) {
		d.MarkDirty(ctx.Name)
		return
	}
	if d.host.Emote(ctx, verb, args) {
		return
	}
	ctx.Send("What?")
}

// runBuiltin executes a builtin if one matches and the player's level
// admits it. Commands above the player's level behave as if they do not
// exist.
func (d *Dispatcher) runBuiltin(ctx *Context, verb string, args []string) bool {
	d.mu.Lock()
	b, ok := d.builtins[verb]
	d.mu.Unlock()
	if !ok || ctx.Level < b.minLevel {
		return false
	}
	if err := b.fn(ctx, args); err != nil {
		ctx.Send("Something went wrong executing that command.")
		d.log.Error("builtin failed",
			zap.String("player", ctx.Name), zap.String("verb", verb), zap.Error(err))
	}
	return true
}

// runHandlers walks the object resolution order: the player's inventory,
// the player's environment, then the environment's other contents. The
// first handler that reports handled wins; false falls through.
func (d *Dispatcher) runHandlers(ctx *Context, verb string, args []string) bool {
	if ctx.Player == nil {
		return false
	}
	var candidates []*registry.Entity
	candidates = append(candidates, ctx.Player.Inventory()...)
	env := ctx.Player.Environment()
	if env != nil {
		candidates = append(candidates, env)
		for _, item := range env.Inventory() {
			if item.ObjectID() != ctx.Player.ObjectID() {
				candidates = append(candidates, item)
			}
		}
	}

	call := &registry.VerbCall{
		Caller: ctx.Player,
		Verb:   verb,
		Args:   args,
		Send:   ctx.Send,
	}
	for _, c := range candidates {
		h, ok := c.Handler(verb)
		if !ok {
			continue
		}
		if h(call) {
			return true
		}
	}
	return false
}

// StartPrompt pushes a prompt session for the player. Subsequent input
// lines feed the session instead of the dispatcher; "~q" aborts it.
func (d *Dispatcher) StartPrompt(ctx *Context, prompt string, fn PromptFunc) {
	d.mu.Lock()
	id := ctx.Session.ID()
	d.prompts[id] = append(d.prompts[id], promptSession{prompt: prompt, fn: fn})
	d.mu.Unlock()
	ctx.Send(prompt)
}

// feedPrompt routes a line into the active prompt session, if any.
func (d *Dispatcher) feedPrompt(ctx *Context, line string) bool {
	if ctx.Session == nil {
		return false
	}
	id := ctx.Session.ID()
	d.mu.Lock()
	stack := d.prompts[id]
	if len(stack) == 0 {
		d.mu.Unlock()
		return false
	}
	top := stack[len(stack)-1]
	d.mu.Unlock()

	if strings.TrimSpace(line) == "~q" {
		d.popPrompt(id)
		ctx.Send("Aborted.")
		return true
	}
	if top.fn(line) {
		d.popPrompt(id)
	} else {
		ctx.Send(top.prompt)
	}
	return true
}

func (d *Dispatcher) popPrompt(id string) {
	d.mu.Lock()
	stack := d.prompts[id]
	if len(stack) > 0 {
		d.prompts[id] = stack[:len(stack)-1]
	}
	if len(d.prompts[id]) == 0 {
		delete(d.prompts, id)
	}
	d.mu.Unlock()
}

// DropSession discards prompt state when a session goes away.
func (d *Dispatcher) DropSession(sessionID string) {
	d.mu.Lock()
	delete(d.prompts, sessionID)
	d.mu.Unlock()
}

// MarkDirty schedules a debounced save for the player.
func (d *Dispatcher) MarkDirty(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.saves[name]; ok {
		t.Reset(saveDebounce)
		return
	}
	d.saves[name] = time.AfterFunc(saveDebounce, func() {
		d.mu.Lock()
		delete(d.saves, name)
		d.mu.Unlock()
		d.host.SavePlayer(name)
	})
}

// FlushSaves cancels pending timers and saves every dirty player now.
// Used at shutdown and when a player quits.
func (d *Dispatcher) FlushSaves() {
	d.mu.Lock()
	names := make([]string, 0, len(d.saves))
	for name, t := range d.saves {
		t.Stop()
		names = append(names, name)
	}
	d.saves = make(map[string]*time.Timer)
	d.mu.Unlock()
	for _, name := range names {
		d.host.SavePlayer(name)
	}
}

// Complete returns builtin names matching prefix that the player's level
// admits, sorted. The driver merges in path completions for builders.
func (d *Dispatcher) Complete(prefix string, level perm.Level) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for name, b := range d.builtins {
		if level >= b.minLevel && strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// playerAliases reads the player's alias table from entity state.
func playerAliases(p *registry.Entity) map[string]string {
	if p == nil {
		return nil
	}
	raw, ok := p.Prop("aliases")
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

func setPlayerAliases(p *registry.Entity, aliases map[string]string) {
	p.SetProp("aliases", aliases)
}

func cmdAlias(ctx *Context, args []string) error {
	if len(args) < 2 {
		ctx.Send("Usage: alias <name> <expansion>")
		return nil
	}
	name := args[0]
	if aliasExempt[name] {
		ctx.Send("You can't alias that.")
		return nil
	}
	aliases := playerAliases(ctx.Player)
	if aliases == nil {
		aliases = make(map[string]string)
	}
	aliases[name] = strings.Join(args[1:], " ")
	setPlayerAliases(ctx.Player, aliases)
	ctx.Send(fmt.Sprintf("Alias set: %s -> %s", name, aliases[name]))
	return nil
}

func cmdUnalias(ctx *Context, args []string) error {
	if len(args) != 1 {
		ctx.Send("Usage: unalias <name>")
		return nil
	}
	aliases := playerAliases(ctx.Player)
	if _, ok := aliases[args[0]]; !ok {
		ctx.Send("No such alias.")
		return nil
	}
	delete(aliases, args[0])
	setPlayerAliases(ctx.Player, aliases)
	ctx.Send("Alias removed.")
	return nil
}

func cmdAliases(ctx *Context, args []string) error {
	aliases := playerAliases(ctx.Player)
	if len(aliases) == 0 {
		ctx.Send("You have no aliases.")
		return nil
	}
	names := make([]string, 0, len(aliases))
	for n := range aliases {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		ctx.Send(fmt.Sprintf("  %s -> %s", n, aliases[n]))
	}
	return nil
}

func (d *Dispatcher) cmdHelp(ctx *Context, args []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(args) == 1 {
		if b, ok := d.builtins[args[0]]; ok && ctx.Level >= b.minLevel {
			ctx.Send(b.help)
		} else {
			ctx.Send("No help for that.")
		}
		return nil
	}
	var names []string
	for name, b := range d.builtins {
		if ctx.Level >= b.minLevel {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	ctx.Send("Commands: " + strings.Join(names, ", "))
	return nil
}
