package content

import (
	"errors"
	"strings"
	"testing"
)

const itemSource = `package unit

import "forgemud/internal/content"

func Blueprint(api *content.API) *content.Def {
	return &content.Def{
		Capabilities: []string{"container"},
		Props:        map[string]any{"value": 100, "short": "a plain box"},
		Requires:     []string{"/std/object"},
		Handlers: map[string]content.Handler{
			"open": func(c *content.Call) bool {
				c.Caller.Send("You open the box.")
				return true
			},
		},
	}
}
`

func TestCompile_ValidUnit(t *testing.T) {
	c := NewCompiler()
	unit, err := c.Compile("/std/box", []byte(itemSource))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if unit.Fingerprint == "" {
		t.Error("fingerprint empty")
	}

	def, err := unit.Constructor(&API{})
	if err != nil {
		t.Fatalf("Constructor: %v", err)
	}
	if def.Props["value"] != 100 {
		t.Errorf("prop lost: %v", def.Props["value"])
	}
	if len(def.Requires) != 1 || def.Requires[0] != "/std/object" {
		t.Errorf("requires lost: %v", def.Requires)
	}
	if _, ok := def.Handlers["open"]; !ok {
		t.Error("handler lost")
	}
	if len(def.Capabilities) != 1 || def.Capabilities[0] != "container" {
		t.Errorf("capabilities lost: %v", def.Capabilities)
	}
}

func TestCompile_HandlerRuns(t *testing.T) {
	c := NewCompiler()
	unit, err := c.Compile("/std/box", []byte(itemSource))
	if err != nil {
		t.Fatal(err)
	}
	def, err := unit.Constructor(&API{})
	if err != nil {
		t.Fatal(err)
	}

	var sent []string
	caller := &fakeObject{send: func(m string) { sent = append(sent, m) }}
	handled := def.Handlers["open"](&Call{Caller: caller, Verb: "open"})
	if !handled {
		t.Error("handler should report handled")
	}
	if len(sent) != 1 || sent[0] != "You open the box." {
		t.Errorf("handler output wrong: %v", sent)
	}
}

func TestCompile_ForbiddenImport(t *testing.T) {
	src := `package unit

import (
	"os"
	"forgemud/internal/content"
)

func Blueprint(api *content.API) *content.Def {
	os.Exit(1)
	return &content.Def{}
}
`
	c := NewCompiler()
	_, err := c.Compile("/std/evil", []byte(src))
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected CompileError, got %v", err)
	}
	if len(ce.Diags) != 1 || !strings.Contains(ce.Diags[0].Message, `"os"`) {
		t.Errorf("diagnostic should name the forbidden import: %+v", ce.Diags)
	}
}

func TestCompile_WallClockBlocked(t *testing.T) {
	src := `package unit

import "time"

func Blueprint() {}
`
	c := NewCompiler()
	if _, err := c.Compile("/std/clock", []byte(src)); err == nil {
		t.Error("time import should be rejected; content reads time via the Time efun")
	}
}

func TestCompile_SyntaxErrorDiagnostics(t *testing.T) {
	src := `package unit

import "forgemud/internal/content"

func Blueprint(api *content.API) *content.Def {
	return &content.Def{
` // unterminated
	c := NewCompiler()
	_, err := c.Compile("/std/broken", []byte(src))
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected CompileError, got %v", err)
	}
	if len(ce.Diags) == 0 {
		t.Error("expected at least one diagnostic")
	}
}

func TestCompile_MissingConstructor(t *testing.T) {
	src := `package unit

func NotBlueprint() int { return 1 }
`
	c := NewCompiler()
	_, err := c.Compile("/std/empty", []byte(src))
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected CompileError, got %v", err)
	}
}

func TestCompile_ConstructorPanicIsError(t *testing.T) {
	src := `package unit

import "forgemud/internal/content"

func Blueprint(api *content.API) *content.Def {
	panic("boom at construction")
}
`
	c := NewCompiler()
	unit, err := c.Compile("/std/bomb", []byte(src))
	if err != nil {
		t.Fatalf("Compile itself should succeed: %v", err)
	}
	if _, err := unit.Constructor(&API{}); err == nil {
		t.Error("constructor panic should surface as error")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := Fingerprint([]byte(itemSource))
	b := Fingerprint([]byte(itemSource))
	if a != b {
		t.Error("fingerprint not deterministic")
	}
	if a == Fingerprint([]byte(itemSource+"\n// changed")) {
		t.Error("fingerprint should change with content")
	}
}

// fakeObject is a minimal content.Object for handler tests.
type fakeObject struct {
	send func(string)
}

func (f *fakeObject) ID() string                 { return "/test#1" }
func (f *fakeObject) Path() string               { return "/test" }
func (f *fakeObject) Prop(string) any            { return nil }
func (f *fakeObject) SetProp(string, any)        {}
func (f *fakeObject) HasCapability(string) bool  { return false }
func (f *fakeObject) Send(msg string)            { f.send(msg) }
func (f *fakeObject) Environment() Object        { return nil }
func (f *fakeObject) Inventory() []Object        { return nil }
