package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Content units run under yaegi instead of being compiled into the driver.
// This is what makes hot reload safe: a broken unit fails at Eval time and
// the previous blueprint stays live, and the import whitelist keeps content
// away from the filesystem, the network and the wall clock.

// allowedImports is the sandbox whitelist. Everything else (os, net, time,
// syscall, unsafe, os/exec) is rejected before evaluation.
var allowedImports = map[string]bool{
	"fmt":     true,
	"strings": true,
	"strconv": true,
	"math":    true,
	"sort":    true,
	"errors":  true,
	"unicode": true,

	"forgemud/internal/content": true,
}

// Diag is one compile diagnostic surfaced to the originating builder.
type Diag struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

// CompileError carries diagnostics for a unit that failed to compile.
type CompileError struct {
	Path  string
	Diags []Diag
}

func (e *CompileError) Error() string {
	if len(e.Diags) == 0 {
		return fmt.Sprintf("compile failed: %s", e.Path)
	}
	d := e.Diags[0]
	return fmt.Sprintf("compile failed: %s:%d:%d: %s", e.Path, d.Line, d.Column, d.Message)
}

// Constructor builds a unit's Def. Panics inside content are translated to
// errors at this boundary.
type Constructor func(api *API) (def *Def, err error)

// Unit is one compiled content file.
type Unit struct {
	Path        string
	Fingerprint string
	Constructor Constructor

	// Requires is filled in after first construction; the Def declares it.
	Requires []string
}

// Compiler evaluates content sources in fresh, sandboxed interpreters.
type Compiler struct{}

// NewCompiler creates a content compiler.
func NewCompiler() *Compiler {
	return &Compiler{}
}

// Fingerprint returns the content fingerprint used for no-op reload
// detection.
func Fingerprint(src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}

var packageRe = regexp.MustCompile(`(?m)^package\s+([A-Za-z_][A-Za-z0-9_]*)`)
var posRe = regexp.MustCompile(`(\d+):(\d+):\s*(.*)`)

// Compile validates and evaluates one content source. The returned unit's
// constructor may be invoked any number of times; each invocation yields an
// independent Def.
func (c *Compiler) Compile(path string, src []byte) (*Unit, error) {
	if err := validateImports(path, src); err != nil {
		return nil, err
	}

	code := string(src)
	pkg := "unit"
	if m := packageRe.FindStringSubmatch(code); m != nil {
		pkg = m[1]
	} else {
		code = "package unit\n\n" + code
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if err := i.Use(Symbols()); err != nil {
		return nil, fmt.Errorf("failed to load content symbols: %w", err)
	}

	if _, err := i.Eval(code); err != nil {
		return nil, &CompileError{Path: path, Diags: diagsFromError(err)}
	}

	v, err := i.Eval(pkg + ".Blueprint")
	if err != nil {
		return nil, &CompileError{Path: path, Diags: []Diag{{
			Message: "Blueprint constructor not found",
		}}}
	}
	fn, ok := v.Interface().(func(*API) *Def)
	if !ok {
		return nil, &CompileError{Path: path, Diags: []Diag{{
			Message: fmt.Sprintf("Blueprint has wrong signature %T (expected func(*content.API) *content.Def)", v.Interface()),
		}}}
	}

	ctor := func(api *API) (def *Def, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("constructor panic in %s: %v", path, r)
			}
		}()
		def = fn(api)
		if def == nil {
			return nil, fmt.Errorf("constructor returned nil def: %s", path)
		}
		return def, nil
	}

	return &Unit{
		Path:        path,
		Fingerprint: Fingerprint(src),
		Constructor: ctor,
	}, nil
}

// validateImports rejects any import outside the whitelist.
func validateImports(path string, src []byte) error {
	var forbidden []string
	inBlock := false
	for n, line := range strings.Split(string(src), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
			continue
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
			continue
		}

		var pkg string
		if inBlock {
			pkg = trimmed
		} else if strings.HasPrefix(trimmed, "import ") {
			pkg = strings.TrimPrefix(trimmed, "import ")
		} else {
			continue
		}
		// Strip an import alias and the quotes.
		if idx := strings.LastIndex(pkg, `"`); idx >= 0 {
			if start := strings.Index(pkg, `"`); start < idx {
				pkg = pkg[start+1 : idx]
			}
		}
		pkg = strings.TrimSpace(pkg)
		if pkg == "" || strings.HasPrefix(pkg, "//") {
			continue
		}
		if !allowedImports[pkg] {
			forbidden = append(forbidden, fmt.Sprintf("%d: %s", n+1, pkg))
		}
	}
	if len(forbidden) > 0 {
		diags := make([]Diag, 0, len(forbidden))
		for _, f := range forbidden {
			parts := strings.SplitN(f, ": ", 2)
			line, _ := strconv.Atoi(parts[0])
			diags = append(diags, Diag{
				Line:    line,
				Message: fmt.Sprintf("forbidden import %q", parts[1]),
			})
		}
		return &CompileError{Path: path, Diags: diags}
	}
	return nil
}

// diagsFromError extracts line/column positions from a yaegi error string.
func diagsFromError(err error) []Diag {
	msg := err.Error()
	if m := posRe.FindStringSubmatch(msg); m != nil {
		line, _ := strconv.Atoi(m[1])
		col, _ := strconv.Atoi(m[2])
		return []Diag{{Line: line, Column: col, Message: m[3]}}
	}
	return []Diag{{Message: msg}}
}

// Symbols exports the content-facing types into the interpreter under the
// package path content units import.
func Symbols() interp.Exports {
	return interp.Exports{
		"forgemud/internal/content/content": {
			"API":     reflect.ValueOf((*API)(nil)),
			"Def":     reflect.ValueOf((*Def)(nil)),
			"Call":    reflect.ValueOf((*Call)(nil)),
			"Object":  reflect.ValueOf((*Object)(nil)),
			"Handler": reflect.ValueOf((*Handler)(nil)),
		},
	}
}
