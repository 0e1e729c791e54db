// Package sandbox implements the Scripting Sandbox (C5): execution of a
// "code" step body with enough capability to reshape data and call other
// tools, but without enough capability to break out of the host process.
//
// Source is run as Starlark (go.starlark.net), a Python-like language that
// is sandboxed by construction: it has no eval/exec/compile, no file or
// network I/O, and its only form of module loading (`load(...)`) is a
// statement that this package statically checks against an import
// whitelist before execution ever begins.
package sandbox

import (
	"context"
	"strings"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/kadirpekel/taskflow/pkg/errs"
)

const (
	// DefaultBudget is a small integer (single-digit tens).
	DefaultBudget = 20
	// DefaultTimeout bounds a code step's wall-clock execution.
	DefaultTimeout = 5 * time.Second
	// maxOutputBytes bounds each of the two captured output streams.
	maxOutputBytes = 64 * 1024
)

// DefaultAllowedImports is the allow-set of "pure-data standard modules".
var DefaultAllowedImports = map[string]bool{
	"json":        true,
	"math":        true,
	"time":        true,
	"re":          true,
	"collections": true,
	"functional":  true,
	"typing":      true,
	"hashlib":     true,
	"uuid":        true,
}

// Config describes one code step execution.
type Config struct {
	Source          string
	Inputs          map[string]any
	Steps           map[string]any
	Config          map[string]any
	Timeout         time.Duration
	Budget          int
	AllowedImports  map[string]bool
	DeniedToolNames map[string]bool
	Caller          ToolCaller
}

// Result is the outcome of one sandboxed execution.
type Result struct {
	Output          any
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
}

// Run executes cfg.Source under the sandbox's security layers (syntax
// parse, import whitelist, builtin blacklist, capability injection,
// wall-clock timeout, bounded output capture) and extracts the `result`
// binding as the step's output.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	allowed := cfg.AllowedImports
	if allowed == nil {
		allowed = DefaultAllowedImports
	}

	const filename = "step.star"
	if err := checkImports(filename, cfg.Source, allowed); err != nil {
		return nil, err
	}

	predeclared := restrictedPredeclared()

	inputsVal, err := goToStarlark(cfg.Inputs)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInputInvalid, "code step inputs are not representable in starlark", err)
	}
	predeclared["inputs"] = inputsVal

	stepsVal, err := goToStarlark(cfg.Steps)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInputInvalid, "code step's accumulated step outcomes are not representable in starlark", err)
	}
	predeclared["steps"] = stepsVal

	configVal, err := goToStarlark(cfg.Config)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInputInvalid, "code step config is not representable in starlark", err)
	}
	predeclared["config"] = configVal

	predeclared["tools"] = &toolCapability{
		ctx:        ctx,
		caller:     cfg.Caller,
		budget:     int64(cfg.Budget),
		deniedName: cfg.DeniedToolNames,
	}

	stdout := newBoundedBuffer(maxOutputBytes)
	stderr := newBoundedBuffer(maxOutputBytes)
	predeclared["eprint"] = starlark.NewBuiltin("eprint", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			if s, ok := starlark.AsString(a); ok {
				parts[i] = s
			} else {
				parts[i] = a.String()
			}
		}
		stderr.WriteString(strings.Join(parts, " ") + "\n")
		return starlark.None, nil
	})

	thread := &starlark.Thread{
		Name:  "code-step",
		Print: func(_ *starlark.Thread, msg string) { stdout.WriteString(msg + "\n") },
		Load:  loadFunc(allowed),
	}

	type execOutcome struct {
		globals starlark.StringDict
		err     error
	}
	done := make(chan execOutcome, 1)
	go func() {
		globals, err := starlark.ExecFile(thread, filename, cfg.Source, predeclared)
		done <- execOutcome{globals: globals, err: err}
	}()

	var outcome execOutcome
	select {
	case outcome = <-done:
	case <-time.After(timeout):
		thread.Cancel("code step exceeded its wall-clock timeout")
		outcome = <-done
		return nil, errs.New(errs.CodeCodeTimeout, "code step exceeded its wall-clock timeout").WithDetail(timeout.String())
	case <-ctx.Done():
		thread.Cancel("execution canceled")
		outcome = <-done
		return nil, errs.Wrap(errs.CodeCodeTimeout, "code step canceled", ctx.Err())
	}

	if outcome.err != nil {
		return nil, classifyExecErr(outcome.err)
	}

	var output any
	if v, ok := outcome.globals["result"]; ok {
		output, err = starlarkToGo(v)
		if err != nil {
			return nil, errs.Wrap(errs.CodeCodeRuntime, "code step result binding is not representable", err)
		}
	}

	return &Result{
		Output:          output,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
	}, nil
}

// checkImports statically walks the parsed source and rejects any `load`
// whose top-level module is not in allowed, before a single statement
// executes. A syntax error at this stage fails the step deterministically.
func checkImports(filename, src string, allowed map[string]bool) error {
	f, err := syntax.Parse(filename, src, 0)
	if err != nil {
		return errs.Wrap(errs.CodeCodeSyntax, "code step failed to parse", err)
	}
	for _, stmt := range f.Stmts {
		load, ok := stmt.(*syntax.LoadStmt)
		if !ok {
			continue
		}
		modName, _ := load.Module.Value.(string)
		top := modName
		if i := strings.Index(top, "."); i >= 0 {
			top = top[:i]
		}
		if !allowed[top] {
			return errs.New(errs.CodeCodeSecurity, "import of disallowed module").WithDetail(modName)
		}
	}
	return nil
}

// restrictedPredeclared builds the execution environment's builtins table
// from starlark's own default Universe, stripped of the
// identifier-reflection primitives `getattr`, `dir`, and `hasattr`.
// Starlark has no eval/exec/compile/open/input/globals/locals
// to begin with — unlike a general-purpose embedded Python, those simply
// do not exist in its Universe, so the rest of the blacklist is enforced
// by the language's own design rather than by this function.
func restrictedPredeclared() starlark.StringDict {
	blacklist := map[string]bool{"getattr": true, "dir": true, "hasattr": true}
	out := make(starlark.StringDict, len(starlark.Universe))
	for name, v := range starlark.Universe {
		if blacklist[name] {
			continue
		}
		out[name] = v
	}
	return out
}

// loadFunc backs `load("module", ...)` statements at runtime, serving the
// real go.starlark.net library modules (json, math, time) and taskflow's
// own small pure-data modules (re, collections, functional, typing,
// hashlib, uuid). The whitelist is re-checked here (not just in
// checkImports) since nothing else guards this callback from being
// reached with an unexpected module name.
func loadFunc(allowed map[string]bool) func(*starlark.Thread, string) (starlark.StringDict, error) {
	return func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
		top := module
		if i := strings.Index(top, "."); i >= 0 {
			top = top[:i]
		}
		if !allowed[top] {
			return nil, errs.New(errs.CodeCodeSecurity, "import of disallowed module").WithDetail(module)
		}
		switch top {
		case "json":
			return starlark.StringDict{"json": json.Module}, nil
		case "math":
			return starlark.StringDict{"math": math.Module}, nil
		case "time":
			return starlark.StringDict{"time": startime.Module}, nil
		case "re":
			return starlark.StringDict{"re": regexModule()}, nil
		case "collections":
			return starlark.StringDict{"collections": collectionsModule()}, nil
		case "functional":
			return starlark.StringDict{"functional": functionalModule()}, nil
		case "typing":
			return starlark.StringDict{"typing": typingModule()}, nil
		case "hashlib":
			return starlark.StringDict{"hashlib": hashlibModule()}, nil
		case "uuid":
			return starlark.StringDict{"uuid": uuidModule()}, nil
		default:
			return nil, errs.New(errs.CodeCodeSecurity, "import of disallowed module").WithDetail(module)
		}
	}
}

// classifyExecErr maps a Starlark execution failure onto the taskflow
// error taxonomy. A *errs.Error raised from within the tool-calling
// capability (resource_exhausted, code_security) passes through
// unchanged; anything else is a plain code_runtime failure.
func classifyExecErr(err error) error {
	if e, ok := err.(*errs.Error); ok {
		return e
	}
	if evalErr, ok := err.(*starlark.EvalError); ok {
		if inner, ok := evalErr.Unwrap().(*errs.Error); ok {
			return inner
		}
		return errs.Wrap(errs.CodeCodeRuntime, "code step failed", err).WithDetail(evalErr.Backtrace())
	}
	return errs.Wrap(errs.CodeCodeRuntime, "code step failed", err)
}
