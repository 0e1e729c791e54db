package sandbox

import (
	"context"
	"sync/atomic"

	"go.starlark.net/starlark"

	"github.com/kadirpekel/taskflow/pkg/errs"
)

// ToolCaller is the capability a sandbox Run is given to reach outside
// itself; Tool Dispatch satisfies this so code steps can call tools.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, params map[string]any) (any, error)
}

// toolCapability is the single starlark value injected as the `tools`
// global: a `.call(name, params)` method mediated by a per-execution
// budget, refusing re-entry into the sandbox's own code-execution tool
// names.
type toolCapability struct {
	ctx        context.Context
	caller     ToolCaller
	budget     int64
	calls      int64
	deniedName map[string]bool
}

var (
	_ starlark.Value    = (*toolCapability)(nil)
	_ starlark.HasAttrs = (*toolCapability)(nil)
)

func (c *toolCapability) String() string      { return "<tools>" }
func (c *toolCapability) Type() string        { return "tools" }
func (c *toolCapability) Freeze()             {}
func (c *toolCapability) Truth() starlark.Bool { return starlark.True }
func (c *toolCapability) Hash() (uint32, error) {
	return 0, errs.New(errs.CodeCodeRuntime, "tools capability is not hashable")
}

func (c *toolCapability) Attr(name string) (starlark.Value, error) {
	if name != "call" {
		return nil, nil
	}
	return starlark.NewBuiltin("tools.call", c.call), nil
}

func (c *toolCapability) AttrNames() []string {
	return []string{"call"}
}

func (c *toolCapability) call(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var params *starlark.Dict
	if err := starlark.UnpackArgs("call", args, kwargs, "name", &name, "params?", &params); err != nil {
		return nil, errs.Wrap(errs.CodeCodeRuntime, "malformed tools.call invocation", err)
	}

	if c.deniedName[name] {
		return nil, errs.New(errs.CodeCodeSecurity, "code steps may not re-enter the code-execution tool").WithDetail(name)
	}
	if atomic.AddInt64(&c.calls, 1) > c.budget {
		return nil, errs.New(errs.CodeResourceExhausted, "per-execution tool-call budget exceeded").WithDetail(name)
	}

	var goParams map[string]any
	if params != nil {
		gv, err := starlarkToGo(params)
		if err != nil {
			return nil, errs.Wrap(errs.CodeParamInvalid, "tool params not convertible", err)
		}
		ok := false
		goParams, ok = gv.(map[string]any)
		if !ok {
			return nil, errs.New(errs.CodeParamInvalid, "tools.call params must convert to an object").WithDetail(name)
		}
	}

	result, err := c.caller.CallTool(c.ctx, name, goParams)
	if err != nil {
		return nil, err
	}
	sv, err := goToStarlark(result)
	if err != nil {
		return nil, errs.Wrap(errs.CodeCodeRuntime, "tool result not convertible", err)
	}
	return sv, nil
}
