// Package dispatch implements Tool Dispatch (C9): the single entry point
// that routes a named tool call to its back-end — an external tool server
// through the pool, or the in-process scripted-code executor — and
// translates every transport/protocol outcome into the taskflow error
// taxonomy.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/taskflow/pkg/errs"
	"github.com/kadirpekel/taskflow/pkg/logger"
	"github.com/kadirpekel/taskflow/pkg/observability"
	"github.com/kadirpekel/taskflow/pkg/sandbox"
	"github.com/kadirpekel/taskflow/pkg/toolpool"
	"github.com/kadirpekel/taskflow/pkg/toolregistry"
	"github.com/kadirpekel/taskflow/pkg/toolserver"
)

var dispatchTracer = observability.GetTracer("taskflow.dispatch")

// CodeToolName is the name of the one built-in system tool: the scripted-
// code executor. It is registered into the Tool Registry at construction
// time by whatever wires Dispatch together.
const CodeToolName = "system.execute_code"

// DefaultCallTimeout bounds a tool call when the caller supplies none.
const DefaultCallTimeout = 30 * time.Second

// ToolCallResult is the uniform outcome of Invoke.
type ToolCallResult struct {
	Success           bool
	Output            any
	StructuredContent any
	Duration          time.Duration
	Error             *errs.Error
}

// Dispatch is the Tool Dispatch component. It also satisfies
// sandbox.ToolCaller so the sandbox can be handed the dispatcher itself as
// its tool-calling capability, breaking the dispatcher/sandbox circular
// dependency between code steps and the tools they call.
type Dispatch struct {
	registry *toolregistry.Registry
	pool     *toolpool.Pool
	log      *slog.Logger
}

// New constructs a Dispatch over registry and pool.
func New(registry *toolregistry.Registry, pool *toolpool.Pool, log *slog.Logger) *Dispatch {
	if log == nil {
		log = logger.Default()
	}
	return &Dispatch{registry: registry, pool: pool, log: log}
}

// CodeSystemTool returns the SystemTool descriptor for the scripted-code
// executor, to be registered into the Tool Registry once at startup.
func CodeSystemTool() toolregistry.SystemTool {
	return toolregistry.SystemTool{
		Name:        CodeToolName,
		Description: "Executes a sandboxed code step body and returns its result binding.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code":   map[string]any{"type": "string"},
				"inputs": map[string]any{"type": "object"},
			},
			"required": []any{"code"},
		},
	}
}

// Invoke performs the routing steps: look up the
// descriptor, refuse unavailable tools, route to the pool or the in-process
// handler, and normalize the outcome.
func (d *Dispatch) Invoke(ctx context.Context, toolName string, params map[string]any, timeout time.Duration) *ToolCallResult {
	started := time.Now()

	ctx, span := dispatchTracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, toolName)))
	defer span.End()

	var result *ToolCallResult
	defer func() {
		category := ""
		if result.Error != nil {
			category = string(result.Error.Code)
			observability.RecordError(span, result.Error)
		}
		observability.GetGlobalMetrics().RecordToolCall(toolName, result.Duration, category)
	}()

	descriptor, ok := d.registry.Get(toolName)
	if !ok {
		result = &ToolCallResult{Error: errs.New(errs.CodeToolUnavailable, "tool is not known to the registry").WithDetail(toolName)}
		result.Duration = time.Since(started)
		return result
	}
	if descriptor.Availability != toolregistry.Available {
		result = &ToolCallResult{Error: errs.New(errs.CodeToolUnavailable, "tool's backing server is not currently available").WithDetail(toolName)}
		result.Duration = time.Since(started)
		return result
	}

	if err := validateParams(descriptor.InputSchema, params); err != nil {
		result = &ToolCallResult{Error: errs.Wrap(errs.CodeToolRejected, "tool params failed schema validation", err).WithDetail(toolName)}
		result.Duration = time.Since(started)
		return result
	}

	route, ok := d.registry.Route(toolName)
	if !ok {
		result = &ToolCallResult{Error: errs.New(errs.CodeToolUnavailable, "tool has no route").WithDetail(toolName)}
		result.Duration = time.Since(started)
		return result
	}

	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	switch route.Kind {
	case toolregistry.KindExternal:
		result = fromCallResult(d.pool.Call(ctx, route.ServerID, toolName, params, timeout))
	case toolregistry.KindSystem:
		result = d.invokeSystem(ctx, toolName, params, timeout)
	default:
		result = &ToolCallResult{Error: errs.New(errs.CodeToolUnavailable, "tool has an unrecognized route kind").WithDetail(toolName)}
	}
	result.Duration = time.Since(started)
	return result
}

// invokeSystem dispatches to the one built-in in-process handler: the
// scripted-code executor.
func (d *Dispatch) invokeSystem(ctx context.Context, toolName string, params map[string]any, timeout time.Duration) *ToolCallResult {
	if toolName != CodeToolName {
		return &ToolCallResult{Error: errs.New(errs.CodeToolUnavailable, "no in-process handler registered for tool").WithDetail(toolName)}
	}

	code, _ := params["code"].(string)
	if code == "" {
		return &ToolCallResult{Error: errs.New(errs.CodeParamInvalid, "code tool requires a non-empty 'code' string param")}
	}
	inputs, _ := params["inputs"].(map[string]any)

	res, err := sandbox.Run(ctx, sandbox.Config{
		Source:          code,
		Inputs:          inputs,
		Timeout:         timeout,
		Budget:          sandbox.DefaultBudget,
		AllowedImports:  sandbox.DefaultAllowedImports,
		DeniedToolNames: map[string]bool{CodeToolName: true},
		Caller:          d,
	})
	if err != nil {
		if e, ok := err.(*errs.Error); ok {
			return &ToolCallResult{Error: e}
		}
		return &ToolCallResult{Error: errs.Wrap(errs.CodeCodeRuntime, "code step failed", err)}
	}
	return &ToolCallResult{Success: true, Output: res.Output}
}

// CallTool implements sandbox.ToolCaller: the same routing Invoke performs,
// pre-bound to a fixed timeout since the sandbox capability has no
// per-call timeout parameter of its own. The per-execution call budget and
// the code-tool recursion ban are enforced by the sandbox's own capability
// object, not here — Dispatch only needs to behave like an ordinary caller.
func (d *Dispatch) CallTool(ctx context.Context, name string, params map[string]any) (any, error) {
	result := d.Invoke(ctx, name, params, DefaultCallTimeout)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	return result.Output, nil
}

// fromCallResult translates a toolserver.CallResult into the uniform
// ToolCallResult, mapping each connection/transport outcome to its error
// taxonomy code.
func fromCallResult(cr toolserver.CallResult) *ToolCallResult {
	switch cr.Kind {
	case toolserver.ResultOK:
		return &ToolCallResult{Success: true, Output: cr.Output, StructuredContent: cr.StructuredOutput}
	case toolserver.ResultTimeout:
		return &ToolCallResult{Error: errs.New(errs.CodeToolTimeout, "tool call did not complete within its timeout").WithDetail(cr.Message)}
	case toolserver.ResultUnreachable:
		return &ToolCallResult{Error: errs.New(errs.CodeToolUnavailable, "tool server is unreachable").WithDetail(cr.Message)}
	case toolserver.ResultProtocolError:
		return &ToolCallResult{Error: errs.New(errs.CodeToolFailed, "tool server returned a transport-level error").WithDetail(cr.Message)}
	default: // ResultToolError
		return &ToolCallResult{Error: errs.New(errs.CodeToolFailed, "tool reported an error").WithDetail(cr.Message)}
	}
}

func validateParams(schema map[string]any, params map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool-params.json", schema); err != nil {
		return nil // an un-compilable descriptor schema should not block every call
	}
	compiled, err := c.Compile("tool-params.json")
	if err != nil {
		return nil
	}

	// Round-trip through JSON so the schema sees plain map/slice/number
	// values, matching what a wire-delivered tool call would look like.
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return compiled.Validate(doc)
}
