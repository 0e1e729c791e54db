// Package rpcfrontend implements the RPC Front-End (C11): the same
// tool-calling JSON-RPC dialect Tool-Server Client (pkg/toolserver) speaks
// to external servers, spoken here as a server. It advertises workflows as
// `workflow:<id>` tools, gates its advertised tool set on the Mode
// Manager's state, and routes tools/call to the Workflow Engine, Tool
// Dispatch, or the injected configuration-tool handlers.
package rpcfrontend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kadirpekel/taskflow/pkg/dispatch"
	"github.com/kadirpekel/taskflow/pkg/engine"
	"github.com/kadirpekel/taskflow/pkg/errs"
	"github.com/kadirpekel/taskflow/pkg/logger"
	"github.com/kadirpekel/taskflow/pkg/mode"
	"github.com/kadirpekel/taskflow/pkg/toolregistry"
	"github.com/kadirpekel/taskflow/pkg/workflowregistry"
)

// ReenterConfigurationTool is the single built-in tool the front-end adds
// to its own advertised set whenever Mode is Running: calling it transitions
// the Mode Manager back to Configuration. It is not a configuration-tool
// collaborator; the front-end owns it directly because spec.md §4.11 names
// it as part of the RPC surface itself.
const ReenterConfigurationTool = "system.enter_configuration"

// DefaultCallTimeout bounds a tools/call dispatch when the caller's request
// carries none.
const DefaultCallTimeout = 30 * time.Second

// Dispatcher is the narrow surface Tool Dispatch exposes to the front-end.
type Dispatcher interface {
	Invoke(ctx context.Context, toolName string, params map[string]any, timeout time.Duration) *dispatch.ToolCallResult
}

// Engine is the narrow surface the Workflow Engine exposes to the
// front-end.
type Engine interface {
	Execute(ctx context.Context, workflowName string, inputs map[string]any, timeout time.Duration) (*engine.ExecutionResult, error)
}

// ConfigTool is one tool belonging to the out-of-scope configuration-tool
// collaborator (spec.md §1, §4.11): the front-end only needs its
// descriptor, the Mode it is callable in, and a handler to forward to.
// Configuration-tool *semantics* (parsing/validating the deployment config
// file, staging changes) live entirely in that collaborator.
type ConfigTool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Mode        mode.State
	Handler     func(ctx context.Context, args map[string]any) (any, error)
}

// FrontEnd is the RPC Front-End. It wraps one mark3labs/mcp-go MCPServer
// instance and keeps its advertised tool set synchronized with Mode
// Manager transitions and Tool Registry refreshes.
type FrontEnd struct {
	mcpServer  *mcpserver.MCPServer
	mode       *mode.Manager
	tools      *toolregistry.Registry
	workflows  *workflowregistry.Registry
	dispatcher Dispatcher
	engine     Engine
	log        *slog.Logger

	mu          sync.Mutex
	configTools map[string]ConfigTool
	registered  map[string]bool
}

// New constructs a FrontEnd and performs its initial Sync. It registers
// itself as a Mode Manager listener so every subsequent transition
// re-advertises the tool set.
func New(name, version string, m *mode.Manager, tools *toolregistry.Registry, workflows *workflowregistry.Registry, dispatcher Dispatcher, eng Engine, configTools []ConfigTool, log *slog.Logger) *FrontEnd {
	if log == nil {
		log = logger.Default()
	}
	byName := make(map[string]ConfigTool, len(configTools))
	for _, ct := range configTools {
		byName[ct.Name] = ct
	}

	f := &FrontEnd{
		mcpServer: mcpserver.NewMCPServer(name, version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithRecovery(),
		),
		mode:        m,
		tools:       tools,
		workflows:   workflows,
		dispatcher:  dispatcher,
		engine:      eng,
		log:         log,
		configTools: byName,
		registered:  make(map[string]bool),
	}
	m.OnTransition(func(_, to mode.State) {
		f.Sync(to)
		f.log.Info("rpc front-end re-synced tool list", "mode", string(to))
	})
	f.Sync(m.State())
	return f
}

// Sync recomputes the tool set advertised for the given mode and applies the
// minimal AddTools/DeleteTools diff against what is currently registered,
// per tools/list's mode-gated contract (spec.md §4.11):
//
//   - Configuration: only the Configuration-mode configuration tools.
//   - Running: every Available real tool, every registered workflow as
//     `workflow:<id>`, every Running-mode configuration tool, and the
//     single re-enter-configuration tool.
func (f *FrontEnd) Sync(current mode.State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	desired := make(map[string]mcpserver.ServerTool)
	switch current {
	case mode.Configuration:
		for _, ct := range f.configTools {
			if ct.Mode != mode.Configuration {
				continue
			}
			desired[ct.Name] = f.configToolServerTool(ct)
		}
	default: // Running
		for _, d := range f.tools.ListAvailable() {
			desired[d.Name] = f.realToolServerTool(d)
		}
		for _, entry := range f.workflows.List() {
			name := workflowregistry.ToolName(entry.Definition.Name)
			desired[name] = f.workflowServerTool(entry)
		}
		for _, ct := range f.configTools {
			if ct.Mode != mode.Running {
				continue
			}
			desired[ct.Name] = f.configToolServerTool(ct)
		}
		desired[ReenterConfigurationTool] = f.reenterServerTool()
	}

	var toAdd []mcpserver.ServerTool
	for name, st := range desired {
		if !f.registered[name] {
			toAdd = append(toAdd, st)
		}
	}
	var toRemove []string
	for name := range f.registered {
		if _, ok := desired[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}
	// Deterministic ordering keeps re-syncs reproducible for tests.
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i].Tool.Name < toAdd[j].Tool.Name })
	sort.Strings(toRemove)

	if len(toRemove) > 0 {
		f.mcpServer.DeleteTools(toRemove...)
		for _, name := range toRemove {
			delete(f.registered, name)
		}
	}
	if len(toAdd) > 0 {
		f.mcpServer.AddTools(toAdd...)
		for _, st := range toAdd {
			f.registered[st.Tool.Name] = true
		}
	}
}

// RegisteredToolNames returns a snapshot of every tool name currently
// advertised, for introspection and tests.
func (f *FrontEnd) RegisteredToolNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.registered))
	for name := range f.registered {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RefreshTools re-syncs the advertised tool set against the Tool Registry's
// current contents. Call after toolregistry.Registry.Refresh so a newly
// unavailable or newly discovered tool is reflected without waiting for a
// mode transition.
func (f *FrontEnd) RefreshTools() {
	f.Sync(f.mode.State())
}

func rawSchema(schema map[string]any) json.RawMessage {
	if len(schema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

func (f *FrontEnd) realToolServerTool(d toolregistry.ToolDescriptor) mcpserver.ServerTool {
	tool := mcp.NewToolWithRawSchema(d.Name, d.Description, rawSchema(d.InputSchema))
	return mcpserver.ServerTool{Tool: tool, Handler: f.callDispatcher}
}

func (f *FrontEnd) workflowServerTool(entry workflowregistry.Entry) mcpserver.ServerTool {
	schema, err := workflowregistry.InputSchema(entry.Definition)
	if err != nil {
		schema = map[string]any{"type": "object"}
	}
	name := workflowregistry.ToolName(entry.Definition.Name)
	tool := mcp.NewToolWithRawSchema(name, fmt.Sprintf("Executes workflow %q (v%s) as a tool.", entry.Definition.Name, entry.Definition.Version), rawSchema(schema))
	return mcpserver.ServerTool{Tool: tool, Handler: f.callWorkflow}
}

func (f *FrontEnd) configToolServerTool(ct ConfigTool) mcpserver.ServerTool {
	tool := mcp.NewToolWithRawSchema(ct.Name, ct.Description, rawSchema(ct.InputSchema))
	handler := ct.Handler
	expected := ct.Mode
	return mcpserver.ServerTool{Tool: tool, Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if f.mode.State() != expected {
			return errorResult(errs.New(errs.CodeToolUnavailable, "configuration tool is not available in the current mode").WithDetail(ct.Name)), nil
		}
		out, err := handler(ctx, req.GetArguments())
		if err != nil {
			return errorResult(asTaskflowError(err)), nil
		}
		return successResult(out), nil
	}}
}

func (f *FrontEnd) reenterServerTool() mcpserver.ServerTool {
	tool := mcp.NewToolWithRawSchema(ReenterConfigurationTool,
		"Transitions the server back to Configuration mode, hiding real tools and workflows until configuration is done again.",
		rawSchema(map[string]any{"type": "object", "properties": map[string]any{}}))
	return mcpserver.ServerTool{Tool: tool, Handler: func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if f.mode.State() != mode.Running {
			return errorResult(errs.New(errs.CodeToolUnavailable, "not currently running").WithDetail(ReenterConfigurationTool)), nil
		}
		f.mode.Transition(mode.Configuration)
		return successResult(map[string]any{"mode": string(mode.Configuration)}), nil
	}}
}

// callWorkflow is the ToolHandlerFunc for every `workflow:<id>` tool.
func (f *FrontEnd) callWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if f.mode.State() != mode.Running {
		return errorResult(errs.New(errs.CodeToolUnavailable, "workflows are only callable in running mode").WithDetail(req.Params.Name)), nil
	}
	workflowName, ok := workflowregistry.WorkflowNameFromTool(req.Params.Name)
	if !ok {
		return errorResult(errs.New(errs.CodeWorkflowNotFound, "not a workflow tool").WithDetail(req.Params.Name)), nil
	}
	result, err := f.engine.Execute(ctx, workflowName, req.GetArguments(), 0)
	if err != nil {
		return errorResult(asTaskflowError(err)), nil
	}
	payload := map[string]any{
		"execution_id": result.ExecutionID,
		"status":       string(result.Status),
		"outputs":      result.Outputs,
	}
	if result.Status != engine.StatusCompleted {
		res := successResult(payload)
		res.IsError = true
		return res, nil
	}
	return successResult(payload), nil
}

// callDispatcher is the ToolHandlerFunc for every real (external or
// system) tool.
func (f *FrontEnd) callDispatcher(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if f.mode.State() != mode.Running {
		return errorResult(errs.New(errs.CodeToolUnavailable, "tools are only callable in running mode").WithDetail(req.Params.Name)), nil
	}
	cr := f.dispatcher.Invoke(ctx, req.Params.Name, req.GetArguments(), DefaultCallTimeout)
	if cr.Error != nil {
		return errorResult(cr.Error), nil
	}
	res := successResult(cr.Output)
	if cr.StructuredContent != nil {
		res.StructuredContent = cr.StructuredContent
	}
	return res, nil
}

func successResult(output any) *mcp.CallToolResult {
	if output == nil {
		return mcp.NewToolResultText("")
	}
	if s, ok := output.(string); ok {
		return mcp.NewToolResultText(s)
	}
	return mcp.NewToolResultStructuredOnly(output)
}

func errorResult(err *errs.Error) *mcp.CallToolResult {
	res := mcp.NewToolResultError(err.Error())
	data, marshalErr := json.Marshal(map[string]any{
		"code":      err.Code,
		"category":  err.Category,
		"detail":    err.Detail,
		"retryable": err.Retryable,
	})
	if marshalErr == nil {
		var structured any
		if json.Unmarshal(data, &structured) == nil {
			res.StructuredContent = structured
		}
	}
	return res
}

func asTaskflowError(err error) *errs.Error {
	if e, ok := err.(*errs.Error); ok {
		return e
	}
	return errs.Wrap(errs.CodeInternalError, "unexpected error", err)
}

// ServeStdio blocks serving the framed (one-message-per-line) child-process
// transport over stdin/stdout, matching the transport Tool-Server Client
// speaks to its own servers (spec.md §4.1), here played in reverse.
func (f *FrontEnd) ServeStdio(ctx context.Context) error {
	return mcpserver.NewStdioServer(f.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the streamable-HTTP transport (request + SSE push)
// mounted at path, suitable for mounting beside the out-of-scope REST
// façade's own routes on a shared chi router (neither may intercept the
// other's routes, per spec.md §4.11).
func (f *FrontEnd) HTTPHandler(path string) http.Handler {
	return mcpserver.NewStreamableHTTPServer(f.mcpServer, mcpserver.WithEndpointPath(path))
}
