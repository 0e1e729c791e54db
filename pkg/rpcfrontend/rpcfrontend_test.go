package rpcfrontend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/taskflow/pkg/dispatch"
	"github.com/kadirpekel/taskflow/pkg/engine"
	"github.com/kadirpekel/taskflow/pkg/mode"
	"github.com/kadirpekel/taskflow/pkg/toolpool"
	"github.com/kadirpekel/taskflow/pkg/toolregistry"
	"github.com/kadirpekel/taskflow/pkg/workflowregistry"
)

const greetDoc = `
name: greet
version: "1.0"
inputs:
  - name
steps:
  - id: say
    tool: system.execute_code
    params:
      code: "result = inputs['name']"
      inputs:
        name: "{{ inputs.name }}"
outputs:
  message: "steps.say.output"
`

func callToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}}
}

func newFixture(t *testing.T) (*FrontEnd, *mode.Manager) {
	t.Helper()
	pool := toolpool.New(nil)
	reg := toolregistry.New(pool, []toolregistry.SystemTool{dispatch.CodeSystemTool()}, nil)
	reg.Initialize(context.Background())
	d := dispatch.New(reg, pool, nil)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte(greetDoc), 0o644))
	wf := workflowregistry.New(dir, nil, nil)
	require.Empty(t, wf.Initialize())

	m := mode.New()
	eng := engine.New(wf, d, nil, engine.WithModeManager(m))

	configTools := []ConfigTool{
		{
			Name:        "config.set",
			Description: "set a config value",
			Mode:        mode.Configuration,
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				return map[string]any{"ok": true, "args": args}, nil
			},
		},
	}

	f := New("taskflow", "test", m, reg, wf, d, eng, configTools, nil)
	return f, m
}

func TestConfigurationModeAdvertisesOnlyConfigTools(t *testing.T) {
	f, _ := newFixture(t)
	names := f.RegisteredToolNames()
	assert.Equal(t, []string{"config.set"}, names)
}

func TestRunningModeAdvertisesToolsWorkflowsAndReenter(t *testing.T) {
	f, m := newFixture(t)
	m.Transition(mode.Running)
	names := f.RegisteredToolNames()
	assert.Contains(t, names, dispatch.CodeToolName)
	assert.Contains(t, names, workflowregistry.ToolName("greet"))
	assert.Contains(t, names, ReenterConfigurationTool)
	assert.NotContains(t, names, "config.set")
}

func TestTransitionBackToConfigurationHidesRunningTools(t *testing.T) {
	f, m := newFixture(t)
	m.Transition(mode.Running)
	m.Transition(mode.Configuration)
	names := f.RegisteredToolNames()
	assert.Equal(t, []string{"config.set"}, names)
}

func TestCallWorkflowToolOutsideRunningModeIsUnavailable(t *testing.T) {
	f, _ := newFixture(t)
	res, err := f.callWorkflow(context.Background(), callToolRequest(workflowregistry.ToolName("greet"), nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestCallWorkflowToolInRunningModeExecutes(t *testing.T) {
	f, m := newFixture(t)
	m.Transition(mode.Running)
	res, err := f.callWorkflow(context.Background(), callToolRequest(workflowregistry.ToolName("greet"), map[string]any{"name": "World"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
}

func TestReenterConfigurationTransitionsModeBack(t *testing.T) {
	f, m := newFixture(t)
	m.Transition(mode.Running)
	res, err := f.reenterServerTool().Handler(context.Background(), callToolRequest(ReenterConfigurationTool, nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, mode.Configuration, m.State())
}

func TestConfigToolRefusedInWrongMode(t *testing.T) {
	f, m := newFixture(t)
	m.Transition(mode.Running)
	ct := ConfigTool{Name: "config.set", Mode: mode.Configuration, Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }}
	res, err := f.configToolServerTool(ct).Handler(context.Background(), callToolRequest("config.set", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
