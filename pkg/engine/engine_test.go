package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/taskflow/pkg/dispatch"
	"github.com/kadirpekel/taskflow/pkg/errs"
	"github.com/kadirpekel/taskflow/pkg/toolpool"
	"github.com/kadirpekel/taskflow/pkg/toolregistry"
	"github.com/kadirpekel/taskflow/pkg/workflow"
)

func newTestEngine(t *testing.T, extra ...toolregistry.SystemTool) *Engine {
	t.Helper()
	pool := toolpool.New(nil)
	system := append([]toolregistry.SystemTool{dispatch.CodeSystemTool()}, extra...)
	reg := toolregistry.New(pool, system, nil)
	reg.Initialize(context.Background())
	d := dispatch.New(reg, pool, nil)
	return New(nil, d, nil)
}

func parseAndValidate(t *testing.T, doc string) *workflow.WorkflowDefinition {
	t.Helper()
	def, err := workflow.Parse([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, workflow.Validate(def, workflow.ValidateOptions{}))
	return def
}

func TestExecuteCodeOnlyWorkflow(t *testing.T) {
	e := newTestEngine(t)
	doc := `
name: double-input
version: "1.0"
inputs:
  - n
steps:
  - id: double
    code: |
      result = int(inputs["n"]) * 2
outputs:
  doubled:
    from: steps.double.output
`
	def := parseAndValidate(t, doc)
	result, err := e.ExecuteDefinition(context.Background(), def, map[string]any{"n": "21"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, float64(42), result.Outputs["doubled"])
	assert.Equal(t, 1, result.Completed)
}

func TestExecuteTemplateTypePreservation(t *testing.T) {
	e := newTestEngine(t)
	doc := `
name: passthrough
version: "1.0"
inputs:
  - items
steps:
  - id: count
    code: |
      result = len(inputs["items"])
  - id: echo
    code: |
      result = inputs["items"]
    depends_on: [count]
outputs:
  count:
    from: steps.count.output
  items:
    from: steps.echo.output
`
	def := parseAndValidate(t, doc)
	result, err := e.ExecuteDefinition(context.Background(), def, map[string]any{
		"items": []any{"a", "b", "c"},
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, float64(3), result.Outputs["count"])
	assert.Equal(t, []any{"a", "b", "c"}, result.Outputs["items"])
}

func TestExecuteRetryThenSkip(t *testing.T) {
	e := newTestEngine(t)
	doc := `
name: flaky
version: "1.0"
steps:
  - id: boom
    code: |
      result = undefined_name
    on_error: skip
    retry:
      max_attempts: 2
      backoff: fixed
      delay: 1ms
`
	def := parseAndValidate(t, doc)
	result, err := e.ExecuteDefinition(context.Background(), def, nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	require.Len(t, result.StepOutcomes, 1)
	outcome := result.StepOutcomes[0]
	assert.Equal(t, StatusSkipped, outcome.Status)
	assert.Equal(t, 2, outcome.Attempt)
	assert.Equal(t, 1, result.Skipped)
}

func TestExecuteFailingStepWithoutSkipFailsWorkflow(t *testing.T) {
	e := newTestEngine(t)
	doc := `
name: flaky-fail
version: "1.0"
steps:
  - id: boom
    code: |
      result = undefined_name
    on_error: fail
`
	def := parseAndValidate(t, doc)
	result, err := e.ExecuteDefinition(context.Background(), def, nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	require.Len(t, result.StepOutcomes, 1)
	assert.Equal(t, StatusFailed, result.StepOutcomes[0].Status)
	assert.Error(t, result.Error)
}

func TestExecuteSandboxSecurityViolationIsNeverRetried(t *testing.T) {
	e := newTestEngine(t)
	doc := `
name: reentrant
version: "1.0"
steps:
  - id: reenter
    code: |
      tools.call(name="system.execute_code", params={"code": "result = 1"})
    on_error: skip
    retry:
      max_attempts: 5
      backoff: fixed
      delay: 1ms
`
	def := parseAndValidate(t, doc)
	result, err := e.ExecuteDefinition(context.Background(), def, nil, time.Minute)
	require.NoError(t, err)
	require.Len(t, result.StepOutcomes, 1)
	outcome := result.StepOutcomes[0]
	assert.Equal(t, 1, outcome.Attempt, "a security violation must not be retried")
}

func TestExecuteRequiredInputMissingFailsFast(t *testing.T) {
	e := newTestEngine(t)
	doc := `
name: needs-input
version: "1.0"
inputs:
  - n:
      type: number
      required: true
steps:
  - id: noop
    code: |
      result = 1
`
	def := parseAndValidate(t, doc)
	_, err := e.ExecuteDefinition(context.Background(), def, nil, time.Minute)
	require.Error(t, err)
	code, ok := errs.Of(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeInputInvalid, code)
}

func TestExecuteToolStepRendersParamsFromInputs(t *testing.T) {
	e := newTestEngine(t)
	doc := `
name: uses-code-tool
version: "1.0"
inputs:
  - expr
steps:
  - id: run
    tool: system.execute_code
    params:
      code: "{{ inputs.expr }}"
outputs:
  out:
    from: steps.run.output
`
	def := parseAndValidate(t, doc)
	result, err := e.ExecuteDefinition(context.Background(), def, map[string]any{
		"expr": "result = 7 * 6",
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, float64(42), result.Outputs["out"])
}
