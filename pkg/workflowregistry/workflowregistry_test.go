package workflowregistry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/taskflow/pkg/workflow"
)

const greetDoc = `
name: greet
version: "1.0"
inputs:
  - name
steps:
  - id: say
    tool: echo
    params:
      text: "Hello, {{ inputs.name }}"
outputs:
  message: "steps.say.output"
`

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestInitializeRegistersEveryValidDocument(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "greet.yaml", greetDoc)

	r := New(dir, nil, nil)
	failures := r.Initialize()
	assert.Empty(t, failures)

	entry, ok := r.Get("greet")
	require.True(t, ok)
	assert.Equal(t, SourceFile, entry.Source)
	assert.Equal(t, "greet", entry.Definition.Name)
}

func TestInitializeSkipsNonYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "greet.yaml", greetDoc)
	writeDoc(t, dir, "README.md", "not a workflow")

	r := New(dir, nil, nil)
	failures := r.Initialize()
	assert.Empty(t, failures)
	assert.Len(t, r.List(), 1)
}

func TestInitializeRecordsPerFileFailuresWithoutAborting(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "broken.yaml", "name: broken\nversion: \"1.0\"\nsteps:\n  - id: a\n")
	writeDoc(t, dir, "greet.yaml", greetDoc)

	r := New(dir, nil, nil)
	failures := r.Initialize()
	assert.Len(t, failures, 1)

	_, ok := r.Get("greet")
	assert.True(t, ok)
}

func TestRegisterReplacesExistingEntry(t *testing.T) {
	r := New(t.TempDir(), nil, nil)
	def, err := workflow.Parse([]byte(greetDoc))
	require.NoError(t, err)

	require.NoError(t, r.Register(def, true, SourceFile))
	require.NoError(t, r.Register(def, true, SourceAPI))

	entry, ok := r.Get("greet")
	require.True(t, ok)
	assert.Equal(t, SourceAPI, entry.Source)
}

func TestRegisterValidatesWhenRequested(t *testing.T) {
	r := New(t.TempDir(), nil, nil)
	def, err := workflow.Parse([]byte("name: w\nversion: \"1.0\"\nsteps:\n  - id: a\n"))
	require.NoError(t, err)

	err = r.Register(def, true, SourceAPI)
	require.Error(t, err)
}

func TestToolNameAndWorkflowNameFromToolRoundTrip(t *testing.T) {
	name := ToolName("greet")
	assert.Equal(t, "workflow:greet", name)
	back, ok := WorkflowNameFromTool(name)
	require.True(t, ok)
	assert.Equal(t, "greet", back)
}

func TestWorkflowNameFromToolRejectsNonWorkflowNames(t *testing.T) {
	_, ok := WorkflowNameFromTool("echo")
	assert.False(t, ok)
}

func TestInputSchemaSynthesizesPropertiesAndRequired(t *testing.T) {
	def, err := workflow.Parse([]byte(greetDoc))
	require.NoError(t, err)

	schema, err := InputSchema(def)
	require.NoError(t, err)
	assert.Equal(t, "object", schema["type"])

	properties, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	nameProp, ok := properties["name"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "string", nameProp["type"])

	required, ok := schema["required"].([]any)
	require.True(t, ok)
	assert.Contains(t, required, "name")
}

func TestInputSchemaFoldsInStructuralConstraints(t *testing.T) {
	doc := `
name: bounded
version: "1.0"
inputs:
  - count:
      type: number
      minimum: 1
      maximum: 10
      pattern: "^[0-9]+$"
steps:
  - id: s
    code: "result = 1"
`
	def, err := workflow.Parse([]byte(doc))
	require.NoError(t, err)

	schema, err := InputSchema(def)
	require.NoError(t, err)
	properties := schema["properties"].(map[string]any)
	countProp := properties["count"].(map[string]any)
	assert.Equal(t, float64(1), countProp["minimum"])
	assert.Equal(t, float64(10), countProp["maximum"])
	assert.Equal(t, "^[0-9]+$", countProp["pattern"])
}
