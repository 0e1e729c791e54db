package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/taskflow/pkg/errs"
)

func sampleCtx() map[string]any {
	return map[string]any{
		"execution_id": "exec-123",
		"inputs": map[string]any{
			"name": "Ada",
		},
		"steps": map[string]any{
			"fetch": map[string]any{
				"output": map[string]any{
					"items": []any{"a", "b", "c"},
					"count": 3,
				},
			},
		},
		"config": map[string]any{
			"retries": 2,
		},
	}
}

func TestPureTemplatePreservesNativeType(t *testing.T) {
	r := New()
	v, err := r.Render("{{ steps.fetch.output.items }}", sampleCtx())
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, v)
}

func TestDottedAndIndexedAccess(t *testing.T) {
	r := New()
	v, err := r.Render("{{ steps.fetch.output.items[0] }}", sampleCtx())
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestMixedTextCoercesToString(t *testing.T) {
	r := New()
	v, err := r.Render("Hello, {{ inputs.name }}!", sampleCtx())
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada!", v)
}

func TestLengthFilter(t *testing.T) {
	r := New()
	v, err := r.Render("{{ steps.fetch.output.items | length }}", sampleCtx())
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)
}

func TestDefaultFilterOnMissingValue(t *testing.T) {
	r := New()
	v, err := r.Render(`{{ inputs.missing | default("fallback") }}`, sampleCtx())
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestJSONFilter(t *testing.T) {
	r := New()
	v, err := r.Render("{{ steps.fetch.output | json }}", sampleCtx())
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["a","b","c"],"count":3}`, v.(string))
}

func TestUndefinedIdentifierIsTemplateError(t *testing.T) {
	r := New()
	_, err := r.Render("{{ inputs.missing }}", sampleCtx())
	require.Error(t, err)
	code, ok := errs.Of(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeTemplateError, code)
}

func TestDisallowedRootIsTemplateError(t *testing.T) {
	r := New()
	_, err := r.Render("{{ secrets.token }}", sampleCtx())
	require.Error(t, err)
	code, ok := errs.Of(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeTemplateError, code)
}

func TestUnterminatedExpressionIsSyntaxError(t *testing.T) {
	r := New()
	_, err := r.Render("{{ inputs.name", sampleCtx())
	require.Error(t, err)
}

func TestExecutionIDAccess(t *testing.T) {
	r := New()
	v, err := r.Render("{{ execution_id }}", sampleCtx())
	require.NoError(t, err)
	assert.Equal(t, "exec-123", v)
}

func TestNoExpressionsReturnsLiteralString(t *testing.T) {
	r := New()
	v, err := r.Render("plain text", sampleCtx())
	require.NoError(t, err)
	assert.Equal(t, "plain text", v)
}

func TestCheckSyntaxAcceptsUnresolvedIdentifierAtValidationTime(t *testing.T) {
	err := CheckSyntax("{{ steps.not_yet_run.output }}")
	assert.NoError(t, err)
}

func TestCheckSyntaxRejectsUnterminatedExpression(t *testing.T) {
	err := CheckSyntax("{{ inputs.name")
	require.Error(t, err)
}

func TestCheckSyntaxRejectsDisallowedRoot(t *testing.T) {
	err := CheckSyntax("{{ secrets.token }}")
	require.Error(t, err)
	code, ok := errs.Of(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeTemplateError, code)
}

func TestCheckSyntaxRejectsUnknownFilterSyntax(t *testing.T) {
	err := CheckSyntax(`{{ inputs.name | default(unterminated }}`)
	require.Error(t, err)
}
