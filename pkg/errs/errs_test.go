package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesDefaults(t *testing.T) {
	tests := []struct {
		name       string
		code       Code
		category   Category
		retryable  bool
		httpStatus int
	}{
		{"tool_unavailable", CodeToolUnavailable, CategoryTool, true, 503},
		{"tool_rejected", CodeToolRejected, CategoryTool, false, 400},
		{"code_security", CodeCodeSecurity, CategoryCode, false, 403},
		{"workflow_not_found", CodeWorkflowNotFound, CategoryWorkflow, false, 404},
		{"internal_error", CodeInternalError, CategoryInternal, false, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(tt.code, "boom")
			assert.Equal(t, tt.category, e.Category)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, tt.httpStatus, e.HTTPStatus)
			assert.Equal(t, "boom", e.Message)
		})
	}
}

func TestErrorString(t *testing.T) {
	e := New(CodeToolTimeout, "call exceeded deadline")
	assert.Equal(t, "tool_timeout: call exceeded deadline", e.Error())

	e2 := e.WithDetail("server=weather, elapsed=5s")
	assert.Equal(t, "tool_timeout: call exceeded deadline (server=weather, elapsed=5s)", e2.Error())
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	e := Wrap(CodeToolUnavailable, "cannot reach server", cause)
	require.ErrorIs(t, e, cause)
	assert.Equal(t, cause, errors.Unwrap(e))
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeToolTimeout, "first message")
	b := New(CodeToolTimeout, "different message entirely")
	c := New(CodeToolFailed, "first message")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestOfExtractsCode(t *testing.T) {
	code, ok := Of(New(CodeParamInvalid, "bad param"))
	require.True(t, ok)
	assert.Equal(t, CodeParamInvalid, code)

	_, ok = Of(errors.New("plain error"))
	assert.False(t, ok)
}

func TestOfUnwrapsWrapped(t *testing.T) {
	inner := New(CodeCodeRuntime, "panic in script")
	outer := fmt_errorf(inner)
	code, ok := Of(outer)
	require.True(t, ok)
	assert.Equal(t, CodeCodeRuntime, code)
}

func fmt_errorf(err error) error {
	return errors.Join(err)
}
