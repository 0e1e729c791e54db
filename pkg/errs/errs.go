// Package errs defines the flat, typed error taxonomy shared by every
// taskflow component: tool dispatch, the scripting sandbox, the template
// renderer, workflow validation, and the engine all return *Error values
// carrying a stable Category/Code pair instead of ad-hoc error strings.
package errs

import (
	"errors"
	"fmt"
)

// Category groups related Codes for coarse-grained handling (e.g. deciding
// whether a whole class of errors is retryable).
type Category string

const (
	CategoryTool     Category = "tool"
	CategoryCode     Category = "code"
	CategoryTemplate Category = "template"
	CategoryInput    Category = "input"
	CategoryWorkflow Category = "workflow"
	CategoryInternal Category = "internal"
)

// Code is a stable, machine-readable identifier for a specific failure mode.
type Code string

const (
	CodeToolUnavailable   Code = "tool_unavailable"
	CodeToolTimeout       Code = "tool_timeout"
	CodeToolRejected      Code = "tool_rejected"
	CodeToolFailed        Code = "tool_failed"
	CodeCodeSyntax        Code = "code_syntax"
	CodeCodeRuntime       Code = "code_runtime"
	CodeCodeTimeout       Code = "code_timeout"
	CodeCodeSecurity      Code = "code_security"
	CodeTemplateError     Code = "template_error"
	CodeInputInvalid      Code = "input_invalid"
	CodeParamInvalid      Code = "param_invalid"
	CodeOutputInvalid     Code = "output_invalid"
	CodeStepNotFound      Code = "step_not_found"
	CodeCircularDep       Code = "circular_dependency"
	CodeWorkflowNotFound  Code = "workflow_not_found"
	CodeWorkflowTimeout   Code = "workflow_timeout"
	CodeExecutionTimeout  Code = "execution_timeout"
	CodeInternalError     Code = "internal_error"
	CodeResourceExhausted Code = "resource_exhausted"
	CodeConfigInvalid     Code = "config_invalid"
)

// codeDefaults captures the category/HTTP-status/retryable defaults for each
// known Code so callers constructing an Error only have to name the Code and
// a message.
var codeDefaults = map[Code]struct {
	category   Category
	retryable  bool
	httpStatus int
}{
	CodeToolUnavailable:   {CategoryTool, true, 503},
	CodeToolTimeout:       {CategoryTool, true, 504},
	CodeToolRejected:      {CategoryTool, false, 400},
	CodeToolFailed:        {CategoryTool, false, 502},
	CodeCodeSyntax:        {CategoryCode, false, 400},
	CodeCodeRuntime:       {CategoryCode, false, 422},
	CodeCodeTimeout:       {CategoryCode, false, 504},
	CodeCodeSecurity:      {CategoryCode, false, 403},
	CodeTemplateError:     {CategoryTemplate, false, 400},
	CodeInputInvalid:      {CategoryInput, false, 400},
	CodeParamInvalid:      {CategoryInput, false, 400},
	CodeOutputInvalid:     {CategoryWorkflow, false, 422},
	CodeStepNotFound:      {CategoryWorkflow, false, 400},
	CodeCircularDep:       {CategoryWorkflow, false, 400},
	CodeWorkflowNotFound:  {CategoryWorkflow, false, 404},
	CodeWorkflowTimeout:   {CategoryWorkflow, false, 504},
	CodeExecutionTimeout:  {CategoryWorkflow, false, 504},
	CodeInternalError:     {CategoryInternal, false, 500},
	CodeResourceExhausted: {CategoryInternal, true, 503},
	CodeConfigInvalid:     {CategoryInternal, false, 400},
}

// Error is the uniform error type returned from every taskflow component
// boundary. It is deliberately flat (no subtype hierarchy): callers branch on
// Code, not on Go type, which keeps the RPC front-end's JSON-RPC error
// mapping a single switch statement.
type Error struct {
	Category   Category
	Code       Code
	Message    string
	Detail     string
	Retryable  bool
	HTTPStatus int
	Cause      error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an *Error for code, deriving Category/Retryable/HTTPStatus from
// codeDefaults. Use WithDetail/WithCause to attach extra context.
func New(code Code, message string) *Error {
	d := codeDefaults[code]
	return &Error{
		Category:   d.category,
		Code:       code,
		Message:    message,
		Retryable:  d.retryable,
		HTTPStatus: d.httpStatus,
	}
}

// Wrap builds an *Error for code that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithDetail returns a copy of e with Detail set.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// WithCause returns a copy of e with Cause set.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// Is reports whether target is an *Error with the same Code, so
// errors.Is(err, errs.New(errs.CodeToolTimeout, "")) style sentinel checks
// work without comparing Message/Detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Of extracts the Code of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func Of(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
