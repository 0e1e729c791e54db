// Package engine implements the Workflow Engine (C8): the executor that
// resolves inputs, runs a workflow's steps in topological order, dispatches
// each to the Template Renderer and either Tool Dispatch or the Scripting
// Sandbox, applies retry/on-error policy, and materializes declared
// outputs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/taskflow/pkg/dispatch"
	"github.com/kadirpekel/taskflow/pkg/errs"
	"github.com/kadirpekel/taskflow/pkg/logger"
	"github.com/kadirpekel/taskflow/pkg/mode"
	"github.com/kadirpekel/taskflow/pkg/observability"
	"github.com/kadirpekel/taskflow/pkg/sandbox"
	"github.com/kadirpekel/taskflow/pkg/template"
	"github.com/kadirpekel/taskflow/pkg/workflow"
	"github.com/kadirpekel/taskflow/pkg/workflowregistry"
)

var engineTracer = observability.GetTracer("taskflow.engine")

// DefaultStepTimeout is the engine-level step timeout consulted when neither
// a step nor its workflow's Defaults name one, the last link in the
// step→workflow-defaults→engine-defaults merge. DefaultWorkflowTimeout bounds
// a whole execution when the caller passes no timeout.
const (
	DefaultStepTimeout     = 30 * time.Second
	DefaultWorkflowTimeout = 5 * time.Minute
)

// Dispatcher is the narrow surface the engine needs from Tool Dispatch;
// *dispatch.Dispatch satisfies it. Kept as an interface so tests can inject
// a fake without standing up a real Tool-Server Pool.
type Dispatcher interface {
	Invoke(ctx context.Context, toolName string, params map[string]any, timeout time.Duration) *dispatch.ToolCallResult
	CallTool(ctx context.Context, name string, params map[string]any) (any, error)
}

// Engine is the Workflow Engine.
type Engine struct {
	workflows  *workflowregistry.Registry
	dispatcher Dispatcher
	renderer   *template.Renderer
	mode       *mode.Manager
	sink       EventSink
	config     map[string]any
	log        *slog.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithEventSink installs a non-default lifecycle sink.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithConfig sets the static `config.*` root every rendered template sees.
func WithConfig(cfg map[string]any) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithModeManager wires the Mode Manager whose running-workflow counter is
// bumped and dropped around each execution.
func WithModeManager(m *mode.Manager) Option {
	return func(e *Engine) { e.mode = m }
}

// New constructs an Engine. workflows resolves workflow names to
// definitions; dispatcher routes tool steps and backs code steps' tool
// capability.
func New(workflows *workflowregistry.Registry, dispatcher Dispatcher, log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.Default()
	}
	e := &Engine{
		workflows:  workflows,
		dispatcher: dispatcher,
		renderer:   template.New(),
		sink:       NoopEventSink{},
		log:        log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute resolves workflowName from the registry and runs it.
// timeout<=0 means "use DefaultWorkflowTimeout".
func (e *Engine) Execute(ctx context.Context, workflowName string, inputs map[string]any, timeout time.Duration) (*ExecutionResult, error) {
	entry, ok := e.workflows.Get(workflowName)
	if !ok {
		return nil, errs.New(errs.CodeWorkflowNotFound, "workflow is not registered").WithDetail(workflowName)
	}
	return e.ExecuteDefinition(ctx, entry.Definition, inputs, timeout)
}

// ExecuteDefinition runs def directly, bypassing the registry. Tests and
// ad hoc callers use this to execute a definition that was never
// registered.
func (e *Engine) ExecuteDefinition(ctx context.Context, def *workflow.WorkflowDefinition, inputs map[string]any, timeout time.Duration) (*ExecutionResult, error) {
	resolvedInputs, err := resolveInputs(def, inputs)
	if err != nil {
		return nil, err
	}

	order, err := workflow.Order(def)
	if err != nil {
		return nil, err
	}

	executionID := uuid.NewString()
	execCtx := newExecutionContext(executionID, def.Name, resolvedInputs, e.config)
	execCtx = e.sink.OnRequestReceived(execCtx)

	ctx, span := engineTracer.Start(ctx, observability.SpanWorkflowExecution,
		trace.WithAttributes(attribute.String(observability.AttrWorkflowName, def.Name)))
	defer span.End()

	if e.mode != nil {
		e.mode.IncRunning()
		defer e.mode.DecRunning()
	}

	workflowTimeout := timeout
	if workflowTimeout <= 0 {
		workflowTimeout = DefaultWorkflowTimeout
	}
	workflowCtx, cancel := context.WithTimeout(ctx, workflowTimeout)
	defer cancel()

	result := &ExecutionResult{
		ExecutionID: executionID,
		WorkflowID:  def.Name,
		Inputs:      resolvedInputs,
		StartedAt:   time.Now(),
	}
	defer func() {
		if result.Error != nil {
			observability.RecordError(span, result.Error)
		}
		observability.GetGlobalMetrics().RecordWorkflowExecution(
			def.Name, string(result.Status), time.Duration(result.DurationMs)*time.Millisecond)
	}()

	for _, step := range order {
		if err := workflowCtx.Err(); err != nil {
			result.Status = timeoutOrCancelled(err)
			result.Error = errs.Wrap(errs.CodeWorkflowTimeout, "workflow execution exceeded its timeout", err)
			break
		}

		execCtx = e.sink.OnStepBefore(execCtx, step.ID)
		outcome := e.runStep(workflowCtx, def, step, execCtx)
		execCtx.recordOutcome(outcome)
		execCtx = e.sink.OnStepAfter(execCtx, outcome)
		observability.GetGlobalMetrics().RecordStepOutcome(def.Name, string(outcome.Status))

		switch outcome.Status {
		case StatusCompleted:
			result.Completed++
		case StatusSkipped:
			result.Skipped++
		case StatusFailed:
			result.Failed++
			result.StepOutcomes = append(result.StepOutcomes, outcome)
			if workflowCtx.Err() != nil {
				result.Status = timeoutOrCancelled(workflowCtx.Err())
				result.Error = errs.Wrap(errs.CodeWorkflowTimeout, "workflow execution exceeded its timeout", workflowCtx.Err())
			} else {
				result.Status = StatusFailed
				result.Error = outcome.Error
			}
			result.StepOutcomes = dedupeLastWins(result.StepOutcomes)
			result.CompletedAt = time.Now()
			result.DurationMs = result.CompletedAt.Sub(result.StartedAt).Milliseconds()
			execCtx = e.sink.OnResponseReady(execCtx, result)
			return result, nil
		}
		result.StepOutcomes = append(result.StepOutcomes, outcome)
	}

	if result.Status == "" {
		result.Status = StatusCompleted
		outputs, err := e.resolveOutputs(def, execCtx)
		if err != nil {
			result.Status = StatusFailed
			result.Error = err
		} else {
			result.Outputs = outputs
		}
	}

	result.CompletedAt = time.Now()
	result.DurationMs = result.CompletedAt.Sub(result.StartedAt).Milliseconds()
	execCtx = e.sink.OnResponseReady(execCtx, result)
	return result, nil
}

func timeoutOrCancelled(err error) Status {
	if err == context.Canceled {
		return StatusCancelled
	}
	return StatusFailed
}

// dedupeLastWins keeps only the final StepOutcome per step id, preserving
// first-seen order.
func dedupeLastWins(outcomes []StepOutcome) []StepOutcome {
	order := make([]string, 0, len(outcomes))
	latest := make(map[string]StepOutcome, len(outcomes))
	for _, o := range outcomes {
		if _, seen := latest[o.StepID]; !seen {
			order = append(order, o.StepID)
		}
		latest[o.StepID] = o
	}
	out := make([]StepOutcome, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

// runStep executes one step to its final disposition, including any
// retries its effective RetryPolicy allows, and applies on_error to decide
// between completed/skipped/failed.
func (e *Engine) runStep(ctx context.Context, def *workflow.WorkflowDefinition, step workflow.StepSpec, execCtx *ExecutionContext) StepOutcome {
	ctx, span := engineTracer.Start(ctx, observability.SpanWorkflowStep,
		trace.WithAttributes(
			attribute.String(observability.AttrWorkflowName, def.Name),
			attribute.String(observability.AttrStepID, step.ID),
		))
	defer span.End()

	var outcome StepOutcome
	defer func() {
		if outcome.Status == StatusFailed && outcome.Error != nil {
			observability.RecordError(span, outcome.Error)
		}
	}()

	effTimeout := firstPositive(step.Timeout, def.Defaults.Timeout, DefaultStepTimeout)
	effOnError := firstOnError(step.OnError, def.Defaults.OnError, workflow.OnErrorFail)
	effRetry := step.Retry
	if effRetry == nil {
		effRetry = def.Defaults.Retry
	}

	maxAttempts := 1
	if effRetry != nil && effRetry.MaxAttempts > maxAttempts {
		maxAttempts = effRetry.MaxAttempts
	}

	started := time.Now()
	var output any
	var stepErr error
	attempt := 0

	for attempt = 1; attempt <= maxAttempts; attempt++ {
		output, stepErr = e.executeStepBody(ctx, step, effTimeout, execCtx)
		if stepErr == nil {
			break
		}
		if isSecurityViolation(stepErr) {
			break // sandbox security violations are always fatal, never retried
		}
		if attempt < maxAttempts {
			if waitErr := sleepBackoff(ctx, effRetry.DelayFor(attempt)); waitErr != nil {
				stepErr = errs.Wrap(errs.CodeWorkflowTimeout, "workflow canceled during retry backoff", waitErr)
				attempt++
				break
			}
		}
	}

	completed := time.Now()
	outcome = StepOutcome{
		StepID:      step.ID,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
	}
	if attempt > maxAttempts {
		outcome.Attempt = maxAttempts
	}

	if stepErr == nil {
		outcome.Status = StatusCompleted
		outcome.Output = output
		return outcome
	}

	if effOnError == workflow.OnErrorSkip && !isSecurityViolation(stepErr) {
		outcome.Status = StatusSkipped
		outcome.SkipReason = stepErr.Error()
		return outcome
	}
	outcome.Status = StatusFailed
	outcome.Error = stepErr
	return outcome
}

func isSecurityViolation(err error) bool {
	code, ok := errs.Of(err)
	return ok && code == errs.CodeCodeSecurity
}

// sleepBackoff waits out a retry back-off as a cooperative suspension
// point (§5): it returns early with ctx.Err() if the workflow-level
// deadline or a cancellation fires before the delay elapses, instead of
// sleeping through it.
func sleepBackoff(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// executeStepBody renders params and invokes the tool step's dispatcher
// call or the code step's sandbox run, once, with no retry logic of its
// own (runStep owns the retry loop).
func (e *Engine) executeStepBody(ctx context.Context, step workflow.StepSpec, timeout time.Duration, execCtx *ExecutionContext) (any, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if step.IsToolStep() {
		renderedParams, err := e.renderParams(step.Params, execCtx)
		if err != nil {
			return nil, err
		}
		result := e.dispatcher.Invoke(stepCtx, step.Tool, renderedParams, timeout)
		if result.Error != nil {
			if stepCtx.Err() == context.DeadlineExceeded && result.Error.Code != errs.CodeToolTimeout {
				return nil, errs.Wrap(errs.CodeExecutionTimeout, "step exceeded its effective timeout", stepCtx.Err()).WithDetail(step.ID)
			}
			return nil, result.Error
		}
		if result.StructuredContent != nil {
			return result.StructuredContent, nil
		}
		return result.Output, nil
	}

	ctxValue := execCtx.templateValue()
	res, err := sandbox.Run(stepCtx, sandbox.Config{
		Source:          step.Code,
		Inputs:          execCtx.Inputs,
		Steps:           ctxValue["steps"].(map[string]any),
		Config:          execCtx.Config,
		Timeout:         timeout,
		Budget:          sandbox.DefaultBudget,
		AllowedImports:  sandbox.DefaultAllowedImports,
		DeniedToolNames: map[string]bool{dispatch.CodeToolName: true},
		Caller:          e.dispatcher,
	})
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

// renderParams evaluates every templated string in params against execCtx,
// recursing into nested lists/maps and leaving non-string scalars as-is.
func (e *Engine) renderParams(params map[string]any, execCtx *ExecutionContext) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	ctxValue := execCtx.templateValue()
	out := make(map[string]any, len(params))
	for k, v := range params {
		rendered, err := e.renderValue(v, ctxValue)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

func (e *Engine) renderValue(v any, ctxValue map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return e.renderer.Render(t, ctxValue)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			rendered, err := e.renderValue(item, ctxValue)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			rendered, err := e.renderValue(item, ctxValue)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveOutputs materializes def.Outputs against the final execCtx. A
// from_path that resolves to nothing yields null rather than failing the
// workflow; a templated value that fails to render is an output_invalid
// error.
func (e *Engine) resolveOutputs(def *workflow.WorkflowDefinition, execCtx *ExecutionContext) (map[string]any, error) {
	ctxValue := execCtx.templateValue()
	out := make(map[string]any, len(def.Outputs))
	for _, o := range def.Outputs {
		if o.FromPath != "" {
			val, err := e.renderer.Render(fmt.Sprintf("{{ %s }}", o.FromPath), ctxValue)
			if err != nil {
				out[o.Name] = nil
				continue
			}
			out[o.Name] = val
			continue
		}
		val, err := e.renderer.Render(o.Value, ctxValue)
		if err != nil {
			return nil, errs.Wrap(errs.CodeOutputInvalid, "failed to render output value", err).WithDetail(o.Name)
		}
		out[o.Name] = val
	}
	return out, nil
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstOnError(values ...workflow.OnError) workflow.OnError {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return workflow.OnErrorFail
}

// resolveInputs applies input-resolution rules: caller value,
// else default, else (if required) a typed error; enum/pattern/bounds are
// checked against whichever value is resolved.
func resolveInputs(def *workflow.WorkflowDefinition, provided map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(def.Inputs))
	for _, spec := range def.Inputs {
		val, ok := provided[spec.Name]
		if !ok {
			if spec.Default != nil {
				val = spec.Default
			} else if spec.Required {
				return nil, errs.New(errs.CodeInputInvalid, "required input was not supplied").WithDetail(spec.Name)
			}
		}

		if val != nil {
			if err := checkInputConstraints(spec, val); err != nil {
				return nil, err
			}
		}
		out[spec.Name] = val
	}
	return out, nil
}

func checkInputConstraints(spec workflow.InputSpec, val any) error {
	if len(spec.Enum) > 0 {
		matched := false
		for _, e := range spec.Enum {
			if fmt.Sprint(e) == fmt.Sprint(val) {
				matched = true
				break
			}
		}
		if !matched {
			return errs.New(errs.CodeInputInvalid, "value is not one of the declared enum values").WithDetail(spec.Name)
		}
	}
	if spec.Pattern != "" {
		s, ok := val.(string)
		if !ok {
			return errs.New(errs.CodeInputInvalid, "pattern constraint requires a string value").WithDetail(spec.Name)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return errs.Wrap(errs.CodeInputInvalid, "input pattern is not a valid regular expression", err).WithDetail(spec.Name)
		}
		if !re.MatchString(s) {
			return errs.New(errs.CodeInputInvalid, "value does not match the declared pattern").WithDetail(spec.Name)
		}
	}
	if spec.Minimum != nil || spec.Maximum != nil {
		f, ok := toFloat64(val)
		if !ok {
			return errs.New(errs.CodeInputInvalid, "numeric bound constraint requires a numeric value").WithDetail(spec.Name)
		}
		if spec.Minimum != nil && f < *spec.Minimum {
			return errs.New(errs.CodeInputInvalid, "value is below the declared minimum").WithDetail(spec.Name)
		}
		if spec.Maximum != nil && f > *spec.Maximum {
			return errs.New(errs.CodeInputInvalid, "value is above the declared maximum").WithDetail(spec.Name)
		}
	}
	return nil
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
