package engine

import "time"

// Status is a StepOutcome's or an ExecutionResult's terminal disposition.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// StepOutcome is the immutable record of one step's execution.
type StepOutcome struct {
	StepID      string
	Status      Status
	Output      any
	Error       error
	SkipReason  string
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64
	Attempt     int
	MaxAttempts int
}

// ExecutionContext is the immutable carrier the renderer and the sandbox
// both consult during one workflow run: a fixed WorkflowDefinition and
// execution id, resolved inputs, and a growing, append-only map of step
// outcomes. It is passed explicitly through the call chain rather than
// held as process-wide state, so concurrent executions never
// share one.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string
	Inputs      map[string]any
	Config      map[string]any

	outcomes map[string]StepOutcome
}

func newExecutionContext(executionID, workflowID string, inputs, config map[string]any) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Inputs:      inputs,
		Config:      config,
		outcomes:    make(map[string]StepOutcome),
	}
}

// recordOutcome stores the final outcome for one step id, replacing any
// earlier entry under that id. Past outcomes for other step ids are never
// mutated.
func (c *ExecutionContext) recordOutcome(o StepOutcome) {
	c.outcomes[o.StepID] = o
}

// Outcomes returns a snapshot of every outcome recorded so far.
func (c *ExecutionContext) Outcomes() map[string]StepOutcome {
	out := make(map[string]StepOutcome, len(c.outcomes))
	for k, v := range c.outcomes {
		out[k] = v
	}
	return out
}

// templateValue renders the context into the plain map shape the Template
// Renderer resolves `inputs.*` / `steps.*.output` / `config.*` /
// `execution_id` paths against.
func (c *ExecutionContext) templateValue() map[string]any {
	steps := make(map[string]any, len(c.outcomes))
	for id, o := range c.outcomes {
		entry := map[string]any{"status": string(o.Status)}
		if o.Status != StatusFailed {
			entry["output"] = o.Output
		}
		steps[id] = entry
	}
	return map[string]any{
		"inputs":       c.Inputs,
		"steps":        steps,
		"config":       c.Config,
		"execution_id": c.ExecutionID,
	}
}

// ExecutionResult is the final roll-up of one workflow execution.
type ExecutionResult struct {
	ExecutionID  string
	WorkflowID   string
	Status       Status
	StartedAt    time.Time
	CompletedAt  time.Time
	DurationMs   int64
	Inputs       map[string]any
	Outputs      map[string]any
	StepOutcomes []StepOutcome
	Error        error

	Completed int
	Failed    int
	Skipped   int
}
