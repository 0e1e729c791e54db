// Package workflow implements the Workflow Definition & Validator (C6): the
// data model for a workflow document, its YAML parsing (including its three
// input shorthands and two output shapes), and the validation rules and
// Kahn's-algorithm step ordering that the Workflow Engine relies on.
package workflow

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/taskflow/pkg/errs"
	"github.com/kadirpekel/taskflow/pkg/template"
)

// OnError is a step's failure-handling discriminant.
type OnError string

const (
	OnErrorFail  OnError = "fail"
	OnErrorSkip  OnError = "skip"
	OnErrorRetry OnError = "retry"
)

// BackoffKind discriminates a RetryPolicy's wait strategy between attempts.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy bounds the number of attempts and the wait between them for a
// step whose effective on_error is "retry".
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     BackoffKind   `mapstructure:"backoff"`
	Delay       time.Duration `mapstructure:"delay"`
}

// DelayFor returns the wait before the given 1-indexed attempt, per the
// fixed(delay) / exponential(base_delay × 2^(attempt-1)) backoff policies.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if p.Backoff == BackoffExponential {
		return p.Delay * time.Duration(1<<uint(attempt-1))
	}
	return p.Delay
}

// InputSpec describes one declared workflow input, normalized from whichever
// of the three document shorthands (bare name, {name: default}, or full
// spec) the author used.
type InputSpec struct {
	Name        string   `mapstructure:"name"`
	Type        string   `mapstructure:"type"`
	Required    bool     `mapstructure:"required"`
	Default     any      `mapstructure:"default"`
	Enum        []any    `mapstructure:"enum"`
	Pattern     string   `mapstructure:"pattern"`
	Minimum     *float64 `mapstructure:"minimum"`
	Maximum     *float64 `mapstructure:"maximum"`
	Description string   `mapstructure:"description"`
}

// StepSpec is exactly one of a tool step (Tool set) or a code step (Code
// set); the validator enforces this mutual exclusion.
type StepSpec struct {
	ID        string         `mapstructure:"id"`
	Tool      string         `mapstructure:"tool"`
	Params    map[string]any `mapstructure:"params"`
	Code      string         `mapstructure:"code"`
	DependsOn []string       `mapstructure:"depends_on"`
	Timeout   time.Duration  `mapstructure:"timeout"`
	OnError   OnError        `mapstructure:"on_error"`
	Retry     *RetryPolicy   `mapstructure:"retry"`
}

// IsToolStep reports whether this step dispatches to a named tool.
func (s StepSpec) IsToolStep() bool { return s.Tool != "" }

// IsCodeStep reports whether this step runs a sandboxed code body.
func (s StepSpec) IsCodeStep() bool { return s.Code != "" }

// OutputSpec resolves, after the last step runs, to exactly one of a
// from_path walk of the runtime namespace or a rendered template value.
type OutputSpec struct {
	Name     string `mapstructure:"name"`
	FromPath string `mapstructure:"from_path"`
	Value    string `mapstructure:"value"`
}

// Defaults are a workflow's own step defaults, consulted when a step
// declares no override of its own; the engine's defaults apply when neither
// names one (StepSpec → WorkflowDefinition.Defaults → engine defaults).
type Defaults struct {
	Timeout time.Duration `mapstructure:"timeout"`
	OnError OnError       `mapstructure:"on_error"`
	Retry   *RetryPolicy  `mapstructure:"retry"`
}

// WorkflowDefinition is the normalized, validated shape of one workflow
// document.
type WorkflowDefinition struct {
	Name     string       `mapstructure:"name"`
	Version  string       `mapstructure:"version"`
	Inputs   []InputSpec  `mapstructure:"-"`
	Steps    []StepSpec   `mapstructure:"-"`
	Outputs  []OutputSpec `mapstructure:"-"`
	Defaults Defaults     `mapstructure:"defaults"`
}

// StepByID returns the step with the given id, or false if none exists.
func (d *WorkflowDefinition) StepByID(id string) (StepSpec, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepSpec{}, false
}

// Parse decodes one YAML workflow document into a WorkflowDefinition,
// normalizing the input and output shorthands described in the document
// grammar. It does not validate; call Validate on the result before
// registering or executing it.
func Parse(data []byte) (*WorkflowDefinition, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.CodeConfigInvalid, "workflow document is not valid YAML", err)
	}

	def := &WorkflowDefinition{}
	if err := decodeScalarFields(raw, def); err != nil {
		return nil, err
	}

	inputs, err := normalizeInputs(raw["inputs"])
	if err != nil {
		return nil, err
	}
	def.Inputs = inputs

	steps, err := normalizeSteps(raw["steps"])
	if err != nil {
		return nil, err
	}
	def.Steps = steps

	outputs, err := normalizeOutputs(raw["outputs"])
	if err != nil {
		return nil, err
	}
	def.Outputs = outputs

	return def, nil
}

func decodeScalarFields(raw map[string]any, def *WorkflowDefinition) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           def,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return errs.Wrap(errs.CodeInternalError, "failed to build workflow decoder", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return errs.Wrap(errs.CodeConfigInvalid, "failed to decode workflow document", err)
	}
	return nil
}

func decodeInto(src any, dst any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(src)
}

// normalizeInputs accepts the three document shorthands: a bare string (a
// required, string-typed input), a single-key mapping whose value is a
// scalar/list/map default (not itself recognized as a full spec), or a
// single-key mapping whose value looks like a full InputSpec.
func normalizeInputs(raw any) ([]InputSpec, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, errs.New(errs.CodeConfigInvalid, "workflow inputs must be a list")
	}
	out := make([]InputSpec, 0, len(items))
	for _, item := range items {
		spec, err := normalizeOneInput(item)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

var fullInputSpecKeys = map[string]bool{
	"type": true, "required": true, "default": true, "enum": true,
	"pattern": true, "minimum": true, "maximum": true, "description": true,
}

func normalizeOneInput(item any) (InputSpec, error) {
	switch v := item.(type) {
	case string:
		return InputSpec{Name: v, Type: "string", Required: true}, nil
	case map[string]any:
		if len(v) != 1 {
			return InputSpec{}, errs.New(errs.CodeConfigInvalid, "shorthand input mapping must have exactly one key")
		}
		var name string
		var val any
		for k, vv := range v {
			name, val = k, vv
		}
		if m, ok := val.(map[string]any); ok && looksLikeFullInputSpec(m) {
			spec := InputSpec{Name: name}
			if err := decodeInto(m, &spec); err != nil {
				return InputSpec{}, errs.Wrap(errs.CodeConfigInvalid, "malformed input spec", err).WithDetail(name)
			}
			spec.Name = name
			if _, hasRequired := m["required"]; !hasRequired {
				spec.Required = spec.Default == nil
			}
			return spec, nil
		}
		return InputSpec{Name: name, Type: inferType(val), Required: false, Default: val}, nil
	default:
		return InputSpec{}, errs.New(errs.CodeConfigInvalid, "unrecognized input shorthand")
	}
}

func looksLikeFullInputSpec(m map[string]any) bool {
	for k := range m {
		if fullInputSpecKeys[k] {
			return true
		}
	}
	return false
}

func inferType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64, float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "string"
	default:
		return "string"
	}
}

func normalizeSteps(raw any) ([]StepSpec, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, errs.New(errs.CodeConfigInvalid, "workflow steps must be a list")
	}
	out := make([]StepSpec, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, errs.New(errs.CodeConfigInvalid, "each workflow step must be a mapping")
		}
		var step StepSpec
		if err := decodeInto(m, &step); err != nil {
			return nil, errs.Wrap(errs.CodeConfigInvalid, "malformed step", err)
		}
		out = append(out, step)
	}
	return out, nil
}

// normalizeOutputs accepts either a list of full OutputSpecs (each carrying
// its own `name`) or a mapping `{ name: { from?, value? } }`, where a plain
// string value `{ name: path }` is taken as from_path, normalizing both to
// an ordered []OutputSpec.
func normalizeOutputs(raw any) ([]OutputSpec, error) {
	if raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []any:
		out := make([]OutputSpec, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, errs.New(errs.CodeConfigInvalid, "each full-spec workflow output must be a mapping")
			}
			var spec OutputSpec
			if err := decodeInto(m, &spec); err != nil {
				return nil, errs.Wrap(errs.CodeConfigInvalid, "malformed output spec", err)
			}
			out = append(out, spec)
		}
		return out, nil
	case map[string]any:
		out := make([]OutputSpec, 0, len(v))
		for name, val := range v {
			if s, ok := val.(string); ok {
				out = append(out, OutputSpec{Name: name, FromPath: s})
				continue
			}
			m, ok := val.(map[string]any)
			if !ok {
				return nil, errs.New(errs.CodeConfigInvalid, "shorthand output mapping value must be a mapping").WithDetail(name)
			}
			spec := OutputSpec{Name: name}
			if from, ok := m["from"]; ok {
				s, ok := from.(string)
				if !ok {
					return nil, errs.New(errs.CodeConfigInvalid, "output 'from' must be a string").WithDetail(name)
				}
				spec.FromPath = s
			}
			if value, ok := m["value"]; ok {
				s, ok := value.(string)
				if !ok {
					return nil, errs.New(errs.CodeConfigInvalid, "output 'value' must be a string").WithDetail(name)
				}
				spec.Value = s
			}
			out = append(out, spec)
		}
		return out, nil
	default:
		return nil, errs.New(errs.CodeConfigInvalid, "workflow outputs must be a list or a mapping")
	}
}

// ValidationError is one validator finding, carrying the document path it
// applies to alongside a human-readable message.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidateOptions controls the optional, registration-time-deferrable
// checks that Validate can perform.
type ValidateOptions struct {
	// KnownTool, if set, is consulted for every tool step's referenced
	// tool name. This check is optional at registration time but
	// mandatory before execution; callers pass nil to skip it.
	KnownTool func(name string) bool
}

// Validate runs every rule against def, returning the first
// failure wrapped as a *errs.Error (code circular_dependency, category
// workflow, for cycles; code input_invalid, category input, otherwise) together with the
// underlying ValidationError for diagnostics.
func Validate(def *WorkflowDefinition, opts ValidateOptions) error {
	if def.Name == "" {
		return validationErr("name", "workflow name is required")
	}
	if def.Version == "" {
		return validationErr("version", "workflow version is required")
	}

	seen := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			return validationErr(path+".id", "step id is required")
		}
		if seen[s.ID] {
			return validationErr(path+".id", "duplicate step id").WithDetail(s.ID)
		}
		seen[s.ID] = true

		if s.IsToolStep() == s.IsCodeStep() {
			return validationErr(path, "step must be exactly one of tool or code").WithDetail(s.ID)
		}
		if s.IsToolStep() && opts.KnownTool != nil && !opts.KnownTool(s.Tool) {
			return validationErr(path+".tool", "tool is not known to the registry").WithDetail(s.Tool)
		}
		if s.IsCodeStep() {
			if err := checkTemplateFields(s.Code); err != nil {
				return wrapTemplateValidationErr(path+".code", err)
			}
		}
		for k, v := range s.Params {
			if str, ok := v.(string); ok {
				if err := template.CheckSyntax(str); err != nil {
					return wrapTemplateValidationErr(fmt.Sprintf("%s.params.%s", path, k), err)
				}
			}
		}
	}

	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d].depends_on", i)
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return validationErr(path, "depends_on references an unknown step id").WithDetail(dep)
			}
		}
	}

	if _, err := order(def); err != nil {
		return err
	}

	for i, o := range def.Outputs {
		path := fmt.Sprintf("outputs[%d]", i)
		hasFrom := o.FromPath != ""
		hasValue := o.Value != ""
		if hasFrom == hasValue {
			return validationErr(path, "output must have exactly one of from_path or value").WithDetail(o.Name)
		}
		if hasValue {
			if err := template.CheckSyntax(o.Value); err != nil {
				return wrapTemplateValidationErr(path+".value", err)
			}
		}
	}

	return nil
}

// checkTemplateFields is a hook point for code-step bodies; code steps are
// not template strings themselves (they are Starlark source), so nothing is
// checked here today. It exists so a future templated-code feature has an
// obvious seam.
func checkTemplateFields(_ string) error { return nil }

func wrapTemplateValidationErr(path string, err error) error {
	ve := ValidationError{Path: path, Message: err.Error()}
	return errs.Wrap(errs.CodeInputInvalid, "workflow template failed to parse", ve).WithDetail(path)
}

func validationErr(path, message string) *errs.Error {
	ve := ValidationError{Path: path, Message: message}
	return errs.Wrap(errs.CodeInputInvalid, message, ve).WithDetail(path)
}

func circularDependencyErr() *errs.Error {
	const msg = "workflow step graph has a circular dependency"
	ve := ValidationError{Path: "steps", Message: msg}
	return errs.Wrap(errs.CodeCircularDep, msg, ve)
}
