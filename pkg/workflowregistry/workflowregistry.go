// Package workflowregistry implements the Workflow Registry (C7): a
// name-keyed set of validated workflow definitions, loaded from a directory
// of documents at startup and advertised to the RPC Front-End as synthetic
// `workflow:<id>` tools.
package workflowregistry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/kadirpekel/taskflow/pkg/errs"
	"github.com/kadirpekel/taskflow/pkg/logger"
	"github.com/kadirpekel/taskflow/pkg/registry"
	"github.com/kadirpekel/taskflow/pkg/workflow"
)

// Source distinguishes where a definition came from: on-disk or
// API-registered.
type Source string

const (
	SourceFile Source = "file"
	SourceAPI  Source = "api"
)

// Entry is one registered workflow: its definition plus provenance.
type Entry struct {
	Definition *workflow.WorkflowDefinition
	Source     Source
}

// Registry is the Workflow Registry.
type Registry struct {
	mu        sync.Mutex
	base      *registry.BaseRegistry[Entry]
	dir       string
	knownTool func(name string) bool
	log       *slog.Logger
}

// New constructs a Registry that will load from dir on Initialize.
// knownTool, if non-nil, is used to validate tool-step references
// registration-time; pass nil to defer that check to execution time.
func New(dir string, knownTool func(name string) bool, log *slog.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		base:      registry.NewBaseRegistry[Entry](),
		dir:       dir,
		knownTool: knownTool,
		log:       log,
	}
}

// Register validates (if requested) and stores def, replacing any existing
// entry of the same name.
func (r *Registry) Register(def *workflow.WorkflowDefinition, validate bool, source Source) error {
	if validate {
		if err := workflow.Validate(def, workflow.ValidateOptions{KnownTool: r.knownTool}); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base.Upsert(def.Name, Entry{Definition: def, Source: source})
	return nil
}

// Initialize scans dir for workflow documents (`.yaml`/`.yml`) and registers
// each. A failure parsing, validating, or registering one file is recorded
// and does not abort the batch.
func (r *Registry) Initialize() []error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return []error{errs.Wrap(errs.CodeConfigInvalid, "failed to read workflow directory", err).WithDetail(r.dir)}
	}

	var failures []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(r.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			r.log.Error("failed to read workflow document", "path", path, "error", err)
			failures = append(failures, errs.Wrap(errs.CodeConfigInvalid, "failed to read workflow document", err).WithDetail(path))
			continue
		}
		def, err := workflow.Parse(data)
		if err != nil {
			r.log.Error("failed to parse workflow document", "path", path, "error", err)
			failures = append(failures, err)
			continue
		}
		if err := r.Register(def, true, SourceFile); err != nil {
			r.log.Error("failed to register workflow document", "path", path, "error", err)
			failures = append(failures, err)
			continue
		}
		r.log.Info("registered workflow", "name", def.Name, "path", path)
	}
	return failures
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.base.Get(name)
}

// List returns every registered entry.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.base.List()
}

// ToolName returns the synthetic tool name a workflow is advertised under.
func ToolName(workflowName string) string {
	return "workflow:" + workflowName
}

// WorkflowNameFromTool extracts the workflow name from a synthetic tool
// name, reporting false if toolName does not carry the "workflow:" prefix.
func WorkflowNameFromTool(toolName string) (string, bool) {
	const prefix = "workflow:"
	if !strings.HasPrefix(toolName, prefix) {
		return "", false
	}
	return strings.TrimPrefix(toolName, prefix), true
}

// InputSchema synthesizes a JSON Schema object describing def's inputs,
// rendering an invopop/jsonschema value down into a plain map[string]any
// for tool consumption.
func InputSchema(def *workflow.WorkflowDefinition) (map[string]any, error) {
	props := orderedmap.New[string, *jsonschema.Schema]()
	var required []string
	for _, in := range def.Inputs {
		s := &jsonschema.Schema{
			Type:        jsonType(in.Type),
			Description: in.Description,
		}
		for _, e := range in.Enum {
			s.Enum = append(s.Enum, e)
		}
		if in.Default != nil {
			s.Default = in.Default
		}
		props.Set(in.Name, s)
		if in.Required {
			required = append(required, in.Name)
		}
	}

	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}

	m, err := schemaToMap(schema)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "failed to synthesize input schema", err).WithDetail(def.Name)
	}

	// invopop/jsonschema reflects Go types; it has no notion of the
	// declarative pattern/minimum/maximum constraints an InputSpec
	// carries, so those are folded into each property's plain map form
	// directly rather than through the library's struct fields.
	if properties, ok := m["properties"].(map[string]any); ok {
		for _, in := range def.Inputs {
			prop, ok := properties[in.Name].(map[string]any)
			if !ok {
				continue
			}
			if in.Pattern != "" {
				prop["pattern"] = in.Pattern
			}
			if in.Minimum != nil {
				prop["minimum"] = *in.Minimum
			}
			if in.Maximum != nil {
				prop["maximum"] = *in.Maximum
			}
		}
	}
	return m, nil
}

func jsonType(t string) string {
	switch t {
	case "number", "boolean", "array", "object":
		return t
	default:
		return "string"
	}
}

func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}
