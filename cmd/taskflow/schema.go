package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kadirpekel/taskflow/pkg/workflow"
	"github.com/kadirpekel/taskflow/pkg/workflowregistry"
)

// SchemaCmd prints the JSON schema the RPC Front-End would synthesize for a
// workflow document's `workflow:<id>` tool, the same InputSchema call
// workflowServerTool uses at registration time.
type SchemaCmd struct {
	Path string `arg:"" help:"Path to a workflow YAML document." type:"path"`
}

func (c *SchemaCmd) Run() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.Path, err)
	}
	def, err := workflow.Parse(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", c.Path, err)
	}
	schema, err := workflowregistry.InputSchema(def)
	if err != nil {
		return fmt.Errorf("synthesizing schema for %s: %w", c.Path, err)
	}
	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
