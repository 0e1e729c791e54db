package main

import (
	"fmt"
	"os"

	"github.com/kadirpekel/taskflow/pkg/workflow"
)

// ValidateCmd parses and validates a single workflow document, the same
// parse→validate path the Workflow Registry runs at startup, without
// requiring a running server.
type ValidateCmd struct {
	Path string `arg:"" help:"Path to a workflow YAML document." type:"path"`
}

func (c *ValidateCmd) Run() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.Path, err)
	}
	def, err := workflow.Parse(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", c.Path, err)
	}
	if err := workflow.Validate(def, workflow.ValidateOptions{}); err != nil {
		return fmt.Errorf("validating %s: %w", c.Path, err)
	}
	if _, err := workflow.Order(def); err != nil {
		return fmt.Errorf("ordering %s: %w", c.Path, err)
	}
	fmt.Printf("%s: %s v%s is valid (%d step(s))\n", c.Path, def.Name, def.Version, len(def.Steps))
	return nil
}
