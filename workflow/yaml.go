package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentflow/core"
)

// ParseDefinitionYAML decodes and validates a workflow definition.
func ParseDefinitionYAML(data []byte) (*core.WorkflowDefinition, error) {
	var def core.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, core.NewValidationError("workflow.parse", err.Error())
	}
	if _, err := Compile(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionFile reads a YAML workflow definition from path.
func LoadDefinitionFile(path string) (*core.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	return ParseDefinitionYAML(data)
}
