package workflows

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"foreman/pkg/models"
)

// ParseYAML turns a workflow specification document into the internal model,
// applying defaults (type=single, position=array index) and validating the
// required fields. Returns ErrValidation with a populated result when the
// document is structurally fine but semantically invalid.
func ParseYAML(doc []byte) (string, *string, []models.StepConfig, ValidationResult, error) {
	var result ValidationResult

	var spec SpecDocument
	if err := yaml.Unmarshal(doc, &spec); err != nil {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    "INVALID_YAML",
			Path:    "/",
			Message: fmt.Sprintf("failed to parse workflow YAML: %v", err),
		})
		return "", nil, nil, result, ErrValidation
	}

	if spec.Name == "" {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    "MISSING_NAME",
			Path:    "/name",
			Message: "workflow name is required",
		})
	}

	steps := make([]models.StepConfig, 0, len(spec.Steps))
	for i, s := range spec.Steps {
		position := i
		if s.Position != nil {
			position = *s.Position
		}
		var loopConfig *models.LoopConfig
		if s.LoopConfig != nil {
			loopConfig = &models.LoopConfig{
				Over:       s.LoopConfig.Over,
				Completion: s.LoopConfig.Completion,
				VerifyEach: s.LoopConfig.VerifyEach,
				VerifyStep: s.LoopConfig.VerifyStep,
			}
		}
		steps = append(steps, models.StepConfig{
			StepID:        s.StepID,
			Name:          s.Name,
			AgentID:       s.AgentID,
			InputTemplate: s.InputTemplate,
			Expects:       s.Expects,
			Type:          s.Type,
			LoopConfig:    loopConfig,
			Position:      position,
			MaxRetries:    s.MaxRetries,
		})
	}

	stepResult := ValidateSteps(steps)
	result.Errors = append(result.Errors, stepResult.Errors...)
	if len(result.Errors) > 0 {
		return "", nil, nil, result, ErrValidation
	}

	var description *string
	if spec.Description != "" {
		description = &spec.Description
	}
	return spec.Name, description, steps, result, nil
}
