package workflows

import (
	"fmt"

	"foreman/pkg/models"
)

var stepTypes = map[string]bool{
	models.StepTypeSingle:   true,
	models.StepTypeLoop:     true,
	models.StepTypeApproval: true,
}

// ValidateSteps checks step configs on workflow create/update: required
// fields, type enum, step_id uniqueness and loop_config shape.
func ValidateSteps(steps []models.StepConfig) ValidationResult {
	var result ValidationResult

	if len(steps) == 0 {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    "MISSING_STEPS",
			Path:    "/steps",
			Message: "a workflow requires at least one step",
		})
		return result
	}

	seen := make(map[string]int, len(steps))
	for i, step := range steps {
		path := fmt.Sprintf("/steps/%d", i)

		if step.StepID == "" {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "MISSING_STEP_ID",
				Path:    path + "/step_id",
				Message: fmt.Sprintf("step %d is missing step_id", i),
			})
		} else if prev, dup := seen[step.StepID]; dup {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "DUPLICATE_STEP_ID",
				Path:    path + "/step_id",
				Message: fmt.Sprintf("step_id %q is already used at steps/%d", step.StepID, prev),
			})
		} else {
			seen[step.StepID] = i
		}

		if step.AgentID == "" {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "MISSING_AGENT_ID",
				Path:    path + "/agent_id",
				Message: fmt.Sprintf("step %q is missing agent_id", step.StepID),
			})
		}
		if step.InputTemplate == "" {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "MISSING_INPUT_TEMPLATE",
				Path:    path + "/input_template",
				Message: fmt.Sprintf("step %q is missing input_template", step.StepID),
			})
		}
		if step.Expects == "" {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "MISSING_EXPECTS",
				Path:    path + "/expects",
				Message: fmt.Sprintf("step %q is missing expects", step.StepID),
			})
		}

		if step.Type != "" && !stepTypes[step.Type] {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "INVALID_STEP_TYPE",
				Path:    path + "/type",
				Message: fmt.Sprintf("step %q has unknown type %q", step.StepID, step.Type),
			})
		}

		if step.EffectiveType() == models.StepTypeLoop {
			if step.LoopConfig == nil {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    "MISSING_LOOP_CONFIG",
					Path:    path + "/loop_config",
					Message: fmt.Sprintf("loop step %q requires loop_config", step.StepID),
				})
			} else if step.LoopConfig.Over != "stories" {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    "INVALID_LOOP_OVER",
					Path:    path + "/loop_config/over",
					Message: fmt.Sprintf("loop step %q must iterate over \"stories\", got %q", step.StepID, step.LoopConfig.Over),
				})
			}
		}
	}

	// Verify partners must point at a real step.
	for i, step := range steps {
		if step.LoopConfig == nil || step.LoopConfig.VerifyStep == "" {
			continue
		}
		if _, ok := seen[step.LoopConfig.VerifyStep]; !ok {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "UNKNOWN_VERIFY_STEP",
				Path:    fmt.Sprintf("/steps/%d/loop_config/verify_step", i),
				Message: fmt.Sprintf("loop step %q references unknown verify_step %q", step.StepID, step.LoopConfig.VerifyStep),
			})
		}
	}

	return result
}
