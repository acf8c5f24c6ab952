package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/models"
)

const sampleYAML = `
name: feature-delivery
description: plan, build, verify
steps:
  - step_id: plan
    name: Planner
    agent_id: planner
    input_template: "Plan: {{task}}"
    expects: STORIES_JSON
  - step_id: dev
    agent_id: developer
    input_template: "Implement {{current_story}}"
    expects: STATUS
    type: loop
    loop_config:
      over: stories
      completion: all_done
      verify_each: true
      verify_step: verify
  - step_id: verify
    agent_id: verifier
    input_template: "Verify {{current_story}}"
    expects: STATUS
    max_retries: 2
`

func TestParseYAMLRoundTrip(t *testing.T) {
	name, description, steps, validation, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	assert.True(t, validation.OK())

	assert.Equal(t, "feature-delivery", name)
	require.NotNil(t, description)
	assert.Equal(t, "plan, build, verify", *description)

	require.Len(t, steps, 3)

	assert.Equal(t, "plan", steps[0].StepID)
	assert.Equal(t, "Planner", steps[0].Name)
	assert.Equal(t, "planner", steps[0].AgentID)
	assert.Equal(t, models.StepTypeSingle, steps[0].EffectiveType(), "type defaults to single")
	assert.Equal(t, 0, steps[0].Position, "position defaults to array index")

	assert.Equal(t, models.StepTypeLoop, steps[1].Type)
	require.NotNil(t, steps[1].LoopConfig)
	assert.Equal(t, "stories", steps[1].LoopConfig.Over)
	assert.Equal(t, "all_done", steps[1].LoopConfig.Completion)
	assert.True(t, steps[1].LoopConfig.VerifyEach)
	assert.Equal(t, "verify", steps[1].LoopConfig.VerifyStep)
	assert.Equal(t, 1, steps[1].Position)

	require.NotNil(t, steps[2].MaxRetries)
	assert.Equal(t, int64(2), *steps[2].MaxRetries)
}

func TestParseYAMLExplicitPosition(t *testing.T) {
	doc := `
name: ordered
steps:
  - step_id: second
    agent_id: a
    input_template: "x"
    expects: done
    position: 5
`
	_, _, steps, _, err := ParseYAML([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 5, steps[0].Position)
}

func TestParseYAMLInvalidDocument(t *testing.T) {
	_, _, _, validation, err := ParseYAML([]byte("steps: [not: valid: yaml"))
	require.ErrorIs(t, err, ErrValidation)
	assert.False(t, validation.OK())
	assert.Equal(t, "INVALID_YAML", validation.Errors[0].Code)
}

func TestParseYAMLMissingName(t *testing.T) {
	doc := `
steps:
  - step_id: one
    agent_id: a
    input_template: "x"
    expects: done
`
	_, _, _, validation, err := ParseYAML([]byte(doc))
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "MISSING_NAME", validation.Errors[0].Code)
}

func TestValidateStepsRequiredFields(t *testing.T) {
	result := ValidateSteps([]models.StepConfig{{}})
	codes := issueCodes(result)
	assert.Contains(t, codes, "MISSING_STEP_ID")
	assert.Contains(t, codes, "MISSING_AGENT_ID")
	assert.Contains(t, codes, "MISSING_INPUT_TEMPLATE")
	assert.Contains(t, codes, "MISSING_EXPECTS")
}

func TestValidateStepsEmpty(t *testing.T) {
	result := ValidateSteps(nil)
	assert.Contains(t, issueCodes(result), "MISSING_STEPS")
}

func TestValidateStepsDuplicateID(t *testing.T) {
	steps := []models.StepConfig{
		{StepID: "a", AgentID: "x", InputTemplate: "t", Expects: "e"},
		{StepID: "a", AgentID: "y", InputTemplate: "t", Expects: "e"},
	}
	assert.Contains(t, issueCodes(ValidateSteps(steps)), "DUPLICATE_STEP_ID")
}

func TestValidateStepsBadType(t *testing.T) {
	steps := []models.StepConfig{
		{StepID: "a", AgentID: "x", InputTemplate: "t", Expects: "e", Type: "parallel"},
	}
	assert.Contains(t, issueCodes(ValidateSteps(steps)), "INVALID_STEP_TYPE")
}

func TestValidateStepsLoopConfig(t *testing.T) {
	steps := []models.StepConfig{
		{StepID: "a", AgentID: "x", InputTemplate: "t", Expects: "e", Type: models.StepTypeLoop},
	}
	assert.Contains(t, issueCodes(ValidateSteps(steps)), "MISSING_LOOP_CONFIG")

	steps[0].LoopConfig = &models.LoopConfig{Over: "tasks"}
	assert.Contains(t, issueCodes(ValidateSteps(steps)), "INVALID_LOOP_OVER")
}

func TestValidateStepsUnknownVerifyStep(t *testing.T) {
	steps := []models.StepConfig{
		{StepID: "loop", AgentID: "x", InputTemplate: "t", Expects: "e", Type: models.StepTypeLoop,
			LoopConfig: &models.LoopConfig{Over: "stories", VerifyEach: true, VerifyStep: "ghost"}},
	}
	assert.Contains(t, issueCodes(ValidateSteps(steps)), "UNKNOWN_VERIFY_STEP")
}

func issueCodes(result ValidationResult) []string {
	codes := make([]string, 0, len(result.Errors))
	for _, issue := range result.Errors {
		codes = append(codes, issue.Code)
	}
	return codes
}
