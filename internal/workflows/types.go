package workflows

import "errors"

// SpecDocument is the YAML authoring format for a workflow definition.
type SpecDocument struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Steps       []SpecStep `yaml:"steps"`
}

type SpecStep struct {
	StepID        string          `yaml:"step_id"`
	Name          string          `yaml:"name,omitempty"`
	AgentID       string          `yaml:"agent_id"`
	InputTemplate string          `yaml:"input_template"`
	Expects       string          `yaml:"expects"`
	Type          string          `yaml:"type,omitempty"` // single (default), loop, approval
	LoopConfig    *SpecLoopConfig `yaml:"loop_config,omitempty"`
	Position      *int            `yaml:"position,omitempty"` // default: array index
	MaxRetries    *int64          `yaml:"max_retries,omitempty"`
}

type SpecLoopConfig struct {
	Over       string `yaml:"over"`
	Completion string `yaml:"completion"`
	VerifyEach bool   `yaml:"verify_each,omitempty"`
	VerifyStep string `yaml:"verify_step,omitempty"`
}

// ValidationIssue is a structured validation error for API consumers.
type ValidationIssue struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult aggregates validation errors.
type ValidationResult struct {
	Errors []ValidationIssue `json:"errors"`
}

func (r ValidationResult) OK() bool {
	return len(r.Errors) == 0
}

// Message joins the issues into a single human-readable string.
func (r ValidationResult) Message() string {
	if r.OK() {
		return ""
	}
	msg := r.Errors[0].Message
	for _, issue := range r.Errors[1:] {
		msg += "; " + issue.Message
	}
	return msg
}

// ErrValidation indicates the definition failed validation.
var ErrValidation = errors.New("workflow validation failed")
