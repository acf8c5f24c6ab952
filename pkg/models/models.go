package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Run, step and story statuses below are the full state machine vocabulary.
// A workflow itself carries no status; it is a definition only.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"

	StepStatusWaiting          = "waiting"
	StepStatusPending          = "pending"
	StepStatusRunning          = "running"
	StepStatusCompleted        = "completed"
	StepStatusFailed           = "failed"
	StepStatusAwaitingApproval = "awaiting_approval"

	StoryStatusPending   = "pending"
	StoryStatusRunning   = "running"
	StoryStatusVerifying = "verifying"
	StoryStatusCompleted = "completed"
	StoryStatusFailed    = "failed"

	StepTypeSingle   = "single"
	StepTypeLoop     = "loop"
	StepTypeApproval = "approval"

	DefaultMaxRetries = 3
)

type User struct {
	ID        int64     `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	IsAdmin   bool      `json:"is_admin" db:"is_admin"`
	APIKey    *string   `json:"api_key,omitempty" db:"api_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Workflow is a named, ordered template of steps. Steps are persisted as a
// JSON array in a single column and parsed at the repository edge.
type Workflow struct {
	ID          int64        `json:"id" db:"id"`
	Name        string       `json:"name" db:"name"`
	Description *string      `json:"description,omitempty" db:"description"`
	Steps       []StepConfig `json:"steps" db:"steps"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// StepConfig is one entry of a workflow definition.
type StepConfig struct {
	StepID        string      `json:"step_id"`
	Name          string      `json:"name,omitempty"`
	AgentID       string      `json:"agent_id"`
	InputTemplate string      `json:"input_template"`
	Expects       string      `json:"expects"`
	Type          string      `json:"type,omitempty"` // single (default), loop, approval
	LoopConfig    *LoopConfig `json:"loop_config,omitempty"`
	Position      int         `json:"position"`
	MaxRetries    *int64      `json:"max_retries,omitempty"`
}

// EffectiveType returns the step type with the single default applied.
func (c StepConfig) EffectiveType() string {
	if c.Type == "" {
		return StepTypeSingle
	}
	return c.Type
}

// LoopConfig is only meaningful on loop-typed steps.
type LoopConfig struct {
	Over       string `json:"over"`       // must be "stories"
	Completion string `json:"completion"` // "all_done"
	VerifyEach bool   `json:"verify_each,omitempty"`
	VerifyStep string `json:"verify_step,omitempty"` // step_id of the verify partner
}

// Run is one execution of a workflow.
type Run struct {
	ID                    string     `json:"id" db:"id"`
	WorkflowID            int64      `json:"workflow_id" db:"workflow_id"`
	UserID                int64      `json:"user_id" db:"user_id"`
	TaskID                *string    `json:"task_id,omitempty" db:"task_id"`
	Task                  string     `json:"task" db:"task"`
	Status                string     `json:"status" db:"status"`
	Context               JSONMap    `json:"context" db:"context"`
	NotifyURL             *string    `json:"notify_url,omitempty" db:"notify_url"`
	AwaitingApproval      bool       `json:"awaiting_approval" db:"awaiting_approval"`
	AwaitingApprovalSince *time.Time `json:"awaiting_approval_since,omitempty" db:"awaiting_approval_since"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// RunWithDetails embeds the materialized steps and stories for API reads.
type RunWithDetails struct {
	Run
	Steps   []*Step  `json:"steps"`
	Stories []*Story `json:"stories"`
}

// Step is one materialized row of a run, bound to one step config.
type Step struct {
	ID             string      `json:"id" db:"id"`
	RunID          string      `json:"run_id" db:"run_id"`
	StepID         string      `json:"step_id" db:"step_id"`
	AgentID        string      `json:"agent_id" db:"agent_id"`
	StepIndex      int64       `json:"step_index" db:"step_index"`
	InputTemplate  string      `json:"input_template" db:"input_template"`
	Expects        string      `json:"expects" db:"expects"`
	Type           string      `json:"type" db:"type"`
	LoopConfig     *LoopConfig `json:"loop_config,omitempty" db:"loop_config"`
	Status         string      `json:"status" db:"status"`
	Output         *string     `json:"output,omitempty" db:"output"`
	RetryCount     int64       `json:"retry_count" db:"retry_count"`
	MaxRetries     int64       `json:"max_retries" db:"max_retries"`
	CurrentStoryID *string     `json:"current_story_id,omitempty" db:"current_story_id"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the step can never transition again.
func (s *Step) IsTerminal() bool {
	return s.Status == StepStatusCompleted || s.Status == StepStatusFailed
}

// Story is a work unit produced by a planner step for a loop step.
type Story struct {
	ID                 string    `json:"id" db:"id"`
	RunID              string    `json:"run_id" db:"run_id"`
	StoryIndex         int64     `json:"story_index" db:"story_index"`
	StoryID            string    `json:"story_id" db:"story_id"`
	Title              string    `json:"title" db:"title"`
	Description        *string   `json:"description,omitempty" db:"description"`
	AcceptanceCriteria *string   `json:"acceptance_criteria,omitempty" db:"acceptance_criteria"`
	Status             string    `json:"status" db:"status"`
	Output             *string   `json:"output,omitempty" db:"output"`
	RetryCount         int64     `json:"retry_count" db:"retry_count"`
	MaxRetries         int64     `json:"max_retries" db:"max_retries"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// JSONMap is a custom type for handling JSON objects in SQLite
type JSONMap map[string]string

func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return "{}", nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}
	if len(data) == 0 {
		*j = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, j)
}

// Clone returns a shallow copy; context maps are never mutated in place.
func (j JSONMap) Clone() JSONMap {
	out := make(JSONMap, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}
