package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"foreman/internal/db/repositories"
	"foreman/internal/workflows"
	"foreman/pkg/models"
)

// WorkflowService manages workflow definitions. Definitions are free to
// change while idle; deletion is blocked while any referencing run is
// still running.
type WorkflowService struct {
	repos *repositories.Repositories
}

func NewWorkflowService(repos *repositories.Repositories) *WorkflowService {
	return &WorkflowService{repos: repos}
}

// WorkflowInput is the create/update payload after transport decoding.
type WorkflowInput struct {
	Name        string
	Description *string
	Steps       []models.StepConfig
}

func (s *WorkflowService) Create(ctx context.Context, input WorkflowInput) (*models.Workflow, workflows.ValidationResult, error) {
	validation, err := s.validate(input)
	if err != nil {
		return nil, validation, err
	}

	normalizeStepPositions(input.Steps)

	wf, err := s.repos.Workflows.Create(input.Name, input.Description, input.Steps)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, validation, stateConflict("", "workflow %q already exists", input.Name)
		}
		return nil, validation, fmt.Errorf("failed to create workflow: %w", err)
	}
	return wf, validation, nil
}

func (s *WorkflowService) Get(ctx context.Context, id int64) (*models.Workflow, error) {
	wf, err := s.repos.Workflows.GetByID(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow %d not found", id)
	}
	return wf, err
}

func (s *WorkflowService) GetByName(ctx context.Context, name string) (*models.Workflow, error) {
	wf, err := s.repos.Workflows.GetByName(name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow %q not found", name)
	}
	return wf, err
}

func (s *WorkflowService) List(ctx context.Context, name string) ([]*models.Workflow, error) {
	return s.repos.Workflows.List(name)
}

func (s *WorkflowService) Update(ctx context.Context, id int64, input WorkflowInput) (*models.Workflow, workflows.ValidationResult, error) {
	validation, err := s.validate(input)
	if err != nil {
		return nil, validation, err
	}

	normalizeStepPositions(input.Steps)

	wf, err := s.repos.Workflows.Update(id, input.Name, input.Description, input.Steps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, validation, notFound("workflow %d not found", id)
	}
	if err != nil {
		return nil, validation, fmt.Errorf("failed to update workflow: %w", err)
	}
	return wf, validation, nil
}

// Delete removes the workflow unless a referencing run is still running.
func (s *WorkflowService) Delete(ctx context.Context, id int64) error {
	running, err := s.repos.Workflows.CountRunsByStatus(id, models.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to count active runs: %w", err)
	}
	if running > 0 {
		return stateConflict("", "workflow %d has %d active run(s)", id, running)
	}

	err = s.repos.Workflows.Delete(id)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("workflow %d not found", id)
	}
	return err
}

// ImportYAML parses a workflow specification document and creates the
// workflow it describes.
func (s *WorkflowService) ImportYAML(ctx context.Context, doc []byte) (*models.Workflow, workflows.ValidationResult, error) {
	name, description, steps, validation, err := workflows.ParseYAML(doc)
	if err != nil {
		return nil, validation, validationError("%s", validation.Message())
	}
	return s.Create(ctx, WorkflowInput{Name: name, Description: description, Steps: steps})
}

func (s *WorkflowService) validate(input WorkflowInput) (workflows.ValidationResult, error) {
	var validation workflows.ValidationResult
	if input.Name == "" {
		validation.Errors = append(validation.Errors, workflows.ValidationIssue{
			Code:    "MISSING_NAME",
			Path:    "/name",
			Message: "workflow name is required",
		})
	}
	stepResult := workflows.ValidateSteps(input.Steps)
	validation.Errors = append(validation.Errors, stepResult.Errors...)
	if !validation.OK() {
		return validation, validationError("%s", validation.Message())
	}
	return validation, nil
}

// normalizeStepPositions sorts by position and rewrites it as a dense
// 0-based prefix so step_index materialization is stable.
func normalizeStepPositions(steps []models.StepConfig) {
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Position < steps[j].Position
	})
	for i := range steps {
		steps[i].Position = i
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
