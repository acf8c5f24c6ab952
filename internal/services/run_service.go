package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"foreman/internal/db"
	"foreman/internal/db/repositories"
	"foreman/internal/events"
	"foreman/pkg/models"
)

// RunService creates runs from workflow definitions and materializes their
// step rows. Creation is a single transaction: either the run and all of
// its steps exist, or none do.
type RunService struct {
	repos       *repositories.Repositories
	broadcaster *events.Broadcaster
}

func NewRunService(repos *repositories.Repositories, broadcaster *events.Broadcaster) *RunService {
	return &RunService{repos: repos, broadcaster: broadcaster}
}

// CreateRunInput is the run creation payload after transport decoding.
type CreateRunInput struct {
	WorkflowID int64
	UserID     int64
	Task       string
	TaskID     *string
	Context    map[string]string
	NotifyURL  *string
}

func (s *RunService) Create(ctx context.Context, input CreateRunInput) (*models.Run, error) {
	if input.Task == "" {
		return nil, validationError("task is required")
	}

	workflow, err := s.repos.Workflows.GetByID(input.WorkflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow %d not found", input.WorkflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	if len(workflow.Steps) == 0 {
		return nil, validationError("workflow %q has no steps", workflow.Name)
	}

	// Context keys are stored lowercased; the task seed wins over any
	// caller-supplied "task" key.
	runContext := models.JSONMap{}
	for k, v := range input.Context {
		runContext[strings.ToLower(k)] = v
	}
	runContext["task"] = input.Task

	now := time.Now().UTC()
	run := &models.Run{
		ID:         NewID(),
		WorkflowID: workflow.ID,
		UserID:     input.UserID,
		TaskID:     input.TaskID,
		Task:       input.Task,
		Status:     models.RunStatusRunning,
		Context:    runContext,
		NotifyURL:  input.NotifyURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	tx, err := s.repos.BeginTx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.repos.Runs.WithTx(tx).Insert(run); err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}

	stepRepo := s.repos.Steps.WithTx(tx)
	for i, cfg := range workflow.Steps {
		status := models.StepStatusWaiting
		if i == 0 {
			status = models.StepStatusPending
		}
		maxRetries := int64(models.DefaultMaxRetries)
		if cfg.MaxRetries != nil {
			maxRetries = *cfg.MaxRetries
		}
		step := &models.Step{
			ID:            NewID(),
			RunID:         run.ID,
			StepID:        cfg.StepID,
			AgentID:       cfg.AgentID,
			StepIndex:     int64(i),
			InputTemplate: cfg.InputTemplate,
			Expects:       cfg.Expects,
			Type:          cfg.EffectiveType(),
			LoopConfig:    cfg.LoopConfig,
			Status:        status,
			MaxRetries:    maxRetries,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := stepRepo.Insert(step); err != nil {
			return nil, fmt.Errorf("failed to insert step %q: %w", cfg.StepID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run creation: %w", err)
	}

	s.broadcaster.Publish(events.Event{
		Type:   events.TypeWorkflowEvent,
		Event:  events.RunCreated,
		UserID: run.UserID,
		Payload: map[string]interface{}{
			"run_id":      run.ID,
			"workflow_id": run.WorkflowID,
			"task":        run.Task,
			"status":      run.Status,
		},
	})

	return run, nil
}

func (s *RunService) Get(ctx context.Context, id string) (*models.Run, error) {
	run, err := s.repos.Runs.Get(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run %s not found", id)
	}
	return run, err
}

// GetWithDetails returns the run with its materialized steps and stories.
func (s *RunService) GetWithDetails(ctx context.Context, id string) (*models.RunWithDetails, error) {
	run, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.repos.Steps.ListByRun(id)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	stories, err := s.repos.Stories.ListByRun(id)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	return &models.RunWithDetails{Run: *run, Steps: steps, Stories: stories}, nil
}

func (s *RunService) List(ctx context.Context, filter repositories.RunFilter) ([]*models.Run, error) {
	if filter.Status != "" && !isRunStatus(filter.Status) {
		return nil, validationError("unknown run status %q", filter.Status)
	}
	return s.repos.Runs.List(filter)
}

// UpdateStatus moves the run to one of {running, completed, failed}.
func (s *RunService) UpdateStatus(ctx context.Context, id, status string) (*models.Run, error) {
	if !isRunStatus(status) {
		return nil, validationError("unknown run status %q", status)
	}
	err := s.repos.Runs.UpdateStatus(id, status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update run status: %w", err)
	}
	return s.Get(ctx, id)
}

func isRunStatus(status string) bool {
	switch status {
	case models.RunStatusRunning, models.RunStatusCompleted, models.RunStatusFailed:
		return true
	}
	return false
}
