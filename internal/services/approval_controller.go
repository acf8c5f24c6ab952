package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"foreman/internal/events"
	"foreman/pkg/models"
)

// Approval controller: the human-verdict sub-machine. An approval step's
// agent parks it in awaiting_approval via the generic status patch; these
// verbs resolve the verdict.

// ApproveStep completes an awaiting step with the approver's note and
// advances the pipeline.
func (s *StepScheduler) ApproveStep(ctx context.Context, runID, stepID, note string) (*CompleteResult, error) {
	var result *CompleteResult
	err := s.inTx(func(t *txSession) error {
		step, run, err := s.loadAwaitingStep(t, runID, stepID)
		if err != nil {
			return err
		}

		output := "APPROVED: " + note
		if err := t.steps.UpdateStatus(step.ID, models.StepStatusCompleted, &output); err != nil {
			return fmt.Errorf("failed to approve step: %w", err)
		}
		step.Status = models.StepStatusCompleted
		step.Output = &output
		t.publish(stepEvent(events.StepCompleted, run, step, map[string]interface{}{"approved": true}))

		if err := s.clearAwaitingFlag(t, run); err != nil {
			return err
		}

		runCompleted, err := s.advancePipeline(t, run)
		if err != nil {
			return err
		}
		result = &CompleteResult{Step: step, StepCompleted: true, RunCompleted: runCompleted}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RejectStep fails an awaiting step with the approver's reason. Rejections
// are final: no retry, and the run fails.
func (s *StepScheduler) RejectStep(ctx context.Context, runID, stepID, reason string) (*CompleteResult, error) {
	var result *CompleteResult
	err := s.inTx(func(t *txSession) error {
		step, run, err := s.loadAwaitingStep(t, runID, stepID)
		if err != nil {
			return err
		}

		output := "REJECTED: " + reason
		if err := t.steps.UpdateStatus(step.ID, models.StepStatusFailed, &output); err != nil {
			return fmt.Errorf("failed to reject step: %w", err)
		}
		step.Status = models.StepStatusFailed
		step.Output = &output
		t.publish(stepEvent(events.StepFailed, run, step, map[string]interface{}{"rejected": true}))

		if err := s.clearAwaitingFlag(t, run); err != nil {
			return err
		}
		if err := s.failRun(t, run); err != nil {
			return err
		}
		result = &CompleteResult{Step: step, StepCompleted: false, RunCompleted: false}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *StepScheduler) loadAwaitingStep(t *txSession, runID, stepID string) (*models.Step, *models.Run, error) {
	step, err := t.steps.GetByRunAndStepID(runID, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, notFound("step %s not found in run %s", stepID, runID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load step: %w", err)
	}
	if step.Status != models.StepStatusAwaitingApproval {
		return nil, nil, stateConflict(step.Status, "step %s is %s, not awaiting approval", stepID, step.Status)
	}

	run, err := t.runs.Get(runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load run: %w", err)
	}
	return step, run, nil
}

// clearAwaitingFlag drops the run flag unless another step still awaits a
// verdict.
func (s *StepScheduler) clearAwaitingFlag(t *txSession, run *models.Run) error {
	others, err := t.steps.CountByRunAndStatus(run.ID, models.StepStatusAwaitingApproval)
	if err != nil {
		return err
	}
	if others == 0 {
		if err := t.runs.SetAwaitingApproval(run.ID, false); err != nil {
			return err
		}
		run.AwaitingApproval = false
	}
	return nil
}
