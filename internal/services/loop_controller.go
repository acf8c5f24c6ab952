package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"foreman/internal/events"
	"foreman/internal/logging"
	"foreman/pkg/models"
)

// Loop controller: the story-iteration sub-machine driven by loop steps and
// their optional verify partners. All methods run inside a scheduler
// transaction session.

// completeLoopIteration handles a loop step reporting one story done. With a
// verify partner configured, the story goes to verifying and the partner is
// armed; otherwise the story completes and the loop step returns to pending
// for the next iteration.
func (s *StepScheduler) completeLoopIteration(t *txSession, run *models.Run, step *models.Step, output string) (*CompleteResult, error) {
	story, err := t.stories.Get(*step.CurrentStoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stateConflict(step.Status, "loop step %s references a missing story", step.StepID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load story: %w", err)
	}

	if step.LoopConfig != nil && step.LoopConfig.VerifyEach && step.LoopConfig.VerifyStep != "" {
		return s.handOffToVerify(t, run, step, story, output)
	}

	merged := s.engine.MergeContext(output, run.Context)
	if err := t.runs.UpdateContext(run.ID, merged); err != nil {
		return nil, fmt.Errorf("failed to merge context: %w", err)
	}
	run.Context = merged

	if err := t.stories.UpdateStatus(story.ID, models.StoryStatusCompleted, &output); err != nil {
		return nil, fmt.Errorf("failed to complete story: %w", err)
	}
	story.Status = models.StoryStatusCompleted
	t.publish(storyEvent(events.StoryCompleted, run, story))

	if err := t.steps.SetCurrentStory(step.ID, nil); err != nil {
		return nil, err
	}
	step.CurrentStoryID = nil
	// Back to pending so the loop agent's next poll picks the next story.
	if err := t.steps.UpdateStatus(step.ID, models.StepStatusPending, nil); err != nil {
		return nil, err
	}
	step.Status = models.StepStatusPending

	return s.checkLoopCompletion(t, run, step)
}

// handOffToVerify parks the loop step and arms the verify partner with the
// story that was just implemented.
func (s *StepScheduler) handOffToVerify(t *txSession, run *models.Run, step *models.Step, story *models.Story, output string) (*CompleteResult, error) {
	verify, err := t.steps.GetByRunAndStepID(run.ID, step.LoopConfig.VerifyStep)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stateConflict(step.Status, "verify step %s not found in run %s", step.LoopConfig.VerifyStep, run.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load verify step: %w", err)
	}

	if err := t.stories.UpdateStatus(story.ID, models.StoryStatusVerifying, &output); err != nil {
		return nil, fmt.Errorf("failed to move story to verifying: %w", err)
	}
	if err := t.steps.SetCurrentStory(verify.ID, &story.ID); err != nil {
		return nil, err
	}
	if err := t.steps.UpdateStatus(verify.ID, models.StepStatusPending, nil); err != nil {
		return nil, err
	}
	if err := t.steps.SetCurrentStory(step.ID, nil); err != nil {
		return nil, err
	}
	if err := t.steps.UpdateStatus(step.ID, models.StepStatusWaiting, nil); err != nil {
		return nil, err
	}
	step.Status = models.StepStatusWaiting
	step.CurrentStoryID = nil

	logging.Debug("run %s: story %s handed to verify step %s", run.ID, story.StoryID, verify.StepID)
	return &CompleteResult{Step: step, StepCompleted: false, RunCompleted: false}, nil
}

// completeVerifyStep handles a verify partner reporting its verdict. The
// story completes with the verify output attached, the partner disarms back
// to waiting, and the owning loop step returns to pending.
func (s *StepScheduler) completeVerifyStep(t *txSession, run *models.Run, step *models.Step, output string) (*CompleteResult, error) {
	story, err := t.stories.Get(*step.CurrentStoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stateConflict(step.Status, "verify step %s references a missing story", step.StepID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load story: %w", err)
	}

	loopStep, err := s.findLoopOwner(t, run.ID, step.StepID)
	if err != nil {
		return nil, err
	}

	if err := t.stories.UpdateStatus(story.ID, models.StoryStatusCompleted, &output); err != nil {
		return nil, fmt.Errorf("failed to complete story: %w", err)
	}
	story.Status = models.StoryStatusCompleted
	t.publish(storyEvent(events.StoryCompleted, run, story))

	if err := t.steps.SetCurrentStory(step.ID, nil); err != nil {
		return nil, err
	}
	// The partner re-arms for the next story; it completes for good only
	// when the loop itself does.
	if err := t.steps.UpdateStatus(step.ID, models.StepStatusWaiting, nil); err != nil {
		return nil, err
	}
	step.Status = models.StepStatusWaiting
	step.CurrentStoryID = nil

	if err := t.steps.SetCurrentStory(loopStep.ID, nil); err != nil {
		return nil, err
	}
	if err := t.steps.UpdateStatus(loopStep.ID, models.StepStatusPending, nil); err != nil {
		return nil, err
	}
	loopStep.Status = models.StepStatusPending
	loopStep.CurrentStoryID = nil

	return s.checkLoopCompletion(t, run, loopStep)
}

// checkLoopCompletion completes the loop step when every created story has
// finished. Called with the run write-locked by the surrounding session.
func (s *StepScheduler) checkLoopCompletion(t *txSession, run *models.Run, loopStep *models.Step) (*CompleteResult, error) {
	total, err := t.stories.CountByRun(run.ID)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return &CompleteResult{Step: loopStep, StepCompleted: false, RunCompleted: false}, nil
	}
	unfinished, err := t.stories.CountUnfinished(run.ID)
	if err != nil {
		return nil, err
	}
	if unfinished > 0 {
		return &CompleteResult{Step: loopStep, StepCompleted: false, RunCompleted: false}, nil
	}

	if err := s.completeLoopStep(t, run, loopStep); err != nil {
		return nil, err
	}
	return &CompleteResult{Step: loopStep, StepCompleted: true, RunCompleted: run.Status == models.RunStatusCompleted}, nil
}

// completeLoopStep marks the loop step (and its verify partner, if any)
// completed and advances the pipeline.
func (s *StepScheduler) completeLoopStep(t *txSession, run *models.Run, loopStep *models.Step) error {
	if err := t.steps.SetCurrentStory(loopStep.ID, nil); err != nil {
		return err
	}
	if err := t.steps.UpdateStatus(loopStep.ID, models.StepStatusCompleted, nil); err != nil {
		return fmt.Errorf("failed to complete loop step: %w", err)
	}
	loopStep.Status = models.StepStatusCompleted
	loopStep.CurrentStoryID = nil
	t.publish(stepEvent(events.StepCompleted, run, loopStep, nil))

	if loopStep.LoopConfig != nil && loopStep.LoopConfig.VerifyStep != "" {
		verify, err := t.steps.GetByRunAndStepID(run.ID, loopStep.LoopConfig.VerifyStep)
		if err == nil && !verify.IsTerminal() {
			if err := t.steps.UpdateStatus(verify.ID, models.StepStatusCompleted, nil); err != nil {
				return err
			}
			verify.Status = models.StepStatusCompleted
			t.publish(stepEvent(events.StepCompleted, run, verify, nil))
		}
	}

	_, err := s.advancePipeline(t, run)
	return err
}

// findLoopOwner resolves the loop step whose loop config names verifyStepID
// as its verify partner.
func (s *StepScheduler) findLoopOwner(t *txSession, runID, verifyStepID string) (*models.Step, error) {
	steps, err := t.steps.ListByRun(runID)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if step.Type == models.StepTypeLoop && step.LoopConfig != nil && step.LoopConfig.VerifyStep == verifyStepID {
			return step, nil
		}
	}
	return nil, stateConflict("", "no loop step in run %s names %s as its verify step", runID, verifyStepID)
}

// StartStory claims a story directly, for agents driving stories through
// the per-run story verbs instead of loop-step claiming.
func (s *StepScheduler) StartStory(ctx context.Context, runID, storyID string) (*models.Story, error) {
	var started *models.Story
	err := s.inTx(func(t *txSession) error {
		story, err := t.stories.GetByStoryID(runID, storyID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("story %s not found in run %s", storyID, runID)
		}
		if err != nil {
			return fmt.Errorf("failed to load story: %w", err)
		}
		ok, err := t.stories.CompareAndSetStatus(story.ID, models.StoryStatusPending, models.StoryStatusRunning)
		if err != nil {
			return err
		}
		if !ok {
			return concurrencyLoss(story.Status, "story %s is not startable", storyID)
		}
		story.Status = models.StoryStatusRunning
		started = story
		return nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// CompleteStory finishes a story and re-checks loop completion.
func (s *StepScheduler) CompleteStory(ctx context.Context, runID, storyID, output string) (*models.Story, error) {
	var completed *models.Story
	err := s.inTx(func(t *txSession) error {
		story, err := t.stories.GetByStoryID(runID, storyID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("story %s not found in run %s", storyID, runID)
		}
		if err != nil {
			return fmt.Errorf("failed to load story: %w", err)
		}
		if story.Status == models.StoryStatusCompleted || story.Status == models.StoryStatusFailed {
			return stateConflict(story.Status, "story %s is already %s", storyID, story.Status)
		}

		run, err := t.runs.Get(runID)
		if err != nil {
			return fmt.Errorf("failed to load run: %w", err)
		}

		if err := t.stories.UpdateStatus(story.ID, models.StoryStatusCompleted, &output); err != nil {
			return err
		}
		story.Status = models.StoryStatusCompleted
		story.Output = &output
		t.publish(storyEvent(events.StoryCompleted, run, story))

		loopStep, err := s.findLoopStep(t, runID)
		if err == nil {
			if loopStep.CurrentStoryID != nil && *loopStep.CurrentStoryID == story.ID {
				if err := t.steps.SetCurrentStory(loopStep.ID, nil); err != nil {
					return err
				}
				if !loopStep.IsTerminal() {
					if err := t.steps.UpdateStatus(loopStep.ID, models.StepStatusPending, nil); err != nil {
						return err
					}
					loopStep.Status = models.StepStatusPending
				}
				loopStep.CurrentStoryID = nil
			}
			if _, err := s.checkLoopCompletion(t, run, loopStep); err != nil {
				return err
			}
		}

		completed = story
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// FailStory records a story failure. Retries return the story to pending;
// exhaustion fails the story, its loop step and the run.
func (s *StepScheduler) FailStory(ctx context.Context, runID, storyID, errMsg string, output *string) (*FailResult, error) {
	var result *FailResult
	err := s.inTx(func(t *txSession) error {
		story, err := t.stories.GetByStoryID(runID, storyID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("story %s not found in run %s", storyID, runID)
		}
		if err != nil {
			return fmt.Errorf("failed to load story: %w", err)
		}
		if story.Status == models.StoryStatusCompleted || story.Status == models.StoryStatusFailed {
			return stateConflict(story.Status, "story %s is already %s", storyID, story.Status)
		}

		run, err := t.runs.Get(runID)
		if err != nil {
			return fmt.Errorf("failed to load run: %w", err)
		}

		loopStep, loopErr := s.findLoopStep(t, runID)
		if loopErr == nil {
			// Disarm whichever step currently carries this story.
			if err := s.disarmStoryHolders(t, run, story); err != nil {
				return err
			}
		}

		if story.RetryCount < story.MaxRetries {
			retry := story.RetryCount + 1
			synthetic := syntheticOutput(map[string]interface{}{
				"error": errMsg, "output": output, "retry": retry,
			})
			if err := t.stories.SetRetryCount(story.ID, retry); err != nil {
				return err
			}
			if err := t.stories.UpdateStatus(story.ID, models.StoryStatusPending, &synthetic); err != nil {
				return err
			}
			story.RetryCount = retry
			story.Status = models.StoryStatusPending
			story.Output = &synthetic
			result = &FailResult{Story: story, WillRetry: true}
			return nil
		}

		synthetic := syntheticOutput(map[string]interface{}{
			"error": errMsg, "output": output, "retries_exceeded": true,
		})
		if err := t.stories.UpdateStatus(story.ID, models.StoryStatusFailed, &synthetic); err != nil {
			return err
		}
		story.Status = models.StoryStatusFailed
		story.Output = &synthetic

		// Exhausted stories take the loop step and the run down with them.
		if loopErr == nil && !loopStep.IsTerminal() {
			reason := syntheticOutput(map[string]interface{}{
				"error": fmt.Sprintf("story %s failed: %s", storyID, errMsg),
			})
			if err := t.steps.UpdateStatus(loopStep.ID, models.StepStatusFailed, &reason); err != nil {
				return err
			}
			loopStep.Status = models.StepStatusFailed
			t.publish(stepEvent(events.StepFailed, run, loopStep, map[string]interface{}{"story_id": storyID}))
		}
		if err := s.failRun(t, run); err != nil {
			return err
		}
		result = &FailResult{Story: story, WillRetry: false}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// StoryPatch is the operational status patch for stories.
type StoryPatch struct {
	Status *string
	Output *string
}

// UpdateStory applies a status or output patch. Terminal stories are
// immutable; completion routed through here still re-checks the loop.
func (s *StepScheduler) UpdateStory(ctx context.Context, runID, storyID string, patch StoryPatch) (*models.Story, error) {
	if patch.Status != nil && !isStoryStatus(*patch.Status) {
		return nil, validationError("unknown story status %q", *patch.Status)
	}
	if patch.Status != nil && *patch.Status == models.StoryStatusCompleted {
		output := ""
		if patch.Output != nil {
			output = *patch.Output
		}
		return s.CompleteStory(ctx, runID, storyID, output)
	}

	var updated *models.Story
	err := s.inTx(func(t *txSession) error {
		story, err := t.stories.GetByStoryID(runID, storyID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("story %s not found in run %s", storyID, runID)
		}
		if err != nil {
			return fmt.Errorf("failed to load story: %w", err)
		}
		if patch.Status != nil && *patch.Status != story.Status {
			if story.Status == models.StoryStatusCompleted || story.Status == models.StoryStatusFailed {
				return stateConflict(story.Status, "story %s is already %s", storyID, story.Status)
			}
			if err := t.stories.UpdateStatus(story.ID, *patch.Status, patch.Output); err != nil {
				return err
			}
			story.Status = *patch.Status
			if patch.Output != nil {
				story.Output = patch.Output
			}
		} else if patch.Output != nil {
			if err := t.stories.UpdateStatus(story.ID, story.Status, patch.Output); err != nil {
				return err
			}
			story.Output = patch.Output
		}
		updated = story
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func isStoryStatus(status string) bool {
	switch status {
	case models.StoryStatusPending, models.StoryStatusRunning, models.StoryStatusVerifying,
		models.StoryStatusCompleted, models.StoryStatusFailed:
		return true
	}
	return false
}

// disarmStoryHolders clears currentStoryId from any step bound to the story
// and returns a mid-flight loop step to pending.
func (s *StepScheduler) disarmStoryHolders(t *txSession, run *models.Run, story *models.Story) error {
	steps, err := t.steps.ListByRun(run.ID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.CurrentStoryID == nil || *step.CurrentStoryID != story.ID {
			continue
		}
		if err := t.steps.SetCurrentStory(step.ID, nil); err != nil {
			return err
		}
		if step.IsTerminal() {
			continue
		}
		target := models.StepStatusPending
		if step.Type != models.StepTypeLoop {
			// A verify partner goes back to waiting until re-armed.
			target = models.StepStatusWaiting
		}
		if err := t.steps.UpdateStatus(step.ID, target, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *StepScheduler) findLoopStep(t *txSession, runID string) (*models.Step, error) {
	steps, err := t.steps.ListByRun(runID)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if step.Type == models.StepTypeLoop {
			return step, nil
		}
	}
	return nil, sql.ErrNoRows
}

func storyEvent(name string, run *models.Run, story *models.Story) events.Event {
	return events.Event{
		Type:  events.TypeWorkflowEvent,
		Event: name,
		Payload: map[string]interface{}{
			"run_id":   run.ID,
			"story_id": story.StoryID,
			"status":   story.Status,
		},
		UserID: run.UserID,
	}
}
