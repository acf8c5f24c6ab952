package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"foreman/internal/config"
	"foreman/internal/events"
	"foreman/internal/logging"
	"foreman/pkg/models"
)

// Reaper is the periodic maintenance task: it resets abandoned running
// steps, retries long-failed steps after a cooldown, times out stuck runs
// and, when enabled, archives old terminal runs. Each pass is transactional
// per row set so a crash mid-pass leaves consistent state.
type Reaper struct {
	scheduler *StepScheduler
	cfg       *config.Config
	cron      *cron.Cron
}

func NewReaper(scheduler *StepScheduler, cfg *config.Config) *Reaper {
	return &Reaper{scheduler: scheduler, cfg: cfg, cron: cron.New()}
}

// Start schedules the maintenance passes and returns immediately.
func (r *Reaper) Start() error {
	spec := fmt.Sprintf("@every %ds", r.cfg.ReaperIntervalSeconds)
	if _, err := r.cron.AddFunc(spec, r.RunOnce); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	r.cron.Start()
	logging.Info("reaper scheduled %s (abandoned>%dm, cooldown %dm, run timeout %dm)",
		spec, r.cfg.AbandonedStepAgeMinutes, r.cfg.RetryCooldownMinutes, r.cfg.RunTimeoutMinutes)
	return nil
}

// Stop halts the schedule and waits for an in-flight pass to finish.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// RunOnce executes all maintenance passes. Errors are logged, not
// propagated; the next tick tries again.
func (r *Reaper) RunOnce() {
	if _, err := r.CleanupAbandoned(context.Background(), r.cfg.AbandonedStepAgeMinutes); err != nil {
		logging.Error("reaper: abandoned-step pass: %v", err)
	}
	if err := r.retryFailedSteps(); err != nil {
		logging.Error("reaper: failed-step retry pass: %v", err)
	}
	if err := r.timeoutRuns(); err != nil {
		logging.Error("reaper: run timeout pass: %v", err)
	}
	if r.cfg.ArchiveEnabled {
		if err := r.archiveRuns(); err != nil {
			logging.Error("reaper: archive pass: %v", err)
		}
	}
}

// CleanupAbandoned resets running steps untouched for longer than
// maxAgeMinutes back to pending. Also exposed as an API verb for operators.
func (r *Reaper) CleanupAbandoned(ctx context.Context, maxAgeMinutes int) (int, error) {
	if maxAgeMinutes <= 0 {
		maxAgeMinutes = r.cfg.AbandonedStepAgeMinutes
	}
	cutoff := time.Now().UTC().Add(-time.Duration(maxAgeMinutes) * time.Minute)

	cleaned := 0
	err := r.scheduler.inTx(func(t *txSession) error {
		steps, err := t.steps.ListAbandoned(cutoff)
		if err != nil {
			return err
		}
		for _, step := range steps {
			// The claim may still be live on a slow agent; the CAS makes the
			// reset race-safe against a concurrent completion.
			ok, err := t.steps.CompareAndSetStatus(step.ID, models.StepStatusRunning, models.StepStatusPending)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			output := fmt.Sprintf("RESET: abandoned >%d min", maxAgeMinutes)
			if err := t.steps.UpdateStatus(step.ID, models.StepStatusPending, &output); err != nil {
				return err
			}
			if step.CurrentStoryID != nil {
				// A loop step holds its story in running; release both
				// sides so the next claim re-selects it. A verify partner's
				// story sits in verifying — keep the binding, so the
				// re-claimed step still completes as a verifier.
				released, err := t.stories.CompareAndSetStatus(*step.CurrentStoryID, models.StoryStatusRunning, models.StoryStatusPending)
				if err != nil {
					return err
				}
				if released {
					if err := t.steps.SetCurrentStory(step.ID, nil); err != nil {
						return err
					}
				}
			}
			cleaned++
			logging.Info("reaper: reset abandoned step %s of run %s", step.StepID, step.RunID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cleaned, nil
}

// retryFailedSteps re-queues failed steps with retries left once the
// cooldown has passed.
func (r *Reaper) retryFailedSteps() error {
	cutoff := time.Now().UTC().Add(-time.Duration(r.cfg.RetryCooldownMinutes) * time.Minute)
	return r.scheduler.inTx(func(t *txSession) error {
		steps, err := t.steps.ListFailedRetryable(cutoff)
		if err != nil {
			return err
		}
		for _, step := range steps {
			if err := t.steps.SetRetryCount(step.ID, step.RetryCount+1); err != nil {
				return err
			}
			if err := t.steps.UpdateStatus(step.ID, models.StepStatusPending, nil); err != nil {
				return err
			}
			logging.Info("reaper: re-queued failed step %s of run %s (retry %d/%d)",
				step.StepID, step.RunID, step.RetryCount+1, step.MaxRetries)
		}
		return nil
	})
}

// timeoutRuns fails running runs untouched for longer than the run timeout,
// failing their running steps with them.
func (r *Reaper) timeoutRuns() error {
	cutoff := time.Now().UTC().Add(-time.Duration(r.cfg.RunTimeoutMinutes) * time.Minute)
	return r.scheduler.inTx(func(t *txSession) error {
		runs, err := t.runs.ListTimedOut(cutoff)
		if err != nil {
			return err
		}
		for _, run := range runs {
			steps, err := t.steps.ListByRunAndStatus(run.ID, models.StepStatusRunning)
			if err != nil {
				return err
			}
			output := "RUN_TIMEOUT"
			for _, step := range steps {
				if err := t.steps.UpdateStatus(step.ID, models.StepStatusFailed, &output); err != nil {
					return err
				}
				step.Status = models.StepStatusFailed
				t.publish(stepEvent(events.StepFailed, run, step, map[string]interface{}{"error": output}))
			}
			if err := t.runs.UpdateStatus(run.ID, models.RunStatusFailed); err != nil {
				return err
			}
			run.Status = models.RunStatusFailed
			t.publish(runEvent(events.RunFailed, run))
			t.notify(run, events.RunFailed)
			logging.Info("reaper: timed out run %s after %dm", run.ID, r.cfg.RunTimeoutMinutes)
		}
		return nil
	})
}

// archiveRuns deletes terminal runs once they have aged past the archive
// delay. Steps and stories cascade with the run.
func (r *Reaper) archiveRuns() error {
	cutoff := time.Now().UTC().Add(-time.Duration(r.cfg.ArchiveDelayHours) * time.Hour)
	return r.scheduler.inTx(func(t *txSession) error {
		runs, err := t.runs.ListArchivable(cutoff)
		if err != nil {
			return err
		}
		for _, run := range runs {
			if err := t.runs.Delete(run.ID); err != nil {
				return err
			}
			logging.Info("reaper: archived run %s (%s)", run.ID, run.Status)
		}
		return nil
	})
}
