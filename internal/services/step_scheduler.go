package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"foreman/internal/db"
	"foreman/internal/db/repositories"
	"foreman/internal/events"
	"foreman/internal/logging"
	"foreman/internal/template"
	"foreman/pkg/models"
)

// claimRetryLimit bounds the claim retry loop when concurrent pollers keep
// winning the compare-and-set race. The loser is told "no work" after this
// many attempts and polls again later.
const claimRetryLimit = 3

// StepScheduler is the orchestration core: atomic step claiming, completion
// with pipeline advancement, retries, loop/story iteration and approvals.
// Every multi-row transition runs inside a single transaction serialized by
// the SQLite write mutex; events and webhook notifications fire after commit.
type StepScheduler struct {
	repos       *repositories.Repositories
	engine      *template.Engine
	broadcaster *events.Broadcaster
	notifier    *Notifier
}

func NewStepScheduler(repos *repositories.Repositories, engine *template.Engine, broadcaster *events.Broadcaster, notifier *Notifier) *StepScheduler {
	return &StepScheduler{repos: repos, engine: engine, broadcaster: broadcaster, notifier: notifier}
}

// ClaimResult is the scheduler's answer to an agent poll.
type ClaimResult struct {
	Found         bool          `json:"found"`
	StepID        string        `json:"step_id,omitempty"`
	RunID         string        `json:"run_id,omitempty"`
	ResolvedInput string        `json:"resolved_input,omitempty"`
	StoryID       *string       `json:"story_id,omitempty"`
	Step          *models.Step  `json:"-"`
}

// CompleteResult reports what a completion call moved forward.
type CompleteResult struct {
	Step          *models.Step `json:"data"`
	StepCompleted bool         `json:"step_completed"`
	RunCompleted  bool         `json:"run_completed"`
}

// FailResult reports whether the failed step or story will be retried,
// carrying whichever entity the verb acted on.
type FailResult struct {
	Step      *models.Step  `json:"data,omitempty"`
	Story     *models.Story `json:"-"`
	WillRetry bool          `json:"will_retry"`
}

// txSession scopes the repositories to one transaction and buffers the
// events and webhook notifications that must only fire after commit.
type txSession struct {
	runs    *repositories.RunRepo
	steps   *repositories.StepRepo
	stories *repositories.StoryRepo

	events   []events.Event
	notifies []notification
}

type notification struct {
	run   *models.Run
	event string
}

func (t *txSession) publish(ev events.Event) {
	t.events = append(t.events, ev)
}

func (t *txSession) notify(run *models.Run, event string) {
	t.notifies = append(t.notifies, notification{run: run, event: event})
}

// inTx runs fn inside a write-serialized transaction, then flushes the
// buffered events and notifications on commit.
func (s *StepScheduler) inTx(fn func(t *txSession) error) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	tx, err := s.repos.BeginTx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sess := &txSession{
		runs:    s.repos.Runs.WithTx(tx),
		steps:   s.repos.Steps.WithTx(tx),
		stories: s.repos.Stories.WithTx(tx),
	}
	if err := fn(sess); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	for _, ev := range sess.events {
		s.broadcaster.Publish(ev)
	}
	if s.notifier != nil {
		for _, n := range sess.notifies {
			s.notifier.Notify(n.run, n.event)
		}
	}
	return nil
}

// ClaimByAgent finds the oldest run's lowest-index pending step bound to the
// agent and claims it. Losing a compare-and-set race retries the search; a
// fruitless search returns found=false.
func (s *StepScheduler) ClaimByAgent(ctx context.Context, agentID string) (*ClaimResult, error) {
	if agentID == "" {
		return nil, validationError("agent_id is required")
	}

	for attempt := 0; attempt < claimRetryLimit; attempt++ {
		var result *ClaimResult
		var lostRace bool
		err := s.inTx(func(t *txSession) error {
			step, err := t.steps.FindClaimable(agentID)
			if errors.Is(err, sql.ErrNoRows) {
				result = &ClaimResult{Found: false}
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to find claimable step: %w", err)
			}

			run, err := t.runs.Get(step.RunID)
			if err != nil {
				return fmt.Errorf("failed to load run %s: %w", step.RunID, err)
			}

			result, lostRace, err = s.claimStep(t, run, step, agentID)
			return err
		})
		if err != nil {
			return nil, err
		}
		if lostRace {
			continue
		}
		return result, nil
	}
	return &ClaimResult{Found: false}, nil
}

// ClaimRunStep is the per-run claim verb: the caller names the step, and
// admission failures are reported instead of silently skipped.
func (s *StepScheduler) ClaimRunStep(ctx context.Context, runID, stepID, agentID string) (*ClaimResult, error) {
	if agentID == "" {
		return nil, validationError("agent_id is required")
	}

	var result *ClaimResult
	err := s.inTx(func(t *txSession) error {
		step, err := t.steps.GetByRunAndStepID(runID, stepID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("step %s not found in run %s", stepID, runID)
		}
		if err != nil {
			return fmt.Errorf("failed to load step: %w", err)
		}

		run, err := t.runs.Get(runID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("run %s not found", runID)
		}
		if err != nil {
			return fmt.Errorf("failed to load run: %w", err)
		}

		if run.Status != models.RunStatusRunning {
			return stateConflict(run.Status, "run %s is %s, not running", runID, run.Status)
		}
		if step.AgentID != agentID {
			return &StatusError{Kind: ErrForbiddenAgent, Message: fmt.Sprintf("step %s belongs to agent %s", stepID, step.AgentID)}
		}
		incomplete, err := countIncompleteBefore(t, runID, step.StepIndex)
		if err != nil {
			return err
		}
		if incomplete > 0 {
			return stateConflict(step.Status, "previous steps of run %s are not completed", runID)
		}
		if step.Status != models.StepStatusPending {
			return concurrencyLoss(step.Status, "step %s is not claimable", stepID)
		}

		claimed, lostRace, err := s.claimStep(t, run, step, agentID)
		if err != nil {
			return err
		}
		if lostRace {
			return concurrencyLoss(step.Status, "step %s was claimed concurrently", stepID)
		}
		if !claimed.Found {
			// Loop step with no pending story yet.
			return stateConflict(step.Status, "no pending story for loop step %s", stepID)
		}
		result = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// claimStep performs the compare-and-set admission for one step inside the
// session's transaction. For loop steps it also admits the next pending
// story; when none is pending it checks for eager loop completion.
func (s *StepScheduler) claimStep(t *txSession, run *models.Run, step *models.Step, agentID string) (*ClaimResult, bool, error) {
	if step.Type == models.StepTypeLoop {
		return s.claimLoopStory(t, run, step)
	}

	ok, err := t.steps.CompareAndSetStatus(step.ID, models.StepStatusPending, models.StepStatusRunning)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim step: %w", err)
	}
	if !ok {
		return nil, true, nil
	}

	step.Status = models.StepStatusRunning
	resolveCtx := run.Context
	var storyID *string
	if step.CurrentStoryID != nil {
		// Verify partners carry the story they were armed with; expose it
		// to the template the same way loop claims do.
		story, err := t.stories.Get(*step.CurrentStoryID)
		if err == nil {
			resolveCtx = augmentStoryContext(run.Context, story)
			storyID = &story.StoryID
		}
	}

	t.publish(stepEvent(events.StepClaimed, run, step, map[string]interface{}{"agent_id": agentID}))
	return &ClaimResult{
		Found:         true,
		StepID:        step.StepID,
		RunID:         run.ID,
		ResolvedInput: s.engine.Resolve(step.InputTemplate, resolveCtx),
		StoryID:       storyID,
		Step:          step,
	}, false, nil
}

// claimLoopStory admits the lowest-index pending story together with the
// loop step. With no pending story left and every created story finished,
// the loop step is completed eagerly under the run lock.
func (s *StepScheduler) claimLoopStory(t *txSession, run *models.Run, step *models.Step) (*ClaimResult, bool, error) {
	story, err := t.stories.FindNextPending(run.ID)
	if errors.Is(err, sql.ErrNoRows) {
		total, err := t.stories.CountByRun(run.ID)
		if err != nil {
			return nil, false, err
		}
		if total > 0 {
			unfinished, err := t.stories.CountUnfinished(run.ID)
			if err != nil {
				return nil, false, err
			}
			if unfinished == 0 {
				if err := s.completeLoopStep(t, run, step); err != nil {
					return nil, false, err
				}
			}
		}
		return &ClaimResult{Found: false}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to find pending story: %w", err)
	}

	ok, err := t.stories.CompareAndSetStatus(story.ID, models.StoryStatusPending, models.StoryStatusRunning)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim story: %w", err)
	}
	if !ok {
		return nil, true, nil
	}
	ok, err = t.steps.CompareAndSetStatus(step.ID, models.StepStatusPending, models.StepStatusRunning)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim loop step: %w", err)
	}
	if !ok {
		return nil, true, nil
	}
	if err := t.steps.SetCurrentStory(step.ID, &story.ID); err != nil {
		return nil, false, fmt.Errorf("failed to bind story to loop step: %w", err)
	}
	step.Status = models.StepStatusRunning
	step.CurrentStoryID = &story.ID

	t.publish(stepEvent(events.StepClaimed, run, step, map[string]interface{}{"story_id": story.StoryID}))
	return &ClaimResult{
		Found:         true,
		StepID:        step.StepID,
		RunID:         run.ID,
		ResolvedInput: s.engine.Resolve(step.InputTemplate, augmentStoryContext(run.Context, story)),
		StoryID:       &story.StoryID,
		Step:          step,
	}, false, nil
}

// CompleteStepWithPipeline records the step's output, merges KEY: value
// lines into the run context and advances the pipeline. Loop and verify
// steps are dispatched to the loop controller instead.
func (s *StepScheduler) CompleteStepWithPipeline(ctx context.Context, stepDBID, output string) (*CompleteResult, error) {
	var result *CompleteResult
	err := s.inTx(func(t *txSession) error {
		step, err := t.steps.Get(stepDBID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("step %s not found", stepDBID)
		}
		if err != nil {
			return fmt.Errorf("failed to load step: %w", err)
		}
		result, err = s.completeStep(t, step, output)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CompleteRunStep is the per-run completion verb, addressing the step by its
// workflow-level step_id.
func (s *StepScheduler) CompleteRunStep(ctx context.Context, runID, stepID, output string) (*CompleteResult, error) {
	var result *CompleteResult
	err := s.inTx(func(t *txSession) error {
		step, err := t.steps.GetByRunAndStepID(runID, stepID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("step %s not found in run %s", stepID, runID)
		}
		if err != nil {
			return fmt.Errorf("failed to load step: %w", err)
		}
		result, err = s.completeStep(t, step, output)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *StepScheduler) completeStep(t *txSession, step *models.Step, output string) (*CompleteResult, error) {
	if step.IsTerminal() {
		return nil, stateConflict(step.Status, "step %s is already %s", step.StepID, step.Status)
	}
	if step.Status != models.StepStatusRunning {
		return nil, stateConflict(step.Status, "step %s is %s, not running", step.StepID, step.Status)
	}

	run, err := t.runs.Get(step.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", step.RunID, err)
	}

	// Loop iterations and verify partners route through the loop controller.
	if step.Type == models.StepTypeLoop && step.CurrentStoryID != nil {
		return s.completeLoopIteration(t, run, step, output)
	}
	if step.Type != models.StepTypeLoop && step.CurrentStoryID != nil {
		return s.completeVerifyStep(t, run, step, output)
	}

	merged := s.engine.MergeContext(output, run.Context)
	if err := t.runs.UpdateContext(run.ID, merged); err != nil {
		return nil, fmt.Errorf("failed to merge context: %w", err)
	}
	run.Context = merged

	// A planner that emits STORIES_JSON seeds the story table for a later
	// loop step. A malformed block fails the completion so the agent can
	// correct its output.
	stories, err := s.engine.ParseStoriesJSON(output)
	if err != nil {
		return nil, validationError("%s", err.Error())
	}
	if len(stories) > 0 {
		if err := s.insertStories(t, run, stories); err != nil {
			return nil, err
		}
	}

	if err := t.steps.UpdateStatus(step.ID, models.StepStatusCompleted, &output); err != nil {
		return nil, fmt.Errorf("failed to complete step: %w", err)
	}
	step.Status = models.StepStatusCompleted
	step.Output = &output
	t.publish(stepEvent(events.StepCompleted, run, step, nil))

	runCompleted, err := s.advancePipeline(t, run)
	if err != nil {
		return nil, err
	}
	return &CompleteResult{Step: step, StepCompleted: true, RunCompleted: runCompleted}, nil
}

func (s *StepScheduler) insertStories(t *txSession, run *models.Run, parsed []template.ParsedStory) error {
	existing, err := t.stories.CountByRun(run.ID)
	if err != nil {
		return err
	}
	for i, p := range parsed {
		story := &models.Story{
			ID:         NewID(),
			RunID:      run.ID,
			StoryIndex: existing + int64(i),
			StoryID:    p.ID,
			Title:      p.Title,
			Status:     models.StoryStatusPending,
			MaxRetries: models.DefaultMaxRetries,
			CreatedAt:  nowUTC(),
			UpdatedAt:  nowUTC(),
		}
		if p.Description != nil && *p.Description != "" {
			story.Description = p.Description
		}
		if criteria := p.Criteria(); len(criteria) > 0 {
			joined := template.JoinCriteria(criteria)
			story.AcceptanceCriteria = &joined
		}
		if err := t.stories.Insert(story); err != nil {
			if isUniqueViolation(err) {
				return stateConflict("", "story id %q already exists in run %s", p.ID, run.ID)
			}
			return fmt.Errorf("failed to insert story %q: %w", p.ID, err)
		}
	}
	logging.Debug("run %s: planner produced %d stories", run.ID, len(parsed))
	return nil
}

// FailStep records a failure. With retries left the step returns to pending
// with a synthetic retry output; otherwise the step and its run fail.
func (s *StepScheduler) FailStep(ctx context.Context, runID, stepID, errMsg string, output *string) (*FailResult, error) {
	var result *FailResult
	err := s.inTx(func(t *txSession) error {
		step, err := t.steps.GetByRunAndStepID(runID, stepID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("step %s not found in run %s", stepID, runID)
		}
		if err != nil {
			return fmt.Errorf("failed to load step: %w", err)
		}
		result, err = s.failStep(t, step, errMsg, output)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *StepScheduler) failStep(t *txSession, step *models.Step, errMsg string, output *string) (*FailResult, error) {
	if step.IsTerminal() {
		return nil, stateConflict(step.Status, "step %s is already %s", step.StepID, step.Status)
	}

	run, err := t.runs.Get(step.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", step.RunID, err)
	}

	// A loop step that fails mid-story releases the story for re-claim.
	if step.CurrentStoryID != nil {
		if _, err := t.stories.CompareAndSetStatus(*step.CurrentStoryID, models.StoryStatusRunning, models.StoryStatusPending); err != nil {
			return nil, err
		}
		if err := t.steps.SetCurrentStory(step.ID, nil); err != nil {
			return nil, err
		}
		step.CurrentStoryID = nil
	}

	if step.RetryCount < step.MaxRetries {
		retry := step.RetryCount + 1
		synthetic := syntheticOutput(map[string]interface{}{
			"error": errMsg, "output": output, "retry": retry,
		})
		if err := t.steps.SetRetryCount(step.ID, retry); err != nil {
			return nil, err
		}
		if err := t.steps.UpdateStatus(step.ID, models.StepStatusPending, &synthetic); err != nil {
			return nil, err
		}
		step.RetryCount = retry
		step.Status = models.StepStatusPending
		step.Output = &synthetic
		return &FailResult{Step: step, WillRetry: true}, nil
	}

	synthetic := syntheticOutput(map[string]interface{}{
		"error": errMsg, "output": output, "retries_exceeded": true,
	})
	if err := t.steps.UpdateStatus(step.ID, models.StepStatusFailed, &synthetic); err != nil {
		return nil, err
	}
	step.Status = models.StepStatusFailed
	step.Output = &synthetic
	t.publish(stepEvent(events.StepFailed, run, step, map[string]interface{}{"error": errMsg}))

	if err := s.failRun(t, run); err != nil {
		return nil, err
	}
	return &FailResult{Step: step, WillRetry: false}, nil
}

// StepPatch is the generic status patch used by the approval workflow and
// operational tooling. Transitions outside the matrix are rejected.
type StepPatch struct {
	Status         *string
	Output         *string
	CurrentStoryID *string
}

func (s *StepScheduler) UpdateStep(ctx context.Context, runID, stepID string, patch StepPatch) (*models.Step, error) {
	var updated *models.Step
	err := s.inTx(func(t *txSession) error {
		step, err := t.steps.GetByRunAndStepID(runID, stepID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("step %s not found in run %s", stepID, runID)
		}
		if err != nil {
			return fmt.Errorf("failed to load step: %w", err)
		}

		if patch.Status != nil {
			if !isStepStatus(*patch.Status) {
				return validationError("unknown step status %q", *patch.Status)
			}
			if *patch.Status != step.Status {
				if !canTransition(step.Status, *patch.Status) {
					return invalidTransition(step.Status, *patch.Status)
				}
				if err := t.steps.UpdateStatus(step.ID, *patch.Status, patch.Output); err != nil {
					return err
				}
				if err := s.syncAwaitingApproval(t, step, *patch.Status); err != nil {
					return err
				}
				step.Status = *patch.Status
				if patch.Output != nil {
					step.Output = patch.Output
				}
			} else if patch.Output != nil {
				if err := t.steps.UpdateStatus(step.ID, step.Status, patch.Output); err != nil {
					return err
				}
				step.Output = patch.Output
			}
		} else if patch.Output != nil {
			if err := t.steps.UpdateStatus(step.ID, step.Status, patch.Output); err != nil {
				return err
			}
			step.Output = patch.Output
		}

		if patch.CurrentStoryID != nil {
			storyID := patch.CurrentStoryID
			if *storyID == "" {
				storyID = nil
			}
			if err := t.steps.SetCurrentStory(step.ID, storyID); err != nil {
				return err
			}
			step.CurrentStoryID = storyID
		}

		updated = step
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// syncAwaitingApproval maintains the run-level approval flag as steps move
// in and out of awaiting_approval.
func (s *StepScheduler) syncAwaitingApproval(t *txSession, step *models.Step, newStatus string) error {
	run, err := t.runs.Get(step.RunID)
	if err != nil {
		return err
	}

	if newStatus == models.StepStatusAwaitingApproval {
		if err := t.runs.SetAwaitingApproval(run.ID, true); err != nil {
			return err
		}
		t.publish(stepEvent(events.StepAwaitingApproval, run, step, nil))
		return nil
	}

	if step.Status != models.StepStatusAwaitingApproval {
		return nil
	}
	// Leaving awaiting_approval: clear the run flag unless another step
	// still awaits a verdict.
	others, err := t.steps.CountByRunAndStatus(run.ID, models.StepStatusAwaitingApproval)
	if err != nil {
		return err
	}
	if others <= 1 {
		return t.runs.SetAwaitingApproval(run.ID, false)
	}
	return nil
}

// advancePipeline flips the next waiting step to pending; with no waiting
// step left and every step completed, the run completes.
func (s *StepScheduler) advancePipeline(t *txSession, run *models.Run) (bool, error) {
	next, err := t.steps.LowestWaiting(run.ID)
	if err == nil {
		if err := t.steps.UpdateStatus(next.ID, models.StepStatusPending, nil); err != nil {
			return false, fmt.Errorf("failed to advance pipeline: %w", err)
		}
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	remaining, err := t.steps.CountByRunExcludingStatus(run.ID, models.StepStatusCompleted)
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}

	if err := t.runs.UpdateStatus(run.ID, models.RunStatusCompleted); err != nil {
		return false, fmt.Errorf("failed to complete run: %w", err)
	}
	run.Status = models.RunStatusCompleted
	t.publish(runEvent(events.RunCompleted, run))
	t.notify(run, events.RunCompleted)
	return true, nil
}

func (s *StepScheduler) failRun(t *txSession, run *models.Run) error {
	if run.Status != models.RunStatusRunning {
		return nil
	}
	if err := t.runs.UpdateStatus(run.ID, models.RunStatusFailed); err != nil {
		return fmt.Errorf("failed to fail run: %w", err)
	}
	run.Status = models.RunStatusFailed
	t.publish(runEvent(events.RunFailed, run))
	t.notify(run, events.RunFailed)
	return nil
}

// Transition matrix for externally requested status changes. Rows are the
// current status, entries the permitted targets.
var stepTransitions = map[string]map[string]bool{
	models.StepStatusWaiting: {
		models.StepStatusPending:          true,
		models.StepStatusRunning:          true,
		models.StepStatusAwaitingApproval: true,
	},
	models.StepStatusPending: {
		models.StepStatusRunning:          true,
		models.StepStatusAwaitingApproval: true,
	},
	models.StepStatusRunning: {
		models.StepStatusPending:          true,
		models.StepStatusWaiting:          true,
		models.StepStatusAwaitingApproval: true,
		models.StepStatusCompleted:        true,
		models.StepStatusFailed:           true,
	},
	models.StepStatusAwaitingApproval: {
		models.StepStatusRunning:   true,
		models.StepStatusCompleted: true,
		models.StepStatusFailed:    true,
	},
	models.StepStatusCompleted: {},
	models.StepStatusFailed:    {},
}

func canTransition(from, to string) bool {
	if from == to {
		return true
	}
	return stepTransitions[from][to]
}

func isStepStatus(status string) bool {
	_, ok := stepTransitions[status]
	return ok
}

func countIncompleteBefore(t *txSession, runID string, stepIndex int64) (int64, error) {
	steps, err := t.steps.ListByRun(runID)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, s := range steps {
		if s.StepIndex < stepIndex && s.Status != models.StepStatusCompleted {
			count++
		}
	}
	return count, nil
}

func augmentStoryContext(ctx models.JSONMap, story *models.Story) models.JSONMap {
	augmented := ctx.Clone()
	augmented["current_story"] = template.FormatStory(story)
	augmented["current_story_id"] = story.StoryID
	return augmented
}

func syntheticOutput(fields map[string]interface{}) string {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf("%v", fields)
	}
	return string(data)
}

func stepEvent(name string, run *models.Run, step *models.Step, extra map[string]interface{}) events.Event {
	payload := map[string]interface{}{
		"run_id":  run.ID,
		"step_id": step.StepID,
		"status":  step.Status,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return events.Event{Type: events.TypeWorkflowEvent, Event: name, Payload: payload, UserID: run.UserID}
}

func runEvent(name string, run *models.Run) events.Event {
	return events.Event{
		Type:  events.TypeWorkflowEvent,
		Event: name,
		Payload: map[string]interface{}{
			"run_id": run.ID,
			"task":   run.Task,
			"status": run.Status,
		},
		UserID: run.UserID,
	}
}
