package services

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/db/repositories"
	"foreman/internal/events"
	"foreman/internal/template"
	"foreman/pkg/models"
)

type reaperEnv struct {
	*testEnv
	conn   *sql.DB
	reaper *Reaper
}

func newReaperEnv(t *testing.T) *reaperEnv {
	t.Helper()
	database, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	repos := repositories.New(database)
	broadcaster := events.NewBroadcaster()
	scheduler := NewStepScheduler(repos, template.NewEngine(0), broadcaster, nil)

	user, err := repos.Users.Create("tester", true, nil)
	require.NoError(t, err)

	cfg := &config.Config{
		ReaperIntervalSeconds:   60,
		AbandonedStepAgeMinutes: 15,
		RetryCooldownMinutes:    5,
		RunTimeoutMinutes:       60,
		ArchiveEnabled:          true,
		ArchiveDelayHours:       24,
	}

	return &reaperEnv{
		testEnv: &testEnv{
			repos:       repos,
			workflows:   NewWorkflowService(repos),
			runs:        NewRunService(repos, broadcaster),
			scheduler:   scheduler,
			broadcaster: broadcaster,
			userID:      user.ID,
		},
		conn:   database.Conn(),
		reaper: NewReaper(scheduler, cfg),
	}
}

// backdateStep pushes a step's updated_at into the past.
func (e *reaperEnv) backdateStep(t *testing.T, stepDBID string, minutes int) {
	t.Helper()
	_, err := e.conn.Exec(
		`UPDATE steps SET updated_at = datetime('now', ?) WHERE id = ?`,
		fmt.Sprintf("-%d minutes", minutes), stepDBID,
	)
	require.NoError(t, err)
}

func (e *reaperEnv) backdateRun(t *testing.T, runID string, minutes int) {
	t.Helper()
	_, err := e.conn.Exec(
		`UPDATE runs SET updated_at = datetime('now', ?) WHERE id = ?`,
		fmt.Sprintf("-%d minutes", minutes), runID,
	)
	require.NoError(t, err)
}

func TestAbandonedStepRecovery(t *testing.T) {
	env := newReaperEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "abandoned", []models.StepConfig{
		{StepID: "only", AgentID: "worker", InputTemplate: "{{task}}", Expects: "done"},
	})
	run := env.createRun(t, workflow.ID, "auth")

	claim, err := env.scheduler.ClaimByAgent(ctx, "worker")
	require.NoError(t, err)
	require.True(t, claim.Found)

	// The agent vanishes; age the claim past the threshold.
	env.backdateStep(t, claim.Step.ID, 20)

	cleaned, err := env.reaper.CleanupAbandoned(ctx, 15)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	step := env.step(t, run.ID, "only")
	assert.Equal(t, models.StepStatusPending, step.Status)
	require.NotNil(t, step.Output)
	assert.Contains(t, *step.Output, "RESET: abandoned >15 min")

	// Re-claim and complete drives the run to completion.
	claim, err = env.scheduler.ClaimByAgent(ctx, "worker")
	require.NoError(t, err)
	require.True(t, claim.Found)
	result, err := env.scheduler.CompleteRunStep(ctx, run.ID, "only", "STATUS: done")
	require.NoError(t, err)
	assert.True(t, result.RunCompleted)
}

func TestAbandonedLoopClaimReleasesStory(t *testing.T) {
	env := newReaperEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "abandoned-loop", loopConfigs(false))
	run := env.createRun(t, workflow.ID, "auth")

	_, err := env.scheduler.ClaimByAgent(ctx, "planner")
	require.NoError(t, err)
	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "plan", twoStoriesOutput)
	require.NoError(t, err)

	claim, err := env.scheduler.ClaimByAgent(ctx, "developer")
	require.NoError(t, err)
	require.True(t, claim.Found)
	require.Equal(t, "s1", *claim.StoryID)

	env.backdateStep(t, claim.Step.ID, 20)

	cleaned, err := env.reaper.CleanupAbandoned(ctx, 15)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	// Both sides of the claim are released: the story is selectable again
	// and the loop step carries no stale binding.
	step := env.step(t, run.ID, "dev")
	assert.Equal(t, models.StepStatusPending, step.Status)
	assert.Nil(t, step.CurrentStoryID)
	story, err := env.repos.Stories.GetByStoryID(run.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusPending, story.Status)

	// The next claim re-selects the released story.
	claim, err = env.scheduler.ClaimByAgent(ctx, "developer")
	require.NoError(t, err)
	require.True(t, claim.Found)
	assert.Equal(t, "s1", *claim.StoryID)
}

func TestAbandonedVerifyClaimRecovery(t *testing.T) {
	env := newReaperEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "abandoned-verify", loopConfigs(true))
	run := env.createRun(t, workflow.ID, "auth")

	_, err := env.scheduler.ClaimByAgent(ctx, "planner")
	require.NoError(t, err)
	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "plan", twoStoriesOutput)
	require.NoError(t, err)

	// Drive s1 to the verify hand-off and claim the verify step.
	claim, err := env.scheduler.ClaimByAgent(ctx, "developer")
	require.NoError(t, err)
	require.True(t, claim.Found)
	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "dev", "STATUS: implemented")
	require.NoError(t, err)

	claim, err = env.scheduler.ClaimByAgent(ctx, "verifier")
	require.NoError(t, err)
	require.True(t, claim.Found)
	require.Equal(t, "s1", *claim.StoryID)

	// The verifier vanishes mid-verification.
	env.backdateStep(t, claim.Step.ID, 20)

	cleaned, err := env.reaper.CleanupAbandoned(ctx, 15)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	// The step is claimable again but keeps its story binding; the story
	// stays in verifying until the re-claimed verifier finishes it.
	verify := env.step(t, run.ID, "verify")
	assert.Equal(t, models.StepStatusPending, verify.Status)
	require.NotNil(t, verify.CurrentStoryID)
	story, err := env.repos.Stories.GetByStoryID(run.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusVerifying, story.Status)

	claim, err = env.scheduler.ClaimByAgent(ctx, "verifier")
	require.NoError(t, err)
	require.True(t, claim.Found)
	require.NotNil(t, claim.StoryID)
	assert.Equal(t, "s1", *claim.StoryID)
	assert.Equal(t, "Verify: s1", claim.ResolvedInput)

	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "verify", "STATUS: verified")
	require.NoError(t, err)

	story, err = env.repos.Stories.GetByStoryID(run.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusCompleted, story.Status)
	assert.Equal(t, models.StepStatusPending, env.step(t, run.ID, "dev").Status)

	// The second story still flows through the full cycle.
	claim, err = env.scheduler.ClaimByAgent(ctx, "developer")
	require.NoError(t, err)
	require.True(t, claim.Found)
	require.Equal(t, "s2", *claim.StoryID)
	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "dev", "STATUS: implemented")
	require.NoError(t, err)
	claim, err = env.scheduler.ClaimByAgent(ctx, "verifier")
	require.NoError(t, err)
	require.True(t, claim.Found)
	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "verify", "STATUS: verified")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, env.run(t, run.ID).Status)
}

func TestCleanupIgnoresFreshClaims(t *testing.T) {
	env := newReaperEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "fresh", []models.StepConfig{
		{StepID: "only", AgentID: "worker", InputTemplate: "{{task}}", Expects: "done"},
	})
	run := env.createRun(t, workflow.ID, "auth")

	_, err := env.scheduler.ClaimByAgent(ctx, "worker")
	require.NoError(t, err)

	cleaned, err := env.reaper.CleanupAbandoned(ctx, 15)
	require.NoError(t, err)
	assert.Equal(t, 0, cleaned)
	assert.Equal(t, models.StepStatusRunning, env.step(t, run.ID, "only").Status)
}

func TestFailedStepRetryPass(t *testing.T) {
	env := newReaperEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "cooldown", []models.StepConfig{
		{StepID: "only", AgentID: "worker", InputTemplate: "{{task}}", Expects: "done"},
	})
	run := env.createRun(t, workflow.ID, "auth")

	// Force the step into failed with retries left via the status patch.
	running := models.StepStatusRunning
	_, err := env.scheduler.UpdateStep(ctx, run.ID, "only", StepPatch{Status: &running})
	require.NoError(t, err)
	failed := models.StepStatusFailed
	_, err = env.scheduler.UpdateStep(ctx, run.ID, "only", StepPatch{Status: &failed})
	require.NoError(t, err)

	step := env.step(t, run.ID, "only")
	env.backdateStep(t, step.ID, 10)

	env.reaper.RunOnce()

	step = env.step(t, run.ID, "only")
	assert.Equal(t, models.StepStatusPending, step.Status)
	assert.Equal(t, int64(1), step.RetryCount)
}

func TestRunTimeoutPass(t *testing.T) {
	env := newReaperEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "timeout", []models.StepConfig{
		{StepID: "only", AgentID: "worker", InputTemplate: "{{task}}", Expects: "done"},
	})
	run := env.createRun(t, workflow.ID, "auth")

	_, err := env.scheduler.ClaimByAgent(ctx, "worker")
	require.NoError(t, err)

	env.backdateRun(t, run.ID, 90)

	env.reaper.RunOnce()

	assert.Equal(t, models.RunStatusFailed, env.run(t, run.ID).Status)
	step := env.step(t, run.ID, "only")
	assert.Equal(t, models.StepStatusFailed, step.Status)
	require.NotNil(t, step.Output)
	assert.Equal(t, "RUN_TIMEOUT", *step.Output)
}

func TestArchivePassDeletesOldRuns(t *testing.T) {
	env := newReaperEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "archive", []models.StepConfig{
		{StepID: "only", AgentID: "worker", InputTemplate: "{{task}}", Expects: "done"},
	})
	run := env.createRun(t, workflow.ID, "auth")

	_, err := env.scheduler.ClaimByAgent(ctx, "worker")
	require.NoError(t, err)
	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "only", "STATUS: done")
	require.NoError(t, err)

	// Age the completion far past the archive delay.
	_, err = env.conn.Exec(`UPDATE runs SET completed_at = datetime('now', '-48 hours') WHERE id = ?`, run.ID)
	require.NoError(t, err)

	env.reaper.RunOnce()

	_, err = env.repos.Runs.Get(run.ID)
	require.ErrorIs(t, err, sql.ErrNoRows)

	steps, err := env.repos.Steps.ListByRun(run.ID)
	require.NoError(t, err)
	assert.Empty(t, steps, "steps cascade with the run")
}
