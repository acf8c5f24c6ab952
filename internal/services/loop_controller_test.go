package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/models"
)

const twoStoriesOutput = `PLAN: split into stories
STORIES_JSON: [
  {"id":"s1","title":"t1","description":"d1","acceptanceCriteria":["a"]},
  {"id":"s2","title":"t2","description":"d2","acceptanceCriteria":["a"]}
]
STATUS: done`

func loopConfigs(verifyEach bool) []models.StepConfig {
	loopCfg := &models.LoopConfig{Over: "stories", Completion: "all_done"}
	steps := []models.StepConfig{
		{StepID: "plan", AgentID: "planner", InputTemplate: "Plan: {{task}}", Expects: "STORIES_JSON"},
		{StepID: "dev", AgentID: "developer", InputTemplate: "Implement: {{current_story}}", Expects: "done",
			Type: models.StepTypeLoop, LoopConfig: loopCfg},
	}
	if verifyEach {
		loopCfg.VerifyEach = true
		loopCfg.VerifyStep = "verify"
		steps = append(steps, models.StepConfig{
			StepID: "verify", AgentID: "verifier", InputTemplate: "Verify: {{current_story_id}}", Expects: "done",
		})
	}
	return steps
}

func TestPlannerOutputCreatesStories(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "stories", loopConfigs(false))
	run := env.createRun(t, workflow.ID, "auth")

	_, err := env.scheduler.ClaimByAgent(ctx, "planner")
	require.NoError(t, err)
	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "plan", twoStoriesOutput)
	require.NoError(t, err)

	stories, err := env.repos.Stories.ListByRun(run.ID)
	require.NoError(t, err)
	require.Len(t, stories, 2)
	assert.Equal(t, "s1", stories[0].StoryID)
	assert.Equal(t, models.StoryStatusPending, stories[0].Status)
	require.NotNil(t, stories[0].AcceptanceCriteria)
	assert.Equal(t, "- a", *stories[0].AcceptanceCriteria)
}

func TestMalformedStoriesFailsCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "bad-stories", loopConfigs(false))
	run := env.createRun(t, workflow.ID, "auth")

	_, err := env.scheduler.ClaimByAgent(ctx, "planner")
	require.NoError(t, err)
	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "plan", `STORIES_JSON: [{"id":`)
	require.ErrorIs(t, err, ErrValidation)

	// The step stays running so the agent can resubmit a corrected output.
	assert.Equal(t, models.StepStatusRunning, env.step(t, run.ID, "plan").Status)
}

func TestLoopWithTwoStories(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "loop", loopConfigs(false))
	run := env.createRun(t, workflow.ID, "auth")

	_, err := env.scheduler.ClaimByAgent(ctx, "planner")
	require.NoError(t, err)
	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "plan", twoStoriesOutput)
	require.NoError(t, err)

	// First iteration: lowest-index story.
	claim, err := env.scheduler.ClaimByAgent(ctx, "developer")
	require.NoError(t, err)
	require.True(t, claim.Found)
	require.NotNil(t, claim.StoryID)
	assert.Equal(t, "s1", *claim.StoryID)
	assert.Contains(t, claim.ResolvedInput, "Story s1: t1")

	devStep := env.step(t, run.ID, "dev")
	assert.Equal(t, models.StepStatusRunning, devStep.Status)
	require.NotNil(t, devStep.CurrentStoryID)

	result, err := env.scheduler.CompleteRunStep(ctx, run.ID, "dev", "STATUS: s1 done")
	require.NoError(t, err)
	assert.False(t, result.StepCompleted, "the loop is not finished after one story")

	story, err := env.repos.Stories.GetByStoryID(run.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusCompleted, story.Status)
	assert.Equal(t, models.StepStatusPending, env.step(t, run.ID, "dev").Status)

	// Second iteration.
	claim, err = env.scheduler.ClaimByAgent(ctx, "developer")
	require.NoError(t, err)
	require.True(t, claim.Found)
	assert.Equal(t, "s2", *claim.StoryID)

	result, err = env.scheduler.CompleteRunStep(ctx, run.ID, "dev", "STATUS: s2 done")
	require.NoError(t, err)
	assert.True(t, result.StepCompleted, "all stories done completes the loop")
	assert.Equal(t, models.StepStatusCompleted, env.step(t, run.ID, "dev").Status)
	assert.True(t, result.RunCompleted)
	assert.Equal(t, models.RunStatusCompleted, env.run(t, run.ID).Status)
}

func TestLoopClaimWithoutStories(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "no-stories", loopConfigs(false))
	run := env.createRun(t, workflow.ID, "auth")

	_, err := env.scheduler.ClaimByAgent(ctx, "planner")
	require.NoError(t, err)
	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "plan", "STATUS: no stories emitted")
	require.NoError(t, err)

	// The loop step is pending but has nothing to iterate; claims return
	// no-work and the step stays pending.
	claim, err := env.scheduler.ClaimByAgent(ctx, "developer")
	require.NoError(t, err)
	assert.False(t, claim.Found)
	assert.Equal(t, models.StepStatusPending, env.step(t, run.ID, "dev").Status)
}

func TestLoopWithVerifyEach(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "verify-loop", loopConfigs(true))
	run := env.createRun(t, workflow.ID, "auth")

	_, err := env.scheduler.ClaimByAgent(ctx, "planner")
	require.NoError(t, err)
	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "plan", twoStoriesOutput)
	require.NoError(t, err)

	for _, storyID := range []string{"s1", "s2"} {
		claim, err := env.scheduler.ClaimByAgent(ctx, "developer")
		require.NoError(t, err)
		require.True(t, claim.Found, "developer claims story %s", storyID)
		assert.Equal(t, storyID, *claim.StoryID)

		_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "dev", "STATUS: implemented")
		require.NoError(t, err)

		// Handoff: story verifying, verify step armed, loop step parked.
		story, err := env.repos.Stories.GetByStoryID(run.ID, storyID)
		require.NoError(t, err)
		assert.Equal(t, models.StoryStatusVerifying, story.Status)
		assert.Equal(t, models.StepStatusPending, env.step(t, run.ID, "verify").Status)
		assert.Equal(t, models.StepStatusWaiting, env.step(t, run.ID, "dev").Status)

		claim, err = env.scheduler.ClaimByAgent(ctx, "verifier")
		require.NoError(t, err)
		require.True(t, claim.Found, "verifier claims story %s", storyID)
		require.NotNil(t, claim.StoryID)
		assert.Equal(t, storyID, *claim.StoryID)
		assert.Equal(t, "Verify: "+storyID, claim.ResolvedInput)

		_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "verify", "STATUS: verified")
		require.NoError(t, err)

		story, err = env.repos.Stories.GetByStoryID(run.ID, storyID)
		require.NoError(t, err)
		assert.Equal(t, models.StoryStatusCompleted, story.Status)
	}

	// Both stories verified: loop and verify partner complete, run done.
	assert.Equal(t, models.StepStatusCompleted, env.step(t, run.ID, "dev").Status)
	assert.Equal(t, models.StepStatusCompleted, env.step(t, run.ID, "verify").Status)
	assert.Equal(t, models.RunStatusCompleted, env.run(t, run.ID).Status)
}

func TestStoryVerbs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "story-verbs", loopConfigs(false))
	run := env.createRun(t, workflow.ID, "auth")

	_, err := env.scheduler.ClaimByAgent(ctx, "planner")
	require.NoError(t, err)
	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "plan", twoStoriesOutput)
	require.NoError(t, err)

	story, err := env.scheduler.StartStory(ctx, run.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusRunning, story.Status)

	// A second start loses.
	_, err = env.scheduler.StartStory(ctx, run.ID, "s1")
	require.ErrorIs(t, err, ErrConcurrencyLoss)

	story, err = env.scheduler.CompleteStory(ctx, run.ID, "s1", "done")
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusCompleted, story.Status)

	_, err = env.scheduler.CompleteStory(ctx, run.ID, "s1", "again")
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestStoryFailureEscalates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	workflow := env.createWorkflow(t, "story-fail", loopConfigs(false))
	run := env.createRun(t, workflow.ID, "auth")

	_, err := env.scheduler.ClaimByAgent(ctx, "planner")
	require.NoError(t, err)
	_, err = env.scheduler.CompleteRunStep(ctx, run.ID, "plan", twoStoriesOutput)
	require.NoError(t, err)

	// Exhaust s1's retries.
	for attempt := int64(1); attempt <= models.DefaultMaxRetries; attempt++ {
		claim, err := env.scheduler.ClaimByAgent(ctx, "developer")
		require.NoError(t, err)
		require.True(t, claim.Found)
		require.Equal(t, "s1", *claim.StoryID)

		result, err := env.scheduler.FailStory(ctx, run.ID, "s1", "cannot implement", nil)
		require.NoError(t, err)
		assert.True(t, result.WillRetry)
		require.NotNil(t, result.Story)
		assert.Equal(t, models.StoryStatusPending, result.Story.Status)
		assert.Equal(t, attempt, result.Story.RetryCount)

		story, err := env.repos.Stories.GetByStoryID(run.ID, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.StoryStatusPending, story.Status)
		assert.Equal(t, attempt, story.RetryCount)
		assert.Equal(t, models.StepStatusPending, env.step(t, run.ID, "dev").Status)
	}

	claim, err := env.scheduler.ClaimByAgent(ctx, "developer")
	require.NoError(t, err)
	require.True(t, claim.Found)
	result, err := env.scheduler.FailStory(ctx, run.ID, "s1", "cannot implement", nil)
	require.NoError(t, err)
	assert.False(t, result.WillRetry)
	require.NotNil(t, result.Story)
	assert.Equal(t, models.StoryStatusFailed, result.Story.Status)

	story, err := env.repos.Stories.GetByStoryID(run.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusFailed, story.Status)
	assert.Equal(t, models.StepStatusFailed, env.step(t, run.ID, "dev").Status)
	assert.Equal(t, models.RunStatusFailed, env.run(t, run.ID).Status)
}
