package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/auth"
	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/db/repositories"
	"foreman/internal/events"
	"foreman/internal/services"
	"foreman/internal/template"
)

type apiEnv struct {
	router *gin.Engine
	apiKey string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	repos := repositories.New(database)
	broadcaster := events.NewBroadcaster()
	engine := template.NewEngine(0)
	scheduler := services.NewStepScheduler(repos, engine, broadcaster, nil)
	cfg := &config.Config{
		ReaperIntervalSeconds:   60,
		AbandonedStepAgeMinutes: 15,
		RetryCooldownMinutes:    5,
		RunTimeoutMinutes:       60,
	}

	apiKey := "fk-test-key"
	_, err = repos.Users.Create("tester", true, &apiKey)
	require.NoError(t, err)

	handlers := NewAPIHandlers(Deps{
		Repos:       repos,
		Workflows:   services.NewWorkflowService(repos),
		Runs:        services.NewRunService(repos, broadcaster),
		Scheduler:   scheduler,
		Reaper:      services.NewReaper(scheduler, cfg),
		Auth:        auth.NewService(repos),
		Broadcaster: broadcaster,
	})

	router := gin.New()
	handlers.RegisterRoutes(router.Group("/api/v1"))

	return &apiEnv{router: router, apiKey: apiKey}
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, "/api/v1"+path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func TestRequiresAuthentication(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWorkflowValidationErrors(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/workflows", gin.H{"name": "bad", "steps": []gin.H{{"step_id": "a"}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/workflows", gin.H{
		"name": "dup",
		"steps": []gin.H{
			{"step_id": "a", "agent_id": "x", "input_template": "t", "expects": "done"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/workflows", gin.H{
		"name": "dup",
		"steps": []gin.H{
			{"step_id": "a", "agent_id": "x", "input_template": "t", "expects": "done"},
		},
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "duplicate name is 409")
}

func TestTwoStepRunOverHTTP(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/workflows", gin.H{
		"name": "delivery",
		"steps": []gin.H{
			{"step_id": "plan", "agent_id": "planner", "input_template": "Plan: {{task}}", "expects": "done"},
			{"step_id": "dev", "agent_id": "developer", "input_template": "Dev: {{task}}", "expects": "done"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	workflowID := decode(t, rec)["id"].(float64)

	rec = env.do(t, http.MethodPost, "/runs", gin.H{"workflow_id": workflowID, "task": "auth"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	runID := decode(t, rec)["id"].(string)

	// The run embeds its materialized steps.
	rec = env.do(t, http.MethodGet, "/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	details := decode(t, rec)
	require.Len(t, details["steps"], 2)

	// Planner polls and wins the first step.
	rec = env.do(t, http.MethodPost, "/steps/claim-by-agent", gin.H{"agent_id": "planner"})
	require.Equal(t, http.StatusOK, rec.Code)
	claim := decode(t, rec)
	require.Equal(t, true, claim["found"])
	assert.Equal(t, "plan", claim["step_id"])
	assert.Equal(t, "Plan: auth", claim["resolved_input"])

	// A second poll finds nothing.
	rec = env.do(t, http.MethodPost, "/steps/claim-by-agent", gin.H{"agent_id": "planner"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["found"])

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/runs/%s/steps/plan/complete", runID), gin.H{"output": "STATUS: done"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decode(t, rec)["run_completed"])

	// Developer claims via the per-run verb with the header fallback.
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/runs/%s/steps/dev/claim", runID), bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.apiKey)
	req.Header.Set("X-Agent-Name", "developer")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Dev: auth", decode(t, rec)["resolved_input"])

	// Claiming the same step again is a conflict.
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/runs/%s/steps/dev/claim", runID), gin.H{"agent_id": "developer"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "running", decode(t, rec)["current_status"])

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/runs/%s/steps/dev/complete", runID), gin.H{"output": "STATUS: done"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["run_completed"])

	rec = env.do(t, http.MethodGet, "/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["status"])
}

func TestClaimAgentMismatchIsForbidden(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/workflows", gin.H{
		"name": "forbidden",
		"steps": []gin.H{
			{"step_id": "plan", "agent_id": "planner", "input_template": "x", "expects": "done"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	workflowID := decode(t, rec)["id"].(float64)

	rec = env.do(t, http.MethodPost, "/runs", gin.H{"workflow_id": workflowID, "task": "auth"})
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := decode(t, rec)["id"].(string)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/runs/%s/steps/plan/claim", runID), gin.H{"agent_id": "impostor"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/runs/%s/steps/ghost/claim", runID), gin.H{"agent_id": "planner"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportYAMLEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	yamlDoc := `name: imported
steps:
  - step_id: one
    agent_id: worker
    input_template: "Do: {{task}}"
    expects: done
`
	rec := env.do(t, http.MethodPost, "/workflows/import-yaml", gin.H{"yaml": yamlDoc})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "imported", decode(t, rec)["name"])

	rec = env.do(t, http.MethodPost, "/workflows/import-yaml", gin.H{"yaml": "steps: []"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCleanupAbandonedEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/steps/cleanup-abandoned?max_age_minutes=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["cleaned_count"])

	rec = env.do(t, http.MethodPost, "/steps/cleanup-abandoned?max_age_minutes=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
