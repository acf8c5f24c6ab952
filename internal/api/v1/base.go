package v1

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"foreman/internal/auth"
	"foreman/internal/db/repositories"
	"foreman/internal/events"
	"foreman/internal/services"
)

// Deps carries the constructed service graph into the handler layer.
type Deps struct {
	Repos       *repositories.Repositories
	Workflows   *services.WorkflowService
	Runs        *services.RunService
	Scheduler   *services.StepScheduler
	Reaper      *services.Reaper
	Auth        *auth.Service
	Broadcaster *events.Broadcaster
}

type APIHandlers struct {
	repos       *repositories.Repositories
	workflows   *services.WorkflowService
	runs        *services.RunService
	scheduler   *services.StepScheduler
	reaper      *services.Reaper
	auth        *auth.Service
	broadcaster *events.Broadcaster
}

func NewAPIHandlers(deps Deps) *APIHandlers {
	return &APIHandlers{
		repos:       deps.Repos,
		workflows:   deps.Workflows,
		runs:        deps.Runs,
		scheduler:   deps.Scheduler,
		reaper:      deps.Reaper,
		auth:        deps.Auth,
		broadcaster: deps.Broadcaster,
	}
}

// RegisterRoutes registers all v1 API routes.
func (h *APIHandlers) RegisterRoutes(router *gin.RouterGroup) {
	authMiddleware := auth.NewMiddleware(h.auth)
	router.Use(authMiddleware.Authenticate())

	workflowGroup := router.Group("/workflows")
	workflowGroup.GET("", h.listWorkflows)
	workflowGroup.GET("/:id", h.getWorkflow)
	workflowGroup.POST("", h.createWorkflow)
	workflowGroup.PATCH("/:id", h.updateWorkflow)
	workflowGroup.DELETE("/:id", h.deleteWorkflow)
	workflowGroup.POST("/import-yaml", h.importWorkflowYAML)

	runGroup := router.Group("/runs")
	runGroup.GET("", h.listRuns)
	runGroup.GET("/:runId", h.getRun)
	runGroup.POST("", h.createRun)
	runGroup.PATCH("/:runId/status", h.updateRunStatus)

	stepGroup := runGroup.Group("/:runId/steps")
	stepGroup.GET("", h.listRunSteps)
	stepGroup.GET("/pending", h.listPendingRunSteps)
	stepGroup.GET("/:stepId", h.getRunStep)
	stepGroup.POST("/:stepId/claim", h.claimRunStep)
	stepGroup.POST("/:stepId/complete", h.completeRunStep)
	stepGroup.POST("/:stepId/fail", h.failRunStep)
	stepGroup.POST("/:stepId/approve", h.approveRunStep)
	stepGroup.POST("/:stepId/reject", h.rejectRunStep)
	stepGroup.PATCH("/:stepId", h.updateRunStep)

	storyGroup := runGroup.Group("/:runId/stories")
	storyGroup.GET("", h.listRunStories)
	storyGroup.GET("/:storyId", h.getRunStory)
	storyGroup.POST("/:storyId/start", h.startRunStory)
	storyGroup.POST("/:storyId/complete", h.completeRunStory)
	storyGroup.POST("/:storyId/fail", h.failRunStory)
	storyGroup.PATCH("/:storyId", h.updateRunStory)

	// Agent polling verbs: no run knowledge required.
	agentSteps := router.Group("/steps")
	agentSteps.POST("/claim-by-agent", h.claimByAgent)
	agentSteps.POST("/:stepId/complete-with-pipeline", h.completeStepWithPipeline)
	agentSteps.POST("/cleanup-abandoned", h.cleanupAbandonedSteps)

	router.GET("/ws", h.handleWebSocket)
}

// respondError maps service error kinds to HTTP statuses. Conflict
// responses carry the entity's current status when known.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrInvalidTransition):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrStateConflict):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrConcurrencyLoss):
		status = http.StatusConflict
	case errors.Is(err, services.ErrForbiddenAgent):
		status = http.StatusForbidden
	}

	body := gin.H{"error": err.Error()}
	var statusErr *services.StatusError
	if errors.As(err, &statusErr) && statusErr.CurrentStatus != "" {
		body["current_status"] = statusErr.CurrentStatus
	}
	c.JSON(status, body)
}
