package v1

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"foreman/internal/services"
	"foreman/pkg/models"
)

func (h *APIHandlers) listRunSteps(c *gin.Context) {
	steps, err := h.repos.Steps.ListByRun(c.Param("runId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps, "count": len(steps)})
}

func (h *APIHandlers) listPendingRunSteps(c *gin.Context) {
	steps, err := h.repos.Steps.ListByRunAndStatus(c.Param("runId"), models.StepStatusPending)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps, "count": len(steps)})
}

func (h *APIHandlers) getRunStep(c *gin.Context) {
	step, err := h.repos.Steps.GetByRunAndStepID(c.Param("runId"), c.Param("stepId"))
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "step not found"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, step)
}

func (h *APIHandlers) claimRunStep(c *gin.Context) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.AgentID == "" {
		req.AgentID = c.GetHeader("X-Agent-Name")
	}
	if req.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id or X-Agent-Name is required"})
		return
	}

	result, err := h.scheduler.ClaimRunStep(c.Request.Context(), c.Param("runId"), c.Param("stepId"), req.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandlers) completeRunStep(c *gin.Context) {
	var req struct {
		Output string `json:"output"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.scheduler.CompleteRunStep(c.Request.Context(), c.Param("runId"), c.Param("stepId"), req.Output)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result.Step, "run_completed": result.RunCompleted})
}

func (h *APIHandlers) failRunStep(c *gin.Context) {
	var req struct {
		Error  string  `json:"error"`
		Output *string `json:"output"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Error == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "error field is required"})
		return
	}

	result, err := h.scheduler.FailStep(c.Request.Context(), c.Param("runId"), c.Param("stepId"), req.Error, req.Output)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result.Step, "will_retry": result.WillRetry})
}

func (h *APIHandlers) approveRunStep(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	_ = c.ShouldBindJSON(&req)

	result, err := h.scheduler.ApproveStep(c.Request.Context(), c.Param("runId"), c.Param("stepId"), req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result.Step, "run_completed": result.RunCompleted})
}

func (h *APIHandlers) rejectRunStep(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	result, err := h.scheduler.RejectStep(c.Request.Context(), c.Param("runId"), c.Param("stepId"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result.Step})
}

func (h *APIHandlers) updateRunStep(c *gin.Context) {
	var req struct {
		Status         *string `json:"status"`
		Output         *string `json:"output"`
		CurrentStoryID *string `json:"current_story_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	step, err := h.scheduler.UpdateStep(c.Request.Context(), c.Param("runId"), c.Param("stepId"), services.StepPatch{
		Status:         req.Status,
		Output:         req.Output,
		CurrentStoryID: req.CurrentStoryID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, step)
}

// Agent polling verbs.

func (h *APIHandlers) claimByAgent(c *gin.Context) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.AgentID == "" {
		req.AgentID = c.GetHeader("X-Agent-Name")
	}
	if req.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id or X-Agent-Name is required"})
		return
	}

	result, err := h.scheduler.ClaimByAgent(c.Request.Context(), req.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandlers) completeStepWithPipeline(c *gin.Context) {
	var req struct {
		Output string `json:"output"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.scheduler.CompleteStepWithPipeline(c.Request.Context(), c.Param("stepId"), req.Output)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"step_completed": result.StepCompleted, "run_completed": result.RunCompleted})
}

func (h *APIHandlers) cleanupAbandonedSteps(c *gin.Context) {
	maxAge := 0
	if raw := c.Query("max_age_minutes"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_age_minutes"})
			return
		}
		maxAge = parsed
	}

	cleaned, err := h.reaper.CleanupAbandoned(c.Request.Context(), maxAge)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleaned_count": cleaned})
}
