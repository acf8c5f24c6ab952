package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"foreman/internal/auth"
	"foreman/internal/db/repositories"
	"foreman/internal/services"
)

type createRunRequest struct {
	WorkflowID int64             `json:"workflow_id"`
	Task       string            `json:"task"`
	TaskID     *string           `json:"task_id"`
	Context    map[string]string `json:"context"`
	NotifyURL  *string           `json:"notify_url"`
}

func (h *APIHandlers) listRuns(c *gin.Context) {
	runs, err := h.runs.List(c.Request.Context(), repositories.RunFilter{
		TaskID: c.Query("task_id"),
		Status: c.Query("status"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (h *APIHandlers) getRun(c *gin.Context) {
	run, err := h.runs.GetWithDetails(c.Request.Context(), c.Param("runId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *APIHandlers) createRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	user, _ := auth.GetUserFromContext(c)
	run, err := h.runs.Create(c.Request.Context(), services.CreateRunInput{
		WorkflowID: req.WorkflowID,
		UserID:     user.ID,
		Task:       req.Task,
		TaskID:     req.TaskID,
		Context:    req.Context,
		NotifyURL:  req.NotifyURL,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (h *APIHandlers) updateRunStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status field is required"})
		return
	}

	run, err := h.runs.UpdateStatus(c.Request.Context(), c.Param("runId"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
