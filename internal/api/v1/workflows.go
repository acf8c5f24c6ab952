package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"foreman/internal/services"
	"foreman/pkg/models"
)

type workflowRequest struct {
	Name        string              `json:"name"`
	Description *string             `json:"description"`
	Steps       []models.StepConfig `json:"steps"`
}

func (h *APIHandlers) listWorkflows(c *gin.Context) {
	workflows, err := h.workflows.List(c.Request.Context(), c.Query("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows, "count": len(workflows)})
}

func (h *APIHandlers) getWorkflow(c *gin.Context) {
	id, ok := parseInt64Param(c, "id")
	if !ok {
		return
	}
	workflow, err := h.workflows.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, workflow)
}

func (h *APIHandlers) createWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	workflow, validation, err := h.workflows.Create(c.Request.Context(), services.WorkflowInput{
		Name:        req.Name,
		Description: req.Description,
		Steps:       req.Steps,
	})
	if err != nil {
		if !validation.OK() {
			c.JSON(http.StatusBadRequest, gin.H{"error": validation.Message(), "issues": validation.Errors})
			return
		}
		respondErrorWithConflictStatus(c, err)
		return
	}
	c.JSON(http.StatusCreated, workflow)
}

func (h *APIHandlers) updateWorkflow(c *gin.Context) {
	id, ok := parseInt64Param(c, "id")
	if !ok {
		return
	}
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	workflow, validation, err := h.workflows.Update(c.Request.Context(), id, services.WorkflowInput{
		Name:        req.Name,
		Description: req.Description,
		Steps:       req.Steps,
	})
	if err != nil {
		if !validation.OK() {
			c.JSON(http.StatusBadRequest, gin.H{"error": validation.Message(), "issues": validation.Errors})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, workflow)
}

func (h *APIHandlers) deleteWorkflow(c *gin.Context) {
	id, ok := parseInt64Param(c, "id")
	if !ok {
		return
	}
	if err := h.workflows.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *APIHandlers) importWorkflowYAML(c *gin.Context) {
	var req struct {
		YAML string `json:"yaml"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.YAML == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "yaml field is required"})
		return
	}

	workflow, validation, err := h.workflows.ImportYAML(c.Request.Context(), []byte(req.YAML))
	if err != nil {
		if !validation.OK() {
			c.JSON(http.StatusBadRequest, gin.H{"error": validation.Message(), "issues": validation.Errors})
			return
		}
		respondErrorWithConflictStatus(c, err)
		return
	}
	c.JSON(http.StatusCreated, workflow)
}

// respondErrorWithConflictStatus upgrades duplicate-name conflicts to 409,
// which only the workflow create path distinguishes from other conflicts.
func respondErrorWithConflictStatus(c *gin.Context, err error) {
	var statusErr *services.StatusError
	if errors.As(err, &statusErr) && statusErr.Kind == services.ErrStateConflict {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	respondError(c, err)
}

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return value, true
}
