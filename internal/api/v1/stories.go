package v1

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"foreman/internal/services"
)

func (h *APIHandlers) listRunStories(c *gin.Context) {
	stories, err := h.repos.Stories.ListByRun(c.Param("runId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stories": stories, "count": len(stories)})
}

func (h *APIHandlers) getRunStory(c *gin.Context) {
	story, err := h.repos.Stories.GetByStoryID(c.Param("runId"), c.Param("storyId"))
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "story not found"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, story)
}

func (h *APIHandlers) startRunStory(c *gin.Context) {
	story, err := h.scheduler.StartStory(c.Request.Context(), c.Param("runId"), c.Param("storyId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, story)
}

func (h *APIHandlers) completeRunStory(c *gin.Context) {
	var req struct {
		Output string `json:"output"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	story, err := h.scheduler.CompleteStory(c.Request.Context(), c.Param("runId"), c.Param("storyId"), req.Output)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, story)
}

func (h *APIHandlers) updateRunStory(c *gin.Context) {
	var req struct {
		Status *string `json:"status"`
		Output *string `json:"output"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	story, err := h.scheduler.UpdateStory(c.Request.Context(), c.Param("runId"), c.Param("storyId"), services.StoryPatch{
		Status: req.Status,
		Output: req.Output,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, story)
}

func (h *APIHandlers) failRunStory(c *gin.Context) {
	var req struct {
		Error  string  `json:"error"`
		Output *string `json:"output"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Error == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "error field is required"})
		return
	}

	result, err := h.scheduler.FailStory(c.Request.Context(), c.Param("runId"), c.Param("storyId"), req.Error, req.Output)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result.Story, "will_retry": result.WillRetry})
}
