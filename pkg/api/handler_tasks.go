package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agenthive/hive/pkg/orchestrate"
	"github.com/agenthive/hive/pkg/store"
)

// createTask handles POST /api/tasks.
func (s *Server) createTask(c *gin.Context) {
	var req orchestrate.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// All Submit failures are request validation errors.
	view, err := s.orch.Submit(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info("Task submitted", "job_id", view.ID)
	c.JSON(http.StatusCreated, view)
}

// listTasks handles GET /api/tasks.
func (s *Server) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.List())
}

// getTask handles GET /api/tasks/:id. Jobs evicted from the in-memory table
// (e.g. after a restart) are served from the store when one is wired.
func (s *Server) getTask(c *gin.Context) {
	id := c.Param("id")

	view, err := s.orch.Get(id)
	if err == nil {
		c.JSON(http.StatusOK, view)
		return
	}
	if !errors.Is(err, orchestrate.ErrJobNotFound) || s.store == nil {
		s.taskError(c, err)
		return
	}

	stored, storeErr := s.store.GetJob(c.Request.Context(), id)
	if storeErr != nil {
		s.taskError(c, storeErr)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// deleteTask handles DELETE /api/tasks/:id. The job is removed from the
// in-memory table and, when a store is wired, its persisted history and
// event stream go with it.
func (s *Server) deleteTask(c *gin.Context) {
	id := c.Param("id")

	memErr := s.orch.Delete(id)
	var storeErr error
	if s.store != nil {
		storeErr = s.store.DeleteJob(c.Request.Context(), id)
	}

	// Not found in both places means the task never existed.
	if memErr != nil && (s.store == nil || storeErr != nil) {
		s.taskError(c, memErr)
		return
	}

	s.logger.Info("Task deleted", "job_id", id)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// cancelTask handles POST /api/tasks/:id/cancel.
func (s *Server) cancelTask(c *gin.Context) {
	id := c.Param("id")

	if err := s.orch.Cancel(id); err != nil {
		s.taskError(c, err)
		return
	}

	s.logger.Info("Task cancelled", "job_id", id)
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

// listTaskSteps handles GET /api/tasks/:id/steps (store-backed).
func (s *Server) listTaskSteps(c *gin.Context) {
	records, err := s.store.ListSteps(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.taskError(c, err)
		return
	}
	if records == nil {
		records = []store.StepRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// taskError maps orchestrator and store errors to HTTP responses.
func (s *Server) taskError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrate.ErrJobNotFound), errors.Is(err, store.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, orchestrate.ErrJobFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "task already finished"})
	case errors.Is(err, orchestrate.ErrEmptyTask):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("Unexpected API error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
