package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agenthive/hive/pkg/store"
)

// getEvent handles GET /api/events/:id. Clients use it to re-fetch events
// the NOTIFY path delivered truncated.
func (s *Server) getEvent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	payload, err := s.store.GetEvent(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		s.logger.Error("Event lookup failed", "event_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, payload)
}
