package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/faultline/internal/grouping"
)

func (s *Server) requireRegistry(c *gin.Context) bool {
	if s.registry == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "grouping is not enabled"})
		return false
	}
	return true
}

func (s *Server) handleGroups(c *gin.Context) {
	if !s.requireRegistry(c) {
		return
	}
	cfg := s.registry.Config()
	c.JSON(http.StatusOK, gin.H{
		"dimensions":      grouping.FormatDimensions(cfg.Dimensions),
		"max_retention":   cfg.MaxRetention.String(),
		"max_occurrences": cfg.MaxOccurrences,
		"pending":         s.registry.Pending(),
		"groups":          s.registry.Groups(),
	})
}

func (s *Server) handleFlushAll(c *gin.Context) {
	if !s.requireRegistry(c) {
		return
	}
	flushed, err := s.registry.FlushAllCount(grouping.TriggerManual)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "flushed": flushed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed": flushed})
}

func (s *Server) handleFlushGroup(c *gin.Context) {
	if !s.requireRegistry(c) {
		return
	}
	key := c.Param("key")
	flushed, err := s.registry.FlushCount(key)
	var cbErr *grouping.CallbackError
	switch {
	case errors.Is(err, grouping.ErrGroupNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found", "key": key})
	case errors.As(err, &cbErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "key": key, "flushed": flushed})
	case err != nil:
		abort(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"key": key, "flushed": flushed})
	}
}
