package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/pose-landmarker/server/models"
	"github.com/san-kum/pose-landmarker/server/processor"
)

// classify maps a pipeline error to an HTTP status and a short kind label.
func classify(err error) (int, string) {
	var cfgErr *models.ConfigError
	switch {
	case errors.Is(err, models.ErrUsage):
		return http.StatusConflict, "usage"
	case models.IsCapabilityError(err):
		return http.StatusUnprocessableEntity, "capability"
	case errors.As(err, &cfgErr):
		return http.StatusServiceUnavailable, "configuration"
	case errors.Is(err, models.ErrSource):
		return http.StatusUnprocessableEntity, "source"
	case errors.Is(err, models.ErrInference), errors.Is(err, models.ErrEngineClosed):
		return http.StatusBadGateway, "inference"
	case errors.Is(err, processor.ErrQueueFull), errors.Is(err, processor.ErrQueueStopped):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func respondError(c *gin.Context, err error) {
	status, kind := classify(err)
	_ = c.Error(err)
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  kind,
	})
}
