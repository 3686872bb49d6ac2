package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"tutorqa_back/knowledge"
)

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, knowledge.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, knowledge.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, knowledge.ErrDuplicateFilename):
		return http.StatusConflict
	case errors.Is(err, knowledge.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, knowledge.ErrQueueFull), errors.Is(err, knowledge.ErrDispatcherStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error": ...}. Internal failures are logged
// and answered with fallback instead of the raw error.
func respondError(c *gin.Context, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("api: %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, gin.H{"error": fallback})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
