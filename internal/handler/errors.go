package handler

import (
	"errors"
	"net/http"

	"backend/internal/service"

	"github.com/gin-gonic/gin"

	"backend/pkg/response"
)

// statusFromError maps the service layer's sentinel errors to HTTP status
// codes. Anything unrecognized is a 500.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrTotalMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAllocationFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFromError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Do not leak internals to the client
		msg = "internal server error"
	}
	if status == http.StatusServiceUnavailable {
		msg = "invoice number allocation failed, please retry"
	}
	c.JSON(status, response.Error(status, msg))
}
