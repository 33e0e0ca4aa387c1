package handler

import (
	"errors"
	"net/http"

	"fleetdesk/internal/repository"
	"fleetdesk/internal/service"
	"fleetdesk/pkg/response"

	"github.com/gin-gonic/gin"
)

// writeError maps service and repository errors to a status code.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, repository.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrBuiltInRole):
		status = http.StatusForbidden
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	response.Abort(c, status, err.Error())
}
