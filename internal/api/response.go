package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/datawallet/internal/authorization"
	"github.com/gotrs-io/datawallet/internal/content"
	"github.com/gotrs-io/datawallet/internal/pipeline"
	"github.com/gotrs-io/datawallet/internal/repository"
	"github.com/gotrs-io/datawallet/internal/storage"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, APIResponse{Success: false, Error: err.Error(), Code: code})
}

// statusFor maps pipeline and broker errors onto HTTP statuses and a stable
// machine-readable code.
func statusFor(err error) (int, string) {
	switch authorization.KindOf(err) {
	case authorization.KindNotFound:
		return http.StatusNotFound, "authorization_not_found"
	case authorization.KindExpired:
		return http.StatusGone, "authorization_expired"
	case authorization.KindIdentityMismatch:
		return http.StatusForbidden, "identity_mismatch"
	case authorization.KindInvalidSignature:
		return http.StatusUnauthorized, "invalid_signature"
	}
	switch {
	case errors.Is(err, repository.ErrTaskNotFound):
		return http.StatusNotFound, "task_not_found"
	case errors.Is(err, pipeline.ErrNotPending):
		return http.StatusConflict, "not_pending"
	case content.IsIntegrityError(err):
		return http.StatusUnprocessableEntity, "integrity_mismatch"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "content_not_found"
	}
	var retrieval *storage.RetrievalError
	if errors.As(err, &retrieval) {
		return http.StatusBadGateway, "content_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}
