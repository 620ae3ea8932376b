package runapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dyocense/kernel/pkg/domain"
	"github.com/dyocense/kernel/pkg/registry"
)

// errorResponse is the wire shape for every non-2xx response, carrying
// the closed ErrorKind taxonomy (§7) so callers can branch on `error`
// without parsing `message`.
type errorResponse struct {
	Error   domain.ErrorKind `json:"error"`
	Message string           `json:"message"`
}

// writeError maps a domain/registry error to an HTTP status and the
// structured error body, the gin/JSON analogue of the teacher's
// mapServiceError.
func writeError(c *gin.Context, err error) {
	var stageErr *domain.StageError
	if errors.As(err, &stageErr) {
		c.JSON(statusForKind(stageErr.Kind), errorResponse{Error: stageErr.Kind, Message: stageErr.Msg})
		return
	}
	if errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: domain.ErrValidation, Message: "run not found"})
		return
	}
	if errors.Is(err, registry.ErrInvalidTransition) {
		c.JSON(http.StatusConflict, errorResponse{Error: domain.ErrValidation, Message: "run already in a terminal state"})
		return
	}

	slog.Error("runapi: unexpected error", "error", err)
	c.JSON(http.StatusInternalServerError, errorResponse{
		Error:   domain.ErrInfrastructure,
		Message: "internal server error",
	})
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrValidation:
		return http.StatusBadRequest
	case domain.ErrAuthFailed, domain.ErrTenantUnknown:
		return http.StatusUnauthorized
	case domain.ErrBudgetExhausted, domain.ErrPolicyDenied:
		return http.StatusPaymentRequired
	case domain.ErrIdempotentReplay:
		return http.StatusOK
	case domain.ErrTimedOut, domain.ErrPipelineTimeout, domain.ErrTimeoutPartial:
		return http.StatusGatewayTimeout
	case domain.ErrAdapterUnavailable, domain.ErrStoreUnavailable, domain.ErrInfrastructure:
		return http.StatusServiceUnavailable
	case domain.ErrCanceled:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}
