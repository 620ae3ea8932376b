package runapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dyocense/kernel/pkg/admission"
	"github.com/dyocense/kernel/pkg/domain"
)

// submitRunHandler handles POST /api/v1/runs (§6).
func (s *Server) submitRunHandler(c *gin.Context) {
	var req submitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: domain.ErrValidation, Message: err.Error()})
		return
	}

	// The request body's tenant_id is redundant with the caller's
	// authenticated identity (§6) and must match it exactly.
	if authTenant := extractTenantID(c); authTenant != "" && authTenant != req.TenantID {
		c.JSON(http.StatusUnauthorized, errorResponse{
			Error: domain.ErrAuthFailed, Message: "tenant_id does not match authenticated caller",
		})
		return
	}

	result, err := s.admission.SubmitRun(c.Request.Context(), admission.Request{
		TenantID:            req.TenantID,
		IdempotencyKey:      req.IdempotencyKey,
		Goal:                req.Goal,
		TablesProfile:       req.TablesProfile,
		DataInputs:          req.DataInputs,
		Horizon:             req.Horizon,
		NumScenarios:        req.NumScenarios,
		ArchetypeID:         req.ArchetypeID,
		ConstraintsOverride: req.ConstraintsOverride,
		PriorityHint:        req.PriorityHint,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	run, err := s.registry.GetRun(c.Request.Context(), result.RunID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := submitRunResponse{RunID: run.RunID, State: string(run.State), AcceptedAt: run.CreatedAt}
	if result.Replay {
		dup := run.RunID
		resp.DuplicateOf = &dup
	}
	c.JSON(http.StatusAccepted, resp)
}

// getRunHandler handles GET /api/v1/runs/:id (§6).
func (s *Server) getRunHandler(c *gin.Context) {
	runID := c.Param("id")
	run, err := s.registry.GetRun(c.Request.Context(), runID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toGetRunResponse(run))
}

// cancelRunHandler handles POST /api/v1/runs/:id/cancel (§5: accepted in
// admitted or running, idempotent). The actual state transition happens
// cooperatively: this only sets the cancellation marker the pipeline
// engine observes at its next checkpoint.
func (s *Server) cancelRunHandler(c *gin.Context) {
	runID := c.Param("id")

	if err := s.registry.RequestCancellation(c.Request.Context(), runID); err != nil {
		writeError(c, err)
		return
	}

	run, err := s.registry.GetRun(c.Request.Context(), runID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelRunResponse{RunID: run.RunID, State: run.State})
}

// purgeTenantHandler handles DELETE /api/v1/tenants/:tenant_id/runs, the
// explicit tenant-scoped purge-on-request operation (§4.5).
func (s *Server) purgeTenantHandler(c *gin.Context) {
	if s.cleanup == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{
			Error: domain.ErrInfrastructure, Message: "retention service not configured",
		})
		return
	}

	tenantID := c.Param("tenant_id")
	count, err := s.cleanup.PurgeTenant(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "purged": count})
}
