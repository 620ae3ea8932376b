// Package runapi implements the Run API (§6): the submit/get/cancel HTTP
// surface external callers use, and the only place wire JSON is parsed
// or rendered — every other component works in domain types. Mirrors the
// teacher's pkg/api: a thin Server wrapping one HTTP framework instance,
// Set*-style optional wiring, and one handler file's worth of logic per
// concern.
package runapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dyocense/kernel/pkg/admission"
	"github.com/dyocense/kernel/pkg/cleanup"
	"github.com/dyocense/kernel/pkg/registry"
)

// Server is the Run API's HTTP server. It has no client-facing streaming
// transport (§1 Non-goal: "no streaming to clients") — pkg/events.Bus is
// wired into the Registry as a producer for future in-process consumers,
// not into this HTTP layer.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	admission *admission.Controller
	registry  *registry.Registry
	cleanup   *cleanup.Service
}

// NewServer builds a Server and registers every route. cleanupSvc may be
// nil, in which case the tenant-purge endpoint responds 503.
func NewServer(ctrl *admission.Controller, reg *registry.Registry, cleanupSvc *cleanup.Service) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	engine.Use(securityHeaders())

	// Server-wide body limit (1 MiB), slightly above the 8 KiB goal_text
	// cap plus a generous tables_profile/data_inputs allowance, rejecting
	// oversized payloads at the HTTP layer before JSON decode.
	engine.Use(bodyLimit(1024 * 1024))

	s := &Server{engine: engine, admission: ctrl, registry: reg, cleanup: cleanupSvc}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthHandler)

	v1 := s.engine.Group("/api/v1")
	v1.POST("/runs", s.submitRunHandler)
	v1.GET("/runs/:id", s.getRunHandler)
	v1.POST("/runs/:id/cancel", s.cancelRunHandler)
	v1.DELETE("/tenants/:tenant_id/runs", s.purgeTenantHandler)
}

// Start starts the HTTP server on addr, blocking until it exits or fails.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
}
