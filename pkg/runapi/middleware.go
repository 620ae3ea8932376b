package runapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// securityHeaders sets standard response headers, the gin translation of
// the teacher's echo securityHeaders middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// bodyLimit rejects request bodies larger than maxBytes before the
// handler's JSON decode runs.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// requestLogger logs one structured line per request at module level,
// the same tenant_id/stage/worker_id-keyed style the rest of the kernel
// logs with.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// extractTenantID reads the caller's tenant from the X-Tenant-ID header,
// the kernel's identity boundary in lieu of a full OIDC integration
// (§4.3 step 1 resolves tenant_id through a resolver interface; this
// middleware is the thing that supplies the candidate id the resolver
// then validates). A deployment behind an OIDC-terminating proxy sets
// this header itself, the same role the teacher's oauth2-proxy plays for
// X-Forwarded-User.
func extractTenantID(c *gin.Context) string {
	return c.GetHeader("X-Tenant-ID")
}
