// Package api wires together all HTTP routes for the activity log backend.
//
// Route grouping:
//   - /health and /ready are unauthenticated probes for the orchestrator.
//   - /api/v1/activity-logs/ always requires a bearer token; each route
//     additionally checks the scope it needs.
//   - Domain routes registered with WithDomainRoutes live under /api/ and are
//     tracked by the activity middleware when activity_log.track_requests is
//     set, so CRUD on projects, mitras and certificates is logged without the
//     handlers calling the recorder themselves. The server binary registers
//     UpstreamRoutes here when activity_log.upstream_url is configured;
//     programs embedding the router register their own handlers instead.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pam-backend/pam-backend/internal/activitylog"
	"github.com/pam-backend/pam-backend/internal/api/activitylogs"
	"github.com/pam-backend/pam-backend/internal/auth"
	"github.com/pam-backend/pam-backend/internal/config"
	"github.com/pam-backend/pam-backend/internal/jobs"
	"github.com/pam-backend/pam-backend/internal/middleware"
	"github.com/pam-backend/pam-backend/internal/storage"
)

// readinessProbeKey is checked with Exists; it never needs to exist.
const readinessProbeKey = ".readiness-probe"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	retentionJob *jobs.LogRetentionJob
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.retentionJob != nil {
		bg.retentionJob.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

type routerOptions struct {
	domainRoutes []func(*gin.RouterGroup)
}

// Option customises NewRouter.
type Option func(*routerOptions)

// WithDomainRoutes registers fn's routes on the authenticated /api group,
// where requests are subject to activity tracking.
func WithDomainRoutes(fn func(rg *gin.RouterGroup)) Option {
	return func(o *routerOptions) { o.domainRoutes = append(o.domainRoutes, fn) }
}

// NewRouter creates and configures the Gin router and starts the retention
// job. The store is only used for the readiness probe; all log access goes
// through svc.
func NewRouter(cfg *config.Config, store storage.Storage, svc *activitylog.Service, opts ...Option) (*gin.Engine, *BackgroundServices) {
	var o routerOptions
	for _, opt := range opts {
		opt(&o)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		slog.Warn("invalid trusted proxies, trusting none", "error", err)
		_ = router.SetTrustedProxies(nil)
	}

	bg := &BackgroundServices{}
	bg.retentionJob = jobs.NewLogRetentionJob(svc, cfg.ActivityLog)
	bg.retentionJob.Start(context.Background())

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler())
	router.GET("/ready", readinessHandler(store))

	authenticated := []gin.HandlerFunc{middleware.AuthMiddleware(cfg.Auth.JWTIssuer)}
	if cfg.Security.RateLimiting.Enabled {
		rlCfg := middleware.DefaultRateLimitConfig()
		if cfg.Security.RateLimiting.RequestsPerMinute > 0 {
			rlCfg.RequestsPerMinute = cfg.Security.RateLimiting.RequestsPerMinute
		}
		if cfg.Security.RateLimiting.Burst > 0 {
			rlCfg.BurstSize = cfg.Security.RateLimiting.Burst
		}
		generalRateLimiter := middleware.NewRateLimiter(rlCfg)
		bg.rateLimiters = append(bg.rateLimiters, generalRateLimiter)
		authenticated = append(authenticated, middleware.RateLimitMiddleware(generalRateLimiter))
	}

	exportRateLimiter := middleware.NewRateLimiter(
		middleware.ExportRateLimitConfig(cfg.ActivityLog.ExportRateLimitPerMinute))
	bg.rateLimiters = append(bg.rateLimiters, exportRateLimiter)

	h := activitylogs.NewHandler(svc)

	logs := router.Group("/api/v1/activity-logs")
	logs.Use(authenticated...)
	{
		read := middleware.RequireScope(auth.ScopeActivityLogsRead)

		logs.GET("", read, h.Index)
		logs.GET("/recent", read, h.Recent)
		logs.GET("/stats", read, h.Stats)
		logs.GET("/filter-options", read, h.FilterOptions)
		logs.GET("/me", h.Mine)
		logs.GET("/export",
			middleware.RequireScope(auth.ScopeActivityLogsExport),
			middleware.RateLimitMiddleware(exportRateLimiter),
			h.Export)
		logs.GET("/:modelType/:modelId", read, h.ModelLogs)
		logs.POST("", h.Create)
		logs.DELETE("", middleware.RequireScope(auth.ScopeActivityLogsDelete), h.Delete)
	}

	if len(o.domainRoutes) > 0 {
		domain := router.Group("/api")
		domain.Use(authenticated...)
		if cfg.ActivityLog.TrackRequests {
			domain.Use(middleware.ActivityMiddleware(activitylog.NewRecorder(svc), middleware.DefaultActivityRules()))
		}
		for _, fn := range o.domainRoutes {
			fn(domain)
		}
	}

	return router, bg
}

// healthCheckHandler reports liveness. It does not touch storage.
func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the storage backend so
// that a Kubernetes readiness gate fails when log reads and writes would error.
func readinessHandler(store storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		// Exists() exercises authentication and network connectivity without
		// creating any state.
		if _, err := store.Exists(c.Request.Context(), readinessProbeKey); err != nil {
			checks["storage"] = "unhealthy"
			slog.Warn("readiness probe failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}
