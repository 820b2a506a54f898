package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"deckcheck/internal/notify"
	"deckcheck/internal/pipeline"
	"deckcheck/internal/runs"
	"deckcheck/internal/services/health"
	"deckcheck/internal/shared/config"
	"deckcheck/internal/shared/metrics"
	"deckcheck/internal/shared/server/middleware"
	"deckcheck/internal/shared/server/respond"
)

// RouterDeps carries the handlers mounted under /api/v1.
type RouterDeps struct {
	Config          config.Config
	PipelineHandler *pipeline.Handler
	RunsHandler     *runs.Handler
	NotifyHandler   *notify.Handler
	Health          *health.Service
	RateLimiter     *middleware.RateLimiter
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.RateLimit(middleware.RateLimitConfig{
			Limiter: deps.RateLimiter,
			GroupFor: func(c *gin.Context) string {
				if c.Request.Method == http.MethodPost && c.FullPath() == "/api/v1/runs" {
					return middleware.SubmitRateLimitGroup
				}
				return ""
			},
			Rules: map[string]middleware.RateLimitRule{
				"DEFAULT":                       {Rate: 20, Burst: 60},
				middleware.SubmitRateLimitGroup: {Rate: 0.2, Burst: 3},
			},
		}),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		if deps.Health == nil {
			respond.OK(c, gin.H{"ok": true})
			return
		}
		report := deps.Health.Status(c.Request.Context())
		status := http.StatusOK
		if !report.OK {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, report)
	})
	if deps.PipelineHandler != nil {
		deps.PipelineHandler.RegisterRoutes(api)
	}
	if deps.RunsHandler != nil {
		deps.RunsHandler.RegisterRoutes(api)
	}
	if deps.NotifyHandler != nil {
		deps.NotifyHandler.RegisterRoutes(api)
	}

	return r
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
