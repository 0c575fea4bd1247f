package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobpipeline/internal/api/auth"
	"github.com/cuongbtq/jobpipeline/internal/api/handler"
	"github.com/cuongbtq/jobpipeline/internal/api/ratelimit"
)

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Config wires the handlers to their guards
type Config struct {
	ServiceName       string
	Deps              *handler.Dependencies
	Verifier          *auth.JWTVerifier
	ServiceAuthorizer auth.Authorizer
	// nil limiters disable rate limiting for that route class
	CreateLimiter ratelimit.Limiter
	QueryLimiter  ratelimit.Limiter
	HealthChecks  map[string]HealthCheck
}

// SetupRouter configures and returns the Gin router with all routes. The
// public group only accepts user tokens and the internal group only the
// service credential.
func SetupRouter(cfg *Config) *gin.Engine {
	logger := cfg.Deps.Logger

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(cfg.ServiceName, cfg.HealthChecks))

	jobHandler := handler.NewJobHandler(cfg.Deps)

	createLimit := limitOrPass(cfg.CreateLimiter, "Too many jobs created", logger)
	queryLimit := limitOrPass(cfg.QueryLimiter, "Too many requests", logger)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs", auth.UserAuthMiddleware(cfg.Verifier))
		{
			jobs.POST("", createLimit, jobHandler.CreateJob)
			jobs.GET("", queryLimit, jobHandler.ListJobs)
			jobs.GET("/:job_id", queryLimit, jobHandler.GetJob)
		}
	}

	internal := r.Group("/internal/v1", auth.ServiceAuthMiddleware(cfg.ServiceAuthorizer, logger))
	{
		internal.PUT("/jobs/:job_id/status", jobHandler.UpdateJobStatus)
	}

	return r
}

func limitOrPass(limiter ratelimit.Limiter, errMsg string, logger *slog.Logger) gin.HandlerFunc {
	if limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return ratelimit.Middleware(limiter, auth.UserID, errMsg, logger)
}

func healthHandler(serviceName string, checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		results := gin.H{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}

		c.JSON(status, gin.H{
			"status":  state,
			"service": serviceName,
			"checks":  results,
		})
	}
}
