// Package httpapi wires the sink's HTTP transport (Gin) to the record
// service, middleware, and route handlers. It centralizes cross-cutting
// concerns such as tracing, correlation IDs, scrubbed logging, panic
// recovery, metrics, compression, CORS, security headers, authentication,
// idempotency, and rate limiting.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/physio-sync/internal/auth"
	"github.com/tbourn/physio-sync/internal/config"
	"github.com/tbourn/physio-sync/internal/http/handlers"
	"github.com/tbourn/physio-sync/internal/http/middleware"
	"github.com/tbourn/physio-sync/internal/repo"
	"github.com/tbourn/physio-sync/internal/services"
)

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: scrubbed access log, request-scoped logger
//  4. Recovery: capture panics after logger
//  5. Body size limit, metrics, gzip, CORS, security headers
//
// Under the API prefix, Auth runs first (when JWT_SECRET is set), then the
// idempotency validator on POST, then the per-owner rate limiter, which lets
// replays through.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(middleware.RedactOptions{
		MaskHeaders: []string{"X-Api-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(cfg.MaxBodyBytes))
	r.Use(middleware.Metrics())
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		NoStore:    true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status})
	})

	sink := services.NewRecordSink(db, log.Logger)
	h := handlers.New(sink, func(ctx context.Context, ownerID string) (int64, *time.Time, error) {
		return repo.RemoteRecordsStats(ctx, db, ownerID)
	})

	idem := middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{},
		func(ctx context.Context, ownerID, key string) (bool, error) {
			rec, err := sink.Lookup(ctx, key)
			if err != nil || rec == nil {
				return false, err
			}
			return ownerID == "" || rec.OwnerID == ownerID, nil
		},
	)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByOwnerOrIP())

	api := groupWithPrefix(r, cfg.APIBasePath)
	if cfg.JWT.Secret != "" {
		api.Use(middleware.Auth(auth.Config{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer}))
	}
	{
		api.POST("/records", idem, rl.Handler(), h.SubmitRecord)
		api.GET("/records", rl.Handler(), h.ListRecords)
		api.GET("/records/:id", rl.Handler(), h.GetRecord)
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Owner-ID", middleware.HeaderIdempotencyKey},
		ExposeHeaders:    []string{"X-Request-ID", "ETag", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return cors.New(c)
}

// limitBody caps the request body at maxBytes; larger bodies fail to bind.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
