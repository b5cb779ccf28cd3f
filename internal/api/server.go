// Package api serves the worker's operational endpoints: health and
// Prometheus metrics. The reporting REST API lives in a separate service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Pinger reports task queue connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter builds the operational router.
func NewRouter(db *gorm.DB, queue Pinger, environment string) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := gin.H{"database": "ok", "queue": "ok"}
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			checks["database"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
		if queue != nil && queue.Ping(ctx) != nil {
			checks["queue"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, checks)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
