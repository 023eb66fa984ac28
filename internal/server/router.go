package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joshu-sajeev/fleetq/common"
	"github.com/joshu-sajeev/fleetq/internal/cattle"
	"github.com/joshu-sajeev/fleetq/internal/job"
	"github.com/joshu-sajeev/fleetq/middleware"
)

// RequestTimeout bounds control requests. It leaves room for the longest
// lease wait.
const RequestTimeout = 90 * time.Second

func newEngine(logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.ErrorHandler(logger))
	r.NoRoute(middleware.NoRoute)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"protocolVersion": common.ProtocolVersion,
			"status":          "ok",
		})
	})
	return r
}

// NewControlRouter serves the job API on the local control socket.
func NewControlRouter(svc job.JobServiceInterface, logger *slog.Logger) *gin.Engine {
	r := newEngine(logger)

	v1 := r.Group("/v1")
	v1.Use(middleware.TimeoutMiddleware(RequestTimeout))
	job.NewJobHandler(svc).RegisterRoutes(v1)

	return r
}

// NewCattleRouter serves the bootstrap env exchange to new instances.
func NewCattleRouter(h *cattle.Handler, logger *slog.Logger) *gin.Engine {
	r := newEngine(logger)

	v1 := r.Group("/v1")
	v1.Use(middleware.TimeoutMiddleware(10 * time.Second))
	v1.GET("/cattle/env", middleware.RequireBearer(), h.Env)

	return r
}
