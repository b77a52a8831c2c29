// Package api is the optional HTTP façade over a codepod.Pod: REST handlers
// for every public operation, a websocket endpoint streaming exec events,
// Prometheus metrics, and a health probe. The library itself never needs
// this package; it exists for out-of-process embedders and operations.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"codepod/internal/logging"
	"codepod/internal/metrics"
	"codepod/pkg/codepod"
)

// Config tunes the façade.
type Config struct {
	// RateLimit and RateBurst bound requests per client IP.
	RateLimit rate.Limit
	RateBurst int
}

// Server exposes a Pod over HTTP.
type Server struct {
	pod      *codepod.Pod
	cfg      Config
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer wires the façade around an initialized Pod.
func NewServer(pod *codepod.Pod, cfg Config) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	return &Server{
		pod: pod,
		cfg: cfg,
		log: logging.L().Named("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The façade is same-origin/embedded; no cross-origin callers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(recovery(s.log))
	r.Use(requestLogger(s.log))
	r.Use(httpMetrics(metrics.Get()))
	r.Use(rateLimit(s.cfg.RateLimit, s.cfg.RateBurst))

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/sessions", s.createSession)
		v1.GET("/sessions", s.listSessions)
		v1.GET("/sessions/:id", s.getSession)
		v1.DELETE("/sessions/:id", s.destroySession)

		v1.POST("/sessions/:id/exec", s.execCommand)
		v1.GET("/sessions/:id/exec/stream", s.execStream)

		v1.POST("/sessions/:id/files", s.uploadFile)
		v1.GET("/sessions/:id/files", s.downloadFile)
		v1.GET("/sessions/:id/files/list", s.listDirectory)
		v1.DELETE("/sessions/:id/files", s.deleteFile)
		v1.GET("/sessions/:id/stats", s.getStats)

		v1.GET("/pool/status", s.poolStatus)
		v1.GET("/pool/containers", s.listContainers)
		v1.POST("/pool/containers", s.createContainer)
		v1.DELETE("/pool/containers/:cid", s.deleteContainer)
		v1.DELETE("/pool/containers", s.deleteAllContainers)

		v1.POST("/cleanup", s.cleanup)
		v1.POST("/reconcile", s.reconcile)
	}

	return r
}

func (s *Server) health(c *gin.Context) {
	status, err := s.pod.PoolStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pool": status})
}
