// Package api is the admin HTTP surface of a worker node.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pipecheck/pkg/api/middleware"
	"pipecheck/pkg/consistencycheck"
	"pipecheck/pkg/governance"
	"pipecheck/pkg/logger"
	"pipecheck/pkg/storage"
)

// NodeLister lists the nodes whose heartbeat is alive.
type NodeLister interface {
	GetActiveNodes(ctx context.Context) ([]string, error)
}

// ResultRepositories resolves the governance repository of a parent job.
type ResultRepositories interface {
	ForJobID(jobID string) (governance.Repository, error)
}

// LocalJobs exposes the runners of the node serving the request.
type LocalJobs interface {
	RunningJobs() []string
	JobItemContext(jobID string) (*consistencycheck.JobItemContext, bool)
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	validator  *middleware.Validator
	logger     *zap.Logger

	nodeID   string
	configs  storage.JobConfigStore
	progress storage.ProgressStore
	queue    storage.CommandQueue
	results  ResultRepositories
	nodes    NodeLister
	local    LocalJobs
}

// Config holds API server configuration.
type Config struct {
	Port       string
	NodeID     string
	Algorithms []string
	Configs    storage.JobConfigStore
	Progress   storage.ProgressStore
	Queue      storage.CommandQueue
	Results    ResultRepositories
	Nodes      NodeLister
	Local      LocalJobs
	Logger     *zap.Logger

	// CommandLimit bounds the routes that push commands. Zero means the default.
	CommandLimit middleware.RateLimiterConfig
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}
	log = log.With(zap.String("component", "api"))

	validatorCfg := middleware.DefaultValidatorConfig(cfg.Algorithms...)
	limitCfg := cfg.CommandLimit
	if limitCfg.RequestsPerMinute <= 0 {
		limitCfg = middleware.DefaultRateLimiterConfig()
	}
	limiter := middleware.NewRateLimiter(limitCfg)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware("pipecheck-api"))
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger(log))
	router.Use(middleware.BodySizeLimitMiddleware(validatorCfg.MaxBodySize))

	s := &Server{
		router:    router,
		limiter:   limiter,
		validator: middleware.NewValidator(validatorCfg),
		logger:    log,
		nodeID:    cfg.NodeID,
		configs:   cfg.Configs,
		progress:  cfg.Progress,
		queue:     cfg.Queue,
		results:   cfg.Results,
		nodes:     cfg.Nodes,
		local:     cfg.Local,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting admin api", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin api")
	s.limiter.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		checks := v1.Group("/check-jobs")
		{
			// only the routes that push onto the command stream are limited
			checks.POST("", s.limiter.Middleware(middleware.ClientKey), s.createCheckJob)
			checks.GET("", s.listLocalCheckJobs)
			checks.GET("/:id", s.getCheckJob)
			checks.POST("/:id/start", s.limiter.Middleware(middleware.CheckJobKey), s.startCheckJob)
			checks.POST("/:id/stop", s.limiter.Middleware(middleware.CheckJobKey), s.stopCheckJob)
			checks.GET("/:id/result", s.getCheckJobResult)
		}

		cluster := v1.Group("/cluster")
		{
			cluster.GET("/nodes", s.listNodes)
		}
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String(middleware.RequestIDKey, c.GetString(middleware.RequestIDKey)),
		)
	}
}

// healthCheck reports whether every dependency of the node is wired.
func (s *Server) healthCheck(c *gin.Context) {
	deps := map[string]bool{
		"postgres": s.configs != nil && s.progress != nil,
		"redis":    s.queue != nil,
		"etcd":     s.nodes != nil && s.results != nil,
	}

	healthy := true
	for _, ok := range deps {
		if !ok {
			healthy = false
			break
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"node_id":      s.nodeID,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
