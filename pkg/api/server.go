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

	"bullywork/pkg/api/middleware"
	"bullywork/pkg/election"
	"bullywork/pkg/logger"
	"bullywork/pkg/models"
	"bullywork/pkg/storage"
)

// Node is the running process the API reports on.
type Node interface {
	Self() models.ProcessRecord
	State() election.State
	Work() (models.WorkStatus, bool)
	Peers(ctx context.Context) ([]models.ProcessRecord, error)
}

// Server is the read-only status API.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	log        *zap.Logger

	node    Node
	store   storage.Store
	results storage.Location
	started time.Time
}

// Config holds API server configuration.
type Config struct {
	Port    string
	Node    Node
	Store   storage.Store
	Results storage.Location
	// RateLimit defaults to middleware.DefaultRateLimiterConfig.
	RateLimit *middleware.RateLimiterConfig
	Logger    *zap.Logger
}

// NewServer builds the router. The rate limiter's sweep stops with ctx.
func NewServer(ctx context.Context, cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	limits := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimit != nil {
		limits = *cfg.RateLimit
	}

	s := &Server{
		router:  gin.New(),
		log:     logger.Named(cfg.Logger, "api"),
		node:    cfg.Node,
		store:   cfg.Store,
		results: cfg.Results,
		started: time.Now(),
	}

	// Middleware stack (order matters)
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestIDMiddleware())
	s.router.Use(middleware.TracingMiddleware("bullywork-api"))
	s.router.Use(middleware.SecurityHeadersMiddleware())
	s.router.Use(middleware.MetricsMiddleware())
	s.router.Use(s.requestLogger())
	s.router.Use(middleware.ReadOnlyMiddleware())
	s.router.Use(middleware.NewRateLimiter(ctx, limits).Middleware())

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("Starting status API", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down status API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/process", s.getProcess)

		cluster := v1.Group("/cluster")
		{
			cluster.GET("/nodes", s.listNodes)
			cluster.GET("/coordinator", s.getCoordinator)
		}

		v1.GET("/work", s.getWork)
		v1.GET("/results/:key", s.getResult)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.log.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}

// healthCheck reports degraded when the store cannot be listed.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]bool{"store": true}
	if _, err := s.store.Keys(ctx, s.results.Bucket, s.results.Key("")); err != nil {
		deps["store"] = false
	}

	status, code := "healthy", http.StatusOK
	if !deps["store"] {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"role":         s.node.State().Role.String(),
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
