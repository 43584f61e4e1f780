// Package api serves the HTTP surface of the advisory engine: decision
// endpoints, provider and breaker introspection, operator auth, the
// Prometheus scrape target and a websocket event feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"finance-feedback-engine/config"
	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/auth"
	"finance-feedback-engine/internal/cache"
	"finance-feedback-engine/internal/circuit"
	"finance-feedback-engine/internal/database"
	"finance-feedback-engine/internal/events"
	"finance-feedback-engine/internal/logging"
	"finance-feedback-engine/internal/pipeline"
	"finance-feedback-engine/internal/vault"
)

// RateLimiter provides simple in-memory rate limiting per key.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// DecisionPipeline is the slice of the pipeline the server consumes.
type DecisionPipeline interface {
	Decide(ctx context.Context, req pipeline.Request) (*advisory.ConsensusDecision, error)
	Providers() []pipeline.ProviderInfo
}

// Deps carries everything the server may serve. Repo, cache, vault and
// auth are optional; routes depending on a missing dependency answer
// with 503 or are not registered.
type Deps struct {
	Pipeline    DecisionPipeline
	Repo        *database.Repository
	Cache       *cache.CacheService
	Vault       *vault.Client
	AuthService *auth.Service
	Breakers    *circuit.Registry
	EventBus    *events.EventBus
	Log         *logging.Logger
}

// Server is the HTTP API server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	pipeline    DecisionPipeline
	repo        *database.Repository
	cache       *cache.CacheService
	vault       *vault.Client
	authService *auth.Service
	authEnabled bool
	breakers    *circuit.Registry
	eventBus    *events.EventBus
	config      config.ServerConfig
	rateLimiter *RateLimiter
	log         *logging.Logger
	started     time.Time
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg config.ServerConfig, deps Deps, debug bool) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log := deps.Log
	if log == nil {
		log = logging.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		pipeline:    deps.Pipeline,
		repo:        deps.Repo,
		cache:       deps.Cache,
		vault:       deps.Vault,
		authService: deps.AuthService,
		authEnabled: deps.AuthService != nil,
		breakers:    deps.Breakers,
		eventBus:    deps.EventBus,
		config:      cfg,
		rateLimiter: NewRateLimiter(120, time.Minute),
		log:         log.WithComponent("api"),
		started:     time.Now(),
	}

	server.setupRoutes()

	if deps.EventBus != nil {
		InitWebSocket(deps.EventBus, server.log)
	}

	return server
}

// rateLimitMiddleware limits request rate per route path.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"path":  path,
			})
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWebSocket)

	s.router.GET("/api/v1/auth/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"auth_enabled": s.authEnabled})
	})
	if s.authEnabled {
		s.router.POST("/api/v1/auth/login", s.rateLimitMiddleware(), s.handleLogin)
		s.router.POST("/api/v1/auth/refresh", s.rateLimitMiddleware(), s.handleRefresh)
		s.router.POST("/api/v1/auth/logout", s.handleLogout)
	}

	api := s.router.Group("/api/v1")
	if s.authEnabled {
		api.Use(auth.Middleware(s.authService.JWT()))
	}
	{
		api.POST("/decisions", s.handleDecide)
		api.GET("/decisions", s.handleGetDecisions)
		api.GET("/decisions/stats", s.handleGetDecisionStats)
		api.GET("/decisions/latest", s.handleGetLatestDecision)
		api.GET("/decisions/:id", s.handleGetDecisionByID)

		api.GET("/providers", s.handleGetProviders)

		admin := api.Group("/admin")
		{
			admin.GET("/circuit-breakers", s.handleGetCircuitBreakers)
			admin.POST("/circuit-breakers/:name/reset", s.handleResetCircuitBreaker)

			admin.GET("/secrets", s.handleListSecrets)
			admin.PUT("/secrets/:name", s.handlePutSecret)
			admin.DELETE("/secrets/:name", s.handleDeleteSecret)
		}
	}
}

// Start runs the HTTP server until the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
	}

	s.log.Info("http server listening", "addr", addr, "tls", s.config.TLSEnabled)
	if s.config.TLSEnabled {
		return s.httpServer.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
