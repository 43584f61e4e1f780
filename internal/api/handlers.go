package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/auth"
	"finance-feedback-engine/internal/database"
	"finance-feedback-engine/internal/pipeline"
)

// DecideRequest is the decision endpoint payload.
type DecideRequest struct {
	Asset     string                 `json:"asset" binding:"required"`
	Horizon   string                 `json:"horizon"`
	Context   map[string]interface{} `json:"context"`
	Providers []string               `json:"providers"`
	Weights   map[string]float64     `json:"weights"`
	Strategy  string                 `json:"strategy"`
	MinQuorum int                    `json:"min_quorum"`
}

// handleDecide runs the pipeline for one query.
func (s *Server) handleDecide(c *gin.Context) {
	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var strategy advisory.VotingStrategy
	if req.Strategy != "" {
		parsed, err := advisory.ParseStrategy(req.Strategy)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		strategy = parsed
	}

	decision, err := s.pipeline.Decide(c.Request.Context(), pipeline.Request{
		Query: advisory.Query{
			Asset:   req.Asset,
			Horizon: req.Horizon,
			Context: req.Context,
		},
		Providers: req.Providers,
		Weights:   req.Weights,
		Strategy:  strategy,
		MinQuorum: req.MinQuorum,
	})
	if err != nil {
		var quorumErr *pipeline.InsufficientProvidersError
		switch {
		case errors.As(err, &quorumErr):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":    "insufficient providers",
				"active":   quorumErr.Active,
				"required": quorumErr.Required,
				"failed":   quorumErr.Failed,
			})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": decision})
}

// handleGetDecisions returns persisted decisions, newest first.
func (s *Server) handleGetDecisions(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision persistence is disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	decisions, err := s.repo.GetDecisions(c.Request.Context(), limit, offset, c.Query("asset"), c.Query("action"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    decisions,
		"count":   len(decisions),
	})
}

// handleGetDecisionByID returns a single decision by id.
func (s *Server) handleGetDecisionByID(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision persistence is disabled"})
		return
	}

	decision, err := s.repo.GetDecisionByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "decision not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, decision)
}

// handleGetLatestDecision returns the most recent decision for an asset,
// served from cache when possible.
func (s *Server) handleGetLatestDecision(c *gin.Context) {
	asset := c.Query("asset")
	if asset == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "asset query parameter is required"})
		return
	}

	if s.cache != nil {
		if decision, err := s.cache.GetLatestDecision(c.Request.Context(), asset); err == nil {
			c.JSON(http.StatusOK, gin.H{"success": true, "data": decision, "source": "cache"})
			return
		}
	}

	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision persistence is disabled"})
		return
	}

	decision, err := s.repo.GetLatestDecision(c.Request.Context(), asset)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no decision recorded for asset"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": decision, "source": "database"})
}

// handleGetDecisionStats summarizes recent decisions.
func (s *Server) handleGetDecisionStats(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision persistence is disabled"})
		return
	}

	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	ctx := c.Request.Context()

	stats, err := s.repo.GetDecisionStats(ctx, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	tiers, err := s.repo.GetTierBreakdown(ctx, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	providers, err := s.repo.GetProviderBreakdown(ctx, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"since":     since,
		"stats":     stats,
		"tiers":     tiers,
		"providers": providers,
	})
}

// handleGetProviders reports the configured providers with weights and
// breaker states.
func (s *Server) handleGetProviders(c *gin.Context) {
	providers := s.pipeline.Providers()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    providers,
		"count":   len(providers),
	})
}

// handleLogin authenticates the operator and issues a token.
func (s *Server) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, err := s.authService.Login(req)
	if err != nil {
		var authErr auth.AuthError
		if errors.As(err, &authErr) && authErr == auth.ErrLoginNotConfigured {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": authErr.Code, "message": authErr.Message})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   auth.ErrInvalidCredentials.Code,
			"message": auth.ErrInvalidCredentials.Message,
		})
		return
	}

	c.JSON(http.StatusOK, pair)
}

// handleRefresh rotates the refresh token and issues a new access token.
func (s *Server) handleRefresh(c *gin.Context) {
	var req auth.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, err := s.authService.Refresh(req)
	if err != nil {
		var authErr auth.AuthError
		if !errors.As(err, &authErr) {
			authErr = auth.ErrInvalidToken
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": authErr.Code, "message": authErr.Message})
		return
	}

	c.JSON(http.StatusOK, pair)
}

// handleLogout invalidates the active refresh token.
func (s *Server) handleLogout(c *gin.Context) {
	var req auth.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.authService.Logout(req.RefreshToken)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleHealth reports component health.
func (s *Server) handleHealth(c *gin.Context) {
	components := gin.H{}
	healthy := true

	if s.repo != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.repo.HealthCheck(ctx); err != nil {
			components["database"] = gin.H{"status": "error", "message": err.Error()}
			healthy = false
		} else {
			components["database"] = gin.H{"status": "ok"}
		}
	} else {
		components["database"] = gin.H{"status": "disabled"}
	}

	if s.cache != nil {
		stats := s.cache.GetStats()
		if stats.Healthy {
			components["cache"] = gin.H{"status": "ok"}
		} else {
			// Degraded cache does not fail overall health; the pipeline
			// works without it.
			components["cache"] = gin.H{"status": "degraded", "failures": stats.FailureCount}
		}
	} else {
		components["cache"] = gin.H{"status": "disabled"}
	}

	if s.vault != nil && s.vault.IsEnabled() {
		if err := s.vault.Health(c.Request.Context()); err != nil {
			components["vault"] = gin.H{"status": "error", "message": err.Error()}
			healthy = false
		} else {
			components["vault"] = gin.H{"status": "ok"}
		}
	} else {
		components["vault"] = gin.H{"status": "disabled"}
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":     status,
		"components": components,
		"uptime":     time.Since(s.started).String(),
	})
}

// handleGetCircuitBreakers lists all breakers with their stats.
func (s *Server) handleGetCircuitBreakers(c *gin.Context) {
	if s.breakers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "circuit breakers are disabled"})
		return
	}

	all := s.breakers.All()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	data := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		data = append(data, all[name].Stats())
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": data, "count": len(data)})
}

// handleResetCircuitBreaker force-closes one breaker.
func (s *Server) handleResetCircuitBreaker(c *gin.Context) {
	if s.breakers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "circuit breakers are disabled"})
		return
	}

	name := c.Param("name")
	breaker, ok := s.breakers.Lookup(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown circuit breaker", "name": name})
		return
	}

	breaker.ForceReset()
	s.log.Info("circuit breaker reset by operator", "breaker", name)
	c.JSON(http.StatusOK, gin.H{"success": true, "name": name, "state": string(breaker.State())})
}

// handleListSecrets lists configured secret names, never values.
func (s *Server) handleListSecrets(c *gin.Context) {
	if s.vault == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "secret storage is disabled"})
		return
	}

	names := s.vault.Names()
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": names, "count": len(names)})
}

// handlePutSecret stores one provider secret.
func (s *Server) handlePutSecret(c *gin.Context) {
	if s.vault == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "secret storage is disabled"})
		return
	}

	var req struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := c.Param("name")
	if err := s.vault.Store(c.Request.Context(), name, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.log.Info("secret stored", "name", name)
	c.JSON(http.StatusOK, gin.H{"success": true, "name": name})
}

// handleDeleteSecret removes one provider secret.
func (s *Server) handleDeleteSecret(c *gin.Context) {
	if s.vault == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "secret storage is disabled"})
		return
	}

	name := c.Param("name")
	if err := s.vault.Delete(c.Request.Context(), name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.log.Info("secret deleted", "name", name)
	c.JSON(http.StatusOK, gin.H{"success": true, "name": name})
}
