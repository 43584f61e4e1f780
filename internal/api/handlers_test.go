package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"finance-feedback-engine/config"
	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/auth"
	"finance-feedback-engine/internal/circuit"
	"finance-feedback-engine/internal/pipeline"
)

type stubPipeline struct {
	decision *advisory.ConsensusDecision
	err      error
	lastReq  pipeline.Request
	infos    []pipeline.ProviderInfo
}

func (s *stubPipeline) Decide(ctx context.Context, req pipeline.Request) (*advisory.ConsensusDecision, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.decision, nil
}

func (s *stubPipeline) Providers() []pipeline.ProviderInfo {
	return s.infos
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, deps, false)
}

func sampleDecision() *advisory.ConsensusDecision {
	return &advisory.ConsensusDecision{
		ID:         "dec-1",
		Asset:      "EUR/USD",
		Action:     advisory.ActionBuy,
		Confidence: 71,
		Reasoning:  "test consensus",
		CreatedAt:  time.Now(),
	}
}

func postJSON(router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func getPath(router *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestDecideEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		body        interface{}
		pipelineErr error
		wantStatus  int
	}{
		{
			name:       "successful decision",
			body:       DecideRequest{Asset: "EUR/USD"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing asset rejected",
			body:       map[string]string{"horizon": "4h"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown strategy rejected",
			body:       DecideRequest{Asset: "EUR/USD", Strategy: "plurality"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:        "quorum failure maps to 503",
			body:        DecideRequest{Asset: "EUR/USD"},
			pipelineErr: &pipeline.InsufficientProvidersError{Active: 1, Required: 2, Failed: []string{"remote-1"}},
			wantStatus:  http.StatusServiceUnavailable,
		},
		{
			name:        "context cancellation maps to 503",
			body:        DecideRequest{Asset: "EUR/USD"},
			pipelineErr: context.Canceled,
			wantStatus:  http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubPipeline{decision: sampleDecision(), err: tt.pipelineErr}
			server := newTestServer(t, Deps{Pipeline: stub})

			w := postJSON(server.Router(), "/api/v1/decisions", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}

			if tt.wantStatus == http.StatusOK {
				var resp struct {
					Success bool                       `json:"success"`
					Data    advisory.ConsensusDecision `json:"data"`
				}
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
					t.Fatalf("unmarshal response: %v", err)
				}
				if !resp.Success || resp.Data.Action != advisory.ActionBuy {
					t.Errorf("response = %+v, want success with BUY", resp)
				}
			}
		})
	}
}

func TestDecideReportsQuorumDetails(t *testing.T) {
	stub := &stubPipeline{err: &pipeline.InsufficientProvidersError{
		Active:   1,
		Required: 3,
		Failed:   []string{"remote-1", "remote-2"},
	}}
	server := newTestServer(t, Deps{Pipeline: stub})

	w := postJSON(server.Router(), "/api/v1/decisions", DecideRequest{Asset: "BTC/USD"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}

	var resp struct {
		Active   int      `json:"active"`
		Required int      `json:"required"`
		Failed   []string `json:"failed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Active != 1 || resp.Required != 3 || len(resp.Failed) != 2 {
		t.Errorf("quorum details = %+v", resp)
	}
}

func TestDecideForwardsOverrides(t *testing.T) {
	stub := &stubPipeline{decision: sampleDecision()}
	server := newTestServer(t, Deps{Pipeline: stub})

	w := postJSON(server.Router(), "/api/v1/decisions", DecideRequest{
		Asset:     "EUR/USD",
		Horizon:   "1d",
		Providers: []string{"technical", "remote-1"},
		Weights:   map[string]float64{"technical": 2},
		Strategy:  "majority",
		MinQuorum: 2,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	req := stub.lastReq
	if req.Query.Asset != "EUR/USD" || req.Query.Horizon != "1d" {
		t.Errorf("query = %+v", req.Query)
	}
	if len(req.Providers) != 2 || req.Providers[0] != "technical" {
		t.Errorf("providers = %v", req.Providers)
	}
	if req.Weights["technical"] != 2 {
		t.Errorf("weights = %v", req.Weights)
	}
	if req.Strategy != advisory.StrategyMajority {
		t.Errorf("strategy = %q, want majority", req.Strategy)
	}
	if req.MinQuorum != 2 {
		t.Errorf("min quorum = %d, want 2", req.MinQuorum)
	}
}

func TestProvidersEndpoint(t *testing.T) {
	stub := &stubPipeline{infos: []pipeline.ProviderInfo{
		{ID: "technical", Local: true, Weight: 1},
		{ID: "remote-1", Weight: 1.5, BreakerState: "CLOSED"},
	}}
	server := newTestServer(t, Deps{Pipeline: stub})

	w := getPath(server.Router(), "/api/v1/providers")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Success bool                    `json:"success"`
		Data    []pipeline.ProviderInfo `json:"data"`
		Count   int                     `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.Success || resp.Count != 2 || len(resp.Data) != 2 {
		t.Errorf("response = %+v", resp)
	}
}

func TestAuthStatusEndpoint(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		server := newTestServer(t, Deps{Pipeline: &stubPipeline{}})
		w := getPath(server.Router(), "/api/v1/auth/status")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}

		var resp map[string]bool
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if resp["auth_enabled"] {
			t.Error("auth_enabled = true, want false")
		}
	})

	t.Run("enabled", func(t *testing.T) {
		hash, err := bcrypt.GenerateFromPassword([]byte("operator-pass"), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash password: %v", err)
		}
		svc := auth.NewService(config.AuthConfig{
			Enabled:           true,
			JWTSecret:         "test-secret-for-handlers",
			AdminUser:         "admin",
			AdminPasswordHash: string(hash),
		}, nil)
		server := newTestServer(t, Deps{Pipeline: &stubPipeline{}, AuthService: svc})

		w := getPath(server.Router(), "/api/v1/auth/status")
		var resp map[string]bool
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if !resp["auth_enabled"] {
			t.Error("auth_enabled = false, want true")
		}

		// With auth on, API routes demand a token.
		w = getPath(server.Router(), "/api/v1/providers")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("unauthenticated providers status = %d, want 401", w.Code)
		}

		// Login with wrong credentials is rejected.
		w = postJSON(server.Router(), "/api/v1/auth/login", auth.LoginRequest{
			Username: "admin",
			Password: "wrong-pass",
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("bad login status = %d, want 401", w.Code)
		}

		// Login with the right credentials yields a usable token.
		w = postJSON(server.Router(), "/api/v1/auth/login", auth.LoginRequest{
			Username: "admin",
			Password: "operator-pass",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("login status = %d, want 200 (body %s)", w.Code, w.Body.String())
		}
		var pair auth.TokenPair
		if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
			t.Fatalf("unmarshal token pair: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("authenticated providers status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
		}
	})
}

func TestRefreshEndpoint(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("operator-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	svc := auth.NewService(config.AuthConfig{
		Enabled:           true,
		JWTSecret:         "test-secret-for-refresh",
		AdminUser:         "admin",
		AdminPasswordHash: string(hash),
	}, nil)
	server := newTestServer(t, Deps{Pipeline: &stubPipeline{}, AuthService: svc})

	w := postJSON(server.Router(), "/api/v1/auth/login", auth.LoginRequest{
		Username: "admin",
		Password: "operator-pass",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatalf("unmarshal token pair: %v", err)
	}

	w = postJSON(server.Router(), "/api/v1/auth/refresh", auth.RefreshRequest{RefreshToken: pair.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var next auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &next); err != nil {
		t.Fatalf("unmarshal refreshed pair: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken || next.AccessToken == "" {
		t.Errorf("refresh did not rotate tokens")
	}

	w = postJSON(server.Router(), "/api/v1/auth/refresh", auth.RefreshRequest{RefreshToken: "bogus"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bogus refresh status = %d, want 401", w.Code)
	}
}

func TestHealthEndpointWithDisabledComponents(t *testing.T) {
	server := newTestServer(t, Deps{Pipeline: &stubPipeline{}})

	w := getPath(server.Router(), "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	var resp struct {
		Status     string                            `json:"status"`
		Components map[string]map[string]interface{} `json:"components"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	for _, name := range []string{"database", "cache", "vault"} {
		if got := resp.Components[name]["status"]; got != "disabled" {
			t.Errorf("component %s status = %v, want disabled", name, got)
		}
	}
}

func TestCircuitBreakerEndpoints(t *testing.T) {
	registry := circuit.NewRegistry(&circuit.Config{
		Enabled:          true,
		FailureThreshold: 3,
		CooldownSeconds:  30,
	})
	registry.Get("provider:remote-1")
	server := newTestServer(t, Deps{Pipeline: &stubPipeline{}, Breakers: registry})

	w := getPath(server.Router(), "/api/v1/admin/circuit-breakers")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}

	w = postJSON(server.Router(), "/api/v1/admin/circuit-breakers/provider:remote-1/reset", nil)
	if w.Code != http.StatusOK {
		t.Errorf("reset status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	w = postJSON(server.Router(), "/api/v1/admin/circuit-breakers/no-such-breaker/reset", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown reset status = %d, want 404", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("1.2.3.4") {
			t.Fatalf("request %d unexpectedly limited", i+1)
		}
	}
	if limiter.Allow("1.2.3.4") {
		t.Error("fourth request allowed, want limited")
	}
	if !limiter.Allow("5.6.7.8") {
		t.Error("different key limited, want allowed")
	}
}
