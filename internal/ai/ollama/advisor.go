// Package ollama adapts a locally hosted Ollama model as an advisory
// source. All configured models share the one local inference engine, so
// these advisors report IsLocal and are invoked strictly sequentially.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/ai/llm"
	"finance-feedback-engine/internal/logging"
)

// Config holds the local engine endpoint and model selection.
type Config struct {
	BaseURL     string  `json:"base_url"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

// DefaultConfig returns defaults for a stock local install.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:     "http://localhost:11434",
		Model:       "llama3",
		Temperature: 0.3,
	}
}

// Advisor exposes one local model as an advisory source.
type Advisor struct {
	id         string
	config     *Config
	httpClient *http.Client
	timeout    time.Duration
	log        *logging.Logger
}

// NewAdvisor creates an advisor named id for the configured local model.
// timeout is the per-call override; 0 defers to the local phase default.
func NewAdvisor(id string, cfg *Config, timeout time.Duration) *Advisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	return &Advisor{
		id:     id,
		config: cfg,
		// No client-level timeout; the orchestrator owns the deadline
		// through ctx and local inference can legitimately be slow.
		httpClient: &http.Client{},
		timeout:    timeout,
		log:        logging.WithComponent("ollama").WithField("provider", id),
	}
}

// Name returns the provider id.
func (a *Advisor) Name() string { return a.id }

// IsLocal reports true; the model runs on the shared local engine.
func (a *Advisor) IsLocal() bool { return true }

// Timeout returns the per-call timeout override.
func (a *Advisor) Timeout() time.Duration { return a.timeout }

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Advise runs one non-streaming generation on the local engine and parses
// the verdict.
func (a *Advisor) Advise(ctx context.Context, q advisory.Query) (*advisory.Recommendation, error) {
	req := generateRequest{
		Model:  a.config.Model,
		Prompt: llm.BuildUserPrompt(q),
		System: llm.SystemPromptAdvisory,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": a.config.Temperature,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("local engine request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local engine status %d", resp.StatusCode)
	}

	var genResp generateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if genResp.Error != "" {
		return nil, fmt.Errorf("local engine: %s", genResp.Error)
	}

	rec, err := llm.ParseRecommendation(genResp.Response)
	if err != nil {
		a.log.Warn("discarding malformed local model verdict", "error", err)
		return nil, fmt.Errorf("parse verdict: %w", err)
	}
	rec.RawMetadata["provider"] = a.id
	rec.RawMetadata["model"] = a.config.Model
	return rec, nil
}
