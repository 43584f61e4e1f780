package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/logging"
)

// Advisor exposes one remote LLM provider as an advisory source.
type Advisor struct {
	id      string
	client  *Client
	timeout time.Duration
	log     *logging.Logger
}

// NewAdvisor creates an advisor named id around the given client config.
// timeout is the per-call override; 0 defers to the remote phase default.
func NewAdvisor(id string, cfg *ClientConfig, timeout time.Duration) *Advisor {
	return &Advisor{
		id:      id,
		client:  NewClient(cfg),
		timeout: timeout,
		log:     logging.WithComponent("llm").WithField("provider", id),
	}
}

// Name returns the provider id.
func (a *Advisor) Name() string { return a.id }

// IsLocal reports false; LLM providers are independent network calls.
func (a *Advisor) IsLocal() bool { return false }

// Timeout returns the per-call timeout override.
func (a *Advisor) Timeout() time.Duration { return a.timeout }

// Advise asks the model for a verdict on q and parses it into a
// recommendation. Malformed model output is returned as an error, never as
// a recommendation.
func (a *Advisor) Advise(ctx context.Context, q advisory.Query) (*advisory.Recommendation, error) {
	if !a.client.IsConfigured() {
		return nil, fmt.Errorf("provider %s has no API key", a.id)
	}

	text, err := a.client.Complete(ctx, SystemPromptAdvisory, BuildUserPrompt(q))
	if err != nil {
		return nil, fmt.Errorf("llm completion: %w", err)
	}

	rec, err := ParseRecommendation(text)
	if err != nil {
		a.log.Warn("discarding malformed model verdict", "error", err)
		return nil, fmt.Errorf("parse verdict: %w", err)
	}
	rec.RawMetadata["provider"] = a.id
	rec.RawMetadata["model"] = a.client.config.Model
	return rec, nil
}

// verdict is the JSON shape the system prompt demands.
type verdict struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// ParseRecommendation extracts the JSON verdict from raw model output.
// Models often wrap the object in prose or code fences, so it takes the
// outermost braces rather than requiring a clean document.
func ParseRecommendation(text string) (*advisory.Recommendation, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return nil, errors.New("no JSON object in model output")
	}

	var v verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("malformed verdict JSON: %w", err)
	}

	action, err := advisory.ParseAction(v.Action)
	if err != nil {
		return nil, err
	}

	conf := v.Confidence
	if math.IsNaN(conf) || math.IsInf(conf, 0) {
		return nil, fmt.Errorf("confidence %v is not finite", conf)
	}
	// Some models answer on a 0..1 scale despite the prompt.
	if conf > 0 && conf <= 1 {
		conf *= 100
	}
	confidence := int(math.Round(conf))
	if confidence < 0 || confidence > 100 {
		return nil, fmt.Errorf("confidence %d outside [0,100]", confidence)
	}

	if strings.TrimSpace(v.Reasoning) == "" {
		return nil, errors.New("empty reasoning in verdict")
	}

	return &advisory.Recommendation{
		Action:     action,
		Confidence: confidence,
		Reasoning:  strings.TrimSpace(v.Reasoning),
		RawMetadata: map[string]interface{}{
			"raw_response": truncate(text, 500),
		},
	}, nil
}
