package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"finance-feedback-engine/internal/advisory"
)

// Config holds sentiment advisor configuration.
type Config struct {
	Endpoint string        `json:"endpoint"`  // fear/greed API base URL
	CacheTTL time.Duration `json:"cache_ttl"` // how long one index read stays fresh
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: "https://api.alternative.me",
		CacheTTL: 15 * time.Minute,
	}
}

// Score is one fear/greed index reading.
type Score struct {
	Index     int       `json:"index"` // 0 extreme fear .. 100 extreme greed
	Label     string    `json:"label"`
	UpdatedAt time.Time `json:"updated_at"`
}

// fearGreedResponse from the alternative.me API.
type fearGreedResponse struct {
	Name string `json:"name"`
	Data []struct {
		Value               string `json:"value"`
		ValueClassification string `json:"value_classification"`
		Timestamp           string `json:"timestamp"`
	} `json:"data"`
}

// Advisor maps the market-wide fear/greed index to a contrarian
// recommendation: extreme fear reads as a buying opportunity, extreme greed
// as a time to sell. The index refreshes slowly upstream, so one reading
// is cached across queries.
type Advisor struct {
	id         string
	config     *Config
	httpClient *http.Client
	timeout    time.Duration

	mu     sync.RWMutex
	cached *Score
}

// NewAdvisor creates a sentiment advisor named id. timeout is the per-call
// override; 0 defers to the remote phase default.
func NewAdvisor(id string, cfg *Config, timeout time.Duration) *Advisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.alternative.me"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	return &Advisor{
		id:         id,
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		timeout:    timeout,
	}
}

// Name returns the provider id.
func (a *Advisor) Name() string { return a.id }

// IsLocal reports false; the index comes from a remote API.
func (a *Advisor) IsLocal() bool { return false }

// Timeout returns the per-call timeout override.
func (a *Advisor) Timeout() time.Duration { return a.timeout }

// Advise turns the current index reading into a recommendation.
func (a *Advisor) Advise(ctx context.Context, q advisory.Query) (*advisory.Recommendation, error) {
	score, err := a.currentScore(ctx)
	if err != nil {
		return nil, err
	}

	action, confidence, reasoning := classify(score)
	return &advisory.Recommendation{
		Action:     action,
		Confidence: confidence,
		Reasoning:  reasoning,
		RawMetadata: map[string]interface{}{
			"provider":         a.id,
			"fear_greed_index": score.Index,
			"fear_greed_label": score.Label,
		},
	}, nil
}

// classify maps an index reading to a contrarian verdict.
func classify(score *Score) (advisory.Action, int, string) {
	idx := score.Index
	switch {
	case idx <= 25:
		confidence := 60 + (25 - idx)
		if confidence > 85 {
			confidence = 85
		}
		return advisory.ActionBuy, confidence,
			fmt.Sprintf("fear/greed index at %d (%s): capitulation levels have historically preceded rebounds", idx, score.Label)
	case idx >= 75:
		confidence := 60 + (idx - 75)
		if confidence > 85 {
			confidence = 85
		}
		return advisory.ActionSell, confidence,
			fmt.Sprintf("fear/greed index at %d (%s): euphoric positioning leaves little room for further upside", idx, score.Label)
	default:
		confidence := 65 - abs(idx-50)
		if confidence < 35 {
			confidence = 35
		}
		return advisory.ActionHold, confidence,
			fmt.Sprintf("fear/greed index at %d (%s): sentiment gives no directional edge", idx, score.Label)
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// currentScore returns the cached reading while fresh, fetching otherwise.
func (a *Advisor) currentScore(ctx context.Context) (*Score, error) {
	a.mu.RLock()
	cached := a.cached
	a.mu.RUnlock()
	if cached != nil && time.Since(cached.UpdatedAt) < a.config.CacheTTL {
		return cached, nil
	}

	score, err := a.fetchIndex(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cached = score
	a.mu.Unlock()
	return score, nil
}

// fetchIndex fetches the current fear/greed index.
func (a *Advisor) fetchIndex(ctx context.Context) (*Score, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.Endpoint+"/fng/?limit=1", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch fear/greed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fear/greed API status %d", resp.StatusCode)
	}

	var fgResp fearGreedResponse
	if err := json.Unmarshal(body, &fgResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(fgResp.Data) == 0 {
		return nil, fmt.Errorf("no data in fear/greed response")
	}

	var value int
	if _, err := fmt.Sscanf(fgResp.Data[0].Value, "%d", &value); err != nil {
		return nil, fmt.Errorf("non-numeric index value %q", fgResp.Data[0].Value)
	}
	if value < 0 || value > 100 {
		return nil, fmt.Errorf("index value %d outside [0,100]", value)
	}

	return &Score{
		Index:     value,
		Label:     fgResp.Data[0].ValueClassification,
		UpdatedAt: time.Now(),
	}, nil
}
