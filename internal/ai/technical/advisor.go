// Package technical scores indicator features supplied in the query
// context. It runs on the shared local compute budget, so the advisor is
// local and invoked sequentially alongside the inference-engine models.
package technical

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"finance-feedback-engine/internal/advisory"
)

// Config weights the individual signals in the combined score.
type Config struct {
	MomentumWeight      float64 `json:"momentum_weight"`
	MeanReversionWeight float64 `json:"mean_reversion_weight"`
	VolumeWeight        float64 `json:"volume_weight"`
	TrendWeight         float64 `json:"trend_weight"`
}

// DefaultConfig returns default signal weights.
func DefaultConfig() *Config {
	return &Config{
		MomentumWeight:      0.3,
		MeanReversionWeight: 0.2,
		VolumeWeight:        0.25,
		TrendWeight:         0.25,
	}
}

// features are the indicator values read from the query context. The
// pipeline never computes indicators; callers supply them.
type features struct {
	rsi           float64 // 0..100
	macdHistogram float64 // normalized -1..1
	trendStrength float64 // -1..1
	volumeRatio   float64 // current vs average volume, 1 = average
}

// Advisor is a deterministic rule-based advisory source.
type Advisor struct {
	id      string
	config  *Config
	timeout time.Duration
}

// NewAdvisor creates a technical advisor named id. timeout is the per-call
// override; 0 defers to the local phase default.
func NewAdvisor(id string, cfg *Config, timeout time.Duration) *Advisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Advisor{id: id, config: cfg, timeout: timeout}
}

// Name returns the provider id.
func (a *Advisor) Name() string { return a.id }

// IsLocal reports true; scoring shares the local compute budget.
func (a *Advisor) IsLocal() bool { return true }

// Timeout returns the per-call timeout override.
func (a *Advisor) Timeout() time.Duration { return a.timeout }

// Advise combines the weighted signals into one recommendation. A query
// without indicator features is refused rather than guessed at.
func (a *Advisor) Advise(ctx context.Context, q advisory.Query) (*advisory.Recommendation, error) {
	f, err := featuresFrom(q.Context)
	if err != nil {
		return nil, err
	}

	momentum := clamp(f.macdHistogram, -1, 1)
	meanReversion := (50 - f.rsi) / 50
	trend := clamp(f.trendStrength, -1, 1)
	volume := volumeSignal(f.volumeRatio, trend)

	combined := momentum*a.config.MomentumWeight +
		meanReversion*a.config.MeanReversionWeight +
		volume*a.config.VolumeWeight +
		trend*a.config.TrendWeight

	action, confidence := classify(combined, agreement(combined, momentum, meanReversion, volume, trend))

	return &advisory.Recommendation{
		Action:     action,
		Confidence: confidence,
		Reasoning: fmt.Sprintf("indicator blend leans %s: momentum %.2f, mean reversion %.2f, volume %.2f, trend %.2f",
			actionWord(action), momentum, meanReversion, volume, trend),
		RawMetadata: map[string]interface{}{
			"provider":        a.id,
			"combined_signal": combined,
		},
	}, nil
}

// volumeSignal treats above-average volume as confirmation of the trend
// direction and below-average volume as neutral.
func volumeSignal(volumeRatio, trend float64) float64 {
	excess := clamp(volumeRatio-1, 0, 1)
	if trend < 0 {
		return -excess
	}
	return excess
}

// agreement is the fraction of signals pointing the same way as the
// combined score.
func agreement(combined float64, signals ...float64) float64 {
	if combined == 0 {
		return 0
	}
	matching := 0
	counted := 0
	for _, s := range signals {
		if s == 0 {
			continue
		}
		counted++
		if (s > 0) == (combined > 0) {
			matching++
		}
	}
	if counted == 0 {
		return 0
	}
	return float64(matching) / float64(counted)
}

func classify(combined, agree float64) (advisory.Action, int) {
	strength := math.Abs(combined)
	switch {
	case combined > 0.15:
		return advisory.ActionBuy, boundConfidence(50+35*strength+15*agree, 95)
	case combined < -0.15:
		return advisory.ActionSell, boundConfidence(50+35*strength+15*agree, 95)
	default:
		return advisory.ActionHold, boundConfidence(50+20*(0.15-strength)/0.15, 70)
	}
}

func boundConfidence(v, max float64) int {
	c := int(math.Round(v))
	if c < 0 {
		c = 0
	}
	if c > int(max) {
		c = int(max)
	}
	return c
}

func actionWord(a advisory.Action) string {
	switch a {
	case advisory.ActionBuy:
		return "bullish"
	case advisory.ActionSell:
		return "bearish"
	default:
		return "neutral"
	}
}

// featuresFrom reads indicator values out of the query context. rsi is
// required; the rest default to neutral.
func featuresFrom(ctx map[string]interface{}) (*features, error) {
	if len(ctx) == 0 {
		return nil, fmt.Errorf("no indicator features in query context")
	}

	rsi, ok := numeric(ctx["rsi"])
	if !ok {
		return nil, fmt.Errorf("query context missing rsi")
	}
	if rsi < 0 || rsi > 100 {
		return nil, fmt.Errorf("rsi %v outside [0,100]", rsi)
	}

	f := &features{rsi: rsi, volumeRatio: 1}
	if v, ok := numeric(ctx["macd_histogram"]); ok {
		f.macdHistogram = v
	}
	if v, ok := numeric(ctx["trend_strength"]); ok {
		f.trendStrength = v
	}
	if v, ok := numeric(ctx["volume_ratio"]); ok && v > 0 {
		f.volumeRatio = v
	}
	return f, nil
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
