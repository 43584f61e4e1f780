// Package advisory defines the data model shared by the provider
// orchestrator, the aggregator, and the decision pipeline.
package advisory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Action is the advised position change for an asset.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	}
	return false
}

// ParseAction normalizes s (case, surrounding whitespace) and returns the
// matching Action, or an error for anything outside the enum.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// ProviderStatus classifies the terminal outcome of one provider invocation.
type ProviderStatus string

const (
	StatusOK      ProviderStatus = "OK"
	StatusInvalid ProviderStatus = "INVALID"
	StatusTimeout ProviderStatus = "TIMEOUT"
	StatusError   ProviderStatus = "ERROR"
)

// Recommendation is a single provider's advice for one query. It is
// immutable once produced.
type Recommendation struct {
	Action      Action                 `json:"action"`
	Confidence  int                    `json:"confidence"`
	Reasoning   string                 `json:"reasoning"`
	RawMetadata map[string]interface{} `json:"raw_metadata,omitempty"`
}

// fallbackMarkers are phrases providers emit from their own degraded-mode
// templates instead of a real analysis. A recommendation carrying one is
// treated as invalid rather than trusted.
var fallbackMarkers = []string{"unavailable", "could not", "error"}

// Validate checks that r is well formed: a known action, confidence within
// [0,100], and reasoning that is non-empty and free of fallback markers.
func (r *Recommendation) Validate() error {
	if r == nil {
		return errors.New("nil recommendation")
	}
	if !r.Action.Valid() {
		return fmt.Errorf("action %q is not one of BUY/SELL/HOLD", r.Action)
	}
	if r.Confidence < 0 || r.Confidence > 100 {
		return fmt.Errorf("confidence %d outside [0,100]", r.Confidence)
	}
	reasoning := strings.TrimSpace(r.Reasoning)
	if reasoning == "" {
		return errors.New("empty reasoning")
	}
	lower := strings.ToLower(reasoning)
	for _, marker := range fallbackMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("reasoning contains fallback marker %q", marker)
		}
	}
	return nil
}

// ProviderResult wraps one provider's outcome for one query. Recommendation
// is set only when Status is OK.
type ProviderResult struct {
	ProviderID     string          `json:"provider_id"`
	Status         ProviderStatus  `json:"status"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	Latency        time.Duration   `json:"latency"`
	Err            string          `json:"err,omitempty"`
}

// VotingStrategy selects how the aggregator combines active providers.
type VotingStrategy string

const (
	StrategyWeighted VotingStrategy = "weighted"
	StrategyMajority VotingStrategy = "majority"
	StrategyStacking VotingStrategy = "stacking"
)

// Valid reports whether s is a known strategy.
func (s VotingStrategy) Valid() bool {
	switch s {
	case StrategyWeighted, StrategyMajority, StrategyStacking:
		return true
	}
	return false
}

// ParseStrategy normalizes s and returns the matching VotingStrategy.
func ParseStrategy(s string) (VotingStrategy, error) {
	v := VotingStrategy(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", fmt.Errorf("unknown voting strategy %q", s)
	}
	return v, nil
}

// FallbackTier records which aggregation rung ultimately produced a decision.
type FallbackTier string

const (
	TierWeighted       FallbackTier = "weighted"
	TierMajority       FallbackTier = "majority"
	TierStacking       FallbackTier = "stacking"
	TierSimpleAverage  FallbackTier = "simple_average"
	TierSingleProvider FallbackTier = "single_provider"
	TierAllFailed      FallbackTier = "all_failed"
)

// DecisionMetadata carries the full provenance of one consensus decision.
// OriginalWeights always reflects the configured set for the invocation,
// not just the providers that survived.
type DecisionMetadata struct {
	ProvidersUsed      []string           `json:"providers_used"`
	ProvidersFailed    []string           `json:"providers_failed"`
	OriginalWeights    map[string]float64 `json:"original_weights"`
	AdjustedWeights    map[string]float64 `json:"adjusted_weights"`
	Strategy           VotingStrategy     `json:"strategy"`
	FallbackTier       FallbackTier       `json:"fallback_tier"`
	AgreementScore     float64            `json:"agreement_score"`
	ConfidenceVariance float64            `json:"confidence_variance"`
}

// ConsensusDecision is the pipeline's single output for one query. It is
// created exactly once per invocation and never mutated afterward.
type ConsensusDecision struct {
	ID         string           `json:"id"`
	Asset      string           `json:"asset"`
	Action     Action           `json:"action"`
	Confidence int              `json:"confidence"`
	Reasoning  string           `json:"reasoning"`
	Metadata   DecisionMetadata `json:"metadata"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Query is the payload every provider is asked to advise on. Market data
// and indicator values are supplied by the caller inside Context; the
// pipeline never computes them.
type Query struct {
	Asset   string                 `json:"asset"`
	Horizon string                 `json:"horizon,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Advisor is one advisory source consulted for a recommendation.
type Advisor interface {
	// Advise returns a recommendation for q or an error. Implementations
	// must fail rather than return a malformed recommendation, and must
	// honor ctx cancellation and deadlines.
	Advise(ctx context.Context, q Query) (*Recommendation, error)

	// Name returns the provider id used in configuration, weights and
	// results.
	Name() string

	// IsLocal reports whether the advisor runs on the shared local
	// inference engine. Local advisors are invoked strictly sequentially.
	IsLocal() bool

	// Timeout returns the per-call timeout override; 0 means the phase
	// default applies.
	Timeout() time.Duration
}
