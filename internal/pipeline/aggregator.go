package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/logging"
)

// InsufficientProvidersError reports that fewer providers answered than the
// configured quorum requires. It is fatal for the request and is never
// converted into a rule-based decision.
type InsufficientProvidersError struct {
	Active   int
	Required int
	Failed   []string
}

func (e *InsufficientProvidersError) Error() string {
	return fmt.Sprintf("insufficient providers: %d active, %d required (failed: %s)",
		e.Active, e.Required, strings.Join(e.Failed, ", "))
}

// AggregateInput is everything one aggregation needs. Results must contain
// one entry per enabled provider; Weights carries the original configured
// weight per enabled provider.
type AggregateInput struct {
	Results   map[string]*advisory.ProviderResult
	Weights   map[string]float64
	Enabled   []string
	Strategy  advisory.VotingStrategy
	MinQuorum int
}

// Aggregator folds provider results into one consensus decision. The
// caller stamps identity fields (ID, Asset, CreatedAt) afterward.
type Aggregator struct {
	log *logging.Logger
}

func NewAggregator(log *logging.Logger) *Aggregator {
	if log == nil {
		log = logging.Default()
	}
	return &Aggregator{log: log.WithComponent("aggregator")}
}

// Aggregate applies quorum checks, weight renormalization, and the
// strategy's fallback ladder. An empty active set yields the rule-based
// hold decision rather than an error; a quorum failure is an error.
func (g *Aggregator) Aggregate(in AggregateInput) (*advisory.ConsensusDecision, error) {
	active := make(map[string]*advisory.Recommendation)
	var failed []string
	for _, id := range in.Enabled {
		if r, ok := in.Results[id]; ok && r.Status == advisory.StatusOK && r.Recommendation != nil {
			active[id] = r.Recommendation
		} else {
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)

	if len(active) == 0 {
		return g.allFailedDecision(in, failed), nil
	}
	if len(active) < in.MinQuorum {
		return nil, &InsufficientProvidersError{
			Active:   len(active),
			Required: in.MinQuorum,
			Failed:   failed,
		}
	}

	adjusted, renormErr := renormalize(in.Weights, active)
	if renormErr != nil {
		g.log.Warn("weights not renormalizable, weight-using rungs disabled",
			"reason", renormErr.Error())
	}

	var (
		result *rungResult
		tier   advisory.FallbackTier
	)
	for _, r := range ladderFor(in.Strategy) {
		res, err := runRung(r, active, adjusted)
		if err != nil {
			g.log.Debug("vote rung skipped",
				"strategy", string(in.Strategy), "tier", string(r.tier), "reason", err.Error())
			continue
		}
		result, tier = res, r.tier
		break
	}
	if result == nil {
		return nil, fmt.Errorf("no voting rung produced a result for strategy %s", in.Strategy)
	}

	if tier != advisory.FallbackTier(in.Strategy) {
		g.log.Info("strategy degraded to fallback rung",
			"strategy", string(in.Strategy), "tier", string(tier),
			"active", len(active), "enabled", len(in.Enabled))
	}

	decision := &advisory.ConsensusDecision{
		Action:     result.Action,
		Confidence: degrade(result.Confidence, len(active), len(in.Enabled)),
		Reasoning:  synthesizeReasoning(in.Strategy, tier, result.Action, active, failed),
		Metadata: advisory.DecisionMetadata{
			ProvidersUsed:      sortedIDs(active),
			ProvidersFailed:    failed,
			OriginalWeights:    copyWeights(in.Weights),
			AdjustedWeights:    adjusted,
			Strategy:           in.Strategy,
			FallbackTier:       tier,
			AgreementScore:     float64(len(result.Voters)) / float64(len(active)),
			ConfidenceVariance: confidenceVariance(active),
		},
	}
	return decision, nil
}

// allFailedDecision is the rule-based stance when nothing answered. By
// construction it skips quorum checks and degradation; a fixed 50 already
// says "no information".
func (g *Aggregator) allFailedDecision(in AggregateInput, failed []string) *advisory.ConsensusDecision {
	g.log.Error("holding by rule, no provider produced a verdict",
		"strategy", string(in.Strategy), "enabled", len(in.Enabled))
	return &advisory.ConsensusDecision{
		Action:     advisory.ActionHold,
		Confidence: 50,
		Reasoning:  "all providers unavailable",
		Metadata: advisory.DecisionMetadata{
			ProvidersUsed:      []string{},
			ProvidersFailed:    failed,
			OriginalWeights:    copyWeights(in.Weights),
			AdjustedWeights:    nil,
			Strategy:           in.Strategy,
			FallbackTier:       advisory.TierAllFailed,
			AgreementScore:     0,
			ConfidenceVariance: 0,
		},
	}
}

// renormalize rescales the configured weights over the active set so they
// sum to 1. A zero or non-finite total is a structural error; weight-using
// rungs are disabled for this decision.
func renormalize(weights map[string]float64, active map[string]*advisory.Recommendation) (map[string]float64, error) {
	total := 0.0
	for id := range active {
		total += weights[id]
	}
	if total <= 0 {
		return nil, fmt.Errorf("active weights sum to %v", total)
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return nil, fmt.Errorf("active weights sum is not finite")
	}

	adjusted := make(map[string]float64, len(active))
	for id := range active {
		adjusted[id] = weights[id] / total
	}
	return adjusted, nil
}

// degrade scales a raw confidence by provider coverage: full coverage keeps
// it, a lone survivor of a large set keeps 70% plus its share.
func degrade(raw, activeCount, enabledCount int) int {
	if enabledCount == 0 {
		return roundConfidence(float64(raw))
	}
	factor := 0.7 + 0.3*float64(activeCount)/float64(enabledCount)
	return roundConfidence(float64(raw) * factor)
}

// confidenceVariance is the population variance of the active confidences.
func confidenceVariance(active map[string]*advisory.Recommendation) float64 {
	n := float64(len(active))
	if n == 0 {
		return 0
	}
	mean := 0.0
	for _, rec := range active {
		mean += float64(rec.Confidence)
	}
	mean /= n

	variance := 0.0
	for _, rec := range active {
		d := float64(rec.Confidence) - mean
		variance += d * d
	}
	return variance / n
}

// synthesizeReasoning builds the decision's human-readable summary from the
// individual votes.
func synthesizeReasoning(strategy advisory.VotingStrategy, tier advisory.FallbackTier, action advisory.Action, active map[string]*advisory.Recommendation, failed []string) string {
	votes := make([]string, 0, len(active))
	for _, id := range sortedIDs(active) {
		rec := active[id]
		votes = append(votes, fmt.Sprintf("%s %s/%d", id, rec.Action, rec.Confidence))
	}

	var b strings.Builder
	if tier == advisory.FallbackTier(strategy) {
		fmt.Fprintf(&b, "%s consensus %s", strategy, action)
	} else {
		fmt.Fprintf(&b, "%s strategy fell back to %s, consensus %s", strategy, tier, action)
	}
	fmt.Fprintf(&b, ": %s", strings.Join(votes, ", "))
	if len(failed) > 0 {
		fmt.Fprintf(&b, " (no verdict from %s)", strings.Join(failed, ", "))
	}
	return b.String()
}

func copyWeights(weights map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(weights))
	for id, w := range weights {
		out[id] = w
	}
	return out
}
