package pipeline

import (
	"errors"
	"math"
	"strings"
	"testing"

	"finance-feedback-engine/internal/advisory"
)

func okResult(id string, action advisory.Action, confidence int) *advisory.ProviderResult {
	return &advisory.ProviderResult{
		ProviderID: id,
		Status:     advisory.StatusOK,
		Recommendation: &advisory.Recommendation{
			Action:     action,
			Confidence: confidence,
			Reasoning:  "vote from " + id,
		},
	}
}

func failedResult(id string, status advisory.ProviderStatus) *advisory.ProviderResult {
	return &advisory.ProviderResult{ProviderID: id, Status: status, Err: "refused"}
}

func TestRenormalizeAfterOneFailure(t *testing.T) {
	weights := map[string]float64{"alpha": 0.4, "bravo": 0.2, "charlie": 0.2, "delta": 0.2}
	active := map[string]*advisory.Recommendation{
		"alpha":   {Action: advisory.ActionBuy, Confidence: 80, Reasoning: "r"},
		"charlie": {Action: advisory.ActionBuy, Confidence: 60, Reasoning: "r"},
		"delta":   {Action: advisory.ActionHold, Confidence: 50, Reasoning: "r"},
	}

	adjusted, err := renormalize(weights, active)
	if err != nil {
		t.Fatalf("renormalize() error = %v", err)
	}

	want := map[string]float64{"alpha": 0.5, "charlie": 0.25, "delta": 0.25}
	sum := 0.0
	for id, w := range adjusted {
		if math.Abs(w-want[id]) > 1e-9 {
			t.Errorf("adjusted[%s] = %v, want %v", id, w, want[id])
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("adjusted weights sum to %v, want 1", sum)
	}
}

func TestRenormalizeRejectsZeroTotal(t *testing.T) {
	active := map[string]*advisory.Recommendation{
		"alpha": {Action: advisory.ActionBuy, Confidence: 80, Reasoning: "r"},
	}
	if _, err := renormalize(map[string]float64{"alpha": 0}, active); err == nil {
		t.Error("expected error for zero weight total")
	}
	if _, err := renormalize(map[string]float64{"alpha": math.Inf(1)}, active); err == nil {
		t.Error("expected error for non-finite weight total")
	}
}

func TestAggregateWeightedConsensus(t *testing.T) {
	g := NewAggregator(nil)
	d, err := g.Aggregate(AggregateInput{
		Results: map[string]*advisory.ProviderResult{
			"alpha":   okResult("alpha", advisory.ActionBuy, 80),
			"bravo":   okResult("bravo", advisory.ActionBuy, 70),
			"charlie": okResult("charlie", advisory.ActionHold, 60),
		},
		Weights:   map[string]float64{"alpha": 0.5, "bravo": 0.25, "charlie": 0.25},
		Enabled:   []string{"alpha", "bravo", "charlie"},
		Strategy:  advisory.StrategyWeighted,
		MinQuorum: 1,
	})
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	if d.Action != advisory.ActionBuy {
		t.Errorf("action = %s, want BUY", d.Action)
	}
	// BUY mass 0.5*80 + 0.25*70 = 57.5, full coverage keeps it.
	if d.Confidence != 58 {
		t.Errorf("confidence = %d, want 58", d.Confidence)
	}
	if d.Metadata.FallbackTier != advisory.TierWeighted {
		t.Errorf("tier = %s, want weighted", d.Metadata.FallbackTier)
	}
	if math.Abs(d.Metadata.AgreementScore-2.0/3.0) > 1e-9 {
		t.Errorf("agreement = %v, want 2/3", d.Metadata.AgreementScore)
	}
	if math.Abs(d.Metadata.ConfidenceVariance-200.0/3.0) > 1e-9 {
		t.Errorf("variance = %v, want %v", d.Metadata.ConfidenceVariance, 200.0/3.0)
	}
}

func TestAggregateDegradesConfidenceOnPartialCoverage(t *testing.T) {
	g := NewAggregator(nil)
	d, err := g.Aggregate(AggregateInput{
		Results: map[string]*advisory.ProviderResult{
			"alpha":   okResult("alpha", advisory.ActionBuy, 80),
			"bravo":   failedResult("bravo", advisory.StatusTimeout),
			"charlie": okResult("charlie", advisory.ActionBuy, 60),
			"delta":   okResult("delta", advisory.ActionHold, 50),
		},
		Weights:   map[string]float64{"alpha": 0.4, "bravo": 0.2, "charlie": 0.2, "delta": 0.2},
		Enabled:   []string{"alpha", "bravo", "charlie", "delta"},
		Strategy:  advisory.StrategyWeighted,
		MinQuorum: 1,
	})
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	// Renormalized mass: BUY 0.5*80 + 0.25*60 = 55, then 3 of 4 providers
	// gives factor 0.925: round(55*0.925) = 51.
	if d.Action != advisory.ActionBuy || d.Confidence != 51 {
		t.Errorf("decision = %s/%d, want BUY/51", d.Action, d.Confidence)
	}
	if got := d.Metadata.ProvidersFailed; len(got) != 1 || got[0] != "bravo" {
		t.Errorf("providers_failed = %v, want [bravo]", got)
	}
	if w := d.Metadata.AdjustedWeights["alpha"]; math.Abs(w-0.5) > 1e-9 {
		t.Errorf("adjusted alpha = %v, want 0.5", w)
	}
	if w := d.Metadata.OriginalWeights["bravo"]; w != 0.2 {
		t.Errorf("original bravo = %v, want 0.2 (failed providers keep their configured weight)", w)
	}
}

func TestAggregateMajority(t *testing.T) {
	g := NewAggregator(nil)
	d, err := g.Aggregate(AggregateInput{
		Results: map[string]*advisory.ProviderResult{
			"alpha":   okResult("alpha", advisory.ActionBuy, 80),
			"bravo":   okResult("bravo", advisory.ActionSell, 90),
			"charlie": okResult("charlie", advisory.ActionBuy, 60),
		},
		Weights:   map[string]float64{"alpha": 0.2, "bravo": 0.6, "charlie": 0.2},
		Enabled:   []string{"alpha", "bravo", "charlie"},
		Strategy:  advisory.StrategyMajority,
		MinQuorum: 1,
	})
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	// Two BUY votes beat one SELL regardless of weight; confidence is the
	// mean over the winning voters.
	if d.Action != advisory.ActionBuy || d.Confidence != 70 {
		t.Errorf("decision = %s/%d, want BUY/70", d.Action, d.Confidence)
	}
	if d.Metadata.FallbackTier != advisory.TierMajority {
		t.Errorf("tier = %s, want majority", d.Metadata.FallbackTier)
	}
}

func TestAggregateStacking(t *testing.T) {
	g := NewAggregator(nil)
	d, err := g.Aggregate(AggregateInput{
		Results: map[string]*advisory.ProviderResult{
			"alpha":   okResult("alpha", advisory.ActionBuy, 80),
			"bravo":   okResult("bravo", advisory.ActionBuy, 60),
			"charlie": okResult("charlie", advisory.ActionSell, 90),
		},
		Weights:   map[string]float64{"alpha": 0.5, "bravo": 0.25, "charlie": 0.25},
		Enabled:   []string{"alpha", "bravo", "charlie"},
		Strategy:  advisory.StrategyStacking,
		MinQuorum: 1,
	})
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	// Majority action BUY, confidence = (0.5*80 + 0.25*60) / 0.75 = 73.3.
	if d.Action != advisory.ActionBuy || d.Confidence != 73 {
		t.Errorf("decision = %s/%d, want BUY/73", d.Action, d.Confidence)
	}
	if d.Metadata.FallbackTier != advisory.TierStacking {
		t.Errorf("tier = %s, want stacking", d.Metadata.FallbackTier)
	}
}

func TestAggregateQuorumBoundary(t *testing.T) {
	weights := map[string]float64{"alpha": 0.4, "bravo": 0.3, "charlie": 0.3}
	enabled := []string{"alpha", "bravo", "charlie"}
	g := NewAggregator(nil)

	t.Run("two active below quorum of three", func(t *testing.T) {
		_, err := g.Aggregate(AggregateInput{
			Results: map[string]*advisory.ProviderResult{
				"alpha":   okResult("alpha", advisory.ActionBuy, 80),
				"bravo":   okResult("bravo", advisory.ActionBuy, 70),
				"charlie": failedResult("charlie", advisory.StatusError),
			},
			Weights:   weights,
			Enabled:   enabled,
			Strategy:  advisory.StrategyWeighted,
			MinQuorum: 3,
		})
		var quorumErr *InsufficientProvidersError
		if !errors.As(err, &quorumErr) {
			t.Fatalf("error = %v, want InsufficientProvidersError", err)
		}
		if quorumErr.Active != 2 || quorumErr.Required != 3 {
			t.Errorf("quorum error = %d/%d, want 2/3", quorumErr.Active, quorumErr.Required)
		}
	})

	t.Run("three active meets quorum of three", func(t *testing.T) {
		d, err := g.Aggregate(AggregateInput{
			Results: map[string]*advisory.ProviderResult{
				"alpha":   okResult("alpha", advisory.ActionBuy, 80),
				"bravo":   okResult("bravo", advisory.ActionBuy, 70),
				"charlie": okResult("charlie", advisory.ActionHold, 60),
			},
			Weights:   weights,
			Enabled:   enabled,
			Strategy:  advisory.StrategyWeighted,
			MinQuorum: 3,
		})
		if err != nil {
			t.Fatalf("Aggregate() error = %v", err)
		}
		if d.Action != advisory.ActionBuy {
			t.Errorf("action = %s, want BUY", d.Action)
		}
	})
}

func TestAggregateAllFailed(t *testing.T) {
	g := NewAggregator(nil)
	d, err := g.Aggregate(AggregateInput{
		Results: map[string]*advisory.ProviderResult{
			"alpha":   failedResult("alpha", advisory.StatusError),
			"bravo":   failedResult("bravo", advisory.StatusTimeout),
			"charlie": failedResult("charlie", advisory.StatusInvalid),
		},
		Weights:  map[string]float64{"alpha": 0.4, "bravo": 0.3, "charlie": 0.3},
		Enabled:  []string{"alpha", "bravo", "charlie"},
		Strategy: advisory.StrategyWeighted,
		// Quorum is higher than anything achievable; the empty active set
		// must still resolve to the rule decision, not a quorum error.
		MinQuorum: 3,
	})
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	if d.Action != advisory.ActionHold || d.Confidence != 50 {
		t.Errorf("decision = %s/%d, want HOLD/50", d.Action, d.Confidence)
	}
	if d.Metadata.FallbackTier != advisory.TierAllFailed {
		t.Errorf("tier = %s, want all_failed", d.Metadata.FallbackTier)
	}
	if len(d.Metadata.ProvidersUsed) != 0 || len(d.Metadata.ProvidersFailed) != 3 {
		t.Errorf("providers used/failed = %d/%d, want 0/3",
			len(d.Metadata.ProvidersUsed), len(d.Metadata.ProvidersFailed))
	}
}

func TestAggregateLadderDescendsOnStructuralError(t *testing.T) {
	results := map[string]*advisory.ProviderResult{
		"alpha":   okResult("alpha", advisory.ActionBuy, 80),
		"bravo":   okResult("bravo", advisory.ActionBuy, 60),
		"charlie": okResult("charlie", advisory.ActionSell, 90),
	}
	zeroWeights := map[string]float64{"alpha": 0, "bravo": 0, "charlie": 0}
	enabled := []string{"alpha", "bravo", "charlie"}
	g := NewAggregator(nil)

	for _, strategy := range []advisory.VotingStrategy{advisory.StrategyWeighted, advisory.StrategyStacking} {
		t.Run(string(strategy), func(t *testing.T) {
			d, err := g.Aggregate(AggregateInput{
				Results:   results,
				Weights:   zeroWeights,
				Enabled:   enabled,
				Strategy:  strategy,
				MinQuorum: 1,
			})
			if err != nil {
				t.Fatalf("Aggregate() error = %v", err)
			}
			if d.Metadata.FallbackTier != advisory.TierMajority {
				t.Errorf("tier = %s, want majority after weight failure", d.Metadata.FallbackTier)
			}
			if d.Metadata.AdjustedWeights != nil {
				t.Errorf("adjusted weights = %v, want nil", d.Metadata.AdjustedWeights)
			}
			if d.Action != advisory.ActionBuy {
				t.Errorf("action = %s, want BUY by plurality", d.Action)
			}
			if !strings.Contains(d.Reasoning, "fell back") {
				t.Errorf("reasoning %q does not mention the fallback", d.Reasoning)
			}
		})
	}
}

func TestAggregateTieBreaks(t *testing.T) {
	g := NewAggregator(nil)

	t.Run("prefer hold on equal mass", func(t *testing.T) {
		d, err := g.Aggregate(AggregateInput{
			Results: map[string]*advisory.ProviderResult{
				"alpha": okResult("alpha", advisory.ActionBuy, 60),
				"bravo": okResult("bravo", advisory.ActionHold, 60),
			},
			Weights:   map[string]float64{"alpha": 0.5, "bravo": 0.5},
			Enabled:   []string{"alpha", "bravo"},
			Strategy:  advisory.StrategyWeighted,
			MinQuorum: 1,
		})
		if err != nil {
			t.Fatalf("Aggregate() error = %v", err)
		}
		if d.Action != advisory.ActionHold {
			t.Errorf("action = %s, want HOLD on tie", d.Action)
		}
	})

	t.Run("alphabetical when hold absent", func(t *testing.T) {
		d, err := g.Aggregate(AggregateInput{
			Results: map[string]*advisory.ProviderResult{
				"alpha": okResult("alpha", advisory.ActionSell, 70),
				"bravo": okResult("bravo", advisory.ActionBuy, 70),
			},
			Weights:   map[string]float64{"alpha": 0.5, "bravo": 0.5},
			Enabled:   []string{"alpha", "bravo"},
			Strategy:  advisory.StrategyMajority,
			MinQuorum: 1,
		})
		if err != nil {
			t.Fatalf("Aggregate() error = %v", err)
		}
		if d.Action != advisory.ActionBuy {
			t.Errorf("action = %s, want BUY (alphabetically first)", d.Action)
		}
	})
}

func TestAggregateDeterministic(t *testing.T) {
	in := AggregateInput{
		Results: map[string]*advisory.ProviderResult{
			"alpha":   okResult("alpha", advisory.ActionBuy, 80),
			"bravo":   okResult("bravo", advisory.ActionSell, 75),
			"charlie": okResult("charlie", advisory.ActionBuy, 65),
			"delta":   failedResult("delta", advisory.StatusTimeout),
		},
		Weights:   map[string]float64{"alpha": 0.3, "bravo": 0.3, "charlie": 0.2, "delta": 0.2},
		Enabled:   []string{"alpha", "bravo", "charlie", "delta"},
		Strategy:  advisory.StrategyWeighted,
		MinQuorum: 1,
	}

	g := NewAggregator(nil)
	first, err := g.Aggregate(in)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := g.Aggregate(in)
		if err != nil {
			t.Fatalf("Aggregate() run %d error = %v", i, err)
		}
		if again.Action != first.Action || again.Confidence != first.Confidence || again.Reasoning != first.Reasoning {
			t.Fatalf("run %d diverged: %s/%d %q vs %s/%d %q", i,
				again.Action, again.Confidence, again.Reasoning,
				first.Action, first.Confidence, first.Reasoning)
		}
	}
}

func TestDegradeSpotValues(t *testing.T) {
	tests := []struct {
		raw, active, enabled, want int
	}{
		{80, 4, 4, 80},  // full coverage keeps raw
		{80, 1, 4, 62},  // round(80 * 0.775)
		{90, 2, 3, 81},  // round(90 * 0.9)
		{100, 4, 4, 100},
		{0, 1, 4, 0},
	}
	for _, tt := range tests {
		if got := degrade(tt.raw, tt.active, tt.enabled); got != tt.want {
			t.Errorf("degrade(%d, %d, %d) = %d, want %d",
				tt.raw, tt.active, tt.enabled, got, tt.want)
		}
	}
}

func TestSimpleAverageVote(t *testing.T) {
	active := map[string]*advisory.Recommendation{
		"alpha":   {Action: advisory.ActionBuy, Confidence: 80, Reasoning: "r"},
		"bravo":   {Action: advisory.ActionSell, Confidence: 80, Reasoning: "r"},
		"charlie": {Action: advisory.ActionHold, Confidence: 50, Reasoning: "r"},
	}

	res, err := simpleAverageVote(active, nil)
	if err != nil {
		t.Fatalf("simpleAverageVote() error = %v", err)
	}
	// alpha and bravo tie at 80; BUY outranks SELL in the tie order.
	if res.Action != advisory.ActionBuy {
		t.Errorf("action = %s, want BUY", res.Action)
	}
	if res.Confidence != 70 {
		t.Errorf("confidence = %d, want mean 70", res.Confidence)
	}
}

func TestSingleProviderVote(t *testing.T) {
	one := map[string]*advisory.Recommendation{
		"alpha": {Action: advisory.ActionSell, Confidence: 85, Reasoning: "r"},
	}
	res, err := singleProviderVote(one, nil)
	if err != nil {
		t.Fatalf("singleProviderVote() error = %v", err)
	}
	if res.Action != advisory.ActionSell || res.Confidence != 85 {
		t.Errorf("result = %s/%d, want SELL/85 unchanged", res.Action, res.Confidence)
	}

	two := map[string]*advisory.Recommendation{
		"alpha": {Action: advisory.ActionSell, Confidence: 85, Reasoning: "r"},
		"bravo": {Action: advisory.ActionBuy, Confidence: 60, Reasoning: "r"},
	}
	if _, err := singleProviderVote(two, nil); err == nil {
		t.Error("expected structural error with two active providers")
	}
}

func TestRunRungRecoversPanic(t *testing.T) {
	boom := rung{tier: advisory.TierWeighted, fn: func(map[string]*advisory.Recommendation, map[string]float64) (*rungResult, error) {
		panic("numeric explosion")
	}}
	res, err := runRung(boom, nil, nil)
	if err == nil || res != nil {
		t.Fatalf("runRung() = %v, %v; want nil result and error", res, err)
	}
	if !strings.Contains(err.Error(), "panic") {
		t.Errorf("error %q does not mention the panic", err)
	}
}

func TestConfidenceStaysInBounds(t *testing.T) {
	g := NewAggregator(nil)
	for _, conf := range []int{0, 1, 50, 99, 100} {
		d, err := g.Aggregate(AggregateInput{
			Results: map[string]*advisory.ProviderResult{
				"alpha": okResult("alpha", advisory.ActionBuy, conf),
			},
			Weights:   map[string]float64{"alpha": 1},
			Enabled:   []string{"alpha"},
			Strategy:  advisory.StrategyWeighted,
			MinQuorum: 1,
		})
		if err != nil {
			t.Fatalf("Aggregate() error = %v", err)
		}
		if d.Confidence < 0 || d.Confidence > 100 {
			t.Errorf("confidence %d out of [0,100]", d.Confidence)
		}
	}
}
