package pipeline

import (
	"fmt"
	"math"
	"sort"

	"finance-feedback-engine/internal/advisory"
)

// rungResult is one voting outcome before degradation is applied.
type rungResult struct {
	Action     advisory.Action
	Confidence int      // raw consensus confidence
	Voters     []string // providers behind the winning action, sorted
}

// rungFunc is one voting procedure over the active recommendations. A rung
// returns an error only when its structural preconditions do not hold; the
// ladder then descends to the next rung. adjusted is nil when the original
// weights could not be renormalized.
type rungFunc func(active map[string]*advisory.Recommendation, adjusted map[string]float64) (*rungResult, error)

type rung struct {
	tier advisory.FallbackTier
	fn   rungFunc
}

// ladderFor returns the fallback ladder for a strategy, most specific
// rung first.
func ladderFor(strategy advisory.VotingStrategy) []rung {
	switch strategy {
	case advisory.StrategyMajority:
		return []rung{
			{advisory.TierMajority, majorityVote},
			{advisory.TierSimpleAverage, simpleAverageVote},
			{advisory.TierSingleProvider, singleProviderVote},
		}
	case advisory.StrategyStacking:
		return []rung{
			{advisory.TierStacking, stackingVote},
			{advisory.TierMajority, majorityVote},
			{advisory.TierSimpleAverage, simpleAverageVote},
			{advisory.TierSingleProvider, singleProviderVote},
		}
	default:
		return []rung{
			{advisory.TierWeighted, weightedVote},
			{advisory.TierMajority, majorityVote},
			{advisory.TierSimpleAverage, simpleAverageVote},
			{advisory.TierSingleProvider, singleProviderVote},
		}
	}
}

// runRung evaluates one rung, converting a panic into a structural error so
// a defective rung degrades instead of killing the decision.
func runRung(r rung, active map[string]*advisory.Recommendation, adjusted map[string]float64) (res *rungResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = fmt.Errorf("%s rung panic: %v", r.tier, rec)
		}
	}()
	return r.fn(active, adjusted)
}

// weightedVote scores each action by the adjusted-weight-times-confidence
// mass behind it. The winning score doubles as the raw confidence: with
// adjusted weights summing to 1 it already lives on the 0..100 scale.
func weightedVote(active map[string]*advisory.Recommendation, adjusted map[string]float64) (*rungResult, error) {
	if adjusted == nil {
		return nil, fmt.Errorf("no usable weights for weighted vote")
	}

	scores := make(map[advisory.Action]float64)
	for id, rec := range active {
		scores[rec.Action] += adjusted[id] * float64(rec.Confidence)
	}

	winner := pickAction(scores)
	return &rungResult{
		Action:     winner,
		Confidence: roundConfidence(scores[winner]),
		Voters:     votersFor(active, winner),
	}, nil
}

// majorityVote is a plurality on actions, ignoring weight and confidence.
// Raw confidence is the mean confidence among the winning action's voters.
func majorityVote(active map[string]*advisory.Recommendation, _ map[string]float64) (*rungResult, error) {
	if len(active) == 0 {
		return nil, fmt.Errorf("no active providers for majority vote")
	}

	counts := make(map[advisory.Action]float64)
	for _, rec := range active {
		counts[rec.Action]++
	}

	winner := pickAction(counts)
	voters := votersFor(active, winner)
	sum := 0
	for _, id := range voters {
		sum += active[id].Confidence
	}
	return &rungResult{
		Action:     winner,
		Confidence: roundConfidence(float64(sum) / float64(len(voters))),
		Voters:     voters,
	}, nil
}

// stackingVote takes the majority action, then derives confidence as the
// adjusted-weighted mean over that action's voters.
func stackingVote(active map[string]*advisory.Recommendation, adjusted map[string]float64) (*rungResult, error) {
	if adjusted == nil {
		return nil, fmt.Errorf("no usable weights for stacking vote")
	}

	majority, err := majorityVote(active, nil)
	if err != nil {
		return nil, err
	}

	var weightSum, confSum float64
	for _, id := range majority.Voters {
		weightSum += adjusted[id]
		confSum += adjusted[id] * float64(active[id].Confidence)
	}
	if weightSum <= 0 {
		return nil, fmt.Errorf("winning action carries no weight in stacking vote")
	}
	return &rungResult{
		Action:     majority.Action,
		Confidence: roundConfidence(confSum / weightSum),
		Voters:     majority.Voters,
	}, nil
}

// simpleAverageVote follows the single most confident provider for the
// action and averages every active confidence for the score.
func simpleAverageVote(active map[string]*advisory.Recommendation, _ map[string]float64) (*rungResult, error) {
	if len(active) == 0 {
		return nil, fmt.Errorf("no active providers for simple average")
	}

	leader := ""
	sum := 0
	for _, id := range sortedIDs(active) {
		rec := active[id]
		sum += rec.Confidence
		if leader == "" || beats(rec, active[leader]) {
			leader = id
		}
	}
	return &rungResult{
		Action:     active[leader].Action,
		Confidence: roundConfidence(float64(sum) / float64(len(active))),
		Voters:     votersFor(active, active[leader].Action),
	}, nil
}

// singleProviderVote passes the sole active recommendation through. It is
// only structurally valid with exactly one active provider.
func singleProviderVote(active map[string]*advisory.Recommendation, _ map[string]float64) (*rungResult, error) {
	if len(active) != 1 {
		return nil, fmt.Errorf("single provider rung needs exactly one active provider, have %d", len(active))
	}
	for id, rec := range active {
		return &rungResult{
			Action:     rec.Action,
			Confidence: rec.Confidence,
			Voters:     []string{id},
		}, nil
	}
	return nil, fmt.Errorf("unreachable")
}

// beats reports whether a should lead over b when hunting the most
// confident provider. Ties prefer HOLD, then the alphabetically first
// action; iteration order over sorted ids settles the rest.
func beats(a, b *advisory.Recommendation) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return actionRank(a.Action) < actionRank(b.Action)
}

// pickAction takes the highest-scoring action, preferring HOLD and then
// alphabetical order on exact ties.
func pickAction(scores map[advisory.Action]float64) advisory.Action {
	var winner advisory.Action
	best := math.Inf(-1)
	for _, action := range []advisory.Action{advisory.ActionHold, advisory.ActionBuy, advisory.ActionSell} {
		score, ok := scores[action]
		if !ok {
			continue
		}
		if score > best {
			best = score
			winner = action
		}
	}
	return winner
}

// actionRank orders actions for tie-breaking: HOLD first, the rest
// alphabetical.
func actionRank(a advisory.Action) int {
	switch a {
	case advisory.ActionHold:
		return 0
	case advisory.ActionBuy:
		return 1
	default:
		return 2
	}
}

func votersFor(active map[string]*advisory.Recommendation, action advisory.Action) []string {
	voters := make([]string, 0, len(active))
	for id, rec := range active {
		if rec.Action == action {
			voters = append(voters, id)
		}
	}
	sort.Strings(voters)
	return voters
}

func sortedIDs(active map[string]*advisory.Recommendation) []string {
	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func roundConfidence(v float64) int {
	c := int(math.Round(v))
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
