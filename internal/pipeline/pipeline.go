package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"finance-feedback-engine/config"
	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/circuit"
	"finance-feedback-engine/internal/events"
	"finance-feedback-engine/internal/logging"
	"finance-feedback-engine/internal/metrics"
	"finance-feedback-engine/internal/trace"
)

// DecisionStore persists finished decisions.
type DecisionStore interface {
	SaveDecision(ctx context.Context, d *advisory.ConsensusDecision) error
}

// DecisionCache keeps the latest decision per asset for cheap reads.
type DecisionCache interface {
	SetLatestDecision(ctx context.Context, d *advisory.ConsensusDecision) error
}

// DecisionStream publishes finished decisions to an external stream.
type DecisionStream interface {
	PublishDecision(ctx context.Context, d *advisory.ConsensusDecision) error
}

// Executor places an order for an actionable decision on some platform.
type Executor interface {
	Execute(ctx context.Context, d *advisory.ConsensusDecision) error
	Platform() string
}

// Deps bundles the pipeline's collaborators. Everything here is optional;
// a nil collaborator simply disables that side effect.
type Deps struct {
	Breakers *circuit.Registry
	Bus      *events.EventBus
	Recorder *metrics.Recorder
	Store    DecisionStore
	Cache    DecisionCache
	Stream   DecisionStream
	Executor Executor
	Log      *logging.Logger
}

// Request is one decision invocation. Zero fields fall back to the
// configured defaults.
type Request struct {
	Query     advisory.Query
	Providers []string                // subset of configured providers; empty = all
	Weights   map[string]float64      // weight override; nil = configured weights
	Strategy  advisory.VotingStrategy // "" = configured default
	MinQuorum int                     // 0 = configured default
}

// Pipeline produces consensus decisions. One instance serves concurrent
// callers; a bounded slot pool caps decisions in flight.
type Pipeline struct {
	advisors []advisory.Advisor
	index    map[string]advisory.Advisor
	order    []string // configuration order of provider ids

	weights       map[string]float64
	strategy      advisory.VotingStrategy
	minQuorum     int
	execMinConf   int
	execEnabled   bool
	slots         chan struct{}
	orchestrator  *Orchestrator
	aggregator    *Aggregator
	breakers      *circuit.Registry
	bus           *events.EventBus
	recorder      *metrics.Recorder
	store         DecisionStore
	cache         DecisionCache
	stream        DecisionStream
	executor      Executor
	log           *logging.Logger
}

// New builds a pipeline over the advisor set. Configured defaults are
// validated here so a bad deployment fails at startup, not on the first
// request.
func New(cfg *config.Config, advisors []advisory.Advisor, deps Deps) (*Pipeline, error) {
	log := deps.Log
	if log == nil {
		log = logging.Default()
	}

	p := &Pipeline{
		advisors:    advisors,
		index:       make(map[string]advisory.Advisor, len(advisors)),
		order:       make([]string, 0, len(advisors)),
		weights:     make(map[string]float64, len(advisors)),
		strategy:    advisory.VotingStrategy(cfg.AdvisoryConfig.DefaultStrategy),
		minQuorum:   cfg.AdvisoryConfig.MinQuorum,
		execMinConf: cfg.ExecutionConfig.MinConfidence,
		execEnabled: cfg.ExecutionConfig.Enabled,
		slots:       make(chan struct{}, maxConcurrent(cfg.AdvisoryConfig.MaxConcurrentDecisions)),
		breakers:    deps.Breakers,
		bus:         deps.Bus,
		recorder:    deps.Recorder,
		store:       deps.Store,
		cache:       deps.Cache,
		stream:      deps.Stream,
		executor:    deps.Executor,
		log:         log.WithComponent("pipeline"),
	}

	for _, a := range advisors {
		if _, dup := p.index[a.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", a.Name())
		}
		p.index[a.Name()] = a
		p.order = append(p.order, a.Name())
	}
	for _, pc := range cfg.AdvisoryConfig.Providers {
		if _, ok := p.index[pc.ID]; ok {
			p.weights[pc.ID] = pc.Weight
		}
	}

	if _, err := p.resolve(Request{Query: advisory.Query{Asset: "startup-check"}}); err != nil {
		return nil, fmt.Errorf("invalid pipeline defaults: %w", err)
	}

	p.orchestrator = NewOrchestrator(OrchestratorConfig{
		LocalTimeout:       time.Duration(cfg.AdvisoryConfig.LocalTimeoutSecs) * time.Second,
		RemoteTimeout:      time.Duration(cfg.AdvisoryConfig.RemoteTimeoutSecs) * time.Second,
		RemotePhaseTimeout: time.Duration(cfg.AdvisoryConfig.RemotePhaseTimeoutSecs) * time.Second,
	}, deps.Breakers, deps.Bus, deps.Recorder, log)
	p.aggregator = NewAggregator(log)

	return p, nil
}

func maxConcurrent(n int) int {
	if n <= 0 {
		return 4
	}
	return n
}

// resolved is one request after defaults and validation.
type resolved struct {
	advisors  []advisory.Advisor
	enabled   []string
	weights   map[string]float64
	strategy  advisory.VotingStrategy
	minQuorum int
}

// resolve applies configured defaults to a request and validates the
// combination.
func (p *Pipeline) resolve(req Request) (*resolved, error) {
	if req.Query.Asset == "" {
		return nil, fmt.Errorf("query asset is required")
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = p.strategy
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown voting strategy %q", strategy)
	}

	selected := make(map[string]bool, len(p.order))
	if len(req.Providers) == 0 {
		for _, id := range p.order {
			selected[id] = true
		}
	} else {
		for _, id := range req.Providers {
			if _, ok := p.index[id]; !ok {
				return nil, fmt.Errorf("unknown provider id %q", id)
			}
			selected[id] = true
		}
	}

	// Configuration order decides local sequencing, whatever order the
	// request listed providers in.
	r := &resolved{strategy: strategy, weights: make(map[string]float64, len(selected))}
	for _, id := range p.order {
		if !selected[id] {
			continue
		}
		r.advisors = append(r.advisors, p.index[id])
		r.enabled = append(r.enabled, id)
		r.weights[id] = p.weights[id]
	}

	if req.Weights != nil {
		for id, w := range req.Weights {
			if !selected[id] {
				return nil, fmt.Errorf("weight for unknown provider id %q", id)
			}
			if math.IsNaN(w) || math.IsInf(w, 0) {
				return nil, fmt.Errorf("weight for provider %q must be finite", id)
			}
			if w < 0 {
				return nil, fmt.Errorf("weight for provider %q must be non-negative", id)
			}
		}
		for id := range r.weights {
			r.weights[id] = req.Weights[id]
		}
	}

	r.minQuorum = req.MinQuorum
	if r.minQuorum == 0 {
		r.minQuorum = p.minQuorum
	}
	if r.minQuorum < 1 {
		return nil, fmt.Errorf("min_quorum must be at least 1")
	}
	if r.minQuorum > len(r.enabled) {
		return nil, fmt.Errorf("min_quorum %d exceeds selected provider count %d",
			r.minQuorum, len(r.enabled))
	}

	return r, nil
}

// Decide produces one consensus decision for the request. A systemic
// all-providers-failed condition still returns a decision (the rule-based
// hold) with a nil error; a quorum failure returns the error unmasked.
func (p *Pipeline) Decide(ctx context.Context, req Request) (*advisory.ConsensusDecision, error) {
	select {
	case p.slots <- struct{}{}:
		defer func() { <-p.slots }()
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for decision slot: %w", ctx.Err())
	}

	r, err := p.resolve(req)
	if err != nil {
		return nil, err
	}

	ctx, log := logging.WithTraceContext(ctx)
	log = log.WithComponent("pipeline").WithField("asset", req.Query.Asset)

	ctx, span := trace.StartSpan(ctx, "pipeline.decide", oteltrace.WithAttributes(
		attribute.String("advisory.asset", req.Query.Asset),
		attribute.String("advisory.strategy", string(r.strategy)),
		attribute.Int("advisory.providers", len(r.enabled)),
	))
	defer span.End()
	if traceID, spanID, ok := trace.GetTraceFields(ctx); ok {
		log = log.WithFields(map[string]interface{}{"otel_trace_id": traceID, "otel_span_id": spanID})
	}

	start := time.Now()
	results, collectErr := p.orchestrator.Collect(ctx, r.advisors, req.Query)

	decision, err := p.aggregator.Aggregate(AggregateInput{
		Results:   results,
		Weights:   r.weights,
		Enabled:   r.enabled,
		Strategy:  r.strategy,
		MinQuorum: r.minQuorum,
	})
	if err != nil {
		var quorumErr *InsufficientProvidersError
		if errors.As(err, &quorumErr) {
			log.Error("quorum not met, decision refused",
				"active", quorumErr.Active,
				"required", quorumErr.Required,
				"failed", quorumErr.Failed)
			if p.recorder != nil {
				p.recorder.RecordQuorumFailure()
			}
			if p.bus != nil {
				p.bus.PublishQuorumFailed(req.Query.Asset, quorumErr.Active, quorumErr.Required)
			}
		}
		return nil, err
	}

	decision.ID = uuid.NewString()
	decision.Asset = req.Query.Asset
	decision.CreatedAt = time.Now().UTC()

	if collectErr != nil {
		log.Error("no provider produced a verdict, returning rule-based hold",
			"decision_id", decision.ID, "providers", len(r.enabled))
		if p.recorder != nil {
			p.recorder.RecordAllProvidersFailed()
		}
		if p.bus != nil {
			p.bus.PublishAllProvidersFailed(req.Query.Asset, r.enabled)
		}
	}

	p.finishDecision(ctx, log, decision, time.Since(start))
	p.maybeExecute(ctx, log, decision)

	return decision, nil
}

// finishDecision records, publishes, persists, caches and streams a
// decision. None of these may fail the decision; problems are logged and
// surfaced as error events only.
func (p *Pipeline) finishDecision(ctx context.Context, log *logging.Logger, d *advisory.ConsensusDecision, took time.Duration) {
	log.Info("consensus decision made",
		"decision_id", d.ID,
		"action", string(d.Action),
		"confidence", d.Confidence,
		"strategy", string(d.Metadata.Strategy),
		"tier", string(d.Metadata.FallbackTier),
		"providers_used", len(d.Metadata.ProvidersUsed),
		"providers_failed", len(d.Metadata.ProvidersFailed),
		"took_ms", took.Milliseconds())

	if p.recorder != nil {
		p.recorder.RecordDecision(string(d.Metadata.Strategy), string(d.Action), string(d.Metadata.FallbackTier))
		p.recorder.RecordDecideDuration(string(d.Metadata.Strategy), took)
	}
	if p.bus != nil {
		p.bus.PublishDecision(d.ID, d.Asset, string(d.Action), d.Confidence, string(d.Metadata.FallbackTier))
	}
	events.BroadcastDecision(d.Asset, d)
	if p.store != nil {
		if err := p.store.SaveDecision(ctx, d); err != nil {
			log.Error("failed to persist decision", "decision_id", d.ID, "error", err)
			if p.bus != nil {
				p.bus.PublishError("pipeline", "decision persist failed", err)
			}
		}
	}
	if p.cache != nil {
		if err := p.cache.SetLatestDecision(ctx, d); err != nil {
			log.Warn("failed to cache latest decision", "decision_id", d.ID, "error", err)
		}
	}
	if p.stream != nil {
		if err := p.stream.PublishDecision(ctx, d); err != nil {
			log.Warn("failed to stream decision", "decision_id", d.ID, "error", err)
		}
	}
}

// maybeExecute runs the execution stage. HOLD and low-confidence decisions
// are skipped; everything that goes wrong here is reported but never
// alters the decision already made.
func (p *Pipeline) maybeExecute(ctx context.Context, log *logging.Logger, d *advisory.ConsensusDecision) {
	if p.executor == nil || !p.execEnabled {
		return
	}
	if d.Action == advisory.ActionHold {
		return
	}
	if d.Confidence < p.execMinConf {
		log.Info("skipping execution below confidence floor",
			"decision_id", d.ID, "confidence", d.Confidence, "floor", p.execMinConf)
		return
	}

	platform := p.executor.Platform()
	run := func() error { return p.executor.Execute(ctx, d) }

	var err error
	if p.breakers != nil {
		err = p.breakers.Get("execution:" + platform).Execute(run)
	} else {
		err = run()
	}

	status := "executed"
	if err != nil {
		status = "failed"
		log.Error("execution stage failed",
			"decision_id", d.ID, "platform", platform, "error", err)
	}
	if p.recorder != nil {
		p.recorder.RecordExecution(platform, status)
	}
	if p.bus != nil {
		p.bus.PublishExecutionResult(platform, d.Asset, string(d.Action), status, err)
	}
}

// Providers reports the configured provider set with weight and locality,
// for the API surface.
func (p *Pipeline) Providers() []ProviderInfo {
	infos := make([]ProviderInfo, 0, len(p.order))
	for _, id := range p.order {
		a := p.index[id]
		info := ProviderInfo{
			ID:     id,
			Local:  a.IsLocal(),
			Weight: p.weights[id],
		}
		if p.breakers != nil {
			if br, ok := p.breakers.Lookup("provider:" + id); ok {
				info.BreakerState = string(br.State())
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// ProviderInfo is one provider's configuration snapshot.
type ProviderInfo struct {
	ID           string  `json:"id"`
	Local        bool    `json:"local"`
	Weight       float64 `json:"weight"`
	BreakerState string  `json:"breaker_state,omitempty"`
}
