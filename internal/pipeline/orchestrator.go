// Package pipeline turns one advisory query into one consensus decision.
// It collects recommendations from every enabled provider, aggregates them
// under the configured voting strategy, and survives any subset of
// providers failing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/circuit"
	"finance-feedback-engine/internal/events"
	"finance-feedback-engine/internal/logging"
	"finance-feedback-engine/internal/metrics"
)

// ErrAllProvidersFailed reports that no provider produced a usable
// recommendation. Collect still returns the full result map alongside it
// so callers can report per-provider causes.
var ErrAllProvidersFailed = errors.New("all providers failed")

const (
	DefaultLocalTimeout       = 60 * time.Second
	DefaultRemoteTimeout      = 10 * time.Second
	DefaultRemotePhaseTimeout = 15 * time.Second
)

// OrchestratorConfig bounds the two collection phases.
type OrchestratorConfig struct {
	LocalTimeout       time.Duration // per local provider call
	RemoteTimeout      time.Duration // per remote provider call
	RemotePhaseTimeout time.Duration // the whole remote phase
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.LocalTimeout <= 0 {
		c.LocalTimeout = DefaultLocalTimeout
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = DefaultRemoteTimeout
	}
	if c.RemotePhaseTimeout <= 0 {
		c.RemotePhaseTimeout = DefaultRemotePhaseTimeout
	}
	return c
}

// Orchestrator fans a query out to the enabled providers and collects one
// terminal result per provider. Local providers share one inference engine
// and run strictly sequentially; remote providers run concurrently.
type Orchestrator struct {
	config   OrchestratorConfig
	breakers *circuit.Registry
	bus      *events.EventBus
	recorder *metrics.Recorder
	log      *logging.Logger
}

func NewOrchestrator(cfg OrchestratorConfig, breakers *circuit.Registry, bus *events.EventBus, recorder *metrics.Recorder, log *logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Default()
	}
	return &Orchestrator{
		config:   cfg.withDefaults(),
		breakers: breakers,
		bus:      bus,
		recorder: recorder,
		log:      log.WithComponent("orchestrator"),
	}
}

// Collect runs every advisor and returns one result per advisor, keyed by
// provider id. It waits for all invocations to reach a terminal state. The
// returned error is ErrAllProvidersFailed when no result is OK; the map is
// complete either way.
func (o *Orchestrator) Collect(ctx context.Context, advisors []advisory.Advisor, q advisory.Query) (map[string]*advisory.ProviderResult, error) {
	results := make(map[string]*advisory.ProviderResult, len(advisors))

	var locals, remotes []advisory.Advisor
	for _, a := range advisors {
		if a.IsLocal() {
			locals = append(locals, a)
		} else {
			remotes = append(remotes, a)
		}
	}

	// Local phase. One call at a time in configuration order; a started
	// call is never preempted, cancellation is only honored between calls.
	for _, a := range locals {
		if ctx.Err() != nil {
			results[a.Name()] = o.finish(o.skipped(a.Name()))
			continue
		}
		results[a.Name()] = o.finish(o.invoke(ctx, a, q, o.config.LocalTimeout, true))
	}

	// Remote phase. Concurrent under one shared deadline; caller
	// cancellation propagates into in-flight calls.
	if len(remotes) > 0 {
		phaseCtx, cancel := context.WithTimeout(ctx, o.config.RemotePhaseTimeout)
		defer cancel()

		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for _, a := range remotes {
			wg.Add(1)
			go func(a advisory.Advisor) {
				defer wg.Done()
				res := o.finish(o.invokeRemote(phaseCtx, a, q))
				mu.Lock()
				results[a.Name()] = res
				mu.Unlock()
			}(a)
		}
		wg.Wait()
	}

	for _, r := range results {
		if r.Status == advisory.StatusOK {
			return results, nil
		}
	}
	return results, fmt.Errorf("%w: 0 of %d providers returned a verdict", ErrAllProvidersFailed, len(advisors))
}

// invokeRemote wraps the call in the provider's circuit breaker. An open
// breaker becomes an immediate ERROR result without invoking the provider.
func (o *Orchestrator) invokeRemote(ctx context.Context, a advisory.Advisor, q advisory.Query) *advisory.ProviderResult {
	if ctx.Err() != nil {
		// Never started, and not the provider's fault; bypass the breaker.
		return o.skipped(a.Name())
	}
	if o.breakers == nil {
		return o.invoke(ctx, a, q, o.config.RemoteTimeout, false)
	}

	var res *advisory.ProviderResult
	err := o.breakers.Get("provider:" + a.Name()).Execute(func() error {
		res = o.invoke(ctx, a, q, o.config.RemoteTimeout, false)
		if res.Status != advisory.StatusOK {
			return errors.New(res.Err)
		}
		return nil
	})
	if res == nil {
		// The breaker refused the call.
		return &advisory.ProviderResult{
			ProviderID: a.Name(),
			Status:     advisory.StatusError,
			Err:        err.Error(),
		}
	}
	return res
}

// invoke runs one provider call under its timeout. Local calls are shielded
// from caller cancellation; only their own budget bounds them. The advisor
// goroutine may outlive a timeout, in which case its result is discarded.
func (o *Orchestrator) invoke(parent context.Context, a advisory.Advisor, q advisory.Query, timeout time.Duration, local bool) *advisory.ProviderResult {
	if t := a.Timeout(); t > 0 {
		timeout = t
	}

	base := parent
	if local {
		base = context.WithoutCancel(parent)
	}
	callCtx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	type outcome struct {
		rec *advisory.Recommendation
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		rec, err := a.Advise(callCtx, q)
		done <- outcome{rec: rec, err: err}
	}()

	select {
	case out := <-done:
		return o.judge(a.Name(), out.rec, out.err, time.Since(start))
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.Canceled) {
			return &advisory.ProviderResult{
				ProviderID: a.Name(),
				Status:     advisory.StatusError,
				Latency:    time.Since(start),
				Err:        "decision canceled mid-call",
			}
		}
		return &advisory.ProviderResult{
			ProviderID: a.Name(),
			Status:     advisory.StatusTimeout,
			Latency:    time.Since(start),
			Err:        fmt.Sprintf("no verdict before the %s deadline", timeout),
		}
	}
}

// judge classifies one finished call into a terminal result. An advisor
// that returns the deadline error itself lands on TIMEOUT, same as one the
// orchestrator had to abandon.
func (o *Orchestrator) judge(id string, rec *advisory.Recommendation, err error, latency time.Duration) *advisory.ProviderResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return &advisory.ProviderResult{
			ProviderID: id,
			Status:     advisory.StatusTimeout,
			Latency:    latency,
			Err:        err.Error(),
		}
	}
	if err != nil {
		return &advisory.ProviderResult{
			ProviderID: id,
			Status:     advisory.StatusError,
			Latency:    latency,
			Err:        err.Error(),
		}
	}
	if verr := rec.Validate(); verr != nil {
		return &advisory.ProviderResult{
			ProviderID: id,
			Status:     advisory.StatusInvalid,
			Latency:    latency,
			Err:        verr.Error(),
		}
	}
	return &advisory.ProviderResult{
		ProviderID:     id,
		Status:         advisory.StatusOK,
		Recommendation: rec,
		Latency:        latency,
	}
}

// skipped marks a provider that was never invoked because the decision
// context went away first.
func (o *Orchestrator) skipped(id string) *advisory.ProviderResult {
	return &advisory.ProviderResult{
		ProviderID: id,
		Status:     advisory.StatusError,
		Err:        "decision canceled before provider started",
	}
}

// finish logs, publishes, and records one terminal result.
func (o *Orchestrator) finish(res *advisory.ProviderResult) *advisory.ProviderResult {
	switch res.Status {
	case advisory.StatusOK:
		o.log.Debug("provider verdict collected",
			"provider", res.ProviderID,
			"action", string(res.Recommendation.Action),
			"confidence", res.Recommendation.Confidence,
			"latency_ms", res.Latency.Milliseconds())
	default:
		o.log.Warn("provider did not produce a verdict",
			"provider", res.ProviderID,
			"status", string(res.Status),
			"reason", res.Err,
			"latency_ms", res.Latency.Milliseconds())
	}

	if o.bus != nil {
		o.bus.PublishProviderResult(res.ProviderID, string(res.Status), res.Latency, res.Err)
	}
	events.BroadcastProviderResult(res.ProviderID, res)
	if o.recorder != nil {
		o.recorder.RecordProviderRequest(res.ProviderID, string(res.Status))
		if res.Latency > 0 {
			o.recorder.RecordProviderLatency(res.ProviderID, res.Latency)
		}
	}
	return res
}
