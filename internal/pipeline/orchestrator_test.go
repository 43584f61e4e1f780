package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/circuit"
)

// fakeAdvisor is an instrumented advisory source recording call windows.
type fakeAdvisor struct {
	name     string
	local    bool
	delay    time.Duration
	rec      *advisory.Recommendation
	err      error
	panicMsg string

	mu      sync.Mutex
	calls   int
	started []time.Time
	ended   []time.Time
}

func (f *fakeAdvisor) Name() string           { return f.name }
func (f *fakeAdvisor) IsLocal() bool          { return f.local }
func (f *fakeAdvisor) Timeout() time.Duration { return 0 }

func (f *fakeAdvisor) Advise(ctx context.Context, _ advisory.Query) (*advisory.Recommendation, error) {
	f.mu.Lock()
	f.calls++
	f.started = append(f.started, time.Now())
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.ended = append(f.ended, time.Now())
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.rec, f.err
}

func (f *fakeAdvisor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAdvisor) window() (start, end time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.started) > 0 {
		start = f.started[0]
	}
	if len(f.ended) > 0 {
		end = f.ended[0]
	}
	return start, end
}

func goodRec(action advisory.Action, confidence int) *advisory.Recommendation {
	return &advisory.Recommendation{Action: action, Confidence: confidence, Reasoning: "steady signal"}
}

func testOrchestrator(breakers *circuit.Registry) *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		LocalTimeout:       200 * time.Millisecond,
		RemoteTimeout:      100 * time.Millisecond,
		RemotePhaseTimeout: 300 * time.Millisecond,
	}, breakers, nil, nil, nil)
}

func TestCollectLocalProvidersRunSequentially(t *testing.T) {
	first := &fakeAdvisor{name: "local-a", local: true, delay: 30 * time.Millisecond, rec: goodRec(advisory.ActionBuy, 70)}
	second := &fakeAdvisor{name: "local-b", local: true, delay: 30 * time.Millisecond, rec: goodRec(advisory.ActionHold, 60)}

	results, err := testOrchestrator(nil).Collect(context.Background(),
		[]advisory.Advisor{first, second}, advisory.Query{Asset: "BTCUSDT"})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if results["local-a"].Status != advisory.StatusOK || results["local-b"].Status != advisory.StatusOK {
		t.Fatalf("statuses = %s/%s, want OK/OK", results["local-a"].Status, results["local-b"].Status)
	}

	_, firstEnd := first.window()
	secondStart, _ := second.window()
	if secondStart.Before(firstEnd) {
		t.Errorf("second local call started %v before the first ended", firstEnd.Sub(secondStart))
	}
}

func TestCollectRemoteProvidersRunConcurrently(t *testing.T) {
	advisors := []advisory.Advisor{
		&fakeAdvisor{name: "remote-a", delay: 60 * time.Millisecond, rec: goodRec(advisory.ActionBuy, 70)},
		&fakeAdvisor{name: "remote-b", delay: 60 * time.Millisecond, rec: goodRec(advisory.ActionSell, 65)},
		&fakeAdvisor{name: "remote-c", delay: 60 * time.Millisecond, rec: goodRec(advisory.ActionHold, 55)},
	}

	start := time.Now()
	results, err := testOrchestrator(nil).Collect(context.Background(), advisors, advisory.Query{Asset: "BTCUSDT"})
	took := time.Since(start)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	// Three 60ms calls in sequence would need 180ms.
	if took > 150*time.Millisecond {
		t.Errorf("remote phase took %v, want concurrent execution well under 150ms", took)
	}
}

func TestCollectRemotePhaseStartsAfterLocalPhase(t *testing.T) {
	local := &fakeAdvisor{name: "local", local: true, delay: 30 * time.Millisecond, rec: goodRec(advisory.ActionBuy, 70)}
	remote := &fakeAdvisor{name: "remote", delay: 5 * time.Millisecond, rec: goodRec(advisory.ActionHold, 60)}

	_, err := testOrchestrator(nil).Collect(context.Background(),
		[]advisory.Advisor{remote, local}, advisory.Query{Asset: "ETHUSDT"})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	_, localEnd := local.window()
	remoteStart, _ := remote.window()
	if remoteStart.Before(localEnd) {
		t.Errorf("remote call started %v before the local phase ended", localEnd.Sub(remoteStart))
	}
}

func TestCollectIsolatesFailures(t *testing.T) {
	advisors := []advisory.Advisor{
		&fakeAdvisor{name: "healthy", rec: goodRec(advisory.ActionBuy, 75)},
		&fakeAdvisor{name: "erroring", err: errors.New("model exploded")},
		&fakeAdvisor{name: "invalid", rec: &advisory.Recommendation{Action: "ACCUMULATE", Confidence: 70, Reasoning: "r"}},
		&fakeAdvisor{name: "slow", delay: 500 * time.Millisecond},
		&fakeAdvisor{name: "panicky", panicMsg: "index out of range"},
	}

	results, err := testOrchestrator(nil).Collect(context.Background(), advisors, advisory.Query{Asset: "BTCUSDT"})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	wantStatus := map[string]advisory.ProviderStatus{
		"healthy":  advisory.StatusOK,
		"erroring": advisory.StatusError,
		"invalid":  advisory.StatusInvalid,
		"slow":     advisory.StatusTimeout,
		"panicky":  advisory.StatusError,
	}
	for id, want := range wantStatus {
		res, ok := results[id]
		if !ok {
			t.Fatalf("no result for %s", id)
		}
		if res.Status != want {
			t.Errorf("%s status = %s, want %s (err %q)", id, res.Status, want, res.Err)
		}
	}
	if !strings.Contains(results["panicky"].Err, "panic") {
		t.Errorf("panic result err = %q, want panic mention", results["panicky"].Err)
	}
}

func TestCollectAllFailed(t *testing.T) {
	advisors := []advisory.Advisor{
		&fakeAdvisor{name: "a", err: errors.New("down")},
		&fakeAdvisor{name: "b", local: true, err: errors.New("down")},
	}

	results, err := testOrchestrator(nil).Collect(context.Background(), advisors, advisory.Query{Asset: "BTCUSDT"})
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("error = %v, want ErrAllProvidersFailed", err)
	}
	if len(results) != 2 {
		t.Errorf("result map has %d entries, want 2 alongside the error", len(results))
	}
}

func TestCollectOpenBreakerSkipsProvider(t *testing.T) {
	reg := circuit.NewRegistry(&circuit.Config{
		Enabled:          true,
		FailureThreshold: 1,
		CooldownSeconds:  60,
	})
	if err := reg.Get("provider:flaky").Execute(func() error { return errors.New("prime failure") }); err == nil {
		t.Fatal("priming call should fail")
	}

	flaky := &fakeAdvisor{name: "flaky", rec: goodRec(advisory.ActionBuy, 80)}
	healthy := &fakeAdvisor{name: "healthy", rec: goodRec(advisory.ActionHold, 60)}

	results, err := testOrchestrator(reg).Collect(context.Background(),
		[]advisory.Advisor{flaky, healthy}, advisory.Query{Asset: "BTCUSDT"})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if flaky.callCount() != 0 {
		t.Errorf("flaky advisor invoked %d times through an open breaker", flaky.callCount())
	}
	if results["flaky"].Status != advisory.StatusError {
		t.Errorf("flaky status = %s, want ERROR", results["flaky"].Status)
	}
	if !strings.Contains(results["flaky"].Err, "circuit breaker open") {
		t.Errorf("flaky err = %q, want circuit breaker open", results["flaky"].Err)
	}
	if results["healthy"].Status != advisory.StatusOK {
		t.Errorf("healthy status = %s, want OK", results["healthy"].Status)
	}
}

func TestCollectStartedLocalCallIsNotPreempted(t *testing.T) {
	first := &fakeAdvisor{name: "local-a", local: true, delay: 40 * time.Millisecond, rec: goodRec(advisory.ActionBuy, 70)}
	second := &fakeAdvisor{name: "local-b", local: true, rec: goodRec(advisory.ActionHold, 60)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	results, err := testOrchestrator(nil).Collect(ctx,
		[]advisory.Advisor{first, second}, advisory.Query{Asset: "BTCUSDT"})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	// The first call was already running when the context expired; it
	// finishes on its own budget.
	if results["local-a"].Status != advisory.StatusOK {
		t.Errorf("local-a status = %s (err %q), want OK", results["local-a"].Status, results["local-a"].Err)
	}
	// The second call had not started and must be recorded without being
	// invoked.
	if second.callCount() != 0 {
		t.Errorf("local-b invoked %d times after cancellation", second.callCount())
	}
	if results["local-b"].Status != advisory.StatusError {
		t.Errorf("local-b status = %s, want ERROR", results["local-b"].Status)
	}
	if !strings.Contains(results["local-b"].Err, "canceled before provider started") {
		t.Errorf("local-b err = %q, want cancellation note", results["local-b"].Err)
	}
}

func TestCollectTimeoutLatencyRecorded(t *testing.T) {
	slow := &fakeAdvisor{name: "slow", delay: 400 * time.Millisecond}

	results, err := testOrchestrator(nil).Collect(context.Background(),
		[]advisory.Advisor{slow, &fakeAdvisor{name: "ok", rec: goodRec(advisory.ActionHold, 55)}},
		advisory.Query{Asset: "BTCUSDT"})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	res := results["slow"]
	if res.Status != advisory.StatusTimeout {
		t.Fatalf("status = %s, want TIMEOUT", res.Status)
	}
	if res.Latency < 90*time.Millisecond {
		t.Errorf("timeout latency = %v, want at least the 100ms budget", res.Latency)
	}
}
