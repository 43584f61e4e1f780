package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"finance-feedback-engine/config"
	"finance-feedback-engine/internal/logging"
)

// degradedService builds a service marked unhealthy whose client points
// nowhere. Operations must short-circuit before touching the network.
func degradedService() *CacheService {
	return &CacheService{
		client:        redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}),
		config:        config.RedisConfig{Address: "127.0.0.1:1"},
		log:           logging.Default().WithComponent("cache"),
		healthy:       false,
		lastCheck:     time.Now(), // suppress the background ping
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}
}

func TestDegradedModeShortCircuits(t *testing.T) {
	cs := degradedService()
	ctx := context.Background()

	if _, err := cs.Get(ctx, "k"); !errors.Is(err, ErrCacheUnavailable) {
		t.Errorf("Get error = %v, want ErrCacheUnavailable", err)
	}
	if err := cs.Set(ctx, "k", "v", time.Minute); !errors.Is(err, ErrCacheUnavailable) {
		t.Errorf("Set error = %v, want ErrCacheUnavailable", err)
	}
	if err := cs.Delete(ctx, "k"); !errors.Is(err, ErrCacheUnavailable) {
		t.Errorf("Delete error = %v, want ErrCacheUnavailable", err)
	}
}

func TestFailureCountFlipsHealth(t *testing.T) {
	cs := degradedService()
	cs.healthy = true

	cs.recordFailure()
	cs.recordFailure()
	if !cs.IsHealthy() {
		t.Fatal("unhealthy before reaching max failures")
	}
	cs.recordFailure()
	if cs.IsHealthy() {
		t.Fatal("still healthy after max failures")
	}

	cs.recordSuccess()
	if !cs.IsHealthy() {
		t.Fatal("success did not restore health")
	}
	if got := cs.GetStats().FailureCount; got != 0 {
		t.Errorf("failure count after recovery = %d, want 0", got)
	}
}

func TestNewCacheServiceRequiresEnabled(t *testing.T) {
	if _, err := NewCacheService(config.RedisConfig{Enabled: false}, nil); err == nil {
		t.Fatal("disabled redis config accepted")
	}
}

func TestCacheKeys(t *testing.T) {
	if got := LatestDecisionKey("BTCUSDT"); got != "advisory:decision:latest:BTCUSDT" {
		t.Errorf("LatestDecisionKey = %q", got)
	}
	if got := DecisionKey("d-1"); got != "advisory:decision:id:d-1" {
		t.Errorf("DecisionKey = %q", got)
	}
}
