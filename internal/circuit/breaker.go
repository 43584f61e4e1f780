package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"finance-feedback-engine/internal/events"
)

// ErrOpen is returned when a call is rejected because the breaker is open.
// Callers distinguish it from an attempted-and-failed downstream call with
// errors.Is.
var ErrOpen = errors.New("circuit breaker open")

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Calls rejected
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled            bool    `json:"enabled"`
	FailureThreshold   int     `json:"failure_threshold"`    // Consecutive failures before opening
	CooldownSeconds    int     `json:"cooldown_seconds"`     // Wait before allowing a trial call
	BackoffEnabled     bool    `json:"backoff_enabled"`      // Extend cooldown on failed trials
	BackoffFactor      float64 `json:"backoff_factor"`       // Cooldown multiplier per failed trial
	MaxCooldownSeconds int     `json:"max_cooldown_seconds"` // Cap for extended cooldowns
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:            true,
		FailureThreshold:   5,
		CooldownSeconds:    60,
		BackoffEnabled:     false,
		BackoffFactor:      2.0,
		MaxCooldownSeconds: 600,
	}
}

// Breaker protects one downstream call site. It never inspects call
// payloads, only success or failure of the wrapped function.
type Breaker struct {
	name                string
	config              *Config
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration // current cooldown, extended by backoff
	tripReason          string
	trips               int
	trialInFlight       bool
	mu                  sync.RWMutex
	onStateChange       func(name string, state BreakerState, reason string)
}

// NewBreaker creates a breaker for the named call site.
func NewBreaker(name string, config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = 60
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.MaxCooldownSeconds < cfg.CooldownSeconds {
		cfg.MaxCooldownSeconds = cfg.CooldownSeconds * 10
	}

	return &Breaker{
		name:     name,
		config:   &cfg,
		state:    StateClosed,
		cooldown: time.Duration(cfg.CooldownSeconds) * time.Second,
	}
}

// OnStateChange sets a callback invoked on every state transition.
func (b *Breaker) OnStateChange(handler func(name string, state BreakerState, reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = handler
}

// Name returns the protected call site name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn under the breaker. While open it fails fast with ErrOpen
// and fn is not invoked. After the cooldown exactly one trial call passes;
// its success closes the breaker, its failure reopens it.
func (b *Breaker) Execute(fn func() error) error {
	if !b.config.Enabled {
		return fn()
	}
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// allow admits or rejects a call, claiming the half-open trial slot when
// the cooldown has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := time.Since(b.openedAt)
		if elapsed < b.cooldown {
			remaining := b.cooldown - elapsed
			return fmt.Errorf("%w: %s cooling down for %v (reason: %s)",
				ErrOpen, b.name, remaining.Round(time.Second), b.tripReason)
		}
		b.transition(StateHalfOpen, "cooldown elapsed")
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return fmt.Errorf("%w: %s trial call already in flight", ErrOpen, b.name)
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// record applies the outcome of an admitted call.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasTrial := b.state == StateHalfOpen
	if wasTrial {
		b.trialInFlight = false
	}

	if err != nil {
		b.consecutiveFailures++
		if wasTrial {
			if b.config.BackoffEnabled {
				b.extendCooldown()
			}
			b.trip(fmt.Sprintf("trial call failed: %v", err))
			return
		}
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.cooldown = b.baseCooldown()
			b.trip(fmt.Sprintf("consecutive failures: %d", b.consecutiveFailures))
		}
		return
	}

	b.consecutiveFailures = 0
	if wasTrial {
		b.cooldown = b.baseCooldown()
		b.transition(StateClosed, "trial call succeeded")
	}
}

// trip opens the breaker. Caller holds the lock.
func (b *Breaker) trip(reason string) {
	b.openedAt = time.Now()
	b.tripReason = reason
	b.trips++
	b.transition(StateOpen, reason)
}

// transition changes state and notifies listeners. Caller holds the lock.
func (b *Breaker) transition(state BreakerState, reason string) {
	if b.state == state {
		return
	}
	b.state = state

	if b.onStateChange != nil {
		go b.onStateChange(b.name, state, reason)
	}

	events.BroadcastCircuitBreaker(b.name, map[string]interface{}{
		"state":                string(state),
		"reason":               reason,
		"consecutive_failures": b.consecutiveFailures,
		"trips":                b.trips,
		"cooldown":             b.cooldown.String(),
	})
}

func (b *Breaker) baseCooldown() time.Duration {
	return time.Duration(b.config.CooldownSeconds) * time.Second
}

// extendCooldown lengthens the cooldown after a failed trial, capped at the
// configured maximum. Caller holds the lock.
func (b *Breaker) extendCooldown() {
	extended := time.Duration(float64(b.cooldown) * b.config.BackoffFactor)
	max := time.Duration(b.config.MaxCooldownSeconds) * time.Second
	if extended > max {
		extended = max
	}
	b.cooldown = extended
}

// ForceReset manually closes the breaker. This is the only reset available
// from outside the breaker's own transition logic and is reserved for
// administrative action.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.tripReason = ""
	b.trialInFlight = false
	b.cooldown = b.baseCooldown()
	b.transition(StateClosed, "manual reset")
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats returns current statistics
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"name":                 b.name,
		"state":                string(b.state),
		"consecutive_failures": b.consecutiveFailures,
		"trips":                b.trips,
		"trip_reason":          b.tripReason,
		"opened_at":            b.openedAt,
		"cooldown_seconds":     int(b.cooldown / time.Second),
	}
}

// IsEnabled returns whether the breaker is enabled.
func (b *Breaker) IsEnabled() bool {
	return b.config.Enabled
}
