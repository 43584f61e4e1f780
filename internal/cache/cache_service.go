// Package cache provides Redis-based caching for decisions and provider
// status with graceful degradation. When Redis is unavailable, operations
// return ErrCacheUnavailable and callers fall back to the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"finance-feedback-engine/config"
	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/logging"
)

var (
	// ErrCacheUnavailable is returned when Redis is not healthy.
	ErrCacheUnavailable = errors.New("cache unavailable: redis is not healthy")

	// ErrCacheMiss is returned when a key is absent.
	ErrCacheMiss = errors.New("cache miss")
)

// Key prefixes for different cache types.
const (
	PrefixLatestDecision = "advisory:decision:latest:%s" // per asset
	PrefixDecisionByID   = "advisory:decision:id:%s"
	PrefixProviderStatus = "advisory:providers:status"
)

// Default TTLs.
const (
	DefaultDecisionTTL       = 24 * time.Hour
	DefaultProviderStatusTTL = 30 * time.Second
)

// CacheService wraps a Redis client with an internal health gate. A run
// of failed operations marks the service unhealthy; a background ping
// restores it once Redis answers again.
type CacheService struct {
	client       *redis.Client
	config       config.RedisConfig
	log          *logging.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewCacheService connects to Redis. A failed initial ping is not an
// error; the service starts degraded and recovers on its own.
func NewCacheService(cfg config.RedisConfig, log *logging.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}
	if log == nil {
		log = logging.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := &CacheService{
		client:        client,
		config:        cfg,
		log:           log.WithComponent("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.log.Warn("initial redis connection failed, starting degraded", "error", err)
		return cs, nil
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	cs.log.Info("redis connected", "address", cfg.Address)
	return cs, nil
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.log.Warn("redis marked unhealthy", "failures", cs.failureCount)
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.log.Info("redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth schedules a background ping when unhealthy and the check
// interval has elapsed.
func (cs *CacheService) checkHealth() {
	cs.mu.RLock()
	shouldCheck := !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	cs.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

// Get retrieves a raw value. Misses return ErrCacheMiss.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	cs.checkHealth()

	if !cs.IsHealthy() {
		return "", ErrCacheUnavailable
	}

	result, err := cs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCacheMiss
		}
		cs.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	cs.recordSuccess()
	return result, nil
}

// Set stores a value with TTL. Non-string values are JSON-marshaled.
func (cs *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	cs.checkHealth()

	if !cs.IsHealthy() {
		return ErrCacheUnavailable
	}

	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(jsonData)
	}

	if err := cs.client.Set(ctx, key, data, ttl).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// Delete removes a key.
func (cs *CacheService) Delete(ctx context.Context, key string) error {
	cs.checkHealth()

	if !cs.IsHealthy() {
		return ErrCacheUnavailable
	}

	if err := cs.client.Del(ctx, key).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Ping checks Redis connectivity and updates the health gate.
func (cs *CacheService) Ping(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return err
	}
	cs.recordSuccess()
	return nil
}

// Stats reports cache health for the health endpoint.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.config.Address,
		PoolSize:     cs.config.PoolSize,
	}
}

// LatestDecisionKey generates the cache key for an asset's most recent
// decision.
func LatestDecisionKey(asset string) string {
	return fmt.Sprintf(PrefixLatestDecision, asset)
}

// DecisionKey generates the cache key for one decision by id.
func DecisionKey(id string) string {
	return fmt.Sprintf(PrefixDecisionByID, id)
}

// SetLatestDecision stores d under both its asset key and its id key.
func (cs *CacheService) SetLatestDecision(ctx context.Context, d *advisory.ConsensusDecision) error {
	if err := cs.Set(ctx, LatestDecisionKey(d.Asset), d, DefaultDecisionTTL); err != nil {
		return err
	}
	return cs.Set(ctx, DecisionKey(d.ID), d, DefaultDecisionTTL)
}

// GetLatestDecision returns the cached most recent decision for asset.
func (cs *CacheService) GetLatestDecision(ctx context.Context, asset string) (*advisory.ConsensusDecision, error) {
	var d advisory.ConsensusDecision
	if err := cs.GetJSON(ctx, LatestDecisionKey(asset), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SetProviderStatus stores a short-lived provider status snapshot for
// the API to serve without touching the pipeline.
func (cs *CacheService) SetProviderStatus(ctx context.Context, status interface{}) error {
	return cs.Set(ctx, PrefixProviderStatus, status, DefaultProviderStatusTTL)
}
