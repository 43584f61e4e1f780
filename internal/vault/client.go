// Package vault loads provider API keys from HashiCorp Vault's KV v2
// engine. With Vault disabled the client degrades to an in-memory store
// so local development needs no Vault at all.
package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"

	"finance-feedback-engine/config"
	"finance-feedback-engine/internal/logging"
)

// placeholderPrefixes mark values copied from sample configs that were
// never replaced with real credentials.
var placeholderPrefixes = []string{"YOUR_", "changeme"}

// Client wraps the HashiCorp Vault client with a local cache. All
// provider keys live under one KV v2 secret; fields are keyed by secret
// name, e.g. "anthropic_api_key".
type Client struct {
	client *api.Client
	config config.VaultConfig
	log    *logging.Logger
	mu     sync.RWMutex
	cache  map[string]string
}

// NewClient creates a Vault client. A disabled config returns a client
// backed only by the local cache.
func NewClient(cfg config.VaultConfig, log *logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("vault")

	if !cfg.Enabled {
		return &Client{config: cfg, log: log, cache: make(map[string]string)}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg, log: log, cache: make(map[string]string)}, nil
}

// Load reads the secret bundle into the cache. Placeholder values are
// skipped with a warning rather than handed to providers.
func (c *Client) Load(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		c.log.Warn("no secrets found in vault", "path", c.secretPath())
		return nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("invalid secret format at %s", c.secretPath())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := 0
	for name, raw := range data {
		value, ok := raw.(string)
		if !ok || value == "" {
			continue
		}
		if isPlaceholder(value) {
			c.log.Warn("skipping placeholder secret", "name", name)
			continue
		}
		c.cache[name] = value
		loaded++
	}
	c.log.Info("secrets loaded from vault", "count", loaded)
	return nil
}

// Get returns the named secret from cache. It satisfies the secrets
// source the advisor factory consumes.
func (c *Client) Get(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.cache[name]
	return value, ok
}

// Store writes one secret. Vault receives the whole merged bundle since
// KV v2 writes replace the secret atomically.
func (c *Client) Store(ctx context.Context, name, value string) error {
	if isPlaceholder(value) {
		return fmt.Errorf("refusing to store placeholder value for %s", name)
	}

	c.mu.Lock()
	c.cache[name] = value
	merged := make(map[string]interface{}, len(c.cache))
	for k, v := range c.cache {
		merged[k] = v
	}
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	_, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), map[string]interface{}{
		"data": merged,
	})
	if err != nil {
		return fmt.Errorf("failed to store secret in vault: %w", err)
	}
	return nil
}

// Delete removes one secret from the cache and rewrites the bundle.
func (c *Client) Delete(ctx context.Context, name string) error {
	c.mu.Lock()
	delete(c.cache, name)
	merged := make(map[string]interface{}, len(c.cache))
	for k, v := range c.cache {
		merged[k] = v
	}
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	_, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), map[string]interface{}{
		"data": merged,
	})
	if err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}
	return nil
}

// Names returns the cached secret names in no particular order. Values
// are never exposed in bulk.
func (c *Client) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.cache))
	for name := range c.cache {
		names = append(names, name)
	}
	return names
}

// IsEnabled returns whether Vault is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// secretPath returns the KV v2 data path for the secret bundle.
func (c *Client) secretPath() string {
	mount := c.config.MountPath
	if mount == "" {
		mount = "secret"
	}
	return fmt.Sprintf("%s/data/%s", mount, c.config.SecretPath)
}

func isPlaceholder(value string) bool {
	for _, prefix := range placeholderPrefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
