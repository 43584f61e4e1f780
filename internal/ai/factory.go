// Package ai assembles advisory sources from provider configuration.
package ai

import (
	"fmt"
	"os"
	"time"

	"finance-feedback-engine/config"
	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/ai/llm"
	"finance-feedback-engine/internal/ai/noop"
	"finance-feedback-engine/internal/ai/ollama"
	"finance-feedback-engine/internal/ai/sentiment"
	"finance-feedback-engine/internal/ai/technical"
	"finance-feedback-engine/internal/logging"
)

// Secrets resolves credential names to values. The Vault client implements
// it; a map-backed stub serves tests.
type Secrets interface {
	Get(name string) (string, bool)
}

// BuildAdvisors constructs one advisor per enabled provider config.
//
// A model provider whose key cannot be resolved is still built: the
// pipeline reports it as a failing source instead of silently shrinking
// the provider set, and the gap is logged here once at startup.
func BuildAdvisors(cfgs []config.ProviderConfig, secrets Secrets, log *logging.Logger) ([]advisory.Advisor, error) {
	if log == nil {
		log = logging.Default()
	}

	advisors := make([]advisory.Advisor, 0, len(cfgs))
	seen := make(map[string]bool)
	for _, p := range cfgs {
		if !p.Enabled {
			continue
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true

		a, err := buildAdvisor(p, secrets, log)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.ID, err)
		}
		advisors = append(advisors, a)
	}
	return advisors, nil
}

func buildAdvisor(p config.ProviderConfig, secrets Secrets, log *logging.Logger) (advisory.Advisor, error) {
	timeout := time.Duration(p.TimeoutSeconds) * time.Second

	switch p.Kind {
	case "claude", "openai", "deepseek":
		key := resolveKey(p, secrets)
		if key == "" {
			log.Warn("no API key resolved for model provider, calls will fail until configured",
				"provider", p.ID, "kind", p.Kind)
		}
		cfg := llm.DefaultClientConfig()
		cfg.Provider = llm.Provider(p.Kind)
		cfg.APIKey = key
		if p.Model != "" {
			cfg.Model = p.Model
		}
		if p.MaxTokens > 0 {
			cfg.MaxTokens = p.MaxTokens
		}
		if p.Temperature > 0 {
			cfg.Temperature = p.Temperature
		}
		return llm.NewAdvisor(p.ID, cfg, timeout), nil

	case "ollama":
		cfg := ollama.DefaultConfig()
		if p.Endpoint != "" {
			cfg.BaseURL = p.Endpoint
		}
		if p.Model != "" {
			cfg.Model = p.Model
		}
		if p.Temperature > 0 {
			cfg.Temperature = p.Temperature
		}
		return ollama.NewAdvisor(p.ID, cfg, timeout), nil

	case "sentiment":
		cfg := sentiment.DefaultConfig()
		if p.Endpoint != "" {
			cfg.Endpoint = p.Endpoint
		}
		return sentiment.NewAdvisor(p.ID, cfg, timeout), nil

	case "technical":
		return technical.NewAdvisor(p.ID, nil, timeout), nil

	case "noop":
		return noop.NewAdvisor(p.ID), nil

	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}

// resolveKey looks the provider key up in Vault first, then falls back to
// the configured environment variable.
func resolveKey(p config.ProviderConfig, secrets Secrets) string {
	if p.APIKeySecret != "" && secrets != nil {
		if v, ok := secrets.Get(p.APIKeySecret); ok && v != "" {
			return v
		}
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}
