package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	ServerConfig         ServerConfig         `json:"server"`
	AuthConfig           AuthConfig           `json:"auth"`
	VaultConfig          VaultConfig          `json:"vault"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
	RedisConfig          RedisConfig          `json:"redis"`
	KafkaConfig          KafkaConfig          `json:"kafka"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	TracingConfig        TracingConfig        `json:"tracing"`
	AdvisoryConfig       AdvisoryConfig       `json:"advisory"`
	ExecutionConfig      ExecutionConfig      `json:"execution"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	NotificationConfig   NotificationConfig   `json:"notifications"`
}

// AdvisoryConfig holds the decision pipeline configuration.
type AdvisoryConfig struct {
	Providers              []ProviderConfig `json:"providers" validate:"dive"`
	DefaultStrategy        string           `json:"default_strategy" default:"weighted" validate:"oneof=weighted majority stacking"`
	MinQuorum              int              `json:"min_quorum" default:"1" validate:"min=1"`
	LocalTimeoutSecs       int              `json:"local_timeout_secs" default:"60" validate:"min=1"`        // per local provider call
	RemoteTimeoutSecs      int              `json:"remote_timeout_secs" default:"10" validate:"min=1"`       // per remote provider call
	RemotePhaseTimeoutSecs int              `json:"remote_phase_timeout_secs" default:"15" validate:"min=1"` // whole remote phase
	MaxConcurrentDecisions int              `json:"max_concurrent_decisions" default:"4" validate:"min=1"`
}

// ProviderConfig describes one advisory source.
type ProviderConfig struct {
	ID             string  `json:"id" validate:"required"`
	Kind           string  `json:"kind" validate:"required,oneof=claude openai deepseek ollama sentiment technical noop"`
	Enabled        bool    `json:"enabled"`
	Weight         float64 `json:"weight"`
	TimeoutSeconds int     `json:"timeout_seconds" validate:"min=0"` // 0 = phase default
	Model          string  `json:"model,omitempty"`
	Endpoint       string  `json:"endpoint,omitempty"`       // ollama / sentiment endpoint override
	APIKeySecret   string  `json:"api_key_secret,omitempty"` // vault key name
	APIKeyEnv      string  `json:"api_key_env,omitempty"`    // environment fallback
	Temperature    float64 `json:"temperature,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
}

// ExecutionConfig holds execution stage configuration.
type ExecutionConfig struct {
	Enabled         bool    `json:"enabled"`
	Platform        string  `json:"platform" default:"paper" validate:"oneof=paper"`
	MinConfidence   int     `json:"min_confidence" default:"60" validate:"min=0,max=100"` // skip execution below this
	OrderQuoteSize  float64 `json:"order_quote_size" default:"100"`                       // order size in quote currency
	SlippagePercent float64 `json:"slippage_percent" default:"0.05"`
	StartingQuote   float64 `json:"starting_quote" default:"10000"` // paper platform opening balance
}

// CircuitBreakerConfig holds provider circuit breaker configuration.
type CircuitBreakerConfig struct {
	Enabled            bool    `json:"enabled"`
	FailureThreshold   int     `json:"failure_threshold" default:"5" validate:"min=1"`
	CooldownSeconds    int     `json:"cooldown_seconds" default:"60" validate:"min=1"`
	BackoffEnabled     bool    `json:"backoff_enabled"`
	BackoffFactor      float64 `json:"backoff_factor" default:"2"`
	MaxCooldownSeconds int     `json:"max_cooldown_seconds" default:"600"`
}

// NotificationConfig holds operator alerting configuration.
type NotificationConfig struct {
	Enabled  bool                 `json:"enabled"`
	Telegram TelegramNotifyConfig `json:"telegram"`
	Discord  DiscordNotifyConfig  `json:"discord"`
}

type TelegramNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordNotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level  string `json:"level" default:"INFO"`    // DEBUG, INFO, WARN, ERROR
	Output string `json:"output" default:"stdout"` // stdout, stderr, or file path
	Pretty bool   `json:"pretty"`                  // console format instead of JSON
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"service_name" default:"finance-feedback-engine"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port" default:"8080"`
	Host            string `json:"host" default:"0.0.0.0"`
	AllowedOrigins  string `json:"allowed_origins" default:"*"` // CORS allowed origins
	TLSEnabled      bool   `json:"tls_enabled"`
	TLSCertFile     string `json:"tls_cert_file"`
	TLSKeyFile      string `json:"tls_key_file"`
	ReadTimeout     int    `json:"read_timeout" default:"30"`     // Seconds
	WriteTimeout    int    `json:"write_timeout" default:"30"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout" default:"10"` // Seconds
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled              bool          `json:"enabled"`
	JWTSecret            string        `json:"jwt_secret"`
	AccessTokenDuration  time.Duration `json:"access_token_duration"`
	RefreshTokenDuration time.Duration `json:"refresh_token_duration"`
	MinPasswordLength    int           `json:"min_password_length" default:"8"`
	AdminUser            string        `json:"admin_user" default:"admin"`
	AdminPasswordHash    string        `json:"admin_password_hash"` // bcrypt hash
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address" default:"http://localhost:8200"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path" default:"secret"`                    // KV secrets engine mount path
	SecretPath string `json:"secret_path" default:"advisory-engine/api-keys"` // Path prefix for API keys
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	MaxConns int32  `json:"max_conns" default:"4"`
}

// RedisConfig holds Redis configuration for caching and rate limiting
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address" default:"localhost:6379"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size" default:"10"`
}

// KafkaConfig holds decision stream configuration.
type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic" default:"advisory.decisions"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("error applying config defaults: %w", err)
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if len(cfg.AdvisoryConfig.Providers) == 0 {
		cfg.AdvisoryConfig.Providers = defaultProviders()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultProviders is the credential-free provider set used when no
// providers are configured.
func defaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{ID: "technical", Kind: "technical", Enabled: true, Weight: 0.4},
		{ID: "sentiment", Kind: "sentiment", Enabled: true, Weight: 0.3},
		{ID: "noop", Kind: "noop", Enabled: true, Weight: 0.3},
	}
}

// Validate checks field constraints plus the cross-field rules the tag
// validator cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool)
	enabled := 0
	for _, p := range c.AdvisoryConfig.Providers {
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if math.IsNaN(p.Weight) || math.IsInf(p.Weight, 0) {
			return fmt.Errorf("provider %q: weight must be finite", p.ID)
		}
		if p.Weight < 0 {
			return fmt.Errorf("provider %q: weight must be non-negative", p.ID)
		}
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled providers configured")
	}
	if c.AdvisoryConfig.MinQuorum > enabled {
		return fmt.Errorf("min_quorum %d exceeds enabled provider count %d",
			c.AdvisoryConfig.MinQuorum, enabled)
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("auth enabled without jwt secret")
	}
	if c.DatabaseConfig.Enabled && c.DatabaseConfig.URL == "" {
		return fmt.Errorf("database enabled without url")
	}
	if c.KafkaConfig.Enabled && len(c.KafkaConfig.Brokers) == 0 {
		return fmt.Errorf("kafka enabled without brokers")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Provider API keys are NOT read here; the provider factory resolves them
// from Vault or the per-provider env fallback.
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.Pretty = getEnvOrDefault("LOG_PRETTY", boolString(cfg.LoggingConfig.Pretty)) == "true"

	// Tracing config
	cfg.TracingConfig.Enabled = getEnvOrDefault("TRACING_ENABLED", boolString(cfg.TracingConfig.Enabled)) == "true"
	cfg.TracingConfig.ServiceName = getEnvOrDefault("TRACING_SERVICE_NAME", cfg.TracingConfig.ServiceName)

	// Advisory config
	cfg.AdvisoryConfig.DefaultStrategy = getEnvOrDefault("ADVISORY_STRATEGY", cfg.AdvisoryConfig.DefaultStrategy)
	cfg.AdvisoryConfig.MinQuorum = getEnvIntOrDefault("ADVISORY_MIN_QUORUM", cfg.AdvisoryConfig.MinQuorum)
	cfg.AdvisoryConfig.LocalTimeoutSecs = getEnvIntOrDefault("ADVISORY_LOCAL_TIMEOUT_SECS", cfg.AdvisoryConfig.LocalTimeoutSecs)
	cfg.AdvisoryConfig.RemoteTimeoutSecs = getEnvIntOrDefault("ADVISORY_REMOTE_TIMEOUT_SECS", cfg.AdvisoryConfig.RemoteTimeoutSecs)
	cfg.AdvisoryConfig.RemotePhaseTimeoutSecs = getEnvIntOrDefault("ADVISORY_REMOTE_PHASE_TIMEOUT_SECS", cfg.AdvisoryConfig.RemotePhaseTimeoutSecs)
	cfg.AdvisoryConfig.MaxConcurrentDecisions = getEnvIntOrDefault("ADVISORY_MAX_CONCURRENT_DECISIONS", cfg.AdvisoryConfig.MaxConcurrentDecisions)

	// Execution config
	cfg.ExecutionConfig.Enabled = getEnvOrDefault("EXECUTION_ENABLED", boolString(cfg.ExecutionConfig.Enabled)) == "true"
	cfg.ExecutionConfig.Platform = getEnvOrDefault("EXECUTION_PLATFORM", cfg.ExecutionConfig.Platform)
	cfg.ExecutionConfig.MinConfidence = getEnvIntOrDefault("EXECUTION_MIN_CONFIDENCE", cfg.ExecutionConfig.MinConfidence)
	cfg.ExecutionConfig.OrderQuoteSize = getEnvFloatOrDefault("EXECUTION_ORDER_QUOTE_SIZE", cfg.ExecutionConfig.OrderQuoteSize)
	cfg.ExecutionConfig.StartingQuote = getEnvFloatOrDefault("EXECUTION_STARTING_QUOTE", cfg.ExecutionConfig.StartingQuote)

	// Circuit breaker config
	cfg.CircuitBreakerConfig.Enabled = getEnvOrDefault("CIRCUIT_BREAKER_ENABLED", "true") == "true"
	cfg.CircuitBreakerConfig.FailureThreshold = getEnvIntOrDefault("CIRCUIT_FAILURE_THRESHOLD", cfg.CircuitBreakerConfig.FailureThreshold)
	cfg.CircuitBreakerConfig.CooldownSeconds = getEnvIntOrDefault("CIRCUIT_COOLDOWN_SECONDS", cfg.CircuitBreakerConfig.CooldownSeconds)
	cfg.CircuitBreakerConfig.BackoffEnabled = getEnvOrDefault("CIRCUIT_BACKOFF_ENABLED", boolString(cfg.CircuitBreakerConfig.BackoffEnabled)) == "true"
	cfg.CircuitBreakerConfig.BackoffFactor = getEnvFloatOrDefault("CIRCUIT_BACKOFF_FACTOR", cfg.CircuitBreakerConfig.BackoffFactor)
	cfg.CircuitBreakerConfig.MaxCooldownSeconds = getEnvIntOrDefault("CIRCUIT_MAX_COOLDOWN_SECONDS", cfg.CircuitBreakerConfig.MaxCooldownSeconds)

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.TLSEnabled = getEnvOrDefault("SERVER_TLS_ENABLED", boolString(cfg.ServerConfig.TLSEnabled)) == "true"
	cfg.ServerConfig.TLSCertFile = getEnvOrDefault("SERVER_TLS_CERT", cfg.ServerConfig.TLSCertFile)
	cfg.ServerConfig.TLSKeyFile = getEnvOrDefault("SERVER_TLS_KEY", cfg.ServerConfig.TLSKeyFile)
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", cfg.ServerConfig.ReadTimeout)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", cfg.ServerConfig.WriteTimeout)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Auth config - ALWAYS apply from environment
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", boolString(cfg.AuthConfig.Enabled)) == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	if cfg.AuthConfig.AccessTokenDuration <= 0 {
		cfg.AuthConfig.AccessTokenDuration = 15 * time.Minute
	}
	if cfg.AuthConfig.RefreshTokenDuration <= 0 {
		cfg.AuthConfig.RefreshTokenDuration = 7 * 24 * time.Hour
	}
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)
	cfg.AuthConfig.RefreshTokenDuration = getEnvDurationOrDefault("AUTH_REFRESH_TOKEN_DURATION", cfg.AuthConfig.RefreshTokenDuration)
	cfg.AuthConfig.MinPasswordLength = getEnvIntOrDefault("AUTH_MIN_PASSWORD_LENGTH", cfg.AuthConfig.MinPasswordLength)
	cfg.AuthConfig.AdminUser = getEnvOrDefault("AUTH_ADMIN_USER", cfg.AuthConfig.AdminUser)
	cfg.AuthConfig.AdminPasswordHash = getEnvOrDefault("AUTH_ADMIN_PASSWORD_HASH", cfg.AuthConfig.AdminPasswordHash)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", boolString(cfg.VaultConfig.TLSEnabled)) == "true"

	// Database config
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
	if cfg.DatabaseConfig.URL != "" && os.Getenv("DATABASE_ENABLED") == "" {
		cfg.DatabaseConfig.Enabled = true
	} else {
		cfg.DatabaseConfig.Enabled = getEnvOrDefault("DATABASE_ENABLED", boolString(cfg.DatabaseConfig.Enabled)) == "true"
	}

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Kafka config
	cfg.KafkaConfig.Enabled = getEnvOrDefault("KAFKA_ENABLED", boolString(cfg.KafkaConfig.Enabled)) == "true"
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaConfig.Brokers = strings.Split(brokers, ",")
	}
	cfg.KafkaConfig.Topic = getEnvOrDefault("KAFKA_TOPIC", cfg.KafkaConfig.Topic)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", boolString(cfg.NotificationConfig.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", boolString(cfg.NotificationConfig.Telegram.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", boolString(cfg.NotificationConfig.Discord.Enabled)) == "true"
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		LoggingConfig: LoggingConfig{
			Level:  "INFO",
			Output: "stdout",
		},
		AdvisoryConfig: AdvisoryConfig{
			DefaultStrategy:        "weighted",
			MinQuorum:              2,
			LocalTimeoutSecs:       60,
			RemoteTimeoutSecs:      10,
			RemotePhaseTimeoutSecs: 15,
			MaxConcurrentDecisions: 4,
			Providers: []ProviderConfig{
				{ID: "claude", Kind: "claude", Enabled: true, Weight: 0.35, Model: "claude-sonnet-4-20250514", APIKeySecret: "claude_api_key", APIKeyEnv: "AI_CLAUDE_API_KEY"},
				{ID: "deepseek", Kind: "deepseek", Enabled: false, Weight: 0.2, Model: "deepseek-chat", APIKeySecret: "deepseek_api_key", APIKeyEnv: "AI_DEEPSEEK_API_KEY"},
				{ID: "ollama", Kind: "ollama", Enabled: true, Weight: 0.25, Model: "llama3", Endpoint: "http://localhost:11434"},
				{ID: "technical", Kind: "technical", Enabled: true, Weight: 0.25},
				{ID: "sentiment", Kind: "sentiment", Enabled: true, Weight: 0.15},
			},
		},
		ExecutionConfig: ExecutionConfig{
			Enabled:         true,
			Platform:        "paper",
			MinConfidence:   60,
			OrderQuoteSize:  100,
			SlippagePercent: 0.05,
			StartingQuote:   10000,
		},
		CircuitBreakerConfig: CircuitBreakerConfig{
			Enabled:            true,
			FailureThreshold:   5,
			CooldownSeconds:    60,
			BackoffEnabled:     true,
			BackoffFactor:      2.0,
			MaxCooldownSeconds: 600,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
