package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"finance-feedback-engine/config"
	"finance-feedback-engine/internal/ai"
	"finance-feedback-engine/internal/api"
	"finance-feedback-engine/internal/auth"
	"finance-feedback-engine/internal/cache"
	"finance-feedback-engine/internal/circuit"
	"finance-feedback-engine/internal/database"
	"finance-feedback-engine/internal/events"
	"finance-feedback-engine/internal/execution"
	"finance-feedback-engine/internal/logging"
	"finance-feedback-engine/internal/metrics"
	"finance-feedback-engine/internal/notification"
	"finance-feedback-engine/internal/pipeline"
	"finance-feedback-engine/internal/stream"
	"finance-feedback-engine/internal/trace"
	"finance-feedback-engine/internal/vault"
)

const version = "1.0.0"

func main() {
	// .env is optional; deployments usually set real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:     cfg.LoggingConfig.Level,
		Output:    cfg.LoggingConfig.Output,
		Pretty:    cfg.LoggingConfig.Pretty,
		Component: "main",
	})
	logging.SetDefault(logger)
	logger.Info("structured logging initialized", "level", cfg.LoggingConfig.Level)

	if err := trace.Init(cfg.TracingConfig.ServiceName, version, cfg.TracingConfig.Enabled); err != nil {
		logger.WithError(err).Warn("failed to initialize tracing, continuing without it")
	}
	if trace.Enabled() {
		logger.Info("tracing enabled", "service", cfg.TracingConfig.ServiceName)
	}

	eventBus := events.NewEventBus()
	recorder := metrics.New()
	ctx := context.Background()

	// Vault is the preferred credential source. The client still works when
	// vault is disabled; provider keys then come from the environment.
	vaultClient, err := vault.NewClient(cfg.VaultConfig, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create vault client")
	}
	if err := vaultClient.Load(ctx); err != nil {
		logger.WithError(err).Warn("failed to load secrets from vault, falling back to environment keys")
	}

	var (
		db   *database.DB
		repo *database.Repository
	)
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(cfg.DatabaseConfig, logger)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to database")
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			logger.WithError(err).Fatal("failed to run migrations")
		}
		repo = database.NewRepository(db)
		logger.Info("decision persistence enabled")
	} else {
		logger.Info("decision persistence disabled")
	}

	var cacheService *cache.CacheService
	if cfg.RedisConfig.Enabled {
		cacheService, err = cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			logger.WithError(err).Fatal("failed to initialize redis cache")
		}
		defer cacheService.Close()
	}

	var publisher *stream.Publisher
	if cfg.KafkaConfig.Enabled {
		publisher, err = stream.NewPublisher(cfg.KafkaConfig, recorder, logger)
		if err != nil {
			logger.WithError(err).Fatal("failed to initialize kafka publisher")
		}
		defer publisher.Close()
		logger.Info("decision stream enabled", "topic", cfg.KafkaConfig.Topic)
	}

	var notifyManager *notification.Manager
	if cfg.NotificationConfig.Enabled {
		notifyManager = notification.NewManager()
		if cfg.NotificationConfig.Telegram.Enabled {
			notifyManager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  cfg.NotificationConfig.Telegram.Enabled,
			}))
			logger.Info("telegram alerts enabled")
		}
		if cfg.NotificationConfig.Discord.Enabled {
			notifyManager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    cfg.NotificationConfig.Discord.Enabled,
			}))
			logger.Info("discord alerts enabled")
		}
		setupAlerts(eventBus, notifyManager, logger)
	}

	advisors, err := ai.BuildAdvisors(cfg.AdvisoryConfig.Providers, vaultClient, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build advisory providers")
	}
	logger.Info("advisory providers ready", "count", len(advisors))

	registry := circuit.NewRegistry(&circuit.Config{
		Enabled:            cfg.CircuitBreakerConfig.Enabled,
		FailureThreshold:   cfg.CircuitBreakerConfig.FailureThreshold,
		CooldownSeconds:    cfg.CircuitBreakerConfig.CooldownSeconds,
		BackoffEnabled:     cfg.CircuitBreakerConfig.BackoffEnabled,
		BackoffFactor:      cfg.CircuitBreakerConfig.BackoffFactor,
		MaxCooldownSeconds: cfg.CircuitBreakerConfig.MaxCooldownSeconds,
	})
	registry.OnStateChange(func(name string, state circuit.BreakerState, reason string) {
		recorder.SetBreakerState(name, string(state))
		if state == circuit.StateOpen {
			recorder.RecordBreakerTrip(name)
			if notifyManager != nil {
				if err := notifyManager.SendBreakerOpened(name, reason); err != nil {
					logger.WithError(err).Warn("failed to send breaker alert")
				}
			}
		}
		logger.Info("circuit breaker state changed",
			"breaker", name, "state", string(state), "reason", reason)
	})

	var executor *execution.Executor
	if cfg.ExecutionConfig.Enabled {
		platform := execution.NewPaperPlatform(
			cfg.ExecutionConfig.StartingQuote,
			cfg.ExecutionConfig.SlippagePercent,
			logger,
		)
		executor = execution.NewExecutor(platform, cfg.ExecutionConfig, logger)
		logger.Info("execution enabled",
			"platform", platform.Name(), "min_confidence", cfg.ExecutionConfig.MinConfidence)
	}

	// Interface fields are only set from non-nil concrete values so a
	// disabled component stays a true nil inside the pipeline.
	pipelineDeps := pipeline.Deps{
		Breakers: registry,
		Bus:      eventBus,
		Recorder: recorder,
		Log:      logger,
	}
	if repo != nil {
		pipelineDeps.Store = repo
	}
	if cacheService != nil {
		pipelineDeps.Cache = cacheService
	}
	if publisher != nil {
		pipelineDeps.Stream = publisher
	}
	if executor != nil {
		pipelineDeps.Executor = executor
	}

	engine, err := pipeline.New(cfg, advisors, pipelineDeps)
	if err != nil {
		logger.WithError(err).Fatal("failed to build decision pipeline")
	}

	var authService *auth.Service
	if cfg.AuthConfig.Enabled {
		authService = auth.NewService(cfg.AuthConfig, logger)
		logger.Info("api authentication enabled")
	}

	debug := strings.EqualFold(cfg.LoggingConfig.Level, "debug")
	server := api.NewServer(cfg.ServerConfig, api.Deps{
		Pipeline:    engine,
		Repo:        repo,
		Cache:       cacheService,
		Vault:       vaultClient,
		AuthService: authService,
		Breakers:    registry,
		EventBus:    eventBus,
		Log:         logger,
	}, debug)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	eventBus.Publish(events.Event{
		Type: events.EventEngineStarted,
		Data: map[string]interface{}{
			"version":   version,
			"providers": len(advisors),
			"execution": cfg.ExecutionConfig.Enabled,
		},
	})
	logger.Info("advisory engine started",
		"version", version,
		"addr", cfg.ServerConfig.Host,
		"port", cfg.ServerConfig.Port,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	eventBus.Publish(events.Event{Type: events.EventEngineStopped, Data: map[string]interface{}{}})

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("error shutting down http server")
	}
	if err := trace.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("error shutting down tracer")
	}

	logger.Info("shutdown complete")
}

// setupAlerts forwards the operationally interesting bus events to the
// notification channels. Actionable decisions are alerted; HOLDs are not.
func setupAlerts(eventBus *events.EventBus, notify *notification.Manager, logger *logging.Logger) {
	eventBus.Subscribe(events.EventDecisionCreated, func(event events.Event) {
		action, _ := event.Data["action"].(string)
		if action != "BUY" && action != "SELL" {
			return
		}
		asset, _ := event.Data["asset"].(string)
		confidence, _ := event.Data["confidence"].(int)
		tier, _ := event.Data["fallback_tier"].(string)
		if err := notify.SendDecision(asset, action, confidence, tier); err != nil {
			logger.WithError(err).Warn("failed to send decision alert")
		}
	})

	eventBus.Subscribe(events.EventQuorumFailed, func(event events.Event) {
		asset, _ := event.Data["asset"].(string)
		active, _ := event.Data["active"].(int)
		required, _ := event.Data["required"].(int)
		if err := notify.SendQuorumFailure(asset, active, required); err != nil {
			logger.WithError(err).Warn("failed to send quorum alert")
		}
	})

	eventBus.Subscribe(events.EventAllProvidersFailed, func(event events.Event) {
		asset, _ := event.Data["asset"].(string)
		enabled, _ := event.Data["enabled"].([]string)
		if err := notify.SendAllProvidersFailed(asset, enabled); err != nil {
			logger.WithError(err).Warn("failed to send all-providers-failed alert")
		}
	})

	logger.Info("event alerting configured")
}
