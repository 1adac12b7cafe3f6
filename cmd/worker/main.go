package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/alerts"
	"github.com/sentineliq/risk-engine/internal/audit"
	"github.com/sentineliq/risk-engine/internal/engine"
	"github.com/sentineliq/risk-engine/internal/ingest"
	"github.com/sentineliq/risk-engine/internal/linkgraph"
	"github.com/sentineliq/risk-engine/internal/queue"
	"github.com/sentineliq/risk-engine/internal/repositories"
	"github.com/sentineliq/risk-engine/internal/rules"
	"github.com/sentineliq/risk-engine/internal/shadow"
	"github.com/sentineliq/risk-engine/internal/state"
	"github.com/sentineliq/risk-engine/internal/webhook"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg := configs.Load()

	// Setup logging
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("Starting SentinelIQ Risk Worker")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis
	bus, err := queue.NewEventBus(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis event bus")
	}
	defer bus.Close()

	stateStore, err := state.NewStore(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis state store")
	}
	defer stateStore.Close()

	// Initialize repositories
	decisionRepo := repositories.NewDecisionRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	shadowRepo := repositories.NewShadowRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)
	linkRepo := repositories.NewLinkRepository(db, decisionRepo)

	// Load the active ruleset and follow reload broadcasts
	registry := rules.NewRegistry(cfg.Rules.Path, stateStore)
	if err := registry.Load(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to load ruleset")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go followRuleReloads(ctx, stateStore, registry)

	// Wire the evaluation pipeline
	riskEngine := engine.New(cfg.Engine, registry, stateStore)
	auditService := audit.NewService(auditRepo)
	shadowService := shadow.NewService(shadowRepo, registry)
	linkService := linkgraph.NewService(linkRepo, stateStore)
	dispatcher := webhook.NewDispatcher(webhookRepo, cfg.Webhook)
	alertManager := alerts.NewManager(cfg.Alerts)

	// The Kafka mirror is optional: analytics consumers lag behind, the
	// decision of record lives in Postgres.
	var publisher engine.DecisionPublisher
	if producer, err := queue.NewDecisionProducer(cfg.Kafka); err != nil {
		log.Warn().Err(err).Msg("Kafka unavailable, decisions will not be mirrored")
	} else {
		publisher = producer
		defer producer.Close()
	}

	pipeline := engine.NewPipeline(
		riskEngine,
		decisionRepo,
		auditService,
		linkService,
		shadowService,
		dispatcher,
		alertManager,
		publisher,
	)

	// Scheduled webhook redeliveries
	go dispatcher.RunRetryLoop(ctx, 30*time.Second)

	// Create stream worker
	hostname, _ := os.Hostname()
	worker := engine.NewWorker(
		fmt.Sprintf("risk-worker-%s", hostname),
		pipeline,
		bus,
		ingest.EventTypes(),
		cfg.Worker,
	)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start worker in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- worker.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Worker error")
		}
	}

	// Stop worker
	if err := worker.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop worker")
	}

	log.Info().
		Int64("fail_open_total", riskEngine.FailOpenCount()).
		Msg("Worker shutdown complete")
}

// followRuleReloads re-reads the rule file whenever another instance
// broadcasts a reload, so every worker converges on the same version.
func followRuleReloads(ctx context.Context, store *state.Store, registry *rules.Registry) {
	sub := store.Subscribe(ctx, rules.ReloadChannel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			result, err := registry.Reload(ctx, false, "reload_broadcast")
			if err != nil {
				log.Error().Err(err).Str("version", msg.Payload).Msg("Failed to apply broadcast rule reload")
				continue
			}
			log.Info().
				Str("broadcast_version", msg.Payload).
				Str("version", result.Version).
				Str("status", result.Status).
				Msg("Applied rule reload broadcast")
		}
	}
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
