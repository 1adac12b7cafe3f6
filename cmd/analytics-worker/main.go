package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/queue"
)

// This worker does not evaluate events; the Redis stream workers own that
// path. It consumes the decision mirror topic and maintains the live
// aggregates the dashboard reads from Redis.

// Cache keys written by the reporter
const (
	metricsKey         = "analytics:decision_metrics"
	recentDecisionsKey = "analytics:recent_decisions"
	levelCountsKey     = "analytics:decisions:by_level"
)

// RealTimeMetrics tracks live decision throughput
type RealTimeMetrics struct {
	mu              sync.RWMutex
	TotalDecisions  int64
	ByRiskLevel     map[string]int64
	ByAction        map[string]int64
	RuleCounts      map[string]int64
	FailOpenCount   int64
	TotalEvalMs     int64
	LastDecisionAt  time.Time
	DecisionsPerSec float64
	windowStart     time.Time
	windowCount     int64
}

func NewRealTimeMetrics() *RealTimeMetrics {
	return &RealTimeMetrics{
		ByRiskLevel: make(map[string]int64),
		ByAction:    make(map[string]int64),
		RuleCounts:  make(map[string]int64),
		windowStart: time.Now(),
	}
}

func (m *RealTimeMetrics) Record(decision *models.RiskDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalDecisions++
	m.ByRiskLevel[decision.RiskLevel]++
	m.ByAction[decision.RecommendedAction]++
	for _, rule := range decision.TriggeredRules {
		m.RuleCounts[rule]++
	}
	if decision.FailOpen {
		m.FailOpenCount++
	}
	m.TotalEvalMs += decision.EvaluationMs
	m.LastDecisionAt = time.Now()
	m.windowCount++

	// Calculate decisions per second over a rolling minute
	elapsed := time.Since(m.windowStart).Seconds()
	if elapsed > 0 {
		m.DecisionsPerSec = float64(m.windowCount) / elapsed
	}
	if elapsed > 60 {
		m.windowStart = time.Now()
		m.windowCount = 0
	}
}

// Snapshot exports the current aggregates for the dashboard cache
func (m *RealTimeMetrics) Snapshot() *models.DecisionMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byLevel := make(map[string]int64, len(m.ByRiskLevel))
	for k, v := range m.ByRiskLevel {
		byLevel[k] = v
	}
	byAction := make(map[string]int64, len(m.ByAction))
	for k, v := range m.ByAction {
		byAction[k] = v
	}

	var topRule string
	var topCount int64
	for rule, count := range m.RuleCounts {
		if count > topCount || (count == topCount && rule < topRule) {
			topRule = rule
			topCount = count
		}
	}

	avgEvalMs := 0.0
	if m.TotalDecisions > 0 {
		avgEvalMs = float64(m.TotalEvalMs) / float64(m.TotalDecisions)
	}

	return &models.DecisionMetrics{
		Timestamp:        time.Now(),
		TotalDecisions:   m.TotalDecisions,
		DecisionsPerSec:  m.DecisionsPerSec,
		ByRiskLevel:      byLevel,
		ByAction:         byAction,
		FailOpenCount:    m.FailOpenCount,
		AvgEvaluationMs:  avgEvalMs,
		TopTriggeredRule: topRule,
	}
}

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg := configs.Load()

	// Setup logging
	setupLogging(cfg.Server.Environment)

	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("topic", cfg.Kafka.DecisionTopic).
		Str("group_id", cfg.Kafka.ConsumerGroup).
		Msg("Starting SentinelIQ Analytics Worker")

	// Connect to Redis (dashboard cache)
	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()

	// Create Kafka consumer group
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	// Retry connecting to Kafka
	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	handler := &decisionConsumer{
		metrics: NewRealTimeMetrics(),
		cache:   cacheClient,
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, stopping analytics worker...")
		cancel()
	}()

	// Publish aggregates to the dashboard cache every 30 seconds
	go handler.runReporter(ctx)

	log.Info().Msg("Analytics worker started, consuming decision mirror")

	for {
		if err := consumerGroup.Consume(ctx, []string{cfg.Kafka.DecisionTopic}, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}

		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, shutting down analytics worker")
			return
		}
	}
}

// decisionConsumer aggregates the mirrored decision stream
type decisionConsumer struct {
	metrics *RealTimeMetrics
	cache   *queue.CacheClient
}

func (h *decisionConsumer) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Analytics consumer session started")
	return nil
}

func (h *decisionConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Analytics consumer session ended")
	return nil
}

func (h *decisionConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			h.processMessage(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *decisionConsumer) processMessage(ctx context.Context, message *sarama.ConsumerMessage) {
	var decision models.RiskDecision
	if err := json.Unmarshal(message.Value, &decision); err != nil {
		log.Error().Err(err).Msg("Failed to parse mirrored decision")
		return
	}

	h.metrics.Record(&decision)

	if decision.FailOpen {
		log.Warn().
			Str("decision_id", decision.ID.String()).
			Str("org_id", decision.OrgID).
			Msg("Fail-open decision observed")
	}

	// Keep the most recent decisions for the dashboard feed
	h.cache.LPush(ctx, recentDecisionsKey, string(message.Value))
	h.cache.LTrim(ctx, recentDecisionsKey, 0, 999)

	if _, err := h.cache.HIncrBy(ctx, levelCountsKey, decision.RiskLevel, 1); err != nil {
		log.Error().Err(err).Msg("Failed to update level counters")
	}
}

func (h *decisionConsumer) runReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot := h.metrics.Snapshot()

			if err := h.cache.Set(ctx, metricsKey, snapshot, 5*time.Minute); err != nil {
				log.Error().Err(err).Msg("Failed to cache decision metrics")
			}

			log.Info().
				Int64("total", snapshot.TotalDecisions).
				Float64("per_sec", snapshot.DecisionsPerSec).
				Int64("fail_open", snapshot.FailOpenCount).
				Float64("avg_eval_ms", snapshot.AvgEvaluationMs).
				Str("top_rule", snapshot.TopTriggeredRule).
				Msg("Decision metrics")

		case <-ctx.Done():
			return
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
