package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/models"
)

// DecisionProducer mirrors risk decisions onto a Kafka topic for the
// analytics consumers. The mirror is best-effort; the decision of record
// lives in Postgres.
type DecisionProducer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewDecisionProducer creates a sync producer against the configured brokers
func NewDecisionProducer(cfg configs.KafkaConfig) (*DecisionProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Retry.Backoff = 250 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.DecisionTopic).Msg("Kafka decision producer initialized")
	return &DecisionProducer{producer: producer, topic: cfg.DecisionTopic}, nil
}

// PublishDecision sends one decision, keyed by org so per-org ordering is
// preserved within a partition.
func (p *DecisionProducer) PublishDecision(ctx context.Context, decision *models.RiskDecision) error {
	data, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(decision.OrgID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("risk_level"), Value: []byte(decision.RiskLevel)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send decision: %w", err)
	}

	log.Debug().
		Str("decision_id", decision.ID.String()).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("Decision mirrored to Kafka")

	return nil
}

// Close shuts the producer down
func (p *DecisionProducer) Close() error {
	return p.producer.Close()
}
