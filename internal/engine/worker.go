package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/queue"
)

// Processor handles one consumed event
type Processor interface {
	Process(ctx context.Context, event *models.Event) error
}

// Worker consumes events from the bus streams and runs them through the
// pipeline. Failed events are requeued until the redelivery limit, then
// parked on the dead letter stream.
type Worker struct {
	id         string
	processor  Processor
	bus        *queue.EventBus
	eventTypes []string
	config     configs.WorkerConfig
	wg         sync.WaitGroup
	stopCh     chan struct{}

	metricsMu sync.RWMutex
	metrics   WorkerMetrics
}

// WorkerMetrics tracks worker performance
type WorkerMetrics struct {
	ProcessedCount    int64
	FailedCount       int64
	TotalProcessingMs int64
	LastProcessedAt   time.Time
}

// NewWorker creates a stream worker over the given event types
func NewWorker(id string, processor Processor, bus *queue.EventBus, eventTypes []string, config configs.WorkerConfig) *Worker {
	return &Worker{
		id:         id,
		processor:  processor,
		bus:        bus,
		eventTypes: eventTypes,
		config:     config,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the consumer goroutines and blocks until ctx is done
func (w *Worker) Start(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.config.Concurrency).
		Strs("event_types", w.eventTypes).
		Msg("Starting risk worker")

	if err := w.bus.EnsureGroups(ctx, w.eventTypes); err != nil {
		return fmt.Errorf("failed to ensure consumer groups: %w", err)
	}

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}

	<-ctx.Done()
	return w.Stop()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() error {
	log.Info().Str("worker_id", w.id).Msg("Stopping worker...")
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.wg.Wait()
	log.Info().Str("worker_id", w.id).Msg("Worker stopped")
	return nil
}

func (w *Worker) processLoop(ctx context.Context, consumerName string) {
	defer w.wg.Done()

	log.Info().Str("consumer", consumerName).Msg("Worker goroutine started")

	for {
		select {
		case <-w.stopCh:
			log.Info().Str("consumer", consumerName).Msg("Worker goroutine stopping")
			return
		case <-ctx.Done():
			return
		default:
			w.processBatch(ctx, consumerName)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, consumerName string) {
	messages, err := w.bus.Consume(ctx, consumerName, w.eventTypes, int64(w.config.BatchSize), w.config.PollInterval)
	if err != nil {
		log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to consume messages")
		time.Sleep(time.Second) // Back off on error
		return
	}

	if len(messages) == 0 {
		return
	}

	log.Debug().
		Str("consumer", consumerName).
		Int("count", len(messages)).
		Msg("Processing batch")

	ackIDs := make(map[string][]string)

	for _, msg := range messages {
		if err := w.processMessage(ctx, msg.Event); err != nil {
			log.Error().
				Err(err).
				Str("message_id", msg.ID).
				Str("event_id", msg.Event.ID.String()).
				Msg("Failed to process message")

			if msg.Event.RetryCount < w.bus.MaxRetries() {
				msg.Event.RetryCount++
				if _, err := w.bus.Publish(ctx, msg.Event); err != nil {
					log.Error().Err(err).Msg("Failed to requeue message")
				}
			} else {
				if err := w.bus.SendToDeadLetter(ctx, msg.Event, err); err != nil {
					log.Error().Err(err).Msg("Failed to send to dead letter stream")
				}
			}

			w.metricsMu.Lock()
			w.metrics.FailedCount++
			w.metricsMu.Unlock()
		}

		ackIDs[msg.Stream] = append(ackIDs[msg.Stream], msg.ID)
	}

	if err := w.bus.AcknowledgeBatch(ctx, ackIDs); err != nil {
		log.Error().Err(err).Msg("Failed to acknowledge messages")
	}
}

func (w *Worker) processMessage(ctx context.Context, event *models.Event) error {
	startTime := time.Now()

	if err := w.processor.Process(ctx, event); err != nil {
		return err
	}

	w.metricsMu.Lock()
	w.metrics.ProcessedCount++
	w.metrics.TotalProcessingMs += time.Since(startTime).Milliseconds()
	w.metrics.LastProcessedAt = time.Now()
	w.metricsMu.Unlock()

	return nil
}

// GetMetrics returns a copy of the worker metrics
func (w *Worker) GetMetrics() WorkerMetrics {
	w.metricsMu.RLock()
	defer w.metricsMu.RUnlock()
	return w.metrics
}
