package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/models"
)

// Store is the persistence boundary of the outbox table
type Store interface {
	PendingBatch(ctx context.Context, limit int) ([]models.OutboxEntry, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementRetry(ctx context.Context, id uuid.UUID, lastError string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (*models.OutboxStats, error)
	RecentFailed(ctx context.Context, limit int) ([]models.OutboxEntry, error)
}

// Publisher pushes events onto the bus
type Publisher interface {
	Publish(ctx context.Context, event *models.Event) (string, error)
}

// Poller drains pending outbox entries onto the event bus. An entry that
// keeps failing past the retry limit is marked failed and left for the
// monitor; publishing is at-least-once by design.
type Poller struct {
	store     Store
	publisher Publisher
	cfg       configs.OutboxConfig
}

func NewPoller(store Store, publisher Publisher, cfg configs.OutboxConfig) *Poller {
	return &Poller{store: store, publisher: publisher, cfg: cfg}
}

// Run polls until ctx is cancelled. Poll errors back off exponentially,
// capped at the configured poll interval.
func (p *Poller) Run(ctx context.Context) {
	log.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Int("batch_size", p.cfg.BatchSize).
		Msg("Outbox poller started")

	backoff := p.cfg.PollInterval / 8
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Outbox poller stopped")
			return
		default:
		}

		published, err := p.Drain(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Outbox poll failed")
			sleep(ctx, backoff)
			backoff *= 2
			if backoff > p.cfg.PollInterval {
				backoff = p.cfg.PollInterval
			}
			continue
		}
		backoff = p.cfg.PollInterval / 8

		// Only sleep when the batch was not full; a full batch means
		// there is likely more work waiting.
		if published < p.cfg.BatchSize {
			sleep(ctx, p.cfg.PollInterval)
		}
	}
}

// Drain publishes one batch of pending entries and returns how many were
// handled (published or retried).
func (p *Poller) Drain(ctx context.Context) (int, error) {
	entries, err := p.store.PendingBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending entries: %w", err)
	}

	for i := range entries {
		entry := &entries[i]

		event, err := entryToEvent(entry)
		if err != nil {
			// Unparseable payloads can never succeed; fail them immediately
			log.Error().Err(err).Str("outbox_id", entry.ID.String()).Msg("Outbox entry payload is invalid")
			if err := p.store.MarkFailed(ctx, entry.ID, err.Error()); err != nil {
				log.Error().Err(err).Str("outbox_id", entry.ID.String()).Msg("Failed to mark outbox entry failed")
			}
			continue
		}

		if _, err := p.publisher.Publish(ctx, event); err != nil {
			p.handlePublishFailure(ctx, entry, err)
			continue
		}

		if err := p.store.MarkPublished(ctx, entry.ID, time.Now()); err != nil {
			log.Error().Err(err).Str("outbox_id", entry.ID.String()).Msg("Failed to mark outbox entry published")
		}
	}

	return len(entries), nil
}

func (p *Poller) handlePublishFailure(ctx context.Context, entry *models.OutboxEntry, cause error) {
	if entry.RetryCount+1 >= p.cfg.MaxRetries {
		log.Error().
			Err(cause).
			Str("outbox_id", entry.ID.String()).
			Int("retries", entry.RetryCount+1).
			Msg("Outbox entry exhausted retries")
		if err := p.store.MarkFailed(ctx, entry.ID, cause.Error()); err != nil {
			log.Error().Err(err).Str("outbox_id", entry.ID.String()).Msg("Failed to mark outbox entry failed")
		}
		return
	}

	if err := p.store.IncrementRetry(ctx, entry.ID, cause.Error()); err != nil {
		log.Error().Err(err).Str("outbox_id", entry.ID.String()).Msg("Failed to increment outbox retry")
	}
}

func entryToEvent(entry *models.OutboxEntry) (*models.Event, error) {
	data, err := json.Marshal(entry.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	var event models.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outbox payload: %w", err)
	}
	event.RetryCount = entry.RetryCount
	return &event, nil
}

// Cleanup deletes published entries older than the retention window
type Cleanup struct {
	store Store
	cfg   configs.OutboxConfig
}

func NewCleanup(store Store, cfg configs.OutboxConfig) *Cleanup {
	return &Cleanup{store: store, cfg: cfg}
}

// Run performs a cleanup sweep once an hour until ctx is cancelled
func (c *Cleanup) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	log.Info().Int("retention_days", c.cfg.RetentionDays).Msg("Outbox cleanup started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Outbox cleanup stopped")
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass
func (c *Cleanup) Sweep(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -c.cfg.RetentionDays)
	deleted, err := c.store.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Outbox cleanup sweep failed")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Outbox entries cleaned up")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
