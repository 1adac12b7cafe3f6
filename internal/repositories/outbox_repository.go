package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sentineliq/risk-engine/internal/models"
)

var (
	// ErrDuplicateEvent is returned when an event ID was already ingested
	ErrDuplicateEvent = errors.New("event already ingested")
	// ErrEventNotFound is returned when an event does not exist
	ErrEventNotFound = errors.New("event not found")
)

// OutboxRepository handles the events table and its transactional outbox
type OutboxRepository struct {
	db *Database
}

func NewOutboxRepository(db *Database) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertEventWithOutbox stores the event and its outbox entry in one
// transaction. Either both rows exist or neither does; the poller never
// sees an event the API did not accept.
func (r *OutboxRepository) InsertEventWithOutbox(ctx context.Context, event *models.Event) (*models.OutboxEntry, error) {
	payloadBytes, err := event.Payload.Value()
	if err != nil {
		return nil, err
	}

	envelope := models.JSONB{}
	if data, err := toJSONB(event); err == nil {
		envelope = data
	}
	envelopeBytes, err := envelope.Value()
	if err != nil {
		return nil, err
	}

	entry := &models.OutboxEntry{
		ID:        uuid.New(),
		EventID:   event.ID,
		OrgID:     event.OrgID,
		EventType: event.EventType,
		Payload:   envelope,
		Status:    models.OutboxStatusPending,
		CreatedAt: time.Now(),
	}

	err = r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO events (
				id, org_id, event_type, user_id, ip_address, user_agent,
				device_fingerprint, session_id, geo_lat, geo_lon, country_code,
				city, amount, currency, payload, occurred_at, received_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (id) DO NOTHING
		`,
			event.ID, event.OrgID, event.EventType,
			event.Actor.UserID, event.Actor.IPAddress, event.Actor.UserAgent,
			event.Actor.DeviceFingerprint, event.Actor.SessionID,
			event.Geo.Lat, event.Geo.Lon, event.Geo.CountryCode, event.Geo.City,
			event.Amount, event.Currency, payloadBytes,
			event.OccurredAt, event.ReceivedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicateEvent
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO outbox_entries (
				id, event_id, org_id, event_type, payload, status, retry_count, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		`,
			entry.ID, entry.EventID, entry.OrgID, entry.EventType,
			envelopeBytes, entry.Status, entry.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// PendingBatch loads up to limit pending entries, oldest first. Delivery is
// at-least-once: concurrent pollers may pick up the same entry, and
// consumers dedupe on the event id.
func (r *OutboxRepository) PendingBatch(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, event_id, org_id, event_type, payload, status, retry_count,
			   last_error, created_at, published_at
		FROM outbox_entries
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, models.OutboxStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOutboxEntries(rows)
}

// MarkPublished flips an entry to published with its publish time
func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE outbox_entries SET status = $1, published_at = $2, last_error = NULL
		WHERE id = $3
	`, models.OutboxStatusPublished, at, id)
	return err
}

// IncrementRetry bumps the retry counter and stores the failure reason
func (r *OutboxRepository) IncrementRetry(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE outbox_entries SET retry_count = retry_count + 1, last_error = $1
		WHERE id = $2
	`, lastError, id)
	return err
}

// MarkFailed parks an entry after it exhausted its retries
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE outbox_entries SET status = $1, retry_count = retry_count + 1, last_error = $2
		WHERE id = $3
	`, models.OutboxStatusFailed, lastError, id)
	return err
}

// DeletePublishedBefore removes published entries past retention
func (r *OutboxRepository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM outbox_entries WHERE status = $1 AND published_at < $2
	`, models.OutboxStatusPublished, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Stats summarizes outbox health for the monitor endpoint
func (r *OutboxRepository) Stats(ctx context.Context) (*models.OutboxStats, error) {
	stats := &models.OutboxStats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*),
			   COUNT(*) FILTER (WHERE status = 'pending'),
			   COUNT(*) FILTER (WHERE status = 'published'),
			   COUNT(*) FILTER (WHERE status = 'failed'),
			   COALESCE(AVG(EXTRACT(EPOCH FROM (published_at - created_at)) * 1000)
					   FILTER (WHERE published_at IS NOT NULL), 0),
			   COALESCE(EXTRACT(EPOCH FROM (NOW() - MIN(created_at)
					   FILTER (WHERE status = 'pending'))), 0)
		FROM outbox_entries
	`).Scan(
		&stats.Total, &stats.Pending, &stats.Published, &stats.Failed,
		&stats.AvgPublishMs, &stats.OldestPendingAge,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// RecentFailed lists the most recently failed entries
func (r *OutboxRepository) RecentFailed(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, event_id, org_id, event_type, payload, status, retry_count,
			   last_error, created_at, published_at
		FROM outbox_entries
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, models.OutboxStatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOutboxEntries(rows)
}

// GetEvent loads one ingested event by ID
func (r *OutboxRepository) GetEvent(ctx context.Context, orgID string, id uuid.UUID) (*models.Event, error) {
	event := &models.Event{}
	var payloadBytes []byte

	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, org_id, event_type, user_id, ip_address, user_agent,
			   device_fingerprint, session_id, geo_lat, geo_lon, country_code,
			   city, amount, currency, payload, occurred_at, received_at
		FROM events
		WHERE org_id = $1 AND id = $2
	`, orgID, id).Scan(
		&event.ID, &event.OrgID, &event.EventType,
		&event.Actor.UserID, &event.Actor.IPAddress, &event.Actor.UserAgent,
		&event.Actor.DeviceFingerprint, &event.Actor.SessionID,
		&event.Geo.Lat, &event.Geo.Lon, &event.Geo.CountryCode, &event.Geo.City,
		&event.Amount, &event.Currency, &payloadBytes,
		&event.OccurredAt, &event.ReceivedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	event.Payload.Scan(payloadBytes)
	return event, nil
}

// toJSONB converts any JSON-marshalable value into a JSONB map
func toJSONB(v interface{}) (models.JSONB, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out models.JSONB
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func scanOutboxEntries(rows pgx.Rows) ([]models.OutboxEntry, error) {
	var entries []models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		var payloadBytes []byte
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.OrgID, &e.EventType, &payloadBytes,
			&e.Status, &e.RetryCount, &e.LastError, &e.CreatedAt, &e.PublishedAt,
		); err != nil {
			return nil, err
		}
		e.Payload.Scan(payloadBytes)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
