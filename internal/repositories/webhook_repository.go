package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/webhook"
)

var ErrWebhookNotFound = errors.New("webhook not found")

// WebhookRepository persists webhook registrations and delivery attempts
type WebhookRepository struct {
	db *Database
}

func NewWebhookRepository(db *Database) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Create stores a new webhook registration
func (r *WebhookRepository) Create(ctx context.Context, w *models.Webhook) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO webhooks (
			id, org_id, url, secret_key, event_types, min_risk_level,
			enabled, total_deliveries, success_count, failure_count, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, 0, $8)
	`,
		w.ID, w.OrgID, w.URL, w.SecretKey, pq.Array(w.EventTypes),
		w.MinRiskLevel, w.Enabled, w.CreatedAt,
	)
	return err
}

// Update rewrites the mutable fields of a webhook
func (r *WebhookRepository) Update(ctx context.Context, w *models.Webhook) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE webhooks SET url = $1, event_types = $2, min_risk_level = $3, enabled = $4
		WHERE id = $5 AND org_id = $6
	`, w.URL, pq.Array(w.EventTypes), w.MinRiskLevel, w.Enabled, w.ID, w.OrgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

// Delete removes a webhook and its delivery history
func (r *WebhookRepository) Delete(ctx context.Context, orgID string, id uuid.UUID) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM webhook_deliveries WHERE webhook_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM webhooks WHERE id = $1 AND org_id = $2`, id, orgID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrWebhookNotFound
		}
		return nil
	})
}

// List retrieves all webhooks for an org
func (r *WebhookRepository) List(ctx context.Context, orgID string) ([]models.Webhook, error) {
	rows, err := r.db.Pool.Query(ctx, webhookSelect+` WHERE org_id = $1 ORDER BY created_at ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// ListActive retrieves enabled webhooks for an org
func (r *WebhookRepository) ListActive(ctx context.Context, orgID string) ([]models.Webhook, error) {
	rows, err := r.db.Pool.Query(ctx, webhookSelect+` WHERE org_id = $1 AND enabled ORDER BY created_at ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// GetByID loads one webhook, or nil when it does not exist
func (r *WebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Webhook, error) {
	row := r.db.Pool.QueryRow(ctx, webhookSelect+` WHERE id = $1`, id)
	w, err := scanWebhook(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// RecordDelivery stores one delivery attempt together with the payload so
// scheduled retries can resend the exact same body.
func (r *WebhookRepository) RecordDelivery(ctx context.Context, d *models.WebhookDelivery, payload []byte) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (
			id, webhook_id, event_id, attempt, status_code, success,
			error, is_final_attempt, next_retry_at, payload, claimed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, $11)
	`,
		d.ID, d.WebhookID, d.EventID, d.Attempt, d.StatusCode, d.Success,
		d.Error, d.IsFinalAttempt, d.NextRetryAt, payload, d.CreatedAt,
	)
	return err
}

// UpdateCounters bumps the webhook's delivery counters
func (r *WebhookRepository) UpdateCounters(ctx context.Context, webhookID uuid.UUID, success bool, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE webhooks SET
			total_deliveries = total_deliveries + 1,
			success_count = success_count + CASE WHEN $1 THEN 1 ELSE 0 END,
			failure_count = failure_count + CASE WHEN $1 THEN 0 ELSE 1 END,
			last_triggered_at = $2
		WHERE id = $3
	`, success, at, webhookID)
	return err
}

// DueRetries claims failed deliveries whose retry time has come. Claiming
// happens in the same statement so two retry loops never pick up the same
// redelivery.
func (r *WebhookRepository) DueRetries(ctx context.Context, now time.Time, limit int) ([]webhook.PendingRetry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		UPDATE webhook_deliveries SET claimed = true
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE NOT success AND NOT is_final_attempt AND NOT claimed
			  AND next_retry_at IS NOT NULL AND next_retry_at <= $1
			ORDER BY next_retry_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, webhook_id, event_id, attempt, status_code, success,
				  error, is_final_attempt, next_retry_at, payload, created_at
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var retries []webhook.PendingRetry
	for rows.Next() {
		var d models.WebhookDelivery
		var payload []byte
		if err := rows.Scan(
			&d.ID, &d.WebhookID, &d.EventID, &d.Attempt, &d.StatusCode, &d.Success,
			&d.Error, &d.IsFinalAttempt, &d.NextRetryAt, &payload, &d.CreatedAt,
		); err != nil {
			return nil, err
		}
		retries = append(retries, webhook.PendingRetry{Delivery: d, Payload: payload})
	}
	return retries, rows.Err()
}

// ListDeliveries returns the delivery history of a webhook, newest first
func (r *WebhookRepository) ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]models.WebhookDelivery, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, webhook_id, event_id, attempt, status_code, success,
			   error, is_final_attempt, next_retry_at, created_at
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		if err := rows.Scan(
			&d.ID, &d.WebhookID, &d.EventID, &d.Attempt, &d.StatusCode, &d.Success,
			&d.Error, &d.IsFinalAttempt, &d.NextRetryAt, &d.CreatedAt,
		); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

const webhookSelect = `
	SELECT id, org_id, url, secret_key, event_types, min_risk_level, enabled,
		   total_deliveries, success_count, failure_count, last_triggered_at, created_at
	FROM webhooks`

func scanWebhook(row rowScanner) (*models.Webhook, error) {
	w := &models.Webhook{}
	err := row.Scan(
		&w.ID, &w.OrgID, &w.URL, &w.SecretKey, &w.EventTypes, &w.MinRiskLevel,
		&w.Enabled, &w.TotalDeliveries, &w.SuccessCount, &w.FailureCount,
		&w.LastTriggeredAt, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func scanWebhooks(rows pgx.Rows) ([]models.Webhook, error) {
	var webhooks []models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, *w)
	}
	return webhooks, rows.Err()
}
