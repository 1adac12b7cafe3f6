package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/models"
)

// retryDelays is the fixed backoff schedule between delivery attempts
var retryDelays = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

// Store is the persistence boundary for webhooks and their deliveries
type Store interface {
	ListActive(ctx context.Context, orgID string) ([]models.Webhook, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Webhook, error)
	RecordDelivery(ctx context.Context, d *models.WebhookDelivery, payload []byte) error
	UpdateCounters(ctx context.Context, webhookID uuid.UUID, success bool, at time.Time) error
	// DueRetries returns failed, non-final deliveries whose retry time has
	// come, along with the payload to resend, and marks them claimed.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]PendingRetry, error)
}

// PendingRetry is a scheduled redelivery loaded from the store
type PendingRetry struct {
	Delivery models.WebhookDelivery
	Payload  []byte
}

// GenerateSecret produces a server-generated signing secret.
// Subscribers never choose their own keys.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Sign computes the hex HMAC-SHA256 of the body under the webhook secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ShouldDeliver applies the webhook's filters: the event type must be in
// the subscription list (empty list means all types) and the decision's
// risk level must reach the configured minimum.
func ShouldDeliver(w *models.Webhook, eventType, riskLevel string) bool {
	if !w.Enabled {
		return false
	}
	if len(w.EventTypes) > 0 {
		found := false
		for _, et := range w.EventTypes {
			if et == eventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return models.RiskLevelRank(riskLevel) >= models.RiskLevelRank(w.MinRiskLevel)
}

// Dispatcher delivers decisions to subscriber endpoints with signed
// payloads and a fixed retry schedule.
type Dispatcher struct {
	store      Store
	client     *http.Client
	maxRetries int
}

func NewDispatcher(store Store, cfg configs.WebhookConfig) *Dispatcher {
	return &Dispatcher{
		store:      store,
		client:     &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
	}
}

// Dispatch fans a decision out to every matching webhook of the org.
// Delivery failures never propagate; they are recorded and retried.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.Event, decision *models.RiskDecision) {
	webhooks, err := d.store.ListActive(ctx, event.OrgID)
	if err != nil {
		log.Error().Err(err).Str("org_id", event.OrgID).Msg("Failed to list webhooks")
		return
	}

	for i := range webhooks {
		w := &webhooks[i]
		if !ShouldDeliver(w, event.EventType, decision.RiskLevel) {
			continue
		}

		payload := models.WebhookPayload{
			EventID:           decision.EventID,
			UserID:            decision.UserID,
			RiskScore:         decision.Score,
			RiskLevel:         decision.RiskLevel,
			TriggeredRules:    decision.TriggeredRules,
			RecommendedAction: decision.RecommendedAction,
			Timestamp:         decision.CreatedAt,
			WebhookAttempt:    1,
		}
		body, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal webhook payload")
			continue
		}

		d.attempt(ctx, w, decision.EventID, 1, body)
	}
}

// attempt performs one delivery attempt, records it and schedules the
// next retry if the attempt failed and budget remains.
func (d *Dispatcher) attempt(ctx context.Context, w *models.Webhook, eventID uuid.UUID, attempt int, body []byte) {
	// Keep the attempt number in the payload consistent with the header
	body = withAttempt(body, attempt)

	statusCode, deliverErr := d.send(ctx, w, eventID, attempt, body)

	isFinal := attempt > d.maxRetries
	delivery := &models.WebhookDelivery{
		ID:             uuid.New(),
		WebhookID:      w.ID,
		EventID:        eventID,
		Attempt:        attempt,
		Success:        deliverErr == nil,
		IsFinalAttempt: isFinal || deliverErr == nil,
		CreatedAt:      time.Now(),
	}
	if statusCode != 0 {
		delivery.StatusCode = &statusCode
	}
	if deliverErr != nil {
		msg := deliverErr.Error()
		delivery.Error = &msg

		if !isFinal {
			next := time.Now().Add(retryDelays[attempt-1])
			delivery.NextRetryAt = &next
			delivery.IsFinalAttempt = false
		}
	}

	if err := d.store.RecordDelivery(ctx, delivery, body); err != nil {
		log.Error().Err(err).Str("webhook_id", w.ID.String()).Msg("Failed to record webhook delivery")
	}
	if err := d.store.UpdateCounters(ctx, w.ID, delivery.Success, delivery.CreatedAt); err != nil {
		log.Error().Err(err).Str("webhook_id", w.ID.String()).Msg("Failed to update webhook counters")
	}

	if deliverErr != nil {
		log.Warn().
			Err(deliverErr).
			Str("webhook_id", w.ID.String()).
			Int("attempt", attempt).
			Bool("final", delivery.IsFinalAttempt).
			Msg("Webhook delivery failed")
	} else {
		log.Info().
			Str("webhook_id", w.ID.String()).
			Int("attempt", attempt).
			Msg("Webhook delivered")
	}
}

func (d *Dispatcher) send(ctx context.Context, w *models.Webhook, eventID uuid.UUID, attempt int, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(w.SecretKey, body))
	req.Header.Set("X-Delivery-Id", fmt.Sprintf("%s:%s:%d", w.ID, eventID, attempt))
	req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// RunRetryLoop polls for due redeliveries until ctx is cancelled
func (d *Dispatcher) RunRetryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Webhook retry loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Webhook retry loop stopped")
			return
		case <-ticker.C:
			d.processRetries(ctx)
		}
	}
}

func (d *Dispatcher) processRetries(ctx context.Context) {
	due, err := d.store.DueRetries(ctx, time.Now(), 100)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load due webhook retries")
		return
	}

	for _, retry := range due {
		w, err := d.store.GetByID(ctx, retry.Delivery.WebhookID)
		if err != nil || w == nil {
			log.Error().Err(err).Str("webhook_id", retry.Delivery.WebhookID.String()).Msg("Webhook missing for retry")
			continue
		}
		if !w.Enabled {
			continue
		}
		d.attempt(ctx, w, retry.Delivery.EventID, retry.Delivery.Attempt+1, retry.Payload)
	}
}

// withAttempt rewrites the webhook_attempt field for redeliveries
func withAttempt(body []byte, attempt int) []byte {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	payload["webhook_attempt"] = attempt
	out, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return out
}
