package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/repositories"
)

// ErrInvalidEvent wraps schema validation failures
var ErrInvalidEvent = errors.New("invalid event")

// knownEventTypes is the accepted event vocabulary
var knownEventTypes = map[string]bool{
	models.EventAuthLogin:       true,
	models.EventAuthFailed:      true,
	models.EventTxAttempted:     true,
	models.EventTxCompleted:     true,
	models.EventAccountUpdated:  true,
	models.EventPayoutRequested: true,
}

// EventTypes lists every accepted event type
func EventTypes() []string {
	return []string{
		models.EventAuthLogin,
		models.EventAuthFailed,
		models.EventTxAttempted,
		models.EventTxCompleted,
		models.EventAccountUpdated,
		models.EventPayoutRequested,
	}
}

// ActorInput is the actor block shared by every ingestion body
type ActorInput struct {
	UserID            string `json:"user_id" binding:"required"`
	IPAddress         string `json:"ip_address"`
	UserAgent         string `json:"user_agent"`
	DeviceFingerprint string `json:"device_fingerprint"`
	SessionID         string `json:"session_id"`
}

// GeoInput is the optional location block shared by every ingestion body
type GeoInput struct {
	Lat         *float64 `json:"geo_lat"`
	Lon         *float64 `json:"geo_lon"`
	CountryCode string   `json:"country_code"`
	City        string   `json:"city"`
}

// IngestRequest is the JSON body accepted by the ingestion endpoint
type IngestRequest struct {
	EventID    string       `json:"event_id" binding:"required"`
	EventType  string       `json:"event_type" binding:"required"`
	Actor      ActorInput   `json:"actor" binding:"required"`
	Geo        GeoInput     `json:"geo"`
	Amount     *float64     `json:"amount"`
	Currency   string       `json:"currency"`
	Payload    models.JSONB `json:"payload"`
	OccurredAt *time.Time   `json:"occurred_at"`
}

// AuthEventRequest is the type-specific body for the auth convenience
// endpoint. Success selects between login and failed-login event types.
type AuthEventRequest struct {
	EventID    string     `json:"event_id" binding:"required"`
	Success    *bool      `json:"success" binding:"required"`
	AuthMethod string     `json:"auth_method"`
	MFAUsed    bool       `json:"mfa_used"`
	Actor      ActorInput `json:"actor" binding:"required"`
	Geo        GeoInput   `json:"geo"`
	OccurredAt *time.Time `json:"occurred_at"`
}

// Promote converts the auth payload to the canonical event shape
func (r *AuthEventRequest) Promote() *IngestRequest {
	eventType := models.EventAuthLogin
	if r.Success != nil && !*r.Success {
		eventType = models.EventAuthFailed
	}
	return &IngestRequest{
		EventID:   r.EventID,
		EventType: eventType,
		Actor:     r.Actor,
		Geo:       r.Geo,
		Payload: models.JSONB{
			"auth_method": r.AuthMethod,
			"mfa_used":    r.MFAUsed,
		},
		OccurredAt: r.OccurredAt,
	}
}

// Transaction statuses accepted by the convenience endpoint
const (
	TxStatusAttempted = "attempted"
	TxStatusCompleted = "completed"
)

// TransactionEventRequest is the type-specific body for the transaction
// convenience endpoint
type TransactionEventRequest struct {
	EventID          string     `json:"event_id" binding:"required"`
	Status           string     `json:"status"`
	Amount           *float64   `json:"amount" binding:"required"`
	Currency         string     `json:"currency" binding:"required"`
	Merchant         string     `json:"merchant"`
	MerchantCategory string     `json:"merchant_category"`
	Actor            ActorInput `json:"actor" binding:"required"`
	Geo              GeoInput   `json:"geo"`
	OccurredAt       *time.Time `json:"occurred_at"`
}

// Promote converts the transaction payload to the canonical event shape
func (r *TransactionEventRequest) Promote() *IngestRequest {
	eventType := models.EventTxAttempted
	if r.Status == TxStatusCompleted {
		eventType = models.EventTxCompleted
	}
	payload := models.JSONB{}
	if r.Merchant != "" {
		payload["merchant"] = r.Merchant
	}
	if r.MerchantCategory != "" {
		payload["merchant_category"] = r.MerchantCategory
	}
	return &IngestRequest{
		EventID:    r.EventID,
		EventType:  eventType,
		Actor:      r.Actor,
		Geo:        r.Geo,
		Amount:     r.Amount,
		Currency:   r.Currency,
		Payload:    payload,
		OccurredAt: r.OccurredAt,
	}
}

// Service validates, enriches and durably accepts events. Acceptance is
// transactional with the outbox entry, so an acknowledged event is
// guaranteed to reach the bus.
type Service struct {
	repo *repositories.OutboxRepository
}

func NewService(repo *repositories.OutboxRepository) *Service {
	return &Service{repo: repo}
}

// Ingest accepts one event for an org. clientIP fills the actor IP when
// the producer did not supply one.
func (s *Service) Ingest(ctx context.Context, orgID, clientIP string, req *IngestRequest) (*models.Event, error) {
	event, err := s.normalize(orgID, clientIP, req)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.InsertEventWithOutbox(ctx, event); err != nil {
		if errors.Is(err, repositories.ErrDuplicateEvent) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to accept event: %w", err)
	}

	log.Info().
		Str("event_id", event.ID.String()).
		Str("org_id", orgID).
		Str("event_type", event.EventType).
		Msg("Event accepted")

	return event, nil
}

func (s *Service) normalize(orgID, clientIP string, req *IngestRequest) (*models.Event, error) {
	if !knownEventTypes[req.EventType] {
		return nil, fmt.Errorf("%w: unknown event_type %q", ErrInvalidEvent, req.EventType)
	}
	if (req.Geo.Lat == nil) != (req.Geo.Lon == nil) {
		return nil, fmt.Errorf("%w: geo_lat and geo_lon must be supplied together", ErrInvalidEvent)
	}
	if req.Geo.Lat != nil {
		if *req.Geo.Lat < -90 || *req.Geo.Lat > 90 || *req.Geo.Lon < -180 || *req.Geo.Lon > 180 {
			return nil, fmt.Errorf("%w: geo coordinates out of range", ErrInvalidEvent)
		}
	}
	if req.Amount != nil && *req.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidEvent)
	}

	// The producer owns the event identity: a missing event_id is rejected
	// rather than replaced, so retries stay deduplicable.
	if req.EventID == "" {
		return nil, fmt.Errorf("%w: missing event_id", ErrInvalidEvent)
	}
	id, err := uuid.Parse(req.EventID)
	if err != nil {
		return nil, fmt.Errorf("%w: event_id must be a UUID", ErrInvalidEvent)
	}

	now := time.Now()
	occurredAt := now
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}

	event := &models.Event{
		ID:        id,
		OrgID:     orgID,
		EventType: req.EventType,
		Actor: models.ActorContext{
			UserID:            req.Actor.UserID,
			IPAddress:         req.Actor.IPAddress,
			UserAgent:         req.Actor.UserAgent,
			DeviceFingerprint: req.Actor.DeviceFingerprint,
			SessionID:         req.Actor.SessionID,
		},
		Geo: models.GeoContext{
			Lat:         req.Geo.Lat,
			Lon:         req.Geo.Lon,
			CountryCode: req.Geo.CountryCode,
			City:        req.Geo.City,
		},
		Amount:     req.Amount,
		Currency:   req.Currency,
		Payload:    req.Payload,
		OccurredAt: occurredAt,
		ReceivedAt: now,
	}

	if event.Actor.IPAddress == "" {
		event.Actor.IPAddress = clientIP
	}

	return event, nil
}

// IngestAuth accepts an authentication event via the convenience shape
func (s *Service) IngestAuth(ctx context.Context, orgID, clientIP string, req *AuthEventRequest) (*models.Event, error) {
	return s.Ingest(ctx, orgID, clientIP, req.Promote())
}

// IngestTransaction accepts a transaction event via the convenience shape
func (s *Service) IngestTransaction(ctx context.Context, orgID, clientIP string, req *TransactionEventRequest) (*models.Event, error) {
	switch req.Status {
	case "", TxStatusAttempted, TxStatusCompleted:
	default:
		return nil, fmt.Errorf("%w: unknown transaction status %q", ErrInvalidEvent, req.Status)
	}
	return s.Ingest(ctx, orgID, clientIP, req.Promote())
}

// GetEvent loads a previously accepted event
func (s *Service) GetEvent(ctx context.Context, orgID string, id uuid.UUID) (*models.Event, error) {
	return s.repo.GetEvent(ctx, orgID, id)
}
