package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineliq/risk-engine/internal/models"
)

func validRequest() *IngestRequest {
	req := &IngestRequest{
		EventID:   uuid.NewString(),
		EventType: models.EventTxAttempted,
		Currency:  "USD",
		Payload:   models.JSONB{"merchant": "acme"},
	}
	req.Actor.UserID = "user-1"
	req.Actor.DeviceFingerprint = "dev-1"
	amount := 125.50
	req.Amount = &amount
	return req
}

func TestNormalizeValidRequest(t *testing.T) {
	svc := NewService(nil)

	req := validRequest()
	event, err := svc.normalize("org-1", "203.0.113.5", req)
	require.NoError(t, err)

	assert.Equal(t, req.EventID, event.ID.String())
	assert.Equal(t, "org-1", event.OrgID)
	assert.Equal(t, models.EventTxAttempted, event.EventType)
	assert.Equal(t, "user-1", event.Actor.UserID)
	assert.Equal(t, 125.50, *event.Amount)
	assert.False(t, event.OccurredAt.IsZero())
	assert.False(t, event.ReceivedAt.IsZero())

	// Missing actor IP falls back to the client address
	assert.Equal(t, "203.0.113.5", event.Actor.IPAddress)
}

func TestNormalizeKeepsSuppliedIPAndID(t *testing.T) {
	svc := NewService(nil)

	req := validRequest()
	req.Actor.IPAddress = "198.51.100.7"
	id := uuid.New()
	req.EventID = id.String()
	occurred := time.Now().Add(-time.Minute)
	req.OccurredAt = &occurred

	event, err := svc.normalize("org-1", "203.0.113.5", req)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", event.Actor.IPAddress)
	assert.Equal(t, id, event.ID)
	assert.True(t, event.OccurredAt.Equal(occurred))
}

func TestNormalizeRejections(t *testing.T) {
	svc := NewService(nil)
	lat, lon := 40.0, -74.0
	badLat := 120.0

	tests := []struct {
		name   string
		mutate func(*IngestRequest)
	}{
		{"unknown event type", func(r *IngestRequest) { r.EventType = "crypto.minted" }},
		{"lat without lon", func(r *IngestRequest) { r.Geo.Lat = &lat }},
		{"lon without lat", func(r *IngestRequest) { r.Geo.Lon = &lon }},
		{"lat out of range", func(r *IngestRequest) { r.Geo.Lat = &badLat; r.Geo.Lon = &lon }},
		{"negative amount", func(r *IngestRequest) { bad := -5.0; r.Amount = &bad }},
		{"malformed event id", func(r *IngestRequest) { r.EventID = "not-a-uuid" }},
		{"missing event id", func(r *IngestRequest) { r.EventID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			_, err := svc.normalize("org-1", "203.0.113.5", req)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestNormalizeAcceptsGeoPair(t *testing.T) {
	svc := NewService(nil)
	lat, lon := 40.7128, -74.0060

	req := validRequest()
	req.Geo.Lat = &lat
	req.Geo.Lon = &lon
	req.Geo.CountryCode = "US"

	event, err := svc.normalize("org-1", "203.0.113.5", req)
	require.NoError(t, err)
	assert.Equal(t, lat, *event.Geo.Lat)
	assert.Equal(t, "US", event.Geo.CountryCode)
}

func TestAuthRequestPromotion(t *testing.T) {
	svc := NewService(nil)
	success := true

	req := &AuthEventRequest{
		EventID:    uuid.NewString(),
		Success:    &success,
		AuthMethod: "password",
		MFAUsed:    true,
		Actor:      ActorInput{UserID: "user-1", DeviceFingerprint: "dev-1"},
	}

	event, err := svc.normalize("org-1", "203.0.113.5", req.Promote())
	require.NoError(t, err)
	assert.Equal(t, models.EventAuthLogin, event.EventType)
	assert.Equal(t, req.EventID, event.ID.String())
	assert.Equal(t, "user-1", event.Actor.UserID)
	assert.Equal(t, "password", event.Payload["auth_method"])
	assert.Equal(t, true, event.Payload["mfa_used"])

	// A failed attempt promotes to the failed-login event type
	failed := false
	req.Success = &failed
	event, err = svc.normalize("org-1", "203.0.113.5", req.Promote())
	require.NoError(t, err)
	assert.Equal(t, models.EventAuthFailed, event.EventType)
}

func TestTransactionRequestPromotion(t *testing.T) {
	svc := NewService(nil)
	amount := 2500.0

	req := &TransactionEventRequest{
		EventID:          uuid.NewString(),
		Amount:           &amount,
		Currency:         "EUR",
		Merchant:         "acme",
		MerchantCategory: "crypto",
		Actor:            ActorInput{UserID: "user-1"},
	}

	event, err := svc.normalize("org-1", "203.0.113.5", req.Promote())
	require.NoError(t, err)
	assert.Equal(t, models.EventTxAttempted, event.EventType)
	assert.Equal(t, 2500.0, *event.Amount)
	assert.Equal(t, "EUR", event.Currency)
	assert.Equal(t, "acme", event.Payload["merchant"])
	assert.Equal(t, "crypto", event.Payload["merchant_category"])

	req.Status = TxStatusCompleted
	event, err = svc.normalize("org-1", "203.0.113.5", req.Promote())
	require.NoError(t, err)
	assert.Equal(t, models.EventTxCompleted, event.EventType)
}

func TestIngestTransactionRejectsUnknownStatus(t *testing.T) {
	svc := NewService(nil)
	amount := 10.0

	req := &TransactionEventRequest{
		EventID:  uuid.NewString(),
		Status:   "settled",
		Amount:   &amount,
		Currency: "USD",
		Actor:    ActorInput{UserID: "user-1"},
	}

	_, err := svc.IngestTransaction(context.Background(), "org-1", "203.0.113.5", req)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestEventTypes(t *testing.T) {
	types := EventTypes()
	assert.Len(t, types, 6)
	assert.Contains(t, types, models.EventAuthLogin)
	assert.Contains(t, types, models.EventPayoutRequested)
	for _, et := range types {
		assert.True(t, knownEventTypes[et])
	}
}
