package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the normalized envelope accepted by the ingress gateway and
// carried through the outbox and the evaluation pipeline.
type Event struct {
	ID         uuid.UUID   `json:"event_id"`
	OrgID      string      `json:"org_id"`
	EventType  string      `json:"event_type"`
	Actor      ActorContext `json:"actor"`
	Geo        GeoContext  `json:"geo"`
	Amount     *float64    `json:"amount,omitempty"`
	Currency   string      `json:"currency,omitempty"`
	Payload    JSONB       `json:"payload,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
	ReceivedAt time.Time   `json:"received_at"`
	RetryCount int         `json:"retry_count,omitempty"`
}

// ActorContext identifies who performed the event
type ActorContext struct {
	UserID            string `json:"user_id"`
	IPAddress         string `json:"ip_address,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
}

// GeoContext carries optional geolocation attached to an event
type GeoContext struct {
	Lat         *float64 `json:"geo_lat,omitempty"`
	Lon         *float64 `json:"geo_lon,omitempty"`
	CountryCode string   `json:"country_code,omitempty"`
	City        string   `json:"city,omitempty"`
}

// EventType values recognized by the pipeline
const (
	EventAuthLogin       = "authentication.login"
	EventAuthFailed      = "authentication.failed"
	EventTxAttempted     = "transaction.attempted"
	EventTxCompleted     = "transaction.completed"
	EventAccountUpdated  = "account.updated"
	EventPayoutRequested = "payout.requested"
)

// RiskDecision is the outcome of evaluating a single event
type RiskDecision struct {
	ID                uuid.UUID `json:"id"`
	EventID           uuid.UUID `json:"event_id"`
	OrgID             string    `json:"org_id"`
	UserID            string    `json:"user_id"`
	Score             float64   `json:"risk_score"` // 0.0 - 1.0
	RiskLevel         string    `json:"risk_level"`
	RecommendedAction string    `json:"recommended_action"`
	TriggeredRules    []string  `json:"triggered_rules"`
	Confidence        float64   `json:"confidence"`
	RulesVersion      string    `json:"rules_version"`
	FailOpen          bool      `json:"fail_open"`
	EvaluationMs      int64     `json:"evaluation_ms"`
	CreatedAt         time.Time `json:"created_at"`
}

// RiskLevel enum values
const (
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// RecommendedAction enum values
const (
	ActionAllow     = "allow"
	ActionReview    = "review"
	ActionChallenge = "challenge"
	ActionBlock     = "block"
)

// RiskLevelRank orders risk levels for threshold comparisons.
// Unknown levels rank below low.
func RiskLevelRank(level string) int {
	switch level {
	case RiskLevelLow:
		return 0
	case RiskLevelMedium:
		return 1
	case RiskLevelHigh:
		return 2
	case RiskLevelCritical:
		return 3
	default:
		return -1
	}
}

// OutboxEntry is a row in the transactional outbox. Entries are written in
// the same transaction as the event and published to the bus by the poller.
type OutboxEntry struct {
	ID          uuid.UUID  `json:"id"`
	EventID     uuid.UUID  `json:"event_id"`
	OrgID       string     `json:"org_id"`
	EventType   string     `json:"event_type"`
	Payload     JSONB      `json:"payload"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// OutboxStatus enum values
const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

// OutboxStats summarizes outbox health for the monitor endpoint
type OutboxStats struct {
	Total            int64   `json:"total"`
	Pending          int64   `json:"pending"`
	Published        int64   `json:"published"`
	Failed           int64   `json:"failed"`
	AvgPublishMs     float64 `json:"avg_publish_ms"`
	OldestPendingAge float64 `json:"oldest_pending_age_seconds"`
}

// AuditEntry is one link of a per-org hash chain. CurrHash commits to the
// previous hash, the actor, the event type, the scrubbed payload and the
// timestamp; Sequence is strictly increasing per org. ResourceType and
// ResourceID classify the subject for filtered listings and are not part
// of the hash.
type AuditEntry struct {
	ID           uuid.UUID `json:"id"`
	OrgID        string    `json:"org_id"`
	ActorID      string    `json:"actor_id"`
	EventType    string    `json:"event_type"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Payload      JSONB     `json:"payload"`
	PrevHash     string    `json:"prev_hash"`
	CurrHash     string    `json:"curr_hash"`
	Sequence     int64     `json:"sequence"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditAnomaly describes a single chain verification failure
type AuditAnomaly struct {
	Sequence int64     `json:"sequence"`
	EntryID  uuid.UUID `json:"entry_id"`
	Issue    string    `json:"issue"` // TAMPERING or CHAIN BROKEN
	Detail   string    `json:"detail"`
}

// Audit anomaly issue values
const (
	AuditIssueTampering   = "TAMPERING"
	AuditIssueChainBroken = "CHAIN BROKEN"
)

// ComplianceControl maps audit activity onto one control of a framework
type ComplianceControl struct {
	Control     string   `json:"control"`
	Description string   `json:"description"`
	EventTypes  []string `json:"event_types"`
	EventCount  int64    `json:"event_count"`
}

// ComplianceReport is the per-framework view over an org's audit chain
type ComplianceReport struct {
	Framework     string              `json:"framework"`
	OrgID         string              `json:"org_id"`
	PeriodStart   time.Time           `json:"period_start"`
	PeriodEnd     time.Time           `json:"period_end"`
	Controls      []ComplianceControl `json:"controls"`
	TotalEvents   int64               `json:"total_events"`
	ChainVerified bool                `json:"chain_verified"`
	GeneratedAt   time.Time           `json:"generated_at"`
}

// UserConnection is an undirected edge in the link graph. UserA < UserB
// lexicographically so each pair maps to exactly one row. Strength is a
// normalized weight in [0, 1]; shared-device edges carry more weight than
// shared-IP edges.
type UserConnection struct {
	ID             uuid.UUID `json:"id"`
	OrgID          string    `json:"org_id"`
	UserA          string    `json:"user_a"`
	UserB          string    `json:"user_b"`
	ConnectionType string    `json:"connection_type"`
	Strength       float64   `json:"strength"`
	EventCount     int64     `json:"event_count"`
	FlaggedRing    bool      `json:"flagged_ring"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// ConnectionType enum values
const (
	ConnectionSharedDevice  = "shared_device"
	ConnectionSharedIP      = "shared_ip"
	ConnectionSharedPayment = "shared_payment_method"
	ConnectionMoneyFlow     = "money_flow"
)

// GraphNode and GraphEdge describe the exported visualization graph
type GraphNode struct {
	ID        string  `json:"id"`
	Label     string  `json:"label"`
	Size      float64 `json:"size"`
	RiskScore float64 `json:"risk_score"`
	RiskLevel string  `json:"risk_level"`
	IsHub     bool    `json:"is_hub"`
}

type GraphEdge struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Type        string  `json:"type"`
	Weight      float64 `json:"weight"`
	EventCount  int64   `json:"event_count"`
	FlaggedRing bool    `json:"flagged_ring"`
}

type GraphData struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// ShadowResult records what a candidate rule would have done to a live
// event without affecting the decision.
type ShadowResult struct {
	ID               uuid.UUID  `json:"id"`
	OrgID            string     `json:"org_id"`
	RuleID           string     `json:"rule_id"`
	EventID          uuid.UUID  `json:"event_id"`
	UserID           string     `json:"user_id"`
	WouldHaveBlocked bool       `json:"would_have_blocked"`
	Confidence       float64    `json:"confidence"` // 0-100
	ActualOutcome    *string    `json:"actual_outcome,omitempty"`
	LabeledAt        *time.Time `json:"labeled_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Shadow outcome label values
const (
	OutcomeFraud      = "fraud"
	OutcomeLegitimate = "legitimate"
)

// ShadowMetrics is the confusion matrix and derived scores for one rule
type ShadowMetrics struct {
	RuleID         string  `json:"rule_id"`
	TruePositives  int64   `json:"true_positives"`
	FalsePositives int64   `json:"false_positives"`
	FalseNegatives int64   `json:"false_negatives"`
	TrueNegatives  int64   `json:"true_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1Score        float64 `json:"f1_score"`
	TotalResults   int64   `json:"total_results"`
	LabeledResults int64   `json:"labeled_results"`
	Recommendation string  `json:"recommendation"`
}

// Shadow recommendation values
const (
	ShadowPromote    = "promote"
	ShadowTune       = "tune"
	ShadowKeepShadow = "keep_shadow"
)

// Webhook is a registered delivery endpoint with its filters and counters
type Webhook struct {
	ID              uuid.UUID  `json:"id"`
	OrgID           string     `json:"org_id"`
	URL             string     `json:"url"`
	SecretKey       string     `json:"-"`
	EventTypes      []string   `json:"event_types"`
	MinRiskLevel    string     `json:"min_risk_level"`
	Enabled         bool       `json:"enabled"`
	TotalDeliveries int64      `json:"total_deliveries"`
	SuccessCount    int64      `json:"success_count"`
	FailureCount    int64      `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// WebhookDelivery is one attempt (or scheduled retry) against a webhook
type WebhookDelivery struct {
	ID             uuid.UUID  `json:"id"`
	WebhookID      uuid.UUID  `json:"webhook_id"`
	EventID        uuid.UUID  `json:"event_id"`
	Attempt        int        `json:"attempt"`
	StatusCode     *int       `json:"status_code,omitempty"`
	Success        bool       `json:"success"`
	Error          *string    `json:"error,omitempty"`
	IsFinalAttempt bool       `json:"is_final_attempt"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// WebhookPayload is the body POSTed to subscriber endpoints
type WebhookPayload struct {
	EventID           uuid.UUID `json:"event_id"`
	UserID            string    `json:"user_id"`
	RiskScore         float64   `json:"risk_score"`
	RiskLevel         string    `json:"risk_level"`
	TriggeredRules    []string  `json:"triggered_rules"`
	RecommendedAction string    `json:"recommended_action"`
	Timestamp         time.Time `json:"timestamp"`
	WebhookAttempt    int       `json:"webhook_attempt"`
}

// JSONB is a helper type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Pagination represents pagination parameters
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

// PaginatedResponse wraps paginated results
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// DecisionMetrics aggregates decision throughput for the analytics worker
type DecisionMetrics struct {
	Timestamp        time.Time        `json:"timestamp"`
	TotalDecisions   int64            `json:"total_decisions"`
	DecisionsPerSec  float64          `json:"decisions_per_sec"`
	ByRiskLevel      map[string]int64 `json:"by_risk_level"`
	ByAction         map[string]int64 `json:"by_action"`
	FailOpenCount    int64            `json:"fail_open_count"`
	AvgEvaluationMs  float64          `json:"avg_evaluation_ms"`
	TopTriggeredRule string           `json:"top_triggered_rule"`
}
