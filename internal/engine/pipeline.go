package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/internal/audit"
	"github.com/sentineliq/risk-engine/internal/models"
)

// DecisionStore persists decisions
type DecisionStore interface {
	Create(ctx context.Context, decision *models.RiskDecision) error
}

// AuditLogger appends to the tamper-evident audit chain
type AuditLogger interface {
	Append(ctx context.Context, orgID string, rec audit.Record) (*models.AuditEntry, error)
}

// LinkRecorder updates the link graph from event attributes
type LinkRecorder interface {
	RecordFromEvent(ctx context.Context, event *models.Event) error
}

// ShadowObserver runs candidate rules against live traffic
type ShadowObserver interface {
	Observe(ctx context.Context, event *models.Event, decision *models.RiskDecision) error
}

// Dispatcher delivers decisions to subscriber webhooks
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.Event, decision *models.RiskDecision)
}

// Notifier raises operator alerts for risky decisions
type Notifier interface {
	Notify(ctx context.Context, event *models.Event, decision *models.RiskDecision)
}

// DecisionPublisher mirrors decisions to the analytics topic
type DecisionPublisher interface {
	PublishDecision(ctx context.Context, decision *models.RiskDecision) error
}

// Pipeline runs a consumed event through evaluation and fans the decision
// out to storage, audit, link analysis, shadow rules, webhooks, alerts and
// the analytics mirror. Only decision persistence is load-bearing; every
// other sink logs its failure and the pipeline moves on.
type Pipeline struct {
	engine    *Engine
	decisions DecisionStore
	audit     AuditLogger
	links     LinkRecorder
	shadow    ShadowObserver
	webhooks  Dispatcher
	alerts    Notifier
	publisher DecisionPublisher
}

// NewPipeline wires the evaluation pipeline. Any sink except the decision
// store may be nil and is skipped.
func NewPipeline(
	engine *Engine,
	decisions DecisionStore,
	audit AuditLogger,
	links LinkRecorder,
	shadow ShadowObserver,
	webhooks Dispatcher,
	alerts Notifier,
	publisher DecisionPublisher,
) *Pipeline {
	return &Pipeline{
		engine:    engine,
		decisions: decisions,
		audit:     audit,
		links:     links,
		shadow:    shadow,
		webhooks:  webhooks,
		alerts:    alerts,
		publisher: publisher,
	}
}

// Process evaluates one event and distributes the resulting decision
func (p *Pipeline) Process(ctx context.Context, event *models.Event) error {
	decision := p.engine.Evaluate(ctx, event)

	if err := p.decisions.Create(ctx, decision); err != nil {
		return fmt.Errorf("failed to persist decision: %w", err)
	}

	if p.audit != nil {
		payload := models.JSONB{
			"event_id":           decision.EventID.String(),
			"risk_score":         decision.Score,
			"risk_level":         decision.RiskLevel,
			"recommended_action": decision.RecommendedAction,
			"triggered_rules":    decision.TriggeredRules,
			"fail_open":          decision.FailOpen,
		}
		rec := audit.Record{
			ActorID:      event.Actor.UserID,
			EventType:    "risk.decision",
			ResourceType: "decision",
			ResourceID:   decision.ID.String(),
			Payload:      payload,
		}
		if _, err := p.audit.Append(ctx, event.OrgID, rec); err != nil {
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("Failed to append audit entry")
		}
	}

	if p.links != nil {
		if err := p.links.RecordFromEvent(ctx, event); err != nil {
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("Failed to record link graph edges")
		}
	}

	if p.shadow != nil {
		if err := p.shadow.Observe(ctx, event, decision); err != nil {
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("Failed to record shadow results")
		}
	}

	if p.webhooks != nil {
		p.webhooks.Dispatch(ctx, event, decision)
	}
	if p.alerts != nil {
		p.alerts.Notify(ctx, event, decision)
	}

	if p.publisher != nil {
		if err := p.publisher.PublishDecision(ctx, decision); err != nil {
			log.Error().Err(err).Str("decision_id", decision.ID.String()).Msg("Failed to publish decision to analytics topic")
		}
	}

	log.Info().
		Str("event_id", event.ID.String()).
		Str("event_type", event.EventType).
		Str("risk_level", decision.RiskLevel).
		Str("action", decision.RecommendedAction).
		Float64("score", decision.Score).
		Int64("evaluation_ms", decision.EvaluationMs).
		Msg("Event evaluated")

	return nil
}
