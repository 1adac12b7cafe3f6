package shadow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/rules"
)

// Service errors
var (
	ErrNotFound       = errors.New("shadow: result not found")
	ErrAlreadyLabeled = errors.New("shadow: result already labeled")
	ErrInvalidOutcome = errors.New("shadow: outcome must be fraud or legitimate")
)

// Store is the persistence boundary for shadow results
type Store interface {
	Create(ctx context.Context, result *models.ShadowResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ShadowResult, error)
	// Label sets the outcome only if the result is still unlabeled and
	// reports whether a row was updated.
	Label(ctx context.Context, id uuid.UUID, outcome string, labeledAt time.Time) (bool, error)
	ListByRule(ctx context.Context, orgID, ruleID string, since time.Time) ([]models.ShadowResult, error)
	ListPending(ctx context.Context, orgID string, limit int) ([]models.ShadowResult, error)
}

// RulesProvider exposes the active ruleset for candidate-rule evaluation
type RulesProvider interface {
	Current() *rules.Snapshot
}

// Service runs disabled rules in shadow against live traffic and tracks
// their accuracy once analysts label the outcomes.
type Service struct {
	store    Store
	registry RulesProvider
}

func NewService(store Store, registry RulesProvider) *Service {
	return &Service{store: store, registry: registry}
}

// Observe evaluates every disabled rule against the event and records what
// each would have done. Shadow evaluation never affects the live decision.
func (s *Service) Observe(ctx context.Context, event *models.Event, decision *models.RiskDecision) error {
	if s.registry == nil {
		return nil
	}
	snap := s.registry.Current()
	if snap == nil {
		return nil
	}

	blockAt := snap.Ruleset.Scoring.Thresholds.Block
	for _, rule := range snap.Ruleset.Rules {
		if rule.Enabled {
			continue
		}
		if !rules.Match(rule.Conditions, event) {
			continue
		}

		result := &models.ShadowResult{
			ID:               uuid.New(),
			OrgID:            event.OrgID,
			RuleID:           rule.ID,
			EventID:          event.ID,
			UserID:           event.Actor.UserID,
			WouldHaveBlocked: rule.ScoreValue() >= blockAt,
			Confidence:       rule.ScoreValue() * 100,
			CreatedAt:        time.Now(),
		}
		if err := s.store.Create(ctx, result); err != nil {
			return fmt.Errorf("failed to record shadow result: %w", err)
		}

		log.Debug().
			Str("rule_id", rule.ID).
			Str("event_id", event.ID.String()).
			Bool("would_have_blocked", result.WouldHaveBlocked).
			Msg("Shadow result recorded")
	}
	return nil
}

// Label attaches the ground-truth outcome to a result, exactly once
func (s *Service) Label(ctx context.Context, id uuid.UUID, outcome string) (*models.ShadowResult, error) {
	if outcome != models.OutcomeFraud && outcome != models.OutcomeLegitimate {
		return nil, ErrInvalidOutcome
	}

	updated, err := s.store.Label(ctx, id, outcome, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to label shadow result: %w", err)
	}
	if !updated {
		existing, err := s.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, ErrNotFound
		}
		return nil, ErrAlreadyLabeled
	}

	return s.store.GetByID(ctx, id)
}

// Accuracy computes the confusion matrix for a rule over a lookback window
func (s *Service) Accuracy(ctx context.Context, orgID, ruleID string, since time.Time) (*models.ShadowMetrics, error) {
	results, err := s.store.ListByRule(ctx, orgID, ruleID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load shadow results: %w", err)
	}
	metrics := ComputeMetrics(ruleID, results)
	return &metrics, nil
}

// Trends returns daily accuracy for a rule over a lookback window
func (s *Service) Trends(ctx context.Context, orgID, ruleID string, since time.Time) ([]DailyTrend, error) {
	results, err := s.store.ListByRule(ctx, orgID, ruleID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load shadow results: %w", err)
	}
	return ComputeTrends(ruleID, results), nil
}

// CompareRules ranks two candidate rules over the same window
func (s *Service) CompareRules(ctx context.Context, orgID, ruleA, ruleB string, since time.Time) (*Comparison, error) {
	ma, err := s.Accuracy(ctx, orgID, ruleA, since)
	if err != nil {
		return nil, err
	}
	mb, err := s.Accuracy(ctx, orgID, ruleB, since)
	if err != nil {
		return nil, err
	}
	c := Compare(*ma, *mb)
	return &c, nil
}

// Pending lists unlabeled results waiting for analyst review
func (s *Service) Pending(ctx context.Context, orgID string, limit int) ([]models.ShadowResult, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListPending(ctx, orgID, limit)
}

// RuleStats summarizes labeling progress for one rule
func (s *Service) RuleStats(ctx context.Context, orgID, ruleID string, since time.Time) (map[string]interface{}, error) {
	results, err := s.store.ListByRule(ctx, orgID, ruleID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load shadow results: %w", err)
	}

	var labeled, wouldBlock int64
	var confidenceSum float64
	for _, r := range results {
		if r.ActualOutcome != nil {
			labeled++
		}
		if r.WouldHaveBlocked {
			wouldBlock++
		}
		confidenceSum += r.Confidence
	}

	total := int64(len(results))
	avgConfidence := 0.0
	progress := 0.0
	if total > 0 {
		avgConfidence = confidenceSum / float64(total)
		progress = float64(labeled) / float64(total)
	}

	return map[string]interface{}{
		"rule_id":           ruleID,
		"total_results":     total,
		"labeled":           labeled,
		"unlabeled":         total - labeled,
		"would_have_blocked": wouldBlock,
		"avg_confidence":    avgConfidence,
		"labeling_progress": progress,
	}, nil
}
