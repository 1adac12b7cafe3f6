package engine

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/rules"
	"github.com/sentineliq/risk-engine/internal/state"
)

// FailOpenRule is the marker rule ID attached to fail-open decisions
const FailOpenRule = "evaluation_error"

// StateStore is the velocity state the engine reads and writes per event
type StateStore interface {
	IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetLastLocation(ctx context.Context, userID string) (*state.LastLocation, error)
	SetLastLocation(ctx context.Context, userID string, loc state.LastLocation, ttl time.Duration) error
	IsKnownDevice(ctx context.Context, userID, fingerprint string) (bool, error)
	RememberDevice(ctx context.Context, userID, fingerprint string, ttl time.Duration) error
	TrackNewDevice(ctx context.Context, userID, fingerprint string, window time.Duration) (int64, error)
}

// RulesProvider exposes the active ruleset snapshot
type RulesProvider interface {
	Current() *rules.Snapshot
}

// Engine evaluates events against the active ruleset and velocity state.
// Evaluate never returns an error: any internal failure degrades to a
// conservative fail-open decision so the event flow is never blocked.
type Engine struct {
	cfg      configs.EngineConfig
	registry RulesProvider
	store    StateStore

	failOpenCount atomic.Int64
}

// New creates an engine over a rules provider and a state store
func New(cfg configs.EngineConfig, registry RulesProvider, store StateStore) *Engine {
	return &Engine{cfg: cfg, registry: registry, store: store}
}

// Evaluate scores a single event. The pipeline is: hard gates (short
// circuit), velocity rules, behavioral rules, weighted blend, combination
// boosts, threshold mapping, confidence.
func (e *Engine) Evaluate(ctx context.Context, event *models.Event) *models.RiskDecision {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.EvalTimeout)
	defer cancel()

	snap := e.registry.Current()
	if snap == nil {
		return e.failOpen(event, start, "", rules.ErrNotLoaded)
	}

	decision, err := e.evaluate(ctx, event, snap)
	if err != nil {
		return e.failOpen(event, start, snap.Version, err)
	}

	decision.EvaluationMs = time.Since(start).Milliseconds()
	return decision
}

func (e *Engine) evaluate(ctx context.Context, event *models.Event, snap *rules.Snapshot) (*models.RiskDecision, error) {
	rs := snap.Ruleset

	// Hard gates short-circuit everything else
	var gateScore float64
	var gateRules []string
	for _, gate := range rs.Gates {
		if rules.Match(gate.Conditions, event) {
			gateRules = append(gateRules, gate.ID)
			gateScore = math.Max(gateScore, gate.Score)
		}
	}
	if len(gateRules) > 0 {
		return &models.RiskDecision{
			ID:                uuid.New(),
			EventID:           event.ID,
			OrgID:             event.OrgID,
			UserID:            event.Actor.UserID,
			Score:             gateScore,
			RiskLevel:         models.RiskLevelCritical,
			RecommendedAction: models.ActionBlock,
			TriggeredRules:    gateRules,
			Confidence:        1.0,
			RulesVersion:      snap.Version,
			CreatedAt:         time.Now(),
		}, nil
	}

	var triggered []string
	var coreMax, behavioralMax float64

	for _, rule := range rs.Rules {
		if !rule.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fired, err := e.evaluateRule(ctx, rule, event)
		if err != nil {
			return nil, err
		}
		if !fired {
			continue
		}

		triggered = append(triggered, rule.ID)
		switch rule.Type {
		case rules.RuleTypeBehavioral, rules.RuleTypeBehavioralML:
			behavioralMax = math.Max(behavioralMax, rule.ScoreValue())
		default:
			coreMax = math.Max(coreMax, rule.ScoreValue())
		}
	}

	coreMax = math.Max(coreMax, rs.Scoring.BaseRiskValue())

	// Weighted blend only when both components contribute
	var score float64
	switch {
	case coreMax > 0 && behavioralMax > 0:
		score = rs.Scoring.VelocityWeightValue()*coreMax + rs.Scoring.BehavioralWeightValue()*behavioralMax
	case behavioralMax > 0:
		score = behavioralMax
	default:
		score = coreMax
	}

	// Combination boosts do not stack; the largest matching boost wins
	var boost float64
	for _, combo := range rs.Combinations {
		if containsAll(triggered, combo.TriggeredRules) {
			boost = math.Max(boost, combo.Boost)
		}
	}
	score = math.Min(1.0, score+boost)

	level, action := mapThresholds(score, rs.Scoring.Thresholds)

	return &models.RiskDecision{
		ID:                uuid.New(),
		EventID:           event.ID,
		OrgID:             event.OrgID,
		UserID:            event.Actor.UserID,
		Score:             score,
		RiskLevel:         level,
		RecommendedAction: action,
		TriggeredRules:    triggered,
		Confidence:        confidence(len(triggered), score),
		RulesVersion:      snap.Version,
		CreatedAt:         time.Now(),
	}, nil
}

// evaluateRule dispatches built-in velocity rules to their stateful checks;
// everything else is plain condition matching. Built-ins still require
// their conditions to match so the rule file scopes them to event types.
func (e *Engine) evaluateRule(ctx context.Context, rule rules.Rule, event *models.Event) (bool, error) {
	if !rules.Match(rule.Conditions, event) {
		return false, nil
	}

	switch rule.ID {
	case RuleImpossibleTravel:
		return e.checkImpossibleTravel(ctx, event)
	case RuleRapidTransactions:
		return e.checkRapidTransactions(ctx, event)
	case RuleMultiDevice:
		return e.checkMultiDevice(ctx, event)
	default:
		return true, nil
	}
}

func mapThresholds(score float64, t rules.Thresholds) (string, string) {
	switch {
	case score < t.Review:
		return models.RiskLevelLow, models.ActionAllow
	case score < t.Challenge:
		return models.RiskLevelMedium, models.ActionReview
	case score < t.Block:
		return models.RiskLevelHigh, models.ActionChallenge
	default:
		return models.RiskLevelCritical, models.ActionBlock
	}
}

// confidence grows with the number of agreeing rules and the score itself
func confidence(ruleCount int, score float64) float64 {
	agreement := math.Min(1.0, float64(ruleCount)/3.0)
	return (agreement + score) / 2.0
}

// failOpen produces the degraded decision used when evaluation cannot
// complete. The caller is never failed; the event is allowed at low risk
// and the occurrence is counted for alerting.
func (e *Engine) failOpen(event *models.Event, start time.Time, rulesVersion string, cause error) *models.RiskDecision {
	count := e.failOpenCount.Add(1)

	log.Error().
		Err(cause).
		Str("event_id", event.ID.String()).
		Str("org_id", event.OrgID).
		Int64("fail_open_total", count).
		Msg("Evaluation failed open")

	return &models.RiskDecision{
		ID:                uuid.New(),
		EventID:           event.ID,
		OrgID:             event.OrgID,
		UserID:            event.Actor.UserID,
		Score:             0.2,
		RiskLevel:         models.RiskLevelLow,
		RecommendedAction: models.ActionAllow,
		TriggeredRules:    []string{FailOpenRule},
		Confidence:        0.5,
		RulesVersion:      rulesVersion,
		FailOpen:          true,
		EvaluationMs:      time.Since(start).Milliseconds(),
		CreatedAt:         time.Now(),
	}
}

// FailOpenCount reports how many decisions failed open since start
func (e *Engine) FailOpenCount() int64 {
	return e.failOpenCount.Load()
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return false
	}
	set := make(map[string]bool, len(have))
	for _, id := range have {
		set[id] = true
	}
	for _, id := range want {
		if !set[id] {
			return false
		}
	}
	return true
}
