package shadow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/rules"
)

// memoryShadowStore is an in-memory Store
type memoryShadowStore struct {
	results map[uuid.UUID]*models.ShadowResult
}

func newMemoryShadowStore() *memoryShadowStore {
	return &memoryShadowStore{results: make(map[uuid.UUID]*models.ShadowResult)}
}

func (m *memoryShadowStore) Create(_ context.Context, result *models.ShadowResult) error {
	copied := *result
	m.results[result.ID] = &copied
	return nil
}

func (m *memoryShadowStore) GetByID(_ context.Context, id uuid.UUID) (*models.ShadowResult, error) {
	r, ok := m.results[id]
	if !ok {
		return nil, nil
	}
	copied := *r
	return &copied, nil
}

func (m *memoryShadowStore) Label(_ context.Context, id uuid.UUID, outcome string, labeledAt time.Time) (bool, error) {
	r, ok := m.results[id]
	if !ok || r.ActualOutcome != nil {
		return false, nil
	}
	r.ActualOutcome = &outcome
	r.LabeledAt = &labeledAt
	return true, nil
}

func (m *memoryShadowStore) ListByRule(_ context.Context, orgID, ruleID string, since time.Time) ([]models.ShadowResult, error) {
	var out []models.ShadowResult
	for _, r := range m.results {
		if r.OrgID == orgID && r.RuleID == ruleID && !r.CreatedAt.Before(since) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memoryShadowStore) ListPending(_ context.Context, orgID string, limit int) ([]models.ShadowResult, error) {
	var out []models.ShadowResult
	for _, r := range m.results {
		if r.OrgID == orgID && r.ActualOutcome == nil {
			out = append(out, *r)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fixedRules struct {
	snap *rules.Snapshot
}

func (f *fixedRules) Current() *rules.Snapshot { return f.snap }

func fptr(v float64) *float64 { return &v }

func shadowRuleset() *rules.Snapshot {
	rs := &rules.Ruleset{
		Scoring: rules.Scoring{
			Thresholds: rules.Thresholds{Review: 0.3, Challenge: 0.6, Block: 0.8},
		},
		Rules: []rules.Rule{
			{ID: "live_rule", Name: "Live", Type: rules.RuleTypeHard, Enabled: true,
				Conditions: map[string]interface{}{"event_type": models.EventTxAttempted}, Score: fptr(0.5)},
			{ID: "candidate_block", Name: "Candidate block", Type: rules.RuleTypeHard, Enabled: false,
				Conditions: map[string]interface{}{"event_type": models.EventTxAttempted}, Score: fptr(0.9)},
			{ID: "candidate_soft", Name: "Candidate soft", Type: rules.RuleTypeBehavioral, Enabled: false,
				Conditions: map[string]interface{}{"event_type": models.EventTxAttempted}, Score: fptr(0.4)},
			{ID: "candidate_other_type", Name: "Other type", Type: rules.RuleTypeHard, Enabled: false,
				Conditions: map[string]interface{}{"event_type": models.EventAuthLogin}, Score: fptr(0.9)},
		},
		Gates: []rules.Gate{},
	}
	return &rules.Snapshot{Ruleset: rs, Version: "1.0.0", Hash: rules.Hash(rs)}
}

func shadowEvent() *models.Event {
	return &models.Event{
		ID:         uuid.New(),
		OrgID:      "org-1",
		EventType:  models.EventTxAttempted,
		Actor:      models.ActorContext{UserID: "user-1"},
		OccurredAt: time.Now(),
	}
}

func TestObserveRecordsDisabledMatchingRules(t *testing.T) {
	store := newMemoryShadowStore()
	svc := NewService(store, &fixedRules{shadowRuleset()})

	event := shadowEvent()
	require.NoError(t, svc.Observe(context.Background(), event, &models.RiskDecision{}))

	byRule := make(map[string]*models.ShadowResult)
	for _, r := range store.results {
		byRule[r.RuleID] = r
	}

	// Enabled rules and non-matching candidates are not shadowed
	require.Len(t, byRule, 2)
	assert.NotContains(t, byRule, "live_rule")
	assert.NotContains(t, byRule, "candidate_other_type")

	// A candidate at or above the block threshold would have blocked
	block := byRule["candidate_block"]
	require.NotNil(t, block)
	assert.True(t, block.WouldHaveBlocked)
	assert.InDelta(t, 90.0, block.Confidence, 1e-9)
	assert.Equal(t, event.ID, block.EventID)

	soft := byRule["candidate_soft"]
	require.NotNil(t, soft)
	assert.False(t, soft.WouldHaveBlocked)
	assert.InDelta(t, 40.0, soft.Confidence, 1e-9)
}

func TestObserveWithoutRulesetIsNoOp(t *testing.T) {
	store := newMemoryShadowStore()
	svc := NewService(store, &fixedRules{nil})
	require.NoError(t, svc.Observe(context.Background(), shadowEvent(), &models.RiskDecision{}))
	assert.Empty(t, store.results)
}

func TestLabelExactlyOnce(t *testing.T) {
	store := newMemoryShadowStore()
	svc := NewService(store, &fixedRules{shadowRuleset()})
	ctx := context.Background()

	result := &models.ShadowResult{
		ID:        uuid.New(),
		OrgID:     "org-1",
		RuleID:    "candidate_block",
		EventID:   uuid.New(),
		UserID:    "user-1",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Create(ctx, result))

	labeled, err := svc.Label(ctx, result.ID, models.OutcomeFraud)
	require.NoError(t, err)
	require.NotNil(t, labeled.ActualOutcome)
	assert.Equal(t, models.OutcomeFraud, *labeled.ActualOutcome)
	assert.NotNil(t, labeled.LabeledAt)

	// Second label attempt is rejected, even with the same outcome
	_, err = svc.Label(ctx, result.ID, models.OutcomeFraud)
	assert.ErrorIs(t, err, ErrAlreadyLabeled)
}

func TestLabelValidation(t *testing.T) {
	svc := NewService(newMemoryShadowStore(), &fixedRules{shadowRuleset()})
	ctx := context.Background()

	_, err := svc.Label(ctx, uuid.New(), "suspicious")
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = svc.Label(ctx, uuid.New(), models.OutcomeLegitimate)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccuracyOverWindow(t *testing.T) {
	store := newMemoryShadowStore()
	svc := NewService(store, &fixedRules{shadowRuleset()})
	ctx := context.Background()

	outcomes := []struct {
		blocked bool
		outcome string
	}{
		{true, models.OutcomeFraud},
		{true, models.OutcomeFraud},
		{true, models.OutcomeLegitimate},
		{false, models.OutcomeFraud},
	}
	for _, o := range outcomes {
		r := &models.ShadowResult{
			ID:               uuid.New(),
			OrgID:            "org-1",
			RuleID:           "candidate_block",
			WouldHaveBlocked: o.blocked,
			CreatedAt:        time.Now(),
		}
		require.NoError(t, store.Create(ctx, r))
		_, err := svc.Label(ctx, r.ID, o.outcome)
		require.NoError(t, err)
	}

	metrics, err := svc.Accuracy(ctx, "org-1", "candidate_block", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), metrics.TruePositives)
	assert.Equal(t, int64(1), metrics.FalsePositives)
	assert.Equal(t, int64(1), metrics.FalseNegatives)
	assert.InDelta(t, 2.0/3.0, metrics.Precision, 1e-9)
}

func TestCompareRules(t *testing.T) {
	store := newMemoryShadowStore()
	svc := NewService(store, &fixedRules{shadowRuleset()})
	ctx := context.Background()

	seed := func(ruleID string, tp, fp int) {
		for i := 0; i < tp; i++ {
			r := &models.ShadowResult{ID: uuid.New(), OrgID: "org-1", RuleID: ruleID, WouldHaveBlocked: true, CreatedAt: time.Now()}
			require.NoError(t, store.Create(ctx, r))
			_, err := svc.Label(ctx, r.ID, models.OutcomeFraud)
			require.NoError(t, err)
		}
		for i := 0; i < fp; i++ {
			r := &models.ShadowResult{ID: uuid.New(), OrgID: "org-1", RuleID: ruleID, WouldHaveBlocked: true, CreatedAt: time.Now()}
			require.NoError(t, store.Create(ctx, r))
			_, err := svc.Label(ctx, r.ID, models.OutcomeLegitimate)
			require.NoError(t, err)
		}
	}

	seed("rule_a", 9, 1)
	seed("rule_b", 5, 5)

	c, err := svc.CompareRules(ctx, "org-1", "rule_a", "rule_b", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "rule_a", c.Winner)
	assert.True(t, c.Significant)
}

func TestPendingDefaultsLimit(t *testing.T) {
	store := newMemoryShadowStore()
	svc := NewService(store, &fixedRules{shadowRuleset()})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, &models.ShadowResult{
			ID: uuid.New(), OrgID: "org-1", RuleID: "candidate_block", CreatedAt: time.Now(),
		}))
	}

	pending, err := svc.Pending(ctx, "org-1", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestRuleStats(t *testing.T) {
	store := newMemoryShadowStore()
	svc := NewService(store, &fixedRules{shadowRuleset()})
	ctx := context.Background()

	r1 := &models.ShadowResult{ID: uuid.New(), OrgID: "org-1", RuleID: "candidate_block", WouldHaveBlocked: true, Confidence: 90, CreatedAt: time.Now()}
	r2 := &models.ShadowResult{ID: uuid.New(), OrgID: "org-1", RuleID: "candidate_block", Confidence: 50, CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, r1))
	require.NoError(t, store.Create(ctx, r2))
	_, err := svc.Label(ctx, r1.ID, models.OutcomeFraud)
	require.NoError(t, err)

	stats, err := svc.RuleStats(ctx, "org-1", "candidate_block", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["total_results"])
	assert.Equal(t, int64(1), stats["labeled"])
	assert.Equal(t, int64(1), stats["unlabeled"])
	assert.InDelta(t, 70.0, stats["avg_confidence"].(float64), 1e-9)
	assert.InDelta(t, 0.5, stats["labeling_progress"].(float64), 1e-9)
}
