package rules

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineliq/risk-engine/internal/models"
)

func fptr(v float64) *float64 { return &v }

func validRuleset() *Ruleset {
	return &Ruleset{
		Scoring: Scoring{
			BaseRisk:         fptr(0.1),
			VelocityWeight:   fptr(0.7),
			BehavioralWeight: fptr(0.3),
			Thresholds:       Thresholds{Review: 0.3, Challenge: 0.6, Block: 0.8},
		},
		Rules: []Rule{
			{ID: "high_amount", Name: "High amount", Type: RuleTypeHard, Enabled: true,
				Conditions: map[string]interface{}{"amount": map[string]interface{}{"gt": 10000}}, Score: fptr(0.6)},
		},
		Gates: []Gate{
			{ID: "sanctioned_country", Name: "Sanctioned country",
				Conditions: map[string]interface{}{"country_code": map[string]interface{}{"in": []interface{}{"KP", "IR"}}}, Score: 1.0},
		},
	}
}

func TestValidateAcceptsValidRuleset(t *testing.T) {
	require.NoError(t, Validate(validRuleset()))
}

func TestValidateCollectsAllIssues(t *testing.T) {
	rs := &Ruleset{
		Scoring: Scoring{Thresholds: Thresholds{Review: 0.9, Challenge: 0.5, Block: 1.5}},
		Rules: []Rule{
			{ID: "", Name: "", Type: "bogus", Score: fptr(2.0)},
			{ID: "dup", Name: "first", Type: RuleTypeHard, Score: fptr(0.5)},
			{ID: "dup", Name: "second", Type: RuleTypeHard, Score: fptr(0.5)},
		},
		Gates: []Gate{
			{ID: "empty_gate", Score: 0.5},
		},
		Combinations: []Combination{
			{ID: "single", TriggeredRules: []string{"dup"}, Boost: 1.2},
		},
	}

	err := Validate(rs)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// One bad file reports every issue at once
	assert.Contains(t, verr.Issues, "scoring thresholds must be within [0, 1]")
	assert.Contains(t, verr.Issues, "scoring thresholds must be ordered: review <= challenge <= block")
	assert.Contains(t, verr.Issues, "rules[0]: missing id")
	assert.Contains(t, verr.Issues, "rules[0]: missing name")
	assert.Contains(t, verr.Issues, `rules[0]: invalid type "bogus"`)
	assert.Contains(t, verr.Issues, "rules[0]: score must be within [0, 1]")
	assert.Contains(t, verr.Issues, "rule dup: duplicate id")
	assert.Contains(t, verr.Issues, "gate empty_gate: gates require conditions")
	assert.Contains(t, verr.Issues, "combination single: requires at least two triggered_rules")
	assert.Contains(t, verr.Issues, "combination single: boost must be within [0, 1]")
}

func TestValidateRejectsOmittedScoreAndWeights(t *testing.T) {
	// A file that leaves out scores and weights must fail validation
	// rather than evaluate with everything read as zero.
	src := []byte(`
scoring:
  thresholds:
    review: 0.3
    challenge: 0.6
    block: 0.8
rules:
  - id: no_score
    name: No score
    type: hard
    enabled: true
    conditions:
      event_type: transaction.attempted
gates: []
`)
	rs, err := Parse(src)
	require.NoError(t, err)

	err = Validate(rs)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Issues, "missing required field: scoring.base_risk")
	assert.Contains(t, verr.Issues, "missing required field: scoring.velocity_weight")
	assert.Contains(t, verr.Issues, "missing required field: scoring.behavioral_weight")
	assert.Contains(t, verr.Issues, "rule no_score: missing score")
}

func TestValidateDistinguishesZeroFromAbsent(t *testing.T) {
	rs := validRuleset()
	rs.Scoring.BaseRisk = fptr(0)
	rs.Rules[0].Score = fptr(0)
	require.NoError(t, Validate(rs))
}

func TestValidateMissingSections(t *testing.T) {
	err := Validate(&Ruleset{})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Issues, "missing required section: rules")
	assert.Contains(t, verr.Issues, "missing required section: gates")
	assert.Contains(t, verr.Issues, "missing required section: scoring.thresholds")
}

func TestHashIgnoresFormatting(t *testing.T) {
	a := []byte(`
scoring:
  thresholds:
    review: 0.3
    challenge: 0.6
    block: 0.8
rules:
  - id: r1
    name: Rule one
    type: hard
    enabled: true
    conditions:
      event_type: transaction.attempted
    score: 0.5
gates: []
`)
	// Same content, different indentation and key order
	b := []byte(`
gates: []
rules:
  - score: 0.5
    id: r1
    enabled: true
    type: hard
    name: Rule one
    conditions: {event_type: transaction.attempted}
scoring:
  thresholds: {block: 0.8, review: 0.3, challenge: 0.6}
`)

	rsA, err := Parse(a)
	require.NoError(t, err)
	rsB, err := Parse(b)
	require.NoError(t, err)

	assert.Equal(t, Hash(rsA), Hash(rsB))
}

func TestHashChangesWithContent(t *testing.T) {
	a := validRuleset()
	b := validRuleset()
	b.Rules[0].Score = fptr(0.7)

	assert.NotEqual(t, Hash(a), Hash(b))
}

func TestShippedRuleFileIsValid(t *testing.T) {
	data, err := os.ReadFile("../../rules/fraud_rules.yaml")
	require.NoError(t, err)

	rs, err := Parse(data)
	require.NoError(t, err)
	require.NoError(t, Validate(rs))

	gateIDs := make([]string, 0, len(rs.Gates))
	for _, g := range rs.Gates {
		gateIDs = append(gateIDs, g.ID)
	}
	assert.Contains(t, gateIDs, "sanctioned_region")

	ruleIDs := make([]string, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		ruleIDs = append(ruleIDs, r.ID)
	}
	assert.Contains(t, ruleIDs, "impossible_travel")
	assert.Contains(t, ruleIDs, "rapid_transactions")
	assert.Contains(t, ruleIDs, "multi_device")

	// Combinations only reference rules that exist
	known := make(map[string]bool, len(ruleIDs))
	for _, id := range ruleIDs {
		known[id] = true
	}
	for _, combo := range rs.Combinations {
		for _, id := range combo.TriggeredRules {
			assert.True(t, known[id], "combination %s references unknown rule %s", combo.ID, id)
		}
	}
}

func TestMatchOperators(t *testing.T) {
	amount := 15000.0
	event := &models.Event{
		EventType: models.EventTxAttempted,
		Actor:     models.ActorContext{UserID: "user-1", IPAddress: "10.0.0.1"},
		Geo:       models.GeoContext{CountryCode: "US"},
		Amount:    &amount,
		Currency:  "USD",
		Payload:   models.JSONB{"merchant_category": "crypto"},
	}

	tests := []struct {
		name       string
		conditions map[string]interface{}
		want       bool
	}{
		{"literal equality", map[string]interface{}{"event_type": "transaction.attempted"}, true},
		{"literal mismatch", map[string]interface{}{"event_type": "authentication.login"}, false},
		{"in operator", map[string]interface{}{"country_code": map[string]interface{}{"in": []interface{}{"US", "CA"}}}, true},
		{"in operator miss", map[string]interface{}{"country_code": map[string]interface{}{"in": []interface{}{"KP", "IR"}}}, false},
		{"gt on amount", map[string]interface{}{"amount": map[string]interface{}{"gt": 10000}}, true},
		{"gt not exceeded", map[string]interface{}{"amount": map[string]interface{}{"gt": 20000}}, false},
		{"gte boundary", map[string]interface{}{"amount": map[string]interface{}{"gte": 15000}}, true},
		{"lt", map[string]interface{}{"amount": map[string]interface{}{"lt": 20000}}, true},
		{"lte boundary", map[string]interface{}{"amount": map[string]interface{}{"lte": 15000}}, true},
		{"eq operator", map[string]interface{}{"currency": map[string]interface{}{"eq": "USD"}}, true},
		{"payload field", map[string]interface{}{"merchant_category": "crypto"}, true},
		{"missing payload field", map[string]interface{}{"mcc_code": "6051"}, false},
		{"all conditions must hold", map[string]interface{}{"event_type": "transaction.attempted", "country_code": "KP"}, false},
		{"empty conditions never match", map[string]interface{}{}, false},
		{"unknown operator", map[string]interface{}{"amount": map[string]interface{}{"near": 15000}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.conditions, event))
		})
	}
}

func TestMatchMissingAmount(t *testing.T) {
	event := &models.Event{EventType: models.EventAuthLogin}
	assert.False(t, Match(map[string]interface{}{"amount": map[string]interface{}{"gt": 0}}, event))
}
