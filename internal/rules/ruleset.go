package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sentineliq/risk-engine/internal/models"
)

// Rule type values
const (
	RuleTypeHard         = "hard"
	RuleTypeVelocity     = "velocity"
	RuleTypeBehavioral   = "behavioral"
	RuleTypeBehavioralML = "behavioral_ml"
)

// Thresholds maps a composite score onto a risk level and action
type Thresholds struct {
	Review    float64 `yaml:"review" json:"review"`
	Challenge float64 `yaml:"challenge" json:"challenge"`
	Block     float64 `yaml:"block" json:"block"`
}

// Scoring holds the weights and thresholds section of a rule file. The
// weight fields are pointers so a file that omits one fails validation
// instead of silently zeroing the blended score.
type Scoring struct {
	BaseRisk         *float64   `yaml:"base_risk" json:"base_risk"`
	VelocityWeight   *float64   `yaml:"velocity_weight" json:"velocity_weight"`
	BehavioralWeight *float64   `yaml:"behavioral_weight" json:"behavioral_weight"`
	Thresholds       Thresholds `yaml:"thresholds" json:"thresholds"`
}

// BaseRiskValue returns base_risk, zero when unset
func (s Scoring) BaseRiskValue() float64 { return floatValue(s.BaseRisk) }

// VelocityWeightValue returns velocity_weight, zero when unset
func (s Scoring) VelocityWeightValue() float64 { return floatValue(s.VelocityWeight) }

// BehavioralWeightValue returns behavioral_weight, zero when unset
func (s Scoring) BehavioralWeightValue() float64 { return floatValue(s.BehavioralWeight) }

// Rule is one scoring rule. Conditions is a map of event fields to either a
// literal (equality) or an operator map (in/eq/gt/gte/lt/lte). Score is a
// pointer for the same reason as the scoring weights: a missing score must
// be rejected, not read as zero.
type Rule struct {
	ID         string                 `yaml:"id" json:"id"`
	Name       string                 `yaml:"name" json:"name"`
	Type       string                 `yaml:"type" json:"type"`
	Enabled    bool                   `yaml:"enabled" json:"enabled"`
	Conditions map[string]interface{} `yaml:"conditions" json:"conditions"`
	Score      *float64               `yaml:"score" json:"score"`
}

// ScoreValue returns the rule score, zero when unset
func (r Rule) ScoreValue() float64 { return floatValue(r.Score) }

func floatValue(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// Gate is a hard block rule. A matching gate short-circuits evaluation.
type Gate struct {
	ID         string                 `yaml:"id" json:"id"`
	Name       string                 `yaml:"name" json:"name"`
	Conditions map[string]interface{} `yaml:"conditions" json:"conditions"`
	Score      float64                `yaml:"score" json:"score"`
}

// Combination boosts the score when a set of rules fire together.
// Boosts do not stack; only the largest matching boost applies.
type Combination struct {
	ID             string   `yaml:"id" json:"id"`
	TriggeredRules []string `yaml:"triggered_rules" json:"triggered_rules"`
	Boost          float64  `yaml:"boost" json:"boost"`
}

// Ruleset is a fully parsed rule file
type Ruleset struct {
	Scoring      Scoring       `yaml:"scoring" json:"scoring"`
	Rules        []Rule        `yaml:"rules" json:"rules"`
	Gates        []Gate        `yaml:"gates" json:"gates"`
	Combinations []Combination `yaml:"rule_combinations" json:"rule_combinations"`
}

// ValidationError carries every issue found in a candidate rule file
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rule validation failed: %s", strings.Join(e.Issues, "; "))
}

// Parse unmarshals a YAML rule file without validating it
func Parse(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	return &rs, nil
}

// Validate checks structural requirements on a parsed ruleset. All issues
// are collected so a bad file reports everything wrong with it at once.
func Validate(rs *Ruleset) error {
	var issues []string

	if rs.Rules == nil {
		issues = append(issues, "missing required section: rules")
	}
	if rs.Gates == nil {
		issues = append(issues, "missing required section: gates")
	}

	if rs.Scoring.BaseRisk == nil {
		issues = append(issues, "missing required field: scoring.base_risk")
	} else if *rs.Scoring.BaseRisk < 0 || *rs.Scoring.BaseRisk > 1 {
		issues = append(issues, "scoring.base_risk must be within [0, 1]")
	}
	if rs.Scoring.VelocityWeight == nil {
		issues = append(issues, "missing required field: scoring.velocity_weight")
	} else if *rs.Scoring.VelocityWeight < 0 || *rs.Scoring.VelocityWeight > 1 {
		issues = append(issues, "scoring.velocity_weight must be within [0, 1]")
	}
	if rs.Scoring.BehavioralWeight == nil {
		issues = append(issues, "missing required field: scoring.behavioral_weight")
	} else if *rs.Scoring.BehavioralWeight < 0 || *rs.Scoring.BehavioralWeight > 1 {
		issues = append(issues, "scoring.behavioral_weight must be within [0, 1]")
	}

	t := rs.Scoring.Thresholds
	if t.Review == 0 && t.Challenge == 0 && t.Block == 0 {
		issues = append(issues, "missing required section: scoring.thresholds")
	} else {
		if t.Review < 0 || t.Review > 1 || t.Challenge < 0 || t.Challenge > 1 || t.Block < 0 || t.Block > 1 {
			issues = append(issues, "scoring thresholds must be within [0, 1]")
		}
		if !(t.Review <= t.Challenge && t.Challenge <= t.Block) {
			issues = append(issues, "scoring thresholds must be ordered: review <= challenge <= block")
		}
	}

	seen := make(map[string]bool)
	for i, r := range rs.Rules {
		where := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			issues = append(issues, where+": missing id")
		} else {
			where = "rule " + r.ID
			if seen[r.ID] {
				issues = append(issues, where+": duplicate id")
			}
			seen[r.ID] = true
		}
		if r.Name == "" {
			issues = append(issues, where+": missing name")
		}
		switch r.Type {
		case RuleTypeHard, RuleTypeVelocity, RuleTypeBehavioral, RuleTypeBehavioralML:
		default:
			issues = append(issues, fmt.Sprintf("%s: invalid type %q", where, r.Type))
		}
		if r.Score == nil {
			issues = append(issues, where+": missing score")
		} else if *r.Score < 0 || *r.Score > 1 {
			issues = append(issues, where+": score must be within [0, 1]")
		}
	}

	for i, g := range rs.Gates {
		where := fmt.Sprintf("gates[%d]", i)
		if g.ID != "" {
			where = "gate " + g.ID
		} else {
			issues = append(issues, where+": missing id")
		}
		if len(g.Conditions) == 0 {
			issues = append(issues, where+": gates require conditions")
		}
		if g.Score < 0 || g.Score > 1 {
			issues = append(issues, where+": score must be within [0, 1]")
		}
	}

	for i, c := range rs.Combinations {
		where := fmt.Sprintf("rule_combinations[%d]", i)
		if c.ID != "" {
			where = "combination " + c.ID
		}
		if len(c.TriggeredRules) < 2 {
			issues = append(issues, where+": requires at least two triggered_rules")
		}
		if c.Boost < 0 || c.Boost > 1 {
			issues = append(issues, where+": boost must be within [0, 1]")
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// Hash computes the content hash of a ruleset over its canonical JSON form.
// Formatting-only edits to the YAML source produce the same hash.
func Hash(rs *Ruleset) string {
	data, _ := json.Marshal(rs)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Match reports whether every condition of a rule holds for the event.
// A rule with no conditions never matches.
func Match(conditions map[string]interface{}, event *models.Event) bool {
	if len(conditions) == 0 {
		return false
	}
	for field, cond := range conditions {
		value, ok := resolveField(field, event)
		if !ok {
			return false
		}
		if !matchCondition(cond, value) {
			return false
		}
	}
	return true
}

func resolveField(field string, event *models.Event) (interface{}, bool) {
	switch field {
	case "event_type":
		return event.EventType, true
	case "org_id":
		return event.OrgID, true
	case "user_id":
		return event.Actor.UserID, true
	case "ip_address":
		return event.Actor.IPAddress, true
	case "device_fingerprint":
		return event.Actor.DeviceFingerprint, true
	case "country_code":
		return event.Geo.CountryCode, true
	case "city":
		return event.Geo.City, true
	case "currency":
		return event.Currency, true
	case "amount":
		if event.Amount == nil {
			return nil, false
		}
		return *event.Amount, true
	default:
		if v, ok := event.Payload[field]; ok {
			return v, true
		}
		return nil, false
	}
}

func matchCondition(cond, value interface{}) bool {
	ops, ok := toStringKeyMap(cond)
	if !ok {
		return equalValues(cond, value)
	}

	for op, operand := range ops {
		switch op {
		case "eq":
			if !equalValues(operand, value) {
				return false
			}
		case "in":
			if !containsValue(operand, value) {
				return false
			}
		case "gt", "gte", "lt", "lte":
			lhs, ok1 := toFloat(value)
			rhs, ok2 := toFloat(operand)
			if !ok1 || !ok2 {
				return false
			}
			switch op {
			case "gt":
				if !(lhs > rhs) {
					return false
				}
			case "gte":
				if !(lhs >= rhs) {
					return false
				}
			case "lt":
				if !(lhs < rhs) {
					return false
				}
			case "lte":
				if !(lhs <= rhs) {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

// toStringKeyMap normalizes the map shapes yaml.v3 and encoding/json produce
func toStringKeyMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func containsValue(operand, value interface{}) bool {
	list, ok := operand.([]interface{})
	if !ok {
		return false
	}
	for _, item := range list {
		if equalValues(item, value) {
			return true
		}
	}
	return false
}

func equalValues(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
