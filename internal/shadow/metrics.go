package shadow

import (
	"sort"

	"github.com/sentineliq/risk-engine/internal/models"
)

// Promotion bands on F1
const (
	promoteThreshold = 0.92
	tuneThreshold    = 0.80
)

// ComputeMetrics builds the confusion matrix over labeled results and
// derives precision, recall, F1 and the promotion recommendation.
// Undefined ratios (0/0) are reported as 0.
func ComputeMetrics(ruleID string, results []models.ShadowResult) models.ShadowMetrics {
	m := models.ShadowMetrics{RuleID: ruleID, TotalResults: int64(len(results))}

	for _, r := range results {
		if r.ActualOutcome == nil {
			continue
		}
		m.LabeledResults++
		fraud := *r.ActualOutcome == models.OutcomeFraud
		switch {
		case r.WouldHaveBlocked && fraud:
			m.TruePositives++
		case r.WouldHaveBlocked && !fraud:
			m.FalsePositives++
		case !r.WouldHaveBlocked && fraud:
			m.FalseNegatives++
		default:
			m.TrueNegatives++
		}
	}

	if m.TruePositives+m.FalsePositives > 0 {
		m.Precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		m.Recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if m.Precision+m.Recall > 0 {
		m.F1Score = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}

	switch {
	case m.F1Score >= promoteThreshold:
		m.Recommendation = models.ShadowPromote
	case m.F1Score >= tuneThreshold:
		m.Recommendation = models.ShadowTune
	default:
		m.Recommendation = models.ShadowKeepShadow
	}

	return m
}

// DailyTrend is one day of accuracy metrics for a rule
type DailyTrend struct {
	Date    string               `json:"date"`
	Metrics models.ShadowMetrics `json:"metrics"`
}

// ComputeTrends groups results by calendar day and computes per-day metrics
func ComputeTrends(ruleID string, results []models.ShadowResult) []DailyTrend {
	byDay := make(map[string][]models.ShadowResult)
	for _, r := range results {
		day := r.CreatedAt.UTC().Format("2006-01-02")
		byDay[day] = append(byDay[day], r)
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	trends := make([]DailyTrend, 0, len(days))
	for _, day := range days {
		trends = append(trends, DailyTrend{Date: day, Metrics: ComputeMetrics(ruleID, byDay[day])})
	}
	return trends
}

// Comparison pits two candidate rules against each other. The difference
// is significant only when the F1 gap exceeds 0.05.
type Comparison struct {
	RuleA       models.ShadowMetrics `json:"rule_a"`
	RuleB       models.ShadowMetrics `json:"rule_b"`
	Winner      string               `json:"winner"`
	F1Delta     float64              `json:"f1_delta"`
	Significant bool                 `json:"significant"`
}

// Compare ranks two rules by F1
func Compare(a, b models.ShadowMetrics) Comparison {
	delta := a.F1Score - b.F1Score
	c := Comparison{RuleA: a, RuleB: b, F1Delta: delta}

	abs := delta
	if abs < 0 {
		abs = -abs
	}
	c.Significant = abs > 0.05

	switch {
	case delta > 0:
		c.Winner = a.RuleID
	case delta < 0:
		c.Winner = b.RuleID
	default:
		c.Winner = "tie"
	}
	return c
}
