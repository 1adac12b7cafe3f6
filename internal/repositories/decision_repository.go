package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/sentineliq/risk-engine/internal/models"
)

var ErrDecisionNotFound = errors.New("decision not found")

// DecisionRepository handles risk decision database operations
type DecisionRepository struct {
	db *Database
}

func NewDecisionRepository(db *Database) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// Create persists a decision
func (r *DecisionRepository) Create(ctx context.Context, d *models.RiskDecision) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO risk_decisions (
			id, event_id, org_id, user_id, risk_score, risk_level,
			recommended_action, triggered_rules, confidence, rules_version,
			fail_open, evaluation_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		d.ID, d.EventID, d.OrgID, d.UserID, d.Score, d.RiskLevel,
		d.RecommendedAction, pq.Array(d.TriggeredRules), d.Confidence,
		d.RulesVersion, d.FailOpen, d.EvaluationMs, d.CreatedAt,
	)
	return err
}

// GetByEventID retrieves the decision for an event
func (r *DecisionRepository) GetByEventID(ctx context.Context, orgID string, eventID uuid.UUID) (*models.RiskDecision, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, event_id, org_id, user_id, risk_score, risk_level,
			   recommended_action, triggered_rules, confidence, rules_version,
			   fail_open, evaluation_ms, created_at
		FROM risk_decisions
		WHERE org_id = $1 AND event_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, orgID, eventID)

	d, err := scanDecision(row)
	if err == pgx.ErrNoRows {
		return nil, ErrDecisionNotFound
	}
	return d, err
}

// ListByUser retrieves a user's recent decisions, newest first
func (r *DecisionRepository) ListByUser(ctx context.Context, orgID, userID string, page, pageSize int) ([]*models.RiskDecision, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM risk_decisions WHERE org_id = $1 AND user_id = $2`,
		orgID, userID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, event_id, org_id, user_id, risk_score, risk_level,
			   recommended_action, triggered_rules, confidence, rules_version,
			   fail_open, evaluation_ms, created_at
		FROM risk_decisions
		WHERE org_id = $1 AND user_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, orgID, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows)
	return decisions, total, err
}

// ListByOrg retrieves recent decisions for an org, optionally filtered by
// minimum risk level.
func (r *DecisionRepository) ListByOrg(ctx context.Context, orgID, minLevel string, page, pageSize int) ([]*models.RiskDecision, int, error) {
	levels := levelsAtOrAbove(minLevel)

	var total int
	if err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM risk_decisions WHERE org_id = $1 AND risk_level = ANY($2)`,
		orgID, levels,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, event_id, org_id, user_id, risk_score, risk_level,
			   recommended_action, triggered_rules, confidence, rules_version,
			   fail_open, evaluation_ms, created_at
		FROM risk_decisions
		WHERE org_id = $1 AND risk_level = ANY($2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, orgID, levels, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows)
	return decisions, total, err
}

// UserRisk returns each user's average risk score for the org, used to
// size and color link graph nodes.
func (r *DecisionRepository) UserRisk(ctx context.Context, orgID string) (map[string]float64, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT user_id, AVG(risk_score)
		FROM risk_decisions
		WHERE org_id = $1
		GROUP BY user_id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	risk := make(map[string]float64)
	for rows.Next() {
		var userID string
		var avg float64
		if err := rows.Scan(&userID, &avg); err != nil {
			return nil, err
		}
		risk[userID] = avg
	}
	return risk, rows.Err()
}

func levelsAtOrAbove(minLevel string) []string {
	minRank := models.RiskLevelRank(minLevel)
	if minRank < 0 {
		minRank = 0
	}
	all := []string{models.RiskLevelLow, models.RiskLevelMedium, models.RiskLevelHigh, models.RiskLevelCritical}
	return all[minRank:]
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*models.RiskDecision, error) {
	d := &models.RiskDecision{}
	err := row.Scan(
		&d.ID, &d.EventID, &d.OrgID, &d.UserID, &d.Score, &d.RiskLevel,
		&d.RecommendedAction, &d.TriggeredRules, &d.Confidence,
		&d.RulesVersion, &d.FailOpen, &d.EvaluationMs, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func scanDecisions(rows pgx.Rows) ([]*models.RiskDecision, error) {
	var decisions []*models.RiskDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
