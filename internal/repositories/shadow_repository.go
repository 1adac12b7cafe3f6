package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sentineliq/risk-engine/internal/models"
)

// ShadowRepository persists shadow rule results and their labels
type ShadowRepository struct {
	db *Database
}

func NewShadowRepository(db *Database) *ShadowRepository {
	return &ShadowRepository{db: db}
}

// Create stores one shadow result
func (r *ShadowRepository) Create(ctx context.Context, s *models.ShadowResult) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO shadow_results (
			id, org_id, rule_id, event_id, user_id,
			would_have_blocked, confidence, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		s.ID, s.OrgID, s.RuleID, s.EventID, s.UserID,
		s.WouldHaveBlocked, s.Confidence, s.CreatedAt,
	)
	return err
}

// GetByID loads one result, or nil when it does not exist
func (r *ShadowRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ShadowResult, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, org_id, rule_id, event_id, user_id,
			   would_have_blocked, confidence, actual_outcome, labeled_at, created_at
		FROM shadow_results
		WHERE id = $1
	`, id)

	s := &models.ShadowResult{}
	err := row.Scan(
		&s.ID, &s.OrgID, &s.RuleID, &s.EventID, &s.UserID,
		&s.WouldHaveBlocked, &s.Confidence, &s.ActualOutcome, &s.LabeledAt, &s.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Label sets the outcome only when the result is still unlabeled. The
// conditional update makes exactly-once labeling atomic without a lock.
func (r *ShadowRepository) Label(ctx context.Context, id uuid.UUID, outcome string, labeledAt time.Time) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE shadow_results SET actual_outcome = $1, labeled_at = $2
		WHERE id = $3 AND actual_outcome IS NULL
	`, outcome, labeledAt, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListByRule loads results for a rule since a cutoff
func (r *ShadowRepository) ListByRule(ctx context.Context, orgID, ruleID string, since time.Time) ([]models.ShadowResult, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, org_id, rule_id, event_id, user_id,
			   would_have_blocked, confidence, actual_outcome, labeled_at, created_at
		FROM shadow_results
		WHERE org_id = $1 AND rule_id = $2 AND created_at >= $3
		ORDER BY created_at ASC
	`, orgID, ruleID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanShadowResults(rows)
}

// ListPending loads unlabeled results, oldest first
func (r *ShadowRepository) ListPending(ctx context.Context, orgID string, limit int) ([]models.ShadowResult, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, org_id, rule_id, event_id, user_id,
			   would_have_blocked, confidence, actual_outcome, labeled_at, created_at
		FROM shadow_results
		WHERE org_id = $1 AND actual_outcome IS NULL
		ORDER BY created_at ASC
		LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanShadowResults(rows)
}

func scanShadowResults(rows pgx.Rows) ([]models.ShadowResult, error) {
	var results []models.ShadowResult
	for rows.Next() {
		var s models.ShadowResult
		if err := rows.Scan(
			&s.ID, &s.OrgID, &s.RuleID, &s.EventID, &s.UserID,
			&s.WouldHaveBlocked, &s.Confidence, &s.ActualOutcome, &s.LabeledAt, &s.CreatedAt,
		); err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, rows.Err()
}
