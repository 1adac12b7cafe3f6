package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sentineliq/risk-engine/internal/models"
)

// LinkRepository persists the undirected user link graph
type LinkRepository struct {
	db        *Database
	decisions *DecisionRepository
}

func NewLinkRepository(db *Database, decisions *DecisionRepository) *LinkRepository {
	return &LinkRepository{db: db, decisions: decisions}
}

// UpsertConnection inserts an edge or refreshes an existing one: the event
// count grows, last_seen moves forward and the strength keeps its maximum.
// first_seen and the ring flag are preserved.
func (r *LinkRepository) UpsertConnection(ctx context.Context, c *models.UserConnection) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO user_connections (
			id, org_id, user_a, user_b, connection_type, strength,
			event_count, flagged_ring, first_seen, last_seen
		) VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, $9)
		ON CONFLICT (org_id, user_a, user_b, connection_type) DO UPDATE SET
			event_count = user_connections.event_count + 1,
			strength = GREATEST(user_connections.strength, EXCLUDED.strength),
			last_seen = EXCLUDED.last_seen
	`,
		c.ID, c.OrgID, c.UserA, c.UserB, c.ConnectionType, c.Strength,
		c.EventCount, c.FirstSeen, c.LastSeen,
	)
	return err
}

// ListByOrg loads every edge of an org's graph
func (r *LinkRepository) ListByOrg(ctx context.Context, orgID string) ([]models.UserConnection, error) {
	rows, err := r.db.Pool.Query(ctx, connectionSelect+` WHERE org_id = $1`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConnections(rows)
}

// ListByUsers loads edges where both endpoints are in the given user set
func (r *LinkRepository) ListByUsers(ctx context.Context, orgID string, users []string) ([]models.UserConnection, error) {
	rows, err := r.db.Pool.Query(ctx,
		connectionSelect+` WHERE org_id = $1 AND user_a = ANY($2) AND user_b = ANY($2)`,
		orgID, users,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConnections(rows)
}

// FlagRing marks every edge among the given users as a confirmed ring and
// returns how many edges were flagged.
func (r *LinkRepository) FlagRing(ctx context.Context, orgID string, users []string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE user_connections SET flagged_ring = true
		WHERE org_id = $1 AND user_a = ANY($2) AND user_b = ANY($2)
	`, orgID, users)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UserRisk proxies to the decision repository's per-user averages
func (r *LinkRepository) UserRisk(ctx context.Context, orgID string) (map[string]float64, error) {
	return r.decisions.UserRisk(ctx, orgID)
}

const connectionSelect = `
	SELECT id, org_id, user_a, user_b, connection_type, strength,
		   event_count, flagged_ring, first_seen, last_seen
	FROM user_connections`

func scanConnections(rows pgx.Rows) ([]models.UserConnection, error) {
	var conns []models.UserConnection
	for rows.Next() {
		var c models.UserConnection
		if err := rows.Scan(
			&c.ID, &c.OrgID, &c.UserA, &c.UserB, &c.ConnectionType, &c.Strength,
			&c.EventCount, &c.FlaggedRing, &c.FirstSeen, &c.LastSeen,
		); err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}
