package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sentineliq/risk-engine/internal/audit"
	"github.com/sentineliq/risk-engine/internal/models"
)

// AuditRepository persists the per-org audit hash chains
type AuditRepository struct {
	db *Database
}

func NewAuditRepository(db *Database) *AuditRepository {
	return &AuditRepository{db: db}
}

// AppendWithChain appends an entry to the org's chain. The chain tail is
// locked for the duration of the transaction, which serializes appends per
// org and keeps sequences gapless under concurrency. The unique index on
// (org_id, sequence) backstops the lock.
func (r *AuditRepository) AppendWithChain(ctx context.Context, orgID string, build func(prevHash string, nextSeq int64) *models.AuditEntry) (*models.AuditEntry, error) {
	var entry *models.AuditEntry

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		prevHash := ""
		var lastSeq int64

		err := tx.QueryRow(ctx, `
			SELECT curr_hash, sequence FROM audit_entries
			WHERE org_id = $1
			ORDER BY sequence DESC
			LIMIT 1
			FOR UPDATE
		`, orgID).Scan(&prevHash, &lastSeq)
		if err != nil && err != pgx.ErrNoRows {
			return err
		}

		if err == pgx.ErrNoRows {
			prevHash = audit.GenesisHash
			lastSeq = 0
		}
		entry = build(prevHash, lastSeq+1)

		payloadBytes, err := entry.Payload.Value()
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO audit_entries (
				id, org_id, actor_id, event_type, resource_type, resource_id,
				payload, prev_hash, curr_hash, sequence, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			entry.ID, entry.OrgID, entry.ActorID, entry.EventType,
			entry.ResourceType, entry.ResourceID, payloadBytes,
			entry.PrevHash, entry.CurrHash, entry.Sequence, entry.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListByOrg retrieves entries for an org within a time window
func (r *AuditRepository) ListByOrg(ctx context.Context, orgID string, from, to time.Time) ([]models.AuditEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, org_id, actor_id, event_type, resource_type, resource_id,
			   payload, prev_hash, curr_hash, sequence, created_at
		FROM audit_entries
		WHERE org_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY sequence ASC
	`, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditEntries(rows)
}

// ListAllByOrg retrieves the org's whole chain ordered by sequence
func (r *AuditRepository) ListAllByOrg(ctx context.Context, orgID string) ([]models.AuditEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, org_id, actor_id, event_type, resource_type, resource_id,
			   payload, prev_hash, curr_hash, sequence, created_at
		FROM audit_entries
		WHERE org_id = $1
		ORDER BY sequence ASC
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditEntries(rows)
}

// ListFiltered retrieves entries newest first, narrowed by the filter
func (r *AuditRepository) ListFiltered(ctx context.Context, orgID string, filter audit.LogFilter) ([]models.AuditEntry, error) {
	query := `
		SELECT id, org_id, actor_id, event_type, resource_type, resource_id,
			   payload, prev_hash, curr_hash, sequence, created_at
		FROM audit_entries
		WHERE org_id = $1`
	args := []interface{}{orgID}

	if filter.EventType != "" {
		args = append(args, filter.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if filter.ActorID != "" {
		args = append(args, filter.ActorID)
		query += fmt.Sprintf(" AND actor_id = $%d", len(args))
	}
	if filter.ResourceType != "" {
		args = append(args, filter.ResourceType)
		query += fmt.Sprintf(" AND resource_type = $%d", len(args))
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditEntries(rows)
}

// CountByEventType aggregates entry counts per event type over a window
func (r *AuditRepository) CountByEventType(ctx context.Context, orgID string, from, to time.Time) (map[string]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT event_type, COUNT(*)
		FROM audit_entries
		WHERE org_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY event_type
	`, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		counts[eventType] = count
	}
	return counts, rows.Err()
}

func scanAuditEntries(rows pgx.Rows) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var payloadBytes []byte
		if err := rows.Scan(
			&e.ID, &e.OrgID, &e.ActorID, &e.EventType, &e.ResourceType,
			&e.ResourceID, &payloadBytes,
			&e.PrevHash, &e.CurrHash, &e.Sequence, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Payload.Scan(payloadBytes)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
