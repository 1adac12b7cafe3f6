package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/internal/models"
)

// Store is the persistence boundary of the audit chain. AppendWithChain
// must serialize appends per org: build is invoked with the current tail
// under a lock (or with optimistic conflict detection on the sequence).
type Store interface {
	AppendWithChain(ctx context.Context, orgID string, build func(prevHash string, nextSeq int64) *models.AuditEntry) (*models.AuditEntry, error)
	ListByOrg(ctx context.Context, orgID string, from, to time.Time) ([]models.AuditEntry, error)
	ListAllByOrg(ctx context.Context, orgID string) ([]models.AuditEntry, error)
	ListFiltered(ctx context.Context, orgID string, filter LogFilter) ([]models.AuditEntry, error)
	CountByEventType(ctx context.Context, orgID string, from, to time.Time) (map[string]int64, error)
}

// Record is the caller-supplied part of an audit entry. ResourceType and
// ResourceID classify the subject and stay outside the hash.
type Record struct {
	ActorID      string
	EventType    string
	ResourceType string
	ResourceID   string
	Payload      models.JSONB
}

// LogFilter narrows a filtered listing. Empty fields match everything;
// Limit caps the newest-first result set.
type LogFilter struct {
	EventType    string
	ActorID      string
	ResourceType string
	Limit        int
}

// complianceFramework maps framework controls to the audit event types
// that evidence them.
type complianceFramework struct {
	controls []models.ComplianceControl
}

var frameworks = map[string]complianceFramework{
	"soc2": {controls: []models.ComplianceControl{
		{Control: "CC6.1", Description: "Logical access security", EventTypes: []string{"authentication.login", "authentication.failed"}},
		{Control: "CC6.2", Description: "User registration and authorization", EventTypes: []string{"account.updated"}},
		{Control: "CC7.2", Description: "Anomaly monitoring", EventTypes: []string{"risk.decision"}},
		{Control: "CC9.2", Description: "Vendor and partner risk", EventTypes: []string{"payout.requested"}},
	}},
	"pci_dss": {controls: []models.ComplianceControl{
		{Control: "Req 10.1", Description: "Audit trail linkage to users", EventTypes: []string{"authentication.login", "transaction.attempted"}},
		{Control: "Req 10.2", Description: "Automated audit trails", EventTypes: []string{"risk.decision", "transaction.completed"}},
		{Control: "Req 10.3", Description: "Audit trail entries for all events", EventTypes: []string{"transaction.attempted", "payout.requested"}},
	}},
	"gdpr": {controls: []models.ComplianceControl{
		{Control: "Art 5", Description: "Data processing principles", EventTypes: []string{"account.updated", "risk.decision"}},
		{Control: "Art 32", Description: "Security of processing", EventTypes: []string{"authentication.login", "authentication.failed"}},
	}},
	"ofac": {controls: []models.ComplianceControl{
		{Control: "Sanctions screening", Description: "Blocked transactions from sanctioned regions", EventTypes: []string{"risk.decision", "transaction.attempted"}},
	}},
}

// ErrUnknownFramework is returned for report requests outside the
// supported set.
var ErrUnknownFramework = fmt.Errorf("audit: unknown compliance framework")

// Service maintains per-org tamper-evident audit chains
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Append adds an entry to the org's chain. The payload is scrubbed of
// sensitive fields before it is hashed or stored, so redaction never
// invalidates the chain.
func (s *Service) Append(ctx context.Context, orgID string, rec Record) (*models.AuditEntry, error) {
	scrubbed := ScrubPayload(rec.Payload)
	now := time.Now()

	entry, err := s.store.AppendWithChain(ctx, orgID, func(prevHash string, nextSeq int64) *models.AuditEntry {
		return &models.AuditEntry{
			ID:           uuid.New(),
			OrgID:        orgID,
			ActorID:      rec.ActorID,
			EventType:    rec.EventType,
			ResourceType: rec.ResourceType,
			ResourceID:   rec.ResourceID,
			Payload:      scrubbed,
			PrevHash:     prevHash,
			CurrHash:     ComputeHash(prevHash, rec.ActorID, rec.EventType, scrubbed, now),
			Sequence:     nextSeq,
			CreatedAt:    now,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}

	log.Debug().
		Str("org_id", orgID).
		Str("event_type", rec.EventType).
		Int64("sequence", entry.Sequence).
		Msg("Audit entry appended")

	return entry, nil
}

// Logs lists entries newest first, narrowed by the filter
func (s *Service) Logs(ctx context.Context, orgID string, filter LogFilter) ([]models.AuditEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	entries, err := s.store.ListFiltered(ctx, orgID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// VerifyResult is the outcome of a full chain verification
type VerifyResult struct {
	OrgID      string                `json:"org_id"`
	Entries    int                   `json:"entries"`
	Intact     bool                  `json:"intact"`
	Anomalies  []models.AuditAnomaly `json:"anomalies"`
	VerifiedAt time.Time             `json:"verified_at"`
}

// Verify walks the org's whole chain and reports every anomaly found
func (s *Service) Verify(ctx context.Context, orgID string) (*VerifyResult, error) {
	entries, err := s.store.ListAllByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit chain: %w", err)
	}

	anomalies := VerifyChain(entries)
	result := &VerifyResult{
		OrgID:      orgID,
		Entries:    len(entries),
		Intact:     len(anomalies) == 0,
		Anomalies:  anomalies,
		VerifiedAt: time.Now(),
	}

	if !result.Intact {
		log.Warn().
			Str("org_id", orgID).
			Int("anomalies", len(anomalies)).
			Msg("Audit chain verification found anomalies")
	}

	return result, nil
}

// Report builds a compliance report for one framework over a period.
// The report includes a fresh chain verification so auditors see whether
// the evidence itself is trustworthy.
func (s *Service) Report(ctx context.Context, framework, orgID string, from, to time.Time) (*models.ComplianceReport, error) {
	fw, ok := frameworks[framework]
	if !ok {
		return nil, ErrUnknownFramework
	}

	counts, err := s.store.CountByEventType(ctx, orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}

	verify, err := s.Verify(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var total int64
	controls := make([]models.ComplianceControl, 0, len(fw.controls))
	for _, control := range fw.controls {
		c := control
		c.EventCount = 0
		for _, et := range c.EventTypes {
			c.EventCount += counts[et]
		}
		total += c.EventCount
		controls = append(controls, c)
	}

	return &models.ComplianceReport{
		Framework:     framework,
		OrgID:         orgID,
		PeriodStart:   from,
		PeriodEnd:     to,
		Controls:      controls,
		TotalEvents:   total,
		ChainVerified: verify.Intact,
		GeneratedAt:   time.Now(),
	}, nil
}

// Frameworks lists the supported compliance frameworks
func Frameworks() []string {
	return []string{"soc2", "pci_dss", "gdpr", "ofac"}
}

// Stats summarizes an org's chain for the admin endpoint
func (s *Service) Stats(ctx context.Context, orgID string) (map[string]interface{}, error) {
	entries, err := s.store.ListAllByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit chain: %w", err)
	}

	byType := make(map[string]int64)
	for _, e := range entries {
		byType[e.EventType]++
	}

	stats := map[string]interface{}{
		"org_id":        orgID,
		"total_entries": len(entries),
		"by_event_type": byType,
	}
	if len(entries) > 0 {
		stats["first_entry_at"] = entries[0].CreatedAt
		stats["last_entry_at"] = entries[len(entries)-1].CreatedAt
		stats["chain_head"] = entries[len(entries)-1].CurrHash
	}
	return stats, nil
}
