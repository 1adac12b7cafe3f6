package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sentineliq/risk-engine/internal/models"
)

// GenesisHash is the prev_hash of the first entry in every org chain
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// sensitiveFields are matched as substrings of lowercased field names
var sensitiveFields = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"credit_card",
	"cvv",
	"ssn",
	"email",
	"phone",
	"account_number",
	"iban",
}

const redacted = "[REDACTED]"

// ScrubPayload returns a deep copy of the payload with every field whose
// name matches a sensitive pattern replaced by a redaction marker, at any
// nesting depth. The original payload is not modified.
func ScrubPayload(payload models.JSONB) models.JSONB {
	if payload == nil {
		return nil
	}
	return scrubMap(payload)
}

func scrubMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for key, value := range m {
		if isSensitive(key) {
			out[key] = redacted
			continue
		}
		out[key] = scrubValue(value)
	}
	return out
}

func scrubValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return scrubMap(v)
	case models.JSONB:
		return scrubMap(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = scrubValue(item)
		}
		return out
	default:
		return value
	}
}

func isSensitive(field string) bool {
	lower := strings.ToLower(field)
	for _, s := range sensitiveFields {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// CanonicalJSON serializes a payload deterministically. encoding/json
// orders map keys, so equal payloads always produce equal bytes.
func CanonicalJSON(payload models.JSONB) string {
	if payload == nil {
		return "{}"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ComputeHash commits an entry to its chain position. The digest covers the
// previous hash, the actor, the event type, the canonical payload and the
// timestamp, so changing any of them breaks verification.
func ComputeHash(prevHash, actorID, eventType string, payload models.JSONB, createdAt time.Time) string {
	material := prevHash + actorID + eventType + CanonicalJSON(payload) + createdAt.UTC().Format(time.RFC3339Nano)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// VerifyChain recomputes every entry hash and checks linkage. Entries must
// be ordered by sequence ascending. Both kinds of anomaly are reported:
// a hash mismatch means the row content was altered, a linkage or sequence
// break means entries were removed or reordered. Linkage is checked against
// the recomputed hash of the preceding entry, so a tampered entry also
// breaks the chain at its successor.
func VerifyChain(entries []models.AuditEntry) []models.AuditAnomaly {
	var anomalies []models.AuditAnomaly

	prevHash := GenesisHash
	var prevSeq int64

	for i, entry := range entries {
		recomputed := ComputeHash(entry.PrevHash, entry.ActorID, entry.EventType, entry.Payload, entry.CreatedAt)
		if recomputed != entry.CurrHash {
			anomalies = append(anomalies, models.AuditAnomaly{
				Sequence: entry.Sequence,
				EntryID:  entry.ID,
				Issue:    models.AuditIssueTampering,
				Detail:   "entry content does not match its recorded hash",
			})
		}

		if entry.PrevHash != prevHash {
			anomalies = append(anomalies, models.AuditAnomaly{
				Sequence: entry.Sequence,
				EntryID:  entry.ID,
				Issue:    models.AuditIssueChainBroken,
				Detail:   "prev_hash does not match the preceding entry",
			})
		}
		if i > 0 && entry.Sequence != prevSeq+1 {
			anomalies = append(anomalies, models.AuditAnomaly{
				Sequence: entry.Sequence,
				EntryID:  entry.ID,
				Issue:    models.AuditIssueChainBroken,
				Detail:   fmt.Sprintf("sequence gap: expected %d, found %d", prevSeq+1, entry.Sequence),
			})
		}

		prevHash = recomputed
		prevSeq = entry.Sequence
	}

	return anomalies
}
