package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineliq/risk-engine/internal/models"
)

func TestComputeHashIsDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	payload := models.JSONB{"risk_score": 0.42, "action": "review"}

	h1 := ComputeHash(GenesisHash, "worker-1", "risk.decision", payload, at)
	h2 := ComputeHash(GenesisHash, "worker-1", "risk.decision", payload, at)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	// Any input change produces a different hash
	assert.NotEqual(t, h1, ComputeHash(GenesisHash, "worker-2", "risk.decision", payload, at))
	assert.NotEqual(t, h1, ComputeHash(GenesisHash, "worker-1", "risk.decision", payload, at.Add(time.Nanosecond)))
	assert.NotEqual(t, h1, ComputeHash(GenesisHash, "worker-1", "risk.decision", models.JSONB{"risk_score": 0.43, "action": "review"}, at))
}

func TestCanonicalJSONOrdersKeys(t *testing.T) {
	a := models.JSONB{"b": 2, "a": 1, "c": 3}
	b := models.JSONB{"c": 3, "a": 1, "b": 2}
	assert.Equal(t, CanonicalJSON(a), CanonicalJSON(b))
	assert.Equal(t, "{}", CanonicalJSON(nil))
}

func TestScrubPayload(t *testing.T) {
	payload := models.JSONB{
		"user_id":     "user-1",
		"password":    "hunter2",
		"api_key":     "sk-12345",
		"user_email":  "a@example.com",
		"CreditCard":  "4111111111111111",
		"risk_score":  0.42,
		"card": map[string]interface{}{
			"cvv":    "123",
			"last4":  "1111",
			"tokens": []interface{}{"t1"},
		},
		"sessions": []interface{}{
			map[string]interface{}{"session_token": "abc", "device": "ios"},
		},
	}

	scrubbed := ScrubPayload(payload)

	assert.Equal(t, "user-1", scrubbed["user_id"])
	assert.Equal(t, 0.42, scrubbed["risk_score"])
	assert.Equal(t, "[REDACTED]", scrubbed["password"])
	assert.Equal(t, "[REDACTED]", scrubbed["api_key"])
	// Substring and case-insensitive matches
	assert.Equal(t, "[REDACTED]", scrubbed["user_email"])
	assert.Equal(t, "[REDACTED]", scrubbed["CreditCard"])

	card := scrubbed["card"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", card["cvv"])
	assert.Equal(t, "1111", card["last4"])
	assert.Equal(t, "[REDACTED]", card["tokens"])

	sessions := scrubbed["sessions"].([]interface{})
	session := sessions[0].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", session["session_token"])
	assert.Equal(t, "ios", session["device"])

	// The original payload is untouched
	assert.Equal(t, "hunter2", payload["password"])
	assert.Nil(t, ScrubPayload(nil))
}

func chainOf(t *testing.T, orgID string, n int) []models.AuditEntry {
	t.Helper()
	entries := make([]models.AuditEntry, 0, n)

	prevHash := GenesisHash
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		payload := models.JSONB{"n": float64(i)}
		entry := models.AuditEntry{
			ID:        uuid.New(),
			OrgID:     orgID,
			ActorID:   "worker-1",
			EventType: "risk.decision",
			Payload:   payload,
			PrevHash:  prevHash,
			CurrHash:  ComputeHash(prevHash, "worker-1", "risk.decision", payload, at),
			Sequence:  int64(i + 1),
			CreatedAt: at,
		}
		entries = append(entries, entry)
		prevHash = entry.CurrHash
	}
	return entries
}

func TestVerifyChainIntact(t *testing.T) {
	entries := chainOf(t, "org-1", 5)
	assert.Empty(t, VerifyChain(entries))
	assert.Empty(t, VerifyChain(nil))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	entries := chainOf(t, "org-1", 5)

	// Mutate a middle entry's payload after the fact
	entries[2].Payload = models.JSONB{"n": 99.0}

	anomalies := VerifyChain(entries)
	require.NotEmpty(t, anomalies)

	issuesBySeq := make(map[int64][]string)
	for _, a := range anomalies {
		issuesBySeq[a.Sequence] = append(issuesBySeq[a.Sequence], a.Issue)
	}
	assert.Contains(t, issuesBySeq[3], models.AuditIssueTampering)

	// The successor no longer links to the real content of the tampered
	// entry, so it is flagged as chain-broken
	assert.Contains(t, issuesBySeq[4], models.AuditIssueChainBroken)

	// Entries past the successor are untouched
	assert.Empty(t, issuesBySeq[5])
}

func TestVerifyChainDetectsRemovedEntry(t *testing.T) {
	entries := chainOf(t, "org-1", 5)

	// Drop the third entry: linkage and sequence both break at the gap
	truncated := append(entries[:2:2], entries[3:]...)

	anomalies := VerifyChain(truncated)
	require.NotEmpty(t, anomalies)

	found := false
	for _, a := range anomalies {
		if a.Issue == models.AuditIssueChainBroken && a.Sequence == 4 {
			found = true
		}
	}
	assert.True(t, found, "expected a chain break at the gap")
}

func TestVerifyChainDetectsBadGenesis(t *testing.T) {
	entries := chainOf(t, "org-1", 2)
	entries[0].PrevHash = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

	anomalies := VerifyChain(entries)
	require.NotEmpty(t, anomalies)
	assert.Equal(t, models.AuditIssueChainBroken, anomalies[0].Issue)
}
