package rules

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ruleFileV1 = `
scoring:
  base_risk: 0.1
  velocity_weight: 0.7
  behavioral_weight: 0.3
  thresholds:
    review: 0.3
    challenge: 0.6
    block: 0.8
rules:
  - id: high_amount
    name: High amount transaction
    type: hard
    enabled: true
    conditions:
      amount:
        gt: 10000
    score: 0.6
gates:
  - id: sanctioned_country
    name: Sanctioned country
    conditions:
      country_code:
        in: [KP, IR]
    score: 1.0
`

const ruleFileV2 = `
scoring:
  base_risk: 0.1
  velocity_weight: 0.7
  behavioral_weight: 0.3
  thresholds:
    review: 0.3
    challenge: 0.6
    block: 0.8
rules:
  - id: high_amount
    name: High amount transaction
    type: hard
    enabled: true
    conditions:
      amount:
        gt: 5000
    score: 0.7
  - id: new_device_login
    name: Login from a new device
    type: behavioral
    enabled: true
    conditions:
      event_type: authentication.login
    score: 0.4
gates:
  - id: sanctioned_country
    name: Sanctioned country
    conditions:
      country_code:
        in: [KP, IR]
    score: 1.0
`

const ruleFileMissingScore = `
scoring:
  base_risk: 0.1
  thresholds:
    review: 0.3
    challenge: 0.6
    block: 0.8
rules:
  - id: high_amount
    name: High amount transaction
    type: hard
    enabled: true
    conditions:
      amount:
        gt: 10000
gates: []
`

const ruleFileInvalid = `
scoring:
  thresholds:
    review: 0.9
    challenge: 0.5
    block: 0.8
rules:
  - id: high_amount
    type: bogus
    score: 0.6
`

type fakeKV struct {
	mu        sync.Mutex
	values    map[string]string
	published []string
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: make(map[string]string)}
}

func (f *fakeKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key], nil
}

func (f *fakeKV) Publish(_ context.Context, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, message)
	return nil
}

func writeRuleFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistryLoadAndStats(t *testing.T) {
	registry := NewRegistry(writeRuleFile(t, ruleFileV1), nil)
	require.NoError(t, registry.Load(context.Background()))

	snap := registry.Current()
	require.NotNil(t, snap)
	assert.Equal(t, "1.0.0", snap.Version)
	assert.NotEmpty(t, snap.Hash)

	stats, err := registry.Stats()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", stats["version"])
	assert.Equal(t, 1, stats["total_rules"])
	assert.Equal(t, 1, stats["enabled_rules"])
	assert.Equal(t, 1, stats["gates"])
}

func TestRegistryStatsBeforeLoad(t *testing.T) {
	registry := NewRegistry(writeRuleFile(t, ruleFileV1), nil)
	_, err := registry.Stats()
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestRegistryReloadBumpsPatchVersion(t *testing.T) {
	path := writeRuleFile(t, ruleFileV1)
	registry := NewRegistry(path, nil)
	require.NoError(t, registry.Load(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(ruleFileV2), 0o644))

	result, err := registry.Reload(context.Background(), false, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", result.Status)
	assert.Equal(t, "1.0.1", result.Version)
	assert.Equal(t, []string{"new_device_login"}, result.Changes.Added)
	assert.Equal(t, []string{"high_amount"}, result.Changes.Modified)
	assert.Empty(t, result.Changes.Removed)

	assert.Equal(t, "1.0.1", registry.Current().Version)
}

func TestRegistryReloadUnchangedIsNoOp(t *testing.T) {
	path := writeRuleFile(t, ruleFileV1)
	registry := NewRegistry(path, nil)
	require.NoError(t, registry.Load(context.Background()))

	result, err := registry.Reload(context.Background(), false, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "unchanged", result.Status)
	assert.Equal(t, "1.0.0", result.Version)

	// Forcing keeps the version since the content hash did not change
	forced, err := registry.Reload(context.Background(), true, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", forced.Status)
	assert.Equal(t, "1.0.0", forced.Version)
}

func TestRegistryInvalidReloadKeepsActiveRuleset(t *testing.T) {
	path := writeRuleFile(t, ruleFileV1)
	registry := NewRegistry(path, nil)
	require.NoError(t, registry.Load(context.Background()))
	before := registry.Current()

	require.NoError(t, os.WriteFile(path, []byte(ruleFileInvalid), 0o644))

	_, err := registry.Reload(context.Background(), false, "admin-1")
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Issues)

	// The prior snapshot keeps serving
	after := registry.Current()
	assert.Same(t, before, after)
	assert.Equal(t, "1.0.0", after.Version)
}

func TestRegistryRollback(t *testing.T) {
	path := writeRuleFile(t, ruleFileV1)
	registry := NewRegistry(path, nil)
	require.NoError(t, registry.Load(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(ruleFileV2), 0o644))
	_, err := registry.Reload(context.Background(), false, "admin-1")
	require.NoError(t, err)
	require.Equal(t, "1.0.1", registry.Current().Version)

	snap, err := registry.Rollback(context.Background(), "1.0.0", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", snap.Version)
	assert.Equal(t, "1.0.0", registry.Current().Version)
	assert.Len(t, registry.Current().Ruleset.Rules, 1)
}

func TestRegistryReloadAfterRollbackRestoresVersion(t *testing.T) {
	path := writeRuleFile(t, ruleFileV1)
	registry := NewRegistry(path, nil)
	require.NoError(t, registry.Load(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(ruleFileV2), 0o644))
	_, err := registry.Reload(context.Background(), false, "admin-1")
	require.NoError(t, err)

	_, err = registry.Rollback(context.Background(), "1.0.0", "admin-1")
	require.NoError(t, err)
	require.Equal(t, "1.0.0", registry.Current().Version)

	// The file on disk still holds the later content. Reloading it brings
	// back the archived version instead of minting a new one.
	result, err := registry.Reload(context.Background(), false, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", result.Status)
	assert.Equal(t, "1.0.1", result.Version)
	assert.Equal(t, "1.0.1", registry.Current().Version)

	history := registry.History()
	require.Len(t, history, 2)
	assert.Equal(t, "1.0.0", history[0].Version)
	assert.Equal(t, "1.0.1", history[1].Version)
}

func TestRegistryReloadRejectsMissingScore(t *testing.T) {
	path := writeRuleFile(t, ruleFileV1)
	registry := NewRegistry(path, nil)
	require.NoError(t, registry.Load(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(ruleFileMissingScore), 0o644))

	_, err := registry.Reload(context.Background(), false, "admin-1")
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Issues, "rule high_amount: missing score")
	assert.Contains(t, verr.Issues, "missing required field: scoring.velocity_weight")

	assert.Equal(t, "1.0.0", registry.Current().Version)
}

func TestRegistryRollbackUnknownVersion(t *testing.T) {
	registry := NewRegistry(writeRuleFile(t, ruleFileV1), nil)
	require.NoError(t, registry.Load(context.Background()))

	_, err := registry.Rollback(context.Background(), "9.9.9", "admin-1")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestRegistryHistory(t *testing.T) {
	path := writeRuleFile(t, ruleFileV1)
	registry := NewRegistry(path, nil)
	require.NoError(t, registry.Load(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(ruleFileV2), 0o644))
	_, err := registry.Reload(context.Background(), false, "admin-1")
	require.NoError(t, err)

	history := registry.History()
	require.Len(t, history, 2)
	assert.Equal(t, "1.0.0", history[0].Version)
	assert.Equal(t, "startup", history[0].UpdatedBy)
	assert.Equal(t, "1.0.1", history[1].Version)
	assert.Equal(t, "admin-1", history[1].UpdatedBy)
}

func TestRegistryDistributesReloads(t *testing.T) {
	path := writeRuleFile(t, ruleFileV1)
	kv := newFakeKV()
	registry := NewRegistry(path, kv)
	require.NoError(t, registry.Load(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(ruleFileV2), 0o644))
	_, err := registry.Reload(context.Background(), false, "admin-1")
	require.NoError(t, err)

	current, err := kv.Get(context.Background(), currentVersionKey)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", current)
	assert.Equal(t, []string{"1.0.0", "1.0.1"}, kv.published)
}

func TestRegistryValidateFile(t *testing.T) {
	registry := NewRegistry(writeRuleFile(t, ruleFileInvalid), nil)
	err := registry.ValidateFile()
	require.Error(t, err)

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	assert.NoError(t, NewRegistry(writeRuleFile(t, ruleFileV1), nil).ValidateFile())
}

func TestBumpPatch(t *testing.T) {
	assert.Equal(t, "1.0.1", bumpPatch("1.0.0"))
	assert.Equal(t, "2.3.10", bumpPatch("2.3.9"))
	assert.Equal(t, "1.0.0", bumpPatch("garbage"))
}
