package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Registry errors
var (
	ErrVersionNotFound = errors.New("rules: version not found")
	ErrNotLoaded       = errors.New("rules: no ruleset loaded")
)

// Distribution keys and channel shared by all engine instances
const (
	ReloadChannel     = "rule_reload"
	currentVersionKey = "rules:current_version"
	versionKeyPrefix  = "rules:version:"
)

// KV is the distribution backend for rule snapshots. Satisfied by
// state.Store; a nil distributor keeps the registry process-local.
type KV interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Publish(ctx context.Context, channel, message string) error
}

// Snapshot is an immutable view of the active ruleset. Readers obtain it
// via Current and never see a half-applied reload.
type Snapshot struct {
	Ruleset  *Ruleset
	Version  string
	Hash     string
	LoadedAt time.Time
}

// VersionRecord is one entry of the reload history
type VersionRecord struct {
	Version   string    `json:"version"`
	Hash      string    `json:"hash"`
	UpdatedBy string    `json:"updated_by"`
	CreatedAt time.Time `json:"created_at"`
	Source    []byte    `json:"-"`
}

// ChangeSet lists rule-level differences between two ruleset versions
type ChangeSet struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// ReloadResult reports the outcome of a reload attempt
type ReloadResult struct {
	Status  string    `json:"status"` // updated or unchanged
	Version string    `json:"version"`
	Hash    string    `json:"hash"`
	Changes ChangeSet `json:"changes"`
}

// Registry owns the active ruleset. Reloads are serialized; readers go
// through an atomic pointer so evaluation never blocks on a reload.
type Registry struct {
	path     string
	snapshot atomic.Pointer[Snapshot]

	mu      sync.Mutex
	history []VersionRecord

	kv KV
}

// NewRegistry creates a registry over the given rule file path. kv may be
// nil for single-process deployments and tests.
func NewRegistry(path string, kv KV) *Registry {
	return &Registry{path: path, kv: kv}
}

// Current returns the active snapshot, or nil before the first load
func (r *Registry) Current() *Snapshot {
	return r.snapshot.Load()
}

// Load performs the initial load. It fails hard on a missing or invalid
// file because there is no previous version to keep serving.
func (r *Registry) Load(ctx context.Context) error {
	result, err := r.Reload(ctx, true, "startup")
	if err != nil {
		return err
	}
	log.Info().Str("version", result.Version).Str("hash", result.Hash[:12]).Msg("Ruleset loaded")
	return nil
}

// Reload re-reads the rule file, validates it and swaps it in atomically.
// An invalid file leaves the active snapshot untouched. When the content
// hash is unchanged the reload is a no-op unless forced.
func (r *Registry) Reload(ctx context.Context, force bool, updatedBy string) (*ReloadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	rs, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(rs); err != nil {
		return nil, err
	}

	hash := Hash(rs)
	prev := r.snapshot.Load()

	if prev != nil && prev.Hash == hash && !force {
		return &ReloadResult{Status: "unchanged", Version: prev.Version, Hash: hash}, nil
	}

	version := "1.0.0"
	var changes ChangeSet
	if prev != nil {
		if prev.Hash == hash {
			version = prev.Version
		} else {
			version = bumpPatch(prev.Version)
			changes = diffRulesets(prev.Ruleset, rs)
		}
	}

	// Content already in the history means this version was active before,
	// typically a reload after a rollback. Reactivate its recorded version
	// instead of minting a new one and appending a duplicate record.
	var archived *VersionRecord
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].Hash == hash {
			archived = &r.history[i]
			break
		}
	}
	if archived != nil {
		version = archived.Version
	}

	snap := &Snapshot{Ruleset: rs, Version: version, Hash: hash, LoadedAt: time.Now()}
	r.snapshot.Store(snap)
	if archived == nil {
		r.history = append(r.history, VersionRecord{
			Version:   version,
			Hash:      hash,
			UpdatedBy: updatedBy,
			CreatedAt: snap.LoadedAt,
			Source:    data,
		})
	}

	r.distribute(ctx, snap, data)

	log.Info().
		Str("version", version).
		Str("updated_by", updatedBy).
		Int("rules", len(rs.Rules)).
		Int("gates", len(rs.Gates)).
		Msg("Ruleset reloaded")

	return &ReloadResult{Status: "updated", Version: version, Hash: hash, Changes: changes}, nil
}

// Rollback reactivates a previously loaded version by exact version string
func (r *Registry) Rollback(ctx context.Context, version, updatedBy string) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var record *VersionRecord
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].Version == version {
			record = &r.history[i]
			break
		}
	}
	if record == nil {
		return nil, ErrVersionNotFound
	}

	rs, err := Parse(record.Source)
	if err != nil {
		return nil, fmt.Errorf("archived version %s is unreadable: %w", version, err)
	}

	snap := &Snapshot{Ruleset: rs, Version: record.Version, Hash: record.Hash, LoadedAt: time.Now()}
	r.snapshot.Store(snap)
	r.distribute(ctx, snap, record.Source)

	log.Warn().
		Str("version", version).
		Str("updated_by", updatedBy).
		Msg("Ruleset rolled back")

	return snap, nil
}

// History returns the reload history, newest last
func (r *Registry) History() []VersionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]VersionRecord, len(r.history))
	copy(out, r.history)
	return out
}

// ValidateFile dry-runs validation on the rule file without applying it
func (r *Registry) ValidateFile() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read rule file: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return err
	}
	return Validate(rs)
}

// Stats summarizes the active ruleset for the admin endpoint
func (r *Registry) Stats() (map[string]interface{}, error) {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil, ErrNotLoaded
	}

	byType := make(map[string]int)
	enabled := 0
	for _, rule := range snap.Ruleset.Rules {
		byType[rule.Type]++
		if rule.Enabled {
			enabled++
		}
	}

	return map[string]interface{}{
		"version":       snap.Version,
		"hash":          snap.Hash,
		"loaded_at":     snap.LoadedAt,
		"total_rules":   len(snap.Ruleset.Rules),
		"enabled_rules": enabled,
		"rules_by_type": byType,
		"gates":         len(snap.Ruleset.Gates),
		"combinations":  len(snap.Ruleset.Combinations),
		"scoring":       snap.Ruleset.Scoring,
	}, nil
}

// distribute pushes the snapshot to the KV backend and notifies peers.
// Distribution failures are logged, not fatal: the local swap already
// happened and peers recover on their next poll.
func (r *Registry) distribute(ctx context.Context, snap *Snapshot, source []byte) {
	if r.kv == nil {
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"version": snap.Version,
		"hash":    snap.Hash,
		"source":  string(source),
	})

	if err := r.kv.Set(ctx, versionKeyPrefix+snap.Version, string(payload), 0); err != nil {
		log.Error().Err(err).Msg("Failed to store rule version")
		return
	}
	if err := r.kv.Set(ctx, currentVersionKey, snap.Version, 0); err != nil {
		log.Error().Err(err).Msg("Failed to update current rule version")
		return
	}
	if err := r.kv.Publish(ctx, ReloadChannel, snap.Version); err != nil {
		log.Error().Err(err).Msg("Failed to publish rule reload")
	}
}

func bumpPatch(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return "1.0.0"
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return "1.0.0"
	}
	return fmt.Sprintf("%s.%s.%d", parts[0], parts[1], patch+1)
}

func diffRulesets(old, new *Ruleset) ChangeSet {
	oldRules := make(map[string]string, len(old.Rules))
	for _, rule := range old.Rules {
		data, _ := json.Marshal(rule)
		oldRules[rule.ID] = string(data)
	}

	var cs ChangeSet
	seen := make(map[string]bool, len(new.Rules))
	for _, rule := range new.Rules {
		seen[rule.ID] = true
		prev, ok := oldRules[rule.ID]
		if !ok {
			cs.Added = append(cs.Added, rule.ID)
			continue
		}
		data, _ := json.Marshal(rule)
		if prev != string(data) {
			cs.Modified = append(cs.Modified, rule.ID)
		}
	}
	for id := range oldRules {
		if !seen[id] {
			cs.Removed = append(cs.Removed, id)
		}
	}
	return cs
}
