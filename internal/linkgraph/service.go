package linkgraph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/internal/models"
)

// Default traversal depths
const (
	DefaultDepth      = 3
	RingAnalysisDepth = 5
)

// Store is the persistence boundary for graph edges
type Store interface {
	UpsertConnection(ctx context.Context, conn *models.UserConnection) error
	ListByOrg(ctx context.Context, orgID string) ([]models.UserConnection, error)
	ListByUsers(ctx context.Context, orgID string, users []string) ([]models.UserConnection, error)
	FlagRing(ctx context.Context, orgID string, users []string) (int64, error)
	UserRisk(ctx context.Context, orgID string) (map[string]float64, error)
}

// AttributeIndex maps shared attributes (device, IP) to the users seen
// with them. Satisfied by state.Store set operations.
type AttributeIndex interface {
	AddSetMember(ctx context.Context, key, member string, ttl time.Duration) ([]string, error)
}

// Edge strengths are normalized to [0, 1]. A shared device fingerprint
// ties two accounts more tightly than a shared IP.
const (
	strengthSharedDevice = 0.9
	strengthSharedIP     = 0.5
)

// Service maintains the undirected user link graph and runs ring analysis
type Service struct {
	store    Store
	index    AttributeIndex
	indexTTL time.Duration
}

func NewService(store Store, index AttributeIndex) *Service {
	return &Service{store: store, index: index, indexTTL: 30 * 24 * time.Hour}
}

// CanonicalPair orders a user pair so each undirected edge has one identity
func CanonicalPair(u1, u2 string) (string, string) {
	if u1 <= u2 {
		return u1, u2
	}
	return u2, u1
}

// RecordConnection upserts an edge between two users. An existing edge
// keeps its first_seen, bumps event_count and takes the stronger strength.
func (s *Service) RecordConnection(ctx context.Context, orgID, u1, u2, connType string, strength float64) error {
	if u1 == u2 {
		return nil
	}
	a, b := CanonicalPair(u1, u2)

	now := time.Now()
	conn := &models.UserConnection{
		OrgID:          orgID,
		UserA:          a,
		UserB:          b,
		ConnectionType: connType,
		Strength:       strength,
		EventCount:     1,
		FirstSeen:      now,
		LastSeen:       now,
	}
	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		return fmt.Errorf("failed to record connection: %w", err)
	}
	return nil
}

// RecordFromEvent indexes the event's device fingerprint and IP address
// and links the actor to every other user previously seen with the same
// attribute. Shared devices are stronger signals than shared IPs.
func (s *Service) RecordFromEvent(ctx context.Context, event *models.Event) error {
	userID := event.Actor.UserID
	if userID == "" || s.index == nil {
		return nil
	}

	type attribute struct {
		key      string
		connType string
		strength float64
	}
	var attrs []attribute
	if fp := event.Actor.DeviceFingerprint; fp != "" {
		attrs = append(attrs, attribute{
			key:      fmt.Sprintf("linkindex:%s:device:%s", event.OrgID, fp),
			connType: models.ConnectionSharedDevice,
			strength: strengthSharedDevice,
		})
	}
	if ip := event.Actor.IPAddress; ip != "" {
		attrs = append(attrs, attribute{
			key:      fmt.Sprintf("linkindex:%s:ip:%s", event.OrgID, ip),
			connType: models.ConnectionSharedIP,
			strength: strengthSharedIP,
		})
	}

	for _, attr := range attrs {
		users, err := s.index.AddSetMember(ctx, attr.key, userID, s.indexTTL)
		if err != nil {
			return err
		}
		for _, other := range users {
			if other == userID {
				continue
			}
			if err := s.RecordConnection(ctx, event.OrgID, userID, other, attr.connType, attr.strength); err != nil {
				return err
			}
		}
	}
	return nil
}

// Connected returns users reachable from the given user within depth hops
func (s *Service) Connected(ctx context.Context, orgID, userID string, depth int) ([]string, error) {
	if depth <= 0 {
		depth = DefaultDepth
	}
	conns, err := s.store.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}
	return ConnectedUsers(conns, userID, depth), nil
}

// AnalyzeRing runs structural analysis over the neighborhood of a user
func (s *Service) AnalyzeRing(ctx context.Context, orgID, userID string) (*RingAnalysis, error) {
	conns, err := s.store.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}

	members := ConnectedUsers(conns, userID, RingAnalysisDepth)
	members = append(members, userID)

	subgraph, err := s.store.ListByUsers(ctx, orgID, members)
	if err != nil {
		return nil, fmt.Errorf("failed to load ring subgraph: %w", err)
	}

	analysis := AnalyzeRing(subgraph)
	log.Info().
		Str("org_id", orgID).
		Str("user_id", userID).
		Int("ring_size", len(analysis.Users)).
		Float64("density", analysis.Density).
		Bool("complete_ring", analysis.IsCompleteRing).
		Msg("Ring analysis complete")

	return analysis, nil
}

// FlagRing marks every pairwise edge among the given users as a confirmed
// fraud ring and returns the number of edges flagged.
func (s *Service) FlagRing(ctx context.Context, orgID string, users []string) (int64, error) {
	if len(users) < 2 {
		return 0, fmt.Errorf("flagging a ring requires at least two users")
	}
	flagged, err := s.store.FlagRing(ctx, orgID, users)
	if err != nil {
		return 0, fmt.Errorf("failed to flag ring: %w", err)
	}

	log.Warn().
		Str("org_id", orgID).
		Strs("users", users).
		Int64("edges_flagged", flagged).
		Msg("Fraud ring flagged")

	return flagged, nil
}

// Hub is a highly connected user in the graph
type Hub struct {
	UserID      string `json:"user_id"`
	Connections int    `json:"connections"`
}

// TopHubs returns the users with the most incident edges
func (s *Service) TopHubs(ctx context.Context, orgID string, limit int) ([]Hub, error) {
	conns, err := s.store.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}

	counts := make(map[string]int)
	for _, c := range conns {
		counts[c.UserA]++
		counts[c.UserB]++
	}

	hubs := make([]Hub, 0, len(counts))
	for user, n := range counts {
		hubs = append(hubs, Hub{UserID: user, Connections: n})
	}
	sort.Slice(hubs, func(i, j int) bool {
		if hubs[i].Connections != hubs[j].Connections {
			return hubs[i].Connections > hubs[j].Connections
		}
		return hubs[i].UserID < hubs[j].UserID
	})

	if limit > 0 && len(hubs) > limit {
		hubs = hubs[:limit]
	}
	return hubs, nil
}

// GraphData exports the org's graph for visualization. Node size grows
// with the user's risk score, capped so whales don't dwarf the canvas.
func (s *Service) GraphData(ctx context.Context, orgID string) (*models.GraphData, error) {
	conns, err := s.store.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}

	riskByUser, err := s.store.UserRisk(ctx, orgID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load user risk for graph, using defaults")
		riskByUser = map[string]float64{}
	}

	hubs, _ := s.TopHubs(ctx, orgID, 5)
	hubSet := make(map[string]bool, len(hubs))
	for _, h := range hubs {
		hubSet[h.UserID] = true
	}

	seen := make(map[string]bool)
	data := &models.GraphData{}

	addNode := func(user string) {
		if seen[user] {
			return
		}
		seen[user] = true
		risk := riskByUser[user]
		level := models.RiskLevelLow
		switch {
		case risk >= 0.8:
			level = models.RiskLevelCritical
		case risk >= 0.6:
			level = models.RiskLevelHigh
		case risk >= 0.3:
			level = models.RiskLevelMedium
		}
		data.Nodes = append(data.Nodes, models.GraphNode{
			ID:        user,
			Label:     user,
			Size:      40 + min(risk*100, 60),
			RiskScore: risk,
			RiskLevel: level,
			IsHub:     hubSet[user],
		})
	}

	for _, c := range conns {
		addNode(c.UserA)
		addNode(c.UserB)
		data.Edges = append(data.Edges, models.GraphEdge{
			Source:      c.UserA,
			Target:      c.UserB,
			Type:        c.ConnectionType,
			Weight:      c.Strength,
			EventCount:  c.EventCount,
			FlaggedRing: c.FlaggedRing,
		})
	}

	sort.Slice(data.Nodes, func(i, j int) bool { return data.Nodes[i].ID < data.Nodes[j].ID })
	return data, nil
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
