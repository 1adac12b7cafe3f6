package linkgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineliq/risk-engine/internal/models"
)

func edge(a, b string, strength float64) models.UserConnection {
	if a > b {
		a, b = b, a
	}
	return models.UserConnection{
		OrgID:          "org-1",
		UserA:          a,
		UserB:          b,
		ConnectionType: models.ConnectionSharedDevice,
		Strength:       strength,
	}
}

// chain builds a path graph u1 - u2 - u3 - ...
func chain(users ...string) []models.UserConnection {
	var conns []models.UserConnection
	for i := 0; i+1 < len(users); i++ {
		conns = append(conns, edge(users[i], users[i+1], 0.5))
	}
	return conns
}

func TestConnectedUsersRespectsDepth(t *testing.T) {
	conns := chain("u1", "u2", "u3", "u4", "u5")

	assert.Equal(t, []string{"u2"}, ConnectedUsers(conns, "u1", 1))
	assert.Equal(t, []string{"u2", "u3"}, ConnectedUsers(conns, "u1", 2))
	assert.Equal(t, []string{"u2", "u3", "u4"}, ConnectedUsers(conns, "u1", 3))
	assert.Equal(t, []string{"u2", "u3", "u4", "u5"}, ConnectedUsers(conns, "u1", 10))
}

func TestConnectedUsersUnknownStart(t *testing.T) {
	assert.Nil(t, ConnectedUsers(chain("u1", "u2"), "ghost", 3))
}

func TestConnectedUsersIgnoresDisconnectedComponent(t *testing.T) {
	conns := append(chain("u1", "u2"), chain("x1", "x2", "x3")...)
	assert.Equal(t, []string{"u2"}, ConnectedUsers(conns, "u1", 5))
}

func TestDensity(t *testing.T) {
	// Path of three users: 2 of 3 possible edges
	assert.InDelta(t, 2.0/3.0, Density(chain("u1", "u2", "u3")), 1e-9)

	// Triangle is fully dense
	triangle := []models.UserConnection{
		edge("u1", "u2", 0.9), edge("u2", "u3", 0.9), edge("u1", "u3", 0.9),
	}
	assert.InDelta(t, 1.0, Density(triangle), 1e-9)

	assert.Zero(t, Density(nil))
}

func TestIsCompleteRing(t *testing.T) {
	triangle := []models.UserConnection{
		edge("u1", "u2", 0.9), edge("u2", "u3", 0.9), edge("u1", "u3", 0.9),
	}
	assert.True(t, IsCompleteRing(triangle))

	// A path is not complete
	assert.False(t, IsCompleteRing(chain("u1", "u2", "u3")))

	// Two users are never a ring
	assert.False(t, IsCompleteRing(chain("u1", "u2")))
}

func TestBetweennessCentralityOnPath(t *testing.T) {
	scores := BetweennessCentrality(chain("u1", "u2", "u3"))

	// The middle node carries every shortest path
	assert.Greater(t, scores["u2"], scores["u1"])
	assert.Greater(t, scores["u2"], scores["u3"])
	assert.InDelta(t, 1.0, scores["u2"], 1e-9)
	assert.Zero(t, scores["u1"])
	assert.Zero(t, scores["u3"])
}

func TestBetweennessCentralityOnTriangle(t *testing.T) {
	triangle := []models.UserConnection{
		edge("u1", "u2", 0.9), edge("u2", "u3", 0.9), edge("u1", "u3", 0.9),
	}
	scores := BetweennessCentrality(triangle)

	// Nobody sits between anyone on a triangle with equal weights
	for user, score := range scores {
		assert.InDelta(t, 0, score, 1e-9, "user %s", user)
	}
}

func TestClosenessCentrality(t *testing.T) {
	scores := ClosenessCentrality(chain("u1", "u2", "u3"))

	// The middle node is closest to everyone
	assert.Greater(t, scores["u2"], scores["u1"])
	assert.InDelta(t, scores["u1"], scores["u3"], 1e-9)

	// Isolated graph
	assert.Empty(t, ClosenessCentrality(nil))
}

func TestCommunities(t *testing.T) {
	// Two tight triangles joined by one weak bridge
	conns := []models.UserConnection{
		edge("a1", "a2", 0.9), edge("a2", "a3", 0.9), edge("a1", "a3", 0.9),
		edge("b1", "b2", 0.9), edge("b2", "b3", 0.9), edge("b1", "b3", 0.9),
		edge("a3", "b1", 0.1),
	}

	communities := Communities(conns)
	require.Len(t, communities, 2)

	// Members are sorted within each community and communities by size then name
	assert.ElementsMatch(t, []string{"a1", "a2", "a3"}, findCommunity(communities, "a1"))
	assert.ElementsMatch(t, []string{"b1", "b2", "b3"}, findCommunity(communities, "b2"))
}

func findCommunity(communities [][]string, user string) []string {
	for _, c := range communities {
		for _, member := range c {
			if member == user {
				return c
			}
		}
	}
	return nil
}

func TestAnalyzeRing(t *testing.T) {
	triangle := []models.UserConnection{
		edge("u1", "u2", 0.9), edge("u2", "u3", 0.9), edge("u1", "u3", 0.9),
	}

	analysis := AnalyzeRing(triangle)
	assert.Equal(t, []string{"u1", "u2", "u3"}, analysis.Users)
	assert.InDelta(t, 1.0, analysis.Density, 1e-9)
	assert.True(t, analysis.IsCompleteRing)

	// 0.4*1.0 + 0.3*0.9 + 0.3*(3/10)
	assert.InDelta(t, 0.4+0.27+0.09, analysis.RiskScore, 1e-9)
	assert.LessOrEqual(t, analysis.RiskScore, 1.0)
}

func TestAnalyzeRingEmpty(t *testing.T) {
	analysis := AnalyzeRing(nil)
	assert.Empty(t, analysis.Users)
	assert.Zero(t, analysis.Density)
	assert.False(t, analysis.IsCompleteRing)
	assert.Zero(t, analysis.RiskScore)
}

func TestCanonicalPair(t *testing.T) {
	a, b := CanonicalPair("user-b", "user-a")
	assert.Equal(t, "user-a", a)
	assert.Equal(t, "user-b", b)

	a, b = CanonicalPair("user-a", "user-b")
	assert.Equal(t, "user-a", a)
	assert.Equal(t, "user-b", b)
}
