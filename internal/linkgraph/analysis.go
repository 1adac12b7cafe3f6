package linkgraph

import (
	"container/heap"
	"math"
	"sort"

	"github.com/sentineliq/risk-engine/internal/models"
)

// graph is an undirected weighted adjacency built from connection rows.
// Edge weight is the connection strength; distances use 1/strength so
// stronger links are shorter paths.
type graph struct {
	nodes []string
	index map[string]int
	adj   map[int]map[int]float64
}

func buildGraph(conns []models.UserConnection) *graph {
	g := &graph{index: make(map[string]int), adj: make(map[int]map[int]float64)}

	add := func(user string) int {
		if i, ok := g.index[user]; ok {
			return i
		}
		i := len(g.nodes)
		g.index[user] = i
		g.nodes = append(g.nodes, user)
		g.adj[i] = make(map[int]float64)
		return i
	}

	for _, c := range conns {
		a, b := add(c.UserA), add(c.UserB)
		if c.Strength > g.adj[a][b] {
			g.adj[a][b] = c.Strength
			g.adj[b][a] = c.Strength
		}
	}
	return g
}

// ConnectedUsers returns every user reachable from start within maxDepth
// hops, excluding start itself. Results are sorted for determinism.
func ConnectedUsers(conns []models.UserConnection, start string, maxDepth int) []string {
	g := buildGraph(conns)
	s, ok := g.index[start]
	if !ok {
		return nil
	}

	visited := map[int]bool{s: true}
	frontier := []int{s}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []int
		for _, u := range frontier {
			for v := range g.adj[u] {
				if !visited[v] {
					visited[v] = true
					next = append(next, v)
				}
			}
		}
		frontier = next
	}

	users := make([]string, 0, len(visited)-1)
	for i := range visited {
		if i != s {
			users = append(users, g.nodes[i])
		}
	}
	sort.Strings(users)
	return users
}

// Density is the ratio of present edges to possible edges
func Density(conns []models.UserConnection) float64 {
	g := buildGraph(conns)
	n := len(g.nodes)
	if n < 2 {
		return 0
	}
	edges := 0
	for u, nbrs := range g.adj {
		for v := range nbrs {
			if u < v {
				edges++
			}
		}
	}
	return 2 * float64(edges) / float64(n*(n-1))
}

// IsCompleteRing reports whether every pair of users is directly connected
func IsCompleteRing(conns []models.UserConnection) bool {
	g := buildGraph(conns)
	n := len(g.nodes)
	if n < 3 {
		return false
	}
	for u := range g.adj {
		if len(g.adj[u]) != n-1 {
			return false
		}
	}
	return true
}

// dijkstra returns shortest distances from src using 1/strength edge costs,
// plus predecessor sets and path counts for betweenness accumulation.
func (g *graph) dijkstra(src int) (dist []float64, sigma []float64, preds [][]int, order []int) {
	n := len(g.nodes)
	dist = make([]float64, n)
	sigma = make([]float64, n)
	preds = make([][]int, n)
	for i := range dist {
		dist[i] = math.Inf(1)
	}
	dist[src] = 0
	sigma[src] = 1

	pq := &nodeHeap{{node: src, dist: 0}}
	settled := make([]bool, n)

	for pq.Len() > 0 {
		item := heap.Pop(pq).(nodeItem)
		u := item.node
		if settled[u] {
			continue
		}
		settled[u] = true
		order = append(order, u)

		for v, strength := range g.adj[u] {
			cost := 1.0 / strength
			alt := dist[u] + cost
			switch {
			case alt < dist[v]:
				dist[v] = alt
				sigma[v] = sigma[u]
				preds[v] = []int{u}
				heap.Push(pq, nodeItem{node: v, dist: alt})
			case alt == dist[v]:
				sigma[v] += sigma[u]
				preds[v] = append(preds[v], u)
			}
		}
	}
	return dist, sigma, preds, order
}

type nodeItem struct {
	node int
	dist float64
}

type nodeHeap []nodeItem

func (h nodeHeap) Len() int            { return len(h) }
func (h nodeHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h nodeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x interface{}) { *h = append(*h, x.(nodeItem)) }
func (h *nodeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// BetweennessCentrality computes weighted betweenness (Brandes) normalized
// to [0, 1] for graphs with at least three nodes.
func BetweennessCentrality(conns []models.UserConnection) map[string]float64 {
	g := buildGraph(conns)
	n := len(g.nodes)
	scores := make([]float64, n)

	for s := 0; s < n; s++ {
		_, sigma, preds, order := g.dijkstra(s)
		delta := make([]float64, n)
		for i := len(order) - 1; i >= 0; i-- {
			w := order[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				scores[w] += delta[w]
			}
		}
	}

	out := make(map[string]float64, n)
	norm := 1.0
	if n > 2 {
		norm = float64((n - 1) * (n - 2)) // undirected pairs counted twice
	}
	for i, user := range g.nodes {
		out[user] = scores[i] / norm
	}
	return out
}

// ClosenessCentrality is the inverse of the average weighted shortest-path
// distance to every reachable node.
func ClosenessCentrality(conns []models.UserConnection) map[string]float64 {
	g := buildGraph(conns)
	out := make(map[string]float64, len(g.nodes))

	for s, user := range g.nodes {
		dist, _, _, _ := g.dijkstra(s)
		var sum float64
		reachable := 0
		for v, d := range dist {
			if v != s && !math.IsInf(d, 1) {
				sum += d
				reachable++
			}
		}
		if reachable == 0 || sum == 0 {
			out[user] = 0
			continue
		}
		out[user] = float64(reachable) / sum
	}
	return out
}

// Communities partitions the graph by greedy modularity maximization:
// every node starts alone and the merge with the best modularity gain is
// applied until no merge improves modularity.
func Communities(conns []models.UserConnection) [][]string {
	g := buildGraph(conns)
	n := len(g.nodes)
	if n == 0 {
		return nil
	}

	community := make([]int, n)
	for i := range community {
		community[i] = i
	}

	for {
		bestGain := 0.0
		bestA, bestB := -1, -1
		for a := 0; a < n; a++ {
			for b := a + 1; b < n; b++ {
				ca, cb := community[a], community[b]
				if ca == cb {
					continue
				}
				gain := modularityGain(g, community, ca, cb)
				if gain > bestGain {
					bestGain, bestA, bestB = gain, ca, cb
				}
			}
		}
		if bestA < 0 {
			break
		}
		for i := range community {
			if community[i] == bestB {
				community[i] = bestA
			}
		}
	}

	grouped := make(map[int][]string)
	for i, c := range community {
		grouped[c] = append(grouped[c], g.nodes[i])
	}

	result := make([][]string, 0, len(grouped))
	for _, members := range grouped {
		sort.Strings(members)
		result = append(result, members)
	}
	sort.Slice(result, func(i, j int) bool {
		if len(result[i]) != len(result[j]) {
			return len(result[i]) > len(result[j])
		}
		return result[i][0] < result[j][0]
	})
	return result
}

func modularityGain(g *graph, community []int, ca, cb int) float64 {
	var totalWeight float64
	for u, nbrs := range g.adj {
		for v, w := range nbrs {
			if u < v {
				totalWeight += w
			}
		}
	}
	if totalWeight == 0 {
		return 0
	}

	merged := make([]int, len(community))
	copy(merged, community)
	for i := range merged {
		if merged[i] == cb {
			merged[i] = ca
		}
	}
	return modularity(g, merged, totalWeight) - modularity(g, community, totalWeight)
}

func modularity(g *graph, community []int, totalWeight float64) float64 {
	degree := make([]float64, len(g.nodes))
	for u, nbrs := range g.adj {
		for _, w := range nbrs {
			degree[u] += w
		}
	}

	var q float64
	for u := range g.nodes {
		for v := range g.nodes {
			if community[u] != community[v] {
				continue
			}
			w := g.adj[u][v]
			q += w - degree[u]*degree[v]/(2*totalWeight)
		}
	}
	return q / (2 * totalWeight)
}

// RingAnalysis is the full structural report over a user's neighborhood
type RingAnalysis struct {
	Users          []string           `json:"users"`
	Density        float64            `json:"density"`
	Betweenness    map[string]float64 `json:"betweenness_centrality"`
	Closeness      map[string]float64 `json:"closeness_centrality"`
	Communities    [][]string         `json:"communities"`
	IsCompleteRing bool               `json:"is_complete_ring"`
	RiskScore      float64            `json:"risk_score"`
}

// AnalyzeRing runs the structural metrics over a set of connections
func AnalyzeRing(conns []models.UserConnection) *RingAnalysis {
	g := buildGraph(conns)

	var strengthSum float64
	for _, c := range conns {
		strengthSum += c.Strength
	}
	avgStrength := 0.0
	if len(conns) > 0 {
		avgStrength = strengthSum / float64(len(conns))
	}

	density := Density(conns)
	risk := 0.4*density + 0.3*avgStrength + 0.3*math.Min(1.0, float64(len(g.nodes))/10.0)

	users := make([]string, len(g.nodes))
	copy(users, g.nodes)
	sort.Strings(users)

	return &RingAnalysis{
		Users:          users,
		Density:        density,
		Betweenness:    BetweennessCentrality(conns),
		Closeness:      ClosenessCentrality(conns),
		Communities:    Communities(conns),
		IsCompleteRing: IsCompleteRing(conns),
		RiskScore:      math.Min(1.0, risk),
	}
}
