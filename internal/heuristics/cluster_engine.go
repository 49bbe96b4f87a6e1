package heuristics

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/intel-engine/pkg/models"
)

// Address Clustering Engine (Union-Find)
//
// Links registry addresses that share a discovery source, an on-chain
// counterparty or an analyst tag, then merges linked addresses into clusters.
//
// Implementation: weighted Union-Find over a dense int arena.
//   - Find: iterative path compression
//   - Union: by rank
//   - Space: O(n) ints, no per-node allocation
//
// Edge enumeration may be sharded across workers. Merging into the
// union-find is always single-threaded.

const (
	DefaultGraphLimit = 40
	FocusHopLimit     = 2

	// DefaultMaxGroupSize bounds all-pairs expansion of one shared group.
	// Larger groups are linked as a chain of consecutive members.
	DefaultMaxGroupSize = 250
)

// ClusterEngine implements weighted Union-Find over indices 0..n-1.
type ClusterEngine struct {
	parent []int
	rank   []int
	size   []int
}

// NewClusterEngine creates an engine where every index is its own cluster.
func NewClusterEngine(n int) *ClusterEngine {
	ce := &ClusterEngine{
		parent: make([]int, n),
		rank:   make([]int, n),
		size:   make([]int, n),
	}
	for i := range ce.parent {
		ce.parent[i] = i
		ce.size[i] = 1
	}
	return ce
}

// Find returns the root of i, compressing the path on the way.
func (ce *ClusterEngine) Find(i int) int {
	root := i
	for ce.parent[root] != root {
		root = ce.parent[root]
	}
	for ce.parent[i] != root {
		next := ce.parent[i]
		ce.parent[i] = root
		i = next
	}
	return root
}

// Union merges the clusters of a and b. Returns true if a merge occurred.
func (ce *ClusterEngine) Union(a, b int) bool {
	ra, rb := ce.Find(a), ce.Find(b)
	if ra == rb {
		return false
	}
	if ce.rank[ra] < ce.rank[rb] {
		ra, rb = rb, ra
	}
	ce.parent[rb] = ra
	ce.size[ra] += ce.size[rb]
	if ce.rank[ra] == ce.rank[rb] {
		ce.rank[ra]++
	}
	return true
}

// ClusterSize returns the number of members in the cluster containing i.
func (ce *ClusterEngine) ClusterSize(i int) int {
	return ce.size[ce.Find(i)]
}

// TotalClusters returns the number of distinct clusters.
func (ce *ClusterEngine) TotalClusters() int {
	n := 0
	for i := range ce.parent {
		if ce.Find(i) == i {
			n++
		}
	}
	return n
}

// Labels returns a dense component label per index, numbered by first
// appearance. Used for cluster drift metrics.
func (ce *ClusterEngine) Labels() []int {
	labels := make([]int, len(ce.parent))
	byRoot := make(map[int]int)
	for i := range ce.parent {
		r := ce.Find(i)
		l, ok := byRoot[r]
		if !ok {
			l = len(byRoot)
			byRoot[r] = l
		}
		labels[i] = l
	}
	return labels
}

// ClusterID is the content hash of the sorted member ids.
func ClusterID(memberIDs []string) string {
	ids := append([]string(nil), memberIDs...)
	sort.Strings(ids)
	h := chainhash.HashH([]byte(strings.Join(ids, "\n")))
	return "cl_" + h.String()
}

// GraphOptions selects what BuildGraph returns.
type GraphOptions struct {
	Focus   string // address id or address string; empty for global mode
	Limit   int    // global mode node cap, DefaultGraphLimit when <= 0
	Workers int    // pair enumeration shards, 1 when <= 0

	// MaxGroupSize caps the members of one shared source, tag or
	// counterparty that are paired all-against-all. DefaultMaxGroupSize
	// when <= 0.
	MaxGroupSize int

	// ExtraEdges are edges known from elsewhere (for example persisted by a
	// previous pass). Endpoints absent from the address set become stubs.
	ExtraEdges []models.GraphEdge
}

// BuildGraph computes the relationship graph over addrs. counterparties is
// keyed by address id and may be nil. The result is a pure function of its
// inputs: same registry state, same graph.
func BuildGraph(addrs []models.Address, counterparties map[string][]string, opts GraphOptions) models.Graph {
	graph := models.Graph{Nodes: []models.GraphNode{}, Edges: []models.GraphEdge{}, Clusters: []models.Cluster{}}

	// Stable id order, duplicates dropped.
	sorted := make([]models.Address, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if a.ID == "" || seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		sorted = append(sorted, a)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for id := range counterparties {
		if !seen[id] {
			log.Printf("[Graph] %v: counterparties reference unknown address id %s", models.ErrDataInconsistency, id)
		}
	}

	var selected []models.Address
	var edges []models.GraphEdge

	if opts.Focus != "" {
		focusIdx := -1
		for i, a := range sorted {
			if a.ID == opts.Focus || a.Address == opts.Focus {
				focusIdx = i
				break
			}
		}
		if focusIdx < 0 {
			graph.Nodes = append(graph.Nodes, models.GraphNode{
				ID:        opts.Focus,
				Label:     nodeLabel(opts.Focus),
				Category:  models.CategoryUnassigned,
				ClusterID: ClusterID([]string{opts.Focus}),
			})
			graph.Clusters = append(graph.Clusters, models.Cluster{
				ID: ClusterID([]string{opts.Focus}), Members: []string{opts.Focus}, Size: 1,
			})
			return graph
		}
		all := enumerateEdges(sorted, counterparties, opts.Workers, opts.MaxGroupSize)
		reached := bfs(sorted, all, sorted[focusIdx].ID, FocusHopLimit)
		for _, a := range sorted {
			if reached[a.ID] {
				selected = append(selected, a)
			}
		}
		for _, e := range all {
			if reached[e.Source] && reached[e.Target] {
				edges = append(edges, e)
			}
		}
	} else {
		limit := opts.Limit
		if limit <= 0 {
			limit = DefaultGraphLimit
		}
		if len(sorted) > limit {
			sorted = sorted[:limit]
		}
		selected = sorted
		edges = enumerateEdges(selected, counterparties, opts.Workers, opts.MaxGroupSize)
	}

	if len(selected) == 0 && len(opts.ExtraEdges) == 0 {
		return graph
	}

	// ─── Nodes (plus stubs for dangling extra edges) ─────────────────
	index := make(map[string]int, len(selected))
	for _, a := range selected {
		index[a.ID] = len(graph.Nodes)
		graph.Nodes = append(graph.Nodes, models.GraphNode{
			ID:        a.ID,
			Label:     nodeLabel(a.Address),
			RiskScore: a.RiskScore,
			Category:  displayCategory(a.Category),
		})
	}
	for _, e := range opts.ExtraEdges {
		e = canonicalEdge(e)
		_, okS := index[e.Source]
		_, okT := index[e.Target]
		if opts.Focus != "" && !okS && !okT {
			continue
		}
		for _, end := range []string{e.Source, e.Target} {
			if _, ok := index[end]; ok {
				continue
			}
			log.Printf("[Graph] %v: edge %s-%s references unknown address id %s", models.ErrDataInconsistency, e.Source, e.Target, end)
			index[end] = len(graph.Nodes)
			graph.Nodes = append(graph.Nodes, models.GraphNode{
				ID: end, Label: nodeLabel(end), Category: models.CategoryUnassigned, Stub: true,
			})
		}
		edges = append(edges, e)
	}
	sortEdges(edges)
	graph.Edges = edges

	// ─── Clusters ────────────────────────────────────────────────────
	ce := NewClusterEngine(len(graph.Nodes))
	for _, e := range edges {
		ce.Union(index[e.Source], index[e.Target])
	}
	members := make(map[int][]int)
	for i := range graph.Nodes {
		r := ce.Find(i)
		members[r] = append(members[r], i)
	}
	for _, idxs := range members {
		ids := make([]string, len(idxs))
		maxRisk := 0
		for k, i := range idxs {
			ids[k] = graph.Nodes[i].ID
			if graph.Nodes[i].RiskScore > maxRisk {
				maxRisk = graph.Nodes[i].RiskScore
			}
		}
		sort.Strings(ids)
		cid := ClusterID(ids)
		for _, i := range idxs {
			graph.Nodes[i].ClusterID = cid
		}
		graph.Clusters = append(graph.Clusters, models.Cluster{ID: cid, Members: ids, Size: len(ids), RiskScore: maxRisk})
	}
	sort.Slice(graph.Clusters, func(i, j int) bool { return graph.Clusters[i].ID < graph.Clusters[j].ID })
	sort.Slice(graph.Nodes, func(i, j int) bool { return graph.Nodes[i].ID < graph.Nodes[j].ID })
	return graph
}

// ─── Edge enumeration ────────────────────────────────────────────────

type pairKey struct{ a, b int }

// enumerateEdges finds every shared_source, shared_counterparty and
// shared_tag pair among addrs (which must be sorted by id).
func enumerateEdges(addrs []models.Address, counterparties map[string][]string, workers, maxGroup int) []models.GraphEdge {
	bySource := make(map[string][]int)
	byTag := make(map[string][]int)
	byCounterparty := make(map[string][]int)

	for i, a := range addrs {
		if src := strings.TrimSpace(a.SourceURL); src != "" {
			bySource[src] = append(bySource[src], i)
		}
		for _, tag := range uniqueNormalized(a.Tags) {
			byTag[tag] = append(byTag[tag], i)
		}
		for _, cp := range uniqueNormalized(counterparties[a.ID]) {
			byCounterparty[cp] = append(byCounterparty[cp], i)
		}
	}

	var edges []models.GraphEdge
	emit := func(counts map[pairKey]int, reason models.EdgeReason, fixedWeight int) {
		for p, n := range counts {
			w := n
			if fixedWeight > 0 {
				w = fixedWeight
			}
			edges = append(edges, models.GraphEdge{
				Source: addrs[p.a].ID, Target: addrs[p.b].ID, Weight: w, Reason: reason,
			})
		}
	}
	emit(countSharedPairs(bySource, workers, maxGroup), models.ReasonSharedSource, 1)
	emit(countSharedPairs(byCounterparty, workers, maxGroup), models.ReasonSharedCounterparty, 0)
	emit(countSharedPairs(byTag, workers, maxGroup), models.ReasonSharedTag, 0)

	sortEdges(edges)
	return edges
}

// countSharedPairs counts, for every pair of indices, how many groups they
// share. Groups are sharded across workers; each shard counts into its own
// map and the shards are merged afterwards. Groups above maxGroup members
// only contribute consecutive pairs, which keeps them in one cluster without
// the quadratic edge set.
func countSharedPairs(groups map[string][]int, workers, maxGroup int) map[pairKey]int {
	if maxGroup <= 0 {
		maxGroup = DefaultMaxGroupSize
	}
	keys := make([]string, 0, len(groups))
	for k, members := range groups {
		if len(members) > 1 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if n := len(groups[k]); n > maxGroup {
			log.Printf("[Graph] group %q has %d members (cap %d), linking as chain", k, n, maxGroup)
		}
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > len(keys) {
		workers = len(keys)
	}

	merged := make(map[pairKey]int)
	if workers == 0 {
		return merged
	}

	shards := make([]map[pairKey]int, workers)
	g, _ := errgroup.WithContext(context.Background())
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			local := make(map[pairKey]int)
			for k := w; k < len(keys); k += workers {
				members := groups[keys[k]]
				if len(members) > maxGroup {
					for i := 0; i+1 < len(members); i++ {
						local[pairKey{members[i], members[i+1]}]++
					}
					continue
				}
				for i := 0; i < len(members); i++ {
					for j := i + 1; j < len(members); j++ {
						a, b := members[i], members[j]
						if a > b {
							a, b = b, a
						}
						local[pairKey{a, b}]++
					}
				}
			}
			shards[w] = local
			return nil
		})
	}
	_ = g.Wait()

	for _, shard := range shards {
		for p, n := range shard {
			merged[p] += n
		}
	}
	return merged
}

func bfs(addrs []models.Address, edges []models.GraphEdge, start string, hops int) map[string]bool {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
		adj[e.Target] = append(adj[e.Target], e.Source)
	}
	reached := map[string]bool{start: true}
	frontier := []string{start}
	for depth := 0; depth < hops && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, nb := range adj[id] {
				if !reached[nb] {
					reached[nb] = true
					next = append(next, nb)
				}
			}
		}
		frontier = next
	}
	return reached
}

func canonicalEdge(e models.GraphEdge) models.GraphEdge {
	if e.Target < e.Source {
		e.Source, e.Target = e.Target, e.Source
	}
	return e
}

func sortEdges(edges []models.GraphEdge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.Weight < b.Weight
	})
}

// EdgeKey identifies an edge across passes.
func EdgeKey(e models.GraphEdge) string {
	e = canonicalEdge(e)
	return fmt.Sprintf("%s|%s|%s", e.Source, e.Target, e.Reason)
}

func uniqueNormalized(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func nodeLabel(address string) string {
	if len(address) > 10 {
		return address[:10] + "..."
	}
	return address
}

func displayCategory(c models.Category) models.Category {
	if c == "" {
		return models.CategoryUnassigned
	}
	return c
}
