// Package steiner approximates a minimum Steiner tree over a query
// solution-space graph (spec.md §4.D): connect Root to every indispensable
// leaf QueryField while satisfying any `@requires` obligations the chosen
// realisations carry, minimising total resolver-hop cost.
//
// The exact problem is NP-hard; per spec.md §4.D and the Non-goals in §1,
// this is a documented approximation (greedy repeated shortest-path growth),
// not a claim of optimality.
package steiner

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/grafbase/gwcore/internal/solve"
)

// supersourceID is a gonum node id that can never collide with a solve.NodeId
// (those are non-negative int32s widened to int64).
const supersourceID int64 = -1

// Solution is the Steiner solver's output: `SteinerTreeSolution{node_bitset}`
// per spec.md §4.D, plus the edges the tree actually used (internal/plan
// needs both: nodes to decide what's included, edges to derive the plan
// DAG's dependency direction).
type Solution struct {
	Nodes map[solve.NodeId]struct{}
	Edges []solve.Edge
}

func (s Solution) Includes(id solve.NodeId) bool {
	_, ok := s.Nodes[id]
	return ok
}

// edgeCost assigns spec.md §4.D's fixed per-kind costs: resolver edges cost
// 1, provider edges cost 0. Edge kinds outside the reduced graph (Field,
// ProvidesTypename, RequiredBySubgraph, RequiredBySupergraph) are never
// looked up here — they don't participate in shortest-path growth.
func edgeCost(kind solve.EdgeKind) (float64, bool) {
	switch kind {
	case solve.EdgeCreateChildResolver:
		return 1, true
	case solve.EdgeCanProvide, solve.EdgeProvides:
		return 0, true
	default:
		return 0, false
	}
}

// reducedGraph keeps only Root, Resolver, ProvidableField, and QueryField
// nodes, carrying a bidirectional id map back to the original graph (per
// spec.md §4.D step 1) — here the map is trivial (NodeId IS the gonum id,
// widened), but edgeByPair lets Solve recover which original solve.Edge
// backed a given (from, to) hop once Dijkstra has picked it.
type reducedGraph struct {
	g         *simple.WeightedDirectedGraph
	edgeByPair map[[2]solve.NodeId]solve.Edge
}

func buildReduced(g *solve.Graph) *reducedGraph {
	rg := &reducedGraph{
		g:          simple.NewWeightedDirectedGraph(0, 0),
		edgeByPair: map[[2]solve.NodeId]solve.Edge{},
	}
	for i := 0; i < g.Nodes.Len(); i++ {
		id := solve.NodeId(i)
		switch g.Node(id).Kind {
		case solve.NodeRoot, solve.NodeResolver, solve.NodeProvidableField, solve.NodeQueryField:
			rg.g.AddNode(simple.Node(int64(id)))
		}
	}
	for _, e := range g.Edges {
		cost, ok := edgeCost(e.Kind)
		if !ok {
			continue
		}
		key := [2]solve.NodeId{e.From, e.To}
		if existing, ok := rg.edgeByPair[key]; ok {
			existingCost, _ := edgeCost(existing.Kind)
			if existingCost <= cost {
				continue // keep the cheaper of multiple edge kinds between the same pair
			}
		}
		rg.edgeByPair[key] = e
		rg.g.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(int64(e.From)),
			T: simple.Node(int64(e.To)),
			W: cost,
		})
	}
	return rg
}

// Solve grows a Steiner tree over g connecting Root to every node in
// terminals, re-checking RequiredBySubgraph/RequiredBySupergraph obligations
// at fixpoint per
// spec.md §4.D steps 2-3. It is deterministic for a given input graph: ties
// between equally-cheap next terminals are broken by (cost, node-id).
func Solve(g *solve.Graph, terminals []solve.NodeId) (Solution, error) {
	rg := buildReduced(g)

	included := map[solve.NodeId]struct{}{g.Root: {}}
	var includedEdges []solve.Edge

	uncovered := make(map[solve.NodeId]struct{}, len(terminals))
	for _, t := range terminals {
		uncovered[t] = struct{}{}
	}
	delete(uncovered, g.Root)

	// requiresChecked avoids re-scanning a ProvidableField's RequiredBySubgraph
	// obligations every fixpoint pass once they've already been queued.
	requiresChecked := map[solve.NodeId]bool{}

	for len(uncovered) > 0 {
		progressed, err := growTowardNearest(g, rg, included, uncovered, &includedEdges)
		if err != nil {
			return Solution{}, err
		}
		if !progressed {
			return Solution{}, fmt.Errorf("steiner: cannot connect all required fields from the current solution space")
		}

		// Fixpoint: any newly-included ProvidableField's @requires leaves, or
		// QueryField's @authorized(fields:) leaves, become additional
		// terminals (spec.md §4.D step 3; §4.C supergraph policy fields).
		for id := range included {
			if requiresChecked[id] {
				continue
			}
			kind := g.Node(id).Kind
			if kind != solve.NodeProvidableField && kind != solve.NodeQueryField {
				requiresChecked[id] = true
				continue
			}
			for _, e := range g.Out(id) {
				if e.Kind != solve.EdgeRequiredBySubgraph && e.Kind != solve.EdgeRequiredBySupergraph {
					continue
				}
				if _, ok := included[e.To]; !ok {
					uncovered[e.To] = struct{}{}
				}
			}
			requiresChecked[id] = true
		}
	}

	return Solution{Nodes: included, Edges: includedEdges}, nil
}

// growTowardNearest runs a single-source Dijkstra from a virtual supersource
// wired to every already-included node at zero cost (simulating multi-source
// shortest path), picks the cheapest currently-uncovered terminal, and folds
// its path into included/includedEdges.
func growTowardNearest(
	g *solve.Graph,
	rg *reducedGraph,
	included map[solve.NodeId]struct{},
	uncovered map[solve.NodeId]struct{},
	includedEdges *[]solve.Edge,
) (bool, error) {
	rg.g.AddNode(simple.Node(supersourceID))
	for id := range included {
		rg.g.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(supersourceID), T: simple.Node(int64(id)), W: 0})
	}

	shortest := path.DijkstraFrom(simple.Node(supersourceID), rg.g)

	type candidate struct {
		id     solve.NodeId
		weight float64
	}
	var candidates []candidate
	for t := range uncovered {
		w := shortest.WeightTo(int64(t))
		if math.IsInf(w, 1) || math.IsNaN(w) {
			continue
		}
		candidates = append(candidates, candidate{id: t, weight: w})
	}
	if len(candidates) == 0 {
		return false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].weight != candidates[j].weight {
			return candidates[i].weight < candidates[j].weight
		}
		return candidates[i].id < candidates[j].id
	})
	chosen := candidates[0]

	nodes, _ := shortest.To(int64(chosen.id))
	var prev graph.Node
	for _, n := range nodes {
		if n.ID() == supersourceID {
			prev = n
			continue
		}
		id := solve.NodeId(n.ID())
		if _, ok := included[id]; !ok {
			included[id] = struct{}{}
		}
		if prev != nil && prev.ID() != supersourceID {
			key := [2]solve.NodeId{solve.NodeId(prev.ID()), id}
			if e, ok := rg.edgeByPair[key]; ok {
				*includedEdges = append(*includedEdges, e)
			}
		}
		prev = n
	}

	delete(uncovered, chosen.id)
	return true, nil
}
