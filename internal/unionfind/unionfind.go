// Package unionfind is a small disjoint-set-union used wherever the spec
// reduces to "group these nodes into their maximal connected components":
// schema contract reachability (internal/schema) and query-partition
// grouping over the solver's included nodes (internal/plan, spec.md §4.E).
//
// A third-party union-find (github.com/kingledion/go-tools's dsu package)
// is listed in the teacher's go.mod, but its public API could not be
// confirmed against this exercise's offline corpus with enough confidence
// to wire blind — see DESIGN.md. The algorithm itself is ~15 lines; this
// package is the one deliberate, documented substitution.
package unionfind

// Set is union-find over the dense integer space [0, n).
type Set struct {
	parent []int
	rank   []int
}

func New(n int) *Set {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &Set{parent: p, rank: make([]int, n)}
}

func (s *Set) Find(x int) int {
	for s.parent[x] != x {
		s.parent[x] = s.parent[s.parent[x]]
		x = s.parent[x]
	}
	return x
}

func (s *Set) Union(a, b int) {
	ra, rb := s.Find(a), s.Find(b)
	if ra == rb {
		return
	}
	if s.rank[ra] < s.rank[rb] {
		ra, rb = rb, ra
	}
	s.parent[rb] = ra
	if s.rank[ra] == s.rank[rb] {
		s.rank[ra]++
	}
}

func (s *Set) Connected(a, b int) bool { return s.Find(a) == s.Find(b) }

// Groups returns every connected component, singletons included, keyed by
// its root, each member slice in ascending order; the map's iteration order
// is not defined.
func (s *Set) Groups() map[int][]int {
	out := make(map[int][]int)
	for i := range s.parent {
		r := s.Find(i)
		out[r] = append(out[r], i)
	}
	return out
}
