package schema

import (
	"sort"

	"github.com/grafbase/gwcore/internal/unionfind"
)

// ContractPolicy reports, for a directive site, whether it should be hidden
// from this contract's derived schema (spec.md §4.A "Mutation-for-contracts
// mode").
type ContractPolicy func(site DirectiveSiteId) (inaccessible bool)

// RemapTable records which TypeDefinitionIds were skipped while deriving a
// contract schema. Per invariant 5, skipped ids are strictly increasing —
// callers needing to translate an original id into the contract's
// (now-compacted) space binary-search Skipped.
type RemapTable struct {
	Skipped []TypeDefinitionId
}

func (r RemapTable) IsSkipped(id TypeDefinitionId) bool {
	i := sort.Search(len(r.Skipped), func(i int) bool { return r.Skipped[i] >= id })
	return i < len(r.Skipped) && r.Skipped[i] == id
}

// ApplyContract derives a read-only contract schema: types whose directive
// site the policy marks inaccessible, and anything no longer reachable from
// a root type as a result, are hidden. Finalisation never mutates the
// source Schema — a contract is a fresh derived value, per §9 "contracts
// produce derived read-only schemas".
//
// Reachability reduces to union-find: start every type in its own set, seed
// the root operation types into a synthetic "reachable" label, then union a
// field's output type into that label whenever its parent already is one
// and the field itself survives the policy. internal/plan's query-partition
// grouping (§4.E) is the same shape of problem over solver nodes instead of
// schema types, and shares internal/unionfind.
func ApplyContract(s *Schema, policy ContractPolicy) (*Schema, RemapTable) {
	n := s.types.Len()
	inaccessibleType := make([]bool, n)
	for i := 0; i < n; i++ {
		id := TypeDefinitionId(i)
		if policy(s.types.Get(id).Directives) {
			inaccessibleType[i] = true
		}
	}

	// Index n is the synthetic "reachable from root" label.
	reach := unionfind.New(n + 1)
	rootLabel := n

	reach.Union(rootLabel, int(s.queryType))
	if s.mutationType != nil {
		reach.Union(rootLabel, int(*s.mutationType))
	}
	if s.subscriptionType != nil {
		reach.Union(rootLabel, int(*s.subscriptionType))
	}

	// Fixpoint over field edges: the schema graph is trusted, immutable,
	// build-time data, so a handful of passes always converges; unlike the
	// solver (§4.D) there is no adversarial input to worry about here.
	for changed := true; changed; {
		changed = false
		for i := 0; i < s.fields.Len(); i++ {
			fd := s.fields.Get(FieldDefinitionId(i))
			if policy(fd.Directives) || inaccessibleType[fd.Output] {
				continue
			}
			if reach.Connected(int(fd.Parent), rootLabel) && !reach.Connected(int(fd.Output), rootLabel) {
				reach.Union(rootLabel, int(fd.Output))
				changed = true
			}
		}
	}

	var skipped []TypeDefinitionId
	for i := 0; i < n; i++ {
		if inaccessibleType[i] || !reach.Connected(i, rootLabel) {
			skipped = append(skipped, TypeDefinitionId(i))
		}
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i] < skipped[j] })

	// The contract schema is a plain copy sharing the same arenas (read-only,
	// immutable) and still lists the skipped types; the RemapTable is the only
	// record of what is hidden, and callers use RemapTable.IsSkipped to filter.
	contract := *s
	return &contract, RemapTable{Skipped: skipped}
}
