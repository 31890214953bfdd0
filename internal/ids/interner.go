package ids

// StringId is an interned string handle — schema and operation entities
// compare StringIds, never raw strings, per the "ids are compared, not
// strings" data-model rule.
type StringId = Id[string]

// Interner deduplicates strings into a dense id space. It is built once
// during schema construction (or per-request during binding) and never
// shrinks.
type Interner struct {
	arena Arena[string]
	index map[string]StringId
}

func NewInterner() *Interner {
	return &Interner{index: make(map[string]StringId)}
}

func (in *Interner) Intern(s string) StringId {
	if id, ok := in.index[s]; ok {
		return id
	}
	id := in.arena.Append(s)
	in.index[s] = id
	return id
}

func (in *Interner) Lookup(id StringId) string {
	return in.arena.Get(id)
}

func (in *Interner) TryLookup(s string) (StringId, bool) {
	id, ok := in.index[s]
	return id, ok
}

func (in *Interner) Len() int { return in.arena.Len() }
