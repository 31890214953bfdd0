// Package ids provides the typed-id / arena primitives shared by the schema,
// operation, solution-space, plan, and response packages.
//
// Every cross-referencing structure in this module stores ids into an arena,
// never a pointer: an arena is an append-only []T, a reference is the index
// into it. This keeps the schema, the bound operation, and the response tree
// free of back-pointers (a child looks up its parent by id) and makes the
// whole graph trivially copyable by value where needed (a Walker is just
// (*Arena, id)).
package ids

import "fmt"

// Id is a typed 32-bit arena index. The zero value is a valid id (index 0);
// arenas that need an explicit "absent" sentinel use a pointer or a separate
// bool, matching the teacher's convention of never overloading -1.
type Id[T any] int32

func (id Id[T]) Int() int { return int(id) }

func (id Id[T]) String() string { return fmt.Sprintf("%d", int32(id)) }

// IdRange models a contiguous, sorted run of ids — the representation used
// for an object's field list, a union's member list, and similar "all the
// children of X are consecutive" relationships described in the schema
// invariants.
type IdRange[T any] struct {
	Start Id[T]
	End   Id[T] // exclusive
}

func NewIdRange[T any](start, end int) IdRange[T] {
	return IdRange[T]{Start: Id[T](start), End: Id[T](end)}
}

func (r IdRange[T]) Len() int { return int(r.End - r.Start) }

func (r IdRange[T]) IsEmpty() bool { return r.End <= r.Start }

// Contains reports whether id falls within the range — used to validate
// invariant 1 ("every FieldDefinitionId appearing on a type belongs to that
// type's contiguous range").
func (r IdRange[T]) Contains(id Id[T]) bool {
	return id >= r.Start && id < r.End
}

// All returns every id in the range, in order.
func (r IdRange[T]) All() []Id[T] {
	out := make([]Id[T], 0, r.Len())
	for i := r.Start; i < r.End; i++ {
		out = append(out, i)
	}
	return out
}

// Arena is a generic append-only store. It is intentionally minimal: callers
// that need name-hashed lookup (schema.definition_by_name) layer a map
// alongside the arena rather than building it into Arena itself.
type Arena[T any] struct {
	items []T
}

func (a *Arena[T]) Append(v T) Id[T] {
	id := Id[T](len(a.items))
	a.items = append(a.items, v)
	return id
}

func (a *Arena[T]) Get(id Id[T]) T {
	return a.items[id]
}

func (a *Arena[T]) GetPtr(id Id[T]) *T {
	return &a.items[id]
}

func (a *Arena[T]) Set(id Id[T], v T) {
	a.items[id] = v
}

func (a *Arena[T]) Len() int { return len(a.items) }

func (a *Arena[T]) NextId() Id[T] { return Id[T](len(a.items)) }

// RangeFrom returns the IdRange from start up to the next id to be appended, useful
// for capturing "everything appended since the last checkpoint" when
// building an owner's child range incrementally (e.g. a type's fields).
func (a *Arena[T]) RangeFrom(start Id[T]) IdRange[T] {
	return IdRange[T]{Start: start, End: a.NextId()}
}

func (a *Arena[T]) All() []T { return a.items }
