// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package crdt implements the small set of conflict-free replicated data
// types used throughout the metadata tables: a last-writer-wins register,
// a last-writer-wins map, a deletable wrapper, a monotone boolean, and a
// generic per-key map of CRDT values. Merge is associative, commutative
// and idempotent for all of them.
package crdt

// CRDT is implemented by every type stored in a table row or embedded in
// one. Merge must be associative, commutative and idempotent.
type CRDT[T any] interface {
	Merge(other T) T
}

// Lww is a last-writer-wins register: the value with the greatest
// timestamp wins; ties are broken by comparing the value's tiebreak key
// (e.g. a UUID), so two replicas always agree on a winner.
type Lww[T any] struct {
	Timestamp int64
	Tiebreak  string
	Value     T
}

// NewLww builds a register already carrying a value.
func NewLww[T any](ts int64, tiebreak string, value T) Lww[T] {
	return Lww[T]{Timestamp: ts, Tiebreak: tiebreak, Value: value}
}

// Merge returns whichever of the two registers has the greater
// (Timestamp, Tiebreak) pair.
func (l Lww[T]) Merge(other Lww[T]) Lww[T] {
	if other.Timestamp > l.Timestamp {
		return other
	}
	if other.Timestamp < l.Timestamp {
		return l
	}
	if other.Tiebreak > l.Tiebreak {
		return other
	}
	return l
}

// Deletable wraps a CRDT value with a tombstone that absorbs the present
// state once set: Deleted always wins over Present, regardless of
// timestamp. Fields are exported so rows embedding a Deletable survive
// the table codec; use the constructors and accessors rather than the
// fields directly.
type Deletable[T any] struct {
	Deleted bool
	Inner   T
}

// Present constructs a non-deleted Deletable.
func Present[T any](v T) Deletable[T] { return Deletable[T]{Inner: v} }

// Tombstone constructs a deleted Deletable.
func Tombstone[T any]() Deletable[T] { return Deletable[T]{Deleted: true} }

// IsDeleted reports whether the tombstone bit is set.
func (d Deletable[T]) IsDeleted() bool { return d.Deleted }

// Value returns the wrapped value and whether it is still present.
func (d Deletable[T]) Value() (T, bool) { return d.Inner, !d.Deleted }

// Merge implements Deleted-absorbs-Present. When both sides are present,
// mergeInner merges the wrapped values.
func (d Deletable[T]) Merge(other Deletable[T], mergeInner func(a, b T) T) Deletable[T] {
	if d.Deleted || other.Deleted {
		return Tombstone[T]()
	}
	return Present(mergeInner(d.Inner, other.Inner))
}

// MonotoneBool is a boolean that can only ever be OR'd forward: once true,
// it stays true under any merge. Used for Version.deleted and
// BlockRef.deleted.
type MonotoneBool bool

// Merge implements logical OR.
func (b MonotoneBool) Merge(other MonotoneBool) MonotoneBool {
	return b || other
}

// LwwMap is a map where each key carries its own Lww register, merged
// independently of its neighbours. Used for Bucket aliases and Key
// authorized_buckets/local_aliases.
type LwwMap[K comparable, V any] map[K]Lww[V]

// Merge performs a per-key Lww merge, producing a new map containing the
// union of keys with each key's winning value.
func (m LwwMap[K, V]) Merge(other LwwMap[K, V]) LwwMap[K, V] {
	out := make(LwwMap[K, V], len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		if existing, ok := out[k]; ok {
			out[k] = existing.Merge(v)
		} else {
			out[k] = v
		}
	}
	return out
}

// Map is a generic per-key CRDT map: each value is itself a CRDT merged
// independently via mergeFn, since Go generics cannot express "V has a
// Merge method parameterised by V" cleanly across nested generic
// instantiations without the caller supplying the merge function.
type Map[K comparable, V any] map[K]V

// Merge unions keys, merging values present on both sides via mergeFn.
func (m Map[K, V]) Merge(other Map[K, V], mergeFn func(a, b V) V) Map[K, V] {
	out := make(Map[K, V], len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		if existing, ok := out[k]; ok {
			out[k] = mergeFn(existing, v)
		} else {
			out[k] = v
		}
	}
	return out
}
