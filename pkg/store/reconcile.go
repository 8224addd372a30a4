package store

import (
	"slices"

	"lensboard/pkg/artifact"
)

// Op is the kind of an optimistic mutation.
type Op int

const (
	OpCreate Op = iota + 1
	OpUpdate
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Phase is the lifecycle position of one optimistic mutation.
type Phase int

const (
	Pending Phase = iota
	Committed
	RolledBack
	Conflicted
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	case Conflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

type mutation struct {
	seq   uint64
	op    Op
	patch artifact.Patch
}

// entry is the local state of one id: the last version the authority
// confirmed plus the optimistic mutations still waiting for an answer, in
// issue order.
type entry[T any] struct {
	base    *artifact.Artifact[T]
	draft   *artifact.Artifact[T]
	pending []mutation
	// stamp is the collection clock value of the last confirmation.
	stamp uint64
}

// outcome is the authority's answer to one mutation.
type outcome[T any] struct {
	phase  Phase
	server *artifact.Artifact[T]
}

// settle folds an outcome into an entry. It is a pure function: e is not
// modified. The returned bool is false when nothing is left of the entry.
//
// For a given id the highest confirmed version always wins, whatever order the
// answers arrive in.
func settle[T any](e entry[T], seq uint64, out outcome[T], stamp uint64) (entry[T], bool) {
	next := entry[T]{base: e.base, draft: e.draft, stamp: e.stamp}
	var settled *mutation
	for i := range e.pending {
		if e.pending[i].seq == seq {
			m := e.pending[i]
			settled = &m
			continue
		}
		next.pending = append(next.pending, e.pending[i])
	}
	if settled == nil {
		return next, next.base != nil || next.draft != nil
	}

	switch out.phase {
	case Committed, Conflicted:
		if settled.op == OpRemove && out.phase == Committed {
			return entry[T]{}, false
		}
		if out.server != nil && (next.base == nil || out.server.Version > next.base.Version) {
			srv := *out.server
			next.base = &srv
			next.stamp = stamp
		}
		if settled.op == OpCreate {
			next.draft = nil
		}
	case RolledBack:
		if settled.op == OpCreate {
			next.draft = nil
		}
	}

	return next, next.base != nil || next.draft != nil
}

// visible computes what callers see for an entry: the confirmed base (or the
// provisional draft) with every still-pending mutation replayed on top.
func visible[T any](e entry[T]) (artifact.Artifact[T], bool) {
	var cur artifact.Artifact[T]
	switch {
	case e.base != nil:
		cur = *e.base
	case e.draft != nil:
		cur = *e.draft
	default:
		return artifact.Artifact[T]{}, false
	}
	cur.Meta = cur.Meta.Clone()

	for _, m := range e.pending {
		switch m.op {
		case OpRemove:
			return artifact.Artifact[T]{}, false
		case OpUpdate:
			patched, err := artifact.ApplyPatch(cur, m.patch)
			if err != nil {
				continue
			}
			cur = patched
		}
	}
	return cur, true
}

func (e entry[T]) pendingCount(op Op) int {
	n := 0
	for _, m := range e.pending {
		if m.op == op {
			n++
		}
	}
	return n
}

func (e entry[T]) removing() bool {
	return slices.ContainsFunc(e.pending, func(m mutation) bool { return m.op == OpRemove })
}

func (e entry[T]) withPending(m mutation) entry[T] {
	next := e
	next.pending = append(slices.Clone(e.pending), m)
	return next
}
