package opstream

import "math"

// offsetNone is the sentinel for "no offset": the minimum of the signed
// offset domain. It marks empty ranges and cleared batch slots.
const offsetNone = math.MinInt64

// Range is an interval [Tail, Head] over the log offset domain. A pipeline's
// range tracks the highest offset at or below which everything it saw is
// durable (Tail) and the highest offset ever added (Head). The PipelineSet unions ranges across pipelines to
// derive the safe checkpoint offset.
//
// A range is empty when Tail is the sentinel. Head deliberately survives a
// drain: a fully drained pipeline stops contributing to the union but its
// Head still bounds the checkpoint from above.
type Range struct {
	Tail int64
	Head int64
}

func emptyRange() Range {
	return Range{Tail: offsetNone, Head: offsetNone}
}

// Empty reports whether the range contributes nothing to a union.
func (r Range) Empty() bool {
	return r.Tail == offsetNone
}

// Union returns the smallest range covering both operands. An empty operand
// contributes nothing, so it never drags the tail down.
func (r Range) Union(other Range) Range {
	if r.Empty() {
		return other
	}
	if other.Empty() {
		return r
	}
	return Range{
		Tail: min(r.Tail, other.Tail),
		Head: max(r.Head, other.Head),
	}
}
