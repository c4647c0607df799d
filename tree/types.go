// Package tree implements the copy-on-write B+-tree engine that underlies
// both IDML tables (RIDT keyed by RID, AllocT keyed by PBA) and any
// dataset tree built atop the IDML (specification §4.5). The engine is
// parameterized over a key type K, a value type V, and an on-disk address
// type A — the same generalization the specification's Design Notes (§9)
// calls for ("compile-time-dispatched address type"), expressed here with
// Go generics instead of Rust's trait objects.
package tree

import (
	"context"

	"github.com/bfffs/bfffs/common"
)

// Ordered is the constraint every tree key type must satisfy: a strict
// weak ordering via Less, plus equality through comparable so leaf lookups
// and dedup can use map/== semantics where convenient.
type Ordered[K any] interface {
	comparable
	Less(K) bool
}

// Equal reports whether a == b, used throughout instead of requiring a
// separate Equal method since K is already comparable.
func Equal[K comparable](a, b K) bool { return a == b }

// Limits bounds a tree's interior and leaf node fanout, plus a soft byte
// size hint, per specification §4.5.
type Limits struct {
	MinIntFanout  int
	MaxIntFanout  int
	MinLeafFanout int
	MaxLeafFanout int
	MaxSize       int
}

// TxgRange is a half-open [Start, End) range of transaction groups,
// recorded on every interior edge to bound the on-disk txgs reachable
// through it, and used to prune zone-cleaning descents.
type TxgRange struct {
	Start common.TxgT
	End   common.TxgT
}

// Empty reports whether the range contains no txgs.
func (r TxgRange) Empty() bool { return r.Start >= r.End }

// Intersects reports whether r and o share any txg.
func (r TxgRange) Intersects(o TxgRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Extend grows r, if necessary, so it covers txg.
func (r TxgRange) Extend(txg common.TxgT) TxgRange {
	out := r
	if r.Empty() {
		return TxgRange{Start: txg, End: txg + 1}
	}
	if txg < out.Start {
		out.Start = txg
	}
	if txg+1 > out.End {
		out.End = txg + 1
	}
	return out
}

// Union returns the smallest range covering both r and o.
func (r TxgRange) Union(o TxgRange) TxgRange {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	out := r
	if o.Start < out.Start {
		out.Start = o.Start
	}
	if o.End > out.End {
		out.End = o.End
	}
	return out
}

// DML is the capability set the tree engine needs from whatever Direct or
// Indirect Data Management Layer backs it, parameterized over the address
// type A it returns from writes. Thin adapters provide it: idml's nodeDML
// over ddml.DDML (addressed by ddml.DRP) for the RIDT and AllocT, and
// dataset's idmlNodeDML over idml.IDML (addressed by common.RID) for the
// dataset trees.
type DML[A any] interface {
	PutNode(ctx context.Context, buf []byte, txg common.TxgT) (A, error)
	GetNode(ctx context.Context, addr A) ([]byte, error)
	DeleteNode(addr A, txg common.TxgT)
}
