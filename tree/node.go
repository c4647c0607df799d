package tree

import (
	"fmt"
	"sync"

	"github.com/bfffs/bfffs/common"
	"github.com/fxamacker/cbor/v2"
)

// LeafEntry is one key/value pair stored in a leaf node.
type LeafEntry[K Ordered[K], V any] struct {
	Key   K
	Value V
}

// ChildPtr is a child edge's in-memory handle: either dirty, holding the
// actual in-memory Node so it can be mutated in place, or clean, holding
// only the on-disk address the node must be fetched from. This mirrors the
// teacher's triedb/pathdb dirty-node-buffer-plus-address pattern, and the
// Rust original's TreePtr::Mem/Addr variants. Every edge carries its own
// RWMutex guarding its fields; descents take each edge's lock only while
// reading or changing that edge, and writers are serialized by the tree's
// own mutex rather than by lock coupling.
type ChildPtr[K Ordered[K], V any, A any] struct {
	mu    sync.RWMutex
	dirty bool
	node  *Node[K, V, A]
	addr  A

	// freeAddr is the address this pointer held before being dirtied, if
	// any; Flush frees it once the new content has a durable address.
	freeAddr *A
}

func newDirtyPtr[K Ordered[K], V any, A any](n *Node[K, V, A]) *ChildPtr[K, V, A] {
	return &ChildPtr[K, V, A]{dirty: true, node: n}
}

func newCleanPtr[K Ordered[K], V any, A any](addr A) *ChildPtr[K, V, A] {
	return &ChildPtr[K, V, A]{dirty: false, addr: addr}
}

// IsDirty reports whether the pointer currently holds an in-memory node.
// Callers must hold at least a read lock.
func (p *ChildPtr[K, V, A]) IsDirty() bool { return p.dirty }

// IntElem is one entry of an interior node: the minimum key reachable
// through Ptr, the txg range of everything beneath it, and the edge
// itself.
type IntElem[K Ordered[K], V any, A any] struct {
	Key  K
	Txgs TxgRange
	Ptr  *ChildPtr[K, V, A]
}

// Node is either a leaf (holding data) or an interior node (holding child
// edges), distinguished by IsLeaf. A single struct is used, rather than a
// sum type, since Go has no tagged unions; exactly one of Leaf/Int is
// populated at any time.
type Node[K Ordered[K], V any, A any] struct {
	IsLeaf bool
	Leaf   []LeafEntry[K, V]
	Int    []IntElem[K, V, A]
}

func newLeafNode[K Ordered[K], V any, A any]() *Node[K, V, A] {
	return &Node[K, V, A]{IsLeaf: true}
}

func newIntNode[K Ordered[K], V any, A any]() *Node[K, V, A] {
	return &Node[K, V, A]{IsLeaf: false}
}

// wireLeafEntry/wireIntElem/wireNode are the on-disk shapes a Node
// serializes to: dirty pointers never reach the wire, since flush always
// resolves every child to a clean address before its parent is encoded.
type wireLeafEntry[K any, V any] struct {
	Key   K `cbor:"key"`
	Value V `cbor:"value"`
}

type wireIntElem[K any, A any] struct {
	Key      K           `cbor:"key"`
	TxgStart common.TxgT `cbor:"txg_start"`
	TxgEnd   common.TxgT `cbor:"txg_end"`
	Addr     A           `cbor:"addr"`
}

type wireNode[K any, V any, A any] struct {
	IsLeaf bool                  `cbor:"leaf"`
	Leaf   []wireLeafEntry[K, V] `cbor:"leaf_data,omitempty"`
	Int    []wireIntElem[K, A]   `cbor:"int_data,omitempty"`
}

// encode serializes n. It panics if any child edge is still dirty, which
// would indicate a bug in the flush ordering (children must be flushed,
// and their parent's edges rewritten to clean addresses, before the
// parent itself is serialized).
func encodeNode[K Ordered[K], V any, A any](n *Node[K, V, A]) ([]byte, error) {
	w := wireNode[K, V, A]{IsLeaf: n.IsLeaf}
	if n.IsLeaf {
		w.Leaf = make([]wireLeafEntry[K, V], len(n.Leaf))
		for i, e := range n.Leaf {
			w.Leaf[i] = wireLeafEntry[K, V]{Key: e.Key, Value: e.Value}
		}
	} else {
		w.Int = make([]wireIntElem[K, A], len(n.Int))
		for i, e := range n.Int {
			e.Ptr.mu.RLock()
			if e.Ptr.dirty {
				e.Ptr.mu.RUnlock()
				return nil, fmt.Errorf("tree: encode node: child %d still dirty", i)
			}
			addr := e.Ptr.addr
			e.Ptr.mu.RUnlock()
			w.Int[i] = wireIntElem[K, A]{Key: e.Key, TxgStart: e.Txgs.Start, TxgEnd: e.Txgs.End, Addr: addr}
		}
	}
	return cbor.Marshal(w)
}

func decodeNode[K Ordered[K], V any, A any](buf []byte) (*Node[K, V, A], error) {
	var w wireNode[K, V, A]
	if err := cbor.Unmarshal(buf, &w); err != nil {
		return nil, fmt.Errorf("tree: decode node: %w", err)
	}
	n := &Node[K, V, A]{IsLeaf: w.IsLeaf}
	if w.IsLeaf {
		n.Leaf = make([]LeafEntry[K, V], len(w.Leaf))
		for i, e := range w.Leaf {
			n.Leaf[i] = LeafEntry[K, V]{Key: e.Key, Value: e.Value}
		}
	} else {
		n.Int = make([]IntElem[K, V, A], len(w.Int))
		for i, e := range w.Int {
			n.Int[i] = IntElem[K, V, A]{
				Key:  e.Key,
				Txgs: TxgRange{Start: e.TxgStart, End: e.TxgEnd},
				Ptr:  newCleanPtr[K, V, A](e.Addr),
			}
		}
	}
	return n, nil
}
