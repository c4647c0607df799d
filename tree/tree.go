package tree

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/internal/blog"
)

// Tree is a copy-on-write B+-tree, generic over its key type K, value type
// V, and the on-disk address type A its backing DML hands out. A single
// tree-wide mutex serializes mutating operations — matching the
// writer-preferring txg lock IDML already holds above every tree it owns
// (specification §5) — while each child edge keeps its own RWMutex so
// concurrent Get/Range calls never block behind that writer except for the
// exact edges it is touching.
type Tree[K Ordered[K], V any, A any] struct {
	log *blog.Logger

	mu       sync.Mutex
	root     *ChildPtr[K, V, A]
	height   int
	rootTxgs TxgRange

	limits Limits
	dml    DML[A]
	minKey K
}

// TreeOnDisk is the persisted handle to a tree's root, embedded in the
// owning RIDT/AllocT/dataset label.
type TreeOnDisk[A any] struct {
	Height       int         `cbor:"height"`
	RootAddr     A           `cbor:"root_addr"`
	RootTxgStart common.TxgT `cbor:"root_txg_start"`
	RootTxgEnd   common.TxgT `cbor:"root_txg_end"`
}

// NewTree creates an empty tree: a single dirty, empty leaf as its root.
func NewTree[K Ordered[K], V any, A any](dml DML[A], minKey K, limits Limits) *Tree[K, V, A] {
	return &Tree[K, V, A]{
		log:    blog.New("module", "tree"),
		root:   newDirtyPtr[K, V, A](newLeafNode[K, V, A]()),
		height: 1,
		limits: limits,
		dml:    dml,
		minKey: minKey,
	}
}

// OpenTree reconstitutes a tree from a previously flushed label; its root
// is not fetched until first use.
func OpenTree[K Ordered[K], V any, A any](dml DML[A], minKey K, limits Limits, label TreeOnDisk[A]) *Tree[K, V, A] {
	return &Tree[K, V, A]{
		log:      blog.New("module", "tree"),
		root:     newCleanPtr[K, V, A](label.RootAddr),
		height:   label.Height,
		limits:   limits,
		dml:      dml,
		minKey:   minKey,
		rootTxgs: TxgRange{Start: label.RootTxgStart, End: label.RootTxgEnd},
	}
}

// OnDiskLabel returns the tree's persisted handle. The root must already be
// clean (i.e. Flush must have run since the last mutation); callers in the
// txg sync protocol always flush immediately before calling this.
func (t *Tree[K, V, A]) OnDiskLabel() (TreeOnDisk[A], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root.mu.RLock()
	defer t.root.mu.RUnlock()
	if t.root.dirty {
		return TreeOnDisk[A]{}, fmt.Errorf("tree: label requested with dirty root")
	}
	return TreeOnDisk[A]{
		Height:       t.height,
		RootAddr:     t.root.addr,
		RootTxgStart: t.rootTxgs.Start,
		RootTxgEnd:   t.rootTxgs.End,
	}, nil
}

// Height reports the tree's current height, mostly for tests and dump output.
func (t *Tree[K, V, A]) Height() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.height
}

// --- read path -------------------------------------------------------

// peek fetches ptr's node for reading without dirtying it.
func (t *Tree[K, V, A]) peek(ctx context.Context, ptr *ChildPtr[K, V, A]) (*Node[K, V, A], error) {
	ptr.mu.RLock()
	if ptr.dirty {
		n := ptr.node
		ptr.mu.RUnlock()
		return n, nil
	}
	addr := ptr.addr
	ptr.mu.RUnlock()
	buf, err := t.dml.GetNode(ctx, addr)
	if err != nil {
		return nil, err
	}
	return decodeNode[K, V, A](buf)
}

// Get returns the value stored under key, if any.
func (t *Tree[K, V, A]) Get(ctx context.Context, key K) (V, bool, error) {
	return t.getRec(ctx, t.root, key)
}

func (t *Tree[K, V, A]) getRec(ctx context.Context, ptr *ChildPtr[K, V, A], key K) (V, bool, error) {
	n, err := t.peek(ctx, ptr)
	if err != nil {
		var zero V
		return zero, false, err
	}
	if n.IsLeaf {
		i := leafSearch(n.Leaf, key)
		if i < len(n.Leaf) && Equal(n.Leaf[i].Key, key) {
			return n.Leaf[i].Value, true, nil
		}
		var zero V
		return zero, false, nil
	}
	idx := findChildIndex(n.Int, key)
	return t.getRec(ctx, n.Int[idx].Ptr, key)
}

// Range returns every entry whose key falls in the half-open range
// [lo, hi), via a full spine-pruned walk: interior separator keys bound
// each subtree, so subtrees disjoint from [lo, hi) are never fetched.
func (t *Tree[K, V, A]) Range(ctx context.Context, lo, hi K) ([]LeafEntry[K, V], error) {
	var out []LeafEntry[K, V]
	if err := t.rangeRec(ctx, t.root, lo, hi, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tree[K, V, A]) rangeRec(ctx context.Context, ptr *ChildPtr[K, V, A], lo, hi K, out *[]LeafEntry[K, V]) error {
	n, err := t.peek(ctx, ptr)
	if err != nil {
		return err
	}
	if n.IsLeaf {
		for _, e := range n.Leaf {
			if !e.Key.Less(lo) && e.Key.Less(hi) {
				*out = append(*out, e)
			}
		}
		return nil
	}
	for i := range n.Int {
		low := n.Int[i].Key
		if !low.Less(hi) {
			break
		}
		if i+1 < len(n.Int) {
			upper := n.Int[i+1].Key
			if !lo.Less(upper) {
				continue
			}
		}
		if err := t.rangeRec(ctx, n.Int[i].Ptr, lo, hi, out); err != nil {
			return err
		}
	}
	return nil
}

// --- write path --------------------------------------------------------

// materializeLocked returns ptr's node, dirtying it (copying it into memory
// and recording its former address for later freeing) if it was clean.
// Callers must already hold ptr.mu.
func (t *Tree[K, V, A]) materializeLocked(ctx context.Context, ptr *ChildPtr[K, V, A]) (*Node[K, V, A], error) {
	if ptr.dirty {
		return ptr.node, nil
	}
	buf, err := t.dml.GetNode(ctx, ptr.addr)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode[K, V, A](buf)
	if err != nil {
		return nil, err
	}
	old := ptr.addr
	ptr.node = n
	ptr.dirty = true
	ptr.freeAddr = &old
	return n, nil
}

// Insert writes key/value, splitting any node that overflows on the way
// back up and growing the root if the split propagates all the way up.
func (t *Tree[K, V, A]) Insert(ctx context.Context, key K, value V, txg common.TxgT) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rootTxgs = t.rootTxgs.Extend(txg)

	midKey, right, split, err := t.insertRec(ctx, t.root, key, value, txg)
	if err != nil {
		return err
	}
	if !split {
		return nil
	}
	newRoot := newIntNode[K, V, A]()
	newRoot.Int = []IntElem[K, V, A]{
		{Key: t.minKey, Txgs: t.rootTxgs, Ptr: t.root},
		{Key: midKey, Txgs: TxgRange{Start: txg, End: txg + 1}, Ptr: right},
	}
	t.root = newDirtyPtr[K, V, A](newRoot)
	t.height++
	return nil
}

func (t *Tree[K, V, A]) insertRec(ctx context.Context, ptr *ChildPtr[K, V, A], key K, value V, txg common.TxgT) (K, *ChildPtr[K, V, A], bool, error) {
	ptr.mu.Lock()
	defer ptr.mu.Unlock()
	var zero K

	n, err := t.materializeLocked(ctx, ptr)
	if err != nil {
		return zero, nil, false, err
	}

	if n.IsLeaf {
		n.Leaf = leafUpsert(n.Leaf, key, value)
		if len(n.Leaf) <= t.limits.MaxLeafFanout {
			return zero, nil, false, nil
		}
		mid := len(n.Leaf) / 2
		right := newLeafNode[K, V, A]()
		right.Leaf = append([]LeafEntry[K, V]{}, n.Leaf[mid:]...)
		n.Leaf = n.Leaf[:mid]
		return right.Leaf[0].Key, newDirtyPtr[K, V, A](right), true, nil
	}

	idx := findChildIndex(n.Int, key)
	midKey, newRight, split, err := t.insertRec(ctx, n.Int[idx].Ptr, key, value, txg)
	if err != nil {
		return zero, nil, false, err
	}
	n.Int[idx].Txgs = n.Int[idx].Txgs.Extend(txg)
	if !split {
		return zero, nil, false, nil
	}

	elem := IntElem[K, V, A]{Key: midKey, Txgs: TxgRange{Start: txg, End: txg + 1}, Ptr: newRight}
	n.Int = insertIntElem(n.Int, idx+1, elem)
	if len(n.Int) <= t.limits.MaxIntFanout {
		return zero, nil, false, nil
	}
	mid := len(n.Int) / 2
	rightNode := newIntNode[K, V, A]()
	rightNode.Int = append([]IntElem[K, V, A]{}, n.Int[mid:]...)
	n.Int = n.Int[:mid]
	return rightNode.Int[0].Key, newDirtyPtr[K, V, A](rightNode), true, nil
}

// Remove deletes key, rebalancing (steal-from-sibling, else merge) any
// node left below its minimum fanout, and collapses the root if its last
// interior level is left with a single child.
func (t *Tree[K, V, A]) Remove(ctx context.Context, key K, txg common.TxgT) (V, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Check for the key's presence read-only before touching anything:
	// removeRec's descent materializes every node it visits, so a blind
	// call on an absent key would dirty the whole spine (and the root)
	// for nothing.
	if _, found, err := t.getRec(ctx, t.root, key); err != nil {
		var zero V
		return zero, false, err
	} else if !found {
		var zero V
		return zero, false, nil
	}
	t.rootTxgs = t.rootTxgs.Extend(txg)

	val, found, _, err := t.removeRec(ctx, t.root, key, txg)
	if err != nil {
		var zero V
		return zero, false, err
	}
	if !found {
		return val, false, nil
	}

	t.root.mu.Lock()
	if t.root.dirty {
		rn := t.root.node
		if !rn.IsLeaf && len(rn.Int) == 1 && t.height > 1 {
			only := rn.Int[0].Ptr
			t.root.mu.Unlock()
			t.root = only
			t.height--
			return val, true, nil
		}
	}
	t.root.mu.Unlock()
	return val, true, nil
}

func (t *Tree[K, V, A]) removeRec(ctx context.Context, ptr *ChildPtr[K, V, A], key K, txg common.TxgT) (V, bool, bool, error) {
	ptr.mu.Lock()
	defer ptr.mu.Unlock()
	var zero V

	n, err := t.materializeLocked(ctx, ptr)
	if err != nil {
		return zero, false, false, err
	}

	if n.IsLeaf {
		i := leafSearch(n.Leaf, key)
		if i >= len(n.Leaf) || !Equal(n.Leaf[i].Key, key) {
			return zero, false, false, nil
		}
		val := n.Leaf[i].Value
		n.Leaf = append(n.Leaf[:i], n.Leaf[i+1:]...)
		return val, true, len(n.Leaf) < t.limits.MinLeafFanout, nil
	}

	idx := findChildIndex(n.Int, key)
	val, found, childUnderflow, err := t.removeRec(ctx, n.Int[idx].Ptr, key, txg)
	if err != nil || !found {
		return val, found, false, err
	}
	n.Int[idx].Txgs = n.Int[idx].Txgs.Extend(txg)
	if !childUnderflow {
		return val, true, false, nil
	}
	if err := t.rebalanceChild(ctx, n, idx, txg); err != nil {
		return val, true, false, err
	}
	return val, true, len(n.Int) < t.limits.MinIntFanout, nil
}

// rebalanceChild repairs an underflowed child at parent.Int[idx]: steal a
// sibling's spare entry, or merge with a sibling, removing one IntElem
// from parent on a merge. Caller holds the lock on the ChildPtr owning
// parent.
func (t *Tree[K, V, A]) rebalanceChild(ctx context.Context, parent *Node[K, V, A], idx int, txg common.TxgT) error {
	childPtr := parent.Int[idx].Ptr
	childPtr.mu.Lock()
	defer childPtr.mu.Unlock()
	childNode := childPtr.node

	if idx > 0 {
		leftPtr := parent.Int[idx-1].Ptr
		leftPtr.mu.Lock()
		leftNode, err := t.materializeLocked(ctx, leftPtr)
		if err != nil {
			leftPtr.mu.Unlock()
			return err
		}
		if nodeLen(leftNode) > minFanout(leftNode, t.limits) {
			stealFromLeft(leftNode, childNode)
			parent.Int[idx].Key = firstKey(childNode)
			leftPtr.mu.Unlock()
			return nil
		}
		leftPtr.mu.Unlock()
	}

	if idx < len(parent.Int)-1 {
		rightPtr := parent.Int[idx+1].Ptr
		rightPtr.mu.Lock()
		rightNode, err := t.materializeLocked(ctx, rightPtr)
		if err != nil {
			rightPtr.mu.Unlock()
			return err
		}
		if nodeLen(rightNode) > minFanout(rightNode, t.limits) {
			stealFromRight(childNode, rightNode)
			parent.Int[idx+1].Key = firstKey(rightNode)
			rightPtr.mu.Unlock()
			return nil
		}
		mergeNodes(childNode, rightNode)
		freeDiscarded(t, rightPtr, txg)
		rightPtr.mu.Unlock()
		parent.Int = append(append([]IntElem[K, V, A]{}, parent.Int[:idx+1]...), parent.Int[idx+2:]...)
		return nil
	}

	if idx > 0 {
		leftPtr := parent.Int[idx-1].Ptr
		leftPtr.mu.Lock()
		leftNode, err := t.materializeLocked(ctx, leftPtr)
		if err != nil {
			leftPtr.mu.Unlock()
			return err
		}
		mergeNodes(leftNode, childNode)
		freeDiscarded(t, childPtr, txg)
		leftPtr.mu.Unlock()
		parent.Int = append(append([]IntElem[K, V, A]{}, parent.Int[:idx]...), parent.Int[idx+1:]...)
		return nil
	}

	// Only child of its parent: underflow below the minimum is tolerated
	// here, same as at the root, since there is no sibling to rebalance
	// against.
	return nil
}

// RangeDelete removes every key in [lo, hi). It is implemented as a
// sequence of point removals rather than a dedicated spine descent: each
// Remove already performs full rebalancing, so the two are functionally
// equivalent at the cost of re-walking the spine once per key instead of
// once for the whole range.
func (t *Tree[K, V, A]) RangeDelete(ctx context.Context, lo, hi K, txg common.TxgT) error {
	entries, err := t.Range(ctx, lo, hi)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, _, err := t.Remove(ctx, e.Key, txg); err != nil {
			return err
		}
	}
	return nil
}

// --- flush / clean_zone -------------------------------------------------

// Flush writes every dirty node to the backing DML, depth first so a
// parent is never serialized before its children have a stable address,
// and frees each node's superseded on-disk copy once its replacement is
// durable.
func (t *Tree[K, V, A]) Flush(ctx context.Context, txg common.TxgT) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushRec(ctx, t.root, txg)
}

func (t *Tree[K, V, A]) flushRec(ctx context.Context, ptr *ChildPtr[K, V, A], txg common.TxgT) error {
	ptr.mu.Lock()
	defer ptr.mu.Unlock()
	if !ptr.dirty {
		return nil
	}
	n := ptr.node
	if !n.IsLeaf {
		for i := range n.Int {
			if err := t.flushRec(ctx, n.Int[i].Ptr, txg); err != nil {
				return err
			}
		}
	}
	buf, err := encodeNode[K, V, A](n)
	if err != nil {
		return err
	}
	addr, err := t.dml.PutNode(ctx, buf, txg)
	if err != nil {
		return err
	}
	if ptr.freeAddr != nil {
		t.dml.DeleteNode(*ptr.freeAddr, txg)
		ptr.freeAddr = nil
	}
	ptr.addr = addr
	ptr.dirty = false
	ptr.node = nil
	return nil
}

// CleanZone relocates every tree node whose on-disk address satisfies
// inRange — i.e. every node block that lives in the zone being cleaned —
// dirtying it so the next Flush gives it a fresh address elsewhere.
// zoneTxgs bounds the descent: a subtree whose edge txg range doesn't
// intersect it cannot contain anything written during the zone's
// lifetime, so it is skipped without being fetched.
func (t *Tree[K, V, A]) CleanZone(ctx context.Context, inRange func(A) bool, zoneTxgs TxgRange, txg common.TxgT) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.cleanZoneRec(ctx, t.root, t.rootTxgs, inRange, zoneTxgs, txg)
	return err
}

// cleanZoneRec relocates every node in the zone and reports, via its bool
// result, whether ptr ends up dirty — either because it was relocated
// itself or because a descendant was, and its edge must be rewritten to
// point at the descendant's new address. A caller whose own edge isn't in
// range still has to materialize itself when this comes back true: it is
// the only way the rewritten child address reaches disk on the next
// Flush, since flushRec skips any ptr that isn't dirty.
func (t *Tree[K, V, A]) cleanZoneRec(ctx context.Context, ptr *ChildPtr[K, V, A], edgeTxgs TxgRange, inRange func(A) bool, zoneTxgs TxgRange, txg common.TxgT) (bool, error) {
	ptr.mu.Lock()
	defer ptr.mu.Unlock()

	if !ptr.dirty {
		if !edgeTxgs.Intersects(zoneTxgs) {
			return false, nil
		}
		buf, err := t.dml.GetNode(ctx, ptr.addr)
		if err != nil {
			return false, err
		}
		n, err := decodeNode[K, V, A](buf)
		if err != nil {
			return false, err
		}
		selfInRange := inRange(ptr.addr)
		childDirtied := false
		if !n.IsLeaf {
			for i := range n.Int {
				dirtied, err := t.cleanZoneRec(ctx, n.Int[i].Ptr, n.Int[i].Txgs, inRange, zoneTxgs, txg)
				if err != nil {
					return false, err
				}
				if dirtied {
					childDirtied = true
				}
			}
		}
		if !selfInRange && !childDirtied {
			return false, nil
		}
		old := ptr.addr
		ptr.node = n
		ptr.dirty = true
		ptr.freeAddr = &old
		return true, nil
	}

	if !ptr.node.IsLeaf {
		for i := range ptr.node.Int {
			if _, err := t.cleanZoneRec(ctx, ptr.node.Int[i].Ptr, ptr.node.Int[i].Txgs, inRange, zoneTxgs, txg); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// Dump writes a YAML-like, human-readable rendering of the tree to w, for
// diagnostics.
func (t *Tree[K, V, A]) Dump(ctx context.Context, w io.Writer) error {
	fmt.Fprintf(w, "---\nheight: %d\n", t.Height())
	return t.dumpRec(ctx, w, t.root, 0)
}

func (t *Tree[K, V, A]) dumpRec(ctx context.Context, w io.Writer, ptr *ChildPtr[K, V, A], depth int) error {
	n, err := t.peek(ctx, ptr)
	if err != nil {
		return err
	}
	indent := strings.Repeat("  ", depth)
	if n.IsLeaf {
		for _, e := range n.Leaf {
			fmt.Fprintf(w, "%s- key: %v\n%s  value: %v\n", indent, e.Key, indent, e.Value)
		}
		return nil
	}
	for _, e := range n.Int {
		fmt.Fprintf(w, "%s- key: %v\n%s  txgs: [%d, %d)\n", indent, e.Key, indent, e.Txgs.Start, e.Txgs.End)
		if err := t.dumpRec(ctx, w, e.Ptr, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// --- small helpers -------------------------------------------------------

func leafSearch[K Ordered[K], V any](entries []LeafEntry[K, V], key K) int {
	return sort.Search(len(entries), func(i int) bool { return !entries[i].Key.Less(key) })
}

func leafUpsert[K Ordered[K], V any](entries []LeafEntry[K, V], key K, value V) []LeafEntry[K, V] {
	i := leafSearch(entries, key)
	if i < len(entries) && Equal(entries[i].Key, key) {
		entries[i].Value = value
		return entries
	}
	entries = append(entries, LeafEntry[K, V]{})
	copy(entries[i+1:], entries[i:])
	entries[i] = LeafEntry[K, V]{Key: key, Value: value}
	return entries
}

func insertIntElem[K Ordered[K], V any, A any](elems []IntElem[K, V, A], at int, e IntElem[K, V, A]) []IntElem[K, V, A] {
	elems = append(elems, IntElem[K, V, A]{})
	copy(elems[at+1:], elems[at:])
	elems[at] = e
	return elems
}

// findChildIndex returns the index of the last interior element whose key
// is <= key, i.e. the subtree key must descend into. elems[0].Key is
// always the tree's minKey sentinel, so this never returns -1.
func findChildIndex[K Ordered[K], V any, A any](elems []IntElem[K, V, A], key K) int {
	i := sort.Search(len(elems), func(i int) bool { return key.Less(elems[i].Key) })
	i--
	if i < 0 {
		i = 0
	}
	return i
}

func nodeLen[K Ordered[K], V any, A any](n *Node[K, V, A]) int {
	if n.IsLeaf {
		return len(n.Leaf)
	}
	return len(n.Int)
}

func minFanout[K Ordered[K], V any, A any](n *Node[K, V, A], limits Limits) int {
	if n.IsLeaf {
		return limits.MinLeafFanout
	}
	return limits.MinIntFanout
}

func firstKey[K Ordered[K], V any, A any](n *Node[K, V, A]) K {
	if n.IsLeaf {
		return n.Leaf[0].Key
	}
	return n.Int[0].Key
}

// stealCount returns how many entries to move from a donor of length
// donorLen to a receiver of length recvLen: half the surplus, so both
// ends land roughly balanced instead of the receiver limping along at
// exactly its minimum again on the next remove.
func stealCount(donorLen, recvLen int) int {
	n := (donorLen - recvLen) / 2
	if n < 1 {
		n = 1
	}
	return n
}

func stealFromLeft[K Ordered[K], V any, A any](left, child *Node[K, V, A]) {
	if child.IsLeaf {
		n := stealCount(len(left.Leaf), len(child.Leaf))
		moved := append([]LeafEntry[K, V]{}, left.Leaf[len(left.Leaf)-n:]...)
		left.Leaf = left.Leaf[:len(left.Leaf)-n]
		child.Leaf = append(moved, child.Leaf...)
		return
	}
	n := stealCount(len(left.Int), len(child.Int))
	moved := append([]IntElem[K, V, A]{}, left.Int[len(left.Int)-n:]...)
	left.Int = left.Int[:len(left.Int)-n]
	child.Int = append(moved, child.Int...)
}

func stealFromRight[K Ordered[K], V any, A any](child, right *Node[K, V, A]) {
	if child.IsLeaf {
		n := stealCount(len(right.Leaf), len(child.Leaf))
		moved := append([]LeafEntry[K, V]{}, right.Leaf[:n]...)
		right.Leaf = right.Leaf[n:]
		child.Leaf = append(child.Leaf, moved...)
		return
	}
	n := stealCount(len(right.Int), len(child.Int))
	moved := append([]IntElem[K, V, A]{}, right.Int[:n]...)
	right.Int = right.Int[n:]
	child.Int = append(child.Int, moved...)
}

func mergeNodes[K Ordered[K], V any, A any](dst, src *Node[K, V, A]) {
	if dst.IsLeaf {
		dst.Leaf = append(dst.Leaf, src.Leaf...)
		return
	}
	dst.Int = append(dst.Int, src.Int...)
}

// freeDiscarded frees the on-disk space, if any, of a ChildPtr whose node
// has just been absorbed into a sibling by a merge.
func freeDiscarded[K Ordered[K], V any, A any](t *Tree[K, V, A], ptr *ChildPtr[K, V, A], txg common.TxgT) {
	if ptr.dirty {
		if ptr.freeAddr != nil {
			t.dml.DeleteNode(*ptr.freeAddr, txg)
		}
		return
	}
	t.dml.DeleteNode(ptr.addr, txg)
}
