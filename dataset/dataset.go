// Package dataset is a minimal example of a tree built directly on the
// IDML rather than on the RIDT/AllocT pair the IDML owns internally. It
// exists to prove the tree engine's Address/DML parameterization extends
// past the two tables baked into the IDML itself (specification's Design
// Notes, "a generic tree engine parameterized over its own backing
// store") — it carries no path, inode, or POSIX semantics of any kind,
// just an ordered key/value store addressed by RID.
package dataset

import (
	"context"
	"fmt"
	"sync"

	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/ddml"
	"github.com/bfffs/bfffs/errs"
	"github.com/bfffs/bfffs/idml"
	"github.com/bfffs/bfffs/internal/blog"
	"github.com/bfffs/bfffs/internal/invariant"
	"github.com/bfffs/bfffs/tree"
)

// TreeID names one dataset within a Store's forest, the way a filesystem
// or snapshot is named in the original's TreeID::Fs(u32) variant; this
// port carries only that one variant since clones and snapshots are out
// of scope.
type TreeID uint32

// Less orders TreeIDs numerically so a forest of them can be a tree key.
func (t TreeID) Less(o TreeID) bool { return t < o }

// ObjKey is the key type of every dataset tree: a plain 64-bit object id,
// with no path or inode meaning attached.
type ObjKey uint64

// Less orders ObjKeys numerically.
func (k ObjKey) Less(o ObjKey) bool { return k < o }

// DatasetTree is one dataset's underlying tree, keyed by ObjKey and
// storing arbitrary value blobs, addressed on disk through RIDs handed
// out by the IDML.
type DatasetTree = tree.Tree[ObjKey, []byte, common.RID]

// Forest is the tree-of-trees mapping TreeID to each dataset's persisted
// root handle, mirroring the original's `forest: ITree<TreeID,
// TreeOnDisk>` and giving CleanZone / Sync something concrete above the
// IDML to exercise.
type Forest = tree.Tree[TreeID, tree.TreeOnDisk[common.RID], common.RID]

var treeLimits = tree.Limits{
	MinIntFanout:  4,
	MaxIntFanout:  16,
	MinLeafFanout: 4,
	MaxLeafFanout: 16,
	MaxSize:       4 * common.BytesPerLBA,
}

// idmlNodeDML adapts the IDML's RID-addressed record store into the
// generic tree engine's DML[common.RID] contract, the same role
// idml.nodeDML plays one layer down for ddml.DRP-addressed tree nodes.
type idmlNodeDML struct {
	log  *blog.Logger
	idml *idml.IDML
}

func (n idmlNodeDML) PutNode(ctx context.Context, buf []byte, txg common.TxgT) (common.RID, error) {
	return n.idml.Put(ctx, buf, ddml.CompressionZstd, txg)
}

func (n idmlNodeDML) GetNode(ctx context.Context, addr common.RID) ([]byte, error) {
	return n.idml.Get(ctx, addr)
}

func (n idmlNodeDML) DeleteNode(addr common.RID, txg common.TxgT) {
	err := n.idml.Delete(context.Background(), addr, txg)
	invariant.Check(n.log, err == nil, "failed to delete dataset tree node", "rid", addr, "err", err)
}

// Store owns a forest of dataset trees, all addressed through one IDML.
// It satisfies txg.Syncable so a txg.Manager can flush it every
// transaction group.
type Store struct {
	log  *blog.Logger
	idml *idml.IDML
	dml  idmlNodeDML

	mu     sync.Mutex
	forest *Forest
	open   map[TreeID]*DatasetTree
}

// Create initializes a brand-new, empty forest.
func Create(i *idml.IDML) *Store {
	dml := idmlNodeDML{log: blog.New("module", "dataset"), idml: i}
	return &Store{
		log:    blog.New("module", "dataset"),
		idml:   i,
		dml:    dml,
		forest: tree.NewTree[TreeID, tree.TreeOnDisk[common.RID], common.RID](dml, 0, treeLimits),
		open:   make(map[TreeID]*DatasetTree),
	}
}

// Open reconstitutes a Store's forest from a previously flushed label.
func Open(i *idml.IDML, forestLabel tree.TreeOnDisk[common.RID]) *Store {
	dml := idmlNodeDML{log: blog.New("module", "dataset"), idml: i}
	return &Store{
		log:    blog.New("module", "dataset"),
		idml:   i,
		dml:    dml,
		forest: tree.OpenTree[TreeID, tree.TreeOnDisk[common.RID], common.RID](dml, 0, treeLimits, forestLabel),
		open:   make(map[TreeID]*DatasetTree),
	}
}

// ForestLabel returns the forest's current persisted handle, embedded by
// the caller into whatever top-level label struct it builds for
// txg.Manager.Sync. The forest must already be flushed.
func (s *Store) ForestLabel() (tree.TreeOnDisk[common.RID], error) {
	return s.forest.OnDiskLabel()
}

// CreateTree allocates a brand-new, empty dataset tree and returns its id.
func (s *Store) CreateTree() TreeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id TreeID
	for {
		if _, exists := s.open[id]; !exists {
			break
		}
		id++
	}
	s.open[id] = tree.NewTree[ObjKey, []byte, common.RID](s.dml, 0, treeLimits)
	return id
}

// openLocked returns tree_id's tree, opening it from the forest on first
// use. Caller must hold s.mu.
func (s *Store) openLocked(ctx context.Context, id TreeID) (*DatasetTree, error) {
	if t, ok := s.open[id]; ok {
		return t, nil
	}
	tod, found, err := s.forest.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %d: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("dataset: open %d: %w", id, errs.ErrNotFound)
	}
	t := tree.OpenTree[ObjKey, []byte, common.RID](s.dml, 0, treeLimits, tod)
	s.open[id] = t
	return t, nil
}

// ReadOnlyDataset is a read-only handle onto one dataset tree.
type ReadOnlyDataset struct {
	tree *DatasetTree
}

// ReadOnly opens id for reading.
func (s *Store) ReadOnly(ctx context.Context, id TreeID) (*ReadOnlyDataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.openLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ReadOnlyDataset{tree: t}, nil
}

// Get returns the value stored under k, if any.
func (d *ReadOnlyDataset) Get(ctx context.Context, k ObjKey) ([]byte, bool, error) {
	return d.tree.Get(ctx, k)
}

// Range returns every entry with a key in [lo, hi).
func (d *ReadOnlyDataset) Range(ctx context.Context, lo, hi ObjKey) ([]tree.LeafEntry[ObjKey, []byte], error) {
	return d.tree.Range(ctx, lo, hi)
}

// ReadWriteDataset is a read/write handle onto one dataset tree, bound to
// the transaction group its writes will be stamped with — every mutation
// made through one handle belongs to exactly one txg, so after a crash
// and recovery either all of them will have happened, or none will have.
type ReadWriteDataset struct {
	tree *DatasetTree
	txg  common.TxgT
}

// ReadWrite opens id for reading and writing within txg.
func (s *Store) ReadWrite(ctx context.Context, id TreeID, txg common.TxgT) (*ReadWriteDataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.openLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ReadWriteDataset{tree: t, txg: txg}, nil
}

// Get returns the value stored under k, if any.
func (d *ReadWriteDataset) Get(ctx context.Context, k ObjKey) ([]byte, bool, error) {
	return d.tree.Get(ctx, k)
}

// Insert writes k/v within this handle's transaction group.
func (d *ReadWriteDataset) Insert(ctx context.Context, k ObjKey, v []byte) error {
	return d.tree.Insert(ctx, k, v, d.txg)
}

// Remove deletes k, returning its former value if present.
func (d *ReadWriteDataset) Remove(ctx context.Context, k ObjKey) ([]byte, bool, error) {
	return d.tree.Remove(ctx, k, d.txg)
}

// RangeDelete removes every key in [lo, hi).
func (d *ReadWriteDataset) RangeDelete(ctx context.Context, lo, hi ObjKey) error {
	return d.tree.RangeDelete(ctx, lo, hi, d.txg)
}

// Flush satisfies txg.Syncable: every currently-open dataset tree is
// flushed, its fresh root handle written back into the forest, and then
// the forest itself is flushed.
func (s *Store) Flush(ctx context.Context, txg common.TxgT) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.open {
		if err := t.Flush(ctx, txg); err != nil {
			return fmt.Errorf("dataset: flush tree %d: %w", id, err)
		}
		tod, err := t.OnDiskLabel()
		if err != nil {
			return fmt.Errorf("dataset: label tree %d: %w", id, err)
		}
		if err := s.forest.Insert(ctx, id, tod, txg); err != nil {
			return fmt.Errorf("dataset: record forest entry %d: %w", id, err)
		}
	}
	return s.forest.Flush(ctx, txg)
}
