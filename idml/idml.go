// Package idml implements the Indirect Data Management Layer: record
// storage addressed by an immutable RID rather than a physical block
// address, so a record can be relocated by zone cleaning without
// disturbing anything that references it (specification §4.3).
package idml

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bfffs/bfffs/cache"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/ddml"
	"github.com/bfffs/bfffs/errs"
	"github.com/bfffs/bfffs/internal/blog"
	"github.com/bfffs/bfffs/internal/invariant"
	"github.com/bfffs/bfffs/tree"
	"github.com/panjf2000/ants/v2"
)

// DDML is the subset of ddml.DDML the IDML depends on.
type DDML interface {
	PutDirect(ctx context.Context, value []byte, mode ddml.Compression, txg common.TxgT) (ddml.DRP, error)
	GetDirect(ctx context.Context, drp *ddml.DRP) ([]byte, error)
	PopDirect(ctx context.Context, drp *ddml.DRP) ([]byte, error)
	DeleteDirect(drp *ddml.DRP, txg common.TxgT)
	Evict(drp *ddml.DRP)
	SyncAll(ctx context.Context) error
	ListClosedZones() []ddml.ClosedZone
}

// RidtEntry is the RIDT's value type: a direct record pointer plus the
// reference count gating its deletion — snapshots and clones share one
// DRP by bumping this count rather than duplicating the record.
type RidtEntry struct {
	DRP      ddml.DRP `cbor:"drp"`
	Refcount uint64   `cbor:"refcount"`
}

// nodeDML adapts a DDML into the generic tree engine's DML[ddml.DRP]
// contract for both IDML tables: their tree nodes are themselves stored as
// direct, zstd-compressed records.
type nodeDML struct {
	ddml DDML
}

func (n nodeDML) PutNode(ctx context.Context, buf []byte, txg common.TxgT) (ddml.DRP, error) {
	return n.ddml.PutDirect(ctx, buf, ddml.CompressionZstd, txg)
}

func (n nodeDML) GetNode(ctx context.Context, addr ddml.DRP) ([]byte, error) {
	return n.ddml.GetDirect(ctx, &addr)
}

func (n nodeDML) DeleteNode(addr ddml.DRP, txg common.TxgT) {
	n.ddml.DeleteDirect(&addr, txg)
}

// ridtTree/alloctTree are the two concrete tree instantiations the IDML
// owns: the Record Indirection Table (RID -> RidtEntry) and the
// Allocation Table (PBA -> RID), the reverse of the RIDT, used to find
// every record living in a zone being cleaned.
type ridtTree = tree.Tree[common.RID, RidtEntry, ddml.DRP]
type alloctTree = tree.Tree[common.PBA, common.RID, ddml.DRP]

// Label is the IDML's persisted state: the two table roots plus the next
// RID to hand out.
type Label struct {
	Ridt    tree.TreeOnDisk[ddml.DRP] `cbor:"ridt"`
	Alloct  tree.TreeOnDisk[ddml.DRP] `cbor:"alloct"`
	NextRID uint64                    `cbor:"next_rid"`
}

// IDML is the Indirect Data Management Layer for a single pool.
type IDML struct {
	log   *blog.Logger
	cache *cache.Cache
	ddml  DDML

	nextRID atomic.Uint64

	// mu serializes table mutations the way the writer-preferring txg
	// lock described in specification §5 does at the transaction-group
	// layer; IDML is always used underneath exactly one such lock.
	mu     sync.Mutex
	ridt   *ridtTree
	alloct *alloctTree
}

var treeLimits = tree.Limits{
	MinIntFanout:  4,
	MaxIntFanout:  16,
	MinLeafFanout: 4,
	MaxLeafFanout: 16,
	MaxSize:       4 * common.BytesPerLBA,
}

// Create initializes a brand-new IDML over an empty pool.
func Create(d DDML, c *cache.Cache) *IDML {
	nd := nodeDML{ddml: d}
	m := &IDML{
		log:    blog.New("module", "idml"),
		cache:  c,
		ddml:   d,
		ridt:   tree.NewTree[common.RID, RidtEntry, ddml.DRP](nd, 0, treeLimits),
		alloct: tree.NewTree[common.PBA, common.RID, ddml.DRP](nd, common.PBA{}, treeLimits),
	}
	return m
}

// Open reconstitutes an IDML from a previously flushed label.
func Open(d DDML, c *cache.Cache, label Label) *IDML {
	nd := nodeDML{ddml: d}
	m := &IDML{
		log:    blog.New("module", "idml"),
		cache:  c,
		ddml:   d,
		ridt:   tree.OpenTree[common.RID, RidtEntry, ddml.DRP](nd, 0, treeLimits, label.Ridt),
		alloct: tree.OpenTree[common.PBA, common.RID, ddml.DRP](nd, common.PBA{}, treeLimits, label.Alloct),
	}
	m.nextRID.Store(label.NextRID)
	return m
}

// Put writes a brand-new record, returning its RID. The caller's bytes go
// to the DDML, the cache, and both tables: the RIDT records the DRP and
// an initial refcount of 1, the AllocT records the reverse PBA->RID
// mapping the cleaner needs.
func (m *IDML) Put(ctx context.Context, value []byte, mode ddml.Compression, txg common.TxgT) (common.RID, error) {
	drp, err := m.ddml.PutDirect(ctx, value, mode, txg)
	if err != nil {
		return 0, err
	}
	rid := common.RID(m.nextRID.Add(1) - 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ridt.Insert(ctx, rid, RidtEntry{DRP: drp, Refcount: 1}, txg); err != nil {
		return 0, fmt.Errorf("idml: put: ridt insert: %w", err)
	}
	if _, existed, err := m.alloct.Get(ctx, drp.PBA); err != nil {
		return 0, fmt.Errorf("idml: put: alloct lookup: %w", err)
	} else {
		invariant.Check(m.log, !existed, "double allocate without free: alloct leak detected", "pba", drp.PBA)
	}
	if err := m.alloct.Insert(ctx, drp.PBA, rid, txg); err != nil {
		return 0, fmt.Errorf("idml: put: alloct insert: %w", err)
	}
	m.cache.Insert(cache.RIDKey(rid), value)
	return rid, nil
}

// Get reads a record by RID, populating the cache on a miss.
func (m *IDML) Get(ctx context.Context, rid common.RID) ([]byte, error) {
	if v, ok := m.cache.Get(cache.RIDKey(rid)); ok {
		return v, nil
	}
	entry, found, err := m.ridt.Get(ctx, rid)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("idml: get %d: %w", rid, errs.ErrNotFound)
	}
	v, err := m.ddml.GetDirect(ctx, &entry.DRP)
	if err != nil {
		return nil, err
	}
	m.cache.Insert(cache.RIDKey(rid), v)
	return v, nil
}

// Pop reads a record and, if this was its last reference, deletes it,
// returning the bytes either way so the caller can still use them after
// the refcount reaches zero.
func (m *IDML) Pop(ctx context.Context, rid common.RID, txg common.TxgT) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, found, err := m.ridt.Get(ctx, rid)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("idml: pop %d: %w", rid, errs.ErrNotFound)
	}
	entry.Refcount--

	if entry.Refcount == 0 {
		var v []byte
		if cached, ok := m.cache.Remove(cache.RIDKey(rid)); ok {
			v = cached
			m.ddml.DeleteDirect(&entry.DRP, txg)
		} else {
			v, err = m.ddml.PopDirect(ctx, &entry.DRP)
			if err != nil {
				return nil, err
			}
		}
		if _, ok, err := m.alloct.Remove(ctx, entry.DRP.PBA, txg); err != nil {
			return nil, fmt.Errorf("idml: pop: alloct remove: %w", err)
		} else {
			invariant.Check(m.log, ok, "alloct missing reverse mapping on pop", "rid", rid)
		}
		if _, ok, err := m.ridt.Remove(ctx, rid, txg); err != nil {
			return nil, fmt.Errorf("idml: pop: ridt remove: %w", err)
		} else {
			invariant.Check(m.log, ok, "ridt missing entry on pop", "rid", rid)
		}
		return v, nil
	}

	v, ok := m.cache.Get(cache.RIDKey(rid))
	if !ok {
		v, err = m.ddml.GetDirect(ctx, &entry.DRP)
		if err != nil {
			return nil, err
		}
	}
	if err := m.ridt.Insert(ctx, rid, entry, txg); err != nil {
		return nil, fmt.Errorf("idml: pop: ridt update: %w", err)
	}
	return v, nil
}

// Delete drops one reference to rid, freeing the underlying record when
// the refcount reaches zero, without returning its bytes.
func (m *IDML) Delete(ctx context.Context, rid common.RID, txg common.TxgT) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, found, err := m.ridt.Get(ctx, rid)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("idml: delete %d: %w", rid, errs.ErrNotFound)
	}
	entry.Refcount--
	if entry.Refcount == 0 {
		m.cache.Remove(cache.RIDKey(rid))
		m.ddml.DeleteDirect(&entry.DRP, txg)
		if _, ok, err := m.alloct.Remove(ctx, entry.DRP.PBA, txg); err != nil {
			return fmt.Errorf("idml: delete: alloct remove: %w", err)
		} else {
			invariant.Check(m.log, ok, "alloct missing reverse mapping on delete", "rid", rid)
		}
		if _, ok, err := m.ridt.Remove(ctx, rid, txg); err != nil {
			return fmt.Errorf("idml: delete: ridt remove: %w", err)
		} else {
			invariant.Check(m.log, ok, "ridt missing entry on delete", "rid", rid)
		}
		return nil
	}
	return m.ridt.Insert(ctx, rid, entry, txg)
}

// Evict drops rid's cache entry without affecting its reference count or
// on-disk data.
func (m *IDML) Evict(rid common.RID) {
	m.cache.Remove(cache.RIDKey(rid))
}

// moveRecord rewrites one indirect record's direct storage — used by
// CleanZone to relocate every record living in a zone before it is
// erased — updating the RIDT and AllocT to point at its new DRP. The
// record's logical bytes come from the RID cache when resident, else from
// GetDirect (which decompresses them), and are written again with the
// record's original compression mode, so a compressed record is
// recompressed on every move, cached or not.
func (m *IDML) moveRecord(ctx context.Context, rid common.RID, txg common.TxgT) error {
	entry, found, err := m.ridt.Get(ctx, rid)
	if err != nil {
		return err
	}
	invariant.Check(m.log, found, "inconsistency in alloct: entry not found in ridt", "rid", rid)

	var v []byte
	if cached, ok := m.cache.Get(cache.RIDKey(rid)); ok {
		v = cached
	} else {
		v, err = m.ddml.GetDirect(ctx, &entry.DRP)
		if err != nil {
			return err
		}
	}

	oldDRP := entry.DRP
	newDRP, err := m.ddml.PutDirect(ctx, v, oldDRP.Compression, txg)
	if err != nil {
		return err
	}
	m.ddml.DeleteDirect(&oldDRP, txg)

	entry.DRP = newDRP
	if err := m.ridt.Insert(ctx, rid, entry, txg); err != nil {
		return fmt.Errorf("idml: move_record: ridt update: %w", err)
	}
	if _, _, err := m.alloct.Remove(ctx, oldDRP.PBA, txg); err != nil {
		return fmt.Errorf("idml: move_record: alloct remove: %w", err)
	}
	if err := m.alloct.Insert(ctx, newDRP.PBA, rid, txg); err != nil {
		return fmt.Errorf("idml: move_record: alloct insert: %w", err)
	}
	m.cache.Insert(cache.RIDKey(rid), v)
	return nil
}

// CleanZone moves every record in zone to other zones, then cleans the
// RIDT and AllocT trees themselves so any of their own node blocks left
// in the zone are relocated too. Records are moved first, deliberately:
// doing so shrinks the PBA range the subsequent tree clean has to
// consider.
func (m *IDML) CleanZone(ctx context.Context, zone ddml.ClosedZone, txg common.TxgT) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := zone.PBAStart
	end := common.NewPBA(zone.PBAStart.Cluster, zone.PBAStart.LBA+zone.TotalBlocks)

	rids, err := m.alloct.Range(ctx, start, end)
	if err != nil {
		return fmt.Errorf("idml: clean_zone: list records: %w", err)
	}
	for _, e := range rids {
		if err := m.moveRecord(ctx, e.Value, txg); err != nil {
			return fmt.Errorf("idml: clean_zone: move_record %d: %w", e.Value, err)
		}
	}

	inRange := func(drp ddml.DRP) bool {
		return drp.PBA.Cluster == start.Cluster && drp.PBA.LBA >= start.LBA && drp.PBA.LBA < end.LBA
	}
	zoneTxgs := tree.TxgRange{Start: zone.TxgStart, End: zone.TxgEnd}
	if err := m.ridt.CleanZone(ctx, inRange, zoneTxgs, txg); err != nil {
		return fmt.Errorf("idml: clean_zone: ridt: %w", err)
	}
	if err := m.alloct.CleanZone(ctx, inRange, zoneTxgs, txg); err != nil {
		return fmt.Errorf("idml: clean_zone: alloct: %w", err)
	}
	return nil
}

// ListClosedZones surfaces the pool's cleaning candidates, unchanged
// from the DDML's view: cleaning targets are always a property of
// physical storage, not of any indirection on top of it.
func (m *IDML) ListClosedZones() []ddml.ClosedZone {
	return m.ddml.ListClosedZones()
}

// Flush writes both tables' dirty nodes to stable storage.
func (m *IDML) Flush(ctx context.Context, txg common.TxgT) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ridt.Flush(ctx, txg); err != nil {
		return fmt.Errorf("idml: flush ridt: %w", err)
	}
	if err := m.alloct.Flush(ctx, txg); err != nil {
		return fmt.Errorf("idml: flush alloct: %w", err)
	}
	return nil
}

// SyncAll flushes both tables and then fences the DDML's pool, so
// everything the just-flushed labels can reference is durable before the
// label itself is written.
func (m *IDML) SyncAll(ctx context.Context, txg common.TxgT) error {
	if err := m.Flush(ctx, txg); err != nil {
		return err
	}
	return m.ddml.SyncAll(ctx)
}

// Label returns the IDML's current persisted state. Both table roots
// must already be clean (Flush must have run since the last mutation).
func (m *IDML) Label() (Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ridtLabel, err := m.ridt.OnDiskLabel()
	if err != nil {
		return Label{}, fmt.Errorf("idml: label: ridt: %w", err)
	}
	alloctLabel, err := m.alloct.OnDiskLabel()
	if err != nil {
		return Label{}, fmt.Errorf("idml: label: alloct: %w", err)
	}
	return Label{Ridt: ridtLabel, Alloct: alloctLabel, NextRID: m.nextRID.Load()}, nil
}

// Check cross-validates the RIDT and AllocT: every RIDT entry must have a
// matching reverse mapping in the AllocT and vice versa, per
// specification §7's RIDT/AllocT bijection invariant.
func (m *IDML) Check(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ridtEntries, err := m.ridt.Range(ctx, 0, common.RID(^uint64(0)))
	if err != nil {
		return fmt.Errorf("idml: check: range ridt: %w", err)
	}
	byPBA := make(map[common.PBA]common.RID, len(ridtEntries))
	for _, e := range ridtEntries {
		byPBA[e.Value.DRP.PBA] = e.Key
	}

	alloctEntries, err := m.alloct.Range(ctx, common.PBA{}, common.PBA{Cluster: ^common.ClusterID(0), LBA: ^common.LBA(0)})
	if err != nil {
		return fmt.Errorf("idml: check: range alloct: %w", err)
	}
	seen := make(map[common.PBA]bool, len(alloctEntries))
	for _, e := range alloctEntries {
		seen[e.Key] = true
		rid, ok := byPBA[e.Key]
		if !ok {
			return fmt.Errorf("idml: check: alloct entry for pba %s has no ridt counterpart", e.Key)
		}
		if rid != e.Value {
			return fmt.Errorf("idml: check: alloct/ridt mismatch at pba %s: alloct says rid %d, ridt owner is %d", e.Key, e.Value, rid)
		}
	}
	for pba := range byPBA {
		if !seen[pba] {
			return fmt.Errorf("idml: check: ridt entry for pba %s has no alloct counterpart", pba)
		}
	}
	return nil
}

// verifyPoolSize bounds how many records VerifyAll reads concurrently, so a
// full-pool scrub doesn't open thousands of simultaneous reads against the
// underlying vdevs.
const verifyPoolSize = 32

// VerifyAll re-reads every record in the RIDT and lets GetDirect's checksum
// validation surface any corrupt one, scrubbing the whole pool without
// requiring every record to pass through the ordinary read path first.
// Each record's DDML cache entry is evicted before the read, so the bytes
// checked are the ones in the pool rather than a cached copy. The
// RIDT is snapshotted under lock and then scanned with a bounded worker
// pool; scrubbing does not need to serialize against concurrent writers the
// way Put/Get/Delete's tree mutations do.
func (m *IDML) VerifyAll(ctx context.Context) error {
	m.mu.Lock()
	entries, err := m.ridt.Range(ctx, 0, common.RID(^uint64(0)))
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("idml: verify_all: range ridt: %w", err)
	}

	pool, err := ants.NewPool(verifyPoolSize)
	if err != nil {
		return fmt.Errorf("idml: verify_all: new pool: %w", err)
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		firstErr error
		errOnce  sync.Once
	)
	for _, e := range entries {
		e := e
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			drp := e.Value.DRP
			m.ddml.Evict(&drp)
			if _, err := m.ddml.GetDirect(ctx, &drp); err != nil {
				errOnce.Do(func() {
					firstErr = fmt.Errorf("idml: verify_all: rid %d: %w", e.Key, err)
				})
			}
		})
		if submitErr != nil {
			wg.Done()
			errOnce.Do(func() { firstErr = fmt.Errorf("idml: verify_all: submit: %w", submitErr) })
			break
		}
	}
	wg.Wait()
	return firstErr
}
