package idml

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bfffs/bfffs/cache"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/ddml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDDML is a scripted stand-in for ddml.DDML, letting IDML tests run
// without any pool/cluster/raid machinery underneath them.
type fakeDDML struct {
	mu      sync.Mutex
	next    uint64
	store   map[common.PBA][]byte
	corrupt map[common.PBA]bool
}

func newFakeDDML() *fakeDDML {
	return &fakeDDML{store: make(map[common.PBA][]byte), corrupt: make(map[common.PBA]bool)}
}

func (f *fakeDDML) PutDirect(ctx context.Context, value []byte, mode ddml.Compression, txg common.TxgT) (ddml.DRP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pba := common.NewPBA(0, common.LBA(f.next))
	f.next++
	cp := make([]byte, len(value))
	copy(cp, value)
	f.store[pba] = cp
	return ddml.DRP{PBA: pba, Compression: mode, LSize: uint32(len(value)), CSize: uint32(len(value))}, nil
}

func (f *fakeDDML) GetDirect(ctx context.Context, drp *ddml.DRP) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.corrupt[drp.PBA] {
		return nil, errors.New("ddml: simulated checksum failure")
	}
	v, ok := f.store[drp.PBA]
	if !ok {
		return nil, errors.New("ddml: record not found")
	}
	return v, nil
}

func (f *fakeDDML) PopDirect(ctx context.Context, drp *ddml.DRP) ([]byte, error) {
	v, err := f.GetDirect(ctx, drp)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	delete(f.store, drp.PBA)
	f.mu.Unlock()
	return v, nil
}

func (f *fakeDDML) DeleteDirect(drp *ddml.DRP, txg common.TxgT) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.store, drp.PBA)
}

func (f *fakeDDML) Evict(drp *ddml.DRP) {}

func (f *fakeDDML) SyncAll(ctx context.Context) error { return nil }

func (f *fakeDDML) ListClosedZones() []ddml.ClosedZone { return nil }

func newTestIDML() (*IDML, *fakeDDML) {
	d := newFakeDDML()
	return Create(d, cache.New(1<<20)), d
}

func TestIDMLPutGetRoundTrip(t *testing.T) {
	m, _ := newTestIDML()
	ctx := context.Background()

	rid, err := m.Put(ctx, []byte("payload"), ddml.CompressionNone, common.TxgT(1))
	require.NoError(t, err)

	v, err := m.Get(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(v))
}

func TestIDMLPopLastReferenceFreesStorage(t *testing.T) {
	m, d := newTestIDML()
	ctx := context.Background()

	rid, err := m.Put(ctx, []byte("payload"), ddml.CompressionNone, common.TxgT(1))
	require.NoError(t, err)
	entry, found, err := m.ridt.Get(ctx, rid)
	require.NoError(t, err)
	require.True(t, found)

	v, err := m.Pop(ctx, rid, common.TxgT(2))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(v))

	_, found, err = m.ridt.Get(ctx, rid)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = m.alloct.Get(ctx, entry.DRP.PBA)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NotContains(t, d.store, entry.DRP.PBA)
}

// TestIDMLDeleteWithExtraReferenceKeepsStorage exercises the refcount>1
// path directly against the tables, since Put is the only public entry
// point that creates a RIDT entry and always starts it at refcount 1.
func TestIDMLDeleteWithExtraReferenceKeepsStorage(t *testing.T) {
	m, d := newTestIDML()
	ctx := context.Background()

	rid, err := m.Put(ctx, []byte("shared"), ddml.CompressionNone, common.TxgT(1))
	require.NoError(t, err)

	entry, found, err := m.ridt.Get(ctx, rid)
	require.NoError(t, err)
	require.True(t, found)
	entry.Refcount = 2
	require.NoError(t, m.ridt.Insert(ctx, rid, entry, common.TxgT(1)))

	require.NoError(t, m.Delete(ctx, rid, common.TxgT(2)))

	after, found, err := m.ridt.Get(ctx, rid)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), after.Refcount)
	assert.Contains(t, d.store, entry.DRP.PBA)

	require.NoError(t, m.Delete(ctx, rid, common.TxgT(3)))
	_, found, err = m.ridt.Get(ctx, rid)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NotContains(t, d.store, entry.DRP.PBA)
}

func TestIDMLGetSurfacesChecksumFailure(t *testing.T) {
	m, d := newTestIDML()
	ctx := context.Background()

	rid, err := m.Put(ctx, []byte("payload"), ddml.CompressionNone, common.TxgT(1))
	require.NoError(t, err)
	entry, found, err := m.ridt.Get(ctx, rid)
	require.NoError(t, err)
	require.True(t, found)

	m.Evict(rid)
	d.corrupt[entry.DRP.PBA] = true

	_, err = m.Get(ctx, rid)
	assert.Error(t, err)
}

func TestIDMLCheckDetectsBijectionViolation(t *testing.T) {
	m, _ := newTestIDML()
	ctx := context.Background()

	_, err := m.Put(ctx, []byte("a"), ddml.CompressionNone, common.TxgT(1))
	require.NoError(t, err)
	require.NoError(t, m.Check(ctx))

	// Inject an orphaned alloct entry with no ridt counterpart.
	require.NoError(t, m.alloct.Insert(ctx, common.NewPBA(0, 999), common.RID(12345), common.TxgT(1)))
	assert.Error(t, m.Check(ctx))
}

func TestIDMLCleanZoneRelocatesRecordsAndPreservesData(t *testing.T) {
	m, d := newTestIDML()
	ctx := context.Background()

	rids := make([]common.RID, 0, 5)
	for i := 0; i < 5; i++ {
		rid, err := m.Put(ctx, []byte{byte(i)}, ddml.CompressionNone, common.TxgT(1))
		require.NoError(t, err)
		rids = append(rids, rid)
	}

	zone := ddml.ClosedZone{
		Cluster:     0,
		PBAStart:    common.NewPBA(0, 0),
		TotalBlocks: common.LBA(5),
		TxgStart:    0,
		TxgEnd:      2,
	}
	require.NoError(t, m.CleanZone(ctx, zone, common.TxgT(2)))

	for i, rid := range rids {
		v, err := m.Get(ctx, rid)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, v)
	}
	require.NoError(t, m.Check(ctx))
	assert.Equal(t, uint64(10), d.next)
}

// TestIDMLCleanZoneAfterFlushRelocatesOnDiskRecords is the on-disk
// counterpart to TestIDMLCleanZoneRelocatesRecordsAndPreservesData: it
// flushes both index trees before cleaning, so CleanZone's relocation walk
// has to decode nodes off the fake DDML instead of finding everything
// still dirty in memory.
func TestIDMLCleanZoneAfterFlushRelocatesOnDiskRecords(t *testing.T) {
	m, d := newTestIDML()
	ctx := context.Background()

	rids := make([]common.RID, 0, 5)
	for i := 0; i < 5; i++ {
		rid, err := m.Put(ctx, []byte{byte(i)}, ddml.CompressionNone, common.TxgT(1))
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	require.NoError(t, m.Flush(ctx, common.TxgT(1)))

	zone := ddml.ClosedZone{
		Cluster:     0,
		PBAStart:    common.NewPBA(0, 0),
		TotalBlocks: common.LBA(5),
		TxgStart:    0,
		TxgEnd:      2,
	}
	require.NoError(t, m.CleanZone(ctx, zone, common.TxgT(2)))
	require.NoError(t, m.Flush(ctx, common.TxgT(2)))

	for i, rid := range rids {
		v, err := m.Get(ctx, rid)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, v)
	}
	require.NoError(t, m.Check(ctx))
	// 5 records, 2 table roots at the first flush, 5 moved records, and 2
	// table roots again at the second flush.
	assert.Equal(t, uint64(14), d.next)
}

func TestIDMLVerifyAllSurfacesCorruption(t *testing.T) {
	m, d := newTestIDML()
	ctx := context.Background()

	_, err := m.Put(ctx, []byte("good"), ddml.CompressionNone, common.TxgT(1))
	require.NoError(t, err)
	rid2, err := m.Put(ctx, []byte("bad"), ddml.CompressionNone, common.TxgT(1))
	require.NoError(t, err)

	require.NoError(t, m.VerifyAll(ctx))

	entry, found, err := m.ridt.Get(ctx, rid2)
	require.NoError(t, err)
	require.True(t, found)
	d.corrupt[entry.DRP.PBA] = true

	assert.Error(t, m.VerifyAll(ctx))
}
