package ddml

import (
	"context"
	"errors"
	"testing"

	"github.com/bfffs/bfffs/cache"
	"github.com/bfffs/bfffs/cluster"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/errs"
	"github.com/bfffs/bfffs/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePool is a scripted stand-in for pool.Pool, letting DDML tests run
// without any cluster/raid machinery underneath them.
type fakePool struct {
	next        common.LBA
	blocks      map[common.LBA][]byte
	freed       map[common.LBA]common.LBA
	closedZones []pool.ClosedZone
}

func newFakePool() *fakePool {
	return &fakePool{blocks: make(map[common.LBA][]byte), freed: make(map[common.LBA]common.LBA)}
}

func (p *fakePool) Write(ctx context.Context, buf []byte, txg common.TxgT) (common.PBA, error) {
	lba := p.next
	p.next += common.SizeToLBAs(len(buf))
	cp := make([]byte, len(buf))
	copy(cp, buf)
	p.blocks[lba] = cp
	return common.NewPBA(0, lba), nil
}

func (p *fakePool) Read(ctx context.Context, buf []byte, pba common.PBA) error {
	copy(buf, p.blocks[pba.LBA])
	return nil
}

func (p *fakePool) Free(pba common.PBA, length common.LBA) {
	p.freed[pba.LBA] = length
	delete(p.blocks, pba.LBA)
}

func (p *fakePool) SyncAll(ctx context.Context) error { return nil }

func (p *fakePool) ListClosedZones() []pool.ClosedZone { return p.closedZones }

func closedZoneInfo(zone common.ZoneT, total, freed common.LBA) cluster.ClosedZoneInfo {
	return cluster.ClosedZoneInfo{Zone: zone, TotalBlocks: total, FreedBlocks: freed}
}

func TestPutGetDirectRoundTrip(t *testing.T) {
	p := newFakePool()
	d := New(p, cache.New(1<<20))
	ctx := context.Background()

	drp, err := d.PutDirect(ctx, []byte("the quick brown fox"), CompressionNone, common.TxgT(1))
	require.NoError(t, err)

	v, err := d.GetDirect(ctx, &drp)
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox", string(v))
}

func TestPutGetDirectZstdRoundTrip(t *testing.T) {
	p := newFakePool()
	d := New(p, cache.New(1<<20))
	ctx := context.Background()

	payload := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	drp, err := d.PutDirect(ctx, payload, CompressionZstd, common.TxgT(1))
	require.NoError(t, err)
	assert.Less(t, int(drp.CSize), len(payload))

	v, err := d.GetDirect(ctx, &drp)
	require.NoError(t, err)
	assert.Equal(t, payload, v)
}

func TestGetDirectDetectsChecksumFailure(t *testing.T) {
	p := newFakePool()
	d := New(p, cache.New(1<<20))
	ctx := context.Background()

	drp, err := d.PutDirect(ctx, []byte("original"), CompressionNone, common.TxgT(1))
	require.NoError(t, err)

	// Evict the cache entry and corrupt the on-disk bytes directly, forcing
	// the next read to fall through to the pool and recompute the checksum.
	d.Evict(&drp)
	p.blocks[drp.PBA.LBA][0] ^= 0xff

	_, err = d.GetDirect(ctx, &drp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrChecksumFailure))
}

func TestPopDirectFreesStorage(t *testing.T) {
	p := newFakePool()
	d := New(p, cache.New(1<<20))
	ctx := context.Background()

	drp, err := d.PutDirect(ctx, []byte("popme"), CompressionNone, common.TxgT(1))
	require.NoError(t, err)

	v, err := d.PopDirect(ctx, &drp)
	require.NoError(t, err)
	assert.Equal(t, "popme", string(v))
	assert.Contains(t, p.freed, drp.PBA.LBA)
	assert.NotContains(t, p.blocks, drp.PBA.LBA)
}

func TestDeleteDirectFreesStorage(t *testing.T) {
	p := newFakePool()
	d := New(p, cache.New(1<<20))
	ctx := context.Background()

	drp, err := d.PutDirect(ctx, []byte("deleteme"), CompressionNone, common.TxgT(1))
	require.NoError(t, err)

	d.DeleteDirect(&drp, common.TxgT(2))
	assert.Contains(t, p.freed, drp.PBA.LBA)
	_, cached := d.cache.Get(cache.PBAKey(drp.PBA))
	assert.False(t, cached)
}

func TestListClosedZonesFiltersByThreshold(t *testing.T) {
	p := newFakePool()
	d := New(p, cache.New(1<<20))

	p.closedZones = []pool.ClosedZone{
		{Cluster: 0, ClosedZoneInfo: closedZoneInfo(0, 100, 80)},
		{Cluster: 0, ClosedZoneInfo: closedZoneInfo(1, 100, 10)},
	}
	out := d.ListClosedZones()
	require.Len(t, out, 1)
	assert.Equal(t, common.ZoneT(0), out[0].Zone)
}
