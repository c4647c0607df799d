package pool

import (
	"context"
	"testing"

	"github.com/bfffs/bfffs/cluster"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/errs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRaidVdev is the same minimal scripted RaidVdev used by the cluster
// package's own tests, duplicated here so pool tests can build real
// *cluster.Cluster values without importing cluster's test file.
type fakeRaidVdev struct {
	id          uuid.UUID
	nzones      common.ZoneT
	lbasPerZone common.LBA
	data        map[common.LBA][]byte
}

func newFakeRaidVdev(nzones common.ZoneT, lbasPerZone common.LBA) *fakeRaidVdev {
	return &fakeRaidVdev{id: uuid.New(), nzones: nzones, lbasPerZone: lbasPerZone, data: make(map[common.LBA][]byte)}
}

func (f *fakeRaidVdev) UUID() uuid.UUID     { return f.id }
func (f *fakeRaidVdev) Zones() common.ZoneT { return f.nzones }
func (f *fakeRaidVdev) ZoneLimits(z common.ZoneT) (common.LBA, common.LBA) {
	start := common.LBA(z) * f.lbasPerZone
	return start, start + f.lbasPerZone
}
func (f *fakeRaidVdev) LBA2Zone(lba common.LBA) (common.ZoneT, bool) {
	z := common.ZoneT(uint64(lba) / uint64(f.lbasPerZone))
	if z >= f.nzones {
		return 0, false
	}
	return z, true
}
func (f *fakeRaidVdev) Size() common.LBA                                   { return common.LBA(f.nzones) * f.lbasPerZone }
func (f *fakeRaidVdev) OpenZone(ctx context.Context, z common.ZoneT) error { return nil }
func (f *fakeRaidVdev) FinishZone(ctx context.Context, z common.ZoneT) error {
	return nil
}
func (f *fakeRaidVdev) EraseZone(ctx context.Context, z common.ZoneT) error {
	start, end := f.ZoneLimits(z)
	for lba := start; lba < end; lba++ {
		delete(f.data, lba)
	}
	return nil
}
func (f *fakeRaidVdev) WriteAt(ctx context.Context, buf []byte, zone common.ZoneT, lba common.LBA) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.data[lba] = cp
	return nil
}
func (f *fakeRaidVdev) ReadAt(ctx context.Context, buf []byte, lba common.LBA) error {
	copy(buf, f.data[lba])
	return nil
}
func (f *fakeRaidVdev) Sync(ctx context.Context) error { return nil }

func newTestClusters(n int, zones common.ZoneT, lbasPerZone common.LBA) []*cluster.Cluster {
	cs := make([]*cluster.Cluster, n)
	for i := range cs {
		cs[i] = cluster.New(newFakeRaidVdev(zones, lbasPerZone))
	}
	return cs
}

func TestPoolWriteRoundRobinsAcrossClusters(t *testing.T) {
	clusters := newTestClusters(3, 2, 10)
	p := New("pool0", clusters)
	ctx := context.Background()

	var pbas []common.PBA
	for i := 0; i < 3; i++ {
		pba, err := p.Write(ctx, make([]byte, common.BytesPerLBA), common.TxgT(1))
		require.NoError(t, err)
		pbas = append(pbas, pba)
	}
	assert.Equal(t, common.ClusterID(0), pbas[0].Cluster)
	assert.Equal(t, common.ClusterID(1), pbas[1].Cluster)
	assert.Equal(t, common.ClusterID(2), pbas[2].Cluster)
}

func TestPoolReadRoundTrip(t *testing.T) {
	clusters := newTestClusters(1, 2, 10)
	p := New("pool0", clusters)
	ctx := context.Background()

	payload := []byte("hello from the pool")
	pba, err := p.Write(ctx, payload, common.TxgT(1))
	require.NoError(t, err)

	buf := make([]byte, common.SizeToLBAs(len(payload))*common.BytesPerLBA)
	require.NoError(t, p.Read(ctx, buf, pba))
	assert.Equal(t, payload, buf[:len(payload)])
}

func TestPoolWriteExhaustionReturnsErrNoSpace(t *testing.T) {
	clusters := newTestClusters(1, 1, 1)
	p := New("pool0", clusters)
	ctx := context.Background()

	_, err := p.Write(ctx, make([]byte, common.BytesPerLBA), common.TxgT(1))
	require.NoError(t, err)

	_, err = p.Write(ctx, make([]byte, common.BytesPerLBA), common.TxgT(1))
	assert.ErrorIs(t, err, errs.ErrNoSpace)
}

func TestPoolListClosedZonesAggregatesAcrossClusters(t *testing.T) {
	clusters := newTestClusters(2, 1, 1)
	p := New("pool0", clusters)
	ctx := context.Background()

	_, err := p.Write(ctx, make([]byte, common.BytesPerLBA), common.TxgT(1))
	require.NoError(t, err)
	require.NoError(t, p.FinishZone(ctx, 0, 0))

	_, err = p.Write(ctx, make([]byte, common.BytesPerLBA), common.TxgT(1))
	require.NoError(t, err)
	require.NoError(t, p.FinishZone(ctx, 1, 0))

	closed := p.ListClosedZones()
	require.Len(t, closed, 2)
	assert.Equal(t, common.ClusterID(0), closed[0].Cluster)
	assert.Equal(t, common.ClusterID(1), closed[1].Cluster)
}

func TestPoolLabelRoundTrip(t *testing.T) {
	clusters := newTestClusters(2, 1, 1)
	p := New("mypool", clusters)

	label := p.Label()
	assert.Equal(t, "mypool", label.Name)
	assert.Equal(t, p.UUID(), label.UUID)
	require.Len(t, label.Children, 2)
	assert.Equal(t, clusters[0].UUID(), label.Children[0])
	assert.Equal(t, clusters[1].UUID(), label.Children[1])
}
