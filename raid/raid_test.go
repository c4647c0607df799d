package raid

import (
	"context"
	"testing"

	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/vdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVdev(t *testing.T) *VdevRaid {
	t.Helper()
	children := make([]vdev.BlockDevice, 3)
	for i := range children {
		children[i] = vdev.NewMemDevice(2, 4)
	}
	vr, err := Create(children, 2, 1, 1, 1)
	require.NoError(t, err)
	return vr
}

func TestVdevRaidWriteReadRoundTrip(t *testing.T) {
	vr := newTestVdev(t)
	ctx := context.Background()
	require.NoError(t, vr.OpenZone(ctx, 0))

	stripe := make([]byte, vr.stripeDataBytes())
	for i := range stripe {
		stripe[i] = byte(i)
	}
	require.NoError(t, vr.WriteAt(ctx, stripe, 0, 0))

	buf := make([]byte, len(stripe))
	require.NoError(t, vr.ReadAt(ctx, buf, 0))
	assert.Equal(t, stripe, buf)
}

func TestVdevRaidReadsUnflushedStripeFromBuffer(t *testing.T) {
	vr := newTestVdev(t)
	ctx := context.Background()
	require.NoError(t, vr.OpenZone(ctx, 0))

	partial := make([]byte, vr.layout.ChunkSize*uint64(common.BytesPerLBA))
	for i := range partial {
		partial[i] = 0xAB
	}
	require.NoError(t, vr.WriteAt(ctx, partial, 0, 0))

	buf := make([]byte, len(partial))
	require.NoError(t, vr.ReadAt(ctx, buf, 0))
	assert.Equal(t, partial, buf)
}

func TestVdevRaidDegradedReadReconstructsViaCodec(t *testing.T) {
	vr := newTestVdev(t)
	ctx := context.Background()
	require.NoError(t, vr.OpenZone(ctx, 0))

	stripe := make([]byte, vr.stripeDataBytes())
	for i := range stripe {
		stripe[i] = byte(i + 1)
	}
	require.NoError(t, vr.WriteAt(ctx, stripe, 0, 0))
	require.NoError(t, vr.FinishZone(ctx, 0))

	// Simulate one device going dead after the write completed.
	vr.children[0].(*vdev.MemDevice).Failed = true
	vr.degraded = true

	buf := make([]byte, len(stripe))
	require.NoError(t, vr.ReadAt(ctx, buf, 0))
	assert.Equal(t, stripe, buf)
}

func TestVdevRaidReconstructedStripeCacheIsInvalidatedOnErase(t *testing.T) {
	vr := newTestVdev(t)
	ctx := context.Background()
	require.NoError(t, vr.OpenZone(ctx, 0))

	stripe := make([]byte, vr.stripeDataBytes())
	require.NoError(t, vr.WriteAt(ctx, stripe, 0, 0))
	require.NoError(t, vr.FinishZone(ctx, 0))

	dead := vr.children[0].(*vdev.MemDevice)
	dead.Failed = true
	buf := make([]byte, len(stripe))
	require.NoError(t, vr.ReadAt(ctx, buf, 0))

	key := reconKey{zone: 0, globalStripe: 0}
	_, cached := vr.reconCache.Get(key)
	assert.True(t, cached)

	// Restore the device before erasing so EraseZone's fan-out succeeds,
	// then confirm the cached reconstruction for zone 0 is gone.
	dead.Failed = false
	require.NoError(t, vr.EraseZone(ctx, 0))
	_, cached = vr.reconCache.Get(key)
	assert.False(t, cached)
}
