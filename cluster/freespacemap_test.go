package cluster

import (
	"testing"

	"github.com/bfffs/bfffs/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeSpaceMapOpenAllocateFinishErase(t *testing.T) {
	m := newFreeSpaceMap(4)

	id, ok := m.findEmpty()
	require.True(t, ok)
	assert.Equal(t, common.ZoneT(0), id)

	lba, allocated := m.openZoneMap(id, 0, 100, 10)
	require.True(t, allocated)
	assert.Equal(t, common.LBA(0), lba)

	zid, lba2, ok := m.tryAllocate(20)
	require.True(t, ok)
	assert.Equal(t, id, zid)
	assert.Equal(t, common.LBA(10), lba2)

	m.finishZone(id)
	assert.True(t, m.isClosed(id))

	m.free(id, 30)
	assert.Equal(t, 1.0, m.freedRatio(id))

	m.eraseZone(id)
	assert.True(t, m.isEmpty(id))
}

func TestFreeSpaceMapDoubleFreePanics(t *testing.T) {
	m := newFreeSpaceMap(2)
	m.openZoneMap(0, 0, 100, 100)
	m.free(0, 50)
	assert.Panics(t, func() { m.free(0, 60) })
}

func TestFreeSpaceMapFreeFromEmptyZonePanics(t *testing.T) {
	m := newFreeSpaceMap(2)
	assert.Panics(t, func() { m.free(0, 1) })
}

func TestFreeSpaceMapCantEraseOpenZone(t *testing.T) {
	m := newFreeSpaceMap(2)
	m.openZoneMap(0, 0, 100, 0)
	assert.Panics(t, func() { m.eraseZone(0) })
}
