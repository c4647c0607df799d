package vdev

import (
	"context"
	"fmt"
	"sync"

	"github.com/bfffs/bfffs/common"
	"github.com/google/uuid"
)

type zoneState int

const (
	zoneEmpty zoneState = iota
	zoneOpen
	zoneClosed
)

// MemDevice is an in-memory BlockDevice used by tests and by the
// single-process demo pool. It enforces the same sequential-write-within-a
// zone discipline a real device would, so bugs in the RAID layer's stripe
// buffer show up against this mock exactly as they would against hardware.
type MemDevice struct {
	mu uuid.UUID

	mtx         sync.Mutex
	data        []byte
	lbasPerZone common.LBA
	nzones      common.ZoneT
	states      []zoneState
	writePtr    []common.LBA

	// Failed, when true, makes every ReadAt/WriteAt fail, simulating a
	// dead device for degraded-read tests.
	Failed bool
}

// NewMemDevice builds a MemDevice with nzones zones of lbasPerZone LBAs
// each, all initially empty.
func NewMemDevice(nzones common.ZoneT, lbasPerZone common.LBA) *MemDevice {
	total := common.LBA(nzones) * lbasPerZone
	return &MemDevice{
		mu:          uuid.New(),
		data:        make([]byte, total*common.BytesPerLBA),
		lbasPerZone: lbasPerZone,
		nzones:      nzones,
		states:      make([]zoneState, nzones),
		writePtr:    make([]common.LBA, nzones),
	}
}

func (m *MemDevice) UUID() uuid.UUID { return m.mu }

func (m *MemDevice) Size() common.LBA    { return common.LBA(m.nzones) * m.lbasPerZone }
func (m *MemDevice) Zones() common.ZoneT { return m.nzones }

func (m *MemDevice) ZoneLimits(z common.ZoneT) (common.LBA, common.LBA) {
	start := common.LBA(z) * m.lbasPerZone
	return start, start + m.lbasPerZone
}

func (m *MemDevice) zoneOf(lba common.LBA) common.ZoneT {
	return common.ZoneT(uint64(lba) / uint64(m.lbasPerZone))
}

func (m *MemDevice) OpenZone(ctx context.Context, z common.ZoneT) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.states[z] != zoneEmpty {
		return fmt.Errorf("vdev: zone %d not empty", z)
	}
	m.states[z] = zoneOpen
	start, _ := m.ZoneLimits(z)
	m.writePtr[z] = start
	return nil
}

func (m *MemDevice) FinishZone(ctx context.Context, z common.ZoneT) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.states[z] != zoneOpen {
		return fmt.Errorf("vdev: zone %d not open", z)
	}
	m.states[z] = zoneClosed
	return nil
}

func (m *MemDevice) EraseZone(ctx context.Context, z common.ZoneT) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.states[z] == zoneOpen {
		return fmt.Errorf("vdev: can't erase open zone %d", z)
	}
	start, end := m.ZoneLimits(z)
	clear(m.data[start*common.BytesPerLBA : end*common.BytesPerLBA])
	m.states[z] = zoneEmpty
	m.writePtr[z] = start
	return nil
}

func (m *MemDevice) WriteAt(ctx context.Context, buf []byte, lba common.LBA) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.Failed {
		return fmt.Errorf("vdev: device failed")
	}
	z := m.zoneOf(lba)
	if m.states[z] != zoneOpen {
		return fmt.Errorf("vdev: write to non-open zone %d", z)
	}
	if lba != m.writePtr[z] {
		return fmt.Errorf("vdev: non-sequential write to zone %d: wanted lba %d got %d", z, m.writePtr[z], lba)
	}
	off := int64(lba) * common.BytesPerLBA
	copy(m.data[off:], buf)
	m.writePtr[z] += common.SizeToLBAs(len(buf))
	return nil
}

func (m *MemDevice) ReadAt(ctx context.Context, buf []byte, lba common.LBA) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.Failed {
		return fmt.Errorf("vdev: device failed")
	}
	off := int64(lba) * common.BytesPerLBA
	if off+int64(len(buf)) > int64(len(m.data)) {
		return fmt.Errorf("vdev: read out of range")
	}
	copy(buf, m.data[off:off+int64(len(buf))])
	return nil
}

func (m *MemDevice) Sync(ctx context.Context) error { return nil }
