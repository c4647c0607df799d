// Package cluster implements the free-space map and Cluster abstraction
// that sits directly on top of one RAID vdev, tracking per-zone
// allocation state and picking zones to satisfy writes (specification
// §4.2).
package cluster

import (
	"github.com/bfffs/bfffs/common"
)

// zone is the minimal in-core bookkeeping for one zone: how many total
// blocks it has and how many have been freed. Any zone whose index is past
// the end of the freeSpaceMap.zones slice, or present in emptyZones, is
// implicitly empty.
type zone struct {
	totalBlocks common.LBA
	freedBlocks common.LBA
}

// openZone tracks a zone's append point while it is writable.
type openZone struct {
	start        common.LBA
	writePointer common.LBA
}

// freeSpaceMap is the in-core representation of a cluster's free space,
// mirroring the original FreeSpaceMap: zones past the end of the slice are
// implicitly empty, zones in emptyZones below that length are also empty,
// zones in openZones are open, and everything else is closed.
type freeSpaceMap struct {
	zones      []zone
	emptyZones map[common.ZoneT]struct{}
	openZones  map[common.ZoneT]*openZone
	totalZones common.ZoneT
}

func newFreeSpaceMap(totalZones common.ZoneT) *freeSpaceMap {
	return &freeSpaceMap{
		emptyZones: make(map[common.ZoneT]struct{}),
		openZones:  make(map[common.ZoneT]*openZone),
		totalZones: totalZones,
	}
}

func (m *freeSpaceMap) isEmpty(id common.ZoneT) bool {
	if id >= common.ZoneT(len(m.zones)) {
		return true
	}
	_, ok := m.emptyZones[id]
	return ok
}

// findEmpty returns the smallest explicitly-empty zone id below
// len(zones), or the next id past len(zones) if that is still below
// totalZones, or false if the cluster is entirely full.
func (m *freeSpaceMap) findEmpty() (common.ZoneT, bool) {
	best := common.ZoneT(0)
	found := false
	for id := range m.emptyZones {
		if !found || id < best {
			best, found = id, true
		}
	}
	if found {
		return best, true
	}
	if common.ZoneT(len(m.zones)) < m.totalZones {
		return common.ZoneT(len(m.zones)), true
	}
	return 0, false
}

// openZoneMap opens zone id, covering [start, end), optionally allocating
// lbas of space immediately. It mirrors FreeSpaceMap::open_zone.
func (m *freeSpaceMap) openZoneMap(id common.ZoneT, start, end common.LBA, lbas common.LBA) (common.LBA, bool) {
	if !m.isEmpty(id) {
		panic("cluster: can only open empty zones")
	}
	idx := int(id)
	if idx >= len(m.zones) {
		for z := len(m.zones); z < idx; z++ {
			m.emptyZones[common.ZoneT(z)] = struct{}{}
		}
		grown := make([]zone, idx+1)
		copy(grown, m.zones)
		m.zones = grown
	}
	space := end - start
	m.zones[idx] = zone{totalBlocks: space}

	wp := start
	allocated := false
	if lbas > 0 && lbas <= space {
		wp = start + lbas
		allocated = true
	}
	delete(m.emptyZones, id)
	if _, exists := m.openZones[id]; exists {
		panic("cluster: can only open empty zones")
	}
	m.openZones[id] = &openZone{start: start, writePointer: wp}
	if allocated {
		return start, true
	}
	return 0, false
}

// tryAllocate iterates open zones in ascending zone id looking for one with
// enough free contiguous tail space.
func (m *freeSpaceMap) tryAllocate(lbas common.LBA) (common.ZoneT, common.LBA, bool) {
	ids := make([]common.ZoneT, 0, len(m.openZones))
	for id := range m.openZones {
		ids = append(ids, id)
	}
	sortZones(ids)
	for _, id := range ids {
		oz := m.openZones[id]
		z := m.zones[id]
		avail := z.totalBlocks - (oz.writePointer - oz.start)
		if avail >= lbas {
			lba := oz.writePointer
			oz.writePointer += lbas
			return id, lba, true
		}
	}
	return 0, 0, false
}

func sortZones(ids []common.ZoneT) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

func (m *freeSpaceMap) finishZone(id common.ZoneT) {
	oz, ok := m.openZones[id]
	if !ok {
		panic("cluster: can't finish a zone that isn't open")
	}
	// The unwritten tail of a finished zone can never be written, so it
	// counts as freed.
	z := &m.zones[id]
	z.freedBlocks += z.totalBlocks - (oz.writePointer - oz.start)
	delete(m.openZones, id)
}

func (m *freeSpaceMap) free(id common.ZoneT, length common.LBA) {
	if m.isEmpty(id) {
		panic("cluster: can't free from an empty zone")
	}
	z := &m.zones[id]
	z.freedBlocks += length
	if z.freedBlocks > z.totalBlocks {
		panic("cluster: double free detected")
	}
	if oz, ok := m.openZones[id]; ok {
		if oz.writePointer-oz.start < z.freedBlocks {
			panic("cluster: double free detected in an open zone")
		}
	}
}

// eraseZone returns zone id to Empty, truncating any trailing run of empty
// zones to bound memory, mirroring FreeSpaceMap::erase_zone.
func (m *freeSpaceMap) eraseZone(id common.ZoneT) {
	if _, open := m.openZones[id]; open {
		panic("cluster: can't erase an open zone")
	}
	idx := int(id)
	if idx >= len(m.zones) {
		panic("cluster: can't erase an empty zone")
	}
	m.emptyZones[id] = struct{}{}
	if idx == len(m.zones)-1 {
		firstEmpty := 0
		for i := len(m.zones) - 1; i >= 0; i-- {
			if m.isEmpty(common.ZoneT(i)) {
				continue
			}
			firstEmpty = i + 1
			break
		}
		m.zones = m.zones[:firstEmpty]
		for z := range m.emptyZones {
			if int(z) >= firstEmpty {
				delete(m.emptyZones, z)
			}
		}
	}
}

// freedRatio reports a zone's freed/total ratio, used by the cleaning
// policy to decide which closed zone to reclaim next.
func (m *freeSpaceMap) freedRatio(id common.ZoneT) float64 {
	z := m.zones[id]
	if z.totalBlocks == 0 {
		return 0
	}
	return float64(z.freedBlocks) / float64(z.totalBlocks)
}

func (m *freeSpaceMap) isClosed(id common.ZoneT) bool {
	if m.isEmpty(id) {
		return false
	}
	_, open := m.openZones[id]
	return !open
}
