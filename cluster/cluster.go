package cluster

import (
	"context"
	"fmt"

	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/errs"
	"github.com/bfffs/bfffs/internal/blog"
	"github.com/google/uuid"
)

// RaidVdev is the subset of raid.VdevRaid the Cluster layer needs. Keeping
// it as a narrow local interface (rather than importing *raid.VdevRaid
// directly) lets tests substitute a scripted fake, the same role mockers
// played for VdevRaidTrait in the original source.
type RaidVdev interface {
	UUID() uuid.UUID
	Zones() common.ZoneT
	ZoneLimits(z common.ZoneT) (common.LBA, common.LBA)
	LBA2Zone(lba common.LBA) (common.ZoneT, bool)
	Size() common.LBA
	OpenZone(ctx context.Context, z common.ZoneT) error
	FinishZone(ctx context.Context, z common.ZoneT) error
	EraseZone(ctx context.Context, z common.ZoneT) error
	WriteAt(ctx context.Context, buf []byte, zone common.ZoneT, lba common.LBA) error
	ReadAt(ctx context.Context, buf []byte, lba common.LBA) error
	Sync(ctx context.Context) error
}

// ClosedZoneInfo surfaces a closed zone's freed/total ratio so a cleaning
// policy above the cluster can pick a target, and carries the txg range
// IDML's tree clean_zone needs to prune interior-edge descents.
type ClosedZoneInfo struct {
	Zone        common.ZoneT
	PBAStart    common.LBA
	TotalBlocks common.LBA
	FreedBlocks common.LBA
	TxgStart    common.TxgT
	TxgEnd      common.TxgT
}

func (c ClosedZoneInfo) FreedRatio() float64 {
	if c.TotalBlocks == 0 {
		return 0
	}
	return float64(c.FreedBlocks) / float64(c.TotalBlocks)
}

type txgRange struct {
	start, end common.TxgT
	set        bool
}

// Cluster wraps one RAID vdev and its free-space map; it is ArkFS/BFFFS's
// analog of ZFS's top-level vdev, the highest layer with its own LBA
// space (specification §4.2).
type Cluster struct {
	log  *blog.Logger
	fsm  *freeSpaceMap
	vdev RaidVdev
	id   ClusterIdentity

	zoneTxgs map[common.ZoneT]*txgRange
}

// ClusterIdentity is the persisted identity recorded in the cluster label.
type ClusterIdentity struct {
	UUID uuid.UUID
}

// New constructs a Cluster atop an already-created RAID vdev.
func New(vdev RaidVdev) *Cluster {
	return &Cluster{
		log:      blog.New("module", "cluster"),
		fsm:      newFreeSpaceMap(vdev.Zones()),
		vdev:     vdev,
		id:       ClusterIdentity{UUID: uuid.New()},
		zoneTxgs: make(map[common.ZoneT]*txgRange),
	}
}

// Write allocates space for buf (rounding its size up to whole LBAs),
// preferring the lowest-numbered open zone with room, then an empty zone,
// and fails with ErrNoSpace if neither exists. txg is recorded against the
// destination zone for the cluster label's per-zone txg range.
func (c *Cluster) Write(ctx context.Context, buf []byte, txg common.TxgT) (common.LBA, error) {
	space := common.SizeToLBAs(len(buf))

	zoneID, lba, ok := c.fsm.tryAllocate(space)
	if !ok {
		empty, hasEmpty := c.fsm.findEmpty()
		if !hasEmpty {
			return 0, errs.ErrNoSpace
		}
		start, end := c.vdev.ZoneLimits(empty)
		if err := c.vdev.OpenZone(ctx, empty); err != nil {
			return 0, fmt.Errorf("cluster: open zone %d: %w", empty, err)
		}
		allocatedLBA, allocated := c.fsm.openZoneMap(empty, start, end, space)
		if !allocated {
			return 0, errs.ErrNoSpace
		}
		zoneID, lba = empty, allocatedLBA
	}

	if err := c.vdev.WriteAt(ctx, buf, zoneID, lba); err != nil {
		return 0, err
	}
	c.recordTxg(zoneID, txg)
	return lba, nil
}

func (c *Cluster) recordTxg(zone common.ZoneT, txg common.TxgT) {
	r, ok := c.zoneTxgs[zone]
	if !ok {
		c.zoneTxgs[zone] = &txgRange{start: txg, end: txg + 1, set: true}
		return
	}
	if !r.set || txg < r.start {
		r.start = txg
	}
	if txg+1 > r.end {
		r.end = txg + 1
	}
	r.set = true
}

// Read reads from an absolute cluster LBA.
func (c *Cluster) Read(ctx context.Context, buf []byte, lba common.LBA) error {
	return c.vdev.ReadAt(ctx, buf, lba)
}

// Free marks length LBAs starting at lba as no longer referenced. lba..
// lba+length must lie entirely within one zone; crossing a zone boundary
// is a programming error in the caller (DDML/IDML never free across zones
// because every DRP's asize never crosses a zone).
func (c *Cluster) Free(lba common.LBA, length common.LBA) {
	startZone, ok := c.vdev.LBA2Zone(lba)
	if !ok {
		panic("cluster: can't free from inter-zone padding")
	}
	if length > 0 {
		endZone, ok := c.vdev.LBA2Zone(lba + length - 1)
		if !ok || endZone != startZone {
			panic("cluster: can't free across multiple zones")
		}
	}
	c.fsm.free(startZone, length)
}

// FinishZone closes a zone to further writes, flushing any partial stripe.
func (c *Cluster) FinishZone(ctx context.Context, zone common.ZoneT) error {
	if err := c.vdev.FinishZone(ctx, zone); err != nil {
		return err
	}
	c.fsm.finishZone(zone)
	return nil
}

// EraseZone is permitted only once a zone is closed or fully freed; it
// returns the zone to Empty and erases its underlying storage.
func (c *Cluster) EraseZone(ctx context.Context, zone common.ZoneT) error {
	if err := c.vdev.EraseZone(ctx, zone); err != nil {
		return err
	}
	c.fsm.eraseZone(zone)
	delete(c.zoneTxgs, zone)
	return nil
}

// ListClosedZones reports every closed zone along with its freed ratio and
// txg range, for the DDML's cleaning-candidate policy.
func (c *Cluster) ListClosedZones() []ClosedZoneInfo {
	var out []ClosedZoneInfo
	for id := common.ZoneT(0); id < common.ZoneT(len(c.fsm.zones)); id++ {
		if !c.fsm.isClosed(id) {
			continue
		}
		start, _ := c.vdev.ZoneLimits(id)
		r := c.zoneTxgs[id]
		info := ClosedZoneInfo{
			Zone:        id,
			PBAStart:    start,
			TotalBlocks: c.fsm.zones[id].totalBlocks,
			FreedBlocks: c.fsm.zones[id].freedBlocks,
		}
		if r != nil {
			info.TxgStart, info.TxgEnd = r.start, r.end
		}
		out = append(out, info)
	}
	return out
}

// Sync forces every open zone's stripe buffer durable and fences the
// underlying devices, per the sync_all protocol step that flushes clusters
// before the label is written.
func (c *Cluster) Sync(ctx context.Context) error {
	return c.vdev.Sync(ctx)
}

func (c *Cluster) UUID() uuid.UUID     { return c.id.UUID }
func (c *Cluster) Zones() common.ZoneT { return c.vdev.Zones() }
func (c *Cluster) Size() common.LBA    { return c.vdev.Size() }

// Label is the per-zone free-space state in the specification's
// external-interfaces layout: "allocated_blocks[], freed_blocks[], txgs[]
// (per-zone)". It is not embedded in pool.Label or in the engine's
// top-level label.
type Label struct {
	UUID            uuid.UUID     `cbor:"uuid"`
	AllocatedBlocks []common.LBA  `cbor:"allocated_blocks"`
	FreedBlocks     []common.LBA  `cbor:"freed_blocks"`
	TxgStarts       []common.TxgT `cbor:"txg_starts"`
	TxgEnds         []common.TxgT `cbor:"txg_ends"`
}

func (c *Cluster) Label() Label {
	n := len(c.fsm.zones)
	l := Label{
		UUID:            c.id.UUID,
		AllocatedBlocks: make([]common.LBA, n),
		FreedBlocks:     make([]common.LBA, n),
		TxgStarts:       make([]common.TxgT, n),
		TxgEnds:         make([]common.TxgT, n),
	}
	for i := 0; i < n; i++ {
		z := c.fsm.zones[i]
		l.AllocatedBlocks[i] = z.totalBlocks
		l.FreedBlocks[i] = z.freedBlocks
		if r, ok := c.zoneTxgs[common.ZoneT(i)]; ok && r.set {
			l.TxgStarts[i], l.TxgEnds[i] = r.start, r.end
		}
	}
	return l
}
