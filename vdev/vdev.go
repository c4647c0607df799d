// Package vdev declares the abstract per-device interface the RAID layer
// consumes. The real asynchronous block driver (VdevLeaf/VdevBlock) is
// explicitly out of scope per the specification's §1; this package only
// states the interface and provides a MemDevice implementation used for
// tests and for the in-memory demo pool built by cmd/bfffsctl.
package vdev

import (
	"context"

	"github.com/bfffs/bfffs/common"
	"github.com/google/uuid"
)

// BlockDevice is the zone-aware, LBA-addressed interface the RAID layer
// requires from each leaf device. Writes within an open zone must be
// observed by the device in strictly ascending LBA order; the RAID layer
// is the only caller and it upholds that ordering, so implementations
// need not reorder or queue out of order.
type BlockDevice interface {
	UUID() uuid.UUID

	// ReadAt reads len(buf)/BytesPerLBA whole blocks starting at lba.
	ReadAt(ctx context.Context, buf []byte, lba common.LBA) error

	// WriteAt writes len(buf)/BytesPerLBA whole blocks starting at lba.
	// The caller guarantees lba falls within an open zone at its current
	// write pointer.
	WriteAt(ctx context.Context, buf []byte, lba common.LBA) error

	OpenZone(ctx context.Context, z common.ZoneT) error
	FinishZone(ctx context.Context, z common.ZoneT) error
	EraseZone(ctx context.Context, z common.ZoneT) error

	// ZoneLimits returns [firstLBA, endLBA) for zone z.
	ZoneLimits(z common.ZoneT) (common.LBA, common.LBA)

	Size() common.LBA
	Zones() common.ZoneT

	// Sync fences previously acknowledged writes to stable storage.
	Sync(ctx context.Context) error
}
