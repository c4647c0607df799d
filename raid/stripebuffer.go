package raid

import (
	"sync"

	"github.com/bfffs/bfffs/common"
)

// stripeBuffer accumulates partial stripe contents for one open zone,
// because underlying devices require sequential whole-stripe writes. Only
// one stripe is ever partially buffered at a time; every full stripe that
// accumulates is flushed to the children immediately.
type stripeBuffer struct {
	mtx sync.Mutex

	zone common.ZoneT

	// dataStart is the first data LBA (in the RAID vdev's own logical
	// address space) belonging to this zone.
	dataStart common.LBA

	// writePtr is the next data LBA this zone expects to receive, i.e.
	// the append point write_at validates against.
	writePtr common.LBA

	// globalStripeBase is the absolute stripe index of this zone's first
	// stripe, used to seed the declustering layout function.
	globalStripeBase uint64

	// localStripe counts how many whole stripes have been flushed to the
	// children so far; it also selects the slot (LBA offset) within each
	// child's own zone for the next stripe.
	localStripe uint64

	// buf holds the bytes of the current, not yet flushed stripe.
	buf []byte
}
