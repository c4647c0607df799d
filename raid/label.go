package raid

import "github.com/google/uuid"

// Label is the persisted identity of a RAID vdev, serialized into every
// child device's label region per the specification's external-interfaces
// layout: uuid, chunksize, disks_per_stripe, redundancy, layout_algorithm,
// and the child manifest.
type Label struct {
	UUID            uuid.UUID   `cbor:"uuid"`
	ChunkSize       uint64      `cbor:"chunksize"`
	DisksPerStripe  int         `cbor:"disks_per_stripe"`
	Redundancy      int         `cbor:"redundancy"`
	LayoutAlgorithm string      `cbor:"layout_algorithm"`
	Stride          int         `cbor:"stride"`
	Children        []uuid.UUID `cbor:"children"`
}
