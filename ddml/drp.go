package ddml

import "github.com/bfffs/bfffs/common"

// DRP is a Direct Record Pointer: a persistable pointer to exactly one
// record on disk, invalidated only when its zone is erased or the record
// is rewritten (specification §3).
type DRP struct {
	PBA         common.PBA  `cbor:"pba"`
	Compression Compression `cbor:"compression"`
	LSize       uint32      `cbor:"lsize"`
	CSize       uint32      `cbor:"csize"`
	Checksum    uint64      `cbor:"checksum"`
}

// Asize returns the storage space actually allocated for this record, in
// whole LBAs.
func (d DRP) Asize() common.LBA {
	return common.SizeToLBAs(int(d.CSize))
}

// AsUncompressed returns a DRP that reads the same on-disk bytes without
// decompressing them: its compression is None and its logical size equals
// its compressed size.
func (d DRP) AsUncompressed() DRP {
	d.Compression = CompressionNone
	d.LSize = d.CSize
	return d
}
