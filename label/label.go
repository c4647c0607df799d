// Package label implements the on-disk label envelope shared by every layer
// that persists identity at a fixed device offset: the magic string,
// whole-label checksum, and CBOR-encoded body, plus the two-slot
// alternating scheme used by the transaction/label writeout protocol
// (§4.7 / §6 of the specification).
package label

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/errs"
	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

// Magic is the fixed 16-byte magic string every leaf device label begins
// with, matching the layout given in the specification's external
// interfaces section.
var Magic = [16]byte{'B', 'F', 'F', 'F', 'S', ' ', 'V', 'd', 'e', 'v', 0, 0, 0, 0, 0, 0}

// Size of one label slot in bytes. Generous enough to hold the CBOR bodies
// of the leaf, raid, cluster, pool, and IDML labels concatenated.
const SlotSize = 64 * 1024

// NumSlots is the number of alternating label slots per device. Open always
// selects whichever slot carries the higher valid txg, so a crash between
// writing one slot and fencing it never loses the other.
const NumSlots = 2

// SlotOffset returns the byte offset of label slot i (0 or 1) given a
// device's reserved label region starts at baseOffset.
func SlotOffset(baseOffset int64, i int) int64 {
	return baseOffset + int64(i)*SlotSize
}

// Envelope is the decoded form of one label slot: a transaction group and
// the raw CBOR body bytes for that txg's label contents.
type Envelope struct {
	Txg  common.TxgT
	Body []byte
}

// Encode serializes body (any CBOR-marshalable struct) into a full label
// slot: magic, checksum, txg, then the CBOR bytes.
func Encode(txg common.TxgT, body any) ([]byte, error) {
	payload, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("label: encode body: %w", err)
	}
	buf := new(bytes.Buffer)
	buf.Write(Magic[:])
	// Reserve 8 bytes for the checksum; fill in after the rest is known.
	buf.Write(make([]byte, 8))
	if err := binary.Write(buf, binary.LittleEndian, uint32(txg)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(payload))); err != nil {
		return nil, err
	}
	buf.Write(payload)
	out := buf.Bytes()
	if len(out) > SlotSize {
		return nil, fmt.Errorf("label: body too large for slot (%d > %d)", len(out), SlotSize)
	}
	padded := make([]byte, SlotSize)
	copy(padded, out)
	// Checksum covers everything after the magic+checksum header.
	sum := xxhash.Sum64(padded[24:])
	binary.LittleEndian.PutUint64(padded[16:24], sum)
	return padded, nil
}

// Decode parses a full label slot, verifying magic and checksum. It
// returns errs.ErrBadLabel if either check fails, which callers treat as
// "this slot is not valid" rather than a fatal error — the other slot may
// still be good.
func Decode(slot []byte) (Envelope, error) {
	if len(slot) < 24 || !bytes.Equal(slot[:16], Magic[:]) {
		return Envelope{}, errs.ErrBadLabel
	}
	wantSum := binary.LittleEndian.Uint64(slot[16:24])
	gotSum := xxhash.Sum64(slot[24:])
	if wantSum != gotSum {
		return Envelope{}, fmt.Errorf("%w: checksum mismatch", errs.ErrBadLabel)
	}
	txg := common.TxgT(binary.LittleEndian.Uint32(slot[24:28]))
	plen := binary.LittleEndian.Uint32(slot[28:32])
	if int(32+plen) > len(slot) {
		return Envelope{}, fmt.Errorf("%w: truncated body", errs.ErrBadLabel)
	}
	body := make([]byte, plen)
	copy(body, slot[32:32+plen])
	return Envelope{Txg: txg, Body: body}, nil
}

// Unmarshal decodes the CBOR body of an envelope into out.
func Unmarshal(e Envelope, out any) error {
	return cbor.Unmarshal(e.Body, out)
}
