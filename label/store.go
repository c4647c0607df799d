package label

import (
	"fmt"
	"io"

	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/errs"
)

// RawDevice is the narrow random-access capability a Store needs: direct
// byte-offset I/O into a device's reserved label region, which sits
// outside the zoned, sequential-write data area every vdev otherwise
// enforces (specification §6). A real leaf device keeps this region at a
// fixed offset near the start (or start+end) of the drive; MemDevice's
// label region, for tests, is just a plain byte slice behind the same
// interface.
type RawDevice interface {
	io.ReaderAt
	io.WriterAt
}

// Store manages one device's two alternating label slots: Write always
// targets whichever slot does not hold the highest valid txg currently on
// disk, so a crash mid-write can never destroy both copies at once.
type Store struct {
	dev        RawDevice
	baseOffset int64
}

// NewStore creates a label Store whose two slots begin at baseOffset.
func NewStore(dev RawDevice, baseOffset int64) *Store {
	return &Store{dev: dev, baseOffset: baseOffset}
}

// Write serializes body under txg and writes it to the stale slot.
func (s *Store) Write(txg common.TxgT, body any) error {
	buf, err := Encode(txg, body)
	if err != nil {
		return err
	}
	slot := s.staleSlot()
	if _, err := s.dev.WriteAt(buf, SlotOffset(s.baseOffset, slot)); err != nil {
		return fmt.Errorf("label: write slot %d: %w", slot, err)
	}
	return nil
}

// Read returns the envelope from whichever valid slot carries the highest
// txg, or errs.ErrBadLabel if neither slot is valid.
func (s *Store) Read() (Envelope, error) {
	var best Envelope
	found := false
	for i := 0; i < NumSlots; i++ {
		e, err := s.readSlot(i)
		if err != nil {
			continue
		}
		if !found || e.Txg > best.Txg {
			best, found = e, true
		}
	}
	if !found {
		return Envelope{}, fmt.Errorf("label: no valid slot found: %w", errs.ErrBadLabel)
	}
	return best, nil
}

func (s *Store) readSlot(i int) (Envelope, error) {
	buf := make([]byte, SlotSize)
	if _, err := s.dev.ReadAt(buf, SlotOffset(s.baseOffset, i)); err != nil && err != io.EOF {
		return Envelope{}, err
	}
	return Decode(buf)
}

// staleSlot returns the slot index to overwrite next: the one with the
// lower txg, or slot 0 if neither is currently valid.
func (s *Store) staleSlot() int {
	envs := make([]*Envelope, NumSlots)
	for i := 0; i < NumSlots; i++ {
		if e, err := s.readSlot(i); err == nil {
			envs[i] = &e
		}
	}
	switch {
	case envs[0] == nil:
		return 0
	case envs[1] == nil:
		return 1
	case envs[0].Txg <= envs[1].Txg:
		return 0
	default:
		return 1
	}
}
