package label

import (
	"errors"
	"sync"
)

// MemRawDevice is an in-memory RawDevice used by tests and by the
// single-process demo pool built by cmd/bfffsd, the same role
// vdev.MemDevice plays for the zoned data path.
type MemRawDevice struct {
	mtx  sync.Mutex
	data []byte
}

// NewMemRawDevice builds a MemRawDevice with size bytes of backing storage.
func NewMemRawDevice(size int64) *MemRawDevice {
	return &MemRawDevice{data: make([]byte, size)}
}

func (d *MemRawDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if off < 0 || off > int64(len(d.data)) {
		return 0, errRawDeviceRange
	}
	n := copy(p, d.data[off:])
	return n, nil
}

func (d *MemRawDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, errRawDeviceRange
	}
	n := copy(d.data[off:], p)
	return n, nil
}

var errRawDeviceRange = errors.New("label: raw device access out of range")
