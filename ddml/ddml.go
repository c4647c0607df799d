// Package ddml implements the Direct Data Management Layer: cached,
// checksummed, compressed, content-addressed record I/O keyed by physical
// block address (specification §4.4).
package ddml

import (
	"context"
	"fmt"
	"sort"

	"github.com/bfffs/bfffs/cache"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/errs"
	"github.com/bfffs/bfffs/internal/blog"
	"github.com/bfffs/bfffs/pool"
	"github.com/cespare/xxhash/v2"
)

// cleaningThreshold is the freed/total ratio at or above which a closed zone is
// surfaced as a cleaning candidate by ListClosedZones. The specification
// leaves this threshold unspecified (§9 Open Questions); 0.5 is this
// implementation's resolution, logged here rather than silently assumed.
const cleaningThreshold = 0.5

// Pool is the subset of pool.Pool the DDML depends on.
type Pool interface {
	Write(ctx context.Context, buf []byte, txg common.TxgT) (common.PBA, error)
	Read(ctx context.Context, buf []byte, pba common.PBA) error
	Free(pba common.PBA, length common.LBA)
	SyncAll(ctx context.Context) error
	ListClosedZones() []pool.ClosedZone
}

// ClosedZone describes a zone eligible for cleaning, expressed as a PBA
// range plus the txg range the tree engine's clean_zone needs to prune
// interior-edge descents.
type ClosedZone struct {
	Cluster     common.ClusterID
	Zone        common.ZoneT
	PBAStart    common.PBA
	TotalBlocks common.LBA
	FreedRatio  float64
	TxgStart    common.TxgT
	TxgEnd      common.TxgT
}

// DDML is the Direct Data Management Layer for a single pool.
type DDML struct {
	log   *blog.Logger
	cache *cache.Cache
	pool  Pool
}

// New constructs a DDML over pool p, sharing the given process-wide cache.
func New(p Pool, c *cache.Cache) *DDML {
	return &DDML{log: blog.New("module", "ddml"), cache: c, pool: p}
}

// PutDirect compresses value per mode, computes its checksum, asks the
// pool for an LBA, and inserts the logical value into the cache keyed by
// the resulting PBA.
func (d *DDML) PutDirect(ctx context.Context, value []byte, mode Compression, txg common.TxgT) (DRP, error) {
	csBytes, err := compress(mode, value)
	if err != nil {
		return DRP{}, err
	}
	checksum := xxhash.Sum64(csBytes)

	padded := make([]byte, common.SizeToLBAs(len(csBytes))*common.BytesPerLBA)
	copy(padded, csBytes)

	pba, err := d.pool.Write(ctx, padded, txg)
	if err != nil {
		return DRP{}, err
	}
	drp := DRP{
		PBA:         pba,
		Compression: mode,
		LSize:       uint32(len(value)),
		CSize:       uint32(len(csBytes)),
		Checksum:    checksum,
	}
	d.cache.Insert(cache.PBAKey(pba), value)
	return drp, nil
}

// readRaw fetches a record's logical bytes, from the cache if resident,
// else from the pool with checksum verification and decompression. It does
// not mutate the cache; callers decide whether to insert.
func (d *DDML) readRaw(ctx context.Context, drp *DRP) ([]byte, error) {
	if v, ok := d.cache.Get(cache.PBAKey(drp.PBA)); ok {
		return v, nil
	}
	buf := make([]byte, drp.Asize()*common.BytesPerLBA)
	if err := d.pool.Read(ctx, buf, drp.PBA); err != nil {
		return nil, err
	}
	csBytes := buf[:drp.CSize]
	if xxhash.Sum64(csBytes) != drp.Checksum {
		return nil, fmt.Errorf("%w: pba %s", errs.ErrChecksumFailure, drp.PBA)
	}
	return decompress(drp.Compression, csBytes, int(drp.LSize))
}

// GetDirect reads a record, populating the cache on a miss.
func (d *DDML) GetDirect(ctx context.Context, drp *DRP) ([]byte, error) {
	if v, ok := d.cache.Get(cache.PBAKey(drp.PBA)); ok {
		return v, nil
	}
	v, err := d.readRaw(ctx, drp)
	if err != nil {
		return nil, err
	}
	d.cache.Insert(cache.PBAKey(drp.PBA), v)
	return v, nil
}

// PopDirect reads a record and frees its pool storage, for records known
// not to be referenced again.
func (d *DDML) PopDirect(ctx context.Context, drp *DRP) ([]byte, error) {
	if v, ok := d.cache.Remove(cache.PBAKey(drp.PBA)); ok {
		d.pool.Free(drp.PBA, drp.Asize())
		return v, nil
	}
	v, err := d.readRaw(ctx, drp)
	if err != nil {
		return nil, err
	}
	d.pool.Free(drp.PBA, drp.Asize())
	return v, nil
}

// DeleteDirect removes a record from the cache and frees its storage. The
// underlying space is not returned to the allocator until the owning
// zone is erased.
func (d *DDML) DeleteDirect(drp *DRP, txg common.TxgT) {
	d.cache.Remove(cache.PBAKey(drp.PBA))
	d.pool.Free(drp.PBA, drp.Asize())
}

// Evict drops a record's cache entry, if present, without affecting
// on-disk data.
func (d *DDML) Evict(drp *DRP) {
	d.cache.Remove(cache.PBAKey(drp.PBA))
}

// SyncAll fences every cluster's buffered writes to stable storage.
func (d *DDML) SyncAll(ctx context.Context) error {
	return d.pool.SyncAll(ctx)
}

// ListClosedZones surfaces closed zones whose freed/total ratio crosses
// cleaningThreshold, ordered most-freed-first so the cleaner works the
// most valuable zones first.
func (d *DDML) ListClosedZones() []ClosedZone {
	var out []ClosedZone
	for _, z := range d.pool.ListClosedZones() {
		if z.FreedRatio() < cleaningThreshold {
			continue
		}
		out = append(out, ClosedZone{
			Cluster:     z.Cluster,
			Zone:        z.Zone,
			PBAStart:    common.NewPBA(z.Cluster, z.PBAStart),
			TotalBlocks: z.TotalBlocks,
			FreedRatio:  z.FreedRatio(),
			TxgStart:    z.TxgStart,
			TxgEnd:      z.TxgEnd,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FreedRatio > out[j].FreedRatio })
	return out
}
