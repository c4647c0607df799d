// Package raid implements the declustered RAID vdev: it stripes chunks
// across N devices with F parity columns, presenting a single sequential
// -write zoned address space to the cluster/allocator layer above it.
package raid

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/errs"
	"github.com/bfffs/bfffs/internal/blog"
	"github.com/bfffs/bfffs/vdev"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// reconCacheSize bounds the number of reconstructed degraded-mode stripes
// kept around to absorb repeated reads of the same stripe without redoing
// the erasure decode every time; it costs at most reconCacheSize *
// layout.Width() chunks of memory, which is small next to the decode work
// it saves.
const reconCacheSize = 64

// reconKey identifies one reconstructed stripe within one zone.
type reconKey struct {
	zone         common.ZoneT
	globalStripe uint64
}

// VdevRaid is the declustered RAID vdev described in the specification
// §4.1. It owns N child block devices (some of which may be absent, up to
// the redundancy level F, in degraded mode), a PRIME-S declustering
// layout, an erasure codec, and one stripe buffer per currently open zone.
type VdevRaid struct {
	log      *blog.Logger
	id       uuid.UUID
	children []vdev.BlockDevice // index i is nil if device i is missing
	childIDs []uuid.UUID
	layout   Layout
	codec    Codec
	degraded bool

	// zoneStart[z] and zoneStart[z+1] give the data-LBA range of zone z in
	// the RAID vdev's own logical address space, assuming uniform zone
	// sizing across every child device (documented design decision, see
	// DESIGN.md).
	zoneStart []common.LBA

	mtx     sync.Mutex
	buffers map[common.ZoneT]*stripeBuffer

	// reconCache holds recently-reconstructed degraded-mode stripes, keyed
	// by zone and global stripe index; see reconstructStripe.
	reconCache *lru.Cache[reconKey, [][]byte]
}

// Create builds a brand-new VdevRaid over children (every slot must be
// non-nil for Create; degraded arrays only arise from Open after a
// restart). It assigns a fresh UUID and computes the zone-data-LBA table
// from the first child's zone layout.
func Create(children []vdev.BlockDevice, k, f int, chunkSize uint64, stride int) (*VdevRaid, error) {
	n := len(children)
	layout, err := NewLayout(n, k, f, chunkSize, stride)
	if err != nil {
		return nil, err
	}
	codec, err := NewCodec(k, f)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, n)
	for i, c := range children {
		if c == nil {
			return nil, fmt.Errorf("raid: Create requires all %d children present", n)
		}
		ids[i] = c.UUID()
	}
	reconCache, err := lru.New[reconKey, [][]byte](reconCacheSize)
	if err != nil {
		return nil, fmt.Errorf("raid: recon cache: %w", err)
	}
	vr := &VdevRaid{
		log:        blog.New("module", "raid"),
		id:         uuid.New(),
		children:   children,
		childIDs:   ids,
		layout:     layout,
		codec:      codec,
		buffers:    make(map[common.ZoneT]*stripeBuffer),
		reconCache: reconCache,
	}
	vr.computeZoneTable()
	vr.log.Info("created raid vdev", "n", n, "k", k, "f", f, "zones", len(vr.zoneStart)-1)
	return vr, nil
}

func (vr *VdevRaid) computeZoneTable() {
	nzones := vr.children[firstPresent(vr.children)].Zones()
	vr.zoneStart = make([]common.LBA, nzones+1)
	var acc common.LBA
	for z := common.ZoneT(0); z < nzones; z++ {
		vr.zoneStart[z] = acc
		start, end := vr.children[firstPresent(vr.children)].ZoneLimits(z)
		chunksPerZone := uint64(end-start) / vr.layout.ChunkSize
		acc += common.LBA(chunksPerZone) * common.LBA(vr.layout.K) * common.LBA(vr.layout.ChunkSize)
	}
	vr.zoneStart[nzones] = acc
}

func firstPresent(children []vdev.BlockDevice) int {
	for i, c := range children {
		if c != nil {
			return i
		}
	}
	panic("raid: no children present")
}

// Open reconstructs a VdevRaid from persisted labels read off present
// children, tolerating up to F missing devices (flagged degraded) per the
// specification's label-open contract.
func Open(children []vdev.BlockDevice, readLabel func(vdev.BlockDevice) (Label, error)) (*VdevRaid, error) {
	var (
		lbl      Label
		gotLabel bool
		missing  int
	)
	for _, c := range children {
		if c == nil {
			missing++
			continue
		}
		l, err := readLabel(c)
		if err != nil {
			missing++
			continue
		}
		lbl = l
		gotLabel = true
	}
	if !gotLabel {
		return nil, fmt.Errorf("raid: no readable label among %d children", len(children))
	}
	if missing > lbl.Redundancy {
		return nil, fmt.Errorf("%w: %d missing, redundancy %d", errs.ErrDegraded, missing, lbl.Redundancy)
	}
	layout, err := NewLayout(len(lbl.Children), lbl.DisksPerStripe-lbl.Redundancy, lbl.Redundancy, lbl.ChunkSize, lbl.Stride)
	if err != nil {
		return nil, err
	}
	codec, err := NewCodec(layout.K, layout.F)
	if err != nil {
		return nil, err
	}
	reconCache, err := lru.New[reconKey, [][]byte](reconCacheSize)
	if err != nil {
		return nil, fmt.Errorf("raid: recon cache: %w", err)
	}
	vr := &VdevRaid{
		log:        blog.New("module", "raid"),
		id:         lbl.UUID,
		children:   children,
		childIDs:   lbl.Children,
		layout:     layout,
		codec:      codec,
		degraded:   missing > 0,
		buffers:    make(map[common.ZoneT]*stripeBuffer),
		reconCache: reconCache,
	}
	vr.computeZoneTable()
	if vr.degraded {
		vr.log.Warn("opened raid vdev degraded", "missing", missing)
	}
	return vr, nil
}

func (vr *VdevRaid) Label() Label {
	return Label{
		UUID:            vr.id,
		ChunkSize:       vr.layout.ChunkSize,
		DisksPerStripe:  vr.layout.Width(),
		Redundancy:      vr.layout.F,
		LayoutAlgorithm: vr.layout.Name(),
		Stride:          vr.layout.Stride,
		Children:        vr.childIDs,
	}
}

func (vr *VdevRaid) UUID() uuid.UUID     { return vr.id }
func (vr *VdevRaid) Degraded() bool      { return vr.degraded }
func (vr *VdevRaid) Zones() common.ZoneT { return common.ZoneT(len(vr.zoneStart) - 1) }
func (vr *VdevRaid) Size() common.LBA    { return vr.zoneStart[len(vr.zoneStart)-1] }

func (vr *VdevRaid) ZoneLimits(z common.ZoneT) (common.LBA, common.LBA) {
	return vr.zoneStart[z], vr.zoneStart[z+1]
}

// LBA2Zone resolves a RAID-vdev-logical data LBA to its owning zone.
func (vr *VdevRaid) LBA2Zone(lba common.LBA) (common.ZoneT, bool) {
	// zoneStart is sorted ascending; binary search for the containing zone.
	i := sort.Search(len(vr.zoneStart), func(i int) bool { return vr.zoneStart[i] > lba }) - 1
	if i < 0 || i >= len(vr.zoneStart)-1 {
		return 0, false
	}
	return common.ZoneT(i), true
}

func (vr *VdevRaid) stripeDataBytes() int {
	return vr.layout.K * int(vr.layout.ChunkSize) * common.BytesPerLBA
}

// OpenZone opens zone z on every present child and allocates its stripe
// buffer.
func (vr *VdevRaid) OpenZone(ctx context.Context, z common.ZoneT) error {
	vr.mtx.Lock()
	if _, exists := vr.buffers[z]; exists {
		vr.mtx.Unlock()
		return fmt.Errorf("raid: zone %d already open", z)
	}
	start, chunksPerZone := vr.zoneGeometry(z)
	sb := &stripeBuffer{
		zone:             z,
		dataStart:        start,
		writePtr:         start,
		globalStripeBase: vr.globalStripeBase(z),
	}
	vr.buffers[z] = sb
	vr.mtx.Unlock()
	_ = chunksPerZone

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range vr.children {
		if c == nil {
			continue
		}
		c := c
		g.Go(func() error { return c.OpenZone(gctx, z) })
	}
	return g.Wait()
}

func (vr *VdevRaid) zoneGeometry(z common.ZoneT) (start common.LBA, chunksPerZone uint64) {
	start = vr.zoneStart[z]
	zstart, zend := vr.children[firstPresent(vr.children)].ZoneLimits(z)
	chunksPerZone = uint64(zend-zstart) / vr.layout.ChunkSize
	return
}

func (vr *VdevRaid) globalStripeBase(z common.ZoneT) uint64 {
	var total uint64
	for i := common.ZoneT(0); i < z; i++ {
		_, cpz := vr.zoneGeometry(i)
		total += cpz
	}
	return total
}

// WriteAt validates that lba equals the zone's current append point,
// appends buf into the zone's stripe buffer, and flushes every stripe that
// buf completes.
func (vr *VdevRaid) WriteAt(ctx context.Context, buf []byte, zone common.ZoneT, lba common.LBA) error {
	vr.mtx.Lock()
	sb, ok := vr.buffers[zone]
	vr.mtx.Unlock()
	if !ok {
		return fmt.Errorf("raid: zone %d is not open", zone)
	}

	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	if lba != sb.writePtr {
		return fmt.Errorf("raid: non-sequential write to zone %d: wanted lba %d got %d", zone, sb.writePtr, lba)
	}
	sb.buf = append(sb.buf, buf...)
	sb.writePtr += common.SizeToLBAs(len(buf))

	stripeBytes := vr.stripeDataBytes()
	for len(sb.buf) >= stripeBytes {
		stripeData := make([]byte, stripeBytes)
		copy(stripeData, sb.buf[:stripeBytes])
		sb.buf = append([]byte(nil), sb.buf[stripeBytes:]...)
		if err := vr.flushStripe(ctx, sb, stripeData); err != nil {
			return err
		}
		sb.localStripe++
	}
	return nil
}

// flushStripe splits stripeData into K data shards, computes F parity
// shards, and writes all K+F chunks to their declustered disk locations.
func (vr *VdevRaid) flushStripe(ctx context.Context, sb *stripeBuffer, stripeData []byte) error {
	chunkBytes := int(vr.layout.ChunkSize) * common.BytesPerLBA
	width := vr.layout.Width()
	shards := make([][]byte, width)
	for c := 0; c < vr.layout.K; c++ {
		shards[c] = stripeData[c*chunkBytes : (c+1)*chunkBytes]
	}
	for c := vr.layout.K; c < width; c++ {
		shards[c] = make([]byte, chunkBytes)
	}
	if err := vr.codec.Encode(shards); err != nil {
		return fmt.Errorf("raid: encode parity: %w", err)
	}

	globalStripe := sb.globalStripeBase + sb.localStripe
	zstart, _ := vr.children[firstPresent(vr.children)].ZoneLimits(sb.zone)
	leafLBA := zstart + common.LBA(sb.localStripe)*common.LBA(vr.layout.ChunkSize)

	g, gctx := errgroup.WithContext(ctx)
	for col := 0; col < width; col++ {
		col := col
		disk := vr.layout.DiskForChunk(globalStripe, col)
		child := vr.children[disk]
		if child == nil {
			continue // degraded: parity lets us reconstruct this chunk on read
		}
		shard := shards[col]
		g.Go(func() error { return child.WriteAt(gctx, shard, leafLBA) })
	}
	return g.Wait()
}

// FinishZone zero-pads any partial stripe, flushes it, then finishes the
// zone on every present child and discards its stripe buffer.
func (vr *VdevRaid) FinishZone(ctx context.Context, z common.ZoneT) error {
	vr.mtx.Lock()
	sb, ok := vr.buffers[z]
	vr.mtx.Unlock()
	if !ok {
		return fmt.Errorf("raid: zone %d is not open", z)
	}

	if err := vr.padAndFlush(ctx, sb); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range vr.children {
		if c == nil {
			continue
		}
		c := c
		g.Go(func() error { return c.FinishZone(gctx, z) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	vr.mtx.Lock()
	delete(vr.buffers, z)
	vr.mtx.Unlock()
	return nil
}

// padAndFlush zero-pads and writes out a zone's current partial stripe, if
// any, advancing its local stripe counter. It does not close the zone;
// Sync uses it to force buffered data durable without ending the zone's
// writable lifetime, and FinishZone uses it as the last step before
// closing.
func (vr *VdevRaid) padAndFlush(ctx context.Context, sb *stripeBuffer) error {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	if len(sb.buf) == 0 {
		return nil
	}
	stripeBytes := vr.stripeDataBytes()
	padded := make([]byte, stripeBytes)
	copy(padded, sb.buf)
	if err := vr.flushStripe(ctx, sb, padded); err != nil {
		return err
	}
	sb.localStripe++
	sb.buf = nil
	return nil
}

// Sync force-flushes every open zone's partial stripe (so a crash after
// Sync returns cannot lose acknowledged writes) and fences the writes to
// stable storage on every present child.
func (vr *VdevRaid) Sync(ctx context.Context) error {
	vr.mtx.Lock()
	sbs := make([]*stripeBuffer, 0, len(vr.buffers))
	for _, sb := range vr.buffers {
		sbs = append(sbs, sb)
	}
	vr.mtx.Unlock()

	for _, sb := range sbs {
		if err := vr.padAndFlush(ctx, sb); err != nil {
			return err
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range vr.children {
		if c == nil {
			continue
		}
		c := c
		g.Go(func() error { return c.Sync(gctx) })
	}
	return g.Wait()
}

// EraseZone erases zone z on every present child. The caller (cluster) is
// responsible for ensuring the zone is closed and fully freed first.
func (vr *VdevRaid) EraseZone(ctx context.Context, z common.ZoneT) error {
	vr.mtx.Lock()
	_, open := vr.buffers[z]
	vr.mtx.Unlock()
	if open {
		return fmt.Errorf("raid: can't erase open zone %d", z)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range vr.children {
		if c == nil {
			continue
		}
		c := c
		g.Go(func() error { return c.EraseZone(gctx, z) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, k := range vr.reconCache.Keys() {
		if k.zone == z {
			vr.reconCache.Remove(k)
		}
	}
	return nil
}

// ReadAt resolves lba to (zone, stripe, column, offset) and reads the
// requested bytes, serving from an open zone's stripe buffer when the read
// overlaps not-yet-flushed data, and reconstructing via the erasure codec
// when an underlying read fails.
func (vr *VdevRaid) ReadAt(ctx context.Context, buf []byte, lba common.LBA) error {
	zone, ok := vr.LBA2Zone(lba)
	if !ok {
		return fmt.Errorf("raid: lba %d out of range", lba)
	}
	dataOffset := lba - vr.zoneStart[zone]
	stripeDataLBAs := common.LBA(vr.layout.K) * common.LBA(vr.layout.ChunkSize)
	chunkLBAs := common.LBA(vr.layout.ChunkSize)

	vr.mtx.Lock()
	sb := vr.buffers[zone]
	vr.mtx.Unlock()

	pos := dataOffset
	remaining := buf
	for len(remaining) > 0 {
		localStripe := uint64(pos / stripeDataLBAs)
		offInStripe := pos % stripeDataLBAs
		col := int(offInStripe / chunkLBAs)
		offInChunk := offInStripe % chunkLBAs
		chunkBytesLeft := int(chunkLBAs-offInChunk) * common.BytesPerLBA
		n := len(remaining)
		if chunkBytesLeft < n {
			n = chunkBytesLeft
		}
		dst := remaining[:n]

		if sb != nil {
			sb.mtx.Lock()
			unflushed := localStripe >= sb.localStripe
			var bufCopy []byte
			if unflushed {
				byteOff := (col*int(vr.layout.ChunkSize) + int(offInChunk)) * common.BytesPerLBA
				if byteOff+n > len(sb.buf) {
					sb.mtx.Unlock()
					return fmt.Errorf("raid: read past zone %d write pointer", zone)
				}
				bufCopy = make([]byte, n)
				copy(bufCopy, sb.buf[byteOff:byteOff+n])
			}
			sb.mtx.Unlock()
			if unflushed {
				copy(dst, bufCopy)
				pos += common.LBA(n / common.BytesPerLBA)
				remaining = remaining[n:]
				continue
			}
		}

		globalStripe := vr.globalStripeBase(zone) + localStripe
		if err := vr.readChunkSegment(ctx, zone, globalStripe, localStripe, col, offInChunk, dst); err != nil {
			return err
		}
		pos += common.LBA(n / common.BytesPerLBA)
		remaining = remaining[n:]
	}
	return nil
}

// readChunkSegment reads a byte range within one chunk of one stripe,
// reconstructing via the erasure codec if the primary disk's read fails.
func (vr *VdevRaid) readChunkSegment(ctx context.Context, zone common.ZoneT, globalStripe, localStripe uint64, col int, offInChunk common.LBA, dst []byte) error {
	disk := vr.layout.DiskForChunk(globalStripe, col)
	child := vr.children[disk]
	chunkBytes := int(vr.layout.ChunkSize) * common.BytesPerLBA
	byteOff := int(offInChunk) * common.BytesPerLBA

	if child != nil {
		full := make([]byte, chunkBytes)
		zstart, _ := child.ZoneLimits(zone)
		leafLBA := zstart + common.LBA(localStripe)*vr.layout.ChunkSizeLBA()
		if err := child.ReadAt(ctx, full, leafLBA); err == nil {
			copy(dst, full[byteOff:byteOff+len(dst)])
			return nil
		}
	}

	// Primary read failed or the disk is absent: reconstruct the whole
	// stripe from its remaining peers.
	recovered, err := vr.reconstructStripe(ctx, zone, globalStripe, localStripe)
	if err != nil {
		return err
	}
	copy(dst, recovered[col][byteOff:byteOff+len(dst)])
	return nil
}

func (vr *VdevRaid) reconstructStripe(ctx context.Context, zone common.ZoneT, globalStripe, localStripe uint64) ([][]byte, error) {
	key := reconKey{zone: zone, globalStripe: globalStripe}
	if cached, ok := vr.reconCache.Get(key); ok {
		return cached, nil
	}
	shards, err := vr.reconstructStripeUncached(ctx, zone, globalStripe, localStripe)
	if err != nil {
		return nil, err
	}
	vr.reconCache.Add(key, shards)
	return shards, nil
}

func (vr *VdevRaid) reconstructStripeUncached(ctx context.Context, zone common.ZoneT, globalStripe, localStripe uint64) ([][]byte, error) {
	width := vr.layout.Width()
	chunkBytes := int(vr.layout.ChunkSize) * common.BytesPerLBA
	shards := make([][]byte, width)
	missing := 0
	for c := 0; c < width; c++ {
		disk := vr.layout.DiskForChunk(globalStripe, c)
		child := vr.children[disk]
		if child == nil {
			missing++
			continue
		}
		full := make([]byte, chunkBytes)
		zstart, _ := child.ZoneLimits(zone)
		leafLBA := zstart + common.LBA(localStripe)*vr.layout.ChunkSizeLBA()
		if err := child.ReadAt(ctx, full, leafLBA); err != nil {
			missing++
			continue
		}
		shards[c] = full
	}
	if missing > vr.layout.F {
		return nil, fmt.Errorf("%w: %d of %d chunks missing in stripe %d", errs.ErrDataUnrecoverable, missing, width, globalStripe)
	}
	if missing == 0 {
		return shards, nil
	}
	if err := vr.codec.Decode(shards); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDataUnrecoverable, err)
	}
	return shards, nil
}

// ChunkSizeLBA exposes the layout's chunk size as an LBA count.
func (l Layout) ChunkSizeLBA() common.LBA { return common.LBA(l.ChunkSize) }
