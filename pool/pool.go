// Package pool aggregates one or more clusters, choosing a cluster for
// each write and composing label I/O across all of them (specification
// §4.3). The exact cluster-selection policy is explicitly left
// unspecified by the source; this implementation uses plain round-robin,
// recorded as an open question decision in DESIGN.md.
package pool

import (
	"context"
	"fmt"

	"github.com/bfffs/bfffs/cluster"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/errs"
	"github.com/bfffs/bfffs/internal/blog"
	"github.com/google/uuid"
)

// Pool owns a set of clusters and hands out PBAs that are unique across
// the whole pool by embedding the originating cluster's id.
type Pool struct {
	log      *blog.Logger
	id       uuid.UUID
	name     string
	clusters []*cluster.Cluster
	rrCursor int
}

// New constructs a Pool over already-created clusters.
func New(name string, clusters []*cluster.Cluster) *Pool {
	return &Pool{
		log:      blog.New("module", "pool"),
		id:       uuid.New(),
		name:     name,
		clusters: clusters,
	}
}

func (p *Pool) UUID() uuid.UUID { return p.id }
func (p *Pool) Name() string    { return p.name }

// Write picks a cluster able to satisfy the write and delegates, returning
// a pool-unique PBA. It starts from the cluster after the last one used
// and walks forward, so that over many writes load spreads round-robin
// while still trying every cluster before giving up with ErrNoSpace.
func (p *Pool) Write(ctx context.Context, buf []byte, txg common.TxgT) (common.PBA, error) {
	if len(p.clusters) == 0 {
		return common.PBA{}, errs.ErrNoSpace
	}
	var lastErr error
	for i := 0; i < len(p.clusters); i++ {
		idx := (p.rrCursor + i) % len(p.clusters)
		lba, err := p.clusters[idx].Write(ctx, buf, txg)
		if err == nil {
			p.rrCursor = (idx + 1) % len(p.clusters)
			return common.NewPBA(common.ClusterID(idx), lba), nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errs.ErrNoSpace
	}
	return common.PBA{}, lastErr
}

func (p *Pool) Read(ctx context.Context, buf []byte, pba common.PBA) error {
	if int(pba.Cluster) >= len(p.clusters) {
		return fmt.Errorf("pool: unknown cluster %d", pba.Cluster)
	}
	return p.clusters[pba.Cluster].Read(ctx, buf, pba.LBA)
}

func (p *Pool) Free(pba common.PBA, length common.LBA) {
	p.clusters[pba.Cluster].Free(pba.LBA, length)
}

func (p *Pool) EraseZone(ctx context.Context, cid common.ClusterID, zone common.ZoneT) error {
	return p.clusters[cid].EraseZone(ctx, zone)
}

func (p *Pool) FinishZone(ctx context.Context, cid common.ClusterID, zone common.ZoneT) error {
	return p.clusters[cid].FinishZone(ctx, zone)
}

// SyncAll flushes every cluster's stripe buffers on all open zones and
// then fsyncs the underlying devices, per specification §4.3.
func (p *Pool) SyncAll(ctx context.Context) error {
	for _, c := range p.clusters {
		if err := c.Sync(ctx); err != nil {
			return fmt.Errorf("pool: sync cluster %s: %w", c.UUID(), err)
		}
	}
	return nil
}

// ListClosedZones surfaces every closed zone across every cluster,
// qualified with its owning cluster id so the DDML can form a PBA range.
type ClosedZone struct {
	Cluster common.ClusterID
	cluster.ClosedZoneInfo
}

func (p *Pool) ListClosedZones() []ClosedZone {
	var out []ClosedZone
	for i, c := range p.clusters {
		for _, z := range c.ListClosedZones() {
			out = append(out, ClosedZone{Cluster: common.ClusterID(i), ClosedZoneInfo: z})
		}
	}
	return out
}

// Label is the persisted pool identity: this pool's uuid, its name, and
// the uuids of its child clusters, per the specification's label layout.
type Label struct {
	UUID     uuid.UUID   `cbor:"uuid"`
	Name     string      `cbor:"name"`
	Children []uuid.UUID `cbor:"children"`
}

func (p *Pool) Label() Label {
	ids := make([]uuid.UUID, len(p.clusters))
	for i, c := range p.clusters {
		ids[i] = c.UUID()
	}
	return Label{UUID: p.id, Name: p.name, Children: ids}
}
