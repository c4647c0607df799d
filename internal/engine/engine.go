// Package engine assembles the storage stack's layers — vdevs, RAID,
// clusters, pool, cache, DDML, IDML, dataset forest, and the txg manager
// that ties them together — into one handle cmd/bfffsd and cmd/bfffsctl
// both drive. Neither binary talks to the layers directly; this is the
// one place that knows how they nest.
package engine

import (
	"context"
	"fmt"

	"github.com/bfffs/bfffs/cache"
	"github.com/bfffs/bfffs/cluster"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/dataset"
	"github.com/bfffs/bfffs/ddml"
	"github.com/bfffs/bfffs/idml"
	"github.com/bfffs/bfffs/internal/blog"
	"github.com/bfffs/bfffs/label"
	"github.com/bfffs/bfffs/pool"
	"github.com/bfffs/bfffs/raid"
	"github.com/bfffs/bfffs/tree"
	"github.com/bfffs/bfffs/txg"
	"github.com/bfffs/bfffs/vdev"
)

// Config describes the in-memory demo pool Build constructs: one or more
// RAID vdevs (clusters), each over Disks MemDevice children with K data
// and F parity chunks.
type Config struct {
	Name        string
	NumClusters int
	Disks       int
	ParityDisks int
	ChunkSize   uint64
	Stride      int
	Zones       common.ZoneT
	LBAsPerZone common.LBA
	CacheBytes  int
}

// DefaultConfig returns a small but non-trivial demo topology: one
// three-disk, single-parity cluster.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		NumClusters: 1,
		Disks:       3,
		ParityDisks: 1,
		ChunkSize:   16,
		Stride:      1,
		Zones:       8,
		LBAsPerZone: 1024,
		CacheBytes:  16 << 20,
	}
}

// Label is the top-level persisted identity for a whole pool, gathering
// the pool's own label, the IDML's RIDT/AllocT root handles, and the
// dataset forest's root handle under one CBOR envelope, per the
// specification's external-interfaces layout for the leaf label region.
// Cluster free-space-map labels (cluster.Label) and RAID vdev
// stripe-geometry labels (raid.VdevRaid.Label) are not part of this label,
// and no layer writes them to the devices.
type Label struct {
	Pool   pool.Label                  `cbor:"pool"`
	IDML   idml.Label                  `cbor:"idml"`
	Forest tree.TreeOnDisk[common.RID] `cbor:"forest"`
	Txg    common.TxgT                 `cbor:"txg"`
}

// Engine is one running storage stack.
type Engine struct {
	log     *blog.Logger
	cfg     Config
	cache   *cache.Cache
	pool    *pool.Pool
	ddml    *ddml.DDML
	idml    *idml.IDML
	dataset *dataset.Store
	txg     *txg.Manager
	labels  *label.Store
}

// Build constructs a brand-new demo pool in memory: cfg.NumClusters RAID
// vdevs, each striped across cfg.Disks MemDevices, feeding one pool, one
// DDML, one IDML, and one dataset forest, all registered with a fresh
// txg.Manager starting at transaction group 0.
func Build(cfg Config) (*Engine, error) {
	log := blog.New("module", "engine")
	var clusters []*cluster.Cluster
	for i := 0; i < cfg.NumClusters; i++ {
		children := make([]vdev.BlockDevice, cfg.Disks)
		for d := 0; d < cfg.Disks; d++ {
			children[d] = vdev.NewMemDevice(cfg.Zones, cfg.LBAsPerZone)
		}
		k := cfg.Disks - cfg.ParityDisks
		vr, err := raid.Create(children, k, cfg.ParityDisks, cfg.ChunkSize, cfg.Stride)
		if err != nil {
			return nil, fmt.Errorf("engine: build raid vdev %d: %w", i, err)
		}
		clusters = append(clusters, cluster.New(vr))
	}

	p := pool.New(cfg.Name, clusters)
	c := cache.New(cfg.CacheBytes)
	d := ddml.New(p, c)
	im := idml.Create(d, c)
	ds := dataset.Create(im)

	rawLabelDev := label.NewMemRawDevice(2 * label.SlotSize)
	store := label.NewStore(rawLabelDev, 0)
	tm := txg.NewManager(im, store, 0)
	tm.Register(ds)

	log.Info("built demo pool", "name", cfg.Name, "clusters", cfg.NumClusters, "disks", cfg.Disks)
	return &Engine{
		log:     log,
		cfg:     cfg,
		cache:   c,
		pool:    p,
		ddml:    d,
		idml:    im,
		dataset: ds,
		txg:     tm,
		labels:  store,
	}, nil
}

// Pool returns the underlying pool, for commands that need to list closed
// zones or report on cluster state directly.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// IDML returns the underlying IDML, for Put/Get/Delete/Check/clean
// commands.
func (e *Engine) IDML() *idml.IDML { return e.idml }

// Dataset returns the dataset forest, for object put/get commands.
func (e *Engine) Dataset() *dataset.Store { return e.dataset }

// Txg returns the transaction group manager, for sync and status commands.
func (e *Engine) Txg() *txg.Manager { return e.txg }

// Sync runs one full transaction group: flush every registered syncable,
// the IDML's own tables, and write the top-level label.
func (e *Engine) Sync(ctx context.Context) error {
	return e.txg.Sync(ctx, func(txg common.TxgT) (any, error) {
		idmlLabel, err := e.idml.Label()
		if err != nil {
			return nil, fmt.Errorf("engine: sync: idml label: %w", err)
		}
		forestLabel, err := e.dataset.ForestLabel()
		if err != nil {
			return nil, fmt.Errorf("engine: sync: forest label: %w", err)
		}
		return Label{
			Pool:   e.pool.Label(),
			IDML:   idmlLabel,
			Forest: forestLabel,
			Txg:    txg,
		}, nil
	})
}

// Check cross-validates the IDML's RIDT/AllocT bijection invariant.
func (e *Engine) Check(ctx context.Context) error {
	return e.idml.Check(ctx)
}

// Scrub re-reads and checksum-verifies every record in the pool.
func (e *Engine) Scrub(ctx context.Context) error {
	return e.idml.VerifyAll(ctx)
}
