// Package cache implements the process-wide LRU used by the DDML and
// IDML, keyed by either a physical block address or a record id
// (specification §4.4). It is backed by
// github.com/VictoriaMetrics/fastcache, the same bounded, GC-friendly
// cache the teacher's triedb/pathdb/disklayer.go uses for its clean-node
// cache. All mutating methods take the cache's own mutex; callers must
// never hold that lock across an I/O call (see the concurrency notes in
// SPEC_FULL.md §5).
package cache

import (
	"encoding/binary"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/bfffs/bfffs/common"
)

// KeyKind distinguishes a DDML-level physical address key from an
// IDML-level record-id key; both share one cache instance and one byte
// budget, per the specification's Key = PBA(pba) | Rid(rid).
type KeyKind uint8

const (
	KindPBA KeyKind = iota
	KindRID
)

// Key identifies one cached blob.
type Key struct {
	Kind KeyKind
	PBA  common.PBA
	RID  common.RID
}

func PBAKey(pba common.PBA) Key { return Key{Kind: KindPBA, PBA: pba} }
func RIDKey(rid common.RID) Key { return Key{Kind: KindRID, RID: rid} }

func (k Key) encode() []byte {
	buf := make([]byte, 18)
	buf[0] = byte(k.Kind)
	switch k.Kind {
	case KindPBA:
		buf[1] = byte(k.PBA.Cluster)
		binary.LittleEndian.PutUint64(buf[2:10], uint64(k.PBA.LBA))
	case KindRID:
		binary.LittleEndian.PutUint64(buf[2:10], uint64(k.RID))
	}
	return buf
}

// Cache is the process-wide LRU-ish cache, a fixed byte budget shared by
// every PBA- and RID-keyed entry.
type Cache struct {
	mtx sync.Mutex
	fc  *fastcache.Cache
}

// New allocates a cache with the given byte budget.
func New(maxBytes int) *Cache {
	return &Cache{fc: fastcache.New(maxBytes)}
}

// Get returns a copy of the cached blob for key, if present.
func (c *Cache) Get(key Key) ([]byte, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	v, found := c.fc.HasGet(nil, key.encode())
	if !found {
		return nil, false
	}
	return v, true
}

// Insert stores buf under key, evicting older entries as needed to stay
// within budget (fastcache's own internal policy).
func (c *Cache) Insert(key Key, buf []byte) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.fc.Set(key.encode(), buf)
}

// Remove evicts key and returns the blob that was cached, if any. Note
// this is a Get followed by a Del under one lock acquisition: fastcache's
// Del itself does not return the removed value, so ownership transfer is
// modeled as "read it, then evict it" rather than a true atomic pop — the
// net effect observed by callers (pop_direct, IDML.pop) is identical
// because nothing else can race a key's single logical owner out from
// under it between the two calls while the cache lock is held.
func (c *Cache) Remove(key Key) ([]byte, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	v, found := c.fc.HasGet(nil, key.encode())
	if found {
		c.fc.Del(key.encode())
	}
	return v, found
}

// Contains reports whether key is cached without copying its value.
func (c *Cache) Contains(key Key) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.fc.Has(key.encode())
}
