package verifyedge

import (
	"github.com/dgraph-io/ristretto"
)

// ramCache is the in-memory tier in front of the on-disk generation. A nil
// *ramCache is a valid, always-missing cache (storage.ram.max unset).
type ramCache struct {
	c *ristretto.Cache
}

func newRAMCache(maxBytes int64) (*ramCache, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	// Counters at roughly 10x the expected item count; assume ~4KiB per asset.
	counters := maxBytes / 4096 * 10
	if counters < 1000 {
		counters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &ramCache{c: c}, nil
}

func ramKey(gen, key string) string { return gen + "\x00" + key }

func (r *ramCache) Get(gen, key string) (CacheEntry, bool) {
	if r == nil {
		return CacheEntry{}, false
	}
	v, ok := r.c.Get(ramKey(gen, key))
	if !ok {
		return CacheEntry{}, false
	}
	ent, ok := v.(CacheEntry)
	if !ok {
		r.c.Del(ramKey(gen, key))
		return CacheEntry{}, false
	}
	return ent, true
}

func (r *ramCache) Put(gen, key string, ent CacheEntry) {
	if r == nil {
		return
	}
	cost := int64(len(ent.Body)) + headerSize(ent)
	r.c.Set(ramKey(gen, key), ent, cost)
}

func (r *ramCache) Delete(gen, key string) {
	if r == nil {
		return
	}
	r.c.Del(ramKey(gen, key))
}

// Clear drops every generation. Used when a new generation is activated.
func (r *ramCache) Clear() {
	if r == nil {
		return
	}
	r.c.Clear()
}

// Wait blocks until buffered writes are applied.
func (r *ramCache) Wait() {
	if r == nil {
		return
	}
	r.c.Wait()
}

// CostAdded reports the bytes currently accounted to the RAM tier, or 0 when
// metrics are unavailable.
func (r *ramCache) CostAdded() uint64 {
	if r == nil || r.c.Metrics == nil {
		return 0
	}
	m := r.c.Metrics
	added, evicted := m.CostAdded(), m.CostEvicted()
	if evicted > added {
		return 0
	}
	return added - evicted
}

func (r *ramCache) Close() {
	if r == nil {
		return
	}
	r.c.Close()
}

func headerSize(ent CacheEntry) int64 {
	var n int64
	for k, vs := range ent.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}
