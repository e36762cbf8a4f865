package dbus

import (
	"sync"
	"sync/atomic"
)

// cache is a concurrency-safe memo of computed values. It stops
// accepting new entries once it holds maxCacheEntries, since keys
// can come from untrusted peers.
type cache[K comparable, V any] struct {
	m    sync.Map
	size atomic.Int64
}

const maxCacheEntries = 4096

func (c *cache[K, V]) Get(k K) (val V, found bool) {
	ent, ok := c.m.Load(k)
	if !ok {
		var zero V
		return zero, false
	}
	return ent.(V), true
}

func (c *cache[K, V]) Put(k K, val V) {
	if c.size.Load() >= maxCacheEntries {
		return
	}
	if _, loaded := c.m.LoadOrStore(k, val); !loaded {
		c.size.Add(1)
	}
}
