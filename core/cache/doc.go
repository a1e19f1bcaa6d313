// Package cache keeps recently used aggregate states in memory.
//
// Entries carry the version they were folded to. [Cache.Put] ignores an
// entry older than the one already held, which keeps concurrent loads and
// saves of the same aggregate from rolling the cache back:
//
//	c := cache.NewLRU(cache.LRUOpts{Size: 1000})
//	defer c.Close()
//
//	c.Put("order-1", cache.Entry{Value: state, Version: 7})
//	c.Put("order-1", cache.Entry{Value: stale, Version: 5}) // ignored
//	state, version, ok := cache.Get[Order](c, "order-1")
//
// [LRU] is safe for concurrent use. Entries put with [WithTTL] are evicted
// lazily on access.
package cache
