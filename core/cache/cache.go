package cache

import "time"

// Entry is a cached value at the version it was read or written at.
type Entry struct {
	Value   any
	Version uint64
}

type PutOptions struct {
	TTL time.Duration
}

type PutOption func(*PutOptions)

func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) {
		o.TTL = ttl
	}
}

// Cache holds versioned values. Put never replaces an entry with an older
// version, so a slow reader cannot roll back what a writer cached.
type Cache interface {
	Get(key string) (Entry, bool)
	Put(key string, e Entry, opts ...PutOption)
	Delete(key string)
	Len() int
}

// Get returns the value of key as T. A value of another type is a miss.
func Get[T any](c Cache, key string) (out T, version uint64, ok bool) {
	e, ok := c.Get(key)
	if !ok {
		return out, 0, false
	}
	if out, ok = e.Value.(T); !ok {
		return out, 0, false
	}
	return out, e.Version, true
}
