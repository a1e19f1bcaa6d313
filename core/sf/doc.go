// Package sf is a typed wrapper around golang.org/x/sync/singleflight.
//
// The relay uses it so that concurrent reconciles of one aggregate share a
// single read and publish:
//
//	inflight := sf.New[int]()
//	n, shared, err := inflight.Do(aggID, func() (int, error) {
//	    return reconcile(ctx, aggID)
//	})
package sf
