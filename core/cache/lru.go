package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	Size int
}

type entry struct {
	key       string
	val       Entry
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type getReq struct {
	key  string
	resp chan getResp
}

type getResp struct {
	val Entry
	ok  bool
}

type putReq struct {
	key       string
	val       Entry
	expiresAt time.Time
}

// LRU is a size bounded cache. All state is owned by a single goroutine;
// callers talk to it over channels. After Close every Get misses and
// Put/Delete are dropped.
type LRU struct {
	getCh     chan getReq
	putCh     chan putReq
	delCh     chan string
	lenCh     chan chan int
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (L *LRU) closed() bool {
	select {
	case <-L.closeCh:
		return true
	default:
		return false
	}
}

func (L *LRU) Get(key string) (Entry, bool) {
	if L.closed() {
		return Entry{}, false
	}
	resp := make(chan getResp, 1)
	select {
	case L.getCh <- getReq{key: key, resp: resp}:
	case <-L.closeCh:
		return Entry{}, false
	}
	r := <-resp
	return r.val, r.ok
}

func (L *LRU) Put(key string, val Entry, opts ...PutOption) {
	if L.closed() {
		return
	}
	o := PutOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	req := putReq{key: key, val: val}
	if o.TTL > 0 {
		req.expiresAt = time.Now().Add(o.TTL)
	}
	select {
	case L.putCh <- req:
	case <-L.closeCh:
	}
}

func (L *LRU) Delete(key string) {
	if L.closed() {
		return
	}
	select {
	case L.delCh <- key:
	case <-L.closeCh:
	}
}

func (L *LRU) Len() int {
	if L.closed() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case L.lenCh <- resp:
	case <-L.closeCh:
		return 0
	}
	return <-resp
}

// Close stops the owning goroutine. It is safe to call more than once.
func (L *LRU) Close() {
	L.closeOnce.Do(func() { close(L.closeCh) })
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}

	l := &LRU{
		getCh:   make(chan getReq),
		putCh:   make(chan putReq),
		delCh:   make(chan string),
		lenCh:   make(chan chan int),
		closeCh: make(chan struct{}),
	}

	go l.run(opts.Size)

	return l
}

func (L *LRU) run(size int) {
	ll := list.New()
	cache := make(map[string]*list.Element)

	remove := func(ele *list.Element) {
		ll.Remove(ele)
		delete(cache, ele.Value.(*entry).key)
	}

	for {
		select {
		case <-L.closeCh:
			return

		case req := <-L.getCh:
			ele, ok := cache[req.key]
			if ok && ele.Value.(*entry).expired(time.Now()) {
				remove(ele)
				ok = false
			}
			if ok {
				ll.MoveToFront(ele)
				req.resp <- getResp{val: ele.Value.(*entry).val, ok: true}
			} else {
				req.resp <- getResp{ok: false}
			}

		case req := <-L.putCh:
			if ele, ok := cache[req.key]; ok {
				e := ele.Value.(*entry)
				if req.val.Version < e.val.Version && !e.expired(time.Now()) {
					continue
				}
				ll.MoveToFront(ele)
				e.val = req.val
				e.expiresAt = req.expiresAt
				continue
			}
			cache[req.key] = ll.PushFront(&entry{key: req.key, val: req.val, expiresAt: req.expiresAt})
			if ll.Len() > size {
				if last := ll.Back(); last != nil {
					remove(last)
				}
			}

		case key := <-L.delCh:
			if ele, ok := cache[key]; ok {
				remove(ele)
			}

		case resp := <-L.lenCh:
			resp <- ll.Len()
		}
	}
}

var _ Cache = (*LRU)(nil)
