// Package async runs a recordcache.Observer on background workers so slow
// observers never delay store operations.
//
// usage:
//
//	raw := slogobs.New(slog.Default(), slogobs.Options{HitEvery: 100})
//	obs := async.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer obs.Close()
//
//	orgs, _ := recordcache.New(recordcache.Options[Org, int]{
//	    Backend:  backend,
//	    UID:      func(o Org) int { return o.ID },
//	    Observer: obs,
//	})
//
// Events are dropped when the queue is full. With more than one worker,
// delivery order is not preserved.
package async

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/recordcache"
)

type Observer struct {
	inner   recordcache.Observer
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	dropped atomic.Uint64
}

var _ recordcache.Observer = (*Observer)(nil)

func New(inner recordcache.Observer, workers, qlen int) *Observer {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	o := &Observer{inner: inner, q: make(chan func(), qlen)}
	o.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer o.wg.Done()
			for f := range o.q {
				f()
			}
		}()
	}
	return o
}

// Close drains queued events and stops the workers. Later events are dropped.
func (o *Observer) Close() {
	o.once.Do(func() {
		o.mu.Lock()
		o.closed = true
		close(o.q)
		o.mu.Unlock()
		o.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the queue was full or closed.
func (o *Observer) Dropped() uint64 { return o.dropped.Load() }

func (o *Observer) try(f func()) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.dropped.Add(1)
		return
	}
	select {
	case o.q <- f:
	default: // drop
		o.dropped.Add(1)
	}
}

func (o *Observer) CacheHit(ns, op, key string) {
	o.try(func() { o.inner.CacheHit(ns, op, key) })
}

func (o *Observer) EntriesReplaced(ns string, count int) {
	o.try(func() { o.inner.EntriesReplaced(ns, count) })
}

func (o *Observer) EntryUpserted(ns, key string, inserted bool) {
	o.try(func() { o.inner.EntryUpserted(ns, key, inserted) })
}

func (o *Observer) Progress(ns, op, key string, active bool) {
	o.try(func() { o.inner.Progress(ns, op, key, active) })
}

func (o *Observer) BackendFailed(ns, op, key string, err error) {
	o.try(func() { o.inner.BackendFailed(ns, op, key, err) })
}
