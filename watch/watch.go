// Package watch turns Observer callbacks into Event values delivered on channels,
// for callers that want to react to store changes (e.g. re-render a view).
//
//	hub := watch.NewHub()
//	events, cancel := hub.Subscribe(16)
//	defer cancel()
//	orgs, _ := recordcache.New(recordcache.Options[Org, int]{..., Observer: hub})
//	for ev := range events { ... }
//
// Sends never block the store: a subscriber whose buffer is full misses the event
// and its drop counter is incremented.
package watch

import (
	"sync"

	"github.com/unkn0wn-root/recordcache"
)

type Kind uint8

const (
	KindCacheHit Kind = iota + 1
	KindEntriesReplaced
	KindEntryUpserted
	KindProgress
	KindBackendFailed
)

func (k Kind) String() string {
	switch k {
	case KindCacheHit:
		return "cache_hit"
	case KindEntriesReplaced:
		return "entries_replaced"
	case KindEntryUpserted:
		return "entry_upserted"
	case KindProgress:
		return "progress"
	case KindBackendFailed:
		return "backend_failed"
	default:
		return "unknown"
	}
}

// Event is one Observer callback. Fields not meaningful for Kind are zero.
type Event struct {
	Kind      Kind
	Namespace string
	Op        string
	Key       string
	Count     int  // EntriesReplaced
	Inserted  bool // EntryUpserted
	Active    bool // Progress
	Err       error
}

type subscriber struct {
	ch      chan Event
	dropped uint64
}

// Hub is a recordcache.Observer that fans events out to subscribers.
// The zero value is not usable; construct with NewHub.
type Hub struct {
	mu     sync.Mutex
	next   uint64
	subs   map[uint64]*subscriber
	gone   uint64 // drops of cancelled subscribers
	filter func(Event) bool
}

var _ recordcache.Observer = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// NewFilteredHub only publishes events for which keep returns true.
func NewFilteredHub(keep func(Event) bool) *Hub {
	h := NewHub()
	h.filter = keep
	return h
}

// Subscribe registers a channel with the given buffer. cancel unregisters and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buf int) (<-chan Event, func()) {
	if buf < 0 {
		buf = 0
	}
	sub := &subscriber{ch: make(chan Event, buf)}

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.gone += sub.dropped
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the total number of events missed by subscribers,
// cancelled ones included.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.gone
	for _, s := range h.subs {
		n += s.dropped
	}
	return n
}

// publish holds the lock while sending so cancel cannot close a channel mid-send.
func (h *Hub) publish(ev Event) {
	if h.filter != nil && !h.filter(ev) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped++
		}
	}
}

func (h *Hub) CacheHit(ns, op, key string) {
	h.publish(Event{Kind: KindCacheHit, Namespace: ns, Op: op, Key: key})
}

func (h *Hub) EntriesReplaced(ns string, count int) {
	h.publish(Event{Kind: KindEntriesReplaced, Namespace: ns, Op: recordcache.OpFetchAll, Count: count})
}

func (h *Hub) EntryUpserted(ns, key string, inserted bool) {
	h.publish(Event{Kind: KindEntryUpserted, Namespace: ns, Key: key, Inserted: inserted})
}

func (h *Hub) Progress(ns, op, key string, active bool) {
	h.publish(Event{Kind: KindProgress, Namespace: ns, Op: op, Key: key, Active: active})
}

func (h *Hub) BackendFailed(ns, op, key string, err error) {
	h.publish(Event{Kind: KindBackendFailed, Namespace: ns, Op: op, Key: key, Err: err})
}
