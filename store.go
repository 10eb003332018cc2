package recordcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultNamespace = "records"
	flightAll        = "all"
	flightOnePrefix  = "one:"
)

type store[T any, ID Identifier] struct {
	ns      string
	backend Backend[T, ID]
	uid     func(T) ID
	log     Logger
	obs     Observer
	now     func() time.Time
	clone   func(T) T

	allTTL time.Duration
	oneTTL time.Duration

	// nil unless Options.SingleFlight
	flight *singleflight.Group

	mu        sync.RWMutex
	entries   []Entry[T]
	index     map[ID]int // uid -> position in entries
	fetchedAt time.Time  // zero => collection never fetched (or invalidated)

	// in-flight FetchAll calls; the flag is "fetching" while > 0
	fetching atomic.Int32
}

var _ Store[struct{}, string] = (*store[struct{}, string])(nil)

func newStore[T any, ID Identifier](opts Options[T, ID]) (*store[T, ID], error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("recordcache: backend is required")
	}
	if opts.UID == nil {
		return nil, fmt.Errorf("recordcache: uid func is required")
	}
	if opts.AllItemsTTL < 0 || opts.SingleItemTTL < 0 {
		return nil, fmt.Errorf("recordcache: negative ttl (all=%s single=%s)", opts.AllItemsTTL, opts.SingleItemTTL)
	}

	s := &store[T, ID]{
		ns:      coalesce(opts.Namespace, defaultNamespace),
		backend: opts.Backend,
		uid:     opts.UID,
		allTTL:  opts.AllItemsTTL,
		oneTTL:  opts.SingleItemTTL,
		index:   make(map[ID]int),
	}

	// defaults
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.obs = NopObserver{}
	if opts.Observer != nil {
		s.obs = opts.Observer
	}
	s.now = time.Now
	if opts.Clock != nil {
		s.now = opts.Clock
	}
	s.clone = func(v T) T { return v }
	if opts.Clone != nil {
		s.clone = opts.Clone
	}
	if opts.SingleFlight {
		s.flight = new(singleflight.Group)
	}
	return s, nil
}

func (s *store[T, ID]) Namespace() string { return s.ns }

func (s *store[T, ID]) FetchAll(ctx context.Context) ([]T, error) {
	s.beginFetchAll()
	defer s.endFetchAll()

	if items, ok := s.freshCollection(); ok {
		s.log.Debug("fetch_all served from cache", Fields{"ns": s.ns, "count": len(items)})
		s.obs.CacheHit(s.ns, OpFetchAll, "")
		return items, nil
	}

	if s.flight == nil {
		return s.fetchAll(ctx)
	}
	v, err, shared := s.flight.Do(flightAll, func() (any, error) {
		return s.fetchAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	items := v.([]T)
	if shared {
		items = s.cloneItems(items)
	}
	return items, nil
}

// fetchAll calls the Backend and replaces the entry sequence wholesale.
func (s *store[T, ID]) fetchAll(ctx context.Context) ([]T, error) {
	recs, err := guard(func() ([]T, error) { return s.backend.FetchAll(ctx) })
	if err != nil {
		return nil, s.fail(OpFetchAll, "", err)
	}

	now := s.now()
	entries := make([]Entry[T], 0, len(recs))
	index := make(map[ID]int, len(recs))
	for _, r := range recs {
		id := s.uid(r)
		if i, dup := index[id]; dup {
			// at most one entry per uid; the later record wins
			s.log.Warn("fetch_all returned duplicate uid", Fields{"ns": s.ns, "key": Key(id)})
			entries[i].Item = r
			continue
		}
		index[id] = len(entries)
		entries = append(entries, Entry[T]{Item: r, LastFetched: now})
	}

	s.mu.Lock()
	s.entries = entries
	s.index = index
	s.fetchedAt = now
	s.mu.Unlock()

	s.log.Debug("fetch_all replaced entries", Fields{"ns": s.ns, "count": len(entries)})
	s.obs.EntriesReplaced(s.ns, len(entries))

	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = s.clone(e.Item)
	}
	return out, nil
}

func (s *store[T, ID]) FetchOne(ctx context.Context, id ID) (T, error) {
	key := Key(id)
	if v, ok := s.freshEntry(id); ok {
		s.log.Debug("fetch_one served from cache", Fields{"ns": s.ns, "key": key})
		s.obs.CacheHit(s.ns, OpFetchOne, key)
		return s.clone(v), nil
	}

	var zero T
	if s.flight == nil {
		rec, err := s.fetchOne(ctx, id, key)
		if err != nil {
			return zero, err
		}
		return s.clone(rec), nil
	}
	v, err, _ := s.flight.Do(flightOnePrefix+key, func() (any, error) {
		return s.fetchOne(ctx, id, key)
	})
	if err != nil {
		return zero, err
	}
	return s.clone(v.(T)), nil
}

func (s *store[T, ID]) fetchOne(ctx context.Context, id ID, key string) (T, error) {
	var found bool
	rec, err := guard(func() (T, error) {
		r, ok, err := s.backend.FetchOne(ctx, id)
		found = ok
		return r, err
	})
	if err == nil && !found {
		err = ErrNotFound
	}
	if err != nil {
		var zero T
		return zero, s.fail(OpFetchOne, key, err)
	}
	s.upsert(rec)
	return rec, nil
}

func (s *store[T, ID]) Update(ctx context.Context, id ID, patch T) (T, error) {
	key := Key(id)
	rec, err := guard(func() (T, error) { return s.backend.Update(ctx, id, patch) })
	if err != nil {
		var zero T
		return zero, s.fail(OpUpdate, key, err)
	}
	// the returned record decides which entry is replaced
	if got := s.uid(rec); got != id {
		s.log.Warn("update returned a different uid", Fields{"ns": s.ns, "key": key, "returned": Key(got)})
	}
	s.upsert(rec)
	return s.clone(rec), nil
}

func (s *store[T, ID]) Create(ctx context.Context, rec T) (T, error) {
	created, err := guard(func() (T, error) { return s.backend.Create(ctx, rec) })
	if err != nil {
		var zero T
		return zero, s.fail(OpCreate, "", err)
	}
	s.upsert(created)
	return s.clone(created), nil
}

func (s *store[T, ID]) Invalidate(id ID) {
	s.mu.Lock()
	if i, ok := s.index[id]; ok {
		s.entries[i].LastFetched = time.Time{}
	}
	s.mu.Unlock()
	s.log.Debug("entry invalidated", Fields{"ns": s.ns, "key": Key(id)})
}

func (s *store[T, ID]) InvalidateAll() {
	s.mu.Lock()
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
	s.log.Debug("collection invalidated", Fields{"ns": s.ns})
}

func (s *store[T, ID]) Entries() []Entry[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry[T], len(s.entries))
	for i, e := range s.entries {
		out[i] = Entry[T]{Item: s.clone(e.Item), LastFetched: e.LastFetched}
	}
	return out
}

func (s *store[T, ID]) Items() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.itemsLocked()
}

func (s *store[T, ID]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *store[T, ID]) FetchingAll() bool { return s.fetching.Load() > 0 }

func (s *store[T, ID]) CollectionFetchedAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetchedAt, !s.fetchedAt.IsZero()
}

func (s *store[T, ID]) Bind(id ID) *Binding[T, ID] {
	return &Binding[T, ID]{s: s, id: id}
}

// upsert replaces the entry with the same uid in place, or appends one.
func (s *store[T, ID]) upsert(rec T) {
	id := s.uid(rec)
	now := s.now()

	s.mu.Lock()
	i, ok := s.index[id]
	if ok {
		s.entries[i] = Entry[T]{Item: rec, LastFetched: now}
	} else {
		s.index[id] = len(s.entries)
		s.entries = append(s.entries, Entry[T]{Item: rec, LastFetched: now})
	}
	s.mu.Unlock()

	s.obs.EntryUpserted(s.ns, Key(id), !ok)
}

func (s *store[T, ID]) freshCollection() ([]T, bool) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fetchedAt.IsZero() || now.Sub(s.fetchedAt) > s.allTTL {
		return nil, false
	}
	return s.itemsLocked(), true
}

func (s *store[T, ID]) freshEntry(id ID) (T, bool) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero T
	i, ok := s.index[id]
	if !ok {
		return zero, false
	}
	e := s.entries[i]
	if e.LastFetched.IsZero() || now.Sub(e.LastFetched) > s.oneTTL {
		return zero, false
	}
	return e.Item, true
}

func (s *store[T, ID]) itemsLocked() []T {
	out := make([]T, len(s.entries))
	for i, e := range s.entries {
		out[i] = s.clone(e.Item)
	}
	return out
}

func (s *store[T, ID]) cloneItems(items []T) []T {
	out := make([]T, len(items))
	for i, v := range items {
		out[i] = s.clone(v)
	}
	return out
}

func (s *store[T, ID]) beginFetchAll() {
	if s.fetching.Add(1) == 1 {
		s.obs.Progress(s.ns, OpFetchAll, "", true)
	}
}

func (s *store[T, ID]) endFetchAll() {
	if s.fetching.Add(-1) == 0 {
		s.obs.Progress(s.ns, OpFetchAll, "", false)
	}
}

// fail logs a failed Backend call and converts it into an *OpError.
// Cache state is never touched on this path.
func (s *store[T, ID]) fail(op, key string, err error) error {
	f := Fields{"ns": s.ns, "op": op, "err": err}
	if key != "" {
		f["key"] = key
	}
	if errors.Is(err, ErrNotFound) {
		s.log.Warn("record not found", f)
	} else {
		s.log.Error("backend call failed", f)
	}
	s.obs.BackendFailed(s.ns, op, key, err)
	return &OpError{Namespace: s.ns, Op: op, Key: key, Err: err}
}

// guard runs a Backend call, turning a panic into an error.
func guard[R any](call func() (R, error)) (r R, err error) {
	defer func() {
		if p := recover(); p != nil {
			var zero R
			r, err = zero, fmt.Errorf("backend panic: %v", p)
		}
	}()
	return call()
}
