// Package memory is an in-process recordcache.Backend. It keeps records in
// insertion order and counts calls per operation, which makes it the usual
// Backend for tests and demos. Failures and latency can be injected.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/recordcache"
)

// Config for a Backend. UID is required.
type Config[T any, ID recordcache.Identifier] struct {
	UID func(T) ID
	// Merge combines the stored record with an update patch. nil => patch replaces.
	Merge func(current, patch T) T
	// AssignID gives a created record with the zero ID a fresh one. seq starts at 1
	// and skips values whose assigned ID is already stored.
	AssignID func(rec T, seq uint64) T
	// Latency is waited (honoring ctx) before every call.
	Latency time.Duration
	// BeforeCall, if set, runs at the start of every call, outside the lock.
	BeforeCall func(op string)
}

type Backend[T any, ID recordcache.Identifier] struct {
	cfg Config[T, ID]

	mu    sync.Mutex
	order []ID
	recs  map[ID]T
	seq   uint64
	calls map[string]int
	fail  map[string][]error
}

var _ recordcache.Backend[struct{}, int] = (*Backend[struct{}, int])(nil)

func New[T any, ID recordcache.Identifier](cfg Config[T, ID], seed ...T) *Backend[T, ID] {
	if cfg.UID == nil {
		panic("memory: Config.UID is required")
	}
	b := &Backend[T, ID]{
		cfg:   cfg,
		recs:  make(map[ID]T, len(seed)),
		calls: make(map[string]int),
		fail:  make(map[string][]error),
	}
	for _, r := range seed {
		b.put(r)
	}
	return b
}

// FailNext makes the next call of op (recordcache.OpFetchAll, ...) return err.
// Repeated calls queue errors in order.
func (b *Backend[T, ID]) FailNext(op string, err error) {
	b.mu.Lock()
	b.fail[op] = append(b.fail[op], err)
	b.mu.Unlock()
}

// Calls returns how many times op was invoked, including failed calls.
func (b *Backend[T, ID]) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Put stores rec directly, bypassing call counting. Useful to change the
// system of record behind the cache's back.
func (b *Backend[T, ID]) Put(rec T) {
	b.mu.Lock()
	b.put(rec)
	b.mu.Unlock()
}

// Delete removes a record directly.
func (b *Backend[T, ID]) Delete(id ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.recs[id]; !ok {
		return
	}
	delete(b.recs, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *Backend[T, ID]) FetchAll(ctx context.Context) ([]T, error) {
	if err := b.enter(ctx, recordcache.OpFetchAll); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.recs[id])
	}
	return out, nil
}

func (b *Backend[T, ID]) FetchOne(ctx context.Context, id ID) (T, bool, error) {
	var zero T
	if err := b.enter(ctx, recordcache.OpFetchOne); err != nil {
		return zero, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.recs[id]
	return r, ok, nil
}

func (b *Backend[T, ID]) Update(ctx context.Context, id ID, patch T) (T, error) {
	var zero T
	if err := b.enter(ctx, recordcache.OpUpdate); err != nil {
		return zero, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.recs[id]
	if !ok {
		return zero, fmt.Errorf("memory: update %v: %w", id, recordcache.ErrNotFound)
	}
	next := patch
	if b.cfg.Merge != nil {
		next = b.cfg.Merge(cur, patch)
	}
	if got := b.cfg.UID(next); got != id {
		return zero, fmt.Errorf("memory: update %v changes uid to %v: %w", id, got, recordcache.ErrConflict)
	}
	b.recs[id] = next
	return next, nil
}

func (b *Backend[T, ID]) Create(ctx context.Context, rec T) (T, error) {
	var zero T
	if err := b.enter(ctx, recordcache.OpCreate); err != nil {
		return zero, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var zeroID ID
	if b.cfg.UID(rec) == zeroID && b.cfg.AssignID != nil {
		// skip sequence values already taken by seeded or Put records
		for {
			b.seq++
			cand := b.cfg.AssignID(rec, b.seq)
			if _, taken := b.recs[b.cfg.UID(cand)]; !taken {
				rec = cand
				break
			}
		}
	}
	id := b.cfg.UID(rec)
	if _, ok := b.recs[id]; ok {
		return zero, fmt.Errorf("memory: create %v: %w", id, recordcache.ErrExists)
	}
	b.put(rec)
	return rec, nil
}

// enter counts the call, waits the configured latency and pops an injected failure.
func (b *Backend[T, ID]) enter(ctx context.Context, op string) error {
	b.mu.Lock()
	b.calls[op]++
	var err error
	if q := b.fail[op]; len(q) > 0 {
		err, b.fail[op] = q[0], q[1:]
	}
	b.mu.Unlock()

	if b.cfg.BeforeCall != nil {
		b.cfg.BeforeCall(op)
	}
	if b.cfg.Latency > 0 {
		t := time.NewTimer(b.cfg.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (b *Backend[T, ID]) put(rec T) {
	id := b.cfg.UID(rec)
	if _, ok := b.recs[id]; !ok {
		b.order = append(b.order, id)
	}
	b.recs[id] = rec
}
