package recordcache

import (
	"context"
	"sync"
)

// Binding is a per-identifier façade over a Store. It holds no cache state of
// its own: Load reads through FetchOne and Save writes through Update.
// Loading and Saving are progress flags for display; both are reset when the
// operation completes, whatever the outcome.
type Binding[T any, ID Identifier] struct {
	s  *store[T, ID]
	id ID

	mu      sync.Mutex
	value   T
	bound   bool
	loading int
	saving  int
}

// ID returns the identifier the binding was created for.
func (b *Binding[T, ID]) ID() ID { return b.id }

// Value returns the bound record, if any.
func (b *Binding[T, ID]) Value() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, b.bound
}

// Set binds v locally, e.g. after the caller edited it. Nothing is written
// until Save.
func (b *Binding[T, ID]) Set(v T) {
	b.mu.Lock()
	b.value, b.bound = v, true
	b.mu.Unlock()
}

func (b *Binding[T, ID]) Loading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loading > 0
}

func (b *Binding[T, ID]) Saving() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saving > 0
}

// Load fetches the record through the store and binds the result. On failure
// the binding is left empty and the store's error is returned.
func (b *Binding[T, ID]) Load(ctx context.Context) (T, error) {
	key := Key(b.id)
	b.progress(&b.loading, OpLoad, key, 1)
	defer b.progress(&b.loading, OpLoad, key, -1)

	v, err := b.s.FetchOne(ctx, b.id)

	b.mu.Lock()
	if err != nil {
		var zero T
		b.value, b.bound = zero, false
	} else {
		b.value, b.bound = v, true
	}
	b.mu.Unlock()
	return v, err
}

// Save writes the bound value through Store.Update, using the uid of the bound
// value (not the binding's id) as the target. On success the authoritative
// record is bound. Without a bound value Save does nothing and returns
// ErrNothingBound.
func (b *Binding[T, ID]) Save(ctx context.Context) (T, error) {
	cur, ok := b.Value()
	if !ok {
		var zero T
		return zero, ErrNothingBound
	}

	id := b.s.uid(cur)
	key := Key(id)
	b.progress(&b.saving, OpSave, key, 1)
	defer b.progress(&b.saving, OpSave, key, -1)

	v, err := b.s.Update(ctx, id, cur)
	if err != nil {
		return v, err
	}
	b.Set(v)
	return v, nil
}

// progress moves one of the in-flight counters and reports 0<->1 transitions.
func (b *Binding[T, ID]) progress(ctr *int, op, key string, delta int) {
	b.mu.Lock()
	*ctr += delta
	n := *ctr
	b.mu.Unlock()

	switch {
	case delta > 0 && n == 1:
		b.s.obs.Progress(b.s.ns, op, key, true)
	case delta < 0 && n == 0:
		b.s.obs.Progress(b.s.ns, op, key, false)
	}
}
