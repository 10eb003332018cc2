// Package kv is a recordcache.Backend that keeps records in a provider.Provider
// (bigcache, ristretto, redis). Each record is stored as a versioned frame under
// "rec:<ns>:<id>"; the insertion order lives in an index frame under "idx:<ns>".
//
// Versions come from a genstore.GenStore. A frame is current when its version
// equals the generation of its key, or is one ahead of it while a write is
// between Set and Bump. Any other frame is stale and is never returned. With a
// shared provider (redis) several processes must share a RedisGenStore as well;
// a LocalGenStore starts from zero and treats every pre-existing frame as stale.
//
// Writes are serialized per Backend. Index updates are not atomic across
// processes: two processes creating records at the same time may lose one index
// append, the record itself stays readable by id.
package kv

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/unkn0wn-root/recordcache"
	"github.com/unkn0wn-root/recordcache/codec"
	"github.com/unkn0wn-root/recordcache/genstore"
	"github.com/unkn0wn-root/recordcache/internal/keys"
	"github.com/unkn0wn-root/recordcache/internal/wire"
	pr "github.com/unkn0wn-root/recordcache/provider"
)

type Config[T any, ID recordcache.Identifier] struct {
	// Required
	Namespace string
	Provider  pr.Provider
	Codec     codec.Codec[T]
	UID       func(T) ID

	// Merge combines the stored record with an update patch. nil => patch replaces.
	Merge func(current, patch T) T
	// AssignID gives a created record with the zero ID a fresh one, using the
	// namespace sequence. Values whose ID is already stored are skipped.
	AssignID func(rec T, seq uint64) T

	Gens      genstore.GenStore  // nil => LocalGenStore owned (and closed) by the Backend
	RecordTTL time.Duration      // 0 => no expiry where the provider supports it
	Logger    recordcache.Logger // nil => NopLogger
}

type Backend[T any, ID recordcache.Identifier] struct {
	ns       string
	p        pr.Provider
	codec    codec.Codec[T]
	uid      func(T) ID
	merge    func(current, patch T) T
	assignID func(rec T, seq uint64) T
	gens     genstore.GenStore
	ownGens  bool
	ttl      time.Duration
	log      recordcache.Logger

	mu sync.Mutex // serializes writes
}

var _ recordcache.Backend[struct{}, string] = (*Backend[struct{}, string])(nil)

func New[T any, ID recordcache.Identifier](cfg Config[T, ID]) (*Backend[T, ID], error) {
	if cfg.Namespace == "" {
		return nil, errors.New("kv: namespace is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("kv: provider is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("kv: codec is required")
	}
	if cfg.UID == nil {
		return nil, errors.New("kv: uid func is required")
	}
	if cfg.RecordTTL < 0 {
		return nil, fmt.Errorf("kv: negative record ttl %s", cfg.RecordTTL)
	}

	b := &Backend[T, ID]{
		ns:       cfg.Namespace,
		p:        cfg.Provider,
		codec:    cfg.Codec,
		uid:      cfg.UID,
		merge:    cfg.Merge,
		assignID: cfg.AssignID,
		gens:     cfg.Gens,
		ttl:      cfg.RecordTTL,
		log:      cfg.Logger,
	}
	if b.gens == nil {
		b.gens = genstore.NewLocalGenStore(0, 0)
		b.ownGens = true
	}
	if b.log == nil {
		b.log = recordcache.NopLogger{}
	}
	return b, nil
}

func (b *Backend[T, ID]) recordKey(id ID) string {
	return keys.Record(b.ns, recordcache.Key(id))
}

func (b *Backend[T, ID]) FetchAll(ctx context.Context) ([]T, error) {
	ids, err := b.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []T{}, nil
	}

	rkeys := make([]string, len(ids))
	for i, id := range ids {
		rkeys[i] = keys.Record(b.ns, id)
	}
	gens, err := b.gens.SnapshotMany(ctx, rkeys)
	if err != nil {
		return nil, fmt.Errorf("kv: snapshot versions: %w", err)
	}

	out := make([]T, 0, len(ids))
	for _, k := range rkeys {
		rec, ok, err := b.readAt(ctx, k, gens[k])
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (b *Backend[T, ID]) FetchOne(ctx context.Context, id ID) (T, bool, error) {
	return b.read(ctx, b.recordKey(id))
}

func (b *Backend[T, ID]) Update(ctx context.Context, id ID, patch T) (T, error) {
	var zero T
	k := b.recordKey(id)

	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok, err := b.read(ctx, k)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, fmt.Errorf("kv: update %s: %w", k, recordcache.ErrNotFound)
	}
	next := patch
	if b.merge != nil {
		next = b.merge(cur, patch)
	}
	if got := b.uid(next); got != id {
		return zero, fmt.Errorf("kv: update %s changes uid to %v: %w", k, got, recordcache.ErrConflict)
	}
	if err := b.write(ctx, k, next); err != nil {
		return zero, err
	}
	return next, nil
}

func (b *Backend[T, ID]) Create(ctx context.Context, rec T) (T, error) {
	var zero T

	b.mu.Lock()
	defer b.mu.Unlock()

	var zeroID ID
	if b.uid(rec) == zeroID && b.assignID != nil {
		for {
			seq, err := b.gens.Bump(ctx, keys.Seq(b.ns))
			if err != nil {
				return zero, fmt.Errorf("kv: next id: %w", err)
			}
			cand := b.assignID(rec, seq)
			_, taken, err := b.read(ctx, b.recordKey(b.uid(cand)))
			if err != nil {
				return zero, err
			}
			if !taken {
				rec = cand
				break
			}
		}
	}

	id := b.uid(rec)
	k := b.recordKey(id)
	if _, exists, err := b.read(ctx, k); err != nil {
		return zero, err
	} else if exists {
		return zero, fmt.Errorf("kv: create %s: %w", k, recordcache.ErrExists)
	}
	if err := b.write(ctx, k, rec); err != nil {
		return zero, err
	}
	if err := b.indexAdd(ctx, recordcache.Key(id)); err != nil {
		return zero, err
	}
	return rec, nil
}

// Put stores rec unconditionally, e.g. to seed a namespace.
func (b *Backend[T, ID]) Put(ctx context.Context, rec T) error {
	id := b.uid(rec)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.write(ctx, b.recordKey(id), rec); err != nil {
		return err
	}
	return b.indexAdd(ctx, recordcache.Key(id))
}

// Delete removes a record and its index entry. Deleting a missing id is not an error.
func (b *Backend[T, ID]) Delete(ctx context.Context, id ID) error {
	k := b.recordKey(id)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.p.Del(ctx, k); err != nil {
		return fmt.Errorf("kv: delete %s: %w", k, err)
	}
	// a frame resurrected by a lagging replica is now stale
	if _, err := b.gens.Bump(ctx, k); err != nil {
		return fmt.Errorf("kv: delete %s: %w", k, err)
	}
	return b.indexRemove(ctx, recordcache.Key(id))
}

// Close closes the genstore when the Backend created it. The provider is left open.
func (b *Backend[T, ID]) Close(ctx context.Context) error {
	if b.ownGens {
		return b.gens.Close(ctx)
	}
	return nil
}

func (b *Backend[T, ID]) read(ctx context.Context, k string) (T, bool, error) {
	var zero T
	want, err := b.gens.Snapshot(ctx, k)
	if err != nil {
		return zero, false, fmt.Errorf("kv: snapshot %s: %w", k, err)
	}
	return b.readAt(ctx, k, want)
}

// readAt returns the record under k if its frame carries version want, or
// want+1 for a write whose bump has not landed yet.
// Missing, stale and undecodable frames read as absent and are logged.
func (b *Backend[T, ID]) readAt(ctx context.Context, k string, want uint64) (T, bool, error) {
	var zero T
	raw, ok, err := b.p.Get(ctx, k)
	if err != nil {
		return zero, false, fmt.Errorf("kv: get %s: %w", k, err)
	}
	if !ok {
		return zero, false, nil
	}

	v, payload, err := wire.DecodeRecord(raw)
	if err != nil {
		b.log.Warn("kv: corrupt frame", recordcache.Fields{"ns": b.ns, "key": k, "err": err})
		return zero, false, nil
	}
	if v != want && v != want+1 {
		b.log.Debug("kv: stale frame", recordcache.Fields{"ns": b.ns, "key": k, "version": v, "want": want})
		return zero, false, nil
	}
	rec, err := b.codec.Decode(payload)
	if err != nil {
		b.log.Warn("kv: undecodable record", recordcache.Fields{"ns": b.ns, "key": k, "err": err})
		return zero, false, nil
	}
	return rec, true, nil
}

// write stores rec as version cur+1 and then bumps the generation.
// A rejected Set leaves the previous frame in place. A failed Bump puts the
// previous frame back. A Bump that overtook a concurrent writer restamps the
// frame with the generation it got, so the last bump wins.
func (b *Backend[T, ID]) write(ctx context.Context, k string, rec T) error {
	payload, err := b.codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", k, err)
	}
	cur, err := b.gens.Snapshot(ctx, k)
	if err != nil {
		return fmt.Errorf("kv: snapshot %s: %w", k, err)
	}
	prev, hadPrev, err := b.p.Get(ctx, k)
	if err != nil {
		return fmt.Errorf("kv: get %s: %w", k, err)
	}

	if err := b.setFrame(ctx, k, cur+1, payload); err != nil {
		return err
	}

	n, err := b.gens.Bump(ctx, k)
	if err != nil {
		b.restore(ctx, k, prev, hadPrev)
		return fmt.Errorf("kv: bump %s: %w", k, err)
	}
	if n != cur+1 {
		b.log.Debug("kv: concurrent write", recordcache.Fields{"ns": b.ns, "key": k, "version": n, "want": cur + 1})
		if err := b.setFrame(ctx, k, n, payload); err != nil {
			return fmt.Errorf("%w: %w", err, recordcache.ErrConflict)
		}
	}
	return nil
}

func (b *Backend[T, ID]) setFrame(ctx context.Context, k string, version uint64, payload []byte) error {
	frame := wire.EncodeRecord(version, payload)
	ok, err := b.p.Set(ctx, k, frame, int64(len(frame)), b.ttl)
	if err != nil {
		return fmt.Errorf("kv: set %s: %w", k, err)
	}
	if !ok {
		return fmt.Errorf("kv: set %s: rejected by provider", k)
	}
	return nil
}

// restore puts back the frame a write replaced. Failures are logged only;
// the unbumped frame still reads as a pending write.
func (b *Backend[T, ID]) restore(ctx context.Context, k string, prev []byte, hadPrev bool) {
	var err error
	if hadPrev {
		var ok bool
		if ok, err = b.p.Set(ctx, k, prev, int64(len(prev)), b.ttl); err == nil && !ok {
			err = errors.New("rejected by provider")
		}
	} else {
		err = b.p.Del(ctx, k)
	}
	if err != nil {
		b.log.Warn("kv: restore failed", recordcache.Fields{"ns": b.ns, "key": k, "err": err})
	}
}

func (b *Backend[T, ID]) loadIndex(ctx context.Context) ([]string, error) {
	k := keys.Index(b.ns)
	raw, ok, err := b.p.Get(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("kv: get %s: %w", k, err)
	}
	if !ok {
		return nil, nil
	}
	ids, err := wire.DecodeIndex(raw)
	if err != nil {
		return nil, fmt.Errorf("kv: index %s: %w", k, err)
	}
	return ids, nil
}

func (b *Backend[T, ID]) storeIndex(ctx context.Context, ids []string) error {
	k := keys.Index(b.ns)
	frame, err := wire.EncodeIndex(ids)
	if err != nil {
		return fmt.Errorf("kv: index %s: %w", k, err)
	}
	ok, err := b.p.Set(ctx, k, frame, int64(len(frame)), 0)
	if err != nil {
		return fmt.Errorf("kv: set %s: %w", k, err)
	}
	if !ok {
		return fmt.Errorf("kv: set %s: rejected by provider", k)
	}
	return nil
}

func (b *Backend[T, ID]) indexAdd(ctx context.Context, id string) error {
	ids, err := b.loadIndex(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	return b.storeIndex(ctx, append(ids, id))
}

func (b *Backend[T, ID]) indexRemove(ctx context.Context, id string) error {
	ids, err := b.loadIndex(ctx)
	if err != nil {
		return err
	}
	i := slices.Index(ids, id)
	if i < 0 {
		return nil
	}
	return b.storeIndex(ctx, slices.Delete(ids, i, i+1))
}
