// Package slogobs is a recordcache.Observer that writes events to a *slog.Logger.
package slogobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/recordcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	HitEvery    uint64
	UpsertEvery uint64
	// Log progress flag transitions (noisy; off by default).
	Progress bool
	// Optional key redactor. Defaults to the key as is; set RedactSHA for hashed keys.
	Redact func(string) string
}

type Observer struct {
	l    *slog.Logger
	opts Options

	hitCtr    atomic.Uint64
	upsertCtr atomic.Uint64
}

var _ recordcache.Observer = (*Observer)(nil)

func New(l *slog.Logger, opts Options) *Observer {
	return &Observer{l: l, opts: opts}
}

// RedactSHA replaces a key with a short SHA-256 prefix.
func RedactSHA(k string) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func (o *Observer) redact(k string) string {
	if k == "" || o.opts.Redact == nil {
		return k
	}
	return o.opts.Redact(k)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (o *Observer) CacheHit(ns, op, key string) {
	if o.l == nil || !sample(o.opts.HitEvery, &o.hitCtr) {
		return
	}
	o.l.Debug("recordcache.cache_hit",
		"ns", ns,
		"op", op,
		"key", o.redact(key))
}

func (o *Observer) EntriesReplaced(ns string, count int) {
	if o.l == nil {
		return
	}
	o.l.Info("recordcache.entries_replaced",
		"ns", ns,
		"count", count)
}

func (o *Observer) EntryUpserted(ns, key string, inserted bool) {
	if o.l == nil || !sample(o.opts.UpsertEvery, &o.upsertCtr) {
		return
	}
	o.l.Debug("recordcache.entry_upserted",
		"ns", ns,
		"key", o.redact(key),
		"inserted", inserted)
}

func (o *Observer) Progress(ns, op, key string, active bool) {
	if o.l == nil || !o.opts.Progress {
		return
	}
	o.l.Debug("recordcache.progress",
		"ns", ns,
		"op", op,
		"key", o.redact(key),
		"active", active)
}

func (o *Observer) BackendFailed(ns, op, key string, err error) {
	if o.l == nil {
		return
	}
	level := slog.LevelError
	if recordcache.IsNotFound(err) {
		level = slog.LevelWarn
	}
	o.l.Log(context.Background(), level, "recordcache.backend_failed",
		"ns", ns,
		"op", op,
		"key", o.redact(key),
		"err", err)
}
