// Package main runs the organization walkthrough against an in-memory or kv backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/recordcache"
	"github.com/unkn0wn-root/recordcache/backend/kv"
	"github.com/unkn0wn-root/recordcache/backend/memory"
	"github.com/unkn0wn-root/recordcache/codec"
	"github.com/unkn0wn-root/recordcache/genstore"
	rcz "github.com/unkn0wn-root/recordcache/log/zap"
	"github.com/unkn0wn-root/recordcache/observers/async"
	"github.com/unkn0wn-root/recordcache/observers/slogobs"
	"github.com/unkn0wn-root/recordcache/provider/bigcache"
	"github.com/unkn0wn-root/recordcache/provider/redis"
	"github.com/unkn0wn-root/recordcache/watch"
)

type Org struct {
	ID   int    `json:"id" msgpack:"id"`
	Name string `json:"name" msgpack:"name"`
}

func orgID(o Org) int { return o.ID }

func mergeOrg(cur, patch Org) Org {
	if patch.Name != "" {
		cur.Name = patch.Name
	}
	return cur
}

func main() {
	os.Exit(realMain(context.Background(), os.Args[1:]))
}

func realMain(ctx context.Context, args []string) int {
	var (
		ttlPath   string
		backendID string
		redisAddr string
		latency   time.Duration
		verbose   bool
	)

	fs := flag.NewFlagSet("orgdemo", flag.ContinueOnError)
	fs.StringVar(&ttlPath, "ttl-config", "", "Path to a YAML file with all_items/single_item TTLs")
	fs.StringVar(&backendID, "backend", "memory", "Backend: memory, bigcache or redis")
	fs.StringVar(&redisAddr, "redis", "localhost:6379", "Redis address for -backend=redis")
	fs.DurationVar(&latency, "latency", 20*time.Millisecond, "Artificial latency of the memory backend")
	fs.BoolVar(&verbose, "v", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	zl, err := newZap(verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = zl.Sync() }()

	ttls := recordcache.TTLConfig{
		AllItems:   recordcache.Duration(5 * time.Minute),
		SingleItem: recordcache.Duration(60 * time.Second),
	}
	if ttlPath != "" {
		b, err := os.ReadFile(ttlPath)
		if err != nil {
			zl.Error("read ttl config", zap.Error(err))
			return 1
		}
		if ttls, err = recordcache.ParseTTLConfig(b); err != nil {
			zl.Error("parse ttl config", zap.String("path", ttlPath), zap.Error(err))
			return 1
		}
	}

	seed := []Org{{ID: 1, Name: "Org 1"}, {ID: 2, Name: "Org 2"}, {ID: 3, Name: "Org 3"}, {ID: 4, Name: "Org 4"}}
	backend, closeBackend, err := newBackend(ctx, backendID, redisAddr, latency, zl, seed)
	if err != nil {
		zl.Error("backend", zap.String("backend", backendID), zap.Error(err))
		return 1
	}
	defer closeBackend()

	hub := watch.NewHub()
	events, cancel := hub.Subscribe(64)
	defer cancel()
	slogObs := async.New(slogobs.New(slog.New(slog.NewTextHandler(os.Stderr, nil)), slogobs.Options{HitEvery: 10}), 1, 256)
	defer slogObs.Close()

	orgs, err := recordcache.New(recordcache.Options[Org, int]{
		Backend:   backend,
		UID:       orgID,
		Namespace: "orgs",
		Logger:    rcz.New(zl, "orgs"),
		Observer:  recordcache.Observers{hub, slogObs},
	}.WithTTLs(ttls))
	if err != nil {
		zl.Error("store", zap.Error(err))
		return 1
	}

	code := 0
	if err := run(ctx, orgs); err != nil {
		zl.Error("walkthrough failed", zap.Error(err))
		code = 1
	}

	cancel()
	n := 0
	for ev := range events {
		n++
		zl.Debug("event", zap.Stringer("kind", ev.Kind), zap.String("op", ev.Op), zap.String("key", ev.Key))
	}
	zl.Info("done", zap.Int("events", n), zap.Uint64("dropped", hub.Dropped()), zap.Int("cached", orgs.Len()))
	return code
}

func run(ctx context.Context, orgs recordcache.Store[Org, int]) error {
	all, err := orgs.FetchAll(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("fetched %d orgs\n", len(all))

	b := orgs.Bind(1)
	org, err := b.Load(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("loaded %+v (from cache)\n", org)

	org.Name = "Org 1 renamed"
	b.Set(org)
	saved, err := b.Save(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("saved %+v\n", saved)

	again, err := orgs.FetchOne(ctx, 1)
	if err != nil {
		return err
	}
	fmt.Printf("fetch_one after save: %+v\n", again)

	created, err := orgs.Create(ctx, Org{Name: "Org 5"})
	if err != nil {
		return err
	}
	fmt.Printf("created %+v\n", created)

	if _, err := orgs.FetchOne(ctx, 42); recordcache.IsNotFound(err) {
		fmt.Println("org 42 not found")
	} else if err != nil {
		return err
	}
	return nil
}

func newZap(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func assignOrgID(o Org, seq uint64) Org {
	o.ID = int(seq)
	return o
}

func newBackend(ctx context.Context, id, redisAddr string, latency time.Duration, zl *zap.Logger, seed []Org) (recordcache.Backend[Org, int], func(), error) {
	switch id {
	case "memory":
		b := memory.New(memory.Config[Org, int]{
			UID:      orgID,
			Merge:    mergeOrg,
			AssignID: assignOrgID,
			Latency:  latency,
		}, seed...)
		return b, func() {}, nil

	case "bigcache":
		p, err := bigcache.New(ctx, bigcache.Config{LifeWindow: time.Hour})
		if err != nil {
			return nil, nil, err
		}
		b, err := kv.New(kv.Config[Org, int]{
			Namespace: "orgs",
			Provider:  p,
			Codec:     codec.Limit[Org]{Inner: codec.MustCBOR[Org](codec.CBOROptions{Deterministic: true, MaxNestedLevels: 8}), MaxDecode: 1 << 16},
			UID:       orgID,
			Merge:     mergeOrg,
			AssignID:  assignOrgID,
			Logger:    rcz.New(zl, "kv"),
		})
		if err != nil {
			return nil, nil, err
		}
		return seedKV(ctx, b, seed, func() {
			_ = b.Close(ctx)
			_ = p.Close(ctx)
		})

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: redisAddr})
		p, err := redis.New(redis.Config{Client: client, Prefix: "orgdemo:"})
		if err != nil {
			return nil, nil, err
		}
		if err := p.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		gens, err := genstore.NewRedisGenStore(genstore.RedisConfig{Client: client, Namespace: "orgdemo"})
		if err != nil {
			return nil, nil, err
		}
		b, err := kv.New(kv.Config[Org, int]{
			Namespace: "orgs",
			Provider:  p,
			Codec:     codec.Msgpack[Org]{},
			UID:       orgID,
			Merge:     mergeOrg,
			AssignID:  assignOrgID,
			Gens:      gens,
			RecordTTL: time.Hour,
			Logger:    rcz.New(zl, "kv"),
		})
		if err != nil {
			return nil, nil, err
		}
		return seedKV(ctx, b, seed, func() { _ = client.Close() })
	}
	return nil, nil, fmt.Errorf("unknown backend %q", id)
}

func seedKV(ctx context.Context, b *kv.Backend[Org, int], seed []Org, closeFn func()) (recordcache.Backend[Org, int], func(), error) {
	for _, o := range seed {
		if err := b.Put(ctx, o); err != nil {
			closeFn()
			return nil, nil, err
		}
	}
	return b, closeFn, nil
}
