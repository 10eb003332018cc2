// Package ristretto keeps kv frames in a dgraph-io/ristretto cache.
//
// Ristretto admits writes by cost: Set may be refused (ok=false) and frames may
// be evicted, so a kv backend over it can lose records. Use it for read-mostly
// reference data that can be re-seeded.
package ristretto

import (
	"context"
	"errors"
	"sync"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/recordcache/provider"
)

type Config struct {
	NumCounters int64
	MaxCost     int64 // in bytes; backend/kv passes the frame length as cost
	BufferItems int64
	Metrics     bool
}

type Provider struct {
	c         *rc.Cache
	closeOnce sync.Once
}

var _ pr.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto provider: NumCounters, MaxCost and BufferItems must be positive")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, k string) ([]byte, bool, error) {
	v, ok := p.c.Get(k)
	if !ok {
		return nil, false, nil
	}
	frame, ok := v.([]byte)
	if !ok {
		p.c.Del(k)
		return nil, false, nil
	}
	return frame, true, nil
}

// Set stores a private copy of frame and waits for ristretto's buffers, so the
// next Get sees it.
func (p *Provider) Set(_ context.Context, k string, frame []byte, cost int64, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	if cost <= 0 {
		cost = int64(len(frame))
	}
	ok := p.c.SetWithTTL(k, append([]byte(nil), frame...), cost, ttl)
	p.c.Wait()
	return ok, nil
}

func (p *Provider) Del(_ context.Context, k string) error {
	p.c.Del(k)
	return nil
}

func (p *Provider) Close(context.Context) error {
	p.closeOnce.Do(func() {
		p.c.Wait()
		p.c.Close()
	})
	return nil
}

// Metrics is nil unless Config.Metrics was set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
