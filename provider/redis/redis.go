// Package redis stores kv record and index frames in Redis through go-redis.
// Use it when several processes share one kv backend, together with
// genstore.RedisGenStore on the same client.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/recordcache/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

type Config struct {
	Client goredis.UniversalClient
	Prefix string // prepended to every frame key, e.g. "app:prod:"
	// CloseClient makes Close close Client as well.
	CloseClient bool
}

type Redis struct {
	rdb    goredis.UniversalClient
	prefix string
	own    bool
}

var _ pr.Provider = (*Redis)(nil)

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, prefix: cfg.Prefix, own: cfg.CloseClient}, nil
}

func (p *Redis) key(k string) string { return p.prefix + k }

func (p *Redis) Get(ctx context.Context, k string) ([]byte, bool, error) {
	frame, err := p.rdb.Get(ctx, p.key(k)).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("redis provider: get %s: %w", k, err)
	}
	return frame, true, nil
}

// Set ignores cost. ttl <= 0 stores the frame without expiry.
func (p *Redis) Set(ctx context.Context, k string, frame []byte, _ int64, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	if err := p.rdb.Set(ctx, p.key(k), frame, ttl).Err(); err != nil {
		return false, fmt.Errorf("redis provider: set %s: %w", k, err)
	}
	return true, nil
}

func (p *Redis) Del(ctx context.Context, k string) error {
	if err := p.rdb.Del(ctx, p.key(k)).Err(); err != nil {
		return fmt.Errorf("redis provider: del %s: %w", k, err)
	}
	return nil
}

func (p *Redis) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close is a no-op unless the provider owns the client. Repeated calls are fine.
func (p *Redis) Close(context.Context) error {
	if !p.own {
		return nil
	}
	if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
