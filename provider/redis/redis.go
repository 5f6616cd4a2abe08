// Package redis backs the replay dedupe window with Redis so every consumer
// replica sees the same seen-markers and per-key reset epochs.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/ledgercache/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

const (
	defaultPrefix = "ledgercache:window:"
	defaultTTL    = 24 * time.Hour
)

type Redis struct {
	rdb         goredis.UniversalClient
	prefix      string
	ttl         time.Duration
	closeClient bool
}

var _ pr.Provider = (*Redis)(nil)

type Config struct {
	Client goredis.UniversalClient
	// Prefix namespaces window keys; "" => "ledgercache:window:".
	Prefix string
	// DefaultTTL bounds writes made without a ttl so markers never pile up;
	// 0 => 24h.
	DefaultTTL  time.Duration
	CloseClient bool // set only if this provider exclusively owns the client
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	return &Redis{rdb: cfg.Client, prefix: cfg.Prefix, ttl: cfg.DefaultTTL, closeClient: cfg.CloseClient}, nil
}

func (p *Redis) key(k string) string { return p.prefix + k }

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, p.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis provider: get %s: %w", key, err)
	}
	return b, true, nil
}

// Set ignores cost. Redis has no admission policy, so ok is true on success.
func (p *Redis) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = p.ttl
	}
	if err := p.rdb.Set(ctx, p.key(key), value, ttl).Err(); err != nil {
		return false, fmt.Errorf("redis provider: set %s: %w", key, err)
	}
	return true, nil
}

func (p *Redis) Del(ctx context.Context, key string) error {
	if err := p.rdb.Del(ctx, p.key(key)).Err(); err != nil {
		return fmt.Errorf("redis provider: del %s: %w", key, err)
	}
	return nil
}

// Close is a no-op for a shared client. An owned client is closed once.
func (p *Redis) Close(context.Context) error {
	if !p.closeClient {
		return nil
	}
	if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
