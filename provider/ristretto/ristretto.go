package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/ledgercache/provider"
)

var ErrInvalidConfig = errors.New("ristretto: invalid config")

// Provider is an in-process window with per-entry TTLs and admission control.
type Provider struct {
	c    *rc.Cache
	sync bool
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	// MaxEntries bounds the window; each entry costs 1. 0 => 1<<16.
	MaxEntries int64
	// BufferItems is ristretto's Get buffer size; 0 => 64.
	BufferItems int64
	Metrics     bool
	// SyncWrites waits for every Set to become visible before returning.
	// Without it a redelivery racing the original may miss the window and
	// fall through to the sink.
	SyncWrites bool
}

func New(cfg Config) (*Provider, error) {
	if cfg.MaxEntries < 0 || cfg.BufferItems < 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 1 << 16
	}
	if cfg.BufferItems == 0 {
		cfg.BufferItems = 64
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.MaxEntries * 10, // ristretto recommends 10x max items
		MaxCost:     cfg.MaxEntries,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, sync: cfg.SyncWrites}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if cost <= 0 {
		cost = 1
	}
	ok := p.c.SetWithTTL(key, value, cost, ttl)
	if ok && p.sync {
		p.c.Wait()
	}
	return ok, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics is nil unless Config.Metrics was set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
