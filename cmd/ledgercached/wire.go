package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/ledgercache"
	"github.com/unkn0wn-root/ledgercache/allowlist"
	zkallow "github.com/unkn0wn-root/ledgercache/allowlist/zk"
	c "github.com/unkn0wn-root/ledgercache/codec"
	"github.com/unkn0wn-root/ledgercache/events"
	"github.com/unkn0wn-root/ledgercache/internal/config"
	lclogrus "github.com/unkn0wn-root/ledgercache/log/logrus"
	lcslog "github.com/unkn0wn-root/ledgercache/log/slog"
	lczap "github.com/unkn0wn-root/ledgercache/log/zap"
	"github.com/unkn0wn-root/ledgercache/provider"
	pbig "github.com/unkn0wn-root/ledgercache/provider/bigcache"
	predis "github.com/unkn0wn-root/ledgercache/provider/redis"
	pris "github.com/unkn0wn-root/ledgercache/provider/ristretto"
	"github.com/unkn0wn-root/ledgercache/reconcile"
	rpg "github.com/unkn0wn-root/ledgercache/reconcile/postgres"
	"github.com/unkn0wn-root/ledgercache/replay"
	replaypg "github.com/unkn0wn-root/ledgercache/replay/postgres"
	replaysqlite "github.com/unkn0wn-root/ledgercache/replay/sqlite"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

// closers run in reverse order on shutdown.
type closers []func()

func (cs *closers) add(f func()) { *cs = append(*cs, f) }

func (cs closers) run() {
	for i := len(cs) - 1; i >= 0; i-- {
		cs[i]()
	}
}

func newLogger(cfg config.LogConfig) (ledgercache.Logger, func(), error) {
	switch cfg.Backend {
	case "zap":
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(lvl)
		zl, err := zc.Build()
		if err != nil {
			return nil, nil, err
		}
		return lczap.New(zl), func() { _ = zl.Sync() }, nil
	case "logrus":
		lvl, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		l := logrus.New()
		l.SetFormatter(&logrus.JSONFormatter{})
		l.SetLevel(lvl)
		return lclogrus.New(l), func() {}, nil
	default:
		return lcslog.Logger{L: newSlog(cfg.Level)}, func() {}, nil
	}
}

// newSlog also backs sloghooks whatever the main backend is.
func newSlog(level string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

func needsRedis(cfg config.Config) bool {
	return cfg.Store.Type == "redis" || cfg.Events.Type == "redis" || cfg.Replay.Window == "redis"
}

func newRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func valuesCodec(name string) (c.Codec[versionstore.Values], error) {
	switch name {
	case "msgpack":
		return c.Msgpack[versionstore.Values]{}, nil
	case "cbor":
		return c.NewCBOR[versionstore.Values](true)
	default:
		return c.JSON[versionstore.Values]{}, nil
	}
}

func newStore(cfg config.StoreConfig, rdb redis.UniversalClient) (versionstore.Store, error) {
	if cfg.Type != "redis" {
		return versionstore.NewLocal(), nil
	}
	codec, err := valuesCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return versionstore.NewRedis(versionstore.RedisConfig{Client: rdb, Namespace: cfg.Namespace, Codec: codec})
}

// eventBus is both ends of the outcome stream.
type eventBus interface {
	events.Emitter
	events.Source
}

func newEvents(cfg config.EventsConfig, rdb redis.UniversalClient) (eventBus, error) {
	if cfg.Type != "redis" {
		return events.NewLog(), nil
	}
	var codec c.Codec[events.Event]
	if cfg.Codec == "protobuf" {
		codec = events.NewProtoCodec()
	}
	return events.NewRedisStream(events.RedisStreamConfig{
		Client: rdb, Stream: cfg.Stream, Codec: codec, MaxLen: cfg.MaxLen,
	})
}

// newAllowlist returns the writer and operator authorizers. ZooKeeper wins
// when both sources are configured.
func newAllowlist(ctx context.Context, cfg config.AllowlistConfig, log ledgercache.Logger, cs *closers) (writers, operators ledgercache.Authorizer, err error) {
	if len(cfg.ZKServers) > 0 {
		reg, err := zkallow.Dial(cfg.ZKServers, cfg.ZKRoot, cfg.ZKTimeout)
		if err != nil {
			return nil, nil, err
		}
		cs.add(func() { _ = reg.Close() })
		return reg.Writers(), reg.Operators(), nil
	}
	f, err := allowlist.OpenFile(cfg.File, log)
	if err != nil {
		return nil, nil, err
	}
	go f.Watch(ctx, cfg.Interval)
	return f.Writers(), f.Operators(), nil
}

func newFailureStore(ctx context.Context, cfg config.FailuresConfig, cs *closers) (reconcile.Store, error) {
	if cfg.Type != "postgres" {
		return reconcile.NewMemory(), nil
	}
	s, err := rpg.Open(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failures postgres: %w", err)
	}
	cs.add(s.Close)
	return s, nil
}

func newSink(ctx context.Context, cfg config.ReplayConfig, cs *closers) (replay.Sink, error) {
	var (
		s   replay.Sink
		err error
	)
	switch cfg.Sink {
	case "sqlite":
		s, err = replaysqlite.Open(cfg.Path)
	case "postgres":
		s, err = replaypg.Open(ctx, cfg.DSN)
	default:
		s = replay.NewMemorySink()
	}
	if err != nil {
		return nil, fmt.Errorf("replay sink %s: %w", cfg.Sink, err)
	}
	cs.add(func() { _ = s.Close() })
	return s, nil
}

func newWindow(ctx context.Context, cfg config.ReplayConfig, rdb redis.UniversalClient, cs *closers) (provider.Provider, error) {
	var (
		p   provider.Provider
		err error
	)
	switch cfg.Window {
	case "ristretto":
		p, err = pris.New(pris.Config{SyncWrites: true})
	case "bigcache":
		p, err = pbig.New(ctx, pbig.Config{Window: cfg.WindowTTL})
	case "redis":
		p, err = predis.New(predis.Config{Client: rdb})
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("replay window %s: %w", cfg.Window, err)
	}
	cs.add(func() { _ = p.Close(context.Background()) })
	return p, nil
}

func newLeaser(rdb redis.UniversalClient) (replay.Leaser, error) {
	if rdb == nil {
		return replay.NewMemoryLeaser(), nil
	}
	return replay.NewRedisLeaser(rdb, "")
}
