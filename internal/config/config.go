// Package config loads ledgercached settings from a YAML file and the
// environment. LEDGERCACHE_REPLAY_WORKERS=8 overrides replay.workers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "LEDGERCACHE"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Events    EventsConfig    `mapstructure:"events"`
	Allowlist AllowlistConfig `mapstructure:"allowlist"`
	Failures  FailuresConfig  `mapstructure:"failures"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Backend string `mapstructure:"backend"` // zap | logrus | slog
	Level   string `mapstructure:"level"`   // debug | info | warn | error
}

type StoreConfig struct {
	Type      string `mapstructure:"type"`      // local | redis
	Namespace string `mapstructure:"namespace"` // redis key namespace
	Codec     string `mapstructure:"codec"`     // json | msgpack | cbor
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EventsConfig struct {
	Type   string `mapstructure:"type"`   // log | redis
	Stream string `mapstructure:"stream"` // redis stream key
	Codec  string `mapstructure:"codec"`  // json | protobuf
	MaxLen int64  `mapstructure:"max_len"`
}

type AllowlistConfig struct {
	File      string        `mapstructure:"file"`
	Interval  time.Duration `mapstructure:"interval"`
	ZKServers []string      `mapstructure:"zk_servers"`
	ZKRoot    string        `mapstructure:"zk_root"`
	ZKTimeout time.Duration `mapstructure:"zk_timeout"`
}

type FailuresConfig struct {
	Type        string  `mapstructure:"type"` // memory | postgres
	DSN         string  `mapstructure:"dsn"`
	MaxAttempts int     `mapstructure:"max_attempts"`
	RetryRate   float64 `mapstructure:"retry_rate"`
	// RetryEvery runs RetryPending in the background; 0 disables it.
	RetryEvery time.Duration `mapstructure:"retry_every"`
}

type ReplayConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Name      string        `mapstructure:"name"`
	Sink      string        `mapstructure:"sink"` // memory | sqlite | postgres
	Path      string        `mapstructure:"path"` // sqlite file
	DSN       string        `mapstructure:"dsn"`  // postgres
	Workers   int           `mapstructure:"workers"`
	BatchSize int           `mapstructure:"batch_size"`
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"`
	Window    string        `mapstructure:"window"` // none | ristretto | bigcache | redis
	WindowTTL time.Duration `mapstructure:"window_ttl"`
}

type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"` // OTLP/HTTP host:port; "" disables tracing
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

func Default() Config {
	return Config{
		Server:    ServerConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Log:       LogConfig{Backend: "zap", Level: "info"},
		Store:     StoreConfig{Type: "local", Namespace: "default", Codec: "msgpack"},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Events:    EventsConfig{Type: "log", Stream: "ledgercache:events", Codec: "json"},
		Allowlist: AllowlistConfig{Interval: 5 * time.Second, ZKRoot: "/ledgercache", ZKTimeout: 5 * time.Second},
		Failures:  FailuresConfig{Type: "memory", MaxAttempts: 10, RetryRate: 20, RetryEvery: 30 * time.Second},
		Replay: ReplayConfig{
			Enabled: true, Name: "ledgercached", Sink: "memory", Path: "ledgercache.db",
			Workers: 4, BatchSize: 256, LeaseTTL: 5 * time.Second, Window: "none", WindowTTL: 10 * time.Minute,
		},
		Telemetry: TelemetryConfig{ServiceName: "ledgercached", Insecure: true},
	}
}

// setDefaults registers every key so AutomaticEnv can override keys that are
// absent from the file.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("log.backend", d.Log.Backend)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("store.type", d.Store.Type)
	v.SetDefault("store.namespace", d.Store.Namespace)
	v.SetDefault("store.codec", d.Store.Codec)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("events.type", d.Events.Type)
	v.SetDefault("events.stream", d.Events.Stream)
	v.SetDefault("events.codec", d.Events.Codec)
	v.SetDefault("events.max_len", d.Events.MaxLen)
	v.SetDefault("allowlist.file", d.Allowlist.File)
	v.SetDefault("allowlist.interval", d.Allowlist.Interval)
	v.SetDefault("allowlist.zk_servers", d.Allowlist.ZKServers)
	v.SetDefault("allowlist.zk_root", d.Allowlist.ZKRoot)
	v.SetDefault("allowlist.zk_timeout", d.Allowlist.ZKTimeout)
	v.SetDefault("failures.type", d.Failures.Type)
	v.SetDefault("failures.dsn", d.Failures.DSN)
	v.SetDefault("failures.max_attempts", d.Failures.MaxAttempts)
	v.SetDefault("failures.retry_rate", d.Failures.RetryRate)
	v.SetDefault("failures.retry_every", d.Failures.RetryEvery)
	v.SetDefault("replay.enabled", d.Replay.Enabled)
	v.SetDefault("replay.name", d.Replay.Name)
	v.SetDefault("replay.sink", d.Replay.Sink)
	v.SetDefault("replay.path", d.Replay.Path)
	v.SetDefault("replay.dsn", d.Replay.DSN)
	v.SetDefault("replay.workers", d.Replay.Workers)
	v.SetDefault("replay.batch_size", d.Replay.BatchSize)
	v.SetDefault("replay.lease_ttl", d.Replay.LeaseTTL)
	v.SetDefault("replay.window", d.Replay.Window)
	v.SetDefault("replay.window_ttl", d.Replay.WindowTTL)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
}

// Load reads path (optional) over the defaults, then applies the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func oneOf(field, got string, allowed ...string) error {
	for _, a := range allowed {
		if got == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s=%q, want one of %s", field, got, strings.Join(allowed, "|"))
}

func (c Config) Validate() error {
	checks := []error{
		oneOf("log.backend", c.Log.Backend, "zap", "logrus", "slog"),
		oneOf("store.type", c.Store.Type, "local", "redis"),
		oneOf("store.codec", c.Store.Codec, "json", "msgpack", "cbor"),
		oneOf("events.codec", c.Events.Codec, "json", "protobuf"),
		oneOf("events.type", c.Events.Type, "log", "redis"),
		oneOf("failures.type", c.Failures.Type, "memory", "postgres"),
		oneOf("replay.sink", c.Replay.Sink, "memory", "sqlite", "postgres"),
		oneOf("replay.window", c.Replay.Window, "none", "ristretto", "bigcache", "redis"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.Failures.Type == "postgres" && c.Failures.DSN == "" {
		return fmt.Errorf("config: failures.dsn is required for postgres")
	}
	if c.Replay.Sink == "postgres" && c.Replay.DSN == "" {
		return fmt.Errorf("config: replay.dsn is required for postgres")
	}
	if c.Replay.Enabled && c.Events.Type == "log" && c.Replay.Sink != "memory" {
		// an in-process log starts empty on every boot; a durable sink would
		// hold a cursor the new log never reaches
		return fmt.Errorf("config: replay.sink=%s needs events.type=redis", c.Replay.Sink)
	}
	if c.Allowlist.File == "" && len(c.Allowlist.ZKServers) == 0 {
		return fmt.Errorf("config: allowlist.file or allowlist.zk_servers is required")
	}
	return nil
}
