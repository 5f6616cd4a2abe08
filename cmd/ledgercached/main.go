// Command ledgercached runs the ledger cache push gateway, the
// reconciliation manager and the replay consumer behind one HTTP listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/unkn0wn-root/ledgercache"
	asynchook "github.com/unkn0wn-root/ledgercache/hooks/async"
	"github.com/unkn0wn-root/ledgercache/internal/config"
	"github.com/unkn0wn-root/ledgercache/internal/httpapi"
	"github.com/unkn0wn-root/ledgercache/internal/telemetry"
	"github.com/unkn0wn-root/ledgercache/promhooks"
	"github.com/unkn0wn-root/ledgercache/reconcile"
	"github.com/unkn0wn-root/ledgercache/replay"
	"github.com/unkn0wn-root/ledgercache/sloghooks"
)

func main() {
	path := flag.String("config", os.Getenv("LEDGERCACHE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cs closers
	defer cs.run()

	log, syncLog, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	cs.add(syncLog)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	cs.add(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := promhooks.New()
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	hooks := asynchook.New(ledgercache.MultiHooks{
		metrics,
		sloghooks.New(newSlog(cfg.Log.Level), sloghooks.Options{OutcomeEvery: 100, ReplayDropEvery: 100}),
	}, 1, 4096)
	cs.add(hooks.Close)

	var rdb redis.UniversalClient
	if needsRedis(cfg) {
		client, err := newRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		cs.add(func() { _ = client.Close() })
		rdb = client
	}

	store, err := newStore(cfg.Store, rdb)
	if err != nil {
		return fmt.Errorf("version store: %w", err)
	}
	bus, err := newEvents(cfg.Events, rdb)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	writers, operators, err := newAllowlist(ctx, cfg.Allowlist, log, &cs)
	if err != nil {
		return fmt.Errorf("allow-list: %w", err)
	}
	failures, err := newFailureStore(ctx, cfg.Failures, &cs)
	if err != nil {
		return err
	}

	mgr, err := reconcile.New(reconcile.Options{
		Store:       store,
		Operators:   operators,
		Failures:    failures,
		Events:      bus,
		Logger:      log,
		Hooks:       hooks,
		MaxAttempts: cfg.Failures.MaxAttempts,
		RetryRate:   rate.Limit(cfg.Failures.RetryRate),
	})
	if err != nil {
		return err
	}
	cache, err := ledgercache.New(ledgercache.Options{
		Authorizer: writers,
		Store:      store,
		Events:     bus,
		Failures:   mgr,
		Logger:     log,
		Hooks:      hooks,
	})
	if err != nil {
		return err
	}
	cs.add(func() { _ = cache.Close(context.Background()) })

	var sink replay.Sink
	if cfg.Replay.Enabled {
		if sink, err = startReplay(ctx, cfg, bus, rdb, log, hooks, &cs); err != nil {
			return err
		}
	}
	if cfg.Failures.RetryEvery > 0 {
		go retryLoop(ctx, mgr, cache, cfg.Failures.RetryEvery, log)
	}

	api, err := httpapi.New(httpapi.Options{
		Cache:       cache,
		Manager:     mgr,
		Projections: sink,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:      log,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("ledgercached started", ledgercache.Fields{
		"addr": cfg.Server.Addr, "store": cfg.Store.Type, "events": cfg.Events.Type, "replay_sink": cfg.Replay.Sink,
	})

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down", nil)
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func startReplay(ctx context.Context, cfg config.Config, src eventBus, rdb redis.UniversalClient, log ledgercache.Logger, hooks ledgercache.Hooks, cs *closers) (replay.Sink, error) {
	sink, err := newSink(ctx, cfg.Replay, cs)
	if err != nil {
		return nil, err
	}
	window, err := newWindow(ctx, cfg.Replay, rdb, cs)
	if err != nil {
		return nil, err
	}
	leaser, err := newLeaser(rdb)
	if err != nil {
		return nil, err
	}
	consumer, err := replay.NewConsumer(replay.Options{
		Source:    src,
		Sink:      sink,
		Name:      cfg.Replay.Name,
		Leaser:    leaser,
		LeaseTTL:  cfg.Replay.LeaseTTL,
		Seen:      window,
		SeenTTL:   cfg.Replay.WindowTTL,
		Workers:   cfg.Replay.Workers,
		BatchSize: cfg.Replay.BatchSize,
		WorkerID:  "ledgercached-" + uuid.NewString()[:8],
		Logger:    log,
		Hooks:     hooks,
	})
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Run(rctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("replay consumer stopped", ledgercache.Fields{"err": err})
		}
	}()
	// the sink must outlive the consumer
	cs.add(func() {
		cancel()
		<-done
	})
	return sink, nil
}

func retryLoop(ctx context.Context, mgr *reconcile.Manager, sub reconcile.Submitter, every time.Duration, log ledgercache.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sum, err := mgr.RetryPending(ctx, sub, 0)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("retry pending failures", ledgercache.Fields{"err": err})
				continue
			}
			if sum.Resolved+sum.Abandoned > 0 {
				log.Info("pending failures retried", ledgercache.Fields{
					"resolved": sum.Resolved, "abandoned": sum.Abandoned, "pending": sum.Pending,
				})
			}
		}
	}
}
