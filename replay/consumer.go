// Package replay ingests the outcome event stream in order and applies it to a
// durable secondary store.
//
// Entries are read in batches and routed to workers by key hash, so events for
// one key are applied in arrival order by a single worker. A batch's cursor is
// committed only after every entry in it was applied; a crash replays the
// uncommitted batch and deduplication makes that harmless:
//
//   - (key, epoch, type, request id, version) in an optional provider.Provider
//     window, where a cache_reset starts a new epoch for the key,
//   - (key, version) against the sink's projection,
//   - the event id, enforced by the sink itself.
//
// Version alone orders a key. An event older than the projection is appended
// to the sink's log without projecting and counted as out_of_order; sequence
// hints are kept on the projection but never reorder it.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/ledgercache"
	"github.com/unkn0wn-root/ledgercache/events"
	"github.com/unkn0wn-root/ledgercache/internal/util"
	"github.com/unkn0wn-root/ledgercache/provider"
)

const (
	DropDuplicate  = "duplicate"
	DropOutOfOrder = "out_of_order"
	DropMalformed  = "malformed"
)

var (
	ErrNoSource = errors.New("replay: source is required")
	ErrNoSink   = errors.New("replay: sink is required")
)

type Options struct {
	Source events.Source // required
	Sink   Sink          // required

	// Name keys the committed cursor in the sink; "" => "default".
	Name string
	// StartAfter is used when the sink holds no cursor for Name.
	StartAfter string

	Leaser   Leaser        // nil => NewMemoryLeaser()
	LeaseTTL time.Duration // 0 => 10s

	// Seen is an optional fast dedupe window in front of the sink.
	Seen    provider.Provider
	SeenTTL time.Duration // 0 => 10m

	Workers   int // 0 => 4
	BatchSize int // 0 => 256

	// IdleAfter ends Rebuild when a read waits this long without entries; 0 => 250ms.
	IdleAfter time.Duration

	WorkerID string // lease token prefix; "" => random
	Logger   ledgercache.Logger
	Hooks    ledgercache.Hooks
}

// Stats counts what the consumer did since it was created.
type Stats struct {
	Applied    uint64 `json:"applied"`
	Duplicates uint64 `json:"duplicates"`
	OutOfOrder uint64 `json:"out_of_order"`
	Malformed  uint64 `json:"malformed"`
	Batches    uint64 `json:"batches"`
}

type Consumer struct {
	src      events.Source
	sink     Sink
	name     string
	start    string
	leaser   Leaser
	leaseTTL time.Duration
	seen     provider.Provider
	seenTTL  time.Duration
	workers  int
	batch    int
	idle     time.Duration
	workerID string
	log      ledgercache.Logger
	hooks    ledgercache.Hooks

	applied, dups, ooo, malformed, batches atomic.Uint64
}

func NewConsumer(opts Options) (*Consumer, error) {
	if opts.Source == nil {
		return nil, ErrNoSource
	}
	if opts.Sink == nil {
		return nil, ErrNoSink
	}
	c := &Consumer{
		src:      opts.Source,
		sink:     opts.Sink,
		name:     opts.Name,
		start:    opts.StartAfter,
		leaser:   opts.Leaser,
		leaseTTL: opts.LeaseTTL,
		seen:     opts.Seen,
		seenTTL:  opts.SeenTTL,
		workers:  opts.Workers,
		batch:    opts.BatchSize,
		idle:     opts.IdleAfter,
		workerID: opts.WorkerID,
		log:      opts.Logger,
		hooks:    opts.Hooks,
	}
	if c.name == "" {
		c.name = "default"
	}
	if c.leaser == nil {
		c.leaser = NewMemoryLeaser()
	}
	if c.leaseTTL <= 0 {
		c.leaseTTL = 10 * time.Second
	}
	if c.seenTTL <= 0 {
		c.seenTTL = 10 * time.Minute
	}
	if c.workers <= 0 {
		c.workers = 4
	}
	if c.batch <= 0 {
		c.batch = 256
	}
	if c.idle <= 0 {
		c.idle = 250 * time.Millisecond
	}
	if c.workerID == "" {
		c.workerID = uuid.NewString()
	}
	if c.log == nil {
		c.log = ledgercache.NopLogger{}
	}
	if c.hooks == nil {
		c.hooks = ledgercache.NopHooks{}
	}
	return c, nil
}

func (c *Consumer) Stats() Stats {
	return Stats{
		Applied:    c.applied.Load(),
		Duplicates: c.dups.Load(),
		OutOfOrder: c.ooo.Load(),
		Malformed:  c.malformed.Load(),
		Batches:    c.batches.Load(),
	}
}

// Run consumes from the committed cursor until ctx ends or the source is
// closed and drained (then it returns nil). A sink error stops Run with the
// batch uncommitted; the caller restarts it.
func (c *Consumer) Run(ctx context.Context) error {
	cursor, err := c.sink.Cursor(ctx, c.name)
	if err != nil {
		return fmt.Errorf("replay: load cursor: %w", err)
	}
	if cursor == "" {
		cursor = c.start
	}
	c.log.Info("replay consumer started", ledgercache.Fields{"consumer": c.name, "cursor": cursor, "workers": c.workers})

	for {
		batch, err := c.src.Read(ctx, cursor, c.batch)
		if errors.Is(err, events.ErrClosed) {
			c.log.Info("replay source drained", ledgercache.Fields{"consumer": c.name, "cursor": cursor})
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("replay: read after %q: %w", cursor, err)
		}
		if len(batch) == 0 {
			continue
		}
		if cursor, err = c.consume(ctx, batch); err != nil {
			return err
		}
	}
}

// Rebuild replays the source from after into the sink and returns once the
// source has nothing more to offer (drained, or idle for IdleAfter). It
// ignores and then overwrites the committed cursor.
func (c *Consumer) Rebuild(ctx context.Context, after string) (string, error) {
	cursor := after
	for {
		rctx, cancel := context.WithTimeout(ctx, c.idle)
		batch, err := c.src.Read(rctx, cursor, c.batch)
		cancel()
		switch {
		case errors.Is(err, events.ErrClosed):
			return cursor, nil
		case err != nil && ctx.Err() != nil:
			return cursor, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return cursor, nil
		case err != nil:
			return cursor, fmt.Errorf("replay: read after %q: %w", cursor, err)
		case len(batch) == 0:
			return cursor, nil
		}
		next, err := c.consume(ctx, batch)
		if err != nil {
			return cursor, err
		}
		cursor = next
	}
}

// consume applies one batch across the worker group and commits its last
// cursor. It returns the new cursor.
func (c *Consumer) consume(ctx context.Context, batch []events.Entry) (string, error) {
	parts := make([][]events.Entry, c.workers)
	for _, ent := range batch {
		i := util.Partition(ent.Event.Key.String(), c.workers)
		parts[i] = append(parts[i], ent)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w, part := range parts {
		if len(part) == 0 {
			continue
		}
		part := part
		token := c.workerID + "/" + strconv.Itoa(w)
		g.Go(func() error {
			for _, ent := range part {
				if err := c.handle(gctx, token, ent); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	last := batch[len(batch)-1].Cursor
	if err := c.sink.Commit(ctx, c.name, last); err != nil {
		return "", fmt.Errorf("replay: commit %q: %w", last, err)
	}
	c.batches.Add(1)
	return last, nil
}

func (c *Consumer) handle(ctx context.Context, token string, ent events.Entry) error {
	e := ent.Event
	if ent.Err != nil || e.ID == "" || e.Key.Validate() != nil {
		c.drop(e.Key.String(), DropMalformed, ledgercache.Fields{"cursor": ent.Cursor, "err": ent.Err})
		return nil
	}
	key := e.Key.String()

	if err := c.acquire(ctx, key, token); err != nil {
		return err
	}
	defer func() {
		if err := c.leaser.Release(context.WithoutCancel(ctx), key, token); err != nil {
			c.log.Warn("lease release failed", ledgercache.Fields{"key": key, "err": err})
		}
	}()

	wk := c.windowKey(ctx, e)
	if wk != "" {
		_, hit, err := c.seen.Get(ctx, wk)
		if err != nil {
			c.log.Warn("dedupe window lookup failed", ledgercache.Fields{"key": key, "err": err})
		} else if hit {
			c.drop(key, DropDuplicate, ledgercache.Fields{"event_id": e.ID, "cursor": ent.Cursor})
			return nil
		}
	}

	// version alone orders a key; sequence is informational
	older := false
	if e.Type.Projects() && e.Type != events.CacheReset {
		p, ok, err := c.sink.Get(ctx, e.Key)
		if err != nil {
			return fmt.Errorf("replay: sink get %s: %w", key, err)
		}
		if ok && e.Version == p.Version {
			c.markSeen(ctx, wk)
			c.drop(key, DropDuplicate, ledgercache.Fields{"event_id": e.ID, "version": e.Version, "applied": p.Version})
			return nil
		}
		older = ok && e.Version < p.Version
	}

	applied, err := c.sink.Apply(ctx, e)
	if err != nil {
		return fmt.Errorf("replay: sink apply %s (%s): %w", key, e.ID, err)
	}
	c.markSeen(ctx, wk)
	if !applied {
		c.drop(key, DropDuplicate, ledgercache.Fields{"event_id": e.ID})
		return nil
	}
	if e.Type == events.CacheReset {
		c.newEpoch(ctx, key)
	}
	if older {
		// logged for audit, projection stays on the newer version
		c.drop(key, DropOutOfOrder, ledgercache.Fields{"event_id": e.ID, "version": e.Version})
		return nil
	}
	c.applied.Add(1)
	return nil
}

// acquire waits for the key's lease with capped exponential backoff.
func (c *Consumer) acquire(ctx context.Context, key, token string) error {
	backoff := 5 * time.Millisecond
	for {
		ok, err := c.leaser.Acquire(ctx, key, token, c.leaseTTL)
		if err != nil {
			return fmt.Errorf("replay: lease %s: %w", key, err)
		}
		if ok {
			return nil
		}
		c.hooks.LeaseContention(key)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, 250*time.Millisecond)
	}
}

// windowKey scopes the dedupe entry to the key's current epoch; a reset
// starts a new epoch so request ids reused after it never hit old entries.
func (c *Consumer) windowKey(ctx context.Context, e events.Event) string {
	if c.seen == nil || e.RequestID == "" || !e.Type.Projects() {
		return ""
	}
	ep := c.epoch(ctx, e.Key.String())
	if ep == "" {
		return ""
	}
	return "replay:seen:" + util.Join(e.Key.Subject, e.Key.Dimension, ep, string(e.Type), e.RequestID, strconv.FormatUint(e.Version, 10))
}

func epochKey(key string) string { return "replay:epoch:" + key }

// epoch returns the key's epoch, starting one if the window has none. A lost
// epoch only costs dedupe hits; the sink still rejects repeats.
func (c *Consumer) epoch(ctx context.Context, key string) string {
	b, hit, err := c.seen.Get(ctx, epochKey(key))
	if err != nil {
		c.log.Warn("dedupe epoch lookup failed", ledgercache.Fields{"key": key, "err": err})
		return ""
	}
	if hit && len(b) > 0 {
		return string(b)
	}
	return c.newEpoch(ctx, key)
}

func (c *Consumer) newEpoch(ctx context.Context, key string) string {
	if c.seen == nil {
		return ""
	}
	ep := uuid.NewString()
	if _, err := c.seen.Set(ctx, epochKey(key), []byte(ep), 1, c.seenTTL); err != nil {
		c.log.Warn("dedupe epoch write failed", ledgercache.Fields{"key": key, "err": err})
		return ""
	}
	return ep
}

func (c *Consumer) markSeen(ctx context.Context, wk string) {
	if wk == "" {
		return
	}
	if _, err := c.seen.Set(ctx, wk, []byte{1}, 1, c.seenTTL); err != nil {
		c.log.Warn("dedupe window write failed", ledgercache.Fields{"err": err})
	}
}

func (c *Consumer) drop(key, reason string, f ledgercache.Fields) {
	switch reason {
	case DropDuplicate:
		c.dups.Add(1)
	case DropOutOfOrder:
		c.ooo.Add(1)
	case DropMalformed:
		c.malformed.Add(1)
	}
	c.hooks.ReplayDropped(key, reason)
	f["key"] = key
	f["reason"] = reason
	c.log.Debug("replay event dropped", f)
}
