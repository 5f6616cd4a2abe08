// Package reconcile keeps cache push failures as first-class records and gives
// operators the tools to close the gap between ledger and cache: retrying
// recorded pushes, forcing a resync from ledger truth, clearing an entry and
// checking an entry for drift.
//
// None of these operations touch the ledger. A failed push never reverses the
// ledger write that produced it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/unkn0wn-root/ledgercache"
	"github.com/unkn0wn-root/ledgercache/events"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

const tracerName = "github.com/unkn0wn-root/ledgercache/reconcile"

var (
	ErrNoStore     = errors.New("reconcile: version store is required")
	ErrNoOperators = errors.New("reconcile: operator authorizer is required")
	ErrNotPending  = errors.New("reconcile: failure is not pending")
)

// Submitter re-submits pushes; ledgercache.Cache satisfies it.
type Submitter interface {
	SubmitSnapshot(ctx context.Context, req ledgercache.PushRequest) ledgercache.Outcome
	SubmitDelta(ctx context.Context, req ledgercache.PushRequest) ledgercache.Outcome
}

type Options struct {
	Store     versionstore.Store     // required; the store the gateway writes to
	Operators ledgercache.Authorizer // required; gates ForceResync and Reset

	Failures Store          // nil => NewMemory()
	Events   events.Emitter // nil => events.Nop{}
	Logger   ledgercache.Logger
	Hooks    ledgercache.Hooks
	Tracer   trace.Tracer

	// MaxAttempts abandons a failure after this many failed pushes; 0 => never.
	MaxAttempts int
	// RetryRate paces RetryPending; 0 => 20/s. RetryBurst defaults to 1.
	RetryRate  rate.Limit
	RetryBurst int

	Now   func() time.Time
	NewID func() string
}

// Manager implements ledgercache.FailureRecorder and the operator actions.
type Manager struct {
	store     versionstore.Store
	operators ledgercache.Authorizer
	failures  Store
	events    events.Emitter
	log       ledgercache.Logger
	hooks     ledgercache.Hooks
	tracer    trace.Tracer
	limiter   *rate.Limiter
	maxTries  int
	now       func() time.Time
	newID     func() string
}

var _ ledgercache.FailureRecorder = (*Manager)(nil)

func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}
	if opts.Operators == nil {
		return nil, ErrNoOperators
	}
	m := &Manager{
		store:     opts.Store,
		operators: opts.Operators,
		failures:  opts.Failures,
		events:    opts.Events,
		log:       opts.Logger,
		hooks:     opts.Hooks,
		tracer:    opts.Tracer,
		maxTries:  opts.MaxAttempts,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if m.failures == nil {
		m.failures = NewMemory()
	}
	if m.events == nil {
		m.events = events.Nop{}
	}
	if m.log == nil {
		m.log = ledgercache.NopLogger{}
	}
	if m.hooks == nil {
		m.hooks = ledgercache.NopHooks{}
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	limit, burst := opts.RetryRate, opts.RetryBurst
	if limit <= 0 {
		limit = 20
	}
	if burst <= 0 {
		burst = 1
	}
	m.limiter = rate.NewLimiter(limit, burst)
	return m, nil
}

// RecordFailure stores f as a pending failure. A failure for a push that is
// already pending (same key and request id) refreshes that record instead of
// adding another one, so a failing retry does not multiply records.
func (m *Manager) RecordFailure(ctx context.Context, f ledgercache.Failure) error {
	now := m.now().UTC()
	if f.ID == "" {
		f.ID = m.newID()
	}
	if f.At.IsZero() {
		f.At = now
	}

	if f.RequestID != "" {
		open, err := m.failures.List(ctx, Filter{State: StatePending, Key: f.Key, RequestID: f.RequestID, Limit: 1})
		if err != nil {
			return fmt.Errorf("reconcile: lookup pending %s: %w", f.Key, err)
		}
		if len(open) == 1 {
			r := open[0]
			r.LastError = f.Error
			r.UpdatedAt = now
			return m.failures.Put(ctx, r)
		}
	}

	r := Record{Failure: f, State: StatePending, Attempts: 1, LastError: f.Error, UpdatedAt: now}
	if err := m.failures.Put(ctx, r); err != nil {
		return fmt.Errorf("reconcile: record failure %s: %w", f.Key, err)
	}
	m.log.Warn("push failure recorded", ledgercache.Fields{"id": f.ID, "key": f.Key.String(), "request_id": f.RequestID})
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (Record, error) {
	return m.failures.Get(ctx, id)
}

// Pending lists retryable failures, oldest first.
func (m *Manager) Pending(ctx context.Context, limit int) ([]Record, error) {
	return m.failures.List(ctx, Filter{State: StatePending, Limit: limit})
}

// List exposes the underlying store query.
func (m *Manager) List(ctx context.Context, f Filter) ([]Record, error) {
	return m.failures.List(ctx, f)
}

// Retry re-submits a pending failure with its original request id.
//
//	Accepted, Duplicate -> resolved
//	Rejected            -> abandoned; the entry needs ForceResync
//	Failed              -> stays pending (abandoned after MaxAttempts)
func (m *Manager) Retry(ctx context.Context, sub Submitter, id string) (out ledgercache.Outcome, err error) {
	ctx, span := m.tracer.Start(ctx, "reconcile.retry", trace.WithAttributes(attribute.String("reconcile.failure_id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	r, err := m.failures.Get(ctx, id)
	if err != nil {
		return ledgercache.Outcome{}, err
	}
	if r.State != StatePending {
		return ledgercache.Outcome{}, fmt.Errorf("%w: %s is %s", ErrNotPending, id, r.State)
	}

	req := r.Request()
	if r.Kind == versionstore.Delta {
		out = sub.SubmitDelta(ctx, req)
	} else {
		out = sub.SubmitSnapshot(ctx, req)
	}

	r.Attempts++
	r.UpdatedAt = m.now().UTC()
	switch out.Status {
	case ledgercache.StatusAccepted, ledgercache.StatusDuplicate:
		r.State, r.LastError = StateResolved, ""
	case ledgercache.StatusRejected:
		r.State, r.LastError = StateAbandoned, out.Err().Error()
		m.log.Warn("retried push rejected; entry needs resync", ledgercache.Fields{
			"id": id, "key": r.Key.String(), "reason": out.Reason, "version": out.Version,
		})
	default:
		if out.Cause != nil {
			r.LastError = out.Cause.Error()
		}
		if m.maxTries > 0 && r.Attempts >= m.maxTries {
			r.State = StateAbandoned
		}
	}
	span.SetAttributes(attribute.String("reconcile.state", string(r.State)), attribute.Int("reconcile.attempts", r.Attempts))
	if err := m.failures.Put(ctx, r); err != nil {
		return out, fmt.Errorf("reconcile: update %s: %w", id, err)
	}
	return out, nil
}

// RetrySummary counts the states pending failures moved to.
type RetrySummary struct {
	Resolved  int `json:"resolved"`
	Abandoned int `json:"abandoned"`
	Pending   int `json:"pending"`
}

// RetryPending retries up to limit pending failures, oldest first, paced by
// the configured rate. It stops at the first store error or when ctx ends.
func (m *Manager) RetryPending(ctx context.Context, sub Submitter, limit int) (RetrySummary, error) {
	var sum RetrySummary
	pending, err := m.Pending(ctx, limit)
	if err != nil {
		return sum, err
	}
	for _, r := range pending {
		if err := m.limiter.Wait(ctx); err != nil {
			return sum, err
		}
		if _, err := m.Retry(ctx, sub, r.ID); err != nil {
			if errors.Is(err, ErrNotPending) {
				continue // resolved concurrently
			}
			return sum, err
		}
		cur, err := m.failures.Get(ctx, r.ID)
		if err != nil {
			return sum, err
		}
		switch cur.State {
		case StateResolved:
			sum.Resolved++
		case StateAbandoned:
			sum.Abandoned++
		default:
			sum.Pending++
		}
	}
	return sum, nil
}

// AuthorizeOperator fails with ledgercache.ErrUnauthorized unless op is an operator.
func (m *Manager) AuthorizeOperator(ctx context.Context, op ledgercache.Caller) error {
	ok, err := m.operators.IsAuthorizedWriter(ctx, op)
	if err != nil {
		return fmt.Errorf("reconcile: authorize operator %q: %w", op, err)
	}
	if !ok {
		return fmt.Errorf("%w: operator %q", ledgercache.ErrUnauthorized, op)
	}
	return nil
}

// ForceResync overwrites key with authoritative values regardless of its
// version, sets version = current+1 and emits forced_resync. Open failures for
// key are marked resolved: the resync supersedes them.
func (m *Manager) ForceResync(ctx context.Context, op ledgercache.Caller, key versionstore.Key, values versionstore.Values) (rec versionstore.Record, err error) {
	ctx, span := m.tracer.Start(ctx, "reconcile.force_resync", trace.WithAttributes(
		attribute.String("ledgercache.key", key.String()),
		attribute.String("reconcile.operator", string(op)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := m.AuthorizeOperator(ctx, op); err != nil {
		return versionstore.Record{}, err
	}
	rid := "resync-" + m.newID()
	res, err := m.store.Resync(ctx, key, values, rid)
	if err != nil {
		if errors.Is(err, versionstore.ErrInvalidKey) || errors.Is(err, versionstore.ErrInvalidValues) {
			return versionstore.Record{}, fmt.Errorf("%w: %v", ledgercache.ErrInvalidRequest, err)
		}
		return versionstore.Record{}, fmt.Errorf("reconcile: resync %s: %w", key, err)
	}
	rec = res.Record
	span.SetAttributes(attribute.Int64("ledgercache.version", int64(rec.Version)))

	m.hooks.ForcedResync(key.String(), rec.Version)
	m.log.Info("forced resync", ledgercache.Fields{
		"key": key.String(), "operator": op, "version": rec.Version, "previous": res.Previous,
	})
	m.publish(ctx, events.Event{
		ID:          m.newID(),
		Type:        events.ForcedResync,
		Key:         key,
		Kind:        versionstore.Snapshot.String(),
		RequestID:   rid,
		Version:     rec.Version,
		PrevVersion: res.Previous,
		Values:      rec.Values.Clone(),
		Caller:      string(op),
		At:          rec.UpdatedAt,
	})

	m.supersede(ctx, key, rid)
	return rec, nil
}

// Reset clears key and emits cache_reset. The next strict write must target
// version 1. ok is false if the key held no entry; no event is emitted then.
func (m *Manager) Reset(ctx context.Context, op ledgercache.Caller, key versionstore.Key) (ok bool, err error) {
	ctx, span := m.tracer.Start(ctx, "reconcile.reset", trace.WithAttributes(
		attribute.String("ledgercache.key", key.String()),
		attribute.String("reconcile.operator", string(op)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := m.AuthorizeOperator(ctx, op); err != nil {
		return false, err
	}
	if err := key.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ledgercache.ErrInvalidRequest, err)
	}
	removed, ok, err := m.store.Reset(ctx, key)
	if err != nil {
		return false, fmt.Errorf("reconcile: reset %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	m.hooks.CacheReset(key.String())
	m.log.Info("cache entry reset", ledgercache.Fields{"key": key.String(), "operator": op, "previous": removed.Version})
	m.publish(ctx, events.Event{
		ID:          m.newID(),
		Type:        events.CacheReset,
		Key:         key,
		PrevVersion: removed.Version,
		Caller:      string(op),
		At:          m.now().UTC(),
	})
	m.supersede(ctx, key, "reset")
	return true, nil
}

// Drift compares a cache entry with ledger truth.
// Diff holds authoritative-cached per value; names that agree are omitted.
type Drift struct {
	Key     versionstore.Key    `json:"key"`
	Version uint64              `json:"version"`
	Missing bool                `json:"missing"`
	Cached  versionstore.Values `json:"cached,omitempty"`
	Diff    versionstore.Values `json:"diff,omitempty"`
}

func (d Drift) InSync() bool { return !d.Missing && len(d.Diff) == 0 }

// Verify reports whether key drifted from the authoritative values. It does
// not repair anything; use ForceResync for that.
func (m *Manager) Verify(ctx context.Context, key versionstore.Key, authoritative versionstore.Values) (Drift, error) {
	d := Drift{Key: key}
	rec, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return d, fmt.Errorf("reconcile: verify %s: %w", key, err)
	}
	if !ok {
		d.Missing = true
		d.Diff = versionstore.Values{}.Diff(authoritative)
		return d, nil
	}
	d.Version = rec.Version
	d.Cached = rec.Values
	d.Diff = rec.Values.Diff(authoritative)
	if !d.InSync() {
		m.log.Warn("cache drift detected", ledgercache.Fields{"key": key.String(), "version": rec.Version, "names": d.Diff.Names()})
	}
	return d, nil
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if err := m.events.Emit(ctx, ev); err != nil {
		m.hooks.EmitError(string(ev.Type), err)
		m.log.Error("operator event not published", ledgercache.Fields{"type": ev.Type, "key": ev.Key.String(), "err": err})
	}
}

func (m *Manager) supersede(ctx context.Context, key versionstore.Key, by string) {
	for _, st := range []State{StatePending, StateAbandoned} {
		open, err := m.failures.List(ctx, Filter{State: st, Key: key})
		if err != nil {
			m.log.Error("list failures to supersede", ledgercache.Fields{"key": key.String(), "err": err})
			return
		}
		for _, r := range open {
			r.State = StateResolved
			r.LastError = "superseded by " + by
			r.UpdatedAt = m.now().UTC()
			if err := m.failures.Put(ctx, r); err != nil {
				m.log.Error("supersede failure", ledgercache.Fields{"id": r.ID, "err": err})
			}
		}
	}
}
