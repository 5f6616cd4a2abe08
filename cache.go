package ledgercache

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/ledgercache/events"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

const tracerName = "github.com/unkn0wn-root/ledgercache"

type gateway struct {
	auth     Authorizer
	store    versionstore.Store
	events   events.Emitter
	failures FailureRecorder
	log      Logger
	hooks    Hooks
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

func newGateway(opts Options) (*gateway, error) {
	if opts.Authorizer == nil {
		return nil, ErrNoAuthorizer
	}
	opts = opts.withDefaults()
	return &gateway{
		auth:     opts.Authorizer,
		store:    opts.Store,
		events:   opts.Events,
		failures: opts.Failures,
		log:      opts.Logger,
		hooks:    opts.Hooks,
		tracer:   opts.Tracer,
		now:      opts.Now,
		newID:    opts.NewID,
	}, nil
}

func (g *gateway) Get(ctx context.Context, key Key) (Entry, bool, error) {
	return g.store.Get(ctx, key)
}

func (g *gateway) SubmitSnapshot(ctx context.Context, req PushRequest) Outcome {
	return g.submit(ctx, versionstore.Snapshot, req)
}

func (g *gateway) SubmitDelta(ctx context.Context, req PushRequest) Outcome {
	return g.submit(ctx, versionstore.Delta, req)
}

func (g *gateway) Close(ctx context.Context) error {
	return g.store.Close(ctx)
}

func (g *gateway) submit(ctx context.Context, kind versionstore.Kind, req PushRequest) (out Outcome) {
	ctx, span := g.tracer.Start(ctx, "ledgercache.submit_"+kind.String(),
		trace.WithAttributes(
			attribute.String("ledgercache.key", req.Key.String()),
			attribute.String("ledgercache.caller", string(req.Caller)),
			attribute.Int64("ledgercache.next_version", int64(req.NextVersion)),
		))
	defer func() {
		span.SetAttributes(
			attribute.String("ledgercache.status", string(out.Status)),
			attribute.String("ledgercache.reason", string(out.Reason)),
			attribute.Int64("ledgercache.version", int64(out.Version)),
		)
		if out.Status == StatusFailed {
			span.RecordError(out.Cause)
			span.SetStatus(codes.Error, string(out.Reason))
		}
		span.End()
		g.hooks.Outcome(string(out.Status), string(out.Reason))
	}()

	m := versionstore.Mutation{
		Key:         req.Key,
		Kind:        kind,
		Values:      req.Values,
		NextVersion: req.NextVersion,
		RequestID:   req.RequestID,
		Sequence:    req.Sequence,
		At:          g.now().UTC(),
	}
	out = Outcome{Key: req.Key, RequestID: req.RequestID, Sequence: req.Sequence}

	ok, err := g.auth.IsAuthorizedWriter(ctx, req.Caller)
	if err != nil {
		return g.fail(ctx, out, req, m, fmt.Errorf("authorize %q: %w", req.Caller, err))
	}
	if !ok {
		out.Status, out.Reason = StatusRejected, ReasonUnauthorized
		g.log.Warn("push rejected: caller not on allow-list", Fields{"caller": req.Caller, "key": req.Key.String()})
		out.EventID = g.emit(ctx, events.CacheUpdateRejected, req, m, out)
		return out
	}

	// once the write reaches the store its outcome is always determined and emitted
	ctx = context.WithoutCancel(ctx)

	res, err := g.store.Apply(ctx, m)
	if err != nil {
		return g.fail(ctx, out, req, m, err)
	}

	out.Version = res.Record.Version
	out.Previous = res.Previous
	out.Field = res.Field
	switch res.Status {
	case versionstore.Accepted:
		out.Status = StatusAccepted
		g.log.Debug("push accepted", Fields{"key": req.Key.String(), "version": out.Version, "request_id": req.RequestID})
		out.EventID = g.emitAccepted(ctx, req, m, res)
		return out
	case versionstore.Duplicate:
		out.Status = StatusDuplicate
		g.log.Debug("push duplicate", Fields{"key": req.Key.String(), "version": out.Version, "request_id": req.RequestID})
		out.EventID = g.emit(ctx, events.CacheUpdateDuplicate, req, m, out)
		return out
	default:
		out.Status, out.Reason = StatusRejected, Reason(res.Reason)
		if res.Reason == versionstore.ReasonStaleVersion {
			g.hooks.StaleWrite(req.Key.String(), req.NextVersion, res.Record.Version)
		}
		g.log.Info("push rejected", Fields{
			"key": req.Key.String(), "reason": out.Reason, "field": out.Field,
			"next_version": req.NextVersion, "current": out.Version, "request_id": req.RequestID,
		})
		out.EventID = g.emit(ctx, events.CacheUpdateRejected, req, m, out)
		return out
	}
}

// fail turns an infrastructure error into a PushFailed outcome, records it for
// reconciliation and emits cache_update_failed. It never retries.
func (g *gateway) fail(ctx context.Context, out Outcome, req PushRequest, m versionstore.Mutation, err error) Outcome {
	ctx = context.WithoutCancel(ctx)
	out.Status, out.Reason = StatusFailed, ReasonPushFailed
	out.Cause = &PushFailedError{Key: req.Key, RequestID: req.RequestID, Err: err}

	key := req.Key.String()
	g.hooks.PushFailed(key, err)
	g.log.Error("cache push failed; ledger write stands", Fields{
		"key": key, "request_id": req.RequestID, "next_version": req.NextVersion, "err": err,
	})

	if g.failures != nil {
		f := Failure{
			ID:          g.newID(),
			Key:         req.Key,
			Kind:        m.Kind,
			Values:      req.Values.Clone(),
			NextVersion: req.NextVersion,
			RequestID:   req.RequestID,
			Sequence:    req.Sequence,
			Caller:      req.Caller,
			Error:       err.Error(),
			At:          g.now().UTC(),
		}
		if rerr := g.failures.RecordFailure(ctx, f); rerr != nil {
			g.hooks.FailureRecordError(key, rerr)
			g.log.Error("push failure could not be recorded", Fields{"key": key, "request_id": req.RequestID, "err": rerr})
		}
	}

	out.EventID = g.emit(ctx, events.CacheUpdateFailed, req, m, out)
	return out
}

func (g *gateway) emitAccepted(ctx context.Context, req PushRequest, m versionstore.Mutation, res versionstore.Result) string {
	ev := g.event(events.CacheUpdated, req, m)
	ev.Values = res.Record.Values
	ev.Version = res.Record.Version
	ev.PrevVersion = res.Previous
	ev.At = res.Record.UpdatedAt
	return g.publish(ctx, ev)
}

func (g *gateway) emit(ctx context.Context, typ events.Type, req PushRequest, m versionstore.Mutation, out Outcome) string {
	ev := g.event(typ, req, m)
	ev.Values = req.Values.Clone()
	ev.Version = out.Version
	ev.PrevVersion = out.Previous
	ev.Reason = string(out.Reason)
	return g.publish(ctx, ev)
}

func (g *gateway) event(typ events.Type, req PushRequest, m versionstore.Mutation) events.Event {
	return events.Event{
		ID:        g.newID(),
		Type:      typ,
		Key:       req.Key,
		Kind:      m.Kind.String(),
		RequestID: req.RequestID,
		Sequence:  req.Sequence,
		Caller:    string(req.Caller),
		At:        m.At,
	}
}

func (g *gateway) publish(ctx context.Context, ev events.Event) string {
	if err := g.events.Emit(ctx, ev); err != nil {
		g.hooks.EmitError(string(ev.Type), err)
		g.log.Error("outcome event not published", Fields{"type": ev.Type, "key": ev.Key.String(), "err": err})
	}
	return ev.ID
}
