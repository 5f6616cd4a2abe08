package ledgercache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/ledgercache/events"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

type (
	Key    = versionstore.Key
	Values = versionstore.Values
	Entry  = versionstore.Record // cache entry as seen by readers
)

// PushRequest is one write from the ledger to the cache.
//
// NextVersion is the version the entry must reach: current+1. Zero selects
// legacy self-increment mode, which skips staleness and duplicate detection;
// prefer strict mode for anything that can be retried.
// RequestID is the ledger-side idempotency token (required in strict mode).
// Sequence is an optional per-key ordering hint forwarded to replay.
type PushRequest struct {
	Caller      Caller
	Key         Key
	Values      Values
	NextVersion uint64
	RequestID   string
	Sequence    uint64
}

// Cache is the push gateway and read interface.
type Cache interface {
	// Get never blocks on writers and never returns a partially applied write.
	Get(ctx context.Context, key Key) (e Entry, ok bool, err error)

	// SubmitSnapshot replaces the entry's values with absolute ones.
	SubmitSnapshot(ctx context.Context, req PushRequest) Outcome
	// SubmitDelta adds signed changes to the entry's values.
	SubmitDelta(ctx context.Context, req PushRequest) Outcome

	Close(context.Context) error
}

// Options configure the gateway. Only Authorizer is required.
type Options struct {
	Authorizer Authorizer // checked on every call

	Store    versionstore.Store // nil => versionstore.NewLocal()
	Events   events.Emitter     // nil => events.Nop{}
	Failures FailureRecorder    // nil => failures are only logged
	Logger   Logger             // nil => NopLogger
	Hooks    Hooks              // nil => NopHooks
	Tracer   trace.Tracer       // nil => global otel tracer

	Now   func() time.Time // nil => time.Now
	NewID func() string    // event ids; nil => uuid.NewString
}

func New(opts Options) (Cache, error) {
	return newGateway(opts)
}
