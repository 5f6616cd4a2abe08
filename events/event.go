// Package events carries write outcomes out of the gateway.
//
// Every gateway call emits exactly one Event; operator actions emit
// forced_resync and cache_reset. A Source replays emitted events as an
// append-only, ordered sequence of Entry values identified by opaque cursors.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/unkn0wn-root/ledgercache/versionstore"
)

type Type string

const (
	CacheUpdated         Type = "cache_updated"
	CacheUpdateDuplicate Type = "cache_update_duplicate"
	CacheUpdateRejected  Type = "cache_update_rejected"
	CacheUpdateFailed    Type = "cache_update_failed"
	ForcedResync         Type = "forced_resync"
	CacheReset           Type = "cache_reset"
)

// Projects reports whether the event changes the cache entry and therefore
// the downstream projection.
func (t Type) Projects() bool {
	return t == CacheUpdated || t == ForcedResync || t == CacheReset
}

// Event is one outcome.
//
// Values holds the resulting entry values for cache_updated and
// forced_resync, and the attempted values for the other types.
// Version is the resulting version (0 after a reset); PrevVersion the one
// observed before the attempt.
type Event struct {
	ID          string              `json:"id"`
	Type        Type                `json:"type"`
	Key         versionstore.Key    `json:"key"`
	Kind        string              `json:"kind,omitempty"`
	RequestID   string              `json:"request_id,omitempty"`
	Sequence    uint64              `json:"sequence,omitempty"`
	Version     uint64              `json:"version"`
	PrevVersion uint64              `json:"prev_version"`
	Values      versionstore.Values `json:"values,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	Caller      string              `json:"caller,omitempty"`
	At          time.Time           `json:"at"`
}

// Entry is an immutable replay log record.
// Err is set when the stored payload could not be decoded; the entry still
// advances the cursor.
type Entry struct {
	Cursor string `json:"cursor"`
	Event  Event  `json:"event"`
	Err    error  `json:"-"`
}

var ErrClosed = errors.New("events: source closed")

// Emitter publishes events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// Source reads entries strictly after cursor ("" = from the beginning), in
// append order. Read may block until at least one entry is available or ctx
// ends; an empty result with nil error means "nothing yet, poll again".
// ErrClosed means the source is drained and will never grow.
type Source interface {
	Read(ctx context.Context, after string, limit int) ([]Entry, error)
}

type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }

type Func func(ctx context.Context, e Event) error

func (f Func) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi fans out to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, em := range m {
		if err := em.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
