// Package versionstore holds the per-key versioned cache entries and the
// single write rule every implementation shares (see Decide).
//
// Implementations:
//   - Local: in-process, lock-free per key (default).
//   - Redis: shared across replicas; optimistic WATCH/MULTI per key.
//
// The error return of Store methods is reserved for infrastructure failures.
// Logical outcomes (duplicate, stale version, invalid delta) are reported in Result.
package versionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/ledgercache/internal/util"
)

var (
	ErrInvalidKey    = errors.New("versionstore: invalid key")
	ErrInvalidValues = errors.New("versionstore: invalid values")
	// ErrContention is returned when a distributed store keeps losing the
	// optimistic race for one key past its retry budget.
	ErrContention = errors.New("versionstore: write contention")
)

// Key addresses one cache entry, e.g. (account, resource class).
type Key struct {
	Subject   string `json:"subject"`
	Dimension string `json:"dimension"`
}

func (k Key) String() string { return util.Join(k.Subject, k.Dimension) }

func (k Key) Validate() error {
	if k.Subject == "" || k.Dimension == "" {
		return ErrInvalidKey
	}
	return nil
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, error) {
	parts, err := util.Split(s, 2)
	if err != nil {
		return Key{}, ErrInvalidKey
	}
	k := Key{Subject: parts[0], Dimension: parts[1]}
	return k, k.Validate()
}

// Record is a cache entry. Version 0 means the key was never written.
// Values of a stored Record are never mutated in place.
type Record struct {
	Key           Key       `json:"key"`
	Values        Values    `json:"values"`
	Version       uint64    `json:"version"`
	LastRequestID string    `json:"last_request_id,omitempty"`
	LastSequence  uint64    `json:"last_sequence,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (r Record) Clone() Record {
	r.Values = r.Values.Clone()
	return r
}

type Kind uint8

const (
	Snapshot Kind = iota + 1 // absolute values replace the entry
	Delta                    // signed changes added to the entry
)

func (k Kind) String() string {
	switch k {
	case Snapshot:
		return "snapshot"
	case Delta:
		return "delta"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "snapshot":
		return Snapshot, nil
	case "delta":
		return Delta, nil
	}
	return 0, fmt.Errorf("versionstore: unknown kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Mutation is one write attempt.
// NextVersion 0 selects legacy self-increment mode: no staleness or duplicate
// detection, only the underflow guard applies.
type Mutation struct {
	Key         Key
	Kind        Kind
	Values      Values
	NextVersion uint64
	RequestID   string
	Sequence    uint64
	// At stamps UpdatedAt on an accepted write. Zero means the store's clock.
	At time.Time
}

func (m Mutation) Strict() bool { return m.NextVersion != 0 }

func (m Mutation) stamp(now func() time.Time) time.Time {
	if !m.At.IsZero() {
		return m.At
	}
	return now()
}

type Status uint8

const (
	Accepted Status = iota + 1
	Duplicate
	Rejected
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type Reason string

const (
	ReasonNone           Reason = ""
	ReasonStaleVersion   Reason = "stale_version"
	ReasonInvalidDelta   Reason = "invalid_delta"
	ReasonInvalidRequest Reason = "invalid_request"
)

// Result is the logical outcome of Apply.
// Record is the post-write entry when Accepted and the current entry otherwise.
type Result struct {
	Status   Status
	Reason   Reason
	Record   Record
	Previous uint64 // version observed before the attempt
	Field    string // offending value name for InvalidDelta / InvalidRequest
}

// Store is the version store contract.
type Store interface {
	// Get returns the current entry; ok=false if never written (or reset).
	Get(ctx context.Context, key Key) (rec Record, ok bool, err error)
	// Apply runs Decide atomically against the current entry for m.Key.
	Apply(ctx context.Context, m Mutation) (Result, error)
	// Resync overwrites the entry unconditionally and sets version = current+1.
	// requestID becomes the entry's last request id.
	Resync(ctx context.Context, key Key, values Values, requestID string) (Result, error)
	// Reset clears the entry. The returned record is what was removed.
	Reset(ctx context.Context, key Key) (removed Record, ok bool, err error)
	// Keys lists every written key.
	Keys(ctx context.Context) ([]Key, error)
	Close(context.Context) error
}
