package reconcile

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/unkn0wn-root/ledgercache"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

// State of a recorded push failure.
type State string

const (
	StatePending   State = "pending"   // retryable
	StateResolved  State = "resolved"  // a retry landed, or an operator resync superseded it
	StateAbandoned State = "abandoned" // a retry was rejected; needs ForceResync
)

var ErrNotFound = errors.New("reconcile: failure not found")

// Record is a push failure plus its reconciliation progress.
type Record struct {
	ledgercache.Failure
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r Record) clone() Record {
	r.Values = r.Values.Clone()
	return r
}

// Filter selects records for List. Zero fields match everything.
type Filter struct {
	State     State
	Key       versionstore.Key
	RequestID string
	Limit     int
}

func (f Filter) match(r Record) bool {
	return (f.State == "" || r.State == f.State) &&
		(f.Key == (versionstore.Key{}) || r.Key == f.Key) &&
		(f.RequestID == "" || r.RequestID == f.RequestID)
}

// Store persists failure records. List returns records oldest first
// (by At, then ID) so retries replay a key's failures in version order.
type Store interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
}

type memory struct {
	mu   sync.RWMutex
	byID map[string]Record
}

// NewMemory returns a process-local Store; multi-process deployments use
// reconcile/postgres.
func NewMemory() Store {
	return &memory{byID: make(map[string]Record)}
}

func (m *memory) Put(_ context.Context, r Record) error {
	m.mu.Lock()
	m.byID[r.ID] = r.clone()
	m.mu.Unlock()
	return nil
}

func (m *memory) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.clone(), nil
}

func (m *memory) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.byID))
	for _, r := range m.byID {
		if f.match(r) {
			out = append(out, r.clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
