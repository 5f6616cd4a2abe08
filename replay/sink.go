package replay

import (
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/ledgercache/events"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

// Projection is the durable copy of one cache entry.
type Projection struct {
	Key       versionstore.Key    `json:"key"`
	Values    versionstore.Values `json:"values"`
	Version   uint64              `json:"version"`
	Sequence  uint64              `json:"sequence,omitempty"`
	EventID   string              `json:"event_id"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Sink is the durable secondary store the consumer writes to.
//
// Apply must be atomic and idempotent by event id: it appends e to the replay
// log and, when e.Type.Projects(), updates the projection in the same
// transaction. applied=false means the event id was already recorded and
// nothing changed. cache_updated and forced_resync replace the projection only
// when their version is above the projected one; an older version is logged
// and leaves the projection alone. cache_reset deletes it. Sequence is kept as
// the highest seen.
type Sink interface {
	Get(ctx context.Context, key versionstore.Key) (p Projection, ok bool, err error)
	Apply(ctx context.Context, e events.Event) (applied bool, err error)

	// Cursor returns the last committed source cursor for consumer ("" if none).
	Cursor(ctx context.Context, consumer string) (string, error)
	Commit(ctx context.Context, consumer, cursor string) error

	Close() error
}

// project computes the projection after e; ok=false means the entry is gone.
func project(cur Projection, had bool, e events.Event) (Projection, bool) {
	if e.Type == events.CacheReset {
		return Projection{}, false
	}
	if had && e.Version <= cur.Version {
		return cur, true
	}
	next := Projection{
		Key:       e.Key,
		Values:    e.Values.Clone(),
		Version:   e.Version,
		Sequence:  e.Sequence,
		EventID:   e.ID,
		UpdatedAt: e.At.UTC(),
	}
	if had && cur.Sequence > next.Sequence {
		next.Sequence = cur.Sequence
	}
	return next, true
}

// MemorySink keeps the projection and replay log in process.
type MemorySink struct {
	mu      sync.RWMutex
	entries map[versionstore.Key]Projection
	log     []events.Event
	seen    map[string]struct{}
	cursors map[string]string
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink {
	return &MemorySink{
		entries: make(map[versionstore.Key]Projection),
		seen:    make(map[string]struct{}),
		cursors: make(map[string]string),
	}
}

func (s *MemorySink) Get(_ context.Context, key versionstore.Key) (Projection, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.entries[key]
	if ok {
		p.Values = p.Values.Clone()
	}
	return p, ok, nil
}

func (s *MemorySink) Apply(_ context.Context, e events.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[e.ID]; dup {
		return false, nil
	}
	s.seen[e.ID] = struct{}{}
	e.Values = e.Values.Clone()
	s.log = append(s.log, e)

	if !e.Type.Projects() {
		return true, nil
	}
	cur, had := s.entries[e.Key]
	if next, ok := project(cur, had, e); ok {
		s.entries[e.Key] = next
	} else {
		delete(s.entries, e.Key)
	}
	return true, nil
}

// Log returns the recorded events in apply order.
func (s *MemorySink) Log() []events.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]events.Event(nil), s.log...)
}

func (s *MemorySink) Cursor(_ context.Context, consumer string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[consumer], nil
}

func (s *MemorySink) Commit(_ context.Context, consumer, cursor string) error {
	s.mu.Lock()
	s.cursors[consumer] = cursor
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Close() error { return nil }
