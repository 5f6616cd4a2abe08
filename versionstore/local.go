package versionstore

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"
)

type slot struct {
	rec atomic.Pointer[Record] // nil => never written or reset
}

// Local keeps entries in-process.
// Each key owns a slot holding an immutable *Record; writers swap it with CAS
// and retry Decide on a lost race, so unrelated keys never contend and readers
// never block or observe a partial write.
type Local struct {
	slots *skipmap.FuncMap[string, *slot]
	now   func() time.Time
}

var _ Store = (*Local)(nil)

func NewLocal() *Local {
	return &Local{
		slots: skipmap.NewFunc[string, *slot](func(a, b string) bool {
			return strings.Compare(a, b) < 0
		}),
		now: time.Now,
	}
}

func (s *Local) slot(k Key) *slot {
	id := k.String()
	if sl, ok := s.slots.Load(id); ok {
		return sl
	}
	sl, _ := s.slots.LoadOrStore(id, &slot{})
	return sl
}

func (s *Local) Get(_ context.Context, k Key) (Record, bool, error) {
	sl, ok := s.slots.Load(k.String())
	if !ok {
		return Record{}, false, nil
	}
	r := sl.rec.Load()
	if r == nil {
		return Record{}, false, nil
	}
	return r.Clone(), true, nil
}

func (s *Local) Apply(_ context.Context, m Mutation) (Result, error) {
	if m.Key.Validate() != nil {
		_, res := Decide(Record{}, m, m.stamp(s.now))
		return res, nil
	}
	sl := s.slot(m.Key)
	for {
		old := sl.rec.Load()
		cur := Record{Key: m.Key}
		if old != nil {
			cur = *old
		}
		next, res := Decide(cur, m, m.stamp(s.now))
		if res.Status != Accepted {
			res.Record = res.Record.Clone()
			return res, nil
		}
		if sl.rec.CompareAndSwap(old, &next) {
			res.Record = next.Clone()
			return res, nil
		}
		// lost the race; re-evaluate against the winner's entry
	}
}

func (s *Local) Resync(_ context.Context, k Key, values Values, requestID string) (Result, error) {
	if err := k.Validate(); err != nil {
		return Result{}, err
	}
	if _, neg := values.Negative(); neg || len(values) == 0 {
		return Result{}, ErrInvalidValues
	}
	sl := s.slot(k)
	for {
		old := sl.rec.Load()
		cur := Record{Key: k}
		if old != nil {
			cur = *old
		}
		next := resynced(cur, values, requestID, s.now())
		if sl.rec.CompareAndSwap(old, &next) {
			return Result{Status: Accepted, Record: next.Clone(), Previous: cur.Version}, nil
		}
	}
}

func (s *Local) Reset(_ context.Context, k Key) (Record, bool, error) {
	sl, ok := s.slots.Load(k.String())
	if !ok {
		return Record{}, false, nil
	}
	old := sl.rec.Swap(nil)
	if old == nil {
		return Record{}, false, nil
	}
	return *old, true, nil
}

func (s *Local) Keys(_ context.Context) ([]Key, error) {
	out := make([]Key, 0, s.slots.Len())
	s.slots.Range(func(_ string, sl *slot) bool {
		if r := sl.rec.Load(); r != nil {
			out = append(out, r.Key)
		}
		return true
	})
	return out, nil
}

func (s *Local) Close(context.Context) error { return nil }

func resynced(cur Record, values Values, requestID string, now time.Time) Record {
	return Record{
		Key:           cur.Key,
		Values:        values.Clone(),
		Version:       cur.Version + 1,
		LastRequestID: requestID,
		LastSequence:  cur.LastSequence,
		UpdatedAt:     now.UTC(),
	}
}
