// Package asynchook moves Hooks calls off the caller's goroutine.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{OutcomeEvery: 100})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := ledgercache.New(ledgercache.Options{
//	    Authorizer: allow.Writers(),
//	    Hooks:      hooks, // or raw if you don't want async
//	})
//
// When the queue is full the event is dropped and counted (Dropped); the
// gateway never waits on an observer.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/ledgercache"
)

type Hooks struct {
	inner   ledgercache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards sends against Close
	closed  bool
	dropped atomic.Uint64
}

var _ ledgercache.Hooks = (*Hooks)(nil)

func New(inner ledgercache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later calls are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped counts events lost to a full queue or a closed hook.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) Outcome(s, r string) { h.try(func() { h.inner.Outcome(s, r) }) }
func (h *Hooks) StaleWrite(k string, exp, cur uint64) {
	h.try(func() { h.inner.StaleWrite(k, exp, cur) })
}
func (h *Hooks) PushFailed(k string, err error) { h.try(func() { h.inner.PushFailed(k, err) }) }
func (h *Hooks) FailureRecordError(k string, err error) {
	h.try(func() { h.inner.FailureRecordError(k, err) })
}
func (h *Hooks) EmitError(t string, err error) { h.try(func() { h.inner.EmitError(t, err) }) }
func (h *Hooks) ForcedResync(k string, v uint64) {
	h.try(func() { h.inner.ForcedResync(k, v) })
}
func (h *Hooks) CacheReset(k string)       { h.try(func() { h.inner.CacheReset(k) }) }
func (h *Hooks) ReplayDropped(k, r string) { h.try(func() { h.inner.ReplayDropped(k, r) }) }
func (h *Hooks) LeaseContention(k string)  { h.try(func() { h.inner.LeaseContention(k) }) }
