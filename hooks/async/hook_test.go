package asynchook

import (
	"sync"
	"testing"

	"github.com/unkn0wn-root/ledgercache"
)

type countingHooks struct {
	ledgercache.NopHooks
	mu       sync.Mutex
	outcomes int
	block    chan struct{}
}

func (c *countingHooks) Outcome(string, string) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.outcomes++
	c.mu.Unlock()
}

func TestDeliversThenCloses(t *testing.T) {
	inner := &countingHooks{}
	h := New(inner, 2, 16)
	for i := 0; i < 10; i++ {
		h.Outcome("accepted", "")
	}
	h.Close()
	h.Close()

	if inner.outcomes != 10 {
		t.Fatalf("outcomes=%d want 10", inner.outcomes)
	}
	h.Outcome("accepted", "") // after close: dropped, no panic
	if h.Dropped() != 1 {
		t.Fatalf("dropped=%d", h.Dropped())
	}
}

func TestDropsWhenFull(t *testing.T) {
	inner := &countingHooks{block: make(chan struct{})}
	h := New(inner, 1, 1)

	// the worker blocks on the first event, so the queue fills
	h.Outcome("a", "")
	for h.Dropped() == 0 {
		h.Outcome("b", "")
	}
	close(inner.block)
	h.Close()

	if inner.outcomes < 1 || h.Dropped() < 1 {
		t.Fatalf("outcomes=%d dropped=%d", inner.outcomes, h.Dropped())
	}
}
