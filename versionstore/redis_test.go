package versionstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	c "github.com/unkn0wn-root/ledgercache/codec"
)

// newTestRedis needs a disposable server in TEST_REDIS_ADDR.
func newTestRedis(t *testing.T, cd c.Codec[Values]) *Redis {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	ns := fmt.Sprintf("test-%d", time.Now().UnixNano())
	s, err := NewRedis(RedisConfig{Client: rdb, Namespace: ns, Codec: cd, CloseClient: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := s.Keys(ctx)
		for _, k := range keys {
			_, _, _ = s.Reset(ctx, k)
		}
		_ = s.Close(ctx)
	})
	return s
}

func TestNewRedisRequiresClient(t *testing.T) {
	if _, err := NewRedis(RedisConfig{}); err != ErrNilClient {
		t.Fatalf("err=%v want ErrNilClient", err)
	}
}

func TestRedisApplyGetResync(t *testing.T) {
	ctx := context.Background()
	s := newTestRedis(t, c.Msgpack[Values]{})

	if res := mustApply(t, s, snap(1, "a", "free", "10")); res.Status != Accepted {
		t.Fatalf("got %+v", res)
	}
	if res := mustApply(t, s, snap(1, "a", "free", "10")); res.Status != Duplicate {
		t.Fatalf("got %+v want duplicate", res)
	}
	if res := mustApply(t, s, delta(2, "b", "free", "-11")); res.Reason != ReasonInvalidDelta {
		t.Fatalf("got %+v want invalid_delta", res)
	}
	if res := mustApply(t, s, delta(2, "b", "free", "-1.5")); res.Status != Accepted {
		t.Fatalf("got %+v", res)
	}

	r, ok, err := s.Get(ctx, kA)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if r.Version != 2 || r.LastRequestID != "b" || !r.Values.Equal(vals("free", "8.5")) {
		t.Fatalf("got %+v", r)
	}

	res, err := s.Resync(ctx, kA, vals("free", "3"), "resync")
	if err != nil || res.Record.Version != 3 || res.Previous != 2 {
		t.Fatalf("res=%+v err=%v", res, err)
	}

	keys, err := s.Keys(ctx)
	if err != nil || len(keys) != 1 || keys[0] != kA {
		t.Fatalf("keys=%v err=%v", keys, err)
	}
}

func TestRedisConcurrentWritersOneWinner(t *testing.T) {
	s := newTestRedis(t, nil)
	mustApply(t, s, snap(1, "seed", "free", "100"))

	const writers = 16
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Apply(context.Background(), delta(2, fmt.Sprintf("w%d", i), "free", "-1"))
			if err != nil {
				t.Errorf("Apply: %v", err)
				return
			}
			if res.Status == Accepted {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if accepted.Load() != 1 {
		t.Fatalf("accepted=%d want 1", accepted.Load())
	}
}
