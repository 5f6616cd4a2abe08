package replay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Leaser grants short exclusive leases on keys so that consumers sharing a
// sink never apply events for the same key concurrently. token identifies the
// holder; Acquire with the holder's own token extends the lease.
type Leaser interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

type lease struct {
	token   string
	expires time.Time
}

// MemoryLeaser coordinates workers of one process.
type MemoryLeaser struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

var _ Leaser = (*MemoryLeaser)(nil)

func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{leases: make(map[string]lease), now: time.Now}
}

func (l *MemoryLeaser) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && cur.token != token && now.Before(cur.expires) {
		return false, nil
	}
	l.leases[key] = lease{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLeaser) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.token == token {
		delete(l.leases, key)
	}
	return nil
}

var ErrNilClient = errors.New("replay: nil redis client")

// release deletes the lease only if the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extend refreshes the TTL only if the caller still holds the lease.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLeaser shares leases across processes with SET NX PX and a
// token-checked release.
type RedisLeaser struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ Leaser = (*RedisLeaser)(nil)

// NewRedisLeaser stores leases under prefix+key; "" => "ledgercache:lease:".
func NewRedisLeaser(rdb redis.UniversalClient, prefix string) (*RedisLeaser, error) {
	if rdb == nil {
		return nil, ErrNilClient
	}
	if prefix == "" {
		prefix = "ledgercache:lease:"
	}
	return &RedisLeaser{rdb: rdb, prefix: prefix}, nil
}

func (l *RedisLeaser) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	k := l.prefix + key
	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	n, err := extendScript.Run(ctx, l.rdb, []string{k}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLeaser) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.prefix + key}, token).Err()
}
