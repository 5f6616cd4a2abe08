package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	c "github.com/unkn0wn-root/ledgercache/codec"
)

const payloadField = "e"

var ErrNilClient = errors.New("events: nil redis client")

// RedisStream is an Emitter and Source backed by a Redis stream (XADD/XREAD).
// Cursors are stream entry ids.
type RedisStream struct {
	rdb    redis.UniversalClient
	stream string
	codec  c.Codec[Event]
	maxLen int64
	block  time.Duration
}

var (
	_ Emitter = (*RedisStream)(nil)
	_ Source  = (*RedisStream)(nil)
)

type RedisStreamConfig struct {
	Client redis.UniversalClient
	Stream string         // stream key; "" => "ledgercache:events"
	Codec  c.Codec[Event] // nil => JSON
	// MaxLen caps the stream (approximate trimming); 0 keeps everything.
	MaxLen int64
	// Block is the longest a Read waits for new entries; 0 => 1s.
	Block time.Duration
}

func NewRedisStream(cfg RedisStreamConfig) (*RedisStream, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	s := &RedisStream{
		rdb:    cfg.Client,
		stream: cfg.Stream,
		codec:  cfg.Codec,
		maxLen: cfg.MaxLen,
		block:  cfg.Block,
	}
	if s.stream == "" {
		s.stream = "ledgercache:events"
	}
	if s.codec == nil {
		s.codec = JSON{}
	}
	if s.block <= 0 {
		s.block = time.Second
	}
	return s, nil
}

func (s *RedisStream) Emit(ctx context.Context, e Event) error {
	b, err := s.codec.Encode(e)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", e.Type, err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{payloadField: b},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.rdb.XAdd(ctx, args).Err()
}

func (s *RedisStream) Read(ctx context.Context, after string, limit int) ([]Entry, error) {
	if after == "" {
		after = "0"
	}
	if limit <= 0 {
		limit = 128
	}
	res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, after},
		Count:   int64(limit),
		Block:   s.block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, st := range res {
		for _, msg := range st.Messages {
			ent := Entry{Cursor: msg.ID}
			raw, ok := msg.Values[payloadField].(string)
			if !ok {
				ent.Err = fmt.Errorf("events: entry %s: missing payload", msg.ID)
			} else if ent.Event, err = s.codec.Decode([]byte(raw)); err != nil {
				ent.Err = fmt.Errorf("events: entry %s: %w", msg.ID, err)
			}
			out = append(out, ent)
		}
	}
	return out, nil
}
