package versionstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	c "github.com/unkn0wn-root/ledgercache/codec"
	"github.com/unkn0wn-root/ledgercache/internal/wire"
)

const defaultTxRetries = 16

var ErrNilClient = errors.New("versionstore: nil redis client")

// Redis shares entries across processes and survives restarts.
// Each write is an optimistic transaction: WATCH the entry, run Decide on what
// was read, then MULTI/SET. A concurrent writer aborts the transaction and the
// write is re-decided against the new entry.
type Redis struct {
	rdb         redis.UniversalClient
	ns          string
	codec       c.Codec[Values]
	retries     int
	closeClient bool
	now         func() time.Time
}

var _ Store = (*Redis)(nil)

type RedisConfig struct {
	Client    redis.UniversalClient
	Namespace string          // key prefix; should be unique per deployment
	Codec     c.Codec[Values] // nil => JSON
	// MaxTxRetries bounds re-decides on WATCH conflicts; 0 => 16.
	MaxTxRetries int
	CloseClient  bool // set true only if the store exclusively owns the client
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	s := &Redis{
		rdb:         cfg.Client,
		ns:          cfg.Namespace,
		codec:       cfg.Codec,
		retries:     cfg.MaxTxRetries,
		closeClient: cfg.CloseClient,
		now:         time.Now,
	}
	if s.codec == nil {
		s.codec = c.JSON[Values]{}
	}
	if s.retries <= 0 {
		s.retries = defaultTxRetries
	}
	return s, nil
}

func (s *Redis) prefix() string   { return "entry:" + s.ns + ":" }
func (s *Redis) key(k Key) string { return s.prefix() + k.String() }

func (s *Redis) Get(ctx context.Context, k Key) (Record, bool, error) {
	b, err := s.rdb.Get(ctx, s.key(k)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	r, err := s.decode(k, b)
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func (s *Redis) Apply(ctx context.Context, m Mutation) (Result, error) {
	if m.Key.Validate() != nil {
		_, res := Decide(Record{}, m, m.stamp(s.now))
		return res, nil
	}
	var res Result
	err := s.update(ctx, m.Key, false, func(cur Record) (Record, bool) {
		var next Record
		next, res = Decide(cur, m, m.stamp(s.now))
		return next, res.Status == Accepted
	})
	return res, err
}

func (s *Redis) Resync(ctx context.Context, k Key, values Values, requestID string) (Result, error) {
	if err := k.Validate(); err != nil {
		return Result{}, err
	}
	if _, neg := values.Negative(); neg || len(values) == 0 {
		return Result{}, ErrInvalidValues
	}
	var res Result
	err := s.update(ctx, k, true, func(cur Record) (Record, bool) {
		next := resynced(cur, values, requestID, s.now())
		res = Result{Status: Accepted, Record: next, Previous: cur.Version}
		return next, true
	})
	return res, err
}

// update runs fn inside WATCH/MULTI until it commits, fn declines or the
// retry budget is spent. With overwrite set, an entry whose values no longer
// decode is still handed to fn (with nil Values) so it can be replaced.
func (s *Redis) update(ctx context.Context, k Key, overwrite bool, fn func(cur Record) (Record, bool)) error {
	rk := s.key(k)
	txf := func(tx *redis.Tx) error {
		cur := Record{Key: k}
		b, err := tx.Get(ctx, rk).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			if cur, err = s.decode(k, b); err != nil {
				if !overwrite || errors.Is(err, wire.ErrCorrupt) {
					return err
				}
				cur, _ = s.header(k, b)
			}
		}
		next, write := fn(cur)
		if !write {
			return nil
		}
		enc, err := s.encode(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, rk, enc, 0)
			return nil
		})
		return err
	}

	for i := 0; i < s.retries; i++ {
		err := s.rdb.Watch(ctx, txf, rk)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrContention, k)
}

func (s *Redis) Reset(ctx context.Context, k Key) (Record, bool, error) {
	b, err := s.rdb.GetDel(ctx, s.key(k)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	r, err := s.decode(k, b)
	if err != nil {
		// the entry is gone either way
		return Record{Key: k}, true, nil
	}
	return r, true, nil
}

// Keys scans the namespace. On a cluster client only the node serving the
// call is scanned.
func (s *Redis) Keys(ctx context.Context) ([]Key, error) {
	var (
		out    []Key
		cursor uint64
		pre    = s.prefix()
	)
	for {
		ks, next, err := s.rdb.Scan(ctx, cursor, pre+"*", 256).Result()
		if err != nil {
			return nil, err
		}
		for _, rk := range ks {
			k, err := ParseKey(strings.TrimPrefix(rk, pre))
			if err != nil {
				continue
			}
			out = append(out, k)
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (s *Redis) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}

func (s *Redis) encode(r Record) ([]byte, error) {
	payload, err := s.codec.Encode(r.Values)
	if err != nil {
		return nil, fmt.Errorf("encode values: %w", err)
	}
	return wire.EncodeRecord(wire.Record{
		Version:   r.Version,
		Sequence:  r.LastSequence,
		UpdatedAt: r.UpdatedAt.UnixNano(),
		RequestID: r.LastRequestID,
		Payload:   payload,
	})
}

func (s *Redis) decode(k Key, b []byte) (Record, error) {
	r, payload := s.header(k, b)
	if payload == nil {
		return Record{}, fmt.Errorf("%s: %w", k, wire.ErrCorrupt)
	}
	vals, err := s.codec.Decode(payload)
	if err != nil {
		return Record{}, fmt.Errorf("%s: decode values: %w", k, err)
	}
	r.Values = vals
	return r, nil
}

// header decodes the frame without the values; payload is nil if the frame is corrupt.
func (s *Redis) header(k Key, b []byte) (Record, []byte) {
	w, err := wire.DecodeRecord(b)
	if err != nil {
		return Record{Key: k}, nil
	}
	if w.Payload == nil {
		w.Payload = []byte{}
	}
	return Record{
		Key:           k,
		Version:       w.Version,
		LastRequestID: w.RequestID,
		LastSequence:  w.Sequence,
		UpdatedAt:     time.Unix(0, w.UpdatedAt).UTC(),
	}, w.Payload
}
