// Package postgres provides a PostgreSQL replay sink shared by consumer
// replicas. Pair it with replay.RedisLeaser when more than one consumer
// process writes to the same database.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unkn0wn-root/ledgercache/events"
	"github.com/unkn0wn-root/ledgercache/replay"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

//go:embed schema.sql
var schema string

type Sink struct {
	pool *pgxpool.Pool
}

var _ replay.Sink = (*Sink)(nil)

// New wraps an existing pool. Call Migrate once before use.
func New(pool *pgxpool.Pool) *Sink {
	return &Sink{pool: pool}
}

// Open connects to dsn, pings and migrates.
func Open(ctx context.Context, dsn string) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("replay/postgres: migrate: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}

func (s *Sink) Get(ctx context.Context, key versionstore.Key) (replay.Projection, bool, error) {
	var (
		p            replay.Projection
		vals         []byte
		version, seq int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT vals, version, sequence, event_id, updated_at FROM ledgercache_projections WHERE subject = $1 AND dimension = $2`,
		key.Subject, key.Dimension,
	).Scan(&vals, &version, &seq, &p.EventID, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return replay.Projection{}, false, nil
	}
	if err != nil {
		return replay.Projection{}, false, fmt.Errorf("replay/postgres: get %s: %w", key, err)
	}
	if err := json.Unmarshal(vals, &p.Values); err != nil {
		return replay.Projection{}, false, fmt.Errorf("replay/postgres: decode %s: %w", key, err)
	}
	p.Key = key
	p.Version = uint64(version)
	p.Sequence = uint64(seq)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, true, nil
}

func (s *Sink) Apply(ctx context.Context, e events.Event) (applied bool, err error) {
	payload, err := events.JSON{}.Encode(e)
	if err != nil {
		return false, fmt.Errorf("replay/postgres: encode %s: %w", e.ID, err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO ledgercache_replay_log
			(event_id, type, subject, dimension, request_id, sequence, version, prev_version, payload, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING`,
		e.ID, string(e.Type), e.Key.Subject, e.Key.Dimension, e.RequestID,
		int64(e.Sequence), int64(e.Version), int64(e.PrevVersion), payload, e.At.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("replay/postgres: append %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	switch {
	case e.Type == events.CacheReset:
		_, err = tx.Exec(ctx,
			`DELETE FROM ledgercache_projections WHERE subject = $1 AND dimension = $2`,
			e.Key.Subject, e.Key.Dimension)
	case e.Type.Projects():
		var vals []byte
		if vals, err = json.Marshal(e.Values); err != nil {
			return false, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO ledgercache_projections (subject, dimension, vals, version, sequence, event_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (subject, dimension) DO UPDATE SET
				vals = EXCLUDED.vals,
				version = EXCLUDED.version,
				sequence = GREATEST(ledgercache_projections.sequence, EXCLUDED.sequence),
				event_id = EXCLUDED.event_id,
				updated_at = EXCLUDED.updated_at
			WHERE EXCLUDED.version > ledgercache_projections.version`,
			e.Key.Subject, e.Key.Dimension, vals, int64(e.Version), int64(e.Sequence), e.ID, e.At.UTC())
	}
	if err != nil {
		return false, fmt.Errorf("replay/postgres: project %s: %w", e.Key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("replay/postgres: commit %s: %w", e.ID, err)
	}
	return true, nil
}

func (s *Sink) Cursor(ctx context.Context, consumer string) (string, error) {
	var cur string
	err := s.pool.QueryRow(ctx, `SELECT cursor FROM ledgercache_consumer_cursors WHERE consumer = $1`, consumer).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return cur, err
}

func (s *Sink) Commit(ctx context.Context, consumer, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledgercache_consumer_cursors (consumer, cursor, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (consumer) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at`,
		consumer, cursor, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("replay/postgres: commit cursor %s: %w", consumer, err)
	}
	return nil
}
