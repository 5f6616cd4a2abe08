// Package postgres stores reconciliation failure records in PostgreSQL so that
// every gateway replica and operator tool sees the same backlog.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unkn0wn-root/ledgercache"
	"github.com/unkn0wn-root/ledgercache/reconcile"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

//go:embed schema.sql
var schema string

const columns = `id, subject, dimension, kind, vals, next_version, request_id, sequence,
	caller, error, failed_at, state, attempts, last_error, updated_at`

// Store implements reconcile.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ reconcile.Store = (*Store)(nil)

// New wraps an existing pool. Call Migrate once before use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn, pings and migrates.
func Open(ctx context.Context, dsn string) (*Store, error) {
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

// Migrate creates the failures table if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("reconcile/postgres: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Put(ctx context.Context, r reconcile.Record) error {
	vals, err := json.Marshal(r.Values)
	if err != nil {
		return fmt.Errorf("reconcile/postgres: encode values: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ledgercache_failures (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.Key.Subject, r.Key.Dimension, r.Kind.String(), vals,
		int64(r.NextVersion), r.RequestID, int64(r.Sequence), // bit-cast; read back with uint64()
		string(r.Caller), r.Error, r.At.UTC(), string(r.State), r.Attempts, r.LastError, r.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("reconcile/postgres: put %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (reconcile.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM ledgercache_failures WHERE id = $1`, id)
	r, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return reconcile.Record{}, reconcile.ErrNotFound
	}
	return r, err
}

func (s *Store) List(ctx context.Context, f reconcile.Filter) ([]reconcile.Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.State != "" {
		arg("state = $%d", string(f.State))
	}
	if f.Key != (versionstore.Key{}) {
		arg("subject = $%d", f.Key.Subject)
		arg("dimension = $%d", f.Key.Dimension)
	}
	if f.RequestID != "" {
		arg("request_id = $%d", f.RequestID)
	}

	q := `SELECT ` + columns + ` FROM ledgercache_failures`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY failed_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("reconcile/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Record
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scan(row pgx.Row) (reconcile.Record, error) {
	var (
		r                 reconcile.Record
		kind, state       string
		caller            string
		vals              []byte
		nextVersion, seq  int64
		failedAt, updated time.Time
	)
	err := row.Scan(&r.ID, &r.Key.Subject, &r.Key.Dimension, &kind, &vals, &nextVersion, &r.RequestID, &seq,
		&caller, &r.Error, &failedAt, &state, &r.Attempts, &r.LastError, &updated)
	if err != nil {
		return reconcile.Record{}, err
	}
	if r.Kind, err = versionstore.ParseKind(kind); err != nil {
		return reconcile.Record{}, fmt.Errorf("reconcile/postgres: %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(vals, &r.Values); err != nil {
		return reconcile.Record{}, fmt.Errorf("reconcile/postgres: %s: decode values: %w", r.ID, err)
	}
	r.NextVersion = uint64(nextVersion)
	r.Sequence = uint64(seq)
	r.Caller = ledgercache.Caller(caller)
	r.State = reconcile.State(state)
	r.At = failedAt.UTC()
	r.UpdatedAt = updated.UTC()
	return r, nil
}
