// Package sqlite provides a SQLite-backed replay sink for single-node
// deployments and local tooling.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/unkn0wn-root/ledgercache/events"
	"github.com/unkn0wn-root/ledgercache/replay"
	"github.com/unkn0wn-root/ledgercache/replay/sqlite/migrations"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

// Sink persists the projection, replay log and consumer cursors in one
// SQLite database.
type Sink struct {
	db *sql.DB
}

var _ replay.Sink = (*Sink)(nil)

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens (or creates) the database at path and applies embedded migrations.
func Open(path string) (*Sink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer at a time; workers queue on the pool instead of SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Sink{db: db}, nil
}

func (s *Sink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Sink) Get(ctx context.Context, key versionstore.Key) (replay.Projection, bool, error) {
	var (
		p                 replay.Projection
		vals              string
		version, seq, upd int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT vals, version, sequence, event_id, updated_at FROM projections WHERE subject = ? AND dimension = ?`,
		key.Subject, key.Dimension,
	).Scan(&vals, &version, &seq, &p.EventID, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return replay.Projection{}, false, nil
	}
	if err != nil {
		return replay.Projection{}, false, fmt.Errorf("get projection %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(vals), &p.Values); err != nil {
		return replay.Projection{}, false, fmt.Errorf("decode projection %s: %w", key, err)
	}
	p.Key = key
	p.Version = uint64(version)
	p.Sequence = uint64(seq)
	p.UpdatedAt = fromMillis(upd)
	return p, true, nil
}

func (s *Sink) Apply(ctx context.Context, e events.Event) (bool, error) {
	payload, err := events.JSON{}.Encode(e)
	if err != nil {
		return false, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO replay_log
			(event_id, type, subject, dimension, request_id, sequence, version, prev_version, payload, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Key.Subject, e.Key.Dimension, e.RequestID,
		int64(e.Sequence), int64(e.Version), int64(e.PrevVersion), payload, toMillis(e.At),
	)
	if err != nil {
		return false, fmt.Errorf("append event %s: %w", e.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}

	switch {
	case e.Type == events.CacheReset:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM projections WHERE subject = ? AND dimension = ?`,
			e.Key.Subject, e.Key.Dimension,
		); err != nil {
			return false, fmt.Errorf("reset projection %s: %w", e.Key, err)
		}
	case e.Type.Projects():
		vals, err := json.Marshal(e.Values)
		if err != nil {
			return false, fmt.Errorf("encode values %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections (subject, dimension, vals, version, sequence, event_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (subject, dimension) DO UPDATE SET
				vals = excluded.vals,
				version = excluded.version,
				sequence = MAX(projections.sequence, excluded.sequence),
				event_id = excluded.event_id,
				updated_at = excluded.updated_at
			WHERE excluded.version > projections.version`,
			e.Key.Subject, e.Key.Dimension, string(vals), int64(e.Version), int64(e.Sequence), e.ID, toMillis(e.At),
		); err != nil {
			return false, fmt.Errorf("project %s: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit apply %s: %w", e.ID, err)
	}
	return true, nil
}

// Log returns up to limit replay log events for key, oldest first.
func (s *Sink) Log(ctx context.Context, key versionstore.Key, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM replay_log WHERE subject = ? AND dimension = ? ORDER BY seq LIMIT ?`,
		key.Subject, key.Dimension, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list replay log %s: %w", key, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		e, err := events.JSON{}.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("decode replay log %s: %w", key, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Cursor(ctx context.Context, consumer string) (string, error) {
	var cur string
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM consumer_cursors WHERE consumer = ?`, consumer).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cur, err
}

func (s *Sink) Commit(ctx context.Context, consumer, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consumer_cursors (consumer, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (consumer) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		consumer, cursor, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("commit cursor %s: %w", consumer, err)
	}
	return nil
}
