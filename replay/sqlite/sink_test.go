package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/ledgercache/events"
	"github.com/unkn0wn-root/ledgercache/replay"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

var kA = versionstore.Key{Subject: "acct-1", Dimension: "margin"}

func openTempSink(t *testing.T) *Sink {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "replay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ev(id string, typ events.Type, version, seq uint64, free string) events.Event {
	e := events.Event{
		ID: id, Type: typ, Key: kA, RequestID: "r-" + id,
		Sequence: seq, Version: version, At: time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC),
	}
	if free != "" {
		e.Values = versionstore.Values{"free": decimal.RequireFromString(free)}
	}
	return e
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(" ")
	assert.Error(t, err)
}

func TestReopenKeepsMigrationsAndData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.db")
	s, err := Open(path)
	require.NoError(t, err)
	ok, err := s.Apply(context.Background(), ev("e1", events.CacheUpdated, 1, 0, "1.5"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	p, found, err := s.Get(context.Background(), kA)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, p.Values["free"].Equal(decimal.RequireFromString("1.5")))
}

func TestApplyProjectsAndDedupes(t *testing.T) {
	ctx := context.Background()
	s := openTempSink(t)

	ok, err := s.Apply(ctx, ev("e1", events.CacheUpdated, 1, 9, "10"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Apply(ctx, ev("e1", events.CacheUpdated, 1, 9, "10"))
	require.NoError(t, err)
	assert.False(t, ok, "same event id")

	ok, err = s.Apply(ctx, ev("rej", events.CacheUpdateRejected, 1, 0, "99"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Apply(ctx, ev("e2", events.ForcedResync, 2, 0, "7"))
	require.NoError(t, err)
	assert.True(t, ok)

	p, found, err := s.Get(ctx, kA)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), p.Version)
	assert.Equal(t, uint64(9), p.Sequence, "sequence keeps its maximum")
	assert.Equal(t, "e2", p.EventID)
	assert.True(t, p.Values["free"].Equal(decimal.NewFromInt(7)))

	log, err := s.Log(ctx, kA, 0)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, events.CacheUpdateRejected, log[1].Type)

	ok, err = s.Apply(ctx, ev("reset", events.CacheReset, 0, 0, ""))
	require.NoError(t, err)
	assert.True(t, ok)
	_, found, err = s.Get(ctx, kA)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCursorCommit(t *testing.T) {
	ctx := context.Background()
	s := openTempSink(t)

	cur, err := s.Cursor(ctx, "main")
	require.NoError(t, err)
	assert.Empty(t, cur)

	require.NoError(t, s.Commit(ctx, "main", "1700000000000-0"))
	require.NoError(t, s.Commit(ctx, "main", "1700000000001-0"))
	cur, err = s.Cursor(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "1700000000001-0", cur)
}

func TestConsumerIntoSQLite(t *testing.T) {
	ctx := context.Background()
	s := openTempSink(t)
	log := events.NewLog()
	for v := uint64(1); v <= 3; v++ {
		require.NoError(t, log.Emit(ctx, ev("e"+string(rune('0'+v)), events.CacheUpdated, v, v, "1")))
	}
	require.NoError(t, log.Close())

	c, err := replay.NewConsumer(replay.Options{Source: log, Sink: s, Workers: 2})
	require.NoError(t, err)
	require.NoError(t, c.Run(ctx))

	p, found, err := s.Get(ctx, kA)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(3), p.Version)
	cur, _ := s.Cursor(ctx, "default")
	assert.Equal(t, "3", cur)
}

func TestOlderVersionIsLoggedOnly(t *testing.T) {
	ctx := context.Background()
	s := openTempSink(t)

	ok, err := s.Apply(ctx, ev("e2", events.CacheUpdated, 2, 0, "2"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Apply(ctx, ev("e1", events.CacheUpdated, 1, 5, "1"))
	require.NoError(t, err)
	assert.True(t, ok, "older version is still recorded")

	p, found, err := s.Get(ctx, kA)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), p.Version)
	assert.Equal(t, "e2", p.EventID)
	assert.True(t, p.Values["free"].Equal(decimal.NewFromInt(2)))

	log, err := s.Log(ctx, kA, 0)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "e1", log[1].ID)
}
