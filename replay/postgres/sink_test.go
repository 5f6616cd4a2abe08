package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/ledgercache/events"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

func openTestSink(t *testing.T) *Sink {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestApplyGetCursor(t *testing.T) {
	ctx := context.Background()
	s := openTestSink(t)
	key := versionstore.Key{Subject: "acct-" + uuid.NewString(), Dimension: "margin"}
	at := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	e1 := events.Event{
		ID: uuid.NewString(), Type: events.CacheUpdated, Key: key, RequestID: "r1",
		Sequence: 4, Version: 1, Values: versionstore.Values{"free": decimal.RequireFromString("3.5")}, At: at,
	}
	ok, err := s.Apply(ctx, e1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Apply(ctx, e1)
	require.NoError(t, err)
	assert.False(t, ok)

	p, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), p.Version)
	assert.Equal(t, uint64(4), p.Sequence)
	assert.True(t, p.UpdatedAt.Equal(at))

	// a late, older version is logged but leaves the projection alone
	e2 := e1
	e2.ID, e2.Version, e2.Values = uuid.NewString(), 3, versionstore.Values{"free": decimal.RequireFromString("4")}
	_, err = s.Apply(ctx, e2)
	require.NoError(t, err)
	late := e1
	late.ID, late.Version = uuid.NewString(), 2
	ok, err = s.Apply(ctx, late)
	require.NoError(t, err)
	assert.True(t, ok)
	p, _, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), p.Version)
	assert.Equal(t, e2.ID, p.EventID)

	ok, err = s.Apply(ctx, events.Event{ID: uuid.NewString(), Type: events.CacheReset, Key: key, PrevVersion: 1, At: at})
	require.NoError(t, err)
	assert.True(t, ok)
	_, found, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	consumer := "test-" + uuid.NewString()
	require.NoError(t, s.Commit(ctx, consumer, "42"))
	cur, err := s.Cursor(ctx, consumer)
	require.NoError(t, err)
	assert.Equal(t, "42", cur)
}
