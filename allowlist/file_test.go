package allowlist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestFileAuthorizes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "allow.yaml")
	t0 := time.Now().Add(-time.Hour)
	writeFile(t, path, "writers:\n  - ledger-a\n  - ' '\noperators:\n  - oncall\n", t0)

	f, err := OpenFile(path, nil)
	require.NoError(t, err)

	ok, err := f.Writers().IsAuthorizedWriter(ctx, "ledger-a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = f.Writers().IsAuthorizedWriter(ctx, "oncall")
	assert.False(t, ok, "operators are not writers")
	ok, _ = f.Operators().IsAuthorizedWriter(ctx, "oncall")
	assert.True(t, ok)
	ok, _ = f.Writers().IsAuthorizedWriter(ctx, "")
	assert.False(t, ok)
}

func TestFileReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "allow.yaml")
	t0 := time.Now().Add(-time.Hour)
	writeFile(t, path, "writers: [ledger-a]\n", t0)

	f, err := OpenFile(path, nil)
	require.NoError(t, err)

	changed, err := f.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "unchanged mtime")

	writeFile(t, path, "writers: [ledger-b]\n", t0.Add(time.Minute))
	changed, err = f.Reload()
	require.NoError(t, err)
	assert.True(t, changed)

	ok, _ := f.Writers().IsAuthorizedWriter(ctx, "ledger-a")
	assert.False(t, ok, "revoked on reload")
	ok, _ = f.Writers().IsAuthorizedWriter(ctx, "ledger-b")
	assert.True(t, ok)

	writeFile(t, path, "writers: [unterminated\n", t0.Add(2*time.Minute))
	_, err = f.Reload()
	assert.Error(t, err)
	ok, _ = f.Writers().IsAuthorizedWriter(ctx, "ledger-b")
	assert.True(t, ok, "last good list is kept")
}

func TestOpenFileErrors(t *testing.T) {
	_, err := OpenFile("", nil)
	assert.ErrorIs(t, err, ErrNoPath)
	_, err = OpenFile(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestWatchPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allow.yaml")
	t0 := time.Now().Add(-time.Hour)
	writeFile(t, path, "writers: [a]\n", t0)
	f, err := OpenFile(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Watch(ctx, 10*time.Millisecond)

	writeFile(t, path, "writers: [b]\n", t0.Add(time.Minute))
	assert.Eventually(t, func() bool {
		ok, _ := f.Writers().IsAuthorizedWriter(ctx, "b")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
