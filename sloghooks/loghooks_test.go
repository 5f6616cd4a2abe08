package sloghooks

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newBuf() (*bytes.Buffer, *slog.Logger) {
	var buf bytes.Buffer
	return &buf, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestRedactsKeysByDefault(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{})

	h.PushFailed("acct-42|margin", errors.New("redis down"))
	out := buf.String()
	if strings.Contains(out, "acct-42") {
		t.Fatalf("key leaked: %s", out)
	}
	if !strings.Contains(out, "ledgercache.push_failed") || !strings.Contains(out, "redis down") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestCustomRedactor(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{Redact: func(k string) string { return k }})

	h.ForcedResync("acct-1|margin", 7)
	if !strings.Contains(buf.String(), "acct-1|margin") || !strings.Contains(buf.String(), "version=7") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestSampling(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{StaleWriteEvery: 3})

	for i := 0; i < 9; i++ {
		h.StaleWrite("k", 5, 3)
	}
	if n := strings.Count(buf.String(), "ledgercache.stale_write"); n != 3 {
		t.Fatalf("logged %d stale writes, want 3", n)
	}
}

func TestReplayDropLevels(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{})

	h.ReplayDropped("k", "duplicate")
	h.ReplayDropped("k", "malformed")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%d", len(lines))
	}
	if !strings.Contains(lines[0], "level=DEBUG") || !strings.Contains(lines[1], "level=WARN") {
		t.Fatalf("unexpected levels: %v", lines)
	}
}

func TestNilLoggerIsSilent(t *testing.T) {
	h := New(nil, Options{})
	h.Outcome("accepted", "")
	h.PushFailed("k", errors.New("x"))
	h.CacheReset("k")
}
