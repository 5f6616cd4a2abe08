package slog

import (
	"bytes"
	stdslog "log/slog"
	"strings"
	"testing"

	"github.com/unkn0wn-root/ledgercache"
)

func TestLoggerLevelsAndOrder(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{L: stdslog.New(stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelInfo}))}

	l.Debug("hidden", ledgercache.Fields{"a": 1})
	l.Info("shown", ledgercache.Fields{"z": 1, "a": 2})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug leaked: %q", out)
	}
	if !strings.Contains(out, "msg=shown a=2 z=1") {
		t.Fatalf("out=%q", out)
	}
}
