package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/ledgercache"
)

func TestLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Warn("push rejected", ledgercache.Fields{
		"key": ledgercache.Key{Subject: "a", Dimension: "b"},
		"err": errors.New("boom"),
		"n":   3,
	})

	got := logs.All()
	if len(got) != 1 {
		t.Fatalf("entries=%d", len(got))
	}
	e := got[0]
	if e.Level != zapcore.WarnLevel || e.Message != "push rejected" {
		t.Fatalf("entry=%+v", e)
	}
	m := e.ContextMap()
	if m["err"] != "boom" || m["key"] != "a/b" || m["n"] != int64(3) {
		t.Fatalf("fields=%v", m)
	}
	if e.Context[0].Key != "err" || e.Context[2].Key != "n" {
		t.Fatalf("fields not sorted: %v", e.Context)
	}
}
