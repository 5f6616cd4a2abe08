package zap

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/ledgercache"
)

// Logger adapts a *zap.Logger. Fields are emitted in key order; error values
// become zap.NamedError so they keep their structure in JSON output.
type Logger struct{ L *zap.Logger }

var _ ledgercache.Logger = Logger{}

func New(l *zap.Logger) Logger { return Logger{L: l.WithOptions(zap.AddCallerSkip(1))} }

func (z Logger) Debug(msg string, f ledgercache.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f ledgercache.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f ledgercache.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f ledgercache.Fields) { z.L.Error(msg, fields(f)...) }

func fields(f ledgercache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		switch v := f[k].(type) {
		case error:
			out = append(out, zap.NamedError(k, v))
		case fmt.Stringer:
			out = append(out, zap.Stringer(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
