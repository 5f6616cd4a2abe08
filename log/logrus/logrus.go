package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/ledgercache"
)

// Logger adapts a *logrus.Entry. An "err" field is routed through
// logrus.ErrorKey so hooks and formatters treat it as the entry's error.
type Logger struct{ E *logrus.Entry }

var _ ledgercache.Logger = Logger{}

func New(l *logrus.Logger) Logger { return Logger{E: logrus.NewEntry(l)} }

func (l Logger) with(f ledgercache.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	lf := make(logrus.Fields, len(f))
	for k, v := range f {
		if k == "err" {
			k = logrus.ErrorKey
		}
		lf[k] = v
	}
	return l.E.WithFields(lf)
}

func (l Logger) Debug(msg string, f ledgercache.Fields) { l.with(f).Debug(msg) }
func (l Logger) Info(msg string, f ledgercache.Fields)  { l.with(f).Info(msg) }
func (l Logger) Warn(msg string, f ledgercache.Fields)  { l.with(f).Warn(msg) }
func (l Logger) Error(msg string, f ledgercache.Fields) { l.with(f).Error(msg) }
