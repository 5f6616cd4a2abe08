// Package allowlist provides writer and operator allow-lists that can change
// while the gateway runs.
//
// A File is a YAML document:
//
//	writers:
//	  - ledger-a
//	  - ledger-b
//	operators:
//	  - oncall
//
// It is re-read on an interval; a broken edit keeps the last good lists.
package allowlist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/unkn0wn-root/ledgercache"
)

var ErrNoPath = errors.New("allowlist: path is required")

type document struct {
	Writers   []string `yaml:"writers"`
	Operators []string `yaml:"operators"`
}

type snapshot struct {
	writers   map[ledgercache.Caller]struct{}
	operators map[ledgercache.Caller]struct{}
	modTime   time.Time
}

func toSet(names []string) map[ledgercache.Caller]struct{} {
	m := make(map[ledgercache.Caller]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			m[ledgercache.Caller(n)] = struct{}{}
		}
	}
	return m
}

// File is a YAML-backed allow-list.
type File struct {
	path string
	log  ledgercache.Logger
	cur  atomic.Pointer[snapshot]
}

// OpenFile loads path. It fails if the file cannot be read or parsed.
func OpenFile(path string, log ledgercache.Logger) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrNoPath
	}
	if log == nil {
		log = ledgercache.NopLogger{}
	}
	f := &File{path: path, log: log}
	if _, err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the file if it changed since the last successful load.
// changed reports whether new lists were installed.
func (f *File) Reload() (changed bool, err error) {
	st, err := os.Stat(f.path)
	if err != nil {
		return false, fmt.Errorf("allowlist: stat %s: %w", f.path, err)
	}
	if prev := f.cur.Load(); prev != nil && st.ModTime().Equal(prev.modTime) {
		return false, nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return false, fmt.Errorf("allowlist: read %s: %w", f.path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("allowlist: parse %s: %w", f.path, err)
	}
	f.cur.Store(&snapshot{
		writers:   toSet(doc.Writers),
		operators: toSet(doc.Operators),
		modTime:   st.ModTime(),
	})
	return true, nil
}

// Watch reloads every interval until ctx ends.
func (f *File) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			changed, err := f.Reload()
			if err != nil {
				f.log.Error("allow-list reload failed; keeping previous lists", ledgercache.Fields{"path": f.path, "err": err})
				continue
			}
			if changed {
				s := f.cur.Load()
				f.log.Info("allow-list reloaded", ledgercache.Fields{
					"path": f.path, "writers": len(s.writers), "operators": len(s.operators),
				})
			}
		}
	}
}

// Writers authorizes callers listed under "writers".
func (f *File) Writers() ledgercache.Authorizer {
	return ledgercache.AuthorizerFunc(func(_ context.Context, c ledgercache.Caller) (bool, error) {
		_, ok := f.cur.Load().writers[c]
		return ok, nil
	})
}

// Operators authorizes callers listed under "operators".
func (f *File) Operators() ledgercache.Authorizer {
	return ledgercache.AuthorizerFunc(func(_ context.Context, c ledgercache.Caller) (bool, error) {
		_, ok := f.cur.Load().operators[c]
		return ok, nil
	})
}
