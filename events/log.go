package events

import (
	"context"
	"strconv"
	"sync"
)

// Log is an in-process append-only replay log. Cursors are 1-based offsets.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	wake    chan struct{} // closed and replaced on every append
	closed  bool
}

var (
	_ Emitter = (*Log)(nil)
	_ Source  = (*Log)(nil)
)

func NewLog() *Log {
	return &Log{wake: make(chan struct{})}
}

func (l *Log) Emit(_ context.Context, e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.entries = append(l.entries, Entry{
		Cursor: strconv.Itoa(len(l.entries) + 1),
		Event:  e,
	})
	close(l.wake)
	l.wake = make(chan struct{})
	return nil
}

func (l *Log) Read(ctx context.Context, after string, limit int) ([]Entry, error) {
	off := 0
	if after != "" {
		n, err := strconv.Atoi(after)
		if err != nil || n < 0 {
			return nil, strconv.ErrSyntax
		}
		off = n
	}
	if limit <= 0 {
		limit = 128
	}
	for {
		l.mu.Lock()
		if off < len(l.entries) {
			end := min(off+limit, len(l.entries))
			out := make([]Entry, end-off)
			copy(out, l.entries[off:end])
			l.mu.Unlock()
			return out, nil
		}
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		wake := l.wake
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Entries returns a copy of everything appended so far.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops appends; readers drain what is left and then get ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.wake)
	}
	return nil
}
