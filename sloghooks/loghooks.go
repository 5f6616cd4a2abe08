// Package sloghooks logs ledgercache hook events with log/slog.
package sloghooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/ledgercache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	OutcomeEvery    uint64
	StaleWriteEvery uint64
	ReplayDropEvery uint64
	// Optional key redactor. Defaults to a SHA-256 prefix; keys usually name
	// accounts.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	outcomeCtr    atomic.Uint64
	staleCtr      atomic.Uint64
	replayDropCtr atomic.Uint64
}

var _ ledgercache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n <= 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) Outcome(status, reason string) {
	if h.l == nil || !sample(h.opts.OutcomeEvery, &h.outcomeCtr) {
		return
	}
	h.l.Debug("ledgercache.outcome", "status", status, "reason", reason)
}

func (h *Hooks) StaleWrite(key string, expected, current uint64) {
	if h.l == nil || !sample(h.opts.StaleWriteEvery, &h.staleCtr) {
		return
	}
	h.l.Info("ledgercache.stale_write",
		"key", h.redact(key),
		"next_version", expected,
		"current", current)
}

func (h *Hooks) PushFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("ledgercache.push_failed", "key", h.redact(key), "err", err)
}

func (h *Hooks) FailureRecordError(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("ledgercache.failure_record_error",
		"key", h.redact(key),
		"err", err,
		"hint", "push failure lost; run a drift check for this key")
}

func (h *Hooks) EmitError(eventType string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("ledgercache.emit_error", "type", eventType, "err", err)
}

func (h *Hooks) ForcedResync(key string, newVersion uint64) {
	if h.l == nil {
		return
	}
	h.l.Warn("ledgercache.forced_resync", "key", h.redact(key), "version", newVersion)
}

func (h *Hooks) CacheReset(key string) {
	if h.l == nil {
		return
	}
	h.l.Warn("ledgercache.cache_reset", "key", h.redact(key))
}

func (h *Hooks) ReplayDropped(key, reason string) {
	if h.l == nil || !sample(h.opts.ReplayDropEvery, &h.replayDropCtr) {
		return
	}
	level := slog.LevelDebug
	if reason == "malformed" || reason == "out_of_order" {
		level = slog.LevelWarn
	}
	h.l.Log(context.Background(), level, "ledgercache.replay_dropped", "key", h.redact(key), "reason", reason)
}

func (h *Hooks) LeaseContention(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("ledgercache.lease_contention", "key", h.redact(key))
}
