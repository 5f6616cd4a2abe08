// Package promhooks counts ledgercache hook events as Prometheus metrics.
//
// Keys are never used as labels; per-key detail belongs in logs
// (see sloghooks).
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/ledgercache"
)

const namespace = "ledgercache"

type Hooks struct {
	Outcomes       *prometheus.CounterVec
	StaleWrites    prometheus.Counter
	VersionGap     prometheus.Histogram
	PushFailures   prometheus.Counter
	RecordErrors   prometheus.Counter
	EmitErrors     *prometheus.CounterVec
	OperatorEvents *prometheus.CounterVec
	ReplayDrops    *prometheus.CounterVec
	LeaseWaits     prometheus.Counter
}

var _ ledgercache.Hooks = (*Hooks)(nil)

func New() *Hooks {
	return &Hooks{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_outcomes_total",
			Help:      "Gateway calls by outcome status and reason.",
		}, []string{"status", "reason"}),
		StaleWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_writes_total",
			Help:      "Strict pushes rejected because next_version was not current+1.",
		}),
		VersionGap: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stale_write_version_gap",
			Help:      "Distance between the requested and the expected version on stale writes.",
			Buckets:   []float64{1, 2, 5, 10, 100, 1000},
		}),
		PushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_failures_total",
			Help:      "Pushes that failed on the version store.",
		}),
		RecordErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failure_record_errors_total",
			Help:      "Push failures that could not be recorded for reconciliation.",
		}),
		EmitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emit_errors_total",
			Help:      "Outcome events that could not be published.",
		}, []string{"type"}),
		OperatorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_actions_total",
			Help:      "Forced resyncs and cache resets.",
		}, []string{"action"}),
		ReplayDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_dropped_total",
			Help:      "Events skipped by the replay consumer.",
		}, []string{"reason"}),
		LeaseWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_lease_contention_total",
			Help:      "Replay lease acquisitions that found the key held by another worker.",
		}),
	}
}

func (h *Hooks) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		h.Outcomes, h.StaleWrites, h.VersionGap, h.PushFailures, h.RecordErrors,
		h.EmitErrors, h.OperatorEvents, h.ReplayDrops, h.LeaseWaits,
	}
}

// Register adds every collector to reg.
func (h *Hooks) Register(reg prometheus.Registerer) error {
	for _, c := range h.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) Outcome(status, reason string) { h.Outcomes.WithLabelValues(status, reason).Inc() }

func (h *Hooks) StaleWrite(_ string, expected, current uint64) {
	h.StaleWrites.Inc()
	var gap uint64
	switch {
	case expected > current+1:
		gap = expected - current - 1
	case expected < current+1:
		gap = current + 1 - expected
	}
	h.VersionGap.Observe(float64(gap))
}

func (h *Hooks) PushFailed(string, error)         { h.PushFailures.Inc() }
func (h *Hooks) FailureRecordError(string, error) { h.RecordErrors.Inc() }
func (h *Hooks) EmitError(t string, _ error)      { h.EmitErrors.WithLabelValues(t).Inc() }
func (h *Hooks) ForcedResync(string, uint64) {
	h.OperatorEvents.WithLabelValues("forced_resync").Inc()
}
func (h *Hooks) CacheReset(string)              { h.OperatorEvents.WithLabelValues("cache_reset").Inc() }
func (h *Hooks) ReplayDropped(_, reason string) { h.ReplayDrops.WithLabelValues(reason).Inc() }
func (h *Hooks) LeaseContention(string)         { h.LeaseWaits.Inc() }
