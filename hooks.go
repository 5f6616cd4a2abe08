package ledgercache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; the gateway and the replay
// consumer call them on hot paths.
type Hooks interface {
	// Every gateway call ends with exactly one outcome.
	// status ∈ {"accepted", "duplicate", "rejected", "failed"}; reason may be "".
	Outcome(status, reason string)

	// A strict push targeted a version other than current+1.
	StaleWrite(key string, expected, current uint64)

	// The version store failed (infrastructure); the push was not applied.
	PushFailed(key string, err error)

	// A push failure could not be recorded for reconciliation.
	FailureRecordError(key string, err error)

	// An outcome event could not be published.
	EmitError(eventType string, err error)

	// Operator actions.
	ForcedResync(key string, newVersion uint64)
	CacheReset(key string)

	// The replay consumer skipped an event.
	// reason ∈ {"duplicate", "out_of_order", "malformed"}
	ReplayDropped(key, reason string)

	// Another worker held the replay lease for key.
	LeaseContention(key string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) Outcome(string, string)            {}
func (NopHooks) StaleWrite(string, uint64, uint64) {}
func (NopHooks) PushFailed(string, error)          {}
func (NopHooks) FailureRecordError(string, error)  {}
func (NopHooks) EmitError(string, error)           {}
func (NopHooks) ForcedResync(string, uint64)       {}
func (NopHooks) CacheReset(string)                 {}
func (NopHooks) ReplayDropped(string, string)      {}
func (NopHooks) LeaseContention(string)            {}

// MultiHooks fans every call out to each member in order.
type MultiHooks []Hooks

var _ Hooks = MultiHooks(nil)

func (m MultiHooks) Outcome(s, r string) {
	for _, h := range m {
		h.Outcome(s, r)
	}
}

func (m MultiHooks) StaleWrite(k string, exp, cur uint64) {
	for _, h := range m {
		h.StaleWrite(k, exp, cur)
	}
}

func (m MultiHooks) PushFailed(k string, err error) {
	for _, h := range m {
		h.PushFailed(k, err)
	}
}

func (m MultiHooks) FailureRecordError(k string, err error) {
	for _, h := range m {
		h.FailureRecordError(k, err)
	}
}

func (m MultiHooks) EmitError(t string, err error) {
	for _, h := range m {
		h.EmitError(t, err)
	}
}

func (m MultiHooks) ForcedResync(k string, v uint64) {
	for _, h := range m {
		h.ForcedResync(k, v)
	}
}

func (m MultiHooks) CacheReset(k string) {
	for _, h := range m {
		h.CacheReset(k)
	}
}

func (m MultiHooks) ReplayDropped(k, r string) {
	for _, h := range m {
		h.ReplayDropped(k, r)
	}
}

func (m MultiHooks) LeaseContention(k string) {
	for _, h := range m {
		h.LeaseContention(k)
	}
}
