package versionstore

import "time"

// Decide applies the write rule to cur (zero Record if the key was never written)
// and returns the next entry together with the outcome. The next entry is only
// meaningful when the outcome is Accepted. Decide is pure; stores make it atomic.
//
// Strict mode (NextVersion != 0):
//
//	NextVersion == cur && RequestID == last  -> Duplicate (no change)
//	NextVersion != cur+1                      -> Rejected(stale_version)
//	delta drives any value below zero         -> Rejected(invalid_delta)
//	otherwise                                 -> Accepted, version = NextVersion
//
// Legacy mode (NextVersion == 0) always bumps version = cur+1 and skips the
// staleness and duplicate checks.
func Decide(cur Record, m Mutation, now time.Time) (Record, Result) {
	res := Result{Record: cur, Previous: cur.Version}
	if cur.Key == (Key{}) {
		res.Record.Key = m.Key
	}

	if field, ok := validate(m); !ok {
		res.Status, res.Reason, res.Field = Rejected, ReasonInvalidRequest, field
		return Record{}, res
	}

	if m.Strict() {
		if m.NextVersion == cur.Version && m.RequestID == cur.LastRequestID {
			res.Status = Duplicate
			return Record{}, res
		}
		if m.NextVersion != cur.Version+1 {
			res.Status, res.Reason = Rejected, ReasonStaleVersion
			return Record{}, res
		}
	}

	var values Values
	switch m.Kind {
	case Snapshot:
		values = m.Values.Clone()
	case Delta:
		sum, field, ok := cur.Values.Add(m.Values)
		if !ok {
			res.Status, res.Reason, res.Field = Rejected, ReasonInvalidDelta, field
			return Record{}, res
		}
		values = sum
	}

	next := Record{
		Key:           m.Key,
		Values:        values,
		Version:       cur.Version + 1,
		LastRequestID: m.RequestID,
		LastSequence:  cur.LastSequence,
		UpdatedAt:     now.UTC(),
	}
	if m.Sequence > next.LastSequence {
		next.LastSequence = m.Sequence
	}
	res.Status = Accepted
	res.Record = next
	return next, res
}

func validate(m Mutation) (string, bool) {
	if m.Key.Validate() != nil {
		return "key", false
	}
	if m.Kind != Snapshot && m.Kind != Delta {
		return "kind", false
	}
	if len(m.Values) == 0 {
		return "values", false
	}
	if m.Strict() && m.RequestID == "" {
		return "request_id", false
	}
	if m.Kind == Snapshot {
		if field, neg := m.Values.Negative(); neg {
			return field, false
		}
	}
	return "", true
}
