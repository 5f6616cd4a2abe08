package ledgercache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/ledgercache/versionstore"
)

// Failure is a push that could not be applied because of an infrastructure
// error. It carries everything needed to re-submit the push unchanged.
type Failure struct {
	ID          string            `json:"id"`
	Key         Key               `json:"key"`
	Kind        versionstore.Kind `json:"kind"`
	Values      Values            `json:"values"`
	NextVersion uint64            `json:"next_version"`
	RequestID   string            `json:"request_id"`
	Sequence    uint64            `json:"sequence,omitempty"`
	Caller      Caller            `json:"caller"`
	Error       string            `json:"error"`
	At          time.Time         `json:"at"`
}

// Request rebuilds the original push.
func (f Failure) Request() PushRequest {
	return PushRequest{
		Caller:      f.Caller,
		Key:         f.Key,
		Values:      f.Values.Clone(),
		NextVersion: f.NextVersion,
		RequestID:   f.RequestID,
		Sequence:    f.Sequence,
	}
}

// FailureRecorder stores push failures as first-class records.
// reconcile.Manager is the standard implementation.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, f Failure) error
}
