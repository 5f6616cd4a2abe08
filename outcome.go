package ledgercache

import (
	"fmt"

	"github.com/unkn0wn-root/ledgercache/versionstore"
)

type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

type Reason string

const (
	ReasonNone           Reason = ""
	ReasonUnauthorized   Reason = "unauthorized"
	ReasonStaleVersion   Reason = Reason(versionstore.ReasonStaleVersion)
	ReasonInvalidDelta   Reason = Reason(versionstore.ReasonInvalidDelta)
	ReasonInvalidRequest Reason = Reason(versionstore.ReasonInvalidRequest)
	ReasonPushFailed     Reason = "push_failed"
)

// Outcome is the result of one gateway call. Exactly one event is emitted per
// Outcome; EventID names it.
//
// Version is the entry version after the call for Accepted and Duplicate, and
// the current version for Rejected. It is 0 for Failed (unknown).
type Outcome struct {
	Status    Status
	Reason    Reason
	Key       Key
	RequestID string
	Sequence  uint64
	Version   uint64
	Previous  uint64
	Field     string // offending value name for invalid_delta / invalid_request
	EventID   string
	Cause     error // *PushFailedError when Status == StatusFailed
}

func (o Outcome) Accepted() bool  { return o.Status == StatusAccepted }
func (o Outcome) Duplicate() bool { return o.Status == StatusDuplicate }

// Err maps the outcome onto the error taxonomy. Accepted and Duplicate
// return nil: a duplicate is a successful retry.
func (o Outcome) Err() error {
	switch o.Status {
	case StatusAccepted, StatusDuplicate:
		return nil
	case StatusFailed:
		return o.Cause
	}
	switch o.Reason {
	case ReasonUnauthorized:
		return ErrUnauthorized
	case ReasonStaleVersion:
		return fmt.Errorf("%w: %s is at version %d", ErrStaleVersion, o.Key, o.Version)
	case ReasonInvalidDelta:
		return fmt.Errorf("%w: %s.%s", ErrInvalidDelta, o.Key, o.Field)
	default:
		if o.Field != "" {
			return fmt.Errorf("%w: %s", ErrInvalidRequest, o.Field)
		}
		return ErrInvalidRequest
	}
}
