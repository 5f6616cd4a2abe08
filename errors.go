package ledgercache

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized   = errors.New("ledgercache: caller not authorized")
	ErrStaleVersion   = errors.New("ledgercache: stale version")
	ErrInvalidDelta   = errors.New("ledgercache: delta would drive a value negative")
	ErrInvalidRequest = errors.New("ledgercache: invalid request")
	ErrNoAuthorizer   = errors.New("ledgercache: authorizer is required")
)

// PushFailedError reports an infrastructure failure between the ledger and the
// cache. The ledger write that triggered the push stands; the failure is
// recorded for reconciliation.
type PushFailedError struct {
	Key       Key
	RequestID string
	Err       error
}

func (e *PushFailedError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("push %s failed: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("push %s (request %q) failed: %v", e.Key, e.RequestID, e.Err)
}

func (e *PushFailedError) Unwrap() error { return e.Err }
