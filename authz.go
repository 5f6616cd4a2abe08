package ledgercache

import "context"

// Caller identifies a writer (a ledger service instance).
type Caller string

// Authorizer answers "may this caller write to the cache?". The gateway asks
// on every call; implementations decide how fresh their answer is.
type Authorizer interface {
	IsAuthorizedWriter(ctx context.Context, caller Caller) (bool, error)
}

type AuthorizerFunc func(ctx context.Context, caller Caller) (bool, error)

func (f AuthorizerFunc) IsAuthorizedWriter(ctx context.Context, caller Caller) (bool, error) {
	return f(ctx, caller)
}

// AllowList is a fixed set of callers.
type AllowList struct {
	m map[Caller]struct{}
}

var _ Authorizer = AllowList{}

func NewAllowList(callers ...Caller) AllowList {
	m := make(map[Caller]struct{}, len(callers))
	for _, c := range callers {
		if c != "" {
			m[c] = struct{}{}
		}
	}
	return AllowList{m: m}
}

func (a AllowList) IsAuthorizedWriter(_ context.Context, caller Caller) (bool, error) {
	_, ok := a.m[caller]
	return ok, nil
}
