// Package ledgercache keeps a read-optimized projection of authoritative
// ledger state (the cache) consistent under concurrent writers.
//
// Writers push through the gateway (Cache) with the version they expect the
// entry to reach and an idempotency token:
//
//	out := cache.SubmitDelta(ctx, ledgercache.PushRequest{
//	    Caller:      "ledger-a",
//	    Key:         ledgercache.Key{Subject: "acct-1", Dimension: "margin"},
//	    Values:      ledgercache.Values{"free": decimal.RequireFromString("-10")},
//	    NextVersion: cur.Version + 1,
//	    RequestID:   ledgerTxID,
//	})
//	if err := out.Err(); err != nil { ... } // Duplicate is not an error
//
// Guarantees:
//   - no writer clobbers a newer write: a strict push must target exactly
//     current+1 or it is rejected as stale;
//   - retries are safe: re-sending the last accepted (version, request id) is
//     reported as Duplicate and changes nothing;
//   - a failed push never rolls back the ledger. It is reported as PushFailed
//     and recorded for reconciliation (see package reconcile).
//
// Components:
//   - versionstore: per-key versioned entries (Local in-process, Redis shared).
//   - events: one outcome event per call; replayable log (in-memory, Redis stream).
//   - reconcile: failure records, retries, operator resync and reset.
//   - replay: ordered, leased, deduplicated application of events to a durable sink.
package ledgercache
