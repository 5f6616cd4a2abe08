package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/ledgercache"
	"github.com/unkn0wn-root/ledgercache/events"
	"github.com/unkn0wn-root/ledgercache/reconcile"
	"github.com/unkn0wn-root/ledgercache/replay"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

type flakyStore struct {
	*versionstore.Local
	down atomic.Bool
}

func (s *flakyStore) Apply(ctx context.Context, m versionstore.Mutation) (versionstore.Result, error) {
	if s.down.Load() {
		return versionstore.Result{}, errors.New("store unavailable")
	}
	return s.Local.Apply(ctx, m)
}

type testAPI struct {
	srv   *httptest.Server
	store *flakyStore
	log   *events.Log
	sink  *replay.MemorySink
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	a := &testAPI{store: &flakyStore{Local: versionstore.NewLocal()}, log: events.NewLog(), sink: replay.NewMemorySink()}
	mgr, err := reconcile.New(reconcile.Options{
		Store:     a.store,
		Operators: ledgercache.NewAllowList("ops"),
		Events:    a.log,
		RetryRate: 1000,
	})
	require.NoError(t, err)
	cache, err := ledgercache.New(ledgercache.Options{
		Authorizer: ledgercache.NewAllowList("ledger-a"),
		Store:      a.store,
		Events:     a.log,
		Failures:   mgr,
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	s, err := New(Options{
		Cache:       cache,
		Manager:     mgr,
		Projections: a.sink,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	require.NoError(t, err)
	a.srv = httptest.NewServer(s.Handler())
	t.Cleanup(a.srv.Close)
	return a
}

func (a *testAPI) do(t *testing.T, method, path, header, who, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if header != "" {
		req.Header.Set(header, who)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), contentTypeJSON) {
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		_ = json.Unmarshal(raw, &out)
	}
	return resp, out
}

func (a *testAPI) push(t *testing.T, kind, body string) (*http.Response, map[string]any) {
	return a.do(t, http.MethodPost, "/v1/push/"+kind, HeaderCaller, "ledger-a", body)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.do(t, http.MethodGet, "/healthz", "", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = a.do(t, http.MethodGet, "/metrics", "", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPushFlow(t *testing.T) {
	a := newTestAPI(t)

	resp, out := a.push(t, "snapshot", `{"subject":"acct-1","dimension":"margin","values":{"free":"100"},"next_version":1,"request_id":"r1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", out["status"])
	assert.EqualValues(t, 1, out["version"])

	resp, out = a.push(t, "delta", `{"subject":"acct-1","dimension":"margin","values":{"free":"-30"},"next_version":2,"request_id":"r2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", out["status"])

	// retry of r2 is a duplicate, still 200
	resp, out = a.push(t, "delta", `{"subject":"acct-1","dimension":"margin","values":{"free":"-30"},"next_version":2,"request_id":"r2"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", out["status"])

	resp, out = a.push(t, "delta", `{"subject":"acct-1","dimension":"margin","values":{"free":"-1"},"next_version":9,"request_id":"r9"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "stale_version", out["reason"])

	resp, out = a.push(t, "delta", `{"subject":"acct-1","dimension":"margin","values":{"free":"-500"},"next_version":3,"request_id":"r3"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "free", out["field"])

	resp, out = a.do(t, http.MethodGet, "/v1/entries/acct-1/margin", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, out["version"])
	assert.Equal(t, "70", out["values"].(map[string]any)["free"])

	assert.Equal(t, 5, a.log.Len(), "one event per call")
}

func TestPushRejections(t *testing.T) {
	a := newTestAPI(t)

	resp, out := a.do(t, http.MethodPost, "/v1/push/snapshot", HeaderCaller, "intruder",
		`{"subject":"acct-1","dimension":"margin","values":{"free":"1"},"next_version":1,"request_id":"r1"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "unauthorized", out["reason"])

	resp, _ = a.push(t, "snapshot", `{"subject":"acct-1"`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.push(t, "snapshot", `{"subject":"acct-1","dimension":"margin","values":{"free":"1"},"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are refused")

	resp, _ = a.do(t, http.MethodGet, "/v1/entries/acct-9/margin", "", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStoreOutageIsRecordedAndRetried(t *testing.T) {
	a := newTestAPI(t)
	a.store.down.Store(true)

	resp, out := a.push(t, "snapshot", `{"subject":"acct-1","dimension":"margin","values":{"free":"10"},"next_version":1,"request_id":"r1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "push_failed", out["reason"])

	req, err := http.NewRequest(http.MethodGet, a.srv.URL+"/v1/admin/failures?state=pending", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderOperator, "ops")
	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer r2.Body.Close()
	var recs []reconcile.Record
	require.NoError(t, json.NewDecoder(r2.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "r1", recs[0].RequestID)

	a.store.down.Store(false)
	resp, out = a.do(t, http.MethodPost, "/v1/admin/failures/"+recs[0].ID+"/retry", HeaderOperator, "ops", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", out["status"])

	resp, _ = a.do(t, http.MethodPost, "/v1/admin/failures/"+recs[0].ID+"/retry", HeaderOperator, "ops", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "already resolved")

	resp, _ = a.do(t, http.MethodPost, "/v1/admin/failures/nope/retry", HeaderOperator, "ops", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, out = a.do(t, http.MethodPost, "/v1/admin/failures/retry", HeaderOperator, "ops", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, out["resolved"])
}

func TestAdminRequiresOperator(t *testing.T) {
	a := newTestAPI(t)
	resp, _ := a.do(t, http.MethodPost, "/v1/admin/reset", HeaderOperator, "ledger-a", `{"subject":"acct-1","dimension":"margin"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = a.do(t, http.MethodGet, "/v1/admin/failures", "", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestResyncResetVerify(t *testing.T) {
	a := newTestAPI(t)
	a.push(t, "snapshot", `{"subject":"acct-1","dimension":"margin","values":{"free":"10"},"next_version":1,"request_id":"r1"}`)

	resp, out := a.do(t, http.MethodPost, "/v1/admin/verify", HeaderOperator, "ops", `{"subject":"acct-1","dimension":"margin","values":{"free":"12"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["in_sync"])
	assert.Equal(t, "2", out["diff"].(map[string]any)["free"])

	resp, out = a.do(t, http.MethodPost, "/v1/admin/resync", HeaderOperator, "ops", `{"subject":"acct-1","dimension":"margin","values":{"free":"12"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, out["version"])

	resp, out = a.do(t, http.MethodPost, "/v1/admin/verify", HeaderOperator, "ops", `{"subject":"acct-1","dimension":"margin","values":{"free":"12"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["in_sync"])

	resp, out = a.do(t, http.MethodPost, "/v1/admin/reset", HeaderOperator, "ops", `{"subject":"acct-1","dimension":"margin"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["reset"])

	resp, _ = a.do(t, http.MethodGet, "/v1/entries/acct-1/margin", "", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/v1/admin/resync", HeaderOperator, "ops", `{"subject":"","dimension":"margin","values":{"free":"1"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProjectionRoute(t *testing.T) {
	a := newTestAPI(t)
	key := versionstore.Key{Subject: "acct-1", Dimension: "margin"}
	_, err := a.sink.Apply(context.Background(), events.Event{
		ID: "e1", Type: events.CacheUpdated, Key: key, Version: 3,
		Values: versionstore.Values{"free": decimal.NewFromInt(5)},
	})
	require.NoError(t, err)

	resp, out := a.do(t, http.MethodGet, "/v1/projections/acct-1/margin", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, out["version"])

	resp, _ = a.do(t, http.MethodGet, "/v1/projections/acct-2/margin", "", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListFailuresValidatesQuery(t *testing.T) {
	a := newTestAPI(t)
	for _, q := range []string{"?limit=0", "?limit=x", "?state=weird", "?subject=acct-1"} {
		resp, _ := a.do(t, http.MethodGet, "/v1/admin/failures"+q, HeaderOperator, "ops", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}
