// Package httpapi exposes the push gateway and the reconciliation manager over
// HTTP.
//
//	GET  /healthz
//	GET  /metrics
//	GET  /v1/entries/{subject}/{dimension}
//	GET  /v1/projections/{subject}/{dimension}
//	POST /v1/push/snapshot                       X-Ledger-Caller
//	POST /v1/push/delta                          X-Ledger-Caller
//	POST /v1/admin/resync                        X-Ledger-Operator
//	POST /v1/admin/reset                         X-Ledger-Operator
//	POST /v1/admin/verify                        X-Ledger-Operator
//	GET  /v1/admin/failures?state=&subject=&dimension=&request_id=&limit=
//	POST /v1/admin/failures/retry?limit=
//	POST /v1/admin/failures/{id}/retry
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unkn0wn-root/ledgercache"
	"github.com/unkn0wn-root/ledgercache/reconcile"
	"github.com/unkn0wn-root/ledgercache/replay"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

const (
	HeaderCaller   = "X-Ledger-Caller"
	HeaderOperator = "X-Ledger-Operator"

	maxBodyBytes    = 1 << 20
	defaultPageSize = 100
)

var ErrMissingDependency = errors.New("httpapi: cache and manager are required")

type Options struct {
	Cache   ledgercache.Cache
	Manager *reconcile.Manager
	// Projections serves the replayed read model; nil disables the route.
	Projections replay.Sink
	// Metrics is mounted at /metrics when set (promhttp.HandlerFor).
	Metrics http.Handler
	Logger  ledgercache.Logger
}

type Server struct {
	cache       ledgercache.Cache
	mgr         *reconcile.Manager
	projections replay.Sink
	metrics     http.Handler
	log         ledgercache.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Cache == nil || opts.Manager == nil {
		return nil, ErrMissingDependency
	}
	log := opts.Logger
	if log == nil {
		log = ledgercache.NopLogger{}
	}
	return &Server{
		cache:       opts.Cache,
		mgr:         opts.Manager,
		projections: opts.Projections,
		metrics:     opts.Metrics,
		log:         log,
	}, nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/entries/{subject}/{dimension}", s.handleGetEntry)
		if s.projections != nil {
			r.Get("/projections/{subject}/{dimension}", s.handleGetProjection)
		}
		r.Post("/push/snapshot", s.handlePush(versionstore.Snapshot))
		r.Post("/push/delta", s.handlePush(versionstore.Delta))

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireOperator)
			r.Post("/resync", s.handleResync)
			r.Post("/reset", s.handleReset)
			r.Post("/verify", s.handleVerify)
			r.Get("/failures", s.handleListFailures)
			r.Post("/failures/retry", s.handleRetryPending)
			r.Post("/failures/{id}/retry", s.handleRetry)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathKey(r *http.Request) (versionstore.Key, error) {
	k := versionstore.Key{Subject: chi.URLParam(r, "subject"), Dimension: chi.URLParam(r, "dimension")}
	if err := k.Validate(); err != nil {
		return k, err
	}
	return k, nil
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	k, err := pathKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, ok, err := s.cache.Get(r.Context(), k)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "entry not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleGetProjection(w http.ResponseWriter, r *http.Request) {
	k, err := pathKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, ok, err := s.projections.Get(r.Context(), k)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "projection not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

type pushBody struct {
	Subject     string              `json:"subject"`
	Dimension   string              `json:"dimension"`
	Values      versionstore.Values `json:"values"`
	NextVersion uint64              `json:"next_version"`
	RequestID   string              `json:"request_id"`
	Sequence    uint64              `json:"sequence"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: body: %v", ledgercache.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Server) handlePush(kind versionstore.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var b pushBody
		if err := decode(w, r, &b); err != nil {
			s.writeError(w, err)
			return
		}
		req := ledgercache.PushRequest{
			Caller:      ledgercache.Caller(r.Header.Get(HeaderCaller)),
			Key:         versionstore.Key{Subject: b.Subject, Dimension: b.Dimension},
			Values:      b.Values,
			NextVersion: b.NextVersion,
			RequestID:   b.RequestID,
			Sequence:    b.Sequence,
		}
		var out ledgercache.Outcome
		if kind == versionstore.Delta {
			out = s.cache.SubmitDelta(r.Context(), req)
		} else {
			out = s.cache.SubmitSnapshot(r.Context(), req)
		}
		s.writeJSON(w, outcomeStatus(out), newOutcomeResponse(out))
	}
}

type operatorKey struct{}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := ledgercache.Caller(r.Header.Get(HeaderOperator))
		if err := s.mgr.AuthorizeOperator(r.Context(), op); err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withOperator(r.Context(), op)))
	})
}

type keyBody struct {
	Subject   string              `json:"subject"`
	Dimension string              `json:"dimension"`
	Values    versionstore.Values `json:"values,omitempty"`
}

func (b keyBody) key() versionstore.Key {
	return versionstore.Key{Subject: b.Subject, Dimension: b.Dimension}
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	var b keyBody
	if err := decode(w, r, &b); err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.mgr.ForceResync(r.Context(), operator(r.Context()), b.key(), b.Values)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var b keyBody
	if err := decode(w, r, &b); err != nil {
		s.writeError(w, err)
		return
	}
	ok, err := s.mgr.Reset(r.Context(), operator(r.Context()), b.key())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"reset": ok})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var b keyBody
	if err := decode(w, r, &b); err != nil {
		s.writeError(w, err)
		return
	}
	k := b.key()
	if err := k.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.mgr.Verify(r.Context(), k, b.Values)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		reconcile.Drift
		InSync bool `json:"in_sync"`
	}{d, d.InSync()})
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit=%q", ledgercache.ErrInvalidRequest, raw)
	}
	return n, nil
}

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	q := r.URL.Query()
	f := reconcile.Filter{
		State:     reconcile.State(q.Get("state")),
		Key:       versionstore.Key{Subject: q.Get("subject"), Dimension: q.Get("dimension")},
		RequestID: q.Get("request_id"),
		Limit:     limit,
	}
	if (f.Key.Subject == "") != (f.Key.Dimension == "") {
		s.writeError(w, fmt.Errorf("%w: subject and dimension go together", ledgercache.ErrInvalidRequest))
		return
	}
	switch f.State {
	case "", reconcile.StatePending, reconcile.StateResolved, reconcile.StateAbandoned:
	default:
		s.writeError(w, fmt.Errorf("%w: state=%q", ledgercache.ErrInvalidRequest, f.State))
		return
	}
	recs, err := s.mgr.List(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []reconcile.Record{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	out, err := s.mgr.Retry(r.Context(), s.cache, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newOutcomeResponse(out))
}

func (s *Server) handleRetryPending(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sum, err := s.mgr.RetryPending(r.Context(), s.cache, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

func withOperator(ctx context.Context, op ledgercache.Caller) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

func operator(ctx context.Context) ledgercache.Caller {
	op, _ := ctx.Value(operatorKey{}).(ledgercache.Caller)
	return op
}
