package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/unkn0wn-root/ledgercache"
	"github.com/unkn0wn-root/ledgercache/reconcile"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

const contentTypeJSON = "application/json"

type errorResponse struct {
	Error string `json:"error"`
}

// outcomeResponse is the wire form of ledgercache.Outcome.
type outcomeResponse struct {
	Status    ledgercache.Status `json:"status"`
	Reason    ledgercache.Reason `json:"reason,omitempty"`
	Key       versionstore.Key   `json:"key"`
	RequestID string             `json:"request_id,omitempty"`
	Sequence  uint64             `json:"sequence,omitempty"`
	Version   uint64             `json:"version"`
	Previous  uint64             `json:"previous"`
	Field     string             `json:"field,omitempty"`
	EventID   string             `json:"event_id"`
	Error     string             `json:"error,omitempty"`
}

func newOutcomeResponse(o ledgercache.Outcome) outcomeResponse {
	r := outcomeResponse{
		Status:    o.Status,
		Reason:    o.Reason,
		Key:       o.Key,
		RequestID: o.RequestID,
		Sequence:  o.Sequence,
		Version:   o.Version,
		Previous:  o.Previous,
		Field:     o.Field,
		EventID:   o.EventID,
	}
	if err := o.Err(); err != nil {
		r.Error = err.Error()
	}
	return r
}

// outcomeStatus maps an outcome onto an HTTP status. Duplicates are 200: the
// retry succeeded.
func outcomeStatus(o ledgercache.Outcome) int {
	switch o.Status {
	case ledgercache.StatusAccepted, ledgercache.StatusDuplicate:
		return http.StatusOK
	case ledgercache.StatusFailed:
		return http.StatusServiceUnavailable
	}
	switch o.Reason {
	case ledgercache.ReasonUnauthorized:
		return http.StatusForbidden
	case ledgercache.ReasonStaleVersion:
		return http.StatusConflict
	case ledgercache.ReasonInvalidDelta:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ledgercache.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledgercache.ErrInvalidRequest), errors.Is(err, versionstore.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, reconcile.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrNotPending):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", ledgercache.Fields{"err": err})
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", ledgercache.Fields{"err": err})
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
