package escrowd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"crowdescrow/native/pool"
	"crowdescrow/observability/logging"
)

type poolPaymentRequest struct {
	Party  string `json:"party"`
	Amount uint64 `json:"amount"`
}

type poolPaymentResponse struct {
	Pool  pool.Snapshot `json:"pool"`
	Error string        `json:"error,omitempty"`
}

func poolErrorStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrInvalidParty), errors.Is(err, pool.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, pool.ErrCapExceeded), errors.Is(err, pool.ErrSettlementPending):
		return http.StatusConflict
	case errors.Is(err, pool.ErrNothingToSettle):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrFinalizationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handlePoolPayment(w http.ResponseWriter, r *http.Request) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.respondError(w, r, nil, http.StatusBadRequest, err)
		return
	}
	var req poolPaymentRequest
	if err := decodeBody(body, &req); err != nil {
		s.respondError(w, r, body, http.StatusBadRequest, err)
		return
	}
	if err := s.pool.ReceivePayment(req.Party, req.Amount); err != nil {
		s.logger.Warn("pool payment not applied",
			logging.MaskField("party", req.Party),
			slog.Uint64("amount", req.Amount),
			slog.String("error", err.Error()))
		s.respondValue(w, r, body, poolErrorStatus(err), poolPaymentResponse{Pool: s.pool.Snapshot(), Error: err.Error()})
		return
	}
	s.respondValue(w, r, body, http.StatusOK, poolPaymentResponse{Pool: s.pool.Snapshot()})
}

func (s *Server) handlePoolGet(w http.ResponseWriter, r *http.Request) {
	payload, err := json.Marshal(s.pool.Snapshot())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePoolRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.RetrySettlement(); err != nil {
		s.respondValue(w, r, nil, poolErrorStatus(err), poolPaymentResponse{Pool: s.pool.Snapshot(), Error: err.Error()})
		return
	}
	s.logger.Info("pool settlement retried", slog.String("operator", subjectFromContext(r.Context())))
	s.respondValue(w, r, nil, http.StatusOK, poolPaymentResponse{Pool: s.pool.Snapshot()})
}

func (s *Server) handlePoolRollback(w http.ResponseWriter, r *http.Request) {
	report := s.pool.Rollback()
	s.logger.Warn("pool rolled back by operator",
		slog.String("operator", subjectFromContext(r.Context())),
		slog.Uint64("clearedAmount", report.ClearedAmount))
	s.respondValue(w, r, nil, http.StatusOK, report)
}
