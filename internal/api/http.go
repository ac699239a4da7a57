package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"idempay/internal/model"
)

const idempotencyKeyHeader = "Idempotency-Key"

type Server struct {
	svc *model.Service
	mux *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func NewServer(svc *model.Service) *Server {
	s := &Server{svc: svc, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Charge endpoints (simple path parsing to avoid extra router deps)
	s.mux.HandleFunc("/v1/charges", s.handleCharge)
	s.mux.HandleFunc("/v1/charges/", s.handleRecord)
}

// --- Handlers ---

type chargeReq struct {
	CustomerID  string `json:"customer_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}

type chargeResp struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	ProcessedAtMS int64  `json:"processed_at_ms"`
	Message       string `json:"message,omitempty"`
}

type errResp struct {
	Error        string `json:"error"`
	Reason       string `json:"reason,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func outcomeResp(out model.ChargeOutcome) chargeResp {
	return chargeResp{
		TransactionID: out.TransactionID,
		Status:        out.Status,
		AmountMinor:   out.AmountMinor,
		Currency:      out.Currency,
		ProcessedAtMS: out.ProcessedAtMS,
		Message:       out.Message,
	}
}

// POST /v1/charges
//
// The Idempotency-Key header is required. Replayed duplicates receive the
// identical body a fresh execution produced.
// 200 outcome, 400 missing key / invalid payload, 409 key reused with a
// different payload, 502 gateway failure, 503 duplicate still in flight.
func (s *Server) handleCharge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, errResp{Error: "method not allowed"})
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if key == "" {
		writeErr(w, http.StatusBadRequest, errResp{
			Error:  "Idempotency-Key header is required",
			Reason: "MISSING_KEY",
		})
		return
	}

	var req chargeReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, errResp{Error: err.Error(), Reason: "BAD_PAYLOAD"})
		return
	}

	out, err := s.svc.Charge(r.Context(), key, model.ChargeRequest{
		CustomerID:  req.CustomerID,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Description: req.Description,
	})
	if err != nil {
		s.writeChargeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResp(out))
}

func (s *Server) writeChargeErr(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	var operr *model.OperationError

	switch {
	case errors.As(err, &verr):
		writeErr(w, http.StatusBadRequest, errResp{Error: verr.Error(), Reason: "BAD_PAYLOAD"})

	case errors.Is(err, model.ErrConflict):
		writeErr(w, http.StatusConflict, errResp{Error: err.Error(), Reason: "KEY_REUSED"})

	case errors.Is(err, model.ErrInFlight):
		writeErr(w, http.StatusServiceUnavailable, errResp{
			Error:        err.Error(),
			Reason:       "IN_FLIGHT",
			RetryAfterMS: 1000,
		})

	case errors.Is(err, model.ErrStoreBusy):
		writeErr(w, http.StatusServiceUnavailable, errResp{
			Error:        err.Error(),
			Reason:       "BUSY_RETRY",
			RetryAfterMS: 100,
		})

	case errors.As(err, &operr):
		writeErr(w, http.StatusBadGateway, errResp{Error: operr.Error(), Reason: "UPSTREAM_FAILED"})

	default:
		writeErr(w, http.StatusInternalServerError, errResp{Error: err.Error()})
	}
}

type recordResp struct {
	Key         string      `json:"key"`
	State       string      `json:"state"`
	Outcome     *chargeResp `json:"outcome,omitempty"`
	CreatedAtMS int64       `json:"created_at_ms"`
	ExpiresAtMS int64       `json:"expires_at_ms"`
}

// GET /v1/charges/{key}
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, errResp{Error: "method not allowed"})
		return
	}

	key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/charges/"), "/")
	if key == "" || strings.Contains(key, "/") {
		writeErr(w, http.StatusBadRequest, errResp{Error: "charge key required"})
		return
	}

	rec, ok, err := s.svc.GetRecord(r.Context(), key)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, errResp{Error: "no live record for key", Reason: "NOT_FOUND"})
		return
	}

	out := recordResp{
		Key:         key,
		State:       string(rec.State),
		CreatedAtMS: rec.CreatedAt.UnixMilli(),
		ExpiresAtMS: rec.ExpiresAt.UnixMilli(),
	}
	if rec.Outcome != nil {
		o := outcomeResp(*rec.Outcome)
		out.Outcome = &o
	}
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, body errResp) {
	writeJSON(w, status, body)
}
