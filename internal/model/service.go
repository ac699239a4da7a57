package model

import (
	"context"
	"errors"
	"strings"
	"time"

	"idempay/internal/obs"
)

// Processor is the external payment operation. Opaque, possibly slow,
// possibly failing; the service bounds it with Config.OpTimeout.
type Processor interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeOutcome, error)
}

type Config struct {
	TTL          time.Duration // reservation lifetime
	OpTimeout    time.Duration // bound on one gateway invocation
	AwaitTimeout time.Duration // bound on waiting for a concurrent duplicate
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = 5 * time.Second
	}
}

// Service coordinates one charge request: fingerprint, reserve, execute at
// most once, persist the outcome. All record state lives in the registry;
// the service never mutates a record directly.
type Service struct {
	registry Registry
	gateway  Processor
	logger   *obs.Logger
	metrics  *obs.Metrics
	cfg      Config
}

// reserveCycles bounds how many times one request re-enters the reserve
// loop after watching another attempt fail.
const reserveCycles = 3

func NewService(reg Registry, gw Processor, logger *obs.Logger, metrics *obs.Metrics, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		registry: reg,
		gateway:  gw,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
	}
}

func (s *Service) incResult(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ChargeTotal.WithLabelValues(result).Inc()
}

func (s *Service) observeLatency(stage string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ChargeLatencyMS.WithLabelValues(stage).Observe(float64(time.Since(start).Milliseconds()))
}

func (s *Service) incBusy(op string) {
	if s.metrics == nil {
		return
	}
	s.metrics.StoreBusyTotal.WithLabelValues(op).Inc()
}

func validateCharge(key string, req ChargeRequest) error {
	if strings.TrimSpace(key) == "" {
		return &ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		return &ValidationError{Field: "customer_id", Reason: "required"}
	}
	if req.AmountMinor <= 0 {
		return &ValidationError{Field: "amount_minor", Reason: "must be > 0"}
	}
	if strings.TrimSpace(req.Currency) == "" {
		return &ValidationError{Field: "currency", Reason: "required"}
	}
	return nil
}

// Charge processes one (key, payload) request.
//
// For a fixed key the gateway is invoked at most once while any unexpired
// record with a matching fingerprint exists; concurrent duplicates converge
// on one outcome. Same key with a different fingerprint is ErrConflict.
// A duplicate whose original is still running past AwaitTimeout is
// ErrInFlight.
func (s *Service) Charge(ctx context.Context, key string, req ChargeRequest) (ChargeOutcome, error) {
	if err := validateCharge(key, req); err != nil {
		s.incResult("invalid")
		return ChargeOutcome{}, err
	}
	key = strings.TrimSpace(key)

	start := time.Now()

	var (
		logResult string
		logTxn    string
		logErrMsg string
	)
	defer func() {
		if s.logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":         "charge",
			"key":        key,
			"customer":   req.CustomerID,
			"amount":     req.AmountMinor,
			"currency":   req.Currency,
			"result":     logResult,
			"txn":        logTxn,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if logErrMsg != "" {
			fields["error"] = logErrMsg
			s.logger.Error(fields)
		} else {
			s.logger.Info(fields)
		}
	}()
	defer s.observeLatency("total", start)

	fp, err := FingerprintOf(req)
	if err != nil {
		logResult, logErrMsg = "invalid", err.Error()
		s.incResult("invalid")
		return ChargeOutcome{}, err
	}

	for cycle := 0; cycle < reserveCycles; cycle++ {
		res, err := s.registry.Reserve(ctx, key, fp, s.cfg.TTL)
		if err != nil {
			if errors.Is(err, ErrStoreBusy) {
				logResult = "busy"
				s.incBusy("reserve")
				s.incResult("busy")
				return ChargeOutcome{}, err
			}
			logResult, logErrMsg = "error", err.Error()
			return ChargeOutcome{}, err
		}

		switch res.Status {
		case StatusCreated:
			out, err := s.execute(ctx, key, res.Token, req)
			if err != nil {
				logResult, logErrMsg = "op_error", err.Error()
				s.incResult("op_error")
				return ChargeOutcome{}, err
			}
			logResult, logTxn = "executed", out.TransactionID
			s.incResult("executed")
			return out, nil

		case StatusExistingMatch:
			if res.Outcome != nil {
				logResult, logTxn = "replay", res.Outcome.TransactionID
				s.incResult("replay")
				return *res.Outcome, nil
			}
			out, err := s.registry.AwaitCompletion(ctx, res.Ticket, s.cfg.AwaitTimeout)
			switch {
			case err == nil:
				logResult, logTxn = "replay", out.TransactionID
				s.incResult("replay")
				return out, nil
			case errors.Is(err, ErrReservationReleased):
				// The watched attempt failed or expired; the slot is
				// free again, take another pass.
				continue
			case errors.Is(err, ErrAwaitTimeout):
				logResult = "in_flight"
				s.incResult("in_flight")
				return ChargeOutcome{}, ErrInFlight
			default:
				logResult, logErrMsg = "error", err.Error()
				return ChargeOutcome{}, err
			}

		case StatusConflict:
			logResult = "conflict"
			s.incResult("conflict")
			return ChargeOutcome{}, ErrConflict
		}
	}

	// Every cycle watched an attempt die; report transient rather than
	// looping forever.
	logResult = "in_flight"
	s.incResult("in_flight")
	return ChargeOutcome{}, ErrInFlight
}

// execute runs the gateway call for a reservation this caller owns; token
// is the attempt token from the Created reserve, so a completion landing
// after the TTL cannot touch a successor reservation.
//
// The call is detached from the request context: if the originating client
// disconnects mid-operation, concurrent waiters must still receive the
// eventual outcome. Only the operation timeout bounds it.
func (s *Service) execute(ctx context.Context, key string, token int64, req ChargeRequest) (ChargeOutcome, error) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OpTimeout)
	defer cancel()

	gwStart := time.Now()
	out, err := s.gateway.Charge(opCtx, req)
	s.observeLatency("gateway", gwStart)

	if err != nil {
		if ferr := s.registry.Fail(opCtx, key, token); ferr != nil {
			if errors.Is(ferr, ErrStoreBusy) {
				s.incBusy("fail")
			}
			if s.logger != nil {
				s.logger.Error(map[string]interface{}{
					"op":    "fail_reservation",
					"key":   key,
					"error": ferr.Error(),
				})
			}
		}
		return ChargeOutcome{}, &OperationError{Err: err}
	}

	// May be a silent no-op if the operation outlasted the TTL (or a
	// successor re-claimed the key); the outcome is then not cached and a
	// retry re-executes.
	if cerr := s.registry.Complete(opCtx, key, token, out); cerr != nil {
		if errors.Is(cerr, ErrStoreBusy) {
			s.incBusy("complete")
		}
		if s.logger != nil {
			s.logger.Error(map[string]interface{}{
				"op":    "complete_reservation",
				"key":   key,
				"error": cerr.Error(),
			})
		}
	}
	return out, nil
}

// GetRecord exposes a read-only record snapshot for the API layer.
func (s *Service) GetRecord(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	if strings.TrimSpace(key) == "" {
		return IdempotencyRecord{}, false, &ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	return s.registry.Lookup(ctx, strings.TrimSpace(key))
}
