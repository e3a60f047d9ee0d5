package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"craftnexus/internal/failure"
	"craftnexus/internal/idempotency"
)

const idempotencyHeader = "X-Idempotency-Key"

type errorBody struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a failure kind to the HTTP status a client sees.
func statusFor(err error) int {
	fe, ok := failure.From(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch fe.Kind {
	case failure.KindValidation:
		return http.StatusBadRequest
	case failure.KindConfiguration:
		return http.StatusServiceUnavailable
	case failure.KindAuthorization:
		if fe.Code == failure.CodeAccessDenied {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case failure.KindTimeout:
		return http.StatusGatewayTimeout
	case failure.KindLedgerRejection, failure.KindContractRejection:
		return http.StatusUnprocessableEntity
	case failure.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func errorBodyFor(err error) errorBody {
	fe, ok := failure.From(err)
	if !ok {
		return errorBody{Code: "internal", Message: "internal error"}
	}
	msg := fe.Message
	if msg == "" {
		msg = string(fe.Code)
	}
	return errorBody{
		Code:    string(fe.Code),
		Kind:    string(fe.Kind),
		Message: msg,
		Reason:  fe.Reason,
		Hint:    fe.Hint,
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		"path":      r.URL.Path,
		"status":    status,
		"code":      failure.CodeOf(err),
		"requestId": r.Header.Get(requestIDHeader),
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}
	writeJSON(w, status, errorBodyFor(err))
}

// result is what a mutating handler produces; the idempotent wrapper stores
// and replays it.
type result struct {
	status int
	body   any
	// journal describes the submission if its outcome turns out unknown.
	journal reconcileEntry
}

type mutation func(r *http.Request, body []byte) (result, error)

// idempotent requires an X-Idempotency-Key, replays the stored response for
// a repeated key and records the response of anything that reached the
// ledger. The key is claimed before the handler runs, so a duplicate that
// arrives while the first request is in flight gets a conflict instead of a
// second submission. A key reused with a different body is also a conflict.
func (s *Server) idempotent(operation string, fn mutation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" {
			s.writeError(w, r, failure.New(failure.CodeInvalidRequest, "missing %s header", idempotencyHeader))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			s.writeError(w, r, failure.Wrap(failure.CodeInvalidRequest, err, "read request body"))
			return
		}

		ctx := r.Context()
		hash := idempotency.Fingerprint(operation+" "+r.URL.Path, body)
		existing, err := s.idem.Reserve(ctx, key, hash, s.cfg.Service.IdempotencyWindow)
		switch {
		case errors.Is(err, idempotency.ErrKeyReused):
			writeJSON(w, http.StatusConflict, errorBody{Code: "idempotency_key_reused", Message: err.Error()})
			return
		case errors.Is(err, idempotency.ErrInProgress):
			writeJSON(w, http.StatusConflict, errorBody{
				Code:    "request_in_progress",
				Message: err.Error(),
				Hint:    "retry after the first request completes",
			})
			return
		case err != nil:
			s.logger.WithError(err).WithField("operation", operation).Error("idempotency reserve failed")
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "store_unavailable", Message: "idempotency store unavailable"})
			return
		}
		if existing != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			s.metrics.incReplay(operation)
			return
		}

		// The claim is dropped unless a final record replaces it, including
		// when fn panics.
		settled := false
		defer func() {
			if settled {
				return
			}
			if err := s.idem.Release(context.WithoutCancel(ctx), key); err != nil {
				s.logger.WithError(err).WithField("operation", operation).Warn("idempotency release failed")
			}
		}()

		res, err := fn(r, body)
		status, payload := res.status, any(res.body)
		if err != nil {
			status, payload = statusFor(err), errorBodyFor(err)
			s.writeError(w, r, err)
			if failure.KindOf(failure.CodeOf(err)) == failure.KindTimeout {
				entry := res.journal
				entry.Operation = operation
				entry.RequestID = r.Header.Get(requestIDHeader)
				entry.IdempotencyKey = key
				entry.Error = err.Error()
				s.journal.write(entry)
			}
			if !reachedLedger(err) {
				return
			}
		} else {
			writeJSON(w, status, payload)
		}
		// From here the request may have submitted, so a failed save leaves
		// the claim to expire rather than letting a retry run again.
		settled = true

		b, merr := json.Marshal(payload)
		if merr != nil {
			return
		}
		now := time.Now()
		record := idempotency.Record{
			StatusCode:  status,
			Response:    append(b, '\n'),
			RequestHash: hash,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.idem.Save(context.WithoutCancel(ctx), key, record); err != nil {
			s.logger.WithError(err).WithField("operation", operation).Warn("idempotency save failed")
		}
	}
}

// reachedLedger reports whether err may have followed a submission. Only
// those outcomes are recorded; validation and configuration failures happen
// before any I/O, so a retry with the same key is safe to run again.
func reachedLedger(err error) bool {
	switch failure.KindOf(failure.CodeOf(err)) {
	case failure.KindValidation, failure.KindConfiguration:
		return false
	}
	return failure.CodeOf(err) != ""
}

func decodeBody(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return failure.Wrap(failure.CodeInvalidRequest, err, "invalid json payload")
	}
	return nil
}
