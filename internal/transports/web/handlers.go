package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"pybridge/internal/core"
	"pybridge/internal/storage"
	"pybridge/internal/transports/common"
)

type invokeRequest struct {
	Method    string      `json:"method"`
	Arguments interface{} `json:"arguments"`
}

func decodeInvokeRequest(r *http.Request) (invokeRequest, string, int) {
	var req invokeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return invokeRequest{}, "payload_too_large", http.StatusRequestEntityTooLarge
		}
		return invokeRequest{}, "invalid_json", http.StatusBadRequest
	}
	if dec.More() {
		return invokeRequest{}, "invalid_json", http.StatusBadRequest
	}
	if req.Method == "" {
		return invokeRequest{}, "method_required", http.StatusBadRequest
	}
	return req, "", 0
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"channel": a.service.Registry.Channel(),
	})
}

func (a *Adapter) handleMe(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id":  common.RequestIDFromContext(r.Context()),
		"subject":     id.Subject,
		"token_id":    id.TokenID,
		"auth_method": id.Method,
	})
}

func (a *Adapter) handleMethods(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if err := a.authorize(r, core.Action{Channel: channel, Method: "methods"}); err != nil {
		writeError(w, r, http.StatusForbidden, "access_denied")
		a.writeAudit(r, "web:methods", storage.StatusDenied, map[string]string{"channel": channel})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": common.RequestIDFromContext(r.Context()),
		"channel":    channel,
		"items":      a.service.Registry.Methods(),
	})
}

func (a *Adapter) handleInvoke(w http.ResponseWriter, r *http.Request) {
	requestID := common.RequestIDFromContext(r.Context())
	channel := r.PathValue("channel")

	req, code, statusCode := decodeInvokeRequest(r)
	if code != "" {
		writeError(w, r, statusCode, code)
		a.writeAudit(r, channel+":invoke", storage.StatusError, map[string]string{"error_code": code})
		return
	}

	res, err := a.service.Invoke(r.Context(), identityFromContext(r.Context()).Subject, core.Call{
		Channel: channel,
		Method:  req.Method,
		Payload: core.PayloadOf(req.Arguments),
	})
	switch {
	case errors.Is(err, core.ErrNotImplemented):
		writeJSON(w, r, http.StatusNotImplemented, map[string]string{
			"request_id": requestID,
			"status":     "not_implemented",
			"error_code": "not_implemented",
			"message":    errorMessage("not_implemented"),
		})
		return
	case errors.Is(err, core.ErrAccessDenied):
		writeError(w, r, http.StatusForbidden, "access_denied")
		return
	case errors.Is(err, common.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, "rate_limited")
		return
	case err != nil:
		writeError(w, r, http.StatusBadRequest, "bad_request")
		return
	}

	if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
		writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"status":     "success",
		"result":     res.Map(),
	})
}

func (a *Adapter) handleLatestMetric(w http.ResponseWriter, r *http.Request) {
	requestID := common.RequestIDFromContext(r.Context())

	module := r.URL.Query().Get("module")
	if module == "" {
		writeError(w, r, http.StatusBadRequest, "module_required")
		return
	}

	rec, err := a.store.LatestMetric(r.Context(), module)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
			a.writeAudit(r, "web:metrics_latest", storage.StatusError, map[string]string{"module": module, "error_code": "request_timeout"})
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "metric_not_found")
			return
		}
		a.logger.Warn("Latest metric query failed", "module", module, "err", err)
		writeError(w, r, http.StatusInternalServerError, "query_failed")
		a.writeAudit(r, "web:metrics_latest", storage.StatusError, map[string]string{"module": module})
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"module":     rec.Module,
		"ts":         rec.TS.UTC().Format(time.RFC3339),
		"payload":    json.RawMessage(rec.Payload),
	})
}

func (a *Adapter) handleAudit(w http.ResponseWriter, r *http.Request) {
	requestID := common.RequestIDFromContext(r.Context())
	query := r.URL.Query()

	q := storage.AuditQuery{
		Subject: query.Get("subject"),
		Action:  query.Get("action"),
		Status:  query.Get("status"),
		Limit:   parseLimit(query.Get("limit")),
	}
	if from := query.Get("from"); from != "" {
		ts, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_from")
			return
		}
		q.From = ts
	}
	if to := query.Get("to"); to != "" {
		ts, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_to")
			return
		}
		q.To = ts
	}

	events, err := a.store.QueryAudit(r.Context(), q)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
			return
		}
		a.logger.Warn("Audit query failed", "err", err)
		writeError(w, r, http.StatusInternalServerError, "query_failed")
		return
	}

	type eventDTO struct {
		Subject    string          `json:"subject"`
		Action     string          `json:"action"`
		Source     string          `json:"source"`
		Status     string          `json:"status"`
		RequestID  string          `json:"request_id"`
		DurationMS int64           `json:"duration_ms"`
		Payload    json.RawMessage `json:"payload,omitempty"`
		TS         string          `json:"ts"`
	}
	items := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		var payload json.RawMessage
		if json.Valid(ev.Payload) {
			payload = json.RawMessage(ev.Payload)
		}
		items = append(items, eventDTO{
			Subject:    ev.Subject,
			Action:     ev.Action,
			Source:     ev.Source,
			Status:     ev.Status,
			RequestID:  ev.RequestID,
			DurationMS: ev.DurationMS,
			Payload:    payload,
			TS:         ev.TS.UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"items":      items,
	})
	a.writeAudit(r, "web:audit_query", storage.StatusOK, map[string]string{"items": strconv.Itoa(len(items))})
}

func parseLimit(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 50
	}
	return n
}
