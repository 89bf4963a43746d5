package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"glove/internal/secrets"
	"glove/internal/store"
)

// approveWithPIN is the shared core behind approve-pin, message-reply, and
// the inbound webhook. It returns the HTTP status plus either a response
// body (success) or an error detail.
func (s *server) approveWithPIN(ctx context.Context, requestID, pin string) (int, map[string]any, string) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err == store.ErrNotFound {
		return http.StatusNotFound, nil, "request_not_found"
	}
	if err != nil {
		return http.StatusInternalServerError, nil, "load_request_failed"
	}

	if req.Status != store.StatusPending {
		return http.StatusConflict, nil, "request_" + req.Status
	}

	if req.Expired(time.Now().UTC()) {
		if err := s.expireRequest(ctx, req); err != nil {
			return http.StatusInternalServerError, nil, "expire_request_failed"
		}
		return http.StatusConflict, nil, "request_expired"
	}

	salt, err := s.store.GetSetting(ctx, "pin_salt")
	if err != nil {
		return http.StatusInternalServerError, nil, "settings_unavailable"
	}
	hash, err := s.store.GetSetting(ctx, "pin_hash")
	if err != nil {
		return http.StatusInternalServerError, nil, "settings_unavailable"
	}
	if salt == "" || hash == "" {
		return http.StatusConflict, nil, "pin_not_configured"
	}
	iterations := 0
	if raw, err := s.store.GetSetting(ctx, "pin_iterations"); err == nil && raw != "" {
		iterations, _ = strconv.Atoi(raw)
	}

	if !secrets.VerifyPIN(pin, salt, hash, iterations) {
		attempts, err := s.store.IncrementAttempts(ctx, requestID)
		if err != nil {
			return http.StatusInternalServerError, nil, "increment_attempts_failed"
		}
		details := map[string]any{"attempts": attempts, "max_attempts": s.cfg.maxPINAttempts}
		outcome := "failed"
		if attempts >= s.cfg.maxPINAttempts {
			if err := s.store.SetRequestStatus(ctx, requestID, store.StatusDenied); err != nil {
				return http.StatusInternalServerError, nil, "lockout_failed"
			}
			outcome = "locked"
		}
		if err := s.store.AppendAudit(ctx, "pin_attempt", outcome, details,
			requestID, req.Action, req.Target); err != nil {
			return http.StatusInternalServerError, nil, "audit_failed"
		}
		return http.StatusUnauthorized, nil, "invalid_pin"
	}

	if err := s.store.SetRequestStatus(ctx, requestID, store.StatusApproved); err != nil {
		return http.StatusInternalServerError, nil, "approve_failed"
	}
	token := secrets.NewApprovalToken()
	details := map[string]any{"approval_token_tail": keyTail(token)}
	if err := s.store.AppendAudit(ctx, "approval", "approved", details,
		requestID, req.Action, req.Target); err != nil {
		return http.StatusInternalServerError, nil, "audit_failed"
	}

	return http.StatusOK, map[string]any{
		"status":         store.StatusApproved,
		"approval_token": token,
		"request_id":     requestID,
	}, ""
}

func (s *server) handleApprovePIN(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID string `json:"request_id"`
		PIN       string `json:"pin"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	status, resp, detail := s.approveWithPIN(r.Context(), body.RequestID, body.PIN)
	if detail != "" {
		writeError(w, status, detail)
		return
	}
	writeJSON(w, status, resp)
}

// parseReply accepts exactly "PIN <request_id> <pin>" with a case-insensitive
// leading keyword.
func parseReply(body string) (requestID, pin string, ok bool) {
	fields := strings.Fields(body)
	if len(fields) != 3 || !strings.EqualFold(fields[0], "PIN") {
		return "", "", false
	}
	return fields[1], fields[2], true
}

func (s *server) handleMessageReply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Body string `json:"body"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	requestID, pin, ok := parseReply(body.Body)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_format")
		return
	}
	status, resp, detail := s.approveWithPIN(r.Context(), requestID, pin)
	if detail != "" {
		writeError(w, status, detail)
		return
	}
	writeJSON(w, status, resp)
}

// handleInboundReply is the webhook transport for message replies (SMS
// gateways and the like): token-in-query auth, form-encoded body.
func (s *server) handleInboundReply(w http.ResponseWriter, r *http.Request) {
	if !secrets.Equal(r.URL.Query().Get("token"), s.cfg.inboundToken) {
		writeError(w, http.StatusUnauthorized, "invalid_inbound_token")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "missing_message_body")
		return
	}
	body := r.PostFormValue("body")
	if body == "" {
		body = r.PostFormValue("Body")
	}
	if body == "" {
		writeError(w, http.StatusBadRequest, "missing_message_body")
		return
	}
	requestID, pin, ok := parseReply(body)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_format")
		return
	}
	status, resp, detail := s.approveWithPIN(r.Context(), requestID, pin)
	if detail != "" {
		writeError(w, status, detail)
		return
	}
	writeJSON(w, status, resp)
}
