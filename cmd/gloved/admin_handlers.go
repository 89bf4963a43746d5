package main

import (
	"net/http"
	"strconv"
	"strings"

	"glove/internal/secrets"
	"glove/internal/store"
)

func (s *server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	pinConfigured, err := s.hasPIN(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "settings_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pin_configured": pinConfigured})
}

// handleSetupPIN overwrites any existing PIN. The admin key is the
// capability; no old-PIN proof is required.
func (s *server) handleSetupPIN(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PIN string `json:"pin"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if body.PIN == "" {
		writeError(w, http.StatusBadRequest, "missing_pin")
		return
	}
	ctx := r.Context()

	salt, hash, iterations, err := secrets.HashPIN(body.PIN)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "pin_hash_failed")
		return
	}
	for key, value := range map[string]string{
		"pin_salt":       salt,
		"pin_hash":       hash,
		"pin_iterations": strconv.Itoa(iterations),
	} {
		if err := s.store.SetSetting(ctx, key, value); err != nil {
			writeError(w, http.StatusInternalServerError, "settings_unavailable")
			return
		}
	}

	if err := s.store.AppendAudit(ctx, "pin_setup", "ok",
		map[string]any{"source": "admin"}, "", "", ""); err != nil {
		writeError(w, http.StatusInternalServerError, "audit_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Sweep first so the listing never shows overdue rows as pending.
	if _, err := s.store.ExpireOverdue(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "expire_request_failed")
		return
	}

	items, err := s.store.ListPendingRequests(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_requests_failed")
		return
	}
	if items == nil {
		items = []store.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	items, err := s.store.RecentAudit(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit_query_failed")
		return
	}
	if items == nil {
		items = []store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit_verify_failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleGetRiskKeywords(w http.ResponseWriter, r *http.Request) {
	keywords, err := s.riskKeywords(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "settings_unavailable")
		return
	}
	if keywords == nil {
		keywords = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keywords": keywords})
}

func (s *server) handleSetRiskKeywords(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keywords []string `json:"keywords"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	ctx := r.Context()

	keywords := normalizeKeywords(body.Keywords)
	if keywords == nil {
		keywords = []string{}
	}
	if err := s.store.SetSetting(ctx, "risk_keywords", strings.Join(keywords, ",")); err != nil {
		writeError(w, http.StatusInternalServerError, "settings_unavailable")
		return
	}
	if err := s.store.AppendAudit(ctx, "risk_keywords_config", "ok",
		map[string]any{"count": len(keywords), "keywords": keywords}, "", "", ""); err != nil {
		writeError(w, http.StatusInternalServerError, "audit_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "keywords": keywords})
}
