package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"glove/internal/extension"
	"glove/internal/notify"
	"glove/internal/policy"
	"glove/internal/secrets"
	"glove/internal/store"
)

type server struct {
	cfg       config
	store     *store.Store
	engine    *policy.Engine
	notifier  *notify.Notifier
	installer *extension.Installer
	agentKey  string
	adminKey  string
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Agent surface
	mux.HandleFunc("POST /api/v1/agent/request", s.requireAgent(s.handleAgentRequest))
	mux.HandleFunc("GET /api/v1/agent/request-status", s.requireAgent(s.handleRequestStatus))

	// Approval surface
	mux.HandleFunc("POST /api/v1/admin/approve-pin", s.requireAdmin(s.handleApprovePIN))
	mux.HandleFunc("POST /api/v1/admin/message-reply", s.requireAdmin(s.handleMessageReply))
	mux.HandleFunc("POST /api/v1/inbound/reply", s.handleInboundReply)

	// Admin surface
	mux.HandleFunc("GET /api/v1/admin/bootstrap", s.requireAdmin(s.handleBootstrap))
	mux.HandleFunc("POST /api/v1/admin/setup-pin", s.requireAdmin(s.handleSetupPIN))
	mux.HandleFunc("GET /api/v1/admin/requests/pending", s.requireAdmin(s.handlePendingRequests))
	mux.HandleFunc("GET /api/v1/admin/audit/recent", s.requireAdmin(s.handleAuditRecent))
	mux.HandleFunc("GET /api/v1/admin/audit/verify", s.requireAdmin(s.handleAuditVerify))
	mux.HandleFunc("GET /api/v1/admin/risk-keywords", s.requireAdmin(s.handleGetRiskKeywords))
	mux.HandleFunc("POST /api/v1/admin/risk-keywords/config", s.requireAdmin(s.handleSetRiskKeywords))
	mux.HandleFunc("GET /api/v1/admin/extensions", s.requireAdmin(s.handleListExtensions))
	mux.HandleFunc("POST /api/v1/admin/extensions/config", s.requireAdmin(s.handleConfigExtensions))
	mux.HandleFunc("POST /api/v1/admin/extensions/test", s.requireAdmin(s.handleTestExtension))
	mux.HandleFunc("POST /api/v1/admin/extensions/install-url", s.requireAdmin(s.handleInstallFromURL))
	mux.HandleFunc("POST /api/v1/admin/extensions/install-upload", s.requireAdmin(s.handleInstallFromUpload))

	return mux
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *server) requireAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !secrets.Equal(r.Header.Get("X-Glove-Agent-Key"), s.agentKey) {
			writeError(w, http.StatusUnauthorized, "invalid_agent_key")
			return
		}
		next(w, r)
	}
}

func (s *server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !secrets.Equal(r.Header.Get("X-Glove-Admin-Key"), s.adminKey) {
			writeError(w, http.StatusUnauthorized, "invalid_admin_key")
			return
		}
		next(w, r)
	}
}

// hasPIN reports whether a PIN has been configured.
func (s *server) hasPIN(ctx context.Context) (bool, error) {
	salt, err := s.store.GetSetting(ctx, "pin_salt")
	if err != nil {
		return false, err
	}
	hash, err := s.store.GetSetting(ctx, "pin_hash")
	if err != nil {
		return false, err
	}
	return salt != "" && hash != "", nil
}

// normalizeKeywords trims, lowercases, drops empties and overlong entries,
// and de-duplicates preserving insertion order.
func normalizeKeywords(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, kw := range raw {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || len(kw) > 64 || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}

// riskKeywords loads the configured keyword list from settings.
func (s *server) riskKeywords(ctx context.Context) ([]string, error) {
	raw, err := s.store.GetSetting(ctx, "risk_keywords")
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	return normalizeKeywords(strings.Split(raw, ",")), nil
}

// enabledExtensions resolves which extension ids the clawhub provider should
// invoke: the persisted admin selection wins over the static config.
func (s *server) enabledExtensions(ctx context.Context) ([]string, error) {
	raw, err := s.store.GetSetting(ctx, "clawhub_enabled_extensions")
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// uiURL builds the approval deep-link. metadata.ui_base_url is honored only
// when it parses as http(s) with a non-empty host; anything else falls back
// to the configured public URL.
func (s *server) uiURL(requestID string, metadata map[string]any) string {
	base := s.cfg.publicURL
	if override, ok := metadata["ui_base_url"].(string); ok && override != "" {
		if u, err := url.Parse(override); err == nil &&
			(u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			base = override
		}
	}
	return strings.TrimRight(base, "/") + "/?request_id=" + requestID
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pinConfigured, err := s.hasPIN(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "settings_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"pin_configured": pinConfigured,
		"notifier":       s.notifier.Describe(),
		"agent_key_tail": keyTail(s.agentKey),
		"admin_key_tail": keyTail(s.adminKey),
	})
}
