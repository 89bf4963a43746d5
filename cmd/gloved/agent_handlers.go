package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"glove/internal/canonical"
	"glove/internal/notify"
	"glove/internal/policy"
	"glove/internal/secrets"
	"glove/internal/store"
)

type agentRequest struct {
	Action   string         `json:"action"`
	Target   string         `json:"target"`
	Metadata map[string]any `json:"metadata"`
}

// handleAgentRequest is the primary decision call: keyword triage, policy
// evaluation, and for require_pin the pending-record mint plus notification.
func (s *server) handleAgentRequest(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.Action) < 1 || len(req.Action) > 200 {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	if len(req.Target) < 1 || len(req.Target) > 500 {
		writeError(w, http.StatusBadRequest, "invalid_target")
		return
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	ctx := r.Context()

	decision, err := s.decide(ctx, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "decision_failed")
		return
	}

	details := map[string]any{"reason": decision.Reason, "policy_id": decision.PolicyID}

	if decision.Decision != policy.DecisionRequirePIN {
		if err := s.store.AppendAudit(ctx, "agent_request", decision.Decision, details,
			"", req.Action, req.Target); err != nil {
			writeError(w, http.StatusInternalServerError, "audit_failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"decision":  decision.Decision,
			"risk":      decision.Risk,
			"reason":    decision.Reason,
			"policy_id": decision.PolicyID,
		})
		return
	}

	requestID := secrets.NewRequestID()
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(s.cfg.requestTTLSeconds) * time.Second).Format(time.RFC3339Nano)

	record := &store.ApprovalRequest{
		ID:           requestID,
		Action:       req.Action,
		Target:       req.Target,
		MetadataJSON: canonical.MarshalString(req.Metadata),
		Risk:         decision.Risk,
		Status:       store.StatusPending,
		Reason:       decision.Reason,
		PolicyID:     decision.PolicyID,
		CreatedAt:    now.Format(time.RFC3339Nano),
		ExpiresAt:    expiresAt,
	}
	if err := s.store.CreateRequest(ctx, record); err != nil {
		writeError(w, http.StatusInternalServerError, "create_request_failed")
		return
	}
	if err := s.store.AppendAudit(ctx, "agent_request", decision.Decision, details,
		requestID, req.Action, req.Target); err != nil {
		writeError(w, http.StatusInternalServerError, "audit_failed")
		return
	}

	uiURL := s.uiURL(requestID, req.Metadata)

	// Notification must never block or fail the agent response; a total
	// notifier failure lands in the audit log instead.
	go s.notifyApproval(requestID, req.Action, req.Target, uiURL)

	writeJSON(w, http.StatusOK, map[string]any{
		"decision":   decision.Decision,
		"risk":       decision.Risk,
		"reason":     decision.Reason,
		"policy_id":  decision.PolicyID,
		"request_id": requestID,
		"expires_at": expiresAt,
		"ui_url":     uiURL,
	})
}

// decide applies keyword triage before the policy engine. The first matching
// keyword (normalized-list order) escalates straight to require_pin.
func (s *server) decide(ctx context.Context, req agentRequest) (policy.Decision, error) {
	keywords, err := s.riskKeywords(ctx)
	if err != nil {
		return policy.Decision{}, err
	}
	if len(keywords) > 0 {
		haystack := strings.ToLower(req.Action + "\n" + req.Target + "\n" + canonical.MarshalString(req.Metadata))
		for _, kw := range keywords {
			if strings.Contains(haystack, kw) {
				return policy.Decision{
					Decision: policy.DecisionRequirePIN,
					Risk:     policy.RiskHigh,
					Reason:   "Risk keyword matched: '" + kw + "'",
					PolicyID: policy.PolicyRiskKeyword,
				}, nil
			}
		}
	}
	return s.engine.Evaluate(req.Action, req.Target, req.Metadata), nil
}

func (s *server) notifyApproval(requestID, action, target, uiURL string) {
	ctx := context.Background()

	var opts notify.Options
	ids, err := s.enabledExtensions(ctx)
	if err == nil && ids != nil {
		opts.ClawhubExtensions = ids
	}

	env := notify.ApprovalEnvelope(requestID, action, target, uiURL)
	if err := s.notifier.Send(ctx, env, opts); err != nil {
		slog.Error("notification failed", "request_id", requestID, "err", err)
		auditErr := s.store.AppendAudit(ctx, "notify", "failed",
			map[string]any{"error": err.Error()}, requestID, action, target)
		if auditErr != nil {
			slog.Error("audit write failed", "err", auditErr)
		}
	}
}

// handleRequestStatus polls one request. Reading an overdue pending row
// transitions it to expired before answering.
func (s *server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "missing_request_id")
		return
	}
	ctx := r.Context()

	req, err := s.store.GetRequest(ctx, requestID)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "request_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load_request_failed")
		return
	}

	if req.Status == store.StatusPending && req.Expired(time.Now().UTC()) {
		if err := s.expireRequest(ctx, req); err != nil {
			writeError(w, http.StatusInternalServerError, "expire_request_failed")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":  req.ID,
		"status":      req.Status,
		"action":      req.Action,
		"target":      req.Target,
		"expires_at":  req.ExpiresAt,
		"approved_at": req.ApprovedAt,
	})
}

// expireRequest flips a pending request to expired and audits the transition.
func (s *server) expireRequest(ctx context.Context, req *store.ApprovalRequest) error {
	if err := s.store.SetRequestStatus(ctx, req.ID, store.StatusExpired); err != nil {
		return err
	}
	req.Status = store.StatusExpired
	return s.store.AppendAudit(ctx, "request_expired", "expired", nil,
		req.ID, req.Action, req.Target)
}
