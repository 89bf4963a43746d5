package policy

import "strings"

// Engine evaluates requests against a fixed document. Evaluation is pure:
// the same inputs always produce the same decision.
type Engine struct {
	doc *Document
}

// NewEngine creates an engine over the given document.
func NewEngine(doc *Document) *Engine {
	if doc == nil {
		doc = Default()
	}
	return &Engine{doc: doc}
}

// Document returns the engine's loaded document.
func (e *Engine) Document() *Document { return e.doc }

// Evaluate decides for (action, target, metadata). Metadata is opaque to the
// base engine; it is accepted so callers can pass the full request shape.
//
// Order: blocked-target substrings first (case-insensitive), then the rule
// with the longest action prefix (first occurrence wins ties), then the
// document's default risk.
func (e *Engine) Evaluate(action, target string, metadata map[string]any) Decision {
	_ = metadata

	loweredTarget := strings.ToLower(target)
	for _, blocked := range e.doc.BlockedTargets {
		if blocked == "" {
			continue
		}
		if strings.Contains(loweredTarget, strings.ToLower(blocked)) {
			return Decision{
				Decision: DecisionDeny,
				Risk:     RiskHigh,
				Reason:   "Target is blocked by policy: " + blocked,
				PolicyID: PolicyBlockedTarget,
			}
		}
	}

	rule := e.bestRule(action)
	if rule == nil {
		return riskToDecision(e.doc.DefaultRisk, PolicyDefault, "Default policy applied.")
	}

	policyID := rule.ID
	if policyID == "" {
		policyID = PolicyUnnamed
	}

	if rule.Decision == DecisionDeny {
		risk := rule.Risk
		if risk == "" {
			risk = RiskHigh
		}
		reason := rule.Reason
		if reason == "" {
			reason = "Denied by policy rule."
		}
		return Decision{Decision: DecisionDeny, Risk: risk, Reason: reason, PolicyID: policyID}
	}

	risk := rule.Risk
	if risk == "" {
		risk = e.doc.DefaultRisk
	}
	reason := rule.Reason
	if reason == "" {
		reason = "Rule-based policy applied."
	}
	return riskToDecision(risk, policyID, reason)
}

// bestRule returns the rule with the longest non-empty action_prefix that
// prefixes action. Ties keep the earliest rule.
func (e *Engine) bestRule(action string) *Rule {
	var best *Rule
	bestLen := 0
	for i := range e.doc.Rules {
		rule := &e.doc.Rules[i]
		prefix := rule.ActionPrefix
		if prefix == "" || !strings.HasPrefix(action, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best = rule
			bestLen = len(prefix)
		}
	}
	return best
}

// riskToDecision maps a risk level to a decision: high requires a PIN,
// everything else allows with the (lowercased) risk preserved.
func riskToDecision(risk, policyID, reason string) Decision {
	normalized := strings.ToLower(risk)
	if normalized == RiskHigh {
		return Decision{Decision: DecisionRequirePIN, Risk: RiskHigh, Reason: reason, PolicyID: policyID}
	}
	return Decision{Decision: DecisionAllow, Risk: normalized, Reason: reason, PolicyID: policyID}
}
