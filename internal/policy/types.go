// Package policy implements the static decision engine: blocked-target
// screening followed by longest-prefix rule matching over the action name.
package policy

// Risk levels carried on decisions and approval requests.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Decision outcomes.
const (
	DecisionAllow      = "allow"
	DecisionDeny       = "deny"
	DecisionRequirePIN = "require_pin"
)

// Well-known policy ids recorded for provenance.
const (
	PolicyBlockedTarget = "policy-blocked-target"
	PolicyRiskKeyword   = "policy-risk-keyword"
	PolicyDefault       = "default-policy"
	PolicyUnnamed       = "policy-unnamed"
)

// Document is the static policy configuration, loaded once at startup.
type Document struct {
	DefaultRisk    string   `json:"default_risk" yaml:"default_risk"`
	BlockedTargets []string `json:"blocked_targets" yaml:"blocked_targets"`
	Rules          []Rule   `json:"rules" yaml:"rules"`
}

// Rule matches actions by prefix. A rule with decision "deny" denies
// outright; otherwise its risk (default: the document's default risk)
// determines the outcome.
type Rule struct {
	ID           string `json:"id" yaml:"id"`
	ActionPrefix string `json:"action_prefix" yaml:"action_prefix"`
	Decision     string `json:"decision,omitempty" yaml:"decision,omitempty"`
	Risk         string `json:"risk,omitempty" yaml:"risk,omitempty"`
	Reason       string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Decision is the result of evaluating a request against the document.
type Decision struct {
	Decision string `json:"decision"`
	Risk     string `json:"risk"`
	Reason   string `json:"reason"`
	PolicyID string `json:"policy_id"`
}
