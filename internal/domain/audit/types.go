// Package audit contains domain types for the decision audit log and the
// permission configuration history.
package audit

import (
	"strings"
	"time"

	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

// Result constants for audit records.
const (
	ResultAllowed          = "allowed"
	ResultDenied           = "denied"
	ResultApprovalRequired = "approval_required"
)

// ResultOf maps a check result to its audit result string.
func ResultOf(res policy.CheckResult) string {
	switch {
	case res.Allowed:
		return ResultAllowed
	case res.RequiresApproval:
		return ResultApprovalRequired
	default:
		return ResultDenied
	}
}

// Record is one append-only entry per permission check.
type Record struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Tenant        string         `json:"tenant,omitempty"`
	Subject       policy.Subject `json:"subject"`
	ToolName      string         `json:"toolName"`
	ToolParams    map[string]any `json:"toolParams,omitempty"`
	Result        string         `json:"result"`
	AppliedRuleID string         `json:"appliedRuleId,omitempty"`
	DenialReason  string         `json:"denialReason,omitempty"`
	ApprovalID    string         `json:"approvalId,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	AgentID       string         `json:"agentId,omitempty"`
	// Cached is true when the decision came from the decision cache.
	Cached bool `json:"cached,omitempty"`
	// LatencyMicros is the check latency in microseconds.
	LatencyMicros int64 `json:"latencyMicros"`
}

// HistoryAction values for HistoryRecord.
const (
	HistoryConfigLoaded  = "config_loaded"
	HistoryConfigUpdated = "config_updated"
	HistoryConfigRemoved = "config_removed"
)

// HistoryRecord documents one change to a tenant's permission configuration.
type HistoryRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Tenant    string    `json:"tenant"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`
	// Fingerprints are xxhash digests of the canonical JSON config.
	PreviousFingerprint string `json:"previousFingerprint,omitempty"`
	Fingerprint         string `json:"fingerprint,omitempty"`
	RuleCount           int    `json:"ruleCount"`
	RoleCount           int    `json:"roleCount"`
	DataScopeRuleCount  int    `json:"dataScopeRuleCount"`
}

// sensitiveKeywords lists substrings that indicate a sensitive parameter key.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactSensitiveParams returns a copy of params with sensitive values masked.
// A key is sensitive if it contains any of the sensitiveKeywords.
func RedactSensitiveParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return params
	}
	redacted := make(map[string]any, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
