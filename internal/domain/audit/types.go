// Package audit contains the domain types written by the Audit Store Gateway:
// one InvocationRecord pair per tool call (invocation + completion) and one
// PolicyLogRecord per governance decision, plus the upstream/deployment
// metadata documents the gateway upserts.
package audit

import (
	"strings"
	"time"
)

// EventType distinguishes the two rows written per call.
type EventType string

const (
	EventInvocation EventType = "invocation"
	EventCompletion EventType = "completion"
)

// Status is the outcome recorded on a completion row.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusDenied  Status = "denied"
	StatusTimeout Status = "timeout"
)

// Decision values recorded on a PolicyLogRecord.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Policy violation kinds, surfaced verbatim from the policy engine.
const (
	ViolationTimeRestriction = "time_restriction"
	ViolationRateLimit       = "rate_limit"
	ViolationSecurityPattern = "security_pattern"
	ViolationSensitiveOp     = "high_security_sensitive_operation"
	ViolationParameterSize   = "high_security_parameter_size"
	ViolationGovernanceError = "governance_error"
)

// InvocationRecord is one row of the begin/end pair written per tool call,
// correlated by SessionID. Exactly one EventCompletion row is eventually
// written for every EventInvocation row, barring a process crash mid-call.
type InvocationRecord struct {
	SessionID  string
	ServerName string
	ToolName   string
	Timestamp  time.Time
	EventType  EventType
	Inputs     map[string]interface{}

	// Completion-only fields.
	Status       Status
	DurationMs   int64
	Outputs      interface{}
	ErrorMessage string
}

// PolicyLogRecord is one governance_logs row: the outcome of a single policy
// evaluation, recorded whether the call was allowed or denied.
type PolicyLogRecord struct {
	ServerName    string
	ToolName      string
	Decision      string
	ViolationKind string
	PolicyApplied map[string]interface{}
	Timestamp     time.Time
}

// sensitiveKeywords lists substrings that indicate a sensitive argument key.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactSensitiveArgs returns a copy of args with sensitive values masked
// before bounding/storage. A key is sensitive if it contains any of
// sensitiveKeywords, case-insensitive.
func RedactSensitiveArgs(args map[string]interface{}) map[string]interface{} {
	if len(args) == 0 {
		return args
	}
	redacted := make(map[string]interface{}, len(args))
	for k, v := range args {
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

// ToolMetadata is one server_tools row: a discovered tool's description and
// schema as of the most recent successful handshake.
type ToolMetadata struct {
	Name         string
	Description  string
	InputSchema  map[string]interface{}
	DiscoveredAt time.Time
}

// ToolRollup is a per-(server_name, tool_name) aggregate over a time window.
type ToolRollup struct {
	ServerName     string
	ToolName       string
	TotalCalls     int64
	Successful     int64
	Failed         int64
	Denied         int64
	AvgDurationMs  float64
	MinDurationMs  float64
	MaxDurationMs  float64
	AvgOutputBytes float64
	SuccessRate    float64
}

// DeploymentRollup is the same aggregation collapsed across every server.
type DeploymentRollup struct {
	TotalCalls  int64
	Successful  int64
	Failed      int64
	Denied      int64
	SuccessRate float64
}
