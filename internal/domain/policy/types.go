// Package policy implements the governance proxy's Policy Engine: a pure
// function of (server_name, tool_name, inputs, governance spec) plus the
// engine's own mutable rate-limit state. Every decision is short-circuited
// through five ordered checks; the first violation wins, and an internal
// fault fails closed.
package policy

import (
	"time"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

// Decision is the ephemeral result of one policy evaluation. It is never
// persisted itself; the caller turns it into an audit.PolicyLogRecord.
type Decision struct {
	Allowed       bool
	Reason        string
	ViolationKind string
}

var allowDecision = Decision{Allowed: true}

func deny(kind, reason string) Decision {
	return Decision{Allowed: false, Reason: reason, ViolationKind: kind}
}

// Violation kind constants, re-exported from the audit package so callers
// within this package don't need to qualify every reference.
const (
	kindTimeRestriction = audit.ViolationTimeRestriction
	kindRateLimit       = audit.ViolationRateLimit
	kindSecurityPattern = audit.ViolationSecurityPattern
	kindSensitiveOp     = audit.ViolationSensitiveOp
	kindParameterSize   = audit.ViolationParameterSize
	kindGovernanceError = audit.ViolationGovernanceError
)

// sensitiveOperationSubstrings trigger step 4 (elevated scrutiny) when
// high_security_mode is set and the tool name, lowercased, contains one.
var sensitiveOperationSubstrings = []string{"delete", "remove", "drop", "truncate", "exec", "eval"}

// maxHighSecurityParamChars is the serialized-input size ceiling enforced
// only under high_security_mode (step 4).
const maxHighSecurityParamChars = 10_000

// Action is the outcome a CustomRule produces when its condition matches.
// Evaluated after the five built-in checks pass, so a CustomRule can never
// override a built-in deny; among the custom rules themselves, the first
// match wins regardless of which Action it carries.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// CustomRule is an operator-supplied CEL condition evaluated after the five
// built-in checks pass. Rules are evaluated in Priority order (lower first);
// the first matching rule wins, whether its Action is allow or deny.
type CustomRule struct {
	ID        string
	Name      string
	Priority  int
	ToolMatch string // glob pattern against tool_name, e.g. "file_*"
	Condition string // CEL expression
	Action    Action
	CreatedAt time.Time
}
