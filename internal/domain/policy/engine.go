package policy

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/clock"
	"github.com/toolgate/toolgate/internal/domain/deployment"
)

// rateLimitWindow is the sliding window every server_name's admission queue
// is measured against.
const rateLimitWindow = 60 * time.Second

// serverRateState is one server_name's sliding window of admission
// timestamps, guarded by its own lock so one busy upstream never blocks
// another's rate check.
type serverRateState struct {
	mu         sync.Mutex
	admissions []time.Time
}

// ConditionEvaluator runs a CustomRule's CEL Condition expression against an
// EvaluationContext. Implemented by internal/adapter/outbound/cel.Evaluator;
// kept as an interface here so this package never imports cel-go directly.
type ConditionEvaluator interface {
	EvaluateCondition(expression string, evalCtx EvaluationContext) (bool, error)
}

// Engine evaluates tool calls against a GovernanceSpec. It owns the mutable
// per-server rate-limit state; everything else about a decision is a pure
// function of its arguments.
type Engine struct {
	now clock.Clock

	statesMu sync.Mutex
	states   map[string]*serverRateState // keyed by server_name

	rulesMu sync.RWMutex
	rules   map[string][]CustomRule // keyed by server_name, sorted by Priority

	conditions ConditionEvaluator // nil: rules with a Condition never match
}

// NewEngine constructs an Engine. now defaults to clock.Real when nil.
func NewEngine(now clock.Clock) *Engine {
	if now == nil {
		now = clock.Real
	}
	return &Engine{
		now:    now,
		states: make(map[string]*serverRateState),
		rules:  make(map[string][]CustomRule),
	}
}

// SetConditionEvaluator wires a CEL evaluator for CustomRule.Condition. Until
// this is called, any rule carrying a non-empty Condition is skipped rather
// than treated as a match, so a misconfigured engine fails open on custom
// rules instead of denying on an expression it cannot evaluate.
func (e *Engine) SetConditionEvaluator(ce ConditionEvaluator) {
	e.conditions = ce
}

// SetCustomRules replaces the CustomRule set evaluated for serverName after
// the five built-in checks pass. Rules are stored sorted by Priority.
func (e *Engine) SetCustomRules(serverName string, rules []CustomRule) {
	sorted := append([]CustomRule(nil), rules...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Priority < sorted[j-1].Priority; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	e.rulesMu.Lock()
	e.rules[serverName] = sorted
	e.rulesMu.Unlock()
}

// Evaluate runs the five-step contract for one tool call. evalCtx.ToolName
// and evalCtx.ToolArguments drive the built-in checks; the full context is
// passed through to step 5's CEL conditions so rules can see identity and
// destination fields the built-ins never look at. It never panics outward:
// an internal fault is caught and turned into a fail-closed deny with
// ViolationGovernanceError, so the engine always fails closed.
func (e *Engine) Evaluate(serverName string, evalCtx EvaluationContext, gov deployment.GovernanceSpec) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			decision = deny(kindGovernanceError, fmt.Sprintf("policy engine fault: %v", r))
		}
	}()

	toolName := evalCtx.ToolName
	inputs := evalCtx.ToolArguments
	now := e.now()

	// Step 1: time window.
	if !gov.AllowsHour(now.Hour()) {
		return deny(kindTimeRestriction, "outside allowed hours")
	}

	// Step 2: rate limit, sliding 60s window, per server_name.
	if d, blocked := e.checkRateLimit(serverName, gov.RateLimit, now); blocked {
		return d
	}

	// Step 3: content patterns.
	serialized := serializeInputsLower(inputs)
	for _, re := range gov.BlockedPatterns {
		if re.MatchString(serialized) {
			return deny(kindSecurityPattern, fmt.Sprintf("input matched blocked pattern %q", re.String()))
		}
	}

	// Step 4: elevated scrutiny, only under high_security_mode.
	if gov.HighSecurityMode {
		lowerTool := strings.ToLower(toolName)
		for _, sub := range sensitiveOperationSubstrings {
			if strings.Contains(lowerTool, sub) {
				return deny(kindSensitiveOp, fmt.Sprintf("tool name contains sensitive operation %q", sub))
			}
		}
		if len(serializeInputsRaw(inputs)) > maxHighSecurityParamChars {
			return deny(kindParameterSize, "serialized inputs exceed high security mode size limit")
		}
	}

	// Step 5: custom rules, evaluated only once the built-ins pass. The
	// first matching rule wins, whatever its Action; it never overrides a
	// built-in deny, since the built-ins above already short-circuited.
	if d, matched := e.evaluateCustomRules(serverName, toolName, evalCtx); matched {
		return d
	}

	return allowDecision
}

func (e *Engine) checkRateLimit(serverName string, limit int, now time.Time) (Decision, bool) {
	if limit <= 0 {
		return Decision{}, false
	}

	state := e.stateFor(serverName)
	state.mu.Lock()
	defer state.mu.Unlock()

	cutoff := now.Add(-rateLimitWindow)
	live := state.admissions[:0]
	for _, t := range state.admissions {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	state.admissions = live

	if len(state.admissions) >= limit {
		return deny(kindRateLimit, fmt.Sprintf("Rate limit exceeded: %d calls per 60s", limit)), true
	}

	state.admissions = append(state.admissions, now)
	return Decision{}, false
}

func (e *Engine) stateFor(serverName string) *serverRateState {
	e.statesMu.Lock()
	defer e.statesMu.Unlock()
	s, ok := e.states[serverName]
	if !ok {
		s = &serverRateState{}
		e.states[serverName] = s
	}
	return s
}

// evaluateCustomRules runs serverName's rules in priority order. A rule
// matches when its ToolMatch glob matches toolName (an empty glob matches
// every tool) AND, if Condition is set, the CEL expression evaluates true
// against evalCtx. The first matching rule wins, whether its Action is
// allow or deny, and evaluation stops there; a rule carrying a Condition
// this engine has no evaluator for is skipped, never treated as matched.
func (e *Engine) evaluateCustomRules(serverName, toolName string, evalCtx EvaluationContext) (Decision, bool) {
	e.rulesMu.RLock()
	rules := e.rules[serverName]
	e.rulesMu.RUnlock()

	for _, r := range rules {
		if r.ToolMatch != "" {
			matched, err := filepath.Match(r.ToolMatch, toolName)
			if err != nil || !matched {
				continue
			}
		}

		if r.Condition != "" {
			if e.conditions == nil {
				continue
			}
			matched, err := e.conditions.EvaluateCondition(r.Condition, evalCtx)
			if err != nil || !matched {
				continue
			}
		}

		if r.Action == ActionDeny {
			return deny(kindGovernanceError, fmt.Sprintf("custom rule %q denied call", r.Name)), true
		}
		return allowDecision, true
	}
	return Decision{}, false
}

func serializeInputsRaw(inputs map[string]interface{}) string {
	if len(inputs) == 0 {
		return ""
	}
	b, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Sprintf("%v", inputs)
	}
	return string(b)
}

func serializeInputsLower(inputs map[string]interface{}) string {
	return strings.ToLower(serializeInputsRaw(inputs))
}
