package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/clock"
	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/deployment"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// Dispatcher is the narrow outbound contract a Mount needs from the
// upstream client the Mount Engine built for this server: call one tool by
// its unprefixed name.
type Dispatcher interface {
	CallTool(ctx context.Context, name string, inputs map[string]interface{}) (mcp.CallResult, error)
}

// StatsRecorder receives a lightweight per-call outcome tally, independent
// of the audit pipeline. A Mount works with or without one set.
type StatsRecorder interface {
	RecordAllow(serverName string)
	RecordDeny(serverName, violationKind string)
	RecordRateLimited(serverName string)
	RecordError(serverName string)
}

// MultiStatsRecorder fans one Mount's tally out to every recorder in the
// list, so a deployment can feed both the Prometheus /metrics registry and
// an in-process StatsService snapshot from the same SetStatsRecorder call.
type MultiStatsRecorder []StatsRecorder

func (m MultiStatsRecorder) RecordAllow(serverName string) {
	for _, r := range m {
		r.RecordAllow(serverName)
	}
}

func (m MultiStatsRecorder) RecordDeny(serverName, violationKind string) {
	for _, r := range m {
		r.RecordDeny(serverName, violationKind)
	}
}

func (m MultiStatsRecorder) RecordRateLimited(serverName string) {
	for _, r := range m {
		r.RecordRateLimited(serverName)
	}
}

func (m MultiStatsRecorder) RecordError(serverName string) {
	for _, r := range m {
		r.RecordError(serverName)
	}
}

// SpanFinisher closes the span StartSpan opened, reporting the call's
// outcome (allowed and, on failure, an error message) for the attached
// policy-decision metric.
type SpanFinisher func(allowed bool, errMsg string)

// CallTracer gives a Mount an ambient tracing hook: one span per tool
// invocation and one metric update per policy decision, independent of the
// audit pipeline. A Mount works with or without one set.
type CallTracer interface {
	StartSpan(ctx context.Context, serverName, toolName string) (context.Context, SpanFinisher)
}

// Mount is one upstream's governed tool surface: a policy-engine-backed
// interceptor wrapping a Dispatcher, recording an invocation/completion
// audit pair around every call. It implements
// ToolHandler itself via Handle, so a front-end can route a prefixed call
// straight to the Mount that owns it.
type Mount struct {
	ServerName string
	Governance deployment.GovernanceSpec

	dispatcher Dispatcher
	engine     *policy.Engine
	gateway    audit.Gateway
	now        clock.Clock
	gatewayTag string // the front-end name recorded on audit rows
	stats      StatsRecorder
	tracer     CallTracer
}

// SetStatsRecorder attaches a StatsRecorder to the mount. Optional; a nil
// receiver (the default) simply skips the tally.
func (m *Mount) SetStatsRecorder(r StatsRecorder) {
	m.stats = r
}

// SetCallTracer attaches a CallTracer to the mount. Optional; a nil receiver
// (the default) simply skips span/metric emission.
func (m *Mount) SetCallTracer(t CallTracer) {
	m.tracer = t
}

// NewMount builds the governed handler for one upstream. now defaults to
// clock.Real when nil.
func NewMount(serverName string, gov deployment.GovernanceSpec, dispatcher Dispatcher, engine *policy.Engine, gateway audit.Gateway, gatewayTag string, now clock.Clock) *Mount {
	if now == nil {
		now = clock.Real
	}
	return &Mount{
		ServerName: serverName,
		Governance: gov,
		dispatcher: dispatcher,
		engine:     engine,
		gateway:    gateway,
		now:        now,
		gatewayTag: gatewayTag,
	}
}

// Handle implements ToolHandler: audit the invocation, evaluate policy,
// record the decision, then dispatch upstream or short-circuit to a
// synthesized denial result when the policy engine rejects the call, and
// audit the completion either way.
func (m *Mount) Handle(ctx context.Context, req ToolCallRequest) (mcp.CallResult, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	t0 := m.now()

	var finishSpan SpanFinisher
	if m.tracer != nil {
		ctx, finishSpan = m.tracer.StartSpan(ctx, m.ServerName, req.ToolName)
	}

	inputs := audit.RedactSensitiveArgs(req.Arguments)

	m.emitInvocation(ctx, sessionID, req.ToolName, inputs, t0)

	decision := m.engine.Evaluate(m.ServerName, policy.EvaluationContext{
		ToolName:      req.ToolName,
		ToolArguments: req.Arguments,
		ServerName:    m.ServerName,
		RequestTime:   t0,
	}, m.Governance)

	m.emitDecision(ctx, req.ToolName, decision, t0)

	if !decision.Allowed {
		result := mcp.DeniedResult(decision.Reason)
		m.emitCompletion(ctx, sessionID, req.ToolName, t0, audit.StatusDenied, nil, decision.Reason)
		m.recordDecisionStats(decision)
		if finishSpan != nil {
			finishSpan(false, decision.Reason)
		}
		return result, nil
	}
	if m.stats != nil {
		m.stats.RecordAllow(m.ServerName)
	}

	result, err := m.dispatcher.CallTool(ctx, req.ToolName, req.Arguments)
	if err != nil {
		m.emitCompletion(ctx, sessionID, req.ToolName, t0, audit.StatusError, nil, err.Error())
		if m.stats != nil {
			m.stats.RecordError(m.ServerName)
		}
		if finishSpan != nil {
			finishSpan(true, err.Error())
		}
		return mcp.CallResult{}, err
	}

	status := audit.StatusSuccess
	errMsg := ""
	if result.IsError {
		status = audit.StatusError
		errMsg = firstText(result)
	}
	m.emitCompletion(ctx, sessionID, req.ToolName, t0, status, result, errMsg)
	if finishSpan != nil {
		finishSpan(true, errMsg)
	}
	return result, nil
}

func (m *Mount) recordDecisionStats(d policy.Decision) {
	if m.stats == nil {
		return
	}
	if d.ViolationKind == audit.ViolationRateLimit {
		m.stats.RecordRateLimited(m.ServerName)
		return
	}
	m.stats.RecordDeny(m.ServerName, d.ViolationKind)
}

var _ ToolHandler = (&Mount{}).Handle

func firstText(r mcp.CallResult) string {
	for _, c := range r.Content {
		if c.Kind == mcp.ContentText {
			return c.Text
		}
	}
	return ""
}

func (m *Mount) emitInvocation(ctx context.Context, sessionID, toolName string, inputs map[string]interface{}, t0 time.Time) {
	if m.gateway == nil {
		return
	}
	_ = m.gateway.RecordInvocation(ctx, audit.InvocationRecord{
		SessionID:  sessionID,
		ServerName: m.ServerName,
		ToolName:   toolName,
		Timestamp:  t0,
		EventType:  audit.EventInvocation,
		Inputs:     inputs,
	})
}

func (m *Mount) emitDecision(ctx context.Context, toolName string, d policy.Decision, t0 time.Time) {
	if m.gateway == nil {
		return
	}
	decisionStr := audit.DecisionAllow
	if !d.Allowed {
		decisionStr = audit.DecisionDeny
	}
	_ = m.gateway.RecordDecision(ctx, audit.PolicyLogRecord{
		ServerName:    m.ServerName,
		ToolName:      toolName,
		Decision:      decisionStr,
		ViolationKind: d.ViolationKind,
		PolicyApplied: map[string]interface{}{
			"rate_limit":         m.Governance.RateLimit,
			"high_security_mode": m.Governance.HighSecurityMode,
			"governance_prefix":  m.Governance.GovernancePrefix,
		},
		Timestamp: t0,
	})
}

func (m *Mount) emitCompletion(ctx context.Context, sessionID, toolName string, t0 time.Time, status audit.Status, result interface{}, errMsg string) {
	if m.gateway == nil {
		return
	}
	now := m.now()
	rec := audit.InvocationRecord{
		SessionID:    sessionID,
		ServerName:   m.ServerName,
		ToolName:     toolName,
		Timestamp:    now,
		EventType:    audit.EventCompletion,
		Status:       status,
		DurationMs:   now.Sub(t0).Milliseconds(),
		ErrorMessage: errMsg,
	}
	if result != nil {
		rec.Outputs = result
	}
	_ = m.gateway.RecordCompletion(ctx, rec)
}

// ErrUpstreamUnavailable carries the "upstream_closed" text for a mount
// whose transport was confirmed broken. Nothing in this module returns it:
// the upstream client the Mount Engine builds returns
// outbound.ErrUpstreamClosed instead.
var ErrUpstreamUnavailable = fmt.Errorf("upstream_closed")
