package audit

import (
	"context"
	"errors"
	"time"
)

// Collection names, as enumerated in the external interface contract.
const (
	CollectionToolLogs          = "tool_logs"
	CollectionGovernanceLogs    = "governance_logs"
	CollectionServers           = "servers"
	CollectionServerTools       = "server_tools"
	CollectionGovernanceConfigs = "governance_configs"
	CollectionServerPolicies    = "server_policies"
	CollectionDeployments       = "deployments"
)

// ErrDateRangeExceeded is returned when a query's time range exceeds the
// maximum window the gateway is willing to scan.
var ErrDateRangeExceeded = errors.New("date range exceeds maximum of 7 days")

// maxQueryWindow bounds ad-hoc queries against tool_logs/governance_logs.
const maxQueryWindow = 7 * 24 * time.Hour

// DocumentStore is the logical interface the gateway is built on: a generic
// append/query document store. insert/upsert/find/aggregate, as named in the
// external interface contract — implementations back it with MongoDB or an
// embedded SQLite database.
type DocumentStore interface {
	Insert(ctx context.Context, collection string, document map[string]interface{}) error
	Upsert(ctx context.Context, collection string, keyFilter map[string]interface{}, document map[string]interface{}) error
	Find(ctx context.Context, collection string, query map[string]interface{}, sortField string, limit int) ([]map[string]interface{}, error)
	Aggregate(ctx context.Context, collection string, window TimeWindow) ([]map[string]interface{}, error)
	Close() error
}

// TimeWindow bounds an aggregation query.
type TimeWindow struct {
	ServerName string // optional filter
	Since      time.Time
	Until      time.Time
}

// ToolLogFilter specifies query parameters for the dashboard's tool-logs
// endpoint.
type ToolLogFilter struct {
	ServerName string
	ToolName   string
	SessionID  string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Validate rejects a filter whose time range spans more than maxQueryWindow,
// so an over-wide dashboard query can't force a full-collection scan. An
// unset Until is read as now; an unset Since places no bound and passes.
func (f ToolLogFilter) Validate(now time.Time) error {
	if f.Since.IsZero() {
		return nil
	}
	until := f.Until
	if until.IsZero() {
		until = now
	}
	if until.Sub(f.Since) > maxQueryWindow {
		return ErrDateRangeExceeded
	}
	return nil
}

// Gateway is the Audit Store Gateway's inbound port: durable, queryable
// record of every invocation, every governance decision, and upstream
// metadata. Writes must never block or fail the call they originate from;
// see service.AuditService for the bounded async wrapper that gives
// callers that guarantee.
type Gateway interface {
	// RecordInvocation and RecordCompletion append one half of the
	// begin/end pair correlated by record.SessionID.
	RecordInvocation(ctx context.Context, record InvocationRecord) error
	RecordCompletion(ctx context.Context, record InvocationRecord) error

	// RecordDecision appends one governance_logs row, whether allowed or
	// denied.
	RecordDecision(ctx context.Context, record PolicyLogRecord) error

	// UpsertServerMetadata keeps servers/governance_configs/server_policies
	// current for a given server_name.
	UpsertServerMetadata(ctx context.Context, serverName string, toolCount int, governance map[string]interface{}) error

	// UpsertServerTools keeps server_tools current for a given server_name,
	// one row per discovered tool keyed by (server_name, tool_name).
	UpsertServerTools(ctx context.Context, serverName string, tools []ToolMetadata) error

	// UpsertDeployment records the active deployment_mode/base_port.
	UpsertDeployment(ctx context.Context, mode string, basePort int) error

	// QueryToolLogs returns InvocationRecord rows matching filter.
	QueryToolLogs(ctx context.Context, filter ToolLogFilter) ([]InvocationRecord, error)

	// ToolRollups returns per-(server_name, tool_name) aggregates over the
	// last `hours` hours.
	ToolRollups(ctx context.Context, serverName string, hours int) ([]ToolRollup, error)

	// DeploymentRollup collapses ToolRollups across every server.
	DeploymentRollup(ctx context.Context, hours int) (DeploymentRollup, error)

	// Flush forces any pending async writes to storage. Called during
	// shutdown drain.
	Flush(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}
