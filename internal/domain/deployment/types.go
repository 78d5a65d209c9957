// Package deployment contains the immutable runtime plan produced by the
// config loader: the set of upstream servers, their governance options, and
// the front-end topology. Nothing downstream holds a live reference to the
// config document; every component is constructed from a DeploymentSpec value.
package deployment

import (
	"regexp"
	"time"
)

// TransportKind selects how an upstream is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// MountMode selects whether an upstream shares the deployment's base front-end
// or is given its own listener.
type MountMode string

const (
	ModeUnified      MountMode = "unified"
	ModeSeparatePort MountMode = "separate_port"
)

// DeploymentMode selects the overall front-end topology.
type DeploymentMode string

const (
	DeploymentUnified   DeploymentMode = "unified"
	DeploymentMultiPort DeploymentMode = "multi-port"
	DeploymentHybrid    DeploymentMode = "hybrid"
)

// DefaultBlockedPatterns is the built-in set applied when a ServerSpec's
// config omits blocked_patterns. Covers obvious credential/shell/SQL/eval
// shapes; case-insensitive matching is applied by the caller.
var DefaultBlockedPatterns = []string{
	`password\s*[:=]`,
	`api[_-]?key\s*[:=]`,
	`secret\s*[:=]`,
	`rm\s+-rf`,
	`drop\s+table`,
	`;\s*--`,
	`\beval\s*\(`,
	`\bexec\s*\(`,
}

// GovernanceSpec is the per-upstream policy and mount configuration embedded
// in every ServerSpec.
type GovernanceSpec struct {
	RateLimit         int
	AllowedHours      []int
	BlockedPatterns   []*regexp.Regexp
	HighSecurityMode  bool
	GovernancePrefix  string
	Mode              MountMode
	Port              int
	DetailedTracking  bool
	EnableToolLogging bool
	HideOriginalTools bool
}

// AllowsHour reports whether the given hour (0-23, local time) is permitted.
func (g GovernanceSpec) AllowsHour(hour int) bool {
	if len(g.AllowedHours) == 0 {
		return true
	}
	for _, h := range g.AllowedHours {
		if h == hour {
			return true
		}
	}
	return false
}

// ServerSpec describes one upstream tool server. Immutable once produced by
// the config loader.
type ServerSpec struct {
	ServerName string
	Transport  TransportKind

	// stdio variant
	Command string
	Args    []string
	Env     map[string]string

	// http variant
	URL string

	Governance GovernanceSpec
}

// MountedToolName returns the name this server's tool is exposed under.
func (s ServerSpec) MountedToolName(toolName string) string {
	return s.Governance.GovernancePrefix + toolName
}

// DeploymentSpec is the top-level, validated, immutable runtime plan.
type DeploymentSpec struct {
	Mode            DeploymentMode
	BasePort        int
	MongoURI        string
	MongoDatabase   string
	SqlitePath      string
	EnableTracking  bool
	EnableDashboard bool

	// MaxDurationHours is how long an invocation may go without a matching
	// completion before the stale-session sweeper force-completes it with
	// status=timeout.
	MaxDurationHours int
	Servers          []ServerSpec

	// ContentHash is the hash of the source document this plan was built
	// from, used to short-circuit a reload that would produce an identical
	// plan (see config.Loader.Load).
	ContentHash string
	LoadedAt    time.Time
}

// FrontEndPort returns the port a given server's front-end listens on under
// this deployment's topology.
func (d DeploymentSpec) FrontEndPort(s ServerSpec) int {
	switch d.Mode {
	case DeploymentMultiPort:
		if s.Governance.Port != 0 {
			return s.Governance.Port
		}
		return d.BasePort
	case DeploymentHybrid:
		if s.Governance.Mode == ModeSeparatePort && s.Governance.Port != 0 {
			return s.Governance.Port
		}
		return d.BasePort
	default: // unified
		return d.BasePort
	}
}

// ToolRecord is one discovered tool on one upstream, keyed by
// (ServerName, ToolName).
type ToolRecord struct {
	ServerName   string
	ToolName     string
	Description  string
	InputSchema  []byte // raw JSON schema
	DiscoveredAt time.Time
}
