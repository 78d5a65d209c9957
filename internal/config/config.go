// Package config loads the JSON deployment document and turns it into an
// immutable internal/domain/deployment.DeploymentSpec. Validation is total
// and lossy-with-notice: malformed enums are coerced to defaults with a
// logged warning, and individual upstreams that fail a required-field check
// are dropped rather than aborting the whole load.
package config

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/toolgate/toolgate/internal/domain/deployment"
	"github.com/toolgate/toolgate/internal/domain/policy"
)

// fieldValidator backs the lossy-with-notice field checks buildServer runs
// before dropping a malformed upstream (e.g. a http transport's url).
var fieldValidator = validator.New()

// RawGovernance mirrors the "governance" object in the config file.
type RawGovernance struct {
	DeploymentMode   string `mapstructure:"deployment_mode" json:"deployment_mode"`
	BasePort         int    `mapstructure:"base_port" json:"base_port"`
	MongoURI         string `mapstructure:"mongodb_uri" json:"mongodb_uri"`
	MongoDatabase    string `mapstructure:"mongodb_database" json:"mongodb_database"`
	SqlitePath       string `mapstructure:"sqlite_path" json:"sqlite_path"`
	EnableTracking   bool   `mapstructure:"enable_tracking" json:"enable_tracking"`
	EnableDashboard  bool   `mapstructure:"enable_dashboard" json:"enable_dashboard"`
	MaxDurationHours int    `mapstructure:"max_duration_hours" json:"max_duration_hours"`
}

// RawServerGovernance mirrors the per-server governance block.
type RawServerGovernance struct {
	RateLimit         int             `mapstructure:"rate_limit" json:"rate_limit"`
	AllowedHours      []int           `mapstructure:"allowed_hours" json:"allowed_hours"`
	BlockedPatterns   []string        `mapstructure:"blocked_patterns" json:"blocked_patterns"`
	HighSecurityMode  bool            `mapstructure:"high_security_mode" json:"high_security_mode"`
	GovernancePrefix  string          `mapstructure:"governance_prefix" json:"governance_prefix"`
	Mode              string          `mapstructure:"mode" json:"mode"`
	Port              int             `mapstructure:"port" json:"port"`
	DetailedTracking  bool            `mapstructure:"detailed_tracking" json:"detailed_tracking"`
	EnableToolLogging bool            `mapstructure:"enable_tool_logging" json:"enable_tool_logging"`
	HideOriginalTools *bool           `mapstructure:"hide_original_tools" json:"hide_original_tools"`
	CustomRules       []RawCustomRule `mapstructure:"custom_rules" json:"custom_rules"`
}

// RawCustomRule mirrors one entry of a server's "custom_rules" list: an
// extension point evaluated after the built-in policy steps, with an
// optional CEL condition.
type RawCustomRule struct {
	ID        string `mapstructure:"id" json:"id"`
	Name      string `mapstructure:"name" json:"name"`
	Priority  int    `mapstructure:"priority" json:"priority"`
	ToolMatch string `mapstructure:"tool_match" json:"tool_match"`
	Condition string `mapstructure:"condition" json:"condition"`
	Action    string `mapstructure:"action" json:"action"`
}

// RawServer mirrors one entry in the "mcpServers" map.
type RawServer struct {
	Transport  string              `mapstructure:"transport" json:"transport"`
	Command    string              `mapstructure:"command" json:"command"`
	Args       []string            `mapstructure:"args" json:"args"`
	Env        map[string]string   `mapstructure:"env" json:"env"`
	URL        string              `mapstructure:"url" json:"url"`
	Governance RawServerGovernance `mapstructure:"governance" json:"governance"`
}

// RawDocument is the top-level shape of the config file:
//
//	{"governance": {...}, "mcpServers": {<name>: {...}, ...}}
type RawDocument struct {
	Governance RawGovernance        `mapstructure:"governance" json:"governance"`
	Servers    map[string]RawServer `mapstructure:"mcpServers" json:"mcpServers"`
}

// Default returns the built-in fallback document used when the config file
// is absent or malformed: an empty upstream set on the unified topology.
func Default() RawDocument {
	return RawDocument{
		Governance: RawGovernance{
			DeploymentMode: string(deployment.DeploymentUnified),
			BasePort:       8080,
			MongoDatabase:  "mcp_governance",
		},
		Servers: map[string]RawServer{},
	}
}

// Build converts a RawDocument into a validated DeploymentSpec, coercing
// malformed fields to defaults and dropping upstreams that fail a
// required-field check. Every coercion and drop is logged at warn level.
func Build(doc RawDocument, logger *slog.Logger) deployment.DeploymentSpec {
	spec := deployment.DeploymentSpec{
		Mode:            coerceDeploymentMode(doc.Governance.DeploymentMode, logger),
		BasePort:        coercePort(doc.Governance.BasePort, 8080, logger, "base_port"),
		MongoURI:        doc.Governance.MongoURI,
		MongoDatabase:   doc.Governance.MongoDatabase,
		SqlitePath:      doc.Governance.SqlitePath,
		EnableTracking:  doc.Governance.EnableTracking,
		EnableDashboard: doc.Governance.EnableDashboard,
		LoadedAt:        time.Now(),
	}
	if spec.MongoDatabase == "" {
		spec.MongoDatabase = "mcp_governance"
	}
	if spec.SqlitePath == "" {
		spec.SqlitePath = "./toolgate-audit.db"
	}
	spec.MaxDurationHours = doc.Governance.MaxDurationHours
	if spec.MaxDurationHours <= 0 {
		if doc.Governance.MaxDurationHours < 0 {
			logger.Warn("max_duration_hours must be positive, using default", "value", doc.Governance.MaxDurationHours, "default", 1)
		}
		spec.MaxDurationHours = 1
	}

	for name, raw := range doc.Servers {
		srv, ok := buildServer(name, raw, logger)
		if !ok {
			continue
		}
		spec.Servers = append(spec.Servers, srv)
	}

	return spec
}

// BuildCustomRules extracts the per-server custom_rules blocks into the form
// policy.Engine.SetCustomRules expects. It lives alongside Build rather than
// on GovernanceSpec itself: policy.CustomRule is defined in the policy
// package, which already imports deployment, so deployment (and therefore
// GovernanceSpec) cannot hold a []policy.CustomRule without an import cycle.
// The Lifecycle Supervisor wires this map into the engine separately from
// the DeploymentSpec it builds from the same document.
func BuildCustomRules(doc RawDocument, logger *slog.Logger) map[string][]policy.CustomRule {
	out := make(map[string][]policy.CustomRule)
	now := time.Now()
	for name, raw := range doc.Servers {
		if len(raw.Governance.CustomRules) == 0 {
			continue
		}
		rules := make([]policy.CustomRule, 0, len(raw.Governance.CustomRules))
		for _, r := range raw.Governance.CustomRules {
			action := policy.ActionDeny
			switch strings.ToLower(r.Action) {
			case "allow":
				action = policy.ActionAllow
			case "deny", "":
				action = policy.ActionDeny
			default:
				logger.Warn("unknown custom_rule action, defaulting to deny", "server_name", name, "rule_id", r.ID, "action", r.Action)
			}
			if r.ToolMatch == "" {
				logger.Warn("dropping custom_rule without tool_match", "server_name", name, "rule_id", r.ID)
				continue
			}
			rules = append(rules, policy.CustomRule{
				ID:        r.ID,
				Name:      r.Name,
				Priority:  r.Priority,
				ToolMatch: r.ToolMatch,
				Condition: r.Condition,
				Action:    action,
				CreatedAt: now,
			})
		}
		if len(rules) > 0 {
			out[name] = rules
		}
	}
	return out
}

func buildServer(name string, raw RawServer, logger *slog.Logger) (deployment.ServerSpec, bool) {
	transport := coerceTransport(raw.Transport, raw, logger, name)
	if transport == "" {
		logger.Warn("dropping upstream: no usable transport", "server_name", name)
		return deployment.ServerSpec{}, false
	}

	srv := deployment.ServerSpec{
		ServerName: name,
		Transport:  transport,
		Command:    raw.Command,
		Args:       raw.Args,
		Env:        raw.Env,
		URL:        raw.URL,
		Governance: buildGovernance(raw.Governance, logger, name),
	}

	switch transport {
	case deployment.TransportStdio:
		if srv.Command == "" {
			logger.Warn("dropping upstream: stdio requires command", "server_name", name)
			return deployment.ServerSpec{}, false
		}
	case deployment.TransportHTTP:
		if err := fieldValidator.Var(srv.URL, "required,url,startswith=http"); err != nil {
			logger.Warn("dropping upstream: http requires a valid http(s):// url", "server_name", name, "error", err)
			return deployment.ServerSpec{}, false
		}
	}

	return srv, true
}

func buildGovernance(raw RawServerGovernance, logger *slog.Logger, serverName string) deployment.GovernanceSpec {
	g := deployment.GovernanceSpec{
		RateLimit:         raw.RateLimit,
		HighSecurityMode:  raw.HighSecurityMode,
		GovernancePrefix:  raw.GovernancePrefix,
		DetailedTracking:  raw.DetailedTracking,
		EnableToolLogging: raw.EnableToolLogging,
		HideOriginalTools: true,
	}
	if raw.HideOriginalTools != nil {
		g.HideOriginalTools = *raw.HideOriginalTools
	}
	if g.RateLimit <= 0 {
		g.RateLimit = 100
	}
	if g.GovernancePrefix == "" {
		g.GovernancePrefix = "governed_"
	}

	g.AllowedHours = coerceAllowedHours(raw.AllowedHours, logger, serverName)
	g.BlockedPatterns = compilePatterns(raw.BlockedPatterns, logger, serverName)

	switch deployment.MountMode(raw.Mode) {
	case deployment.ModeUnified, deployment.ModeSeparatePort:
		g.Mode = deployment.MountMode(raw.Mode)
	default:
		if raw.Mode != "" {
			logger.Warn("unknown governance mode, defaulting to unified", "server_name", serverName, "mode", raw.Mode)
		}
		g.Mode = deployment.ModeUnified
	}

	if g.Mode == deployment.ModeSeparatePort {
		g.Port = coercePort(raw.Port, 0, logger, "port")
		if g.Port == 0 {
			logger.Warn("separate_port mode without a valid port, falling back to unified", "server_name", serverName)
			g.Mode = deployment.ModeUnified
		}
	}

	return g
}

func coerceAllowedHours(hours []int, logger *slog.Logger, serverName string) []int {
	if len(hours) == 0 {
		return nil // nil means "all hours" per GovernanceSpec.AllowsHour
	}
	out := make([]int, 0, len(hours))
	for _, h := range hours {
		if h < 0 || h > 23 {
			logger.Warn("allowed_hours contains out-of-range value, ignoring whole list", "server_name", serverName, "value", h)
			return nil
		}
		out = append(out, h)
	}
	return out
}

func compilePatterns(patterns []string, logger *slog.Logger, serverName string) []*regexp.Regexp {
	src := patterns
	if len(src) == 0 {
		src = deployment.DefaultBlockedPatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(src))
	for _, p := range src {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			logger.Warn("invalid blocked_patterns entry, skipping", "server_name", serverName, "pattern", p, "error", err)
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

func coerceTransport(transport string, raw RawServer, logger *slog.Logger, serverName string) deployment.TransportKind {
	switch deployment.TransportKind(transport) {
	case deployment.TransportStdio, deployment.TransportHTTP:
		return deployment.TransportKind(transport)
	}
	// transport omitted or unknown: infer from which variant is populated.
	switch {
	case raw.Command != "":
		return deployment.TransportStdio
	case raw.URL != "":
		return deployment.TransportHTTP
	default:
		if transport != "" {
			logger.Warn("unknown transport, dropping upstream", "server_name", serverName, "transport", transport)
		}
		return ""
	}
}

func coerceDeploymentMode(mode string, logger *slog.Logger) deployment.DeploymentMode {
	switch deployment.DeploymentMode(mode) {
	case deployment.DeploymentUnified, deployment.DeploymentMultiPort, deployment.DeploymentHybrid:
		return deployment.DeploymentMode(mode)
	default:
		if mode != "" {
			logger.Warn("unknown deployment_mode, defaulting to unified", "deployment_mode", mode)
		}
		return deployment.DeploymentUnified
	}
}

func coercePort(port, fallback int, logger *slog.Logger, field string) int {
	if port == 0 {
		if fallback == 0 {
			return 0
		}
		return fallback
	}
	if port < 1024 || port > 65535 {
		logger.Warn(fmt.Sprintf("%s out of range [1024,65535], coercing to default", field), "value", port, "default", fallback)
		return fallback
	}
	return port
}
