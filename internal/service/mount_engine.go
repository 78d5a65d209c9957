package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	mcpadapter "github.com/toolgate/toolgate/internal/adapter/outbound/mcp"
	"github.com/toolgate/toolgate/internal/clock"
	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/deployment"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/domain/proxy"
	"github.com/toolgate/toolgate/internal/domain/upstream"
	"github.com/toolgate/toolgate/internal/port/outbound"
)

// maxConcurrentMounts bounds how many upstream handshakes run at once
// during MountEngine.Build, so a deployment with many upstreams doesn't
// open dozens of subprocesses/connections in the same instant.
const maxConcurrentMounts = 8

// MountEngine connects to every ServerSpec in a DeploymentSpec, discovers
// its tools, and builds the governed proxy.Mount that owns its calls. One
// upstream = one Mount.
type MountEngine struct {
	gateway audit.Gateway
	engine  *policy.Engine
	now     clock.Clock
	logger  *slog.Logger

	cache *upstream.ToolCache
}

// NewMountEngine builds a MountEngine. now defaults to clock.Real when nil.
func NewMountEngine(gateway audit.Gateway, engine *policy.Engine, now clock.Clock, logger *slog.Logger) *MountEngine {
	if now == nil {
		now = clock.Real
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MountEngine{
		gateway: gateway,
		engine:  engine,
		now:     now,
		logger:  logger,
		cache:   upstream.NewToolCache(),
	}
}

// MountResult is one upstream's outcome: either a live Mount with its
// discovered tools, or a connection error that is fatal to that mount alone
// (upstream transport faults never take down the whole process).
type MountResult struct {
	ServerName string
	Prefix     string
	Governance deployment.GovernanceSpec
	Mount      *proxy.Mount
	Tools      []outbound.ToolDescriptor
	Client     outbound.UpstreamClient
	Err        error
}

// ToolCache exposes the shared conflict-tracking cache so a front-end can
// serve /governance/tool-conflicts.
func (e *MountEngine) ToolCache() *upstream.ToolCache {
	return e.cache
}

// Build connects to every server in spec concurrently (bounded by
// maxConcurrentMounts, via sourcegraph/conc) and returns one MountResult per
// server, in spec.Servers order. A failed mount does not prevent the others
// from succeeding.
func (e *MountEngine) Build(ctx context.Context, spec deployment.DeploymentSpec, gatewayTag string) []MountResult {
	results := make([]MountResult, len(spec.Servers))

	p := pool.New().WithMaxGoroutines(maxConcurrentMounts)
	for i, server := range spec.Servers {
		i, server := i, server
		p.Go(func() {
			results[i] = e.mountOne(ctx, server, gatewayTag)
		})
	}
	p.Wait()

	for _, r := range results {
		if r.Err != nil {
			e.logger.Error("mount failed", "server_name", r.ServerName, "error", r.Err)
			continue
		}
		e.registerTools(r)
	}

	return results
}

// mountRetryBaseDelay, mountRetryCapDelay and mountRetryMaxAttempts shape the
// handshake retry's exponential backoff: base 1s, doubling up to a 60s cap,
// giving up after 10 attempts so a permanently-down upstream doesn't hold a
// Build() call open forever.
const (
	mountRetryBaseDelay   = 1 * time.Second
	mountRetryCapDelay    = 60 * time.Second
	mountRetryMaxAttempts = 10
)

func (e *MountEngine) mountOne(ctx context.Context, server deployment.ServerSpec, gatewayTag string) MountResult {
	if _, err := newTransport(server); err != nil {
		// A bad server config (missing command/url) never resolves itself;
		// retrying wastes the backoff budget on a mount that can't succeed.
		return MountResult{ServerName: server.ServerName, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= mountRetryMaxAttempts; attempt++ {
		result := e.handshakeOnce(ctx, server, gatewayTag)
		if result.Err == nil {
			return result
		}
		lastErr = result.Err
		if attempt == mountRetryMaxAttempts {
			break
		}

		delay := mountRetryBaseDelay << uint(attempt-1)
		if delay > mountRetryCapDelay || delay <= 0 {
			delay = mountRetryCapDelay
		}
		e.logger.Warn("mount handshake failed, retrying", "server_name", server.ServerName, "attempt", attempt, "retry_in", delay, "error", result.Err)

		select {
		case <-ctx.Done():
			return MountResult{ServerName: server.ServerName, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	return MountResult{ServerName: server.ServerName, Err: fmt.Errorf("mounting %s after %d attempts: %w", server.ServerName, mountRetryMaxAttempts, lastErr)}
}

// handshakeOnce performs a single connect+list-tools attempt, with no retry
// of its own; mountOne wraps it in the backoff loop.
func (e *MountEngine) handshakeOnce(ctx context.Context, server deployment.ServerSpec, gatewayTag string) MountResult {
	transport, err := newTransport(server)
	if err != nil {
		return MountResult{ServerName: server.ServerName, Err: err}
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, outbound.HandshakeTimeout)
	defer cancel()

	client, err := mcpadapter.Connect(handshakeCtx, transport)
	if err != nil {
		return MountResult{ServerName: server.ServerName, Err: fmt.Errorf("connecting to %s: %w", server.ServerName, err)}
	}

	listCtx, cancel2 := context.WithTimeout(ctx, outbound.HandshakeTimeout)
	defer cancel2()
	tools, err := client.ListTools(listCtx)
	if err != nil {
		_ = client.Close()
		return MountResult{ServerName: server.ServerName, Err: fmt.Errorf("listing tools on %s: %w", server.ServerName, err)}
	}

	mount := proxy.NewMount(server.ServerName, server.Governance, client, e.engine, e.gateway, gatewayTag, e.now)

	return MountResult{
		ServerName: server.ServerName,
		Prefix:     server.Governance.GovernancePrefix,
		Governance: server.Governance,
		Mount:      mount,
		Tools:      tools,
		Client:     client,
	}
}

func newTransport(server deployment.ServerSpec) (outbound.MCPClient, error) {
	switch server.Transport {
	case deployment.TransportStdio:
		if server.Command == "" {
			return nil, fmt.Errorf("server %s: stdio transport requires a command", server.ServerName)
		}
		return mcpadapter.NewStdioClient(server.Command, server.Args, server.Env), nil
	case deployment.TransportHTTP:
		if server.URL == "" {
			return nil, fmt.Errorf("server %s: http transport requires a url", server.ServerName)
		}
		return mcpadapter.NewHTTPClient(server.URL), nil
	default:
		return nil, fmt.Errorf("server %s: unsupported transport %q", server.ServerName, server.Transport)
	}
}

// registerTools records r's discovered tools in the shared ToolCache,
// recording (first-registered wins) a upstream.ToolConflict whenever two
// upstreams would expose the same mounted name, and persists server
// metadata to the audit gateway.
func (e *MountEngine) registerTools(r MountResult) {
	now := e.now()
	discovered := make([]*upstream.DiscoveredTool, 0, len(r.Tools))
	addIfFree := func(name string, t outbound.ToolDescriptor) {
		if conflict, winner := e.cache.HasConflict(name, r.ServerName); conflict {
			e.cache.RecordConflict(upstream.ToolConflict{
				ToolName:          name,
				SkippedServerName: r.ServerName,
				WinnerServerName:  winner,
			})
			return
		}
		discovered = append(discovered, &upstream.DiscoveredTool{
			Name:         name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			ServerName:   r.ServerName,
			DiscoveredAt: now,
		})
	}

	for _, t := range r.Tools {
		addIfFree(r.Prefix+t.Name, t)
		if !r.Governance.HideOriginalTools {
			addIfFree(t.Name, t)
		}
	}
	e.cache.SetToolsForUpstream(r.ServerName, discovered)

	if e.gateway != nil {
		ctx := context.Background()
		if err := e.gateway.UpsertServerMetadata(ctx, r.ServerName, len(discovered), governanceDocument(r.Governance)); err != nil {
			e.logger.Warn("persisting server metadata failed", "server_name", r.ServerName, "error", err)
		}
		if err := e.gateway.UpsertServerTools(ctx, r.ServerName, toolMetadata(discovered)); err != nil {
			e.logger.Warn("persisting server tools failed", "server_name", r.ServerName, "error", err)
		}
	}
}

// governanceDocument snapshots a server's governance options into the map
// shape the gateway upserts into governance_configs/server_policies.
func governanceDocument(g deployment.GovernanceSpec) map[string]interface{} {
	patterns := make([]string, 0, len(g.BlockedPatterns))
	for _, p := range g.BlockedPatterns {
		patterns = append(patterns, p.String())
	}
	return map[string]interface{}{
		"rate_limit":          g.RateLimit,
		"allowed_hours":       g.AllowedHours,
		"blocked_patterns":    patterns,
		"high_security_mode":  g.HighSecurityMode,
		"governance_prefix":   g.GovernancePrefix,
		"mode":                string(g.Mode),
		"port":                g.Port,
		"detailed_tracking":   g.DetailedTracking,
		"enable_tool_logging": g.EnableToolLogging,
		"hide_original_tools": g.HideOriginalTools,
	}
}

func toolMetadata(discovered []*upstream.DiscoveredTool) []audit.ToolMetadata {
	out := make([]audit.ToolMetadata, 0, len(discovered))
	for _, t := range discovered {
		var schema map[string]interface{}
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &schema)
		}
		out = append(out, audit.ToolMetadata{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  schema,
			DiscoveredAt: t.DiscoveredAt,
		})
	}
	return out
}

// CloseAll closes every mount's underlying client, collecting the first
// error encountered (if any) while attempting to close all of them.
func CloseAll(results []MountResult) error {
	var first error
	for _, r := range results {
		if r.Client == nil {
			continue
		}
		if err := r.Client.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// shutdownGrace is a 5s drain grace period. No code in this package or its
// callers reads it; CloseAll closes every client immediately, and the
// supervisor in cmd/toolgate declares its own constant for the audit flush.
const shutdownGrace = 5 * time.Second

// MountIndex builds the mounted-name -> *proxy.Mount routing table a
// front-end dispatches calls through, from a set of MountResults and the
// shared ToolCache those results were registered into. A front-end serving
// multiple upstreams on one port (unified/hybrid-shared mode) is given the
// full index; one serving a single separate_port upstream is given the
// subset for that ServerSpec alone.
func MountIndex(results []MountResult, cache *upstream.ToolCache) map[string]*proxy.Mount {
	byServer := make(map[string]*proxy.Mount, len(results))
	for _, r := range results {
		if r.Mount != nil {
			byServer[r.ServerName] = r.Mount
		}
	}

	index := make(map[string]*proxy.Mount)
	for _, t := range cache.GetAllTools() {
		if mount, ok := byServer[t.ServerName]; ok {
			index[t.Name] = mount
		}
	}
	return index
}
