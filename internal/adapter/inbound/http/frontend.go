package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/proxy"
	"github.com/toolgate/toolgate/internal/domain/upstream"
	"github.com/toolgate/toolgate/internal/service"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// frontEndState tracks the instance's init -> listening -> draining ->
// stopped lifecycle.
type frontEndState int32

const (
	stateInit frontEndState = iota
	stateListening
	stateDraining
	stateStopped
)

// drainGrace bounds how long Close waits for in-flight requests before
// forcing the listener closed.
const drainGrace = 5 * time.Second

// Version is the build-time version string surfaced on GET /.
var Version = "dev"

// FrontEnd is one front-end instance: a thin net/http server resolving an
// incoming tool call to the mount that owns its prefixed name and exposing
// the read-only dashboard surface alongside /health and /metrics.
type FrontEnd struct {
	addr       string
	mode       string
	mounts     map[string]*proxy.Mount // keyed by mounted (prefixed) tool name
	tools      []upstream.DiscoveredTool
	cache      *upstream.ToolCache
	gateway    audit.Gateway
	gatewayTag string
	stats      *service.StatsService
	logger     *slog.Logger

	srv   *http.Server
	state atomic.Int32

	mu sync.Mutex
}

// NewFrontEnd builds a front-end listening on addr ("host:port"), dispatching
// to mounts (keyed by its mounted/prefixed tool name). health and metrics may
// be nil.
func NewFrontEnd(addr, mode, gatewayTag string, mounts map[string]*proxy.Mount, tools []upstream.DiscoveredTool, cache *upstream.ToolCache, gateway audit.Gateway, health *HealthChecker, metricsHandler http.Handler, logger *slog.Logger) *FrontEnd {
	if logger == nil {
		logger = slog.Default()
	}
	f := &FrontEnd{
		addr:       addr,
		mode:       mode,
		mounts:     mounts,
		tools:      tools,
		cache:      cache,
		gateway:    gateway,
		gatewayTag: gatewayTag,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", f.handleRoot)
	mux.HandleFunc("/dashboard", f.handleDashboardRedirect)
	mux.HandleFunc("/tools", f.handleTools)
	mux.HandleFunc("/stats", f.handleStats)
	mux.HandleFunc("/governance/tool-logs", f.handleToolLogs)
	mux.HandleFunc("/governance/rollups", f.handleRollups)
	mux.HandleFunc("/governance/tool-conflicts", f.handleToolConflicts)
	if health != nil {
		mux.Handle("/health", health.Handler())
	}
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	f.srv = &http.Server{Addr: addr, Handler: mux}
	return f
}

// Start begins listening. It blocks until ctx is cancelled, at which point
// it drains (see Close) and returns. Implements inbound.ProxyService-shaped
// lifecycle for the Lifecycle Supervisor.
func (f *FrontEnd) Start(ctx context.Context) error {
	if !f.state.CompareAndSwap(int32(stateInit), int32(stateListening)) {
		return errors.New("front-end already started")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := f.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return f.Close()
	case err := <-errCh:
		f.state.Store(int32(stateStopped))
		return err
	}
}

// Close moves the front-end listening->draining->stopped, giving in-flight
// requests up to drainGrace to finish before forcing the listener closed.
func (f *FrontEnd) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.Load() == int32(stateStopped) {
		return nil
	}
	f.state.Store(int32(stateDraining))

	ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	err := f.srv.Shutdown(ctx)
	f.state.Store(int32(stateStopped))
	return err
}

type serviceInfo struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Mode      string `json:"mode"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (f *FrontEnd) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		f.handleToolCall(w, r)
		return
	}
	writeJSON(w, http.StatusOK, serviceInfo{
		Service:   "toolgate",
		Version:   Version,
		Mode:      f.mode,
		Status:    f.statusLabel(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (f *FrontEnd) statusLabel() string {
	switch frontEndState(f.state.Load()) {
	case stateListening:
		return "listening"
	case stateDraining:
		return "draining"
	case stateStopped:
		return "stopped"
	default:
		return "init"
	}
}

func (f *FrontEnd) handleDashboardRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusFound)
}

// SetStats attaches the in-process StatsService backing GET /stats.
// Optional; without one the endpoint reports unavailable.
func (f *FrontEnd) SetStats(s *service.StatsService) {
	f.stats = s
}

type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ServerName  string `json:"server_name"`
}

type toolsResponse struct {
	Status string     `json:"status"`
	Data   []toolInfo `json:"data"`
}

// handleTools lists the governed tool surface this front-end serves: every
// mounted (prefixed, and unprefixed where hide_original_tools is off) name.
func (f *FrontEnd) handleTools(w http.ResponseWriter, r *http.Request) {
	data := make([]toolInfo, 0, len(f.tools))
	for _, t := range f.tools {
		data = append(data, toolInfo{Name: t.Name, Description: t.Description, ServerName: t.ServerName})
	}
	writeJSON(w, http.StatusOK, toolsResponse{Status: "ok", Data: data})
}

type statsResponse struct {
	Status string        `json:"status"`
	Data   service.Stats `json:"data"`
}

func (f *FrontEnd) handleStats(w http.ResponseWriter, r *http.Request) {
	if f.stats == nil {
		writeJSON(w, http.StatusServiceUnavailable, statsResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Status: "ok", Data: f.stats.GetStats()})
}

// toolCallRequest is the external tool-invocation wire shape:
// {name, arguments}.
type toolCallRequest struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	SessionID string                 `json:"session_id,omitempty"`
}

func (f *FrontEnd) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if frontEndState(f.state.Load()) != stateListening {
		writeJSON(w, http.StatusServiceUnavailable, mcp.TextResult(true, "front-end is draining"))
		return
	}

	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, mcp.TextResult(true, "invalid request body"))
		return
	}

	mount, ok := f.mounts[req.Name]
	if !ok {
		writeJSON(w, http.StatusOK, mcp.TextResult(true, fmt.Sprintf("no upstream registered for tool %q", req.Name)))
		return
	}

	result, err := mount.Handle(r.Context(), proxy.ToolCallRequest{
		ServerName: mount.ServerName,
		ToolName:   unprefixedToolName(req.Name, mount),
		Arguments:  req.Arguments,
		SessionID:  req.SessionID,
		Gateway:    f.gatewayTag,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, mcp.TextResult(true, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// unprefixedToolName strips the mount's governance_prefix (if any) so the
// Mount forwards the name the upstream actually knows.
func unprefixedToolName(mountedName string, mount *proxy.Mount) string {
	prefix := mount.Governance.GovernancePrefix
	if prefix != "" && len(mountedName) > len(prefix) && mountedName[:len(prefix)] == prefix {
		return mountedName[len(prefix):]
	}
	return mountedName
}

type toolLogsResponse struct {
	Status string                   `json:"status"`
	Data   []audit.InvocationRecord `json:"data"`
}

func (f *FrontEnd) handleToolLogs(w http.ResponseWriter, r *http.Request) {
	if f.gateway == nil {
		writeJSON(w, http.StatusServiceUnavailable, toolLogsResponse{Status: "unavailable"})
		return
	}
	q := r.URL.Query()
	filter := audit.ToolLogFilter{
		ServerName: q.Get("server_name"),
		ToolName:   q.Get("tool_name"),
		SessionID:  q.Get("session_id"),
		Limit:      atoiDefault(q.Get("limit"), 100),
	}
	if hours := atoiDefault(q.Get("hours"), 0); hours > 0 {
		filter.Since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}

	records, err := f.gateway.QueryToolLogs(r.Context(), filter)
	if err != nil {
		if errors.Is(err, audit.ErrDateRangeExceeded) {
			writeJSON(w, http.StatusBadRequest, toolLogsResponse{Status: "error: " + err.Error()})
			return
		}
		f.logger.Error("tool-logs query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, toolLogsResponse{Status: "error"})
		return
	}
	writeJSON(w, http.StatusOK, toolLogsResponse{Status: "ok", Data: records})
}

type rollupsResponse struct {
	Status     string                 `json:"status"`
	Tools      []audit.ToolRollup     `json:"tools"`
	Deployment audit.DeploymentRollup `json:"deployment"`
}

func (f *FrontEnd) handleRollups(w http.ResponseWriter, r *http.Request) {
	if f.gateway == nil {
		writeJSON(w, http.StatusServiceUnavailable, rollupsResponse{Status: "unavailable"})
		return
	}
	hours := atoiDefault(r.URL.Query().Get("hours"), 24)
	serverName := r.URL.Query().Get("server_name")

	tools, err := f.gateway.ToolRollups(r.Context(), serverName, hours)
	if err != nil {
		f.logger.Error("rollups query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, rollupsResponse{Status: "error"})
		return
	}
	deployment, err := f.gateway.DeploymentRollup(r.Context(), hours)
	if err != nil {
		f.logger.Error("deployment rollup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, rollupsResponse{Status: "error"})
		return
	}
	writeJSON(w, http.StatusOK, rollupsResponse{Status: "ok", Tools: tools, Deployment: deployment})
}

type toolConflictsResponse struct {
	Status string                  `json:"status"`
	Data   []upstream.ToolConflict `json:"data"`
}

func (f *FrontEnd) handleToolConflicts(w http.ResponseWriter, r *http.Request) {
	if f.cache == nil {
		writeJSON(w, http.StatusOK, toolConflictsResponse{Status: "ok", Data: nil})
		return
	}
	writeJSON(w, http.StatusOK, toolConflictsResponse{Status: "ok", Data: f.cache.GetConflicts()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func atoiDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
