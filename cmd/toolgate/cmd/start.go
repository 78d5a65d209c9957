package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/toolgate/toolgate/internal/adapter/inbound/http"
	"github.com/toolgate/toolgate/internal/adapter/inbound/stdio"
	"github.com/toolgate/toolgate/internal/adapter/outbound/auditstore/mongo"
	"github.com/toolgate/toolgate/internal/adapter/outbound/auditstore/sqlite"
	"github.com/toolgate/toolgate/internal/adapter/outbound/cel"
	"github.com/toolgate/toolgate/internal/clock"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/deployment"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/domain/proxy"
	"github.com/toolgate/toolgate/internal/domain/upstream"
	"github.com/toolgate/toolgate/internal/observability"
	"github.com/toolgate/toolgate/internal/port/inbound"
	"github.com/toolgate/toolgate/internal/port/outbound"
	"github.com/toolgate/toolgate/internal/service"
)

var stdioMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the governance proxy",
	Long: `Start toolgate: load the deployment config, mount every configured
upstream behind the policy engine, and serve the governed tool surface
until SIGINT/SIGTERM.

Examples:
  # Start with config file settings
  toolgate start

  # Start with a specific config file
  toolgate --config /path/to/toolgate.json start

  # Serve over stdio instead of HTTP (single front-end, ignores per-server
  # port topology)
  toolgate start --stdio`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&stdioMode, "stdio", false, "serve over stdio instead of HTTP")
	rootCmd.AddCommand(startCmd)
}

// mongoConnectTimeout bounds the initial driver handshake, mirroring the
// same 10s budget outbound.HandshakeTimeout gives an upstream mount.
const mongoConnectTimeout = outbound.HandshakeTimeout

// shutdownGrace bounds how long the drain waits for the audit queue to
// flush before forcing the store closed.
const shutdownGrace = 5 * time.Second

// runStart is the Lifecycle Supervisor: a dependency-ordered boot
// (observability -> config -> policy engine -> audit backend -> mount
// engine -> front-end(s)) and a signal-driven, reverse-order drain.
func runStart(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	http.Version = Version

	// BOOT-01: observability first, shut down last, so every later stage
	// can emit spans/metrics and nothing it records is lost mid-drain.
	providers, err := observability.NewProviders(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting observability providers: %w", err)
	}
	defer providers.Shutdown(context.Background(), logger)

	tracer, err := observability.NewToolTracer()
	if err != nil {
		return fmt.Errorf("starting tool tracer: %w", err)
	}

	// BOOT-02: load the deployment plan.
	loader := config.NewLoader(cfgFile, logger)
	spec := loader.Load()
	if len(spec.Servers) == 0 {
		logger.Warn("deployment has no configured upstreams; front-end(s) will serve an empty tool set")
	}

	// BOOT-03: policy engine, wired with the CEL condition evaluator and
	// any custom_rules blocks the config carried.
	celEvaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("starting CEL evaluator: %w", err)
	}
	engine := policy.NewEngine(clock.Real)
	engine.SetConditionEvaluator(celEvaluator)
	for serverName, rules := range loader.CustomRules() {
		engine.SetCustomRules(serverName, rules)
	}

	// BOOT-04: audit backend. Mongo when MONGODB_URI is set, otherwise the
	// embedded SQLite file, so the proxy always has a store without
	// external infrastructure.
	store, closeStore, err := buildAuditStore(ctx, spec, logger)
	if err != nil {
		return fmt.Errorf("starting audit store: %w", err)
	}
	auditService := service.NewAuditService(store, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := auditService.Flush(flushCtx); err != nil {
			logger.Warn("audit queue flush timed out", "error", err)
		}
		if err := auditService.Close(); err != nil {
			logger.Warn("audit service close failed", "error", err)
		}
		closeStore()
	}()

	if err := auditService.UpsertDeployment(ctx, string(spec.Mode), spec.BasePort); err != nil {
		logger.Warn("persisting deployment metadata failed", "error", err)
	}

	// The sweeper force-completes invocations whose completion never
	// arrived (crash mid-call, drain-cut call) with status=timeout.
	sweeper := service.NewStaleSweeper(auditService, time.Duration(spec.MaxDurationHours)*time.Hour, 0, clock.Real, logger)
	go sweeper.Run(ctx)

	// BOOT-05: metrics registry, shared by the Prometheus /metrics handler
	// and by every Mount's StatsRecorder; the in-process StatsService backs
	// the dashboard's GET /stats snapshot from the same per-call tally.
	registry := prometheus.NewRegistry()
	metrics := http.NewMetrics(registry)
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	stats := service.NewStatsService()
	recorder := proxy.MultiStatsRecorder{metrics, service.StatsRecorderAdapter{Stats: stats}}

	// BOOT-06: mount every configured upstream. A failed mount is logged
	// and excluded, never fatal to the others.
	mountEngine := service.NewMountEngine(auditService, engine, clock.Real, logger)
	results := mountEngine.Build(ctx, spec, gatewayTag(spec))
	defer func() {
		if err := service.CloseAll(results); err != nil {
			logger.Warn("closing upstream clients", "error", err)
		}
	}()

	for _, r := range results {
		if r.Mount == nil {
			continue
		}
		r.Mount.SetStatsRecorder(recorder)
		r.Mount.SetCallTracer(tracer)
	}

	// BOOT-07: front-end(s), topology-driven per spec.Mode.
	frontEnds, err := buildFrontEnds(spec, results, mountEngine, auditService, stats, metricsHandler, logger)
	if err != nil {
		return fmt.Errorf("building front-ends: %w", err)
	}
	if len(frontEnds) == 0 {
		return errors.New("no front-end could be built for this deployment")
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(frontEnds))
	for _, fe := range frontEnds {
		fe := fe
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fe.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	logger.Info("toolgate started", "servers", len(spec.Servers), "mode", spec.Mode, "front_ends", len(frontEnds))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
	for _, fe := range frontEnds {
		if err := fe.Close(); err != nil {
			logger.Warn("front-end close failed", "error", err)
		}
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			logger.Error("front-end exited with error", "error", err)
		}
	}
	return nil
}

// gatewayTag names the front-end recorded on every audit row. One process
// is one gateway instance regardless of how many front-ends its topology
// spins up.
func gatewayTag(spec deployment.DeploymentSpec) string {
	if spec.Mode == "" {
		return "toolgate"
	}
	return "toolgate-" + string(spec.Mode)
}

// buildAuditStore selects the Mongo or SQLite audit.DocumentStore per
// spec.MongoURI, returning a close func the caller defers.
func buildAuditStore(ctx context.Context, spec deployment.DeploymentSpec, logger *slog.Logger) (audit.DocumentStore, func(), error) {
	if spec.MongoURI == "" {
		logger.Info("no MONGODB_URI configured, using embedded sqlite audit store", "path", spec.SqlitePath)
		store, err := sqlite.Open(spec.SqlitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite audit store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}

	logger.Info("connecting to mongo audit store", "database", spec.MongoDatabase)
	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()
	client, err := mongodriver.Connect(connectCtx, options.Client().ApplyURI(spec.MongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	store, err := mongo.New(connectCtx, mongo.Options{Client: client, Database: spec.MongoDatabase})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("opening mongo audit store: %w", err)
	}
	// store.Close disconnects the client it was given, so the deferred
	// close here is the only disconnect on the success path.
	return store, func() { _ = store.Close() }, nil
}

// buildFrontEnds constructs one front-end per distinct port a topology
// requires (unified: one, the base port; multi-port/hybrid: one per
// separate_port server plus one for whatever remains on the shared base
// port), or a single stdio front-end when --stdio was passed.
func buildFrontEnds(spec deployment.DeploymentSpec, results []service.MountResult, mountEngine *service.MountEngine, auditService *service.AuditService, stats *service.StatsService, metricsHandler stdhttp.Handler, logger *slog.Logger) ([]inbound.ProxyService, error) {
	cache := mountEngine.ToolCache()

	if stdioMode {
		index := service.MountIndex(results, cache)
		fe := stdio.NewFrontEnd(index, gatewayTag(spec), os.Stdin, os.Stdout, logger)
		return []inbound.ProxyService{fe}, nil
	}

	portOf := make(map[string]int, len(spec.Servers))
	for _, s := range spec.Servers {
		portOf[s.ServerName] = spec.FrontEndPort(s)
	}

	byPort := make(map[int][]service.MountResult)
	for _, r := range results {
		byPort[portOf[r.ServerName]] = append(byPort[portOf[r.ServerName]], r)
	}
	if len(byPort) == 0 {
		byPort[spec.BasePort] = nil
	}

	var frontEnds []inbound.ProxyService
	for port, portResults := range byPort {
		index := service.MountIndex(portResults, cache)
		tools := toolsForResults(cache, portResults)
		mh := mountHealthOf(portResults)
		health := http.NewHealthChecker(auditService, func() http.MountHealth { return mh }, Version)
		addr := fmt.Sprintf(":%d", port)
		fe := http.NewFrontEnd(addr, string(spec.Mode), gatewayTag(spec), index, tools, cache, auditService, health, metricsHandler, logger)
		fe.SetStats(stats)
		frontEnds = append(frontEnds, fe)
	}
	return frontEnds, nil
}

func toolsForResults(cache *upstream.ToolCache, results []service.MountResult) []upstream.DiscoveredTool {
	var out []upstream.DiscoveredTool
	for _, r := range results {
		for _, t := range cache.GetToolsByUpstream(r.ServerName) {
			out = append(out, *t)
		}
	}
	return out
}

func mountHealthOf(results []service.MountResult) http.MountHealth {
	mh := http.MountHealth{}
	for _, r := range results {
		mh.Total++
		if r.Mount != nil {
			mh.Connected++
		}
	}
	return mh
}
