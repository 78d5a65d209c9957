package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/toolgate/toolgate/internal/clock"
)

// defaultSweepInterval is how often the StaleSweeper scans for sessions
// that never completed; defaultMaxDuration is how old an unmatched
// invocation must be before it is force-completed.
const (
	defaultSweepInterval = 10 * time.Minute
	defaultMaxDuration   = 1 * time.Hour
)

// StaleSweeper periodically force-completes invocations whose completion
// never arrived (a process crash mid-call on the upstream, or a call cut by
// a front-end drain before it resolved), so the paired-records invariant
// eventually holds even for abandoned sessions.
type StaleSweeper struct {
	audit       *AuditService
	interval    time.Duration
	maxDuration time.Duration
	now         clock.Clock
	logger      *slog.Logger
}

// NewStaleSweeper builds a sweeper over auditService. maxDuration <= 0
// selects the 1h default; interval <= 0 selects the 10m default; now
// defaults to clock.Real when nil.
func NewStaleSweeper(auditService *AuditService, maxDuration, interval time.Duration, now clock.Clock, logger *slog.Logger) *StaleSweeper {
	if maxDuration <= 0 {
		maxDuration = defaultMaxDuration
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if now == nil {
		now = clock.Real
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StaleSweeper{
		audit:       auditService,
		interval:    interval,
		maxDuration: maxDuration,
		now:         now,
		logger:      logger,
	}
}

// Run sweeps on every interval tick until ctx is cancelled. Sweep failures
// are logged and retried on the next tick, never propagated: the sweeper is
// repair machinery, not a critical path.
func (s *StaleSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("stale-session sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single sweep pass, force-completing every invocation
// older than maxDuration that still has no completion.
func (s *StaleSweeper) SweepOnce(ctx context.Context) (int, error) {
	return s.audit.SweepStaleSessions(ctx, s.now().Add(-s.maxDuration))
}
