// Package service contains application services.
package service

import (
	"sync/atomic"

	"github.com/toolgate/toolgate/internal/domain/proxy"
)

// StatsService tracks runtime statistics using lock-free atomic counters.
// All counter operations are safe for concurrent access from multiple goroutines.
type StatsService struct {
	allowed     atomic.Int64
	denied      atomic.Int64
	rateLimited atomic.Int64
	errors      atomic.Int64
}

// NewStatsService creates a new StatsService with all counters initialized to zero.
func NewStatsService() *StatsService {
	return &StatsService{}
}

// RecordAllow increments the allowed counter.
func (s *StatsService) RecordAllow() {
	s.allowed.Add(1)
}

// RecordDeny increments the denied counter.
func (s *StatsService) RecordDeny() {
	s.denied.Add(1)
}

// RecordRateLimited increments the rate-limited counter.
func (s *StatsService) RecordRateLimited() {
	s.rateLimited.Add(1)
}

// RecordError increments the error counter.
func (s *StatsService) RecordError() {
	s.errors.Add(1)
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	Allowed     int64 `json:"allowed"`
	Denied      int64 `json:"denied"`
	RateLimited int64 `json:"rate_limited"`
	Errors      int64 `json:"errors"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
func (s *StatsService) GetStats() Stats {
	return Stats{
		Allowed:     s.allowed.Load(),
		Denied:      s.denied.Load(),
		RateLimited: s.rateLimited.Load(),
		Errors:      s.errors.Load(),
	}
}

// StatsRecorderAdapter satisfies proxy.StatsRecorder on top of a
// StatsService's aggregate (not per-server) counters, so every Mount in a
// deployment can share one StatsService without StatsService itself
// depending on the proxy package's per-call shape.
type StatsRecorderAdapter struct {
	Stats *StatsService
}

func (a StatsRecorderAdapter) RecordAllow(serverName string)               { a.Stats.RecordAllow() }
func (a StatsRecorderAdapter) RecordDeny(serverName, violationKind string) { a.Stats.RecordDeny() }
func (a StatsRecorderAdapter) RecordRateLimited(serverName string)         { a.Stats.RecordRateLimited() }
func (a StatsRecorderAdapter) RecordError(serverName string)               { a.Stats.RecordError() }

var _ proxy.StatsRecorder = StatsRecorderAdapter{}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.denied.Store(0)
	s.rateLimited.Store(0)
	s.errors.Store(0)
}
