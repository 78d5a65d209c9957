package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

// defaultQueueSize bounds the async audit write queue: overflow drops the
// oldest pending write rather than ever blocking a tool call's critical
// path.
const defaultQueueSize = 4096

// writeJob is one pending document write, queued by AuditService.submit and
// drained by its background worker. done, when set, is closed once the
// worker has attempted the job, letting Flush wait for actual processing
// rather than mere enqueue.
type writeJob struct {
	collection string
	document   map[string]interface{}
	done       chan struct{}
}

// AuditService is the Audit Store Gateway: it implements audit.Gateway on
// top of an audit.DocumentStore, applying the bounded-serialization
// contract and the RedactSensitiveArgs pass before anything reaches
// the store, and submitting every write to a bounded queue so a slow or
// failing store backend never blocks the call that originated the record.
type AuditService struct {
	store  audit.DocumentStore
	logger *slog.Logger

	queue chan writeJob
	wg    sync.WaitGroup

	dropped atomic.Int64
	closed  atomic.Bool
}

// NewAuditService starts the background worker that drains queued writes to
// store. Call Close (typically from the Lifecycle Supervisor's shutdown
// drain) to stop the worker after flushing.
func NewAuditService(store audit.DocumentStore, logger *slog.Logger) *AuditService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AuditService{
		store:  store,
		logger: logger,
		queue:  make(chan writeJob, defaultQueueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *AuditService) run() {
	defer s.wg.Done()
	for job := range s.queue {
		if job.collection != "" {
			if err := s.store.Insert(context.Background(), job.collection, job.document); err != nil {
				s.logger.Error("audit write failed, dropping", "collection", job.collection, "error", err)
			}
		}
		if job.done != nil {
			close(job.done)
		}
	}
}

// submit enqueues a document, dropping the oldest pending write on overflow
// (never blocking the caller). It is a no-op once Close has been called.
func (s *AuditService) submit(collection string, document map[string]interface{}) {
	if s.closed.Load() {
		return
	}
	job := writeJob{collection: collection, document: document}
	select {
	case s.queue <- job:
	default:
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.queue <- job:
		default:
			s.dropped.Add(1)
		}
	}
}

// DroppedWrites reports how many queued audit writes were discarded because
// the bounded queue was full when submitted.
func (s *AuditService) DroppedWrites() int64 {
	return s.dropped.Load()
}

// QueueDepth reports the number of writes currently pending in the queue.
func (s *AuditService) QueueDepth() int {
	return len(s.queue)
}

// QueueCapacity reports the queue's fixed capacity.
func (s *AuditService) QueueCapacity() int {
	return cap(s.queue)
}

func (s *AuditService) RecordInvocation(ctx context.Context, record audit.InvocationRecord) error {
	record.Inputs = audit.RedactSensitiveArgs(record.Inputs)
	doc := invocationDocument(record)
	s.boundAndLog(doc, "inputs")
	s.submit(audit.CollectionToolLogs, doc)
	return nil
}

func (s *AuditService) RecordCompletion(ctx context.Context, record audit.InvocationRecord) error {
	doc := invocationDocument(record)
	if size := s.boundAndLog(doc, "outputs"); size > 0 {
		// Recorded alongside the (possibly truncated) outputs so the
		// rollup backends can average output sizes without re-serializing.
		doc["output_bytes"] = size
	}
	s.submit(audit.CollectionToolLogs, doc)
	return nil
}

func (s *AuditService) RecordDecision(ctx context.Context, record audit.PolicyLogRecord) error {
	doc := map[string]interface{}{
		"server_name":    record.ServerName,
		"tool_name":      record.ToolName,
		"decision":       record.Decision,
		"violation_kind": record.ViolationKind,
		"policy_applied": record.PolicyApplied,
		"timestamp":      record.Timestamp,
	}
	s.submit(audit.CollectionGovernanceLogs, doc)
	return nil
}

func (s *AuditService) UpsertServerMetadata(ctx context.Context, serverName string, toolCount int, governance map[string]interface{}) error {
	if err := s.store.Upsert(ctx, audit.CollectionServers, map[string]interface{}{"server_name": serverName}, map[string]interface{}{
		"server_name": serverName,
		"tool_count":  toolCount,
		"updated_at":  time.Now(),
	}); err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, audit.CollectionGovernanceConfigs, map[string]interface{}{"server_name": serverName}, map[string]interface{}{
		"server_name": serverName,
		"governance":  governance,
		"updated_at":  time.Now(),
	}); err != nil {
		return err
	}
	return s.store.Upsert(ctx, audit.CollectionServerPolicies, map[string]interface{}{"server_name": serverName}, map[string]interface{}{
		"server_name": serverName,
		"policy":      governance,
		"updated_at":  time.Now(),
	})
}

func (s *AuditService) UpsertServerTools(ctx context.Context, serverName string, tools []audit.ToolMetadata) error {
	for _, t := range tools {
		err := s.store.Upsert(ctx, audit.CollectionServerTools,
			map[string]interface{}{"server_name": serverName, "tool_name": t.Name},
			map[string]interface{}{
				"server_name":   serverName,
				"tool_name":     t.Name,
				"description":   t.Description,
				"input_schema":  t.InputSchema,
				"discovered_at": t.DiscoveredAt,
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *AuditService) UpsertDeployment(ctx context.Context, mode string, basePort int) error {
	return s.store.Upsert(ctx, audit.CollectionDeployments, map[string]interface{}{"deployment_mode": mode}, map[string]interface{}{
		"deployment_mode": mode,
		"base_port":       basePort,
		"updated_at":      time.Now(),
	})
}

func (s *AuditService) QueryToolLogs(ctx context.Context, filter audit.ToolLogFilter) ([]audit.InvocationRecord, error) {
	if err := filter.Validate(time.Now()); err != nil {
		return nil, err
	}
	query := map[string]interface{}{}
	if filter.ServerName != "" {
		query["server_name"] = filter.ServerName
	}
	if filter.ToolName != "" {
		query["tool_name"] = filter.ToolName
	}
	if filter.SessionID != "" {
		query["session_id"] = filter.SessionID
	}
	if !filter.Since.IsZero() {
		query["since"] = filter.Since
	}
	if !filter.Until.IsZero() {
		query["until"] = filter.Until
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.store.Find(ctx, audit.CollectionToolLogs, query, "timestamp_desc", limit)
	if err != nil {
		return nil, err
	}
	records := make([]audit.InvocationRecord, 0, len(docs))
	for _, d := range docs {
		records = append(records, recordFromDocument(d))
	}
	return records, nil
}

func (s *AuditService) ToolRollups(ctx context.Context, serverName string, hours int) ([]audit.ToolRollup, error) {
	window := rollupWindow(serverName, hours)
	rows, err := s.store.Aggregate(ctx, audit.CollectionToolLogs, window)
	if err != nil {
		return nil, err
	}
	return rollupsFromRows(rows), nil
}

func (s *AuditService) DeploymentRollup(ctx context.Context, hours int) (audit.DeploymentRollup, error) {
	rollups, err := s.ToolRollups(ctx, "", hours)
	if err != nil {
		return audit.DeploymentRollup{}, err
	}
	var out audit.DeploymentRollup
	for _, r := range rollups {
		out.TotalCalls += r.TotalCalls
		out.Successful += r.Successful
		out.Failed += r.Failed
		out.Denied += r.Denied
	}
	if out.TotalCalls > 0 {
		out.SuccessRate = round2(float64(out.Successful) / float64(out.TotalCalls) * 100)
	}
	return out, nil
}

// sweepBatchSize bounds how many stale invocations one sweep pass examines.
const sweepBatchSize = 500

// SweepStaleSessions force-completes every invocation older than olderThan
// that still has no matching completion, writing a completion row with
// status=timeout. Returns how many sessions were swept. Run periodically by
// the StaleSweeper background task.
func (s *AuditService) SweepStaleSessions(ctx context.Context, olderThan time.Time) (int, error) {
	invocations, err := s.store.Find(ctx, audit.CollectionToolLogs, map[string]interface{}{
		"event_type": string(audit.EventInvocation),
		"until":      olderThan,
	}, "timestamp_asc", sweepBatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, inv := range invocations {
		sessionID := str(inv["session_id"])
		if sessionID == "" {
			continue
		}
		completions, err := s.store.Find(ctx, audit.CollectionToolLogs, map[string]interface{}{
			"session_id": sessionID,
			"event_type": string(audit.EventCompletion),
		}, "", 1)
		if err != nil {
			return swept, err
		}
		if len(completions) > 0 {
			continue
		}

		startedAt := toTime(inv["timestamp"])
		now := time.Now()
		_ = s.RecordCompletion(ctx, audit.InvocationRecord{
			SessionID:    sessionID,
			ServerName:   str(inv["server_name"]),
			ToolName:     str(inv["tool_name"]),
			Timestamp:    now,
			EventType:    audit.EventCompletion,
			Status:       audit.StatusTimeout,
			DurationMs:   durationSince(startedAt, now),
			ErrorMessage: "session exceeded maximum duration without completing",
		})
		swept++
	}
	if swept > 0 {
		s.logger.Warn("force-completed stale sessions", "count", swept)
	}
	return swept, nil
}

func durationSince(start, now time.Time) int64 {
	if start.IsZero() {
		return 0
	}
	return now.Sub(start).Milliseconds()
}

// toTime converts the timestamp shapes the two store backends hand back:
// time.Time (in-memory fakes), RFC 3339 text (sqlite JSON documents), or a
// driver type exposing Time() (mongo's primitive.DateTime).
func toTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	case interface{ Time() time.Time }:
		return t.Time()
	default:
		return time.Time{}
	}
}

// Flush blocks until every write submitted before this call has been
// handed to the store, used by the Lifecycle Supervisor's shutdown drain.
// Implemented by draining a sentinel through the queue: since the queue is
// FIFO and the worker processes jobs in order, run() closes the sentinel's
// done channel only after it has reached and processed that job, so waiting
// on done means every prior job was actually attempted, not merely enqueued.
func (s *AuditService) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	sentinel := writeJob{done: done}
	select {
	case s.queue <- sentinel:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AuditService) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.queue)
		s.wg.Wait()
	}
	return s.store.Close()
}

// boundAndLog replaces doc[field] with its bounded form and returns the
// field's original serialized size in bytes (0 when the field is absent).
func (s *AuditService) boundAndLog(doc map[string]interface{}, field string) int64 {
	raw, ok := doc[field]
	if !ok || raw == nil {
		return 0
	}
	serialized, _ := json.Marshal(raw)
	bounded := audit.BoundPayload(raw)
	doc[field] = bounded
	if stub, truncated := bounded.(map[string]interface{}); truncated {
		if t, _ := stub["truncated"].(bool); t {
			s.logger.Warn(field+" truncated", "size", humanize.Bytes(uint64(len(serialized))))
		}
	}
	return int64(len(serialized))
}

func invocationDocument(r audit.InvocationRecord) map[string]interface{} {
	doc := map[string]interface{}{
		"session_id":  r.SessionID,
		"server_name": r.ServerName,
		"tool_name":   r.ToolName,
		"timestamp":   r.Timestamp,
		"event_type":  string(r.EventType),
	}
	if r.Inputs != nil {
		doc["inputs"] = r.Inputs
	}
	if r.EventType == audit.EventCompletion {
		doc["status"] = string(r.Status)
		doc["duration_ms"] = r.DurationMs
		if r.Outputs != nil {
			doc["outputs"] = r.Outputs
		}
		if r.ErrorMessage != "" {
			doc["error_message"] = r.ErrorMessage
		}
	}
	return doc
}

func recordFromDocument(d map[string]interface{}) audit.InvocationRecord {
	r := audit.InvocationRecord{
		SessionID:  str(d["session_id"]),
		ServerName: str(d["server_name"]),
		ToolName:   str(d["tool_name"]),
		EventType:  audit.EventType(str(d["event_type"])),
		Status:     audit.Status(str(d["status"])),
	}
	if ts, ok := d["timestamp"].(time.Time); ok {
		r.Timestamp = ts
	}
	if dm, ok := d["duration_ms"].(int64); ok {
		r.DurationMs = dm
	}
	r.Inputs, _ = d["inputs"].(map[string]interface{})
	r.Outputs = d["outputs"]
	r.ErrorMessage = str(d["error_message"])
	return r
}

func rollupWindow(serverName string, hours int) audit.TimeWindow {
	if hours <= 0 {
		hours = 24
	}
	now := time.Now()
	return audit.TimeWindow{
		ServerName: serverName,
		Since:      now.Add(-time.Duration(hours) * time.Hour),
		Until:      now,
	}
}

func rollupsFromRows(rows []map[string]interface{}) []audit.ToolRollup {
	out := make([]audit.ToolRollup, 0, len(rows))
	for _, row := range rows {
		r := audit.ToolRollup{
			ServerName:     str(row["server_name"]),
			ToolName:       str(row["tool_name"]),
			TotalCalls:     toInt64(row["total_calls"]),
			Successful:     toInt64(row["successful"]),
			Failed:         toInt64(row["failed"]),
			Denied:         toInt64(row["denied"]),
			AvgDurationMs:  toFloat64(row["avg_duration_ms"]),
			MinDurationMs:  toFloat64(row["min_duration_ms"]),
			MaxDurationMs:  toFloat64(row["max_duration_ms"]),
			AvgOutputBytes: toFloat64(row["avg_output_bytes"]),
		}
		if r.TotalCalls > 0 {
			r.SuccessRate = round2(float64(r.Successful) / float64(r.TotalCalls) * 100)
		}
		r.AvgDurationMs = round2(r.AvgDurationMs)
		r.AvgOutputBytes = round2(r.AvgOutputBytes)
		out = append(out, r)
	}
	return out
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

var _ audit.Gateway = (*AuditService)(nil)
