package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// queryStore is a fakeStore whose Find answers from a canned tool_logs
// slice, filtering the same keys the real backends do.
type queryStore struct {
	fakeStore
	findMu sync.Mutex
	logs   []map[string]interface{}
}

func (q *queryStore) Find(ctx context.Context, collection string, query map[string]interface{}, sortField string, limit int) ([]map[string]interface{}, error) {
	q.findMu.Lock()
	defer q.findMu.Unlock()
	var out []map[string]interface{}
	for _, doc := range q.logs {
		if !matchesQuery(doc, query) {
			continue
		}
		out = append(out, doc)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func matchesQuery(doc, query map[string]interface{}) bool {
	for k, v := range query {
		switch k {
		case "until":
			ts, _ := doc["timestamp"].(time.Time)
			cutoff, _ := v.(time.Time)
			if ts.After(cutoff) {
				return false
			}
		case "since":
			ts, _ := doc["timestamp"].(time.Time)
			cutoff, _ := v.(time.Time)
			if ts.Before(cutoff) {
				return false
			}
		default:
			if doc[k] != v {
				return false
			}
		}
	}
	return true
}

func invocationDoc(sessionID string, age time.Duration) map[string]interface{} {
	return map[string]interface{}{
		"session_id":  sessionID,
		"server_name": "fs",
		"tool_name":   "read_file",
		"event_type":  string(audit.EventInvocation),
		"timestamp":   time.Now().Add(-age),
	}
}

func completionDoc(sessionID string, age time.Duration) map[string]interface{} {
	return map[string]interface{}{
		"session_id":  sessionID,
		"server_name": "fs",
		"tool_name":   "read_file",
		"event_type":  string(audit.EventCompletion),
		"status":      string(audit.StatusSuccess),
		"timestamp":   time.Now().Add(-age),
	}
}

func TestSweepStaleSessions_ForceCompletesUnmatchedInvocations(t *testing.T) {
	store := &queryStore{logs: []map[string]interface{}{
		invocationDoc("stale", 2*time.Hour),
		invocationDoc("finished", 2*time.Hour),
		completionDoc("finished", 2*time.Hour),
		invocationDoc("recent", time.Minute),
	}}
	svc := NewAuditService(store, discardLogger())
	defer svc.Close()

	swept, err := svc.SweepStaleSessions(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	if err := svc.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.inserted) != 1 {
		t.Fatalf("inserted %d documents, want 1", len(store.inserted))
	}
	doc := store.inserted[0]
	if doc["session_id"] != "stale" {
		t.Errorf("session_id = %v, want stale", doc["session_id"])
	}
	if doc["status"] != string(audit.StatusTimeout) {
		t.Errorf("status = %v, want %s", doc["status"], audit.StatusTimeout)
	}
	if doc["event_type"] != string(audit.EventCompletion) {
		t.Errorf("event_type = %v, want completion", doc["event_type"])
	}
	if d, ok := doc["duration_ms"].(int64); !ok || d < (2*time.Hour).Milliseconds() {
		t.Errorf("duration_ms = %v, want >= 2h in ms", doc["duration_ms"])
	}
}

func TestSweepStaleSessions_NothingStale(t *testing.T) {
	store := &queryStore{logs: []map[string]interface{}{
		invocationDoc("recent", time.Minute),
	}}
	svc := NewAuditService(store, discardLogger())
	defer svc.Close()

	swept, err := svc.SweepStaleSessions(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept = %d, want 0", swept)
	}
}

func TestQueryToolLogs_RejectsOverWideDateRange(t *testing.T) {
	svc := NewAuditService(&queryStore{}, discardLogger())
	defer svc.Close()

	_, err := svc.QueryToolLogs(context.Background(), audit.ToolLogFilter{
		Since: time.Now().Add(-8 * 24 * time.Hour),
	})
	if !errors.Is(err, audit.ErrDateRangeExceeded) {
		t.Fatalf("err = %v, want ErrDateRangeExceeded", err)
	}

	if _, err := svc.QueryToolLogs(context.Background(), audit.ToolLogFilter{
		Since: time.Now().Add(-24 * time.Hour),
	}); err != nil {
		t.Fatalf("expected a one-day range to pass validation, got %v", err)
	}
}

func TestStaleSweeper_SweepOnceUsesConfiguredMaxDuration(t *testing.T) {
	store := &queryStore{logs: []map[string]interface{}{
		invocationDoc("old", 30*time.Minute),
	}}
	svc := NewAuditService(store, discardLogger())
	defer svc.Close()

	// With a 1h max duration the 30-minute-old invocation is not yet stale.
	sw := NewStaleSweeper(svc, time.Hour, 0, nil, discardLogger())
	swept, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept = %d, want 0", swept)
	}

	// With a 10-minute max duration it is.
	sw = NewStaleSweeper(svc, 10*time.Minute, 0, nil, discardLogger())
	swept, err = sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
}
