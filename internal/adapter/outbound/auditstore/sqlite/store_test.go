package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_InsertAndFindToolLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Insert(ctx, audit.CollectionToolLogs, map[string]interface{}{
		"server_name": "fs",
		"tool_name":   "read_file",
		"session_id":  "s1",
		"event_type":  "invocation",
		"timestamp":   time.Now(),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	docs, err := s.Find(ctx, audit.CollectionToolLogs, map[string]interface{}{"server_name": "fs"}, "timestamp_desc", 10)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected one document, got %d", len(docs))
	}
	if docs[0]["tool_name"] != "read_file" {
		t.Fatalf("expected tool_name read_file, got %v", docs[0]["tool_name"])
	}
}

func TestStore_AggregateComputesAvgOutputBytes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	insertCompletion := func(status string, durationMs int64, outputs interface{}) {
		if err := s.Insert(ctx, audit.CollectionToolLogs, map[string]interface{}{
			"server_name": "fs",
			"tool_name":   "read_file",
			"event_type":  "completion",
			"status":      status,
			"duration_ms": durationMs,
			"outputs":     outputs,
			"timestamp":   now,
		}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	insertCompletion("success", 10, map[string]interface{}{"content": "abcd"})     // 18 bytes serialized
	insertCompletion("success", 20, map[string]interface{}{"content": "abcdefgh"}) // 22 bytes serialized

	rows, err := s.Aggregate(ctx, audit.CollectionToolLogs, audit.TimeWindow{
		Since: now.Add(-time.Hour),
		Until: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one rollup row, got %d", len(rows))
	}

	avg, ok := rows[0]["avg_output_bytes"].(float64)
	if !ok {
		t.Fatalf("expected avg_output_bytes to be a float64, got %T", rows[0]["avg_output_bytes"])
	}
	if avg <= 0 {
		t.Fatalf("expected a positive avg_output_bytes from non-empty outputs, got %v", avg)
	}
}

func TestStore_AggregateExcludesEventsOutsideWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, audit.CollectionToolLogs, map[string]interface{}{
		"server_name": "fs",
		"tool_name":   "read_file",
		"event_type":  "completion",
		"status":      "success",
		"duration_ms": int64(5),
		"timestamp":   time.Now().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rows, err := s.Aggregate(ctx, audit.CollectionToolLogs, audit.TimeWindow{
		Since: time.Now().Add(-time.Hour),
		Until: time.Now(),
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rollup rows for an event outside the window, got %d", len(rows))
	}
}
