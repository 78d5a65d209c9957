package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingStore is an audit.DocumentStore whose Insert blocks until
// unblock is closed, letting a test fill AuditService's queue deterministically
// instead of racing a real backend.
type blockingStore struct {
	unblock chan struct{}
}

func newBlockingStore() *blockingStore {
	return &blockingStore{unblock: make(chan struct{})}
}

func (s *blockingStore) Insert(ctx context.Context, collection string, document map[string]interface{}) error {
	<-s.unblock
	return nil
}

func (s *blockingStore) Upsert(ctx context.Context, collection string, keyFilter, document map[string]interface{}) error {
	return nil
}

func (s *blockingStore) Find(ctx context.Context, collection string, query map[string]interface{}, sortField string, limit int) ([]map[string]interface{}, error) {
	return nil, nil
}

func (s *blockingStore) Aggregate(ctx context.Context, collection string, window audit.TimeWindow) ([]map[string]interface{}, error) {
	return nil, nil
}

func (s *blockingStore) Close() error {
	close(s.unblock)
	return nil
}

var _ audit.DocumentStore = (*blockingStore)(nil)

func TestHealthChecker_Healthy(t *testing.T) {
	store := newBlockingStore()
	auditService := service.NewAuditService(store, discardLogger())
	defer auditService.Close()

	hc := NewHealthChecker(auditService, func() MountHealth { return MountHealth{Total: 2, Connected: 2} }, "test-version")

	health := hc.Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Version != "test-version" {
		t.Errorf("Version = %q, want test-version", health.Version)
	}
	if health.Checks["mounts"] != "ok: 2/2 connected" {
		t.Errorf("mounts check = %q, want ok: 2/2 connected", health.Checks["mounts"])
	}
}

func TestHealthChecker_NilComponents(t *testing.T) {
	hc := NewHealthChecker(nil, nil, "")
	health := hc.Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Checks["audit"] != "not configured" {
		t.Errorf("audit = %q, want 'not configured'", health.Checks["audit"])
	}
	if health.Checks["mounts"] != "not configured" {
		t.Errorf("mounts = %q, want 'not configured'", health.Checks["mounts"])
	}
}

func TestHealthChecker_Handler_HTTP(t *testing.T) {
	store := newBlockingStore()
	auditService := service.NewAuditService(store, discardLogger())
	defer auditService.Close()

	hc := NewHealthChecker(auditService, nil, "1.0.0")

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()

	hc.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}

	contentType := rec.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", contentType)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Response status = %q, want healthy", resp.Status)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("Response version = %q, want 1.0.0", resp.Version)
	}
}

func TestHealthChecker_Unhealthy_MountsDown(t *testing.T) {
	hc := NewHealthChecker(nil, func() MountHealth { return MountHealth{Total: 3, Connected: 0} }, "")
	health := hc.Check()

	if health.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy (no mounts connected)", health.Status)
	}
}

// fillQueue blocks the worker on the first job, then enqueues enough
// invocation records to push the queue over 90% full.
func fillQueue(t *testing.T, auditService *service.AuditService, capacity int) {
	t.Helper()
	// The first record is picked up by run() and blocks there, so it does
	// not itself occupy queue capacity; fill past 90% with the rest.
	for i := 0; i < capacity; i++ {
		_ = auditService.RecordInvocation(context.Background(), audit.InvocationRecord{
			ServerName: "srv", ToolName: "tool", Timestamp: time.Now(),
		})
	}
}

func TestHealthChecker_Unhealthy_AuditFull(t *testing.T) {
	store := newBlockingStore()
	auditService := service.NewAuditService(store, discardLogger())
	defer auditService.Close()

	capacity := auditService.QueueCapacity()
	fillQueue(t, auditService, capacity)

	// Give the worker a moment to pick up the first job and block on it.
	time.Sleep(10 * time.Millisecond)

	hc := NewHealthChecker(auditService, nil, "")
	health := hc.Check()

	if health.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy (audit queue >90%% full)", health.Status)
	}
}

func TestHealthChecker_GoroutineCount(t *testing.T) {
	hc := NewHealthChecker(nil, nil, "")
	health := hc.Check()

	if health.Checks["goroutines"] == "" {
		t.Error("goroutines check should be present")
	}
	if health.Checks["goroutines"] == "0" {
		t.Error("goroutines count should be > 0")
	}
}
