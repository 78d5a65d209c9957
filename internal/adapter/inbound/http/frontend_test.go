package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/toolgate/toolgate/internal/clock"
	"github.com/toolgate/toolgate/internal/domain/deployment"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/domain/proxy"
	"github.com/toolgate/toolgate/internal/domain/upstream"
	"github.com/toolgate/toolgate/internal/service"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// echoDispatcher records the unprefixed tool name it was asked for and
// echoes the msg argument back as a text block.
type echoDispatcher struct {
	lastName string
}

func (d *echoDispatcher) CallTool(ctx context.Context, name string, inputs map[string]interface{}) (mcp.CallResult, error) {
	d.lastName = name
	msg, _ := inputs["msg"].(string)
	return mcp.TextResult(false, msg), nil
}

func permissiveGovernance() deployment.GovernanceSpec {
	return deployment.GovernanceSpec{
		RateLimit:        100,
		GovernancePrefix: "governed_",
	}
}

func newTestFrontEnd(t *testing.T, dispatcher proxy.Dispatcher) (*FrontEnd, *upstream.ToolCache) {
	t.Helper()
	engine := policy.NewEngine(clock.Real)
	mount := proxy.NewMount("echo-srv", permissiveGovernance(), dispatcher, engine, nil, "test", nil)
	cache := upstream.NewToolCache()
	tools := []upstream.DiscoveredTool{
		{Name: "governed_echo", Description: "echoes its input", ServerName: "echo-srv"},
	}
	fe := NewFrontEnd(":0", "unified", "test", map[string]*proxy.Mount{"governed_echo": mount}, tools, cache, nil, nil, nil, discardLogger())
	fe.state.Store(int32(stateListening))
	return fe, cache
}

func postToolCall(t *testing.T, fe *FrontEnd, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encoding body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	rr := httptest.NewRecorder()
	fe.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func TestFrontEnd_RoutesPrefixedCallToMount(t *testing.T) {
	dispatcher := &echoDispatcher{}
	fe, _ := newTestFrontEnd(t, dispatcher)

	rr := postToolCall(t, fe, map[string]interface{}{
		"name":      "governed_echo",
		"arguments": map[string]interface{}{"msg": "hi"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if dispatcher.lastName != "echo" {
		t.Errorf("upstream received %q, want the unprefixed name echo", dispatcher.lastName)
	}

	var result mcp.CallResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Errorf("content = %+v, want one text block %q", result.Content, "hi")
	}
}

func TestFrontEnd_UnknownToolReturnsErrorResult(t *testing.T) {
	fe, _ := newTestFrontEnd(t, &echoDispatcher{})

	rr := postToolCall(t, fe, map[string]interface{}{"name": "nope"})
	var result mcp.CallResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error result for an unregistered tool")
	}
}

func TestFrontEnd_DrainingRejectsNewCalls(t *testing.T) {
	dispatcher := &echoDispatcher{}
	fe, _ := newTestFrontEnd(t, dispatcher)
	fe.state.Store(int32(stateDraining))

	rr := postToolCall(t, fe, map[string]interface{}{"name": "governed_echo"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 while draining", rr.Code)
	}
	if dispatcher.lastName != "" {
		t.Error("upstream was invoked during drain")
	}
}

func TestFrontEnd_RootReportsServiceInfo(t *testing.T) {
	fe, _ := newTestFrontEnd(t, &echoDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	fe.srv.Handler.ServeHTTP(rr, req)

	var info serviceInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("decoding info: %v", err)
	}
	if info.Service != "toolgate" {
		t.Errorf("service = %q, want toolgate", info.Service)
	}
	if info.Status != "listening" {
		t.Errorf("status = %q, want listening", info.Status)
	}
	if info.Mode != "unified" {
		t.Errorf("mode = %q, want unified", info.Mode)
	}
}

func TestFrontEnd_DashboardRedirects(t *testing.T) {
	fe, _ := newTestFrontEnd(t, &echoDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rr := httptest.NewRecorder()
	fe.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
}

func TestFrontEnd_ToolsListsGovernedSurface(t *testing.T) {
	fe, _ := newTestFrontEnd(t, &echoDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	rr := httptest.NewRecorder()
	fe.srv.Handler.ServeHTTP(rr, req)

	var resp toolsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding tools: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Name != "governed_echo" {
		t.Fatalf("tools = %+v, want the single governed_echo entry", resp.Data)
	}
	if resp.Data[0].ServerName != "echo-srv" {
		t.Errorf("server_name = %q, want echo-srv", resp.Data[0].ServerName)
	}
}

func TestFrontEnd_StatsEndpoint(t *testing.T) {
	fe, _ := newTestFrontEnd(t, &echoDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rr := httptest.NewRecorder()
	fe.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 with no StatsService attached", rr.Code)
	}

	stats := service.NewStatsService()
	stats.RecordAllow()
	stats.RecordDeny()
	fe.SetStats(stats)

	rr = httptest.NewRecorder()
	fe.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var resp statsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if resp.Data.Allowed != 1 || resp.Data.Denied != 1 {
		t.Errorf("stats = %+v, want allowed=1 denied=1", resp.Data)
	}
}

func TestFrontEnd_ToolConflictsEndpoint(t *testing.T) {
	fe, cache := newTestFrontEnd(t, &echoDispatcher{})
	cache.RecordConflict(upstream.ToolConflict{
		ToolName:          "governed_echo",
		SkippedServerName: "other-srv",
		WinnerServerName:  "echo-srv",
	})

	req := httptest.NewRequest(http.MethodGet, "/governance/tool-conflicts", nil)
	rr := httptest.NewRecorder()
	fe.srv.Handler.ServeHTTP(rr, req)

	var resp toolConflictsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding conflicts: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].SkippedServerName != "other-srv" {
		t.Fatalf("conflicts = %+v, want the recorded other-srv entry", resp.Data)
	}
}

func TestFrontEnd_ToolLogsUnavailableWithoutGateway(t *testing.T) {
	fe, _ := newTestFrontEnd(t, &echoDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/governance/tool-logs", nil)
	rr := httptest.NewRecorder()
	fe.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 with no gateway", rr.Code)
	}
}
