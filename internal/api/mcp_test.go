package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/fieldsync/internal/outbox"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/schema"
	"github.com/kalambet/fieldsync/internal/storage"
	"github.com/kalambet/fieldsync/internal/syncer"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store, *mockSync) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureCollections(context.Background(), schema.Default()); err != nil {
		t.Fatalf("EnsureCollections: %v", err)
	}

	q := queue.New(store)
	ms := &mockSync{status: syncer.Status{State: "idle", Online: true}}
	return MCPDeps{
		Store:  store,
		Queue:  q,
		Writer: outbox.NewWriter(schema.Default(), store, q, nil),
		Sync:   ms,
	}, store, ms
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := handler(context.Background(), makeCallToolRequest(name, args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return result
}

func TestMCPTool_SaveAndGetRecord(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result := callTool(t, mcpSaveRecord(deps), "save_record", map[string]interface{}{
		"collection": "inspections",
		"id":         "42",
		"record":     `{"status":"done","userId":"u1"}`,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var saved outbox.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &saved); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !saved.Queued || saved.MutationID == "" {
		t.Errorf("result = %+v, want queued", saved)
	}

	result = callTool(t, mcpGetRecord(deps), "get_record", map[string]interface{}{
		"collection": "inspections",
		"id":         "42",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &rec); err != nil {
		t.Fatalf("failed to parse record: %v", err)
	}
	if rec["status"] != "done" || rec["id"] != float64(42) {
		t.Errorf("record = %v", rec)
	}
}

func TestMCPTool_SaveRecord_Invalid(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	tests := []map[string]interface{}{
		{"collection": "inspections"},
		{"collection": "inspections", "record": "not json"},
		{"collection": "invoices", "record": `{}`},
		{"collection": "inspections", "id": "1", "record": `{"id":"2"}`},
	}
	for _, args := range tests {
		if result := callTool(t, mcpSaveRecord(deps), "save_record", args); !result.IsError {
			t.Errorf("args %v: expected error result", args)
		}
	}
}

func TestMCPTool_GetRecord_NotFound(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	result := callTool(t, mcpGetRecord(deps), "get_record", map[string]interface{}{
		"collection": "clients",
		"id":         "nope",
	})
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("result = %q, want not found error", toolText(t, result))
	}
}

func TestMCPTool_ListPendingAndStatus(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	for _, id := range []string{"1", "2"} {
		callTool(t, mcpSaveRecord(deps), "save_record", map[string]interface{}{
			"collection": "inspections", "id": id, "record": `{"status":"open"}`,
		})
	}

	result := callTool(t, mcpListPending(deps), "list_pending_mutations", nil)
	var views []mutationView
	if err := json.Unmarshal([]byte(toolText(t, result)), &views); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(views) != 2 || views[0].Target != "/inspections/1" || views[1].Target != "/inspections/2" {
		t.Errorf("pending = %+v", views)
	}

	result = callTool(t, mcpSyncStatus(deps), "sync_status", nil)
	var status map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &status); err != nil {
		t.Fatalf("failed to parse status: %v", err)
	}
	if status["pending"] != float64(2) || status["online"] != true {
		t.Errorf("status = %v", status)
	}
}

// An abandoned write stays in sync_status until acknowledged.
func TestMCPTool_AbandonedInStatus(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	ctx := context.Background()
	callTool(t, mcpSaveRecord(deps), "save_record", map[string]interface{}{
		"collection": "inspections", "id": "5", "record": `{"status":"open"}`,
	})
	pending, _ := deps.Queue.ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("queue length = %d, want 1", len(pending))
	}
	id := pending[0].ID
	if err := deps.Queue.Abandon(ctx, id, errors.New("HTTP 422")); err != nil {
		t.Fatalf("Abandon: %v", err)
	}

	status := func() statusResponse {
		var st statusResponse
		if err := json.Unmarshal([]byte(toolText(t, callTool(t, mcpSyncStatus(deps), "sync_status", nil))), &st); err != nil {
			t.Fatalf("failed to parse status: %v", err)
		}
		return st
	}
	for range 2 {
		st := status()
		if st.Abandoned != 1 || len(st.AbandonedMutations) != 1 || st.AbandonedMutations[0].ID != id {
			t.Fatalf("status = %+v, want abandoned %s", st, id)
		}
		if st.AbandonedMutations[0].LastError != "HTTP 422" {
			t.Errorf("last error = %q, want HTTP 422", st.AbandonedMutations[0].LastError)
		}
	}

	result := callTool(t, mcpAcknowledgeAbandoned(deps), "acknowledge_abandoned", map[string]interface{}{"id": id})
	if result.IsError {
		t.Fatalf("acknowledge failed: %s", toolText(t, result))
	}
	if st := status(); st.Abandoned != 0 || len(st.AbandonedMutations) != 0 {
		t.Errorf("status after acknowledge = %+v", st)
	}
	result = callTool(t, mcpAcknowledgeAbandoned(deps), "acknowledge_abandoned", map[string]interface{}{"id": id})
	if !result.IsError {
		t.Error("second acknowledge succeeded")
	}
}

func TestMCPTool_SyncNow(t *testing.T) {
	deps, _, ms := newTestMCPDeps(t)

	result := callTool(t, mcpSyncNow(deps), "sync_now", nil)
	if result.IsError || ms.calls != 1 {
		t.Errorf("sync_now: error=%v calls=%d", result.IsError, ms.calls)
	}

	ms.err = syncer.ErrOffline
	result = callTool(t, mcpSyncNow(deps), "sync_now", nil)
	if !result.IsError || !strings.Contains(toolText(t, result), "unreachable") {
		t.Errorf("offline sync_now = %q, want unreachable error", toolText(t, result))
	}

	deps.Sync = nil
	if result := callTool(t, mcpSyncNow(deps), "sync_now", nil); !result.IsError {
		t.Error("sync_now without orchestrator should fail")
	}
}

func TestMCPResource_Queue(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	callTool(t, mcpSaveRecord(deps), "save_record", map[string]interface{}{
		"collection": "clients", "id": "7", "record": `{"name":"Acme"}`,
	})

	contents, err := mcpResourceQueue(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "fieldsync://queue"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if !strings.Contains(text.Text, "/clients/7") {
		t.Errorf("queue resource = %s", text.Text)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	handler := mcpSaveRecord(deps)

	var wg sync.WaitGroup
	errs := make(chan string, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := handler(context.Background(), makeCallToolRequest("save_record", map[string]interface{}{
				"collection": "evidences",
				"record":     `{"inspectionId":"42","n":` + string(rune('0'+i)) + `}`,
			}))
			if err != nil {
				errs <- err.Error()
				return
			}
			if result.IsError {
				errs <- "tool returned an error result"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Errorf("concurrent save failed: %s", e)
	}

	all, err := store.GetAll(context.Background(), "evidences")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 10 {
		t.Errorf("stored %d evidences, want 10", len(all))
	}
}

func TestNewMCPServer_Registers(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
