package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/fieldsync/internal/entity"
	"github.com/kalambet/fieldsync/internal/outbox"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/storage"
	"github.com/kalambet/fieldsync/internal/syncer"
)

// MCPDeps holds dependencies for the MCP server. Store, Queue and Sync are
// nil in passthrough mode.
type MCPDeps struct {
	Store  *storage.Store
	Queue  *queue.Queue
	Writer *outbox.Writer
	Sync   SyncController
}

// NewMCPServer creates an MCP server with the sync tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"fieldsync",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("fieldsync keeps inspection records available offline and replays edits to the remote API when connectivity returns."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Report connectivity, sync state, pending mutation count, abandoned writes and per-collection watermarks."),
		),
		mcpSyncStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("acknowledge_abandoned",
			mcp.WithDescription("Forget an abandoned write once its loss has been handled. Abandoned writes are listed by sync_status."),
			mcp.WithString("id", mcp.Description("Mutation id of the abandoned write"), mcp.Required()),
		),
		mcpAcknowledgeAbandoned(deps),
	)

	s.AddTool(
		mcp.NewTool("list_pending_mutations",
			mcp.WithDescription("List queued writes that have not reached the remote yet, oldest first."),
		),
		mcpListPending(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Replay queued writes and then pull remote changes. Fails when offline."),
		),
		mcpSyncNow(deps),
	)

	s.AddTool(
		mcp.NewTool("get_record",
			mcp.WithDescription("Read one record from the local store."),
			mcp.WithString("collection", mcp.Description("Collection name (e.g. inspections)"), mcp.Required()),
			mcp.WithString("id", mcp.Description("Record id"), mcp.Required()),
		),
		mcpGetRecord(deps),
	)

	s.AddTool(
		mcp.NewTool("save_record",
			mcp.WithDescription("Save a record locally and queue it for the remote. Omit id to create a record."),
			mcp.WithString("collection", mcp.Description("Collection name"), mcp.Required()),
			mcp.WithString("id", mcp.Description("Record id; empty creates a new record")),
			mcp.WithString("record", mcp.Description("JSON object with the record fields"), mcp.Required()),
		),
		mcpSaveRecord(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"fieldsync://queue",
			"Pending Mutations",
			mcp.WithResourceDescription("Queued writes awaiting replay"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueue(deps),
	)

	return s
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Store == nil {
			return mcpJSON(statusResponse{Status: syncer.Status{State: syncer.Idle.String()}, Storage: "unavailable"})
		}
		resp := statusResponse{Storage: "ok"}
		if deps.Sync != nil {
			resp.Status = deps.Sync.Status()
		}
		n, err := deps.Queue.Len(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count pending mutations: %v", err)), nil
		}
		resp.Pending = n
		if err := addAbandoned(ctx, deps.Queue, &resp); err != nil {
			return mcpError(fmt.Sprintf("failed to list abandoned mutations: %v", err)), nil
		}
		resp.Watermarks, err = deps.Store.Watermarks(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read watermarks: %v", err)), nil
		}
		return mcpJSON(resp)
	}
}

func mcpAcknowledgeAbandoned(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Queue == nil {
			return mcpError("local storage unavailable"), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		err = deps.Queue.Acknowledge(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no abandoned write %s", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to acknowledge: %v", err)), nil
		}
		return mcpText("acknowledged " + id), nil
	}
}

func pendingViews(ctx context.Context, q *queue.Queue) ([]mutationView, error) {
	pending, err := q.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]mutationView, 0, len(pending))
	for _, m := range pending {
		out = append(out, viewMutation(m))
	}
	return out, nil
}

func mcpListPending(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Queue == nil {
			return mcpError("local storage unavailable; nothing is queued in passthrough mode"), nil
		}
		views, err := pendingViews(ctx, deps.Queue)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list pending mutations: %v", err)), nil
		}
		return mcpJSON(views)
	}
}

func mcpSyncNow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Sync == nil {
			return mcpError("sync is disabled in passthrough mode"), nil
		}
		res, err := deps.Sync.SyncNow(ctx)
		if errors.Is(err, syncer.ErrOffline) {
			return mcpError("remote is unreachable; queued writes will replay when it is back"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpGetRecord(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Store == nil {
			return mcpError("local storage unavailable"), nil
		}
		collection, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		e, err := deps.Store.Get(ctx, collection, entity.ID(id))
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("%s/%s not found", collection, id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read record: %v", err)), nil
		}
		return mcpJSON(e)
	}
}

func mcpSaveRecord(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		collection, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}
		raw, err := req.RequireString("record")
		if err != nil {
			return mcpError("record is required"), nil
		}

		var e entity.Entity
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return mcpError(fmt.Sprintf("invalid record JSON: %v", err)), nil
		}
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		if id := req.GetString("id", ""); id != "" {
			if e.ID != "" && string(e.ID) != id {
				return mcpError(fmt.Sprintf("record id %q does not match id %q", e.ID, id)), nil
			}
			e.ID = entity.ID(id)
		}

		res, err := deps.Writer.Save(ctx, collection, &e)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save record: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpResourceQueue(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		views := []mutationView{}
		if deps.Queue != nil {
			var err error
			views, err = pendingViews(ctx, deps.Queue)
			if err != nil {
				return nil, fmt.Errorf("failed to list pending mutations: %w", err)
			}
		}

		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pending mutations: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
