package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/racelog/internal/finishtime"
	"github.com/kalambet/racelog/internal/stats"
	"github.com/kalambet/racelog/internal/storage"
)

// MCPStore is the read side of the archive store used by the MCP tools.
type MCPStore interface {
	List(ctx context.Context, ref storage.OwnerRef) ([]storage.Archive, error)
	Get(ctx context.Context, id string) (storage.Archive, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   MCPStore
	Version string
}

// NewMCPServer creates an MCP server with the racelog tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"racelog",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("racelog: archived race results with shoe and supplement notes, plus per-shoe best times."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_archives",
			mcp.WithDescription("List archived races, newest first, for an owner id or for an athlete name (anonymous records)."),
			mcp.WithString("owner_id", mcp.Description("Owner id of an authenticated runner")),
			mcp.WithString("athlete_name", mcp.Description("Athlete name for anonymous records; spaces are ignored")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of archives (default 20)")),
		),
		mcpListArchives(deps),
	)

	s.AddTool(
		mcp.NewTool("get_archive",
			mcp.WithDescription("Fetch one archived race by id."),
			mcp.WithString("id", mcp.Description("Archive id"), mcp.Required()),
		),
		mcpGetArchive(deps),
	)

	s.AddTool(
		mcp.NewTool("equipment_stats",
			mcp.WithDescription("Race count and best finish time per shoe for an owner id or athlete name."),
			mcp.WithString("owner_id", mcp.Description("Owner id of an authenticated runner")),
			mcp.WithString("athlete_name", mcp.Description("Athlete name for anonymous records")),
		),
		mcpEquipmentStats(deps),
	)

	s.AddTool(
		mcp.NewTool("parse_finish_time",
			mcp.WithDescription("Convert a finish time label such as 3時間45分10秒 into seconds."),
			mcp.WithString("label", mcp.Description("Finish time label"), mcp.Required()),
		),
		mcpParseFinishTime(),
	)

	return s
}

func ownerRef(ownerID, athleteName string) (storage.OwnerRef, error) {
	switch {
	case strings.TrimSpace(ownerID) != "":
		return storage.ByID(ownerID), nil
	case strings.TrimSpace(athleteName) != "":
		return storage.ByName(athleteName), nil
	default:
		return storage.OwnerRef{}, errors.New("one of owner_id or athlete_name is required")
	}
}

func mcpListArchives(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref, err := ownerRef(req.GetString("owner_id", ""), req.GetString("athlete_name", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		list, err := deps.Store.List(ctx, ref)
		if err != nil {
			return mcpError(fmt.Sprintf("listing archives failed: %v", err)), nil
		}
		if len(list) > limit {
			list = list[:limit]
		}
		return mcpJSON(list)
	}
}

func mcpGetArchive(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		a, err := deps.Store.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("archive %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get archive: %v", err)), nil
		}
		return mcpJSON(a)
	}
}

func mcpEquipmentStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref, err := ownerRef(req.GetString("owner_id", ""), req.GetString("athlete_name", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		list, err := deps.Store.List(ctx, ref)
		if err != nil {
			return mcpError(fmt.Sprintf("listing archives failed: %v", err)), nil
		}
		return mcpJSON(equipmentEntries(stats.ByEquipment(list)))
	}
}

func mcpParseFinishTime() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		label, err := req.RequireString("label")
		if err != nil {
			return mcpError("label is required"), nil
		}

		secs := finishtime.Parse(label)
		if secs.IsInfinite() {
			return mcpText(fmt.Sprintf("%q has no hours, minutes or seconds marker", label)), nil
		}
		return mcpJSON(map[string]any{
			"label":    label,
			"seconds":  int64(secs),
			"duration": secs.String(),
		})
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
