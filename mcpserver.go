package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"acpdesk/mission"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Headers the agent echoes back on every MCP request
const (
	headerConversation = "X-Acpdesk-Conversation"
	headerTeam         = "X-Acpdesk-Team"
)

const reportTasksTool = "acpdesk_report_tasks"

type ctxKey int

const (
	conversationKey ctxKey = iota
	teamKey
)

// TaskReportServer is an MCP server that lets agents report their task list.
// Reports are synced into the mission ledger of the calling conversation.
type TaskReportServer struct {
	mcpServer   *server.MCPServer
	httpServer  *http.Server
	listener    net.Listener
	missions    *mission.Synchronizer
	defaultTeam string
	url         string
}

// NewTaskReportServer creates the server; Start binds it
func NewTaskReportServer(missions *mission.Synchronizer, defaultTeam string) *TaskReportServer {
	s := &TaskReportServer{missions: missions, defaultTeam: defaultTeam}

	s.mcpServer = server.NewMCPServer(
		"acpdesk-mcp",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	var taskSchema map[string]any
	if err := json.Unmarshal(mission.TaskSchema(), &taskSchema); err != nil {
		slog.Error("task schema is not valid JSON", "error", err)
	}

	reportTool := mcp.NewTool(reportTasksTool,
		mcp.WithDescription(`Report the current state of your task list to the user's mission board.

Call this whenever you create tasks, start one, finish one or get blocked.
Always send the full list; tasks you leave out are kept as they were.

Args:
  - tasks (array, required): every task with id, subject, state and optional assignee.
    state is one of pending, in_progress, completed, blocked.
  - team (string, optional): the team the tasks belong to.

Returns: a summary of what changed.`),
		mcp.WithArray("tasks",
			mcp.Required(),
			mcp.Description("The full task list"),
			mcp.Items(taskSchema),
		),
		mcp.WithString("team",
			mcp.Description("Team name; defaults to the conversation's team"),
		),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			Title:           "Report Tasks",
			ReadOnlyHint:    boolPtr(false),
			DestructiveHint: boolPtr(false),
			IdempotentHint:  boolPtr(true),
			OpenWorldHint:   boolPtr(false),
		}),
	)

	s.mcpServer.AddTool(reportTool, s.handleReportTasks)

	return s
}

func boolPtr(b bool) *bool {
	return &b
}

func (s *TaskReportServer) handleReportTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, _ := ctx.Value(conversationKey).(string)
	if conversationID == "" {
		return mcp.NewToolResultError("this MCP connection is not bound to a conversation"), nil
	}

	team, _ := req.Params.Arguments["team"].(string)
	if team == "" {
		team, _ = ctx.Value(teamKey).(string)
	}
	if team == "" {
		team = s.defaultTeam
	}

	items, ok := req.Params.Arguments["tasks"].([]interface{})
	if !ok {
		return mcp.NewToolResultError("tasks must be an array"), nil
	}
	raw := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode task: %v", err)), nil
		}
		raw = append(raw, b)
	}

	res, err := s.missions.SyncFromJSON(ctx, conversationID, team, raw,
		mission.TriggeredBy("mcp"), mission.WithSource("mcp"))
	if err != nil {
		slog.Warn("task report failed", "conversation_id", conversationID, "team", team, "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(summarize(team, res)), nil
}

func summarize(team string, res *mission.SyncResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "team %s: %d created, %d updated, %d state changes", team, len(res.Created), len(res.Updated), len(res.Transitions))
	for _, skip := range res.Skipped {
		fmt.Fprintf(&b, "\nskipped task %d", skip.Index)
		if skip.ID != "" {
			fmt.Fprintf(&b, " (%s)", skip.ID)
		}
		fmt.Fprintf(&b, ": %s", skip.Reason)
	}
	return b.String()
}

// bindRequest copies the conversation headers into the request context
func bindRequest(ctx context.Context, r *http.Request) context.Context {
	if id := r.Header.Get(headerConversation); id != "" {
		ctx = context.WithValue(ctx, conversationKey, id)
	}
	if team := r.Header.Get(headerTeam); team != "" {
		ctx = context.WithValue(ctx, teamKey, team)
	}
	return ctx
}

// Start binds to addr (use port 0 for a random port) and returns the SSE URL
func (s *TaskReportServer) Start(addr string) (string, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}
	s.listener = listener

	tcp := listener.Addr().(*net.TCPAddr)
	baseURL := fmt.Sprintf("http://%s:%d", tcp.IP, tcp.Port)

	// default endpoints are /sse and /message
	sseServer := server.NewSSEServer(s.mcpServer,
		server.WithBaseURL(baseURL),
		server.WithSSEContextFunc(bindRequest),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer)
	mux.Handle("/message", sseServer)

	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("MCP server error", "error", err)
		}
	}()

	s.url = baseURL + "/sse"
	return s.url, nil
}

// Stop shuts down the HTTP server
func (s *TaskReportServer) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// ServerConfig returns the mcpServers entry for session/new. It is empty
// until the server has started.
func (s *TaskReportServer) ServerConfig(conversationID, team string) []any {
	if s == nil || s.url == "" {
		return []any{}
	}
	return MCPServerConfig(s.url, conversationID, team)
}

// MCPServerConfig returns config for session/new
func MCPServerConfig(url, conversationID, team string) []any {
	return []any{
		map[string]any{
			"name": "acpdesk",
			"type": "sse",
			"url":  url,
			"headers": []any{
				map[string]any{"name": headerConversation, "value": conversationID},
				map[string]any{"name": headerTeam, "value": team},
			},
		},
	}
}
