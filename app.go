package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"acpdesk/backend"
	"acpdesk/config"
	"acpdesk/engine"
	"acpdesk/mission"
	"acpdesk/supervisor"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// StartRequest is what the UI sends to open a conversation
type StartRequest struct {
	BackendID       string   `json:"backendId"`
	Workdir         string   `json:"workdir"`
	Assistant       string   `json:"assistant"`
	PresetContext   string   `json:"presetContext"`
	EnabledSkills   []string `json:"enabledSkills"`
	Team            string   `json:"team"`
	ResumeSessionID string   `json:"resumeSessionId"`
}

// wailsEmitter forwards engine events to the renderer as
// conversation:<id>:<type>
type wailsEmitter struct {
	ctx context.Context
}

func (e wailsEmitter) Emit(ev backend.Event) {
	runtime.EventsEmit(e.ctx, eventName(ev), ev)
}

func eventName(ev backend.Event) string {
	if ev.ConversationID == "" {
		return string(ev.Type)
	}
	return fmt.Sprintf("conversation:%s:%s", ev.ConversationID, ev.Type)
}

type App struct {
	ctx       context.Context
	cfg       *config.Config
	rt        *engine.Runtime
	mcpServer *TaskReportServer
	auth      *supervisor.AuthTerminals

	mu sync.Mutex // guards rt and mcpServer during startup
}

func NewApp(cfg *config.Config) *App {
	return &App{cfg: cfg, auth: supervisor.NewAuthTerminals()}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	rt, err := engine.NewRuntime(ctx, a.cfg, wailsEmitter{ctx: ctx}, a.mcpServers)
	if err != nil {
		slog.Error("failed to start engine", "error", err)
		runtime.EventsEmit(ctx, "error", err.Error())
		return
	}

	srv := NewTaskReportServer(rt.Missions, a.cfg.DefaultTeam)
	if url, err := srv.Start(a.cfg.MCPAddr); err != nil {
		slog.Error("failed to start MCP server", "error", err)
	} else {
		slog.Info("MCP server listening", "url", url)
	}
	a.publish(rt, srv)

	runtime.EventsOn(ctx, "send_message", a.handleSendMessage)
	runtime.EventsOn(ctx, "permission_response", a.handlePermissionResponse)
	runtime.EventsOn(ctx, "cancel", a.handleCancel)
	a.StartAuthListeners()
}

func (a *App) shutdown(ctx context.Context) {
	a.auth.StopAll()
	if srv := a.reportServer(); srv != nil {
		if err := srv.Stop(ctx); err != nil {
			slog.Warn("MCP server shutdown", "error", err)
		}
	}
	if rt := a.runtime(); rt != nil {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := rt.Close(ctx); err != nil {
			slog.Warn("engine shutdown", "error", err)
		}
	}
}

func (a *App) publish(rt *engine.Runtime, srv *TaskReportServer) {
	a.mu.Lock()
	a.rt = rt
	a.mcpServer = srv
	a.mu.Unlock()
}

func (a *App) reportServer() *TaskReportServer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mcpServer
}

// mcpServers is the session/new mcpServers entry for a conversation. It is
// empty until the task report server is up.
func (a *App) mcpServers(conversationID, team string) []any {
	return a.reportServer().ServerConfig(conversationID, team)
}

func (a *App) runtime() *engine.Runtime {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rt
}

func (a *App) engineRuntime() (*engine.Runtime, error) {
	rt := a.runtime()
	if rt == nil {
		return nil, fmt.Errorf("engine is not running")
	}
	return rt, nil
}

// StartConversation opens an agent session and returns the conversation id
func (a *App) StartConversation(req StartRequest) (string, error) {
	rt, err := a.engineRuntime()
	if err != nil {
		return "", err
	}
	if req.Workdir == "" {
		req.Workdir, _ = os.Getwd()
	}
	opts, err := rt.StartOptions(req.BackendID, engine.StartOptions{
		Workdir:         req.Workdir,
		Assistant:       req.Assistant,
		PresetContext:   req.PresetContext,
		EnabledSkills:   req.EnabledSkills,
		Team:            req.Team,
		ResumeSessionID: req.ResumeSessionID,
	})
	if err != nil {
		return "", err
	}
	id, err := rt.Manager.Start(a.ctx, opts)
	if err != nil {
		return "", err
	}
	runtime.EventsEmit(a.ctx, "conversations_updated", rt.Manager.Conversations())
	return id, nil
}

// CloseConversation ends a conversation
func (a *App) CloseConversation(conversationID string) error {
	rt, err := a.engineRuntime()
	if err != nil {
		return err
	}
	if err := rt.Manager.Close(conversationID); err != nil {
		return err
	}
	runtime.EventsEmit(a.ctx, "conversations_updated", rt.Manager.Conversations())
	return nil
}

// Conversations lists the live conversations
func (a *App) Conversations() []engine.ConversationInfo {
	if rt := a.runtime(); rt != nil {
		return rt.Manager.Conversations()
	}
	return nil
}

// SetMode switches the session mode of a conversation
func (a *App) SetMode(conversationID, modeID string) error {
	rt, err := a.engineRuntime()
	if err != nil {
		return err
	}
	return rt.Manager.SetMode(a.ctx, conversationID, modeID)
}

// ListBackends returns the configured agent CLIs
func (a *App) ListBackends() []backend.AgentBackendConfig {
	return a.cfg.AllBackends()
}

// ListMissions returns the missions of a conversation, optionally one team
func (a *App) ListMissions(conversationID, team string) ([]*mission.Mission, error) {
	rt, err := a.engineRuntime()
	if err != nil {
		return nil, err
	}
	return rt.Missions.List(a.ctx, mission.Filter{ConversationID: conversationID, TeamName: team})
}

// DeleteTeamMissions removes a team's missions, e.g. when the team is torn down
func (a *App) DeleteTeamMissions(conversationID, team string) (int, error) {
	rt, err := a.engineRuntime()
	if err != nil {
		return 0, err
	}
	return rt.Missions.DeleteTeam(a.ctx, conversationID, team)
}

// PendingPermissions returns the permission requests waiting for the user
func (a *App) PendingPermissions() []backend.PermissionRequest {
	if rt := a.runtime(); rt != nil {
		return rt.Permissions.Pending()
	}
	return nil
}

// ReloadHooks rereads hooks from disk
func (a *App) ReloadHooks() error {
	rt, err := a.engineRuntime()
	if err != nil {
		return err
	}
	return rt.Hooks.Reload()
}

// sendRequest is the send_message payload
type sendRequest struct {
	ConversationID string
	Text           string
	Attachments    []backend.Attachment
}

func parseSendRequest(m map[string]interface{}) (sendRequest, bool) {
	req := sendRequest{ConversationID: mapStr(m, "conversationId"), Text: mapStr(m, "text")}
	if req.ConversationID == "" || req.Text == "" {
		return req, false
	}
	if raw, ok := m["attachments"].([]interface{}); ok {
		for _, item := range raw {
			if am, ok := item.(map[string]interface{}); ok && mapStr(am, "path") != "" {
				req.Attachments = append(req.Attachments, backend.Attachment{
					Path:     mapStr(am, "path"),
					Name:     mapStr(am, "name"),
					MimeType: mapStr(am, "mimeType"),
				})
			}
		}
	}
	return req, true
}

func (a *App) handleSendMessage(data ...interface{}) {
	m, ok := firstAs[map[string]interface{}](data)
	if !ok {
		return
	}
	req, ok := parseSendRequest(m)
	if !ok {
		slog.Warn("send_message without conversation or text")
		return
	}
	rt := a.runtime()
	if rt == nil {
		runtime.EventsEmit(a.ctx, "error", "engine is not running")
		return
	}
	go func() {
		// failures reach the UI as error and finish events
		if _, err := rt.Manager.SendMessage(a.ctx, req.ConversationID, req.Text, req.Attachments); err != nil {
			slog.Warn("prompt failed", "conversation_id", req.ConversationID, "error", err)
		}
	}()
}

func (a *App) handlePermissionResponse(data ...interface{}) {
	m, ok := firstAs[map[string]interface{}](data)
	if !ok {
		return
	}
	if rt := a.runtime(); rt != nil {
		rt.Manager.RespondPermission(mapStr(m, "key"), mapStr(m, "optionId"))
	}
}

func (a *App) handleCancel(data ...interface{}) {
	id, ok := firstAs[string](data)
	if !ok {
		return
	}
	if rt := a.runtime(); rt != nil {
		if err := rt.Manager.Cancel(id); err != nil {
			slog.Warn("cancel failed", "conversation_id", id, "error", err)
		}
	}
}

// StartAuthListeners registers event handlers for interactive backend login
func (a *App) StartAuthListeners() {
	runtime.EventsOn(a.ctx, "auth:start", func(data ...interface{}) {
		params, ok := firstAs[map[string]interface{}](data)
		if !ok {
			slog.Error("auth:start invalid params")
			return
		}
		id := mapStr(params, "id")
		cfg, err := a.cfg.Backend(mapStr(params, "backend"))
		if err != nil {
			runtime.EventsEmit(a.ctx, "auth:"+id+":exit", err.Error())
			return
		}
		slog.Info("auth:start", "id", id, "backend", cfg.ID)
		err = a.auth.Start(id, cfg, uint16(mapInt(params, "cols")), uint16(mapInt(params, "rows")),
			func(out []byte) { runtime.EventsEmit(a.ctx, "auth:"+id+":output", string(out)) },
			func(err error) {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				runtime.EventsEmit(a.ctx, "auth:"+id+":exit", msg)
			},
		)
		if err != nil {
			slog.Error("auth terminal start failed", "id", id, "error", err)
			runtime.EventsEmit(a.ctx, "auth:"+id+":exit", err.Error())
		}
	})

	runtime.EventsOn(a.ctx, "auth:input", func(data ...interface{}) {
		params, ok := firstAs[map[string]interface{}](data)
		if !ok {
			return
		}
		a.auth.Write(mapStr(params, "id"), []byte(mapStr(params, "data")))
	})

	runtime.EventsOn(a.ctx, "auth:resize", func(data ...interface{}) {
		params, ok := firstAs[map[string]interface{}](data)
		if !ok {
			return
		}
		a.auth.Resize(mapStr(params, "id"), uint16(mapInt(params, "cols")), uint16(mapInt(params, "rows")))
	})

	runtime.EventsOn(a.ctx, "auth:stop", func(data ...interface{}) {
		params, ok := firstAs[map[string]interface{}](data)
		if !ok {
			return
		}
		a.auth.Stop(mapStr(params, "id"))
	})
}

func mapStr(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func mapInt(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

func firstAs[T any](data []interface{}) (T, bool) {
	var zero T
	if len(data) == 0 {
		return zero, false
	}
	v, ok := data[0].(T)
	return v, ok
}
