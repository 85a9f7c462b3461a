package acp

import (
	"encoding/json"

	"acpdesk/backend"
)

// Protocol methods
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionLoad       = "session/load"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionSetMode    = "session/set_mode"
	MethodSessionCancel     = "session/cancel"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodFsReadTextFile    = "fs/read_text_file"
	MethodFsWriteTextFile   = "fs/write_text_file"
)

// ProtocolVersion sent in initialize
const ProtocolVersion = 1

// InitializeParams for initialize request
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// ClientCapabilities describes client capabilities
type ClientCapabilities struct {
	FS       *FSCapabilities `json:"fs,omitempty"`
	Terminal bool            `json:"terminal,omitempty"`
}

// FSCapabilities describes filesystem capabilities
type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// InitializeResult from initialize response
type InitializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AuthMethods       []AuthMethod    `json:"authMethods,omitempty"`
}

// AuthMethod advertised by the agent
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ModesInfo contains session mode information
type ModesInfo struct {
	CurrentModeID  string                `json:"currentModeId"`
	AvailableModes []backend.SessionMode `json:"availableModes"`
}

// SessionNewParams for session/new
type SessionNewParams struct {
	CWD        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

// SessionLoadParams for session/load
type SessionLoadParams struct {
	SessionID  string `json:"sessionId"`
	CWD        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

// SessionNewResult from session/new response
type SessionNewResult struct {
	SessionID string     `json:"sessionId"`
	Modes     *ModesInfo `json:"modes,omitempty"`
}

// PromptContent is one block of a prompt
type PromptContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URI      string `json:"uri,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// SessionPromptParams for session/prompt request
type SessionPromptParams struct {
	SessionID string          `json:"sessionId"`
	Prompt    []PromptContent `json:"prompt"`
}

// SessionPromptResult from session/prompt response
type SessionPromptResult struct {
	StopReason string `json:"stopReason"`
}

// SetModeParams for session/set_mode
type SetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// CancelParams for session/cancel
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SessionUpdate notification params
type SessionUpdate struct {
	SessionID string        `json:"sessionId"`
	Update    UpdateContent `json:"update"`
}

// Update discriminants
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
	UpdateAvailableCommands = "available_commands_update"
	UpdateCurrentMode       = "current_mode_update"
)

// UpdateContent holds the update payload
type UpdateContent struct {
	SessionUpdate     string                     `json:"sessionUpdate"`
	Content           json.RawMessage            `json:"content,omitempty"`
	ToolCallID        string                     `json:"toolCallId,omitempty"`
	Title             string                     `json:"title,omitempty"`
	Kind              string                     `json:"kind,omitempty"`
	ToolKind          string                     `json:"toolKind,omitempty"`
	Status            string                     `json:"status,omitempty"`
	RawInput          map[string]any             `json:"rawInput,omitempty"`
	RawOutput         *ToolRawOutput             `json:"rawOutput,omitempty"`
	Locations         []backend.ToolCallLocation `json:"locations,omitempty"`
	Meta              *MetaContent               `json:"_meta,omitempty"`
	ModeID            string                     `json:"modeId,omitempty"`
	CurrentModeID     string                     `json:"currentModeId,omitempty"`
	Entries           []backend.PlanEntry        `json:"entries,omitempty"`
	AvailableCommands []backend.AvailableCommand `json:"availableCommands,omitempty"`
}

// MetaContent holds tool metadata
type MetaContent struct {
	ClaudeCode *ClaudeCodeMeta `json:"claudeCode,omitempty"`
}

// ClaudeCodeMeta for Claude Code specific metadata
type ClaudeCodeMeta struct {
	ToolName string `json:"toolName,omitempty"`
}

// ToolRawOutput holds raw tool output
type ToolRawOutput struct {
	Output   string              `json:"output,omitempty"`
	Metadata *ToolOutputMetadata `json:"metadata,omitempty"`
}

// ToolOutputMetadata for tool output
type ToolOutputMetadata struct {
	Diff     string `json:"diff,omitempty"`
	Filepath string `json:"filepath,omitempty"`
}

// PermissionRequest from session/request_permission
type PermissionRequest struct {
	SessionID string               `json:"sessionId"`
	ToolCall  ToolCallInfo         `json:"toolCall"`
	Options   []backend.PermOption `json:"options"`
}

// ToolCallInfo describes the tool requesting permission
type ToolCallInfo struct {
	ToolCallID string         `json:"toolCallId"`
	Title      string         `json:"title"`
	Kind       string         `json:"kind"`
	RawInput   map[string]any `json:"rawInput,omitempty"`
}

// PermissionResponse to send back
type PermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome describes the selected option
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // selected, cancelled
	OptionID string `json:"optionId,omitempty"`
}

// ReadTextFileParams for fs/read_text_file
type ReadTextFileParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Path      string `json:"path"`
	Line      int    `json:"line,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ReadTextFileResult for fs/read_text_file
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams for fs/write_text_file
type WriteTextFileParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}
