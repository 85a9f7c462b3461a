package backend

import "maps"

// PatchHunk represents a single hunk in a unified diff
type PatchHunk struct {
	OldStart int      `json:"oldStart"`
	OldLines int      `json:"oldLines"`
	NewStart int      `json:"newStart"`
	NewLines int      `json:"newLines"`
	Lines    []string `json:"lines"`
}

// DiffBlock represents a diff content block as sent by agents
type DiffBlock struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	OldText string `json:"oldText,omitempty"`
	NewText string `json:"newText,omitempty"`
}

// TextContent represents text content in messages
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PermOption represents a permission option
type PermOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // allow_once, allow_always, reject_once, reject_always
}

// SessionMode represents an agent session mode
type SessionMode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AvailableCommand is a slash command advertised by the agent
type AvailableCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PlanEntry represents a plan item
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority"` // high, medium, low
	Status   string `json:"status"`   // pending, in_progress, completed
}

// Tool call statuses
const (
	ToolPending    = "pending"
	ToolInProgress = "in_progress"
	ToolCompleted  = "completed"
	ToolFailed     = "failed"
)

// ToolCallContent is one content item of a tool call: text or diff
type ToolCallContent struct {
	Type    string      `json:"type"` // text, diff
	Text    string      `json:"text,omitempty"`
	Path    string      `json:"path,omitempty"`
	OldText string      `json:"oldText,omitempty"`
	NewText string      `json:"newText,omitempty"`
	Hunks   []PatchHunk `json:"hunks,omitempty"`
}

// ToolCallLocation is a file touched by a tool call
type ToolCallLocation struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// ToolCall tracks the latest known state of one tool call
type ToolCall struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Kind      string             `json:"kind"` // read, edit, execute
	ToolName  string             `json:"toolName,omitempty"`
	Status    string             `json:"status"`
	RawInput  map[string]any     `json:"rawInput,omitempty"`
	Content   []ToolCallContent  `json:"content,omitempty"`
	Locations []ToolCallLocation `json:"locations,omitempty"`
}

// Clone returns a copy that shares no slices or maps with c
func (c *ToolCall) Clone() *ToolCall {
	if c == nil {
		return nil
	}
	out := *c
	out.RawInput = maps.Clone(c.RawInput)
	out.Content = append([]ToolCallContent(nil), c.Content...)
	out.Locations = append([]ToolCallLocation(nil), c.Locations...)
	return &out
}

// Terminal reports whether the tool call reached a final status
func (c *ToolCall) Terminal() bool {
	return c.Status == ToolCompleted || c.Status == ToolFailed || c.Status == "error"
}

// PermissionRequest is raised when an agent asks before running a tool
type PermissionRequest struct {
	ConversationID string         `json:"conversationId"`
	RequestID      string         `json:"requestId"`
	ToolCallID     string         `json:"toolCallId"`
	Title          string         `json:"title"`
	Kind           string         `json:"kind"`
	RawInput       map[string]any `json:"rawInput,omitempty"`
	Options        []PermOption   `json:"options"`
}

// Key identifies the request across conversations
func (r PermissionRequest) Key() string {
	return r.ConversationID + "/" + r.RequestID
}
