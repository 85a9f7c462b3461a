package acp

import (
	"encoding/json"
	"maps"

	"acpdesk/backend"
)

// SessionState is the per-session view derived from session/update
// notifications. Values are never mutated in place; Reduce returns a new one.
type SessionState struct {
	SessionID   string
	MsgID       string
	Message     string
	Thought     string
	UserMessage string
	ToolCalls   map[string]*backend.ToolCall
	ToolOrder   []string
	Plan        []backend.PlanEntry
	ModeID      string
	Commands    []backend.AvailableCommand
}

// ChangeKind tells the caller what a reduction did
type ChangeKind string

const (
	ChangeNone        ChangeKind = "none"
	ChangeMessage     ChangeKind = "message"
	ChangeThought     ChangeKind = "thought"
	ChangeUserMessage ChangeKind = "user_message"
	ChangeToolCall    ChangeKind = "tool_call"
	ChangePlan        ChangeKind = "plan"
	ChangeMode        ChangeKind = "mode"
	ChangeCommands    ChangeKind = "commands"
)

// Change describes the effect of one update
type Change struct {
	Kind     ChangeKind
	Chunk    string
	ToolCall *backend.ToolCall
	Dropped  string // set when the update was ignored
}

// Turn is what Flush hands back at the end of a prompt
type Turn struct {
	MsgID     string
	Message   string
	Thought   string
	ToolCalls []*backend.ToolCall
}

// Reduce applies one update. It has no side effects.
func Reduce(s SessionState, u UpdateContent) (SessionState, Change) {
	switch u.SessionUpdate {
	case UpdateAgentMessageChunk:
		text := chunkText(u.Content)
		s.Message += text
		return s, Change{Kind: ChangeMessage, Chunk: text}

	case UpdateAgentThoughtChunk:
		text := chunkText(u.Content)
		s.Thought += text
		return s, Change{Kind: ChangeThought, Chunk: text}

	case UpdateUserMessageChunk:
		text := chunkText(u.Content)
		s.UserMessage += text
		return s, Change{Kind: ChangeUserMessage, Chunk: text}

	case UpdateToolCall:
		if u.ToolCallID == "" {
			return s, Change{Kind: ChangeNone, Dropped: "tool_call without id"}
		}
		next := mergeToolCall(s.ToolCalls[u.ToolCallID], u)
		if next.Status == "" {
			next.Status = backend.ToolPending
		}
		return s.withToolCall(next), Change{Kind: ChangeToolCall, ToolCall: next.Clone()}

	case UpdateToolCallUpdate:
		existing, ok := s.ToolCalls[u.ToolCallID]
		if !ok {
			return s, Change{Kind: ChangeNone, Dropped: "update for unknown tool call " + u.ToolCallID}
		}
		next := mergeToolCall(existing, u)
		return s.withToolCall(next), Change{Kind: ChangeToolCall, ToolCall: next.Clone()}

	case UpdatePlan:
		s.Plan = append([]backend.PlanEntry(nil), u.Entries...)
		return s, Change{Kind: ChangePlan}

	case UpdateAvailableCommands:
		s.Commands = append([]backend.AvailableCommand(nil), u.AvailableCommands...)
		return s, Change{Kind: ChangeCommands}

	case UpdateCurrentMode:
		s.ModeID = firstNonEmpty(u.CurrentModeID, u.ModeID)
		return s, Change{Kind: ChangeMode}
	}

	return s, Change{Kind: ChangeNone, Dropped: "unknown session update " + u.SessionUpdate}
}

// Flush ends the current message: buffers and the message id are reset and
// tool calls that reached a terminal status are released.
func Flush(s SessionState) (SessionState, Turn) {
	turn := Turn{MsgID: s.MsgID, Message: s.Message, Thought: s.Thought}
	open := make(map[string]*backend.ToolCall)
	var order []string
	for _, id := range s.ToolOrder {
		tc := s.ToolCalls[id]
		turn.ToolCalls = append(turn.ToolCalls, tc.Clone())
		if !tc.Terminal() {
			open[id] = tc
			order = append(order, id)
		}
	}

	s.MsgID = ""
	s.Message = ""
	s.Thought = ""
	s.UserMessage = ""
	s.ToolCalls = open
	s.ToolOrder = order
	return s, turn
}

// Clone returns a copy safe to hand to other goroutines
func (s SessionState) Clone() SessionState {
	out := s
	out.ToolCalls = make(map[string]*backend.ToolCall, len(s.ToolCalls))
	for id, tc := range s.ToolCalls {
		out.ToolCalls[id] = tc.Clone()
	}
	out.ToolOrder = append([]string(nil), s.ToolOrder...)
	out.Plan = append([]backend.PlanEntry(nil), s.Plan...)
	out.Commands = append([]backend.AvailableCommand(nil), s.Commands...)
	return out
}

func (s SessionState) withToolCall(tc *backend.ToolCall) SessionState {
	calls := maps.Clone(s.ToolCalls)
	if calls == nil {
		calls = make(map[string]*backend.ToolCall)
	}
	if _, seen := calls[tc.ID]; !seen {
		s.ToolOrder = append(append([]string(nil), s.ToolOrder...), tc.ID)
	}
	calls[tc.ID] = tc
	s.ToolCalls = calls
	return s
}

// mergeToolCall returns a new tool call with the fields u carries applied
// on top of existing.
func mergeToolCall(existing *backend.ToolCall, u UpdateContent) *backend.ToolCall {
	next := existing.Clone()
	if next == nil {
		next = &backend.ToolCall{ID: u.ToolCallID}
	}
	if u.Title != "" {
		next.Title = u.Title
	}
	if kind := normalizeKind(firstNonEmpty(u.Kind, u.ToolKind)); kind != "" {
		next.Kind = kind
	}
	if u.Status != "" {
		next.Status = u.Status
	}
	if u.RawInput != nil {
		next.RawInput = maps.Clone(u.RawInput)
	}
	if name := resolveToolName(u); name != "" && next.ToolName == "" {
		next.ToolName = name
	}
	if content := toolContent(u); len(content) > 0 {
		next.Content = content
	}
	if len(u.Locations) > 0 {
		next.Locations = append([]backend.ToolCallLocation(nil), u.Locations...)
	}
	return next
}

func chunkText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var content backend.TextContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return ""
	}
	return content.Text
}
