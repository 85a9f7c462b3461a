package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// EventType for engine events
type EventType string

const (
	// Conversation-scoped events
	EventContent           EventType = "content"
	EventThought           EventType = "thought"
	EventToolCall          EventType = "tool_call"
	EventToolGroup         EventType = "tool_group"
	EventPlan              EventType = "plan"
	EventAgentStatus       EventType = "agent_status"
	EventPermission        EventType = "permission"
	EventAvailableCommands EventType = "available_commands"
	EventMode              EventType = "mode"
	EventError             EventType = "error"
	EventFinish            EventType = "finish"

	// Team-scoped events
	EventMissionsSynced EventType = "missions_synced"
	EventMissionUpdated EventType = "mission_updated"
)

// Event is the unit the engine hands to the UI bridge
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	MsgID          string    `json:"msg_id,omitempty"`
	Data           any       `json:"data,omitempty"`
}

// AgentStatus describes the connection state of a backend process
type AgentStatus string

const (
	StatusConnecting    AgentStatus = "connecting"
	StatusConnected     AgentStatus = "connected"
	StatusSessionActive AgentStatus = "session_active"
	StatusDisconnected  AgentStatus = "disconnected"
	StatusError         AgentStatus = "error"
)

// StatusData is the payload of an agent_status event
type StatusData struct {
	Status    AgentStatus `json:"status"`
	Backend   string      `json:"backend"`
	SessionID string      `json:"sessionId,omitempty"`
}

// FinishData is the payload of a finish event
type FinishData struct {
	StopReason string     `json:"stopReason,omitempty"`
	Error      *ErrorData `json:"error,omitempty"`
}

// Attachment is a file reference sent alongside a user message
type Attachment struct {
	Path     string `json:"path"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// PromptResult is returned when the agent finishes a turn
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// AgentBackendConfig describes one agent CLI. Immutable after load.
type AgentBackendConfig struct {
	ID              string            `yaml:"id" json:"id"`
	Name            string            `yaml:"name" json:"name"`
	Command         string            `yaml:"command" json:"command"`
	Args            []string          `yaml:"args" json:"args,omitempty"`
	Env             map[string]string `yaml:"env" json:"env,omitempty"`
	InteractiveAuth bool              `yaml:"interactive_auth" json:"interactiveAuth"`
	AuthCommand     string            `yaml:"auth_command" json:"authCommand,omitempty"`
	AuthArgs        []string          `yaml:"auth_args" json:"authArgs,omitempty"`
	Streaming       bool              `yaml:"streaming" json:"streaming"`
}

// Validate checks the fields required to launch the backend
func (c AgentBackendConfig) Validate() error {
	if c.ID == "" {
		return errors.New("backend id is required")
	}
	if c.Command == "" {
		return fmt.Errorf("backend %q: command is required", c.ID)
	}
	if c.InteractiveAuth && c.AuthCommand == "" {
		return fmt.Errorf("backend %q: interactive auth requires auth_command", c.ID)
	}
	return nil
}

// Environ returns the process environment with the backend overrides applied
func (c AgentBackendConfig) Environ(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// SessionOpts for opening sessions
type SessionOpts struct {
	Backend         AgentBackendConfig
	ConversationID  string
	Workdir         string
	Env             map[string]string
	MCPServers      []any
	ResumeSessionID string
	EventChan       chan<- Event // where to send events
}

// Session represents an active agent session
type Session interface {
	SendUserMessage(ctx context.Context, text string, attachments []Attachment) (*PromptResult, error)
	SetMode(ctx context.Context, modeID string) error
	Cancel()
	Close() error

	SessionID() string
	Done() <-chan struct{}
	Err() error
}

// AgentBackend creates sessions
type AgentBackend interface {
	Open(ctx context.Context, opts SessionOpts) (Session, error)
}
