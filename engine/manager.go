// Package engine owns the live conversations. It opens agent sessions through
// a backend, runs outbound messages through the hook pipeline, forwards agent
// events to the UI and keeps the mission ledger in step with what agents
// report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"acpdesk/backend"
	"acpdesk/hooks"
	"acpdesk/mission"
	"acpdesk/permission"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrConversationNotFound is returned for an unknown or closed conversation
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationExists is returned when Start reuses a live conversation id
	ErrConversationExists = errors.New("conversation already started")
	// ErrBusy is returned when a message is sent while a turn is running
	ErrBusy = errors.New("conversation is busy")
)

// eventBuffer bounds how far a conversation's events can run ahead of the UI
const eventBuffer = 256

// Emitter receives every event the engine produces
type Emitter interface {
	Emit(event backend.Event)
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(event backend.Event)

// Emit calls f
func (f EmitterFunc) Emit(event backend.Event) {
	f(event)
}

// Options wires a Manager. Backend and Emitter are required.
type Options struct {
	Backend     backend.AgentBackend
	Emitter     Emitter
	Hooks       *hooks.Pipeline
	Missions    *mission.Synchronizer
	Permissions *permission.Layer
	DefaultTeam string
	// MCPServers returns the MCP servers handed to the agent at session/new
	MCPServers func(conversationID, team string) []any
}

// StartOptions describes one conversation
type StartOptions struct {
	ConversationID  string
	Backend         backend.AgentBackendConfig
	Workdir         string
	Env             map[string]string
	Assistant       string
	PresetContext   string
	EnabledSkills   []string
	SkillsSourceDir string
	Team            string
	ResumeSessionID string
}

// ConversationInfo is a snapshot of a live conversation
type ConversationInfo struct {
	ID        string    `json:"id"`
	Backend   string    `json:"backend"`
	SessionID string    `json:"sessionId"`
	Workdir   string    `json:"workdir"`
	Assistant string    `json:"assistant,omitempty"`
	Team      string    `json:"team"`
	StartedAt time.Time `json:"startedAt"`
}

// Manager owns the live conversations
type Manager struct {
	opts Options

	mu    sync.Mutex
	convs map[string]*conversation
}

// New creates a manager
func New(opts Options) *Manager {
	if opts.DefaultTeam == "" {
		opts.DefaultTeam = "default"
	}
	return &Manager{opts: opts, convs: make(map[string]*conversation)}
}

// Start opens an agent session for a new conversation and returns its id.
// Events flow to the emitter from before the handshake starts.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (string, error) {
	if opts.ConversationID == "" {
		opts.ConversationID = uuid.NewString()
	}
	if opts.Team == "" {
		opts.Team = m.opts.DefaultTeam
	}
	id := opts.ConversationID

	m.mu.Lock()
	if _, ok := m.convs[id]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrConversationExists, id)
	}
	c := newConversation(m, opts)
	m.convs[id] = c
	m.mu.Unlock()

	go c.bridge()

	var mcpServers []any
	if m.opts.MCPServers != nil {
		mcpServers = m.opts.MCPServers(id, opts.Team)
	}
	sess, err := m.opts.Backend.Open(ctx, backend.SessionOpts{
		Backend:         opts.Backend,
		ConversationID:  id,
		Workdir:         opts.Workdir,
		Env:             opts.Env,
		MCPServers:      mcpServers,
		ResumeSessionID: opts.ResumeSessionID,
		EventChan:       c.events,
	})
	if err != nil {
		ee := backend.Classify(err)
		c.events <- backend.Event{Type: backend.EventAgentStatus, ConversationID: id, Data: backend.StatusData{Status: backend.StatusError, Backend: opts.Backend.ID}}
		c.events <- backend.Event{Type: backend.EventError, ConversationID: id, Data: ee.Data()}
		c.stopBridge()
		m.remove(id)
		slog.Warn("could not start conversation", "conversation_id", id, "backend", opts.Backend.ID, "error", err)
		return "", ee
	}

	c.setSession(sess)
	go c.watch()
	slog.Info("conversation started", "conversation_id", id, "backend", opts.Backend.ID, "session_id", sess.SessionID())
	return id, nil
}

// SendMessage runs text through the hook pipeline and sends it as one turn.
// A message blocked by a hook is not sent; the UI gets an error event of kind
// permission_denied followed by finish.
func (m *Manager) SendMessage(ctx context.Context, conversationID, text string, attachments []backend.Attachment) (*backend.PromptResult, error) {
	c, err := m.get(conversationID)
	if err != nil {
		return nil, err
	}
	if !c.sendMu.TryLock() {
		return nil, ErrBusy
	}
	defer c.sendMu.Unlock()

	content := text
	if m.opts.Hooks != nil {
		out, err := m.opts.Hooks.PrepareOutbound(ctx, c.hookContext(text), !c.firstSent)
		if err != nil {
			return nil, backend.Classify(err)
		}
		if len(out.Failed) > 0 {
			slog.Warn("hooks failed for outbound message", "conversation_id", conversationID, "modules", out.Failed)
		}
		if out.Blocked {
			ee := backend.NewError(backend.ErrPermissionDenied, out.BlockReason, nil)
			c.publish(backend.EventError, ee.Data())
			c.publish(backend.EventFinish, backend.FinishData{Error: ee.Data()})
			return nil, ee
		}
		content = out.Content
	}

	sess, ok := c.beginTurn()
	if !ok {
		return nil, backend.NewError(backend.ErrConnectionNotReady, "conversation is closing", nil)
	}
	res, err := sess.SendUserMessage(ctx, content, attachments)
	c.endTurn(sess, err)
	// a retryable failure resends the bootstrap with the retry
	if err == nil || !backend.IsRetryable(err) {
		c.firstSent = true
	}
	return res, err
}

// RespondPermission answers a pending permission request. It reports whether
// the request was still pending.
func (m *Manager) RespondPermission(key, optionID string) bool {
	if m.opts.Permissions == nil {
		return false
	}
	return m.opts.Permissions.Respond(key, optionID)
}

// SetMode switches the session mode of a conversation
func (m *Manager) SetMode(ctx context.Context, conversationID, modeID string) error {
	c, err := m.get(conversationID)
	if err != nil {
		return err
	}
	return c.session().SetMode(ctx, modeID)
}

// Cancel asks the agent to stop the running turn
func (m *Manager) Cancel(conversationID string) error {
	c, err := m.get(conversationID)
	if err != nil {
		return err
	}
	c.session().Cancel()
	return nil
}

// Close ends a conversation and waits until its events have been delivered
func (m *Manager) Close(conversationID string) error {
	c, err := m.get(conversationID)
	if err != nil {
		return err
	}
	return c.close()
}

// Conversations lists the live conversations ordered by start time
func (m *Manager) Conversations() []ConversationInfo {
	m.mu.Lock()
	out := make([]ConversationInfo, 0, len(m.convs))
	for _, c := range m.convs {
		if c.session() == nil {
			continue
		}
		out = append(out, c.info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown closes every conversation in parallel
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	convs := make([]*conversation, 0, len(m.convs))
	for _, c := range m.convs {
		if c.session() != nil {
			convs = append(convs, c)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range convs {
		g.Go(c.close)
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) get(id string) (*conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok || c.session() == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return c, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.convs, id)
	m.mu.Unlock()
}

// Route delivers an event produced outside the agent connection, such as a
// permission request, through its conversation's bridge so it reaches the
// emitter after the agent events that led to it. Events of unknown
// conversations go straight to the emitter.
func (m *Manager) Route(event backend.Event) {
	m.mu.Lock()
	c, ok := m.convs[event.ConversationID]
	m.mu.Unlock()
	if !ok {
		m.emit(event)
		return
	}
	if !c.enqueue(event) {
		slog.Debug("dropping event for closed conversation", "conversation_id", event.ConversationID, "type", event.Type)
	}
}

func (m *Manager) emit(event backend.Event) {
	if m.opts.Emitter != nil {
		m.opts.Emitter.Emit(event)
	}
}

// syncToolCall feeds a tool call's task list into the mission ledger
func (m *Manager) syncToolCall(c *conversation, tc *backend.ToolCall) {
	if m.opts.Missions == nil || tc == nil || len(tc.RawInput) == 0 {
		return
	}
	extracted, ok := mission.ExtractTasks(tc.RawInput)
	if !ok || len(extracted.Tasks) == 0 {
		return
	}
	team := extracted.Team
	if team == "" {
		team = c.opts.Team
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := m.opts.Missions.SyncFromTasks(ctx, c.id, team, extracted.Tasks,
		mission.TriggeredBy(c.opts.Backend.ID), mission.WithSource("tool_call"))
	if err != nil {
		slog.Warn("mission sync failed", "conversation_id", c.id, "team", team, "tool_call_id", tc.ID, "error", err)
		return
	}
	for _, s := range res.Skipped {
		slog.Warn("skipped reported task", "conversation_id", c.id, "team", team, "index", s.Index, "id", s.ID, "reason", s.Reason)
	}
}
