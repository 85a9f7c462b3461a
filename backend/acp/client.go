package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"acpdesk/backend"

	"github.com/google/uuid"
)

// Default bounds for requests the agent sends us
const (
	DefaultPermissionTimeout = 2 * time.Minute
	DefaultFsTimeout         = 30 * time.Second
)

// ErrTurnInProgress is returned when a prompt is sent while another is running
var ErrTurnInProgress = errors.New("a prompt is already in progress")

// PermissionLayer abstracts permission request handling
type PermissionLayer interface {
	Request(ctx context.Context, req backend.PermissionRequest) (string, error)
}

// Client manages communication with an ACP subprocess. Notifications are
// applied on the transport's read goroutine in arrival order; agent requests
// are answered on their own goroutines with a bounded wait.
type Client struct {
	transport      Transport
	conversationID string
	eventChan      chan<- backend.Event

	permissionLayer   PermissionLayer
	fs                FsHandler
	permissionTimeout time.Duration
	fsTimeout         time.Duration
	autoPermission    bool

	mu     sync.Mutex
	state  SessionState
	modes  []backend.SessionMode
	inTurn bool

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ClientOption for configuring a Client
type ClientOption func(*Client)

// WithPermissionLayer sets the permission layer for delegation
func WithPermissionLayer(layer PermissionLayer) ClientOption {
	return func(c *Client) {
		c.permissionLayer = layer
	}
}

// WithFsHandler answers fs/* requests with h
func WithFsHandler(h FsHandler) ClientOption {
	return func(c *Client) {
		c.fs = h
	}
}

// WithTimeouts bounds how long agent requests may wait on the host
func WithTimeouts(permission, fs time.Duration) ClientOption {
	return func(c *Client) {
		if permission > 0 {
			c.permissionTimeout = permission
		}
		if fs > 0 {
			c.fsTimeout = fs
		}
	}
}

// ClientConfig for creating a Client
type ClientConfig struct {
	Transport      Transport
	ConversationID string
	EventChan      chan<- backend.Event
	AutoPermission bool
}

// NewClient creates a Client with the given transport
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:         cfg.Transport,
		conversationID:    cfg.ConversationID,
		eventChan:         cfg.EventChan,
		autoPermission:    cfg.AutoPermission,
		permissionTimeout: DefaultPermissionTimeout,
		fsTimeout:         DefaultFsTimeout,
		ctx:               ctx,
		cancel:            cancel,
		closed:            make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.transport.OnMethod(c.handleMethod)
	return c
}

// Initialize performs the ACP initialize handshake
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	caps := ClientCapabilities{}
	if c.fs != nil {
		caps.FS = &FSCapabilities{ReadTextFile: true, WriteTextFile: true}
	}
	resp, err := c.transport.Send(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion:    ProtocolVersion,
		ClientCapabilities: caps,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	var result InitializeResult
	if len(resp) > 0 {
		if err := json.Unmarshal(resp, &result); err != nil {
			return nil, fmt.Errorf("initialize: decode result: %w", err)
		}
	}
	return &result, nil
}

// NewSession creates a new ACP session. A local id is synthesized when the
// agent does not return one.
func (c *Client) NewSession(ctx context.Context, cwd string, mcpServers []any) error {
	if mcpServers == nil {
		mcpServers = []any{}
	}
	resp, err := c.transport.Send(ctx, MethodSessionNew, SessionNewParams{CWD: cwd, MCPServers: mcpServers})
	if err != nil {
		return fmt.Errorf("session/new: %w", err)
	}

	var result SessionNewResult
	if len(resp) > 0 {
		if err := json.Unmarshal(resp, &result); err != nil {
			return fmt.Errorf("session/new: decode result: %w", err)
		}
	}
	if result.SessionID == "" {
		result.SessionID = "local-" + uuid.NewString()
	}

	c.mu.Lock()
	c.state.SessionID = result.SessionID
	if result.Modes != nil {
		c.state.ModeID = result.Modes.CurrentModeID
		c.modes = result.Modes.AvailableModes
	}
	c.mu.Unlock()
	return nil
}

// LoadSession resumes an existing ACP session. The agent replays history as
// session/update notifications before responding.
func (c *Client) LoadSession(ctx context.Context, sessionID, cwd string, mcpServers []any) error {
	if mcpServers == nil {
		mcpServers = []any{}
	}
	c.mu.Lock()
	c.state.SessionID = sessionID
	c.mu.Unlock()

	if _, err := c.transport.Send(ctx, MethodSessionLoad, SessionLoadParams{
		SessionID:  sessionID,
		CWD:        cwd,
		MCPServers: mcpServers,
	}); err != nil {
		return fmt.Errorf("session/load: %w", err)
	}
	// replayed history is not a live turn
	c.flush()
	return nil
}

// SendUserMessage sends one prompt and blocks until the agent ends the turn.
// The turn ends with a finish event; failures also emit an error event.
func (c *Client) SendUserMessage(ctx context.Context, text string, attachments []backend.Attachment) (*backend.PromptResult, error) {
	c.mu.Lock()
	if c.inTurn {
		c.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	c.inTurn = true
	if c.state.MsgID == "" {
		c.state.MsgID = uuid.NewString()
	}
	sessionID := c.state.SessionID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inTurn = false
		c.mu.Unlock()
	}()

	resp, err := c.transport.Send(ctx, MethodSessionPrompt, SessionPromptParams{
		SessionID: sessionID,
		Prompt:    buildPrompt(text, attachments),
	})
	turn := c.flush()
	if err != nil {
		ee := backend.Classify(err)
		c.emit(backend.EventError, turn.MsgID, ee.Data())
		c.emit(backend.EventFinish, turn.MsgID, backend.FinishData{Error: ee.Data()})
		return nil, ee
	}

	var result SessionPromptResult
	if len(resp) > 0 {
		if err := json.Unmarshal(resp, &result); err != nil {
			slog.Warn("undecodable prompt result", "conversation_id", c.conversationID, "error", err)
		}
	}

	if len(turn.ToolCalls) > 0 {
		c.emit(backend.EventToolGroup, turn.MsgID, turn.ToolCalls)
	}
	c.emit(backend.EventFinish, turn.MsgID, backend.FinishData{StopReason: result.StopReason})
	return &backend.PromptResult{StopReason: result.StopReason}, nil
}

func buildPrompt(text string, attachments []backend.Attachment) []PromptContent {
	prompt := []PromptContent{{Type: "text", Text: text}}
	for _, a := range attachments {
		name := a.Name
		if name == "" {
			name = filepath.Base(a.Path)
		}
		u := url.URL{Scheme: "file", Path: filepath.ToSlash(a.Path)}
		prompt = append(prompt, PromptContent{
			Type:     "resource_link",
			URI:      u.String(),
			Name:     name,
			MimeType: a.MimeType,
		})
	}
	return prompt
}

// SetMode switches the session mode
func (c *Client) SetMode(ctx context.Context, modeID string) error {
	if _, err := c.transport.Send(ctx, MethodSessionSetMode, SetModeParams{
		SessionID: c.SessionID(),
		ModeID:    modeID,
	}); err != nil {
		return fmt.Errorf("session/set_mode: %w", err)
	}
	c.mu.Lock()
	c.state.ModeID = modeID
	c.mu.Unlock()
	c.emit(backend.EventMode, "", modeID)
	return nil
}

// Cancel asks the agent to stop the current turn
func (c *Client) Cancel() {
	if err := c.transport.Notify(MethodSessionCancel, CancelParams{SessionID: c.SessionID()}); err != nil {
		slog.Warn("session/cancel failed", "conversation_id", c.conversationID, "error", err)
	}
}

// Close stops the client. Pending requests fail with a retryable error and
// later notifications are dropped.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		err = c.transport.Close()
	})
	return err
}

// SessionID returns the ACP session id
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.SessionID
}

// AvailableModes returns the modes the agent advertised
func (c *Client) AvailableModes() []backend.SessionMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]backend.SessionMode(nil), c.modes...)
}

// State returns a snapshot of the session state
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Done is closed when the connection to the agent is gone
func (c *Client) Done() <-chan struct{} {
	return c.transport.Done()
}

// Err returns why the connection ended
func (c *Client) Err() error {
	return c.transport.Err()
}

// Wait blocks until in-flight agent requests have been answered
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) flush() Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, turn := Flush(c.state)
	c.state = next
	return turn
}

func (c *Client) emit(eventType backend.EventType, msgID string, data any) {
	if c.eventChan == nil {
		return
	}
	ev := backend.Event{Type: eventType, ConversationID: c.conversationID, MsgID: msgID, Data: data}
	select {
	case c.eventChan <- ev:
	case <-c.closed:
	}
}

func (c *Client) handleMethod(method string, params json.RawMessage, id json.RawMessage) {
	if c.isClosed() {
		return
	}

	switch method {
	case MethodSessionUpdate:
		update, err := decodeUpdate(params)
		if err != nil {
			slog.Warn("dropping malformed session/update", "conversation_id", c.conversationID, "error", err)
			return
		}
		c.handleSessionUpdate(update)

	case MethodRequestPermission:
		var req PermissionRequest
		if err := json.Unmarshal(params, &req); err != nil {
			c.respondError(id, CodeInvalidParams, "invalid permission request")
			return
		}
		c.goAnswer(func() { c.handlePermissionRequest(req, id) })

	case MethodFsReadTextFile:
		var req ReadTextFileParams
		if err := json.Unmarshal(params, &req); err != nil {
			c.respondError(id, CodeInvalidParams, "invalid read request")
			return
		}
		c.goAnswer(func() { c.handleReadTextFile(req, id) })

	case MethodFsWriteTextFile:
		var req WriteTextFileParams
		if err := json.Unmarshal(params, &req); err != nil {
			c.respondError(id, CodeInvalidParams, "invalid write request")
			return
		}
		c.goAnswer(func() { c.handleWriteTextFile(req, id) })

	default:
		if id != nil {
			c.respondError(id, CodeMethodNotFound, "method not found: "+method)
			return
		}
		slog.Debug("ignoring notification", "conversation_id", c.conversationID, "method", method)
	}
}

// decodeUpdate keeps numbers in tool input as json.Number so ids beyond
// float64 precision survive
func decodeUpdate(params json.RawMessage) (SessionUpdate, error) {
	var update SessionUpdate
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	err := dec.Decode(&update)
	return update, err
}

func (c *Client) goAnswer(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Client) handleSessionUpdate(update SessionUpdate) {
	c.mu.Lock()
	if update.SessionID != "" && c.state.SessionID != "" && update.SessionID != c.state.SessionID {
		c.mu.Unlock()
		slog.Warn("dropping update for foreign session", "conversation_id", c.conversationID, "session_id", update.SessionID)
		return
	}
	if c.state.MsgID == "" {
		c.state.MsgID = uuid.NewString()
	}
	next, change := Reduce(c.state, update.Update)
	c.state = next
	msgID := next.MsgID
	c.mu.Unlock()

	if change.Dropped != "" {
		slog.Warn("dropping session update", "conversation_id", c.conversationID, "reason", change.Dropped)
		return
	}

	switch change.Kind {
	case ChangeMessage:
		if change.Chunk != "" {
			c.emit(backend.EventContent, msgID, change.Chunk)
		}
	case ChangeThought:
		if change.Chunk != "" {
			c.emit(backend.EventThought, msgID, change.Chunk)
		}
	case ChangeToolCall:
		c.emit(backend.EventToolCall, msgID, change.ToolCall)
	case ChangePlan:
		c.emit(backend.EventPlan, msgID, append([]backend.PlanEntry(nil), next.Plan...))
	case ChangeCommands:
		c.emit(backend.EventAvailableCommands, "", append([]backend.AvailableCommand(nil), next.Commands...))
	case ChangeMode:
		c.emit(backend.EventMode, "", next.ModeID)
	}
}

func (c *Client) handlePermissionRequest(req PermissionRequest, id json.RawMessage) {
	if c.autoPermission {
		c.sendPermissionResponse(id, pickOption(req.Options, "allow_always", "allow_once"))
		return
	}
	if c.permissionLayer == nil {
		c.sendPermissionResponse(id, "")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.permissionTimeout)
	defer cancel()

	optionID, err := c.permissionLayer.Request(ctx, backend.PermissionRequest{
		ConversationID: c.conversationID,
		RequestID:      string(id),
		ToolCallID:     req.ToolCall.ToolCallID,
		Title:          req.ToolCall.Title,
		Kind:           normalizeKind(req.ToolCall.Kind),
		RawInput:       req.ToolCall.RawInput,
		Options:        req.Options,
	})
	if err != nil {
		slog.Warn("permission request not answered, cancelling", "conversation_id", c.conversationID, "tool_call_id", req.ToolCall.ToolCallID, "error", err)
		optionID = ""
	}
	c.sendPermissionResponse(id, optionID)
}

// sendPermissionResponse answers with the selected option, or cancelled when
// optionID is empty
func (c *Client) sendPermissionResponse(id json.RawMessage, optionID string) {
	outcome := PermissionOutcome{Outcome: "cancelled"}
	if optionID != "" {
		outcome = PermissionOutcome{Outcome: "selected", OptionID: optionID}
	}
	if err := c.transport.Respond(id, PermissionResponse{Outcome: outcome}); err != nil {
		slog.Warn("permission response failed", "conversation_id", c.conversationID, "error", err)
	}
}

func (c *Client) handleReadTextFile(req ReadTextFileParams, id json.RawMessage) {
	if c.fs == nil {
		c.respondError(id, CodeMethodNotFound, "file system access disabled")
		return
	}
	res, err := bounded(c.ctx, c.fsTimeout, func(ctx context.Context) (*ReadTextFileResult, error) {
		return c.fs.ReadTextFile(ctx, req)
	})
	if err != nil {
		c.respondFsError(id, req.Path, err)
		return
	}
	if err := c.transport.Respond(id, res); err != nil {
		slog.Warn("fs response failed", "conversation_id", c.conversationID, "error", err)
	}
}

func (c *Client) handleWriteTextFile(req WriteTextFileParams, id json.RawMessage) {
	if c.fs == nil {
		c.respondError(id, CodeMethodNotFound, "file system access disabled")
		return
	}
	_, err := bounded(c.ctx, c.fsTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.fs.WriteTextFile(ctx, req)
	})
	if err != nil {
		c.respondFsError(id, req.Path, err)
		return
	}
	if err := c.transport.Respond(id, struct{}{}); err != nil {
		slog.Warn("fs response failed", "conversation_id", c.conversationID, "error", err)
	}
}

func (c *Client) respondFsError(id json.RawMessage, path string, err error) {
	code := CodeInternalError
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		code = CodeRequestAborted
	}
	slog.Warn("fs request failed", "conversation_id", c.conversationID, "path", path, "error", err)
	c.respondError(id, code, err.Error())
}

func (c *Client) respondError(id json.RawMessage, code int, message string) {
	if id == nil {
		return
	}
	if err := c.transport.RespondError(id, &RPCError{Code: code, Message: message}); err != nil {
		slog.Warn("error response failed", "conversation_id", c.conversationID, "error", err)
	}
}

// bounded runs fn and gives up after d even if fn ignores its context
func bounded[T any](parent context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// pickOption returns the first option whose kind matches, in preference order
func pickOption(options []backend.PermOption, kinds ...string) string {
	for _, kind := range kinds {
		for _, opt := range options {
			if opt.Kind == kind {
				return opt.OptionID
			}
		}
	}
	if len(options) > 0 {
		return options[0].OptionID
	}
	return ""
}
