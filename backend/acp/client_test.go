package acp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"acpdesk/backend"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	Method string
	Params any
	ID     json.RawMessage
	Result any
	Error  *RPCError
}

// MockTransport for testing
type MockTransport struct {
	mu        sync.Mutex
	handler   MethodHandler
	sent      []sentMessage
	responses map[string]json.RawMessage
	errs      map[string]error
	responded chan sentMessage
	done      chan struct{}
	closeOnce sync.Once
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses: make(map[string]json.RawMessage),
		errs:      make(map[string]error),
		responded: make(chan sentMessage, 16),
		done:      make(chan struct{}),
	}
}

func (m *MockTransport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{Method: method, Params: params})
	resp, err := m.responses[method], m.errs[method]
	m.mu.Unlock()
	return resp, err
}

func (m *MockTransport) Notify(method string, params any) error {
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{Method: method, Params: params})
	m.mu.Unlock()
	return nil
}

func (m *MockTransport) Respond(id json.RawMessage, result any) error {
	m.responded <- sentMessage{ID: id, Result: result}
	return nil
}

func (m *MockTransport) RespondError(id json.RawMessage, rpcErr *RPCError) error {
	m.responded <- sentMessage{ID: id, Error: rpcErr}
	return nil
}

func (m *MockTransport) OnMethod(handler MethodHandler) {
	m.handler = handler
}

func (m *MockTransport) Done() <-chan struct{} { return m.done }

func (m *MockTransport) Err() error { return nil }

func (m *MockTransport) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MockTransport) SetResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = data
}

func (m *MockTransport) SimulateMethod(method string, params any, id json.RawMessage) {
	data, _ := json.Marshal(params)
	m.handler(method, data, id)
}

func (m *MockTransport) sentMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		out = append(out, s.Method)
	}
	return out
}

func (m *MockTransport) waitResponse(t *testing.T) sentMessage {
	t.Helper()
	select {
	case msg := <-m.responded:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no response sent to agent")
		return sentMessage{}
	}
}

func update(u UpdateContent) SessionUpdate {
	return SessionUpdate{SessionID: "s1", Update: u}
}

func newTestClient(t *testing.T, opts ...ClientOption) (*Client, *MockTransport, chan backend.Event) {
	transport := NewMockTransport()
	transport.SetResponse(MethodSessionNew, SessionNewResult{SessionID: "s1"})
	events := make(chan backend.Event, 64)
	client := NewClient(ClientConfig{Transport: transport, ConversationID: "conv-1", EventChan: events}, opts...)
	require.NoError(t, client.NewSession(context.Background(), "/work", nil))
	t.Cleanup(func() { client.Close() })
	return client, transport, events
}

func drain(events chan backend.Event) []backend.Event {
	var out []backend.Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestClient_MessageChunksShareMsgID(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given
	_, transport, events := newTestClient(t)

	// when
	transport.SimulateMethod(MethodSessionUpdate, update(textChunk(UpdateAgentMessageChunk, "Hello ")), nil)
	transport.SimulateMethod(MethodSessionUpdate, update(textChunk(UpdateAgentMessageChunk, "world")), nil)

	// then
	got := drain(events)
	r.Len(got, 2)
	a.Equal(backend.EventContent, got[0].Type)
	a.Equal("conv-1", got[0].ConversationID)
	a.Equal("Hello ", got[0].Data)
	a.NotEmpty(got[0].MsgID)
	a.Equal(got[0].MsgID, got[1].MsgID)
}

func TestClient_SendUserMessageFlushesTurn(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given - a turn with a chunk and a tool call
	client, transport, events := newTestClient(t)
	transport.SetResponse(MethodSessionPrompt, SessionPromptResult{StopReason: "end_turn"})
	transport.SimulateMethod(MethodSessionUpdate, update(textChunk(UpdateAgentMessageChunk, "done")), nil)
	transport.SimulateMethod(MethodSessionUpdate, update(UpdateContent{SessionUpdate: UpdateToolCall, ToolCallID: "t1", Status: "completed"}), nil)

	// when
	res, err := client.SendUserMessage(context.Background(), "hi", []backend.Attachment{{Path: "/work/a.txt"}})

	// then
	r.NoError(err)
	a.Equal("end_turn", res.StopReason)
	got := drain(events)
	r.Len(got, 4)
	a.Equal(backend.EventToolGroup, got[2].Type)
	a.Equal(backend.EventFinish, got[3].Type)
	a.Equal(backend.FinishData{StopReason: "end_turn"}, got[3].Data)
	a.Equal(got[0].MsgID, got[3].MsgID)
	a.Empty(client.State().Message)

	// and the prompt carried the attachment as a resource link
	transport.mu.Lock()
	params := transport.sent[len(transport.sent)-1].Params.(SessionPromptParams)
	transport.mu.Unlock()
	r.Len(params.Prompt, 2)
	a.Equal("resource_link", params.Prompt[1].Type)
	a.Equal("file:///work/a.txt", params.Prompt[1].URI)
	a.Equal("a.txt", params.Prompt[1].Name)
}

func TestClient_SendUserMessageFailureEmitsErrorAndFinish(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given
	client, transport, events := newTestClient(t)
	transport.errs[MethodSessionPrompt] = backend.NewError(backend.ErrConnectionNotReady, "agent connection lost", nil)

	// when
	_, err := client.SendUserMessage(context.Background(), "hi", nil)

	// then
	r.Error(err)
	a.True(backend.IsRetryable(err))
	got := drain(events)
	r.Len(got, 2)
	a.Equal(backend.EventError, got[0].Type)
	a.Equal(backend.ErrConnectionNotReady, got[0].Data.(*backend.ErrorData).Kind)
	a.Equal(backend.EventFinish, got[1].Type)
}

func TestClient_UnknownToolCallUpdateDropped(t *testing.T) {
	a := assert.New(t)

	// given
	client, transport, events := newTestClient(t)
	before := client.State()

	// when
	transport.SimulateMethod(MethodSessionUpdate, update(UpdateContent{SessionUpdate: UpdateToolCallUpdate, ToolCallID: "ghost", Status: "completed"}), nil)

	// then - nothing emitted and no tool call recorded
	a.Empty(drain(events))
	a.Empty(client.State().ToolCalls)
	a.Equal(before.SessionID, client.State().SessionID)
}

func TestClient_ForeignSessionUpdateDropped(t *testing.T) {
	a := assert.New(t)

	_, transport, events := newTestClient(t)
	transport.SimulateMethod(MethodSessionUpdate, SessionUpdate{SessionID: "other", Update: textChunk(UpdateAgentMessageChunk, "x")}, nil)

	a.Empty(drain(events))
}

type blockingPermissionLayer struct {
	mu   sync.Mutex
	reqs []backend.PermissionRequest
}

func (b *blockingPermissionLayer) Request(ctx context.Context, req backend.PermissionRequest) (string, error) {
	b.mu.Lock()
	b.reqs = append(b.reqs, req)
	b.mu.Unlock()
	<-ctx.Done()
	return "", ctx.Err()
}

type answeringPermissionLayer struct{ optionID string }

func (a answeringPermissionLayer) Request(ctx context.Context, req backend.PermissionRequest) (string, error) {
	return a.optionID, nil
}

func permissionParams() PermissionRequest {
	return PermissionRequest{
		SessionID: "s1",
		ToolCall:  ToolCallInfo{ToolCallID: "tool-789", Title: "Write", Kind: "edit"},
		Options: []backend.PermOption{
			{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
			{OptionID: "reject", Name: "Reject", Kind: "reject_once"},
		},
	}
}

func TestClient_PermissionTimeoutAnswersCancelled(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given - the host never answers
	layer := &blockingPermissionLayer{}
	client, transport, _ := newTestClient(t, WithPermissionLayer(layer), WithTimeouts(50*time.Millisecond, 0))

	// when
	transport.SimulateMethod(MethodRequestPermission, permissionParams(), json.RawMessage("42"))

	// then - the agent gets an explicit cancelled outcome for the same id
	resp := transport.waitResponse(t)
	a.Equal("42", string(resp.ID))
	a.Equal(PermissionResponse{Outcome: PermissionOutcome{Outcome: "cancelled"}}, resp.Result)
	client.Wait()

	layer.mu.Lock()
	defer layer.mu.Unlock()
	r.Len(layer.reqs, 1)
	a.Equal("conv-1", layer.reqs[0].ConversationID)
	a.Equal("42", layer.reqs[0].RequestID)
	a.Equal("edit", layer.reqs[0].Kind)
}

func TestClient_PermissionDoesNotBlockNotifications(t *testing.T) {
	a := assert.New(t)

	// given - a permission request that is waiting on the user
	_, transport, events := newTestClient(t, WithPermissionLayer(&blockingPermissionLayer{}), WithTimeouts(time.Minute, 0))
	transport.SimulateMethod(MethodRequestPermission, permissionParams(), json.RawMessage("1"))

	// when
	transport.SimulateMethod(MethodSessionUpdate, update(textChunk(UpdateAgentMessageChunk, "still streaming")), nil)

	// then
	got := drain(events)
	a.Len(got, 1)
	a.Equal("still streaming", got[0].Data)
}

func TestClient_PermissionSelected(t *testing.T) {
	a := assert.New(t)

	_, transport, _ := newTestClient(t, WithPermissionLayer(answeringPermissionLayer{optionID: "allow"}))
	transport.SimulateMethod(MethodRequestPermission, permissionParams(), json.RawMessage("5"))

	resp := transport.waitResponse(t)
	a.Equal(PermissionResponse{Outcome: PermissionOutcome{Outcome: "selected", OptionID: "allow"}}, resp.Result)
}

func TestClient_AutoPermissionPrefersAllow(t *testing.T) {
	a := assert.New(t)

	// given
	transport := NewMockTransport()
	client := NewClient(ClientConfig{Transport: transport, AutoPermission: true})
	defer client.Close()

	params := permissionParams()
	params.Options = append([]backend.PermOption{{OptionID: "no", Kind: "reject_always"}}, params.Options...)

	// when
	transport.SimulateMethod(MethodRequestPermission, params, json.RawMessage("9"))

	// then
	resp := transport.waitResponse(t)
	a.Equal("allow", resp.Result.(PermissionResponse).Outcome.OptionID)
}

func TestClient_FsReadAndWrite(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given
	dir := t.TempDir()
	_, transport, _ := newTestClient(t, WithFsHandler(HostFs{Root: dir}))
	path := filepath.Join(dir, "nested", "a.txt")

	// when - write then read a slice
	transport.SimulateMethod(MethodFsWriteTextFile, WriteTextFileParams{Path: path, Content: "one\ntwo\nthree"}, json.RawMessage("1"))
	wresp := transport.waitResponse(t)
	transport.SimulateMethod(MethodFsReadTextFile, ReadTextFileParams{Path: path, Line: 2, Limit: 1}, json.RawMessage("2"))
	rresp := transport.waitResponse(t)

	// then
	a.Nil(wresp.Error)
	data, err := os.ReadFile(path)
	r.NoError(err)
	a.Equal("one\ntwo\nthree", string(data))
	a.Equal(&ReadTextFileResult{Content: "two"}, rresp.Result)

	// and paths outside the workspace are refused
	transport.SimulateMethod(MethodFsReadTextFile, ReadTextFileParams{Path: "/etc/passwd"}, json.RawMessage("3"))
	eresp := transport.waitResponse(t)
	r.NotNil(eresp.Error)
	a.Equal(CodeInternalError, eresp.Error.Code)
}

type stuckFs struct{}

func (stuckFs) ReadTextFile(ctx context.Context, req ReadTextFileParams) (*ReadTextFileResult, error) {
	select {}
}

func (stuckFs) WriteTextFile(ctx context.Context, req WriteTextFileParams) error {
	select {}
}

func TestClient_FsTimeoutAnswersError(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given - a handler that ignores its context
	_, transport, _ := newTestClient(t, WithFsHandler(stuckFs{}), WithTimeouts(0, 50*time.Millisecond))

	// when
	transport.SimulateMethod(MethodFsReadTextFile, ReadTextFileParams{Path: "/x"}, json.RawMessage("11"))

	// then
	resp := transport.waitResponse(t)
	r.NotNil(resp.Error)
	a.Equal("11", string(resp.ID))
	a.Equal(CodeRequestAborted, resp.Error.Code)
}

func TestClient_UnknownRequestGetsMethodNotFound(t *testing.T) {
	a := assert.New(t)

	_, transport, _ := newTestClient(t)
	transport.SimulateMethod("terminal/create", map[string]any{}, json.RawMessage("3"))

	resp := transport.waitResponse(t)
	a.Equal(CodeMethodNotFound, resp.Error.Code)
}

func TestClient_NewSessionSynthesizesID(t *testing.T) {
	a := assert.New(t)

	transport := NewMockTransport()
	transport.SetResponse(MethodSessionNew, map[string]any{})
	client := NewClient(ClientConfig{Transport: transport})
	defer client.Close()

	a.NoError(client.NewSession(context.Background(), "/w", nil))
	a.Contains(client.SessionID(), "local-")
}

func TestClient_ModeAndCancel(t *testing.T) {
	a := assert.New(t)

	// given
	client, transport, events := newTestClient(t)

	// when
	a.NoError(client.SetMode(context.Background(), "plan"))
	client.Cancel()
	transport.SimulateMethod(MethodSessionUpdate, update(UpdateContent{SessionUpdate: UpdateCurrentMode, CurrentModeID: "code"}), nil)

	// then
	a.Contains(transport.sentMethods(), MethodSessionSetMode)
	a.Contains(transport.sentMethods(), MethodSessionCancel)
	got := drain(events)
	a.Len(got, 2)
	a.Equal("plan", got[0].Data)
	a.Equal("code", got[1].Data)
	a.Equal("code", client.State().ModeID)
}

func TestClient_ClosedClientDropsNotifications(t *testing.T) {
	a := assert.New(t)

	client, transport, events := newTestClient(t)
	client.Close()

	transport.SimulateMethod(MethodSessionUpdate, update(textChunk(UpdateAgentMessageChunk, "late")), nil)

	a.Empty(drain(events))
	a.Empty(client.State().Message)
}

func TestDecodeUpdate_KeepsLargeNumbers(t *testing.T) {
	r := require.New(t)

	// given
	params := json.RawMessage(`{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"t1","rawInput":{"tasks":[{"id":9007199254740993}]}}}`)

	// when
	update, err := decodeUpdate(params)

	// then
	r.NoError(err)
	tasks, ok := update.Update.RawInput["tasks"].([]any)
	r.True(ok)
	r.Equal(json.Number("9007199254740993"), tasks[0].(map[string]any)["id"])
}
