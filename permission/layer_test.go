package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"acpdesk/backend"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEmitter captures emitted events for testing
type mockEmitter struct {
	mu     sync.Mutex
	events []backend.Event
}

func (m *mockEmitter) Emit(event backend.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockEmitter) getEvents() []backend.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]backend.Event{}, m.events...)
}

var testOptions = []backend.PermOption{
	{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
	{OptionID: "always", Name: "Always allow", Kind: "allow_always"},
	{OptionID: "deny", Name: "Deny", Kind: "reject_once"},
}

func writeRequest(id string) backend.PermissionRequest {
	return backend.PermissionRequest{
		ConversationID: "conv-1",
		RequestID:      id,
		ToolCallID:     "call-" + id,
		Title:          "Write",
		Kind:           "edit",
		Options:        testOptions,
	}
}

func TestPermissionLayer_CheckDelegates(t *testing.T) {
	a := assert.New(t)

	// given - a layer with default rules
	layer := NewLayer(DefaultRules(), &mockEmitter{})

	// when/then - Check should delegate to RuleSet
	a.Equal(Allow, layer.Check(backend.PermissionRequest{Kind: "read"}))
	a.Equal(Ask, layer.Check(backend.PermissionRequest{Kind: "edit"}))
}

func TestPermissionLayer_AllowedKindsAnswerImmediately(t *testing.T) {
	a := assert.New(t)

	// given
	emitter := &mockEmitter{}
	layer := NewLayer(DefaultRules(), emitter)
	req := writeRequest("1")
	req.Kind = "read"

	// when
	optionID, err := layer.Request(context.Background(), req)

	// then - no event, allow_once picked
	a.NoError(err)
	a.Equal("allow", optionID)
	a.Empty(emitter.getEvents())
}

func TestPermissionLayer_RequestBlocks(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given - a layer with an Ask-requiring tool
	emitter := &mockEmitter{}
	layer := NewLayer(DefaultRules(), emitter)
	req := writeRequest("123")

	// when - Request is called in a goroutine
	resultCh := make(chan string, 1)
	go func() {
		optionID, err := layer.Request(context.Background(), req)
		if err == nil {
			resultCh <- optionID
		}
	}()

	// then - should block until Respond and emit a permission event
	r.Eventually(func() bool { return len(layer.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-resultCh:
		t.Fatal("Request should block until Respond is called")
	default:
	}

	events := emitter.getEvents()
	r.Len(events, 1)
	a.Equal(backend.EventPermission, events[0].Type)
	a.Equal("conv-1", events[0].ConversationID)
	a.Equal(req, events[0].Data)

	// cleanup - respond to unblock
	a.True(layer.Respond(req.Key(), "allow"))
	select {
	case result := <-resultCh:
		a.Equal("allow", result)
	case <-time.After(time.Second):
		t.Fatal("Request should unblock after Respond")
	}
	a.Empty(layer.Pending())
}

func TestPermissionLayer_TimeoutReturnsErrTimeout(t *testing.T) {
	a := assert.New(t)

	// given
	layer := NewLayer(DefaultRules(), &mockEmitter{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// when - nobody responds
	optionID, err := layer.Request(ctx, writeRequest("9"))

	// then
	a.ErrorIs(err, ErrTimeout)
	a.Empty(optionID)
	a.Empty(layer.Pending())

	// and a late response finds nothing waiting
	a.False(layer.Respond(writeRequest("9").Key(), "allow"))
}

func TestPermissionLayer_AlwaysIsRemembered(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given
	emitter := &mockEmitter{}
	layer := NewLayer(DefaultRules(), emitter)
	first := writeRequest("1")

	done := make(chan string, 1)
	go func() {
		id, _ := layer.Request(context.Background(), first)
		done <- id
	}()
	r.Eventually(func() bool { return len(layer.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	// when - the user picks allow_always
	layer.Respond(first.Key(), "always")
	a.Equal("always", <-done)

	// then - the next request with the same title is answered without asking
	optionID, err := layer.Request(context.Background(), writeRequest("2"))
	a.NoError(err)
	a.Equal("allow", optionID)
	a.Len(emitter.getEvents(), 1)
}

func TestPermissionLayer_CancelConversation(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given
	layer := NewLayer(DefaultRules(), &mockEmitter{})
	done := make(chan string, 1)
	go func() {
		id, _ := layer.Request(context.Background(), writeRequest("1"))
		done <- id
	}()
	r.Eventually(func() bool { return len(layer.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	// when
	layer.CancelConversation("conv-1")

	// then - answered with cancelled
	a.Equal("", <-done)
}
