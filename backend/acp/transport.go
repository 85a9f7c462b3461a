package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"acpdesk/backend"
)

// ErrClosed is the cause attached to requests failed by Close
var ErrClosed = errors.New("transport closed")

// maxLineSize bounds a single wire line
const maxLineSize = 16 * 1024 * 1024

// MethodHandler receives inbound requests and notifications. id is nil for
// notifications.
type MethodHandler func(method string, params json.RawMessage, id json.RawMessage)

// Transport handles JSON-RPC communication
type Transport interface {
	// Send sends a request and blocks for response
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected)
	Notify(method string, params any) error

	// Respond sends a response to an incoming request
	Respond(id json.RawMessage, result any) error

	// RespondError sends an error response to an incoming request
	RespondError(id json.RawMessage, rpcErr *RPCError) error

	// OnMethod registers the handler for incoming requests and notifications
	OnMethod(handler MethodHandler)

	// Done is closed once the transport stops
	Done() <-chan struct{}

	// Err returns why the transport stopped
	Err() error

	// Close shuts down the transport
	Close() error
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// StdioTransport implements Transport over newline-delimited stdio pipes.
// Inbound messages are dispatched on the read goroutine in arrival order.
type StdioTransport struct {
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	label   string
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan rpcResult
	handler MethodHandler
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// NewStdioTransport creates a new transport and starts reading
func NewStdioTransport(stdin io.WriteCloser, stdout io.Reader, label string) *StdioTransport {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	t := &StdioTransport{
		stdin:   stdin,
		stdout:  sc,
		label:   label,
		pending: make(map[int64]chan rpcResult),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *StdioTransport) readLoop() {
	for t.stdout.Scan() {
		if t.stopped() {
			return
		}
		line := t.stdout.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, err := Decode(line)
		if err != nil {
			slog.Warn("dropping wire line", "label", t.label, "error", err)
			continue
		}

		switch msg.Kind() {
		case KindRequest, KindNotification:
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()
			if handler != nil {
				handler(msg.Method, msg.Params, msg.ID)
			} else if msg.Kind() == KindRequest {
				_ = t.RespondError(msg.ID, &RPCError{Code: CodeMethodNotFound, Message: "no handler"})
			}
		case KindResponse:
			t.deliver(msg)
		}
	}

	cause := t.stdout.Err()
	if cause == nil {
		cause = io.EOF
	}
	t.shutdown(backend.NewError(backend.ErrConnectionNotReady, "agent connection lost", cause))
}

func (t *StdioTransport) deliver(msg Message) {
	id, ok := msg.NumericID()
	if !ok {
		slog.Warn("dropping response with non-numeric id", "label", t.label, "id", string(msg.ID))
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if !ok {
		slog.Debug("dropping response for unknown request", "label", t.label, "id", id)
		return
	}

	if msg.Error != nil {
		ch <- rpcResult{err: msg.Error}
		return
	}
	ch <- rpcResult{result: msg.Result}
}

func (t *StdioTransport) stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// shutdown fails every pending request with err. Runs once.
func (t *StdioTransport) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		pending := t.pending
		t.pending = make(map[int64]chan rpcResult)
		close(t.done)
		t.mu.Unlock()

		for _, ch := range pending {
			ch <- rpcResult{err: err}
		}
	})
}

func (t *StdioTransport) write(msg Message) error {
	msg.JSONRPC = "2.0"
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Method, err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return backend.NewError(backend.ErrConnectionNotReady, "write to agent failed", err)
	}
	return nil
}

// Send sends a request and blocks for response
func (t *StdioTransport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}

	id := t.nextID.Add(1)
	ch := make(chan rpcResult, 1)

	t.mu.Lock()
	if t.stopped() {
		err := t.err
		t.mu.Unlock()
		return nil, err
	}
	t.pending[id] = ch
	t.mu.Unlock()

	msg := Message{
		ID:     json.RawMessage(strconv.FormatInt(id, 10)),
		Method: method,
		Params: paramsJSON,
	}
	if err := t.write(msg); err != nil {
		t.forget(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		t.forget(id)
		return nil, backend.NewError(backend.ErrTimeout, method+" did not complete", ctx.Err())
	}
}

func (t *StdioTransport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Notify sends a notification (no response expected)
func (t *StdioTransport) Notify(method string, params any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	return t.write(Message{Method: method, Params: paramsJSON})
}

// Respond sends a response to an incoming request
func (t *StdioTransport) Respond(id json.RawMessage, result any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return t.write(Message{ID: id, Result: resultJSON})
}

// RespondError sends an error response to an incoming request
func (t *StdioTransport) RespondError(id json.RawMessage, rpcErr *RPCError) error {
	return t.write(Message{ID: id, Error: rpcErr})
}

// OnMethod registers the handler for incoming methods
func (t *StdioTransport) OnMethod(handler MethodHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Pending returns the number of in-flight requests
func (t *StdioTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Done is closed once the transport stops
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the transport stopped
func (t *StdioTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close fails in-flight requests and closes stdin. Later inbound lines are dropped.
func (t *StdioTransport) Close() error {
	t.shutdown(backend.NewError(backend.ErrConnectionNotReady, "connection closed", ErrClosed))
	return t.stdin.Close()
}
