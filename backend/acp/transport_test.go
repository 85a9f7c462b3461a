package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"acpdesk/backend"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent is the far side of a pipe pair
type fakeAgent struct {
	in  *bufio.Reader  // what the transport wrote
	out *io.PipeWriter // what the transport reads
	inR *io.PipeReader
}

func newPipeTransport(t *testing.T) (*StdioTransport, *fakeAgent) {
	serverReader, clientWriter := io.Pipe() // client writes to server
	clientReader, serverWriter := io.Pipe() // server writes to client
	transport := NewStdioTransport(clientWriter, clientReader, "test")
	agent := &fakeAgent{in: bufio.NewReader(serverReader), out: serverWriter, inR: serverReader}
	t.Cleanup(func() {
		transport.Close()
		serverWriter.Close()
		serverReader.Close()
	})
	return transport, agent
}

func (a *fakeAgent) readMessage(t *testing.T) Message {
	t.Helper()
	line, err := a.in.ReadBytes('\n')
	require.NoError(t, err)
	msg, err := Decode(line)
	require.NoError(t, err)
	return msg
}

func (a *fakeAgent) write(t *testing.T, line string) {
	t.Helper()
	_, err := a.out.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func TestTransport_SendReceive(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given
	transport, agent := newPipeTransport(t)
	go func() {
		req := agent.readMessage(t)
		resp, _ := json.Marshal(Message{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"echoed":true}`)})
		agent.out.Write(append(resp, '\n'))
	}()

	// when
	result, err := transport.Send(context.Background(), "test/echo", map[string]string{"msg": "hello"})

	// then
	r.NoError(err)
	a.JSONEq(`{"echoed":true}`, string(result))
	a.Equal(0, transport.Pending())
}

func TestTransport_IDsIncrease(t *testing.T) {
	a := assert.New(t)

	// given
	transport, agent := newPipeTransport(t)
	ids := make(chan int64, 2)
	go func() {
		for i := 0; i < 2; i++ {
			req := agent.readMessage(t)
			id, _ := req.NumericID()
			ids <- id
			agent.write(t, `{"jsonrpc":"2.0","id":`+string(req.ID)+`,"result":{}}`)
		}
	}()

	// when
	_, err1 := transport.Send(context.Background(), "a", nil)
	_, err2 := transport.Send(context.Background(), "b", nil)

	// then
	a.NoError(err1)
	a.NoError(err2)
	first, second := <-ids, <-ids
	a.Less(first, second)
}

func TestTransport_ErrorResponse(t *testing.T) {
	a := assert.New(t)

	// given
	transport, agent := newPipeTransport(t)
	go func() {
		req := agent.readMessage(t)
		agent.write(t, `{"jsonrpc":"2.0","id":`+string(req.ID)+`,"error":{"code":-32000,"message":"Authentication required"}}`)
	}()

	// when
	_, err := transport.Send(context.Background(), "session/new", nil)

	// then
	var rpcErr *RPCError
	a.True(errors.As(err, &rpcErr))
	a.Equal(-32000, rpcErr.Code)
	a.Equal(backend.ErrAuthenticationFailed, backend.Classify(err).Kind)
}

func TestTransport_MalformedLinesAreDropped(t *testing.T) {
	a := assert.New(t)

	// given
	transport, agent := newPipeTransport(t)
	got := make(chan string, 4)
	transport.OnMethod(func(method string, params json.RawMessage, id json.RawMessage) {
		got <- method
	})

	// when - garbage surrounds a valid notification
	agent.write(t, `Starting agent v1.2...`)
	agent.write(t, `{"jsonrpc":"2.0","method":`)
	agent.write(t, `{"jsonrpc":"1.0","method":"x"}`)
	agent.write(t, ``)
	agent.write(t, `{"jsonrpc":"2.0","method":"session/update","params":{}}`)

	// then - only the valid one is dispatched and the transport stays up
	select {
	case m := <-got:
		a.Equal("session/update", m)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}
	a.Nil(transport.Err())
}

func TestTransport_RequestsReachHandlerWithID(t *testing.T) {
	a := assert.New(t)

	// given
	transport, agent := newPipeTransport(t)
	type call struct {
		method string
		id     json.RawMessage
	}
	got := make(chan call, 1)
	transport.OnMethod(func(method string, params json.RawMessage, id json.RawMessage) {
		got <- call{method, id}
	})

	// when
	agent.write(t, `{"jsonrpc":"2.0","id":7,"method":"fs/read_text_file","params":{"path":"/x"}}`)

	// then
	c := <-got
	a.Equal("fs/read_text_file", c.method)
	a.Equal("7", string(c.id))

	// and responses echo the id
	go func() { _ = transport.Respond(c.id, ReadTextFileResult{Content: "hi"}) }()
	resp := agent.readMessage(t)
	a.Equal(KindResponse, resp.Kind())
	a.Equal("7", string(resp.ID))
	a.JSONEq(`{"content":"hi"}`, string(resp.Result))
}

func TestTransport_CloseFailsPendingRequests(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given - two requests in flight that the agent never answers
	transport, agent := newPipeTransport(t)
	var seen []Message
	var seenMu sync.Mutex
	go func() {
		for {
			line, err := agent.in.ReadBytes('\n')
			if err != nil {
				return
			}
			if msg, err := Decode(line); err == nil {
				seenMu.Lock()
				seen = append(seen, msg)
				seenMu.Unlock()
			}
		}
	}()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := transport.Send(context.Background(), "session/prompt", nil)
			errs <- err
		}()
	}
	r.Eventually(func() bool { return transport.Pending() == 2 }, 2*time.Second, 5*time.Millisecond)

	// when
	r.NoError(transport.Close())

	// then - both fail as retryable connection errors
	for i := 0; i < 2; i++ {
		err := <-errs
		ee := backend.Classify(err)
		a.Equal(backend.ErrConnectionNotReady, ee.Kind)
		a.True(ee.Retryable)
		a.ErrorIs(err, ErrClosed)
	}

	// and late responses are dropped
	seenMu.Lock()
	ids := make([]json.RawMessage, 0, len(seen))
	for _, m := range seen {
		ids = append(ids, m.ID)
	}
	seenMu.Unlock()
	go func() {
		for _, id := range ids {
			agent.out.Write([]byte(`{"jsonrpc":"2.0","id":` + string(id) + `,"result":{}}` + "\n"))
		}
	}()
	a.Equal(0, transport.Pending())

	_, err := transport.Send(context.Background(), "after", nil)
	a.Equal(backend.ErrConnectionNotReady, backend.Classify(err).Kind)
}

func TestTransport_EOFFailsPendingRequests(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given
	transport, agent := newPipeTransport(t)
	go func() { agent.readMessage(t) }()
	errs := make(chan error, 1)
	go func() {
		_, err := transport.Send(context.Background(), "session/prompt", nil)
		errs <- err
	}()
	r.Eventually(func() bool { return transport.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	// when - the agent's stdout closes (process died)
	agent.out.Close()

	// then
	err := <-errs
	ee := backend.Classify(err)
	a.Equal(backend.ErrConnectionNotReady, ee.Kind)
	a.True(ee.Retryable)
	<-transport.Done()
}

func TestTransport_SendHonoursContext(t *testing.T) {
	a := assert.New(t)

	// given
	transport, agent := newPipeTransport(t)
	go func() { agent.readMessage(t) }()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// when
	_, err := transport.Send(ctx, "slow", nil)

	// then
	a.Equal(backend.ErrTimeout, backend.Classify(err).Kind)
	a.Equal(0, transport.Pending())
}
