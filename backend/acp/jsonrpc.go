package acp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRequestAborted = -32800
)

// Message is one JSON-RPC 2.0 message
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// MessageKind classifies a decoded message
type MessageKind int

const (
	KindRequest MessageKind = iota + 1
	KindResponse
	KindNotification
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	}
	return "unknown"
}

// Kind returns the message shape. Method is checked before ID since
// requests have both.
func (m Message) Kind() MessageKind {
	hasID := len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
	switch {
	case m.Method != "" && hasID:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case hasID && (m.Result != nil || m.Error != nil):
		return KindResponse
	}
	return 0
}

// NumericID returns the id as an integer when it is one
func (m Message) NumericID() (int64, bool) {
	id, err := strconv.ParseInt(string(m.ID), 10, 64)
	return id, err == nil
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorCode exposes the code for error classification
func (e *RPCError) ErrorCode() int {
	return e.Code
}

// DecodeError describes a wire line that could not be used
type DecodeError struct {
	Line   string
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Cause)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

const maxLoggedLine = 200

// Decode parses one wire line into a message
func Decode(line []byte) (Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Message{}, &DecodeError{Reason: "empty line"}
	}
	if trimmed[0] != '{' {
		return Message{}, &DecodeError{Line: clip(trimmed), Reason: "not a JSON object"}
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Message{}, &DecodeError{Line: clip(trimmed), Reason: "invalid JSON", Cause: err}
	}
	if msg.JSONRPC != "2.0" {
		return Message{}, &DecodeError{Line: clip(trimmed), Reason: fmt.Sprintf("unsupported jsonrpc version %q", msg.JSONRPC)}
	}
	if msg.Kind() == 0 {
		return Message{}, &DecodeError{Line: clip(trimmed), Reason: "neither request, response nor notification"}
	}
	return msg, nil
}

func clip(b []byte) string {
	if len(b) > maxLoggedLine {
		return string(b[:maxLoggedLine]) + "..."
	}
	return string(b)
}
