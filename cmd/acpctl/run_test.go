package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"acpdesk/backend"
	"acpdesk/mission"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminal_RendersEvents(t *testing.T) {
	a := assert.New(t)

	// given
	var out, errOut bytes.Buffer
	term := newTerminal(&out, &errOut, strings.NewReader(""))

	// when
	term.Emit(backend.Event{Type: backend.EventContent, Data: "hello "})
	term.Emit(backend.Event{Type: backend.EventContent, Data: "world"})
	term.Emit(backend.Event{Type: backend.EventToolCall, Data: &backend.ToolCall{Title: "Read a.go", Status: backend.ToolCompleted}})
	term.Emit(backend.Event{Type: backend.EventError, Data: &backend.ErrorData{Kind: backend.ErrTimeout, Message: "slow"}})

	// then
	a.Equal("hello world", out.String())
	a.Contains(errOut.String(), "[tool] Read a.go (completed)")
	a.Contains(errOut.String(), "[error] timeout: slow")
}

func TestTerminal_AnswersPermission(t *testing.T) {
	r := require.New(t)

	// given
	var out, errOut bytes.Buffer
	term := newTerminal(&out, &errOut, strings.NewReader("2\n"))
	answered := make(chan string, 1)
	term.respond = func(key, optionID string) bool {
		answered <- key + "=" + optionID
		return true
	}

	// when
	term.Emit(backend.Event{Type: backend.EventPermission, Data: backend.PermissionRequest{
		ConversationID: "c1",
		RequestID:      "7",
		Title:          "rm -rf build",
		Kind:           "execute",
		Options: []backend.PermOption{
			{OptionID: "yes", Name: "Allow", Kind: "allow_once"},
			{OptionID: "no", Name: "Reject", Kind: "reject_once"},
		},
	}})

	// then
	select {
	case got := <-answered:
		r.Equal("c1/7=no", got)
	case <-time.After(2 * time.Second):
		t.Fatal("permission was not answered")
	}
}

func TestPrintMissions(t *testing.T) {
	a := assert.New(t)

	var buf bytes.Buffer
	printMissions(&buf, nil)
	a.Equal("No missions.\n", buf.String())

	buf.Reset()
	printMissions(&buf, []*mission.Mission{{
		ConversationID: "c1", TeamName: "core", ExternalID: "1",
		Subject: "Write parser", State: mission.StateInProgress, UpdatedAt: time.Now(),
	}})
	a.Contains(buf.String(), "Write parser")
	a.Contains(buf.String(), "in_progress")
}
