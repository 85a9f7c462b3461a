package engine

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"acpdesk/backend"
	"acpdesk/backend/acp"
)

// fakeAgentEnv switches the test binary into a scripted ACP agent
const fakeAgentEnv = "ACPDESK_FAKE_AGENT"

func TestMain(m *testing.M) {
	if os.Getenv(fakeAgentEnv) == "1" {
		runFakeAgent(os.Stdin, os.Stdout)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// fakeAgent answers by prompt keyword:
//
//	crash      exits without answering
//	permission asks to run a command and echoes the chosen option
//	todos      reports a todo list through a tool call
//	hang       thinks, then holds the turn until session/cancel
//
// Anything else is echoed back as one message chunk.
type fakeAgent struct {
	out       *json.Encoder
	sessionID string
	prompt    json.RawMessage // id of the turn waiting for a permission answer or cancel
}

func runFakeAgent(r io.Reader, w io.Writer) {
	a := &fakeAgent{out: json.NewEncoder(w), sessionID: "fake-session"}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var msg acp.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		a.handle(msg)
	}
}

func (a *fakeAgent) send(msg acp.Message) {
	msg.JSONRPC = "2.0"
	_ = a.out.Encode(msg)
}

func (a *fakeAgent) reply(id json.RawMessage, result any) {
	data, _ := json.Marshal(result)
	a.send(acp.Message{ID: id, Result: data})
}

func (a *fakeAgent) update(u acp.UpdateContent) {
	data, _ := json.Marshal(acp.SessionUpdate{SessionID: a.sessionID, Update: u})
	a.send(acp.Message{Method: acp.MethodSessionUpdate, Params: data})
}

func (a *fakeAgent) say(text string) {
	content, _ := json.Marshal(map[string]string{"type": "text", "text": text})
	a.update(acp.UpdateContent{SessionUpdate: acp.UpdateAgentMessageChunk, Content: content})
}

func (a *fakeAgent) handle(msg acp.Message) {
	switch {
	case msg.Method == acp.MethodInitialize:
		a.reply(msg.ID, acp.InitializeResult{ProtocolVersion: 1})
	case msg.Method == acp.MethodSessionNew:
		a.reply(msg.ID, acp.SessionNewResult{SessionID: a.sessionID})
	case msg.Method == acp.MethodSessionSetMode:
		a.reply(msg.ID, struct{}{})
	case msg.Method == acp.MethodSessionCancel:
		if a.prompt != nil {
			a.reply(a.prompt, acp.SessionPromptResult{StopReason: "cancelled"})
			a.prompt = nil
		}
	case msg.Method == acp.MethodSessionPrompt:
		a.prompted(msg)
	case msg.Method == "" && string(msg.ID) == "900":
		a.permissionAnswered(msg)
	}
}

func (a *fakeAgent) prompted(msg acp.Message) {
	var params acp.SessionPromptParams
	_ = json.Unmarshal(msg.Params, &params)
	text := ""
	if len(params.Prompt) > 0 {
		text = params.Prompt[0].Text
	}

	switch {
	case strings.Contains(text, "crash"):
		os.Exit(3)
	case strings.Contains(text, "permission"):
		a.prompt = msg.ID
		a.update(acp.UpdateContent{
			SessionUpdate: acp.UpdateToolCall,
			ToolCallID:    "t-perm",
			Title:         "rm -rf build",
			Kind:          "execute",
			Status:        "pending",
		})
		data, _ := json.Marshal(acp.PermissionRequest{
			SessionID: a.sessionID,
			ToolCall:  acp.ToolCallInfo{ToolCallID: "t-perm", Title: "rm -rf build", Kind: "execute"},
			Options: []backend.PermOption{
				{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
				{OptionID: "reject", Name: "Reject", Kind: "reject_once"},
			},
		})
		a.send(acp.Message{ID: json.RawMessage("900"), Method: acp.MethodRequestPermission, Params: data})
		return
	case strings.Contains(text, "hang"):
		a.prompt = msg.ID
		thought, _ := json.Marshal(map[string]string{"type": "text", "text": "waiting"})
		a.update(acp.UpdateContent{SessionUpdate: acp.UpdateAgentThoughtChunk, Content: thought})
		return
	case strings.Contains(text, "todos"):
		a.update(acp.UpdateContent{
			SessionUpdate: acp.UpdateToolCall,
			ToolCallID:    "t-todo",
			Title:         "TodoWrite",
			Kind:          "other",
			Status:        "completed",
			RawInput: map[string]any{
				"team": "core",
				"todos": []any{
					map[string]any{"id": "1", "content": "Write the parser", "status": "in_progress"},
					map[string]any{"id": "2", "content": "Ship it", "status": "pending"},
				},
			},
		})
		a.say("planned")
	default:
		a.say("echo: " + text)
	}
	a.reply(msg.ID, acp.SessionPromptResult{StopReason: "end_turn"})
}

func (a *fakeAgent) permissionAnswered(msg acp.Message) {
	var resp acp.PermissionResponse
	_ = json.Unmarshal(msg.Result, &resp)
	if resp.Outcome.Outcome == "selected" {
		a.say("selected:" + resp.Outcome.OptionID)
	} else {
		a.say(resp.Outcome.Outcome)
	}
	if a.prompt != nil {
		a.reply(a.prompt, acp.SessionPromptResult{StopReason: "end_turn"})
		a.prompt = nil
	}
}
