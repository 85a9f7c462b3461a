package acp

import (
	"encoding/json"
	"fmt"
	"testing"

	"acpdesk/backend"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textChunk(kind, text string) UpdateContent {
	raw, _ := json.Marshal(backend.TextContent{Type: "text", Text: text})
	return UpdateContent{SessionUpdate: kind, Content: raw}
}

func TestReduce_ChunksAccumulateUntilFlush(t *testing.T) {
	a := assert.New(t)

	// given
	s := SessionState{MsgID: "m1"}

	// when
	s, c1 := Reduce(s, textChunk(UpdateAgentMessageChunk, "Hel"))
	s, _ = Reduce(s, textChunk(UpdateAgentMessageChunk, "lo"))
	s, c3 := Reduce(s, textChunk(UpdateAgentThoughtChunk, "hmm"))

	// then
	a.Equal(ChangeMessage, c1.Kind)
	a.Equal("Hel", c1.Chunk)
	a.Equal(ChangeThought, c3.Kind)
	a.Equal("Hello", s.Message)
	a.Equal("hmm", s.Thought)

	// when - the turn ends
	s, turn := Flush(s)

	// then - buffers and message id reset
	a.Equal("m1", turn.MsgID)
	a.Equal("Hello", turn.Message)
	a.Empty(s.Message)
	a.Empty(s.Thought)
	a.Empty(s.MsgID)
}

func TestReduce_ToolCallUpsertNeverDuplicates(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given - a tool call followed by a repeated tool_call and several updates
	s := SessionState{}
	s, _ = Reduce(s, UpdateContent{SessionUpdate: UpdateToolCall, ToolCallID: "t1", Title: "Read file", Kind: "read", Status: "pending"})
	s, _ = Reduce(s, UpdateContent{SessionUpdate: UpdateToolCall, ToolCallID: "t1", Title: "Read main.go"})
	statuses := []string{"in_progress", "in_progress", "completed"}
	var last Change
	for i, st := range statuses {
		content := fmt.Sprintf(`[{"type":"content","content":{"type":"text","text":"step %d"}}]`, i)
		s, last = Reduce(s, UpdateContent{SessionUpdate: UpdateToolCallUpdate, ToolCallID: "t1", Status: st, Content: json.RawMessage(content)})
	}

	// then - one entry with the latest status and content
	r.Len(s.ToolCalls, 1)
	r.Len(s.ToolOrder, 1)
	tc := s.ToolCalls["t1"]
	a.Equal("completed", tc.Status)
	a.Equal("Read main.go", tc.Title)
	a.Equal("read", tc.Kind)
	r.Len(tc.Content, 1)
	a.Equal("step 2", tc.Content[0].Text)
	a.Equal(ChangeToolCall, last.Kind)
	a.Equal("completed", last.ToolCall.Status)
}

func TestReduce_UnknownToolCallUpdateIsNoop(t *testing.T) {
	a := assert.New(t)

	// given
	s := SessionState{MsgID: "m1", Message: "hi"}
	s, _ = Reduce(s, UpdateContent{SessionUpdate: UpdateToolCall, ToolCallID: "known"})
	before := s.Clone()

	// when
	after, change := Reduce(s, UpdateContent{SessionUpdate: UpdateToolCallUpdate, ToolCallID: "ghost", Status: "completed"})

	// then
	a.Equal(before, after)
	a.Equal(ChangeNone, change.Kind)
	a.Contains(change.Dropped, "ghost")
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	a := assert.New(t)

	// given
	s0, _ := Reduce(SessionState{}, UpdateContent{SessionUpdate: UpdateToolCall, ToolCallID: "t1", Status: "pending"})
	snapshot := s0.Clone()

	// when
	_, _ = Reduce(s0, UpdateContent{SessionUpdate: UpdateToolCallUpdate, ToolCallID: "t1", Status: "completed"})
	_, _ = Reduce(s0, UpdateContent{SessionUpdate: UpdateToolCall, ToolCallID: "t2"})

	// then
	a.Equal(snapshot, s0)
}

func TestReduce_PlanReplaces(t *testing.T) {
	a := assert.New(t)

	s := SessionState{}
	s, _ = Reduce(s, UpdateContent{SessionUpdate: UpdatePlan, Entries: []backend.PlanEntry{{Content: "a"}, {Content: "b"}}})
	s, change := Reduce(s, UpdateContent{SessionUpdate: UpdatePlan, Entries: []backend.PlanEntry{{Content: "c"}}})

	a.Equal(ChangePlan, change.Kind)
	a.Equal([]backend.PlanEntry{{Content: "c"}}, s.Plan)
}

func TestReduce_ModeIsInformational(t *testing.T) {
	a := assert.New(t)

	// given - a tool call in progress
	s, _ := Reduce(SessionState{}, UpdateContent{SessionUpdate: UpdateToolCall, ToolCallID: "t1", Status: "in_progress"})

	// when
	s, change := Reduce(s, UpdateContent{SessionUpdate: UpdateCurrentMode, CurrentModeID: "plan"})
	s, _ = Reduce(s, UpdateContent{SessionUpdate: UpdateToolCallUpdate, ToolCallID: "t1", Status: "completed"})

	// then
	a.Equal(ChangeMode, change.Kind)
	a.Equal("plan", s.ModeID)
	a.Equal("completed", s.ToolCalls["t1"].Status)
}

func TestReduce_ConcurrentToolCalls(t *testing.T) {
	a := assert.New(t)

	s := SessionState{}
	s, _ = Reduce(s, UpdateContent{SessionUpdate: UpdateToolCall, ToolCallID: "a", Status: "in_progress"})
	s, _ = Reduce(s, UpdateContent{SessionUpdate: UpdateToolCall, ToolCallID: "b", Status: "in_progress"})
	s, _ = Reduce(s, UpdateContent{SessionUpdate: UpdateToolCallUpdate, ToolCallID: "b", Status: "completed"})

	a.Equal([]string{"a", "b"}, s.ToolOrder)
	a.Equal("in_progress", s.ToolCalls["a"].Status)

	// flush keeps only the open call
	s, turn := Flush(s)
	a.Len(turn.ToolCalls, 2)
	a.Equal([]string{"a"}, s.ToolOrder)
}

func TestReduce_CommandsAndUserChunks(t *testing.T) {
	a := assert.New(t)

	s := SessionState{}
	s, change := Reduce(s, UpdateContent{SessionUpdate: UpdateAvailableCommands, AvailableCommands: []backend.AvailableCommand{{Name: "init"}}})
	a.Equal(ChangeCommands, change.Kind)
	s, change = Reduce(s, textChunk(UpdateUserMessageChunk, "replayed"))
	a.Equal(ChangeUserMessage, change.Kind)
	a.Equal("replayed", s.UserMessage)

	_, change = Reduce(s, UpdateContent{SessionUpdate: "something_new"})
	a.Equal(ChangeNone, change.Kind)
	a.NotEmpty(change.Dropped)
}
