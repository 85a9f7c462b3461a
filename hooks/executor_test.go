package hooks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource []Hook

func (s staticSource) Hooks(event string) []Hook { return s }

func tag(name string) Handler {
	return HandlerFunc(func(ctx context.Context, hctx *Context) (*Result, error) {
		return Replace(hctx.Content + "[" + name + "]"), nil
	})
}

func hook(module string, priority int, h Handler) Hook {
	return Hook{Event: EventSendMessage, Priority: priority, Module: module, Enabled: true, Source: SourceAgent, Handler: h}
}

func TestExecutor_PriorityThenModuleName(t *testing.T) {
	a := assert.New(t)

	// given - priorities [10, 10, 5] on modules [b-hook, a-hook, c-hook]
	source := staticSource{
		hook("b-hook", 10, tag("b")),
		hook("a-hook", 10, tag("a")),
		hook("c-hook", 5, tag("c")),
	}
	executor := NewExecutor(source)

	// when
	out, err := executor.Run(context.Background(), EventSendMessage, Context{Content: "msg"})

	// then
	a.NoError(err)
	a.Equal([]string{"c-hook", "a-hook", "b-hook"}, out.Ran)
	a.Equal("msg[c][a][b]", out.Content)
	a.False(out.Blocked)
}

func TestExecutor_Deterministic(t *testing.T) {
	a := assert.New(t)

	// given - the same hooks registered in different orders
	hooks := []Hook{hook("x", 1, tag("x")), hook("y", 1, tag("y")), hook("z", 0, tag("z")), hook("w", 2, tag("w"))}
	reversed := []Hook{hooks[3], hooks[2], hooks[1], hooks[0]}

	// when
	first, _ := NewExecutor(staticSource(hooks)).Run(context.Background(), EventSendMessage, Context{Content: "m"})
	second, _ := NewExecutor(staticSource(reversed)).Run(context.Background(), EventSendMessage, Context{Content: "m"})
	third, _ := NewExecutor(staticSource(hooks)).Run(context.Background(), EventSendMessage, Context{Content: "m"})

	// then
	a.Equal(first, second)
	a.Equal(first, third)
	a.Equal("m[z][x][y][w]", first.Content)
}

func TestExecutor_ShortCircuitOnBlock(t *testing.T) {
	a := assert.New(t)

	// given - the second hook transforms and blocks
	called := false
	source := staticSource{
		hook("1-first", 1, tag("1")),
		hook("2-blocker", 2, HandlerFunc(func(ctx context.Context, hctx *Context) (*Result, error) {
			content := hctx.Content + "[2]"
			return &Result{Content: &content, Blocked: true, BlockReason: "secrets"}, nil
		})),
		hook("3-never", 3, HandlerFunc(func(ctx context.Context, hctx *Context) (*Result, error) {
			called = true
			return nil, nil
		})),
	}

	// when
	out, err := NewExecutor(source).Run(context.Background(), EventSendMessage, Context{Content: "m"})

	// then - content includes the blocker's change and nothing after it
	a.NoError(err)
	a.True(out.Blocked)
	a.Equal("secrets", out.BlockReason)
	a.Equal("m[1][2]", out.Content)
	a.Equal([]string{"1-first", "2-blocker"}, out.Ran)
	a.False(called)
}

func TestExecutor_FailingHooksAreSkipped(t *testing.T) {
	a := assert.New(t)

	// given - one hook errors and one panics
	source := staticSource{
		hook("a", 1, tag("a")),
		hook("b", 2, HandlerFunc(func(ctx context.Context, hctx *Context) (*Result, error) {
			return Replace("garbage"), errors.New("boom")
		})),
		hook("c", 3, HandlerFunc(func(ctx context.Context, hctx *Context) (*Result, error) {
			panic("kaboom")
		})),
		hook("d", 4, tag("d")),
	}

	// when
	out, err := NewExecutor(source).Run(context.Background(), EventSendMessage, Context{Content: "m"})

	// then - later hooks still run and failed results are ignored
	a.NoError(err)
	a.Equal("m[a][d]", out.Content)
	a.Equal([]string{"b", "c"}, out.Failed)
	a.Equal([]string{"a", "b", "c", "d"}, out.Ran)
}

func TestExecutor_SelectsEnabledHooksForEventAndScope(t *testing.T) {
	a := assert.New(t)

	// given
	disabled := hook("off", 1, tag("off"))
	disabled.Enabled = false
	other := hook("other-event", 1, tag("other"))
	other.Event = EventFirstMessage
	scoped := hook("writer/on-send-message", 1, tag("writer"))
	scoped.Scope = "writer"
	foreign := hook("coder/on-send-message", 1, tag("coder"))
	foreign.Scope = "coder"
	source := staticSource{disabled, other, scoped, foreign, hook("global", 2, tag("g"))}

	// when
	out, _ := NewExecutor(source).Run(context.Background(), EventSendMessage, Context{Content: "m", Assistant: "writer"})

	// then
	a.Equal("m[writer][g]", out.Content)
}

func TestExecutor_HandlersSeeEventFields(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given
	var seen Context
	source := staticSource{hook("spy", 1, HandlerFunc(func(ctx context.Context, hctx *Context) (*Result, error) {
		seen = *hctx
		hctx.EnabledSkills[0] = "mutated"
		return nil, nil
	}))}
	skills := []string{"pdf"}

	// when
	out, err := NewExecutor(source).Run(context.Background(), EventSendMessage, Context{
		Content:        "hello",
		Workspace:      "/w",
		Backend:        "claude",
		ConversationID: "conv-1",
		EnabledSkills:  skills,
	})

	// then - fields are passed and the caller's slice is untouched
	r.NoError(err)
	a.Equal(EventSendMessage, seen.Event)
	a.Equal("/w", seen.Workspace)
	a.Equal("claude", seen.Backend)
	a.Equal("conv-1", seen.ConversationID)
	a.Equal("pdf", skills[0])
	a.Equal("hello", out.Content)
}

func TestExecutor_CancelledContextStops(t *testing.T) {
	a := assert.New(t)

	// given
	ctx, cancel := context.WithCancel(context.Background())
	source := staticSource{
		hook("a", 1, HandlerFunc(func(context.Context, *Context) (*Result, error) {
			cancel()
			return Replace("changed"), nil
		})),
		hook("b", 2, tag("b")),
	}

	// when
	out, err := NewExecutor(source).Run(ctx, EventSendMessage, Context{Content: "m"})

	// then
	a.ErrorIs(err, context.Canceled)
	a.Equal([]string{"a"}, out.Ran)
	a.False(strings.Contains(out.Content, "[b]"))
}

func TestPipeline_PrepareOutbound(t *testing.T) {
	a := assert.New(t)

	// given - a send hook and a first-message bootstrap
	boot := hook("boot", 1, PrependText("RULES\n"))
	boot.Event = EventFirstMessage
	registry := NewRegistry(nil, hook("send", 1, tag("s")), boot)
	pipeline := NewPipeline(registry)

	// when
	first, err1 := pipeline.PrepareOutbound(context.Background(), Context{Content: "hi"}, true)
	later, err2 := pipeline.PrepareOutbound(context.Background(), Context{Content: "hi"}, false)

	// then
	a.NoError(err1)
	a.NoError(err2)
	a.Equal("RULES\nhi[s]", first.Content)
	a.Equal([]string{"send", "boot"}, first.Ran)
	a.Equal("hi[s]", later.Content)
}

func TestPipeline_BlockSkipsBootstrap(t *testing.T) {
	a := assert.New(t)

	// given
	blocker, err := BlockPattern(`(?i)password`, "")
	a.NoError(err)
	boot := hook("boot", 1, PrependText("RULES\n"))
	boot.Event = EventFirstMessage
	pipeline := NewPipeline(NewRegistry(nil, hook("guard", 1, blocker), boot))

	// when
	out, err := pipeline.PrepareOutbound(context.Background(), Context{Content: "my Password is x"}, true)

	// then
	a.NoError(err)
	a.True(out.Blocked)
	a.Contains(out.BlockReason, "password")
	a.Equal("my Password is x", out.Content)
	a.Equal([]string{"guard"}, out.Ran)
}
