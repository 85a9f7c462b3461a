package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Source provides the hooks registered for an event
type Source interface {
	Hooks(event string) []Hook
}

// Outcome is the folded result of one pipeline run
type Outcome struct {
	Content     string
	Blocked     bool
	BlockReason string
	// Ran lists the modules that were invoked, in order
	Ran []string
	// Failed lists the modules whose handler errored or panicked
	Failed []string
}

// Executor runs the hooks of an event in order
type Executor struct {
	source Source
}

// NewExecutor creates an executor over source
func NewExecutor(source Source) *Executor {
	return &Executor{source: source}
}

// Run folds hctx through every enabled hook for event, lowest priority first
// with ties broken by module name. A failing hook is logged and skipped. The
// run stops at the first hook that blocks. The error is only set when ctx
// ends mid-run, in which case the message must not be sent.
func (e *Executor) Run(ctx context.Context, event string, hctx Context) (Outcome, error) {
	hooks := Select(e.source.Hooks(event), event, hctx.Assistant)

	out := Outcome{Content: hctx.Content}
	for _, h := range hooks {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		c := hctx
		c.Event = event
		c.Content = out.Content
		c.Blocked = false
		c.BlockReason = ""
		c.EnabledSkills = append([]string(nil), hctx.EnabledSkills...)

		out.Ran = append(out.Ran, h.Module)
		res, err := invoke(ctx, h, &c)
		if err != nil {
			slog.Warn("hook failed, skipping", "event", event, "module", h.Module, "source", h.Source, "conversation_id", hctx.ConversationID, "error", err)
			out.Failed = append(out.Failed, h.Module)
			continue
		}
		if res == nil {
			continue
		}
		if res.Content != nil {
			out.Content = *res.Content
		}
		if res.Blocked {
			out.Blocked = true
			out.BlockReason = res.BlockReason
			if out.BlockReason == "" {
				out.BlockReason = "blocked by " + h.Module
			}
			slog.Info("message blocked by hook", "event", event, "module", h.Module, "conversation_id", hctx.ConversationID, "reason", out.BlockReason)
			return out, nil
		}
	}
	return out, nil
}

// Select returns the enabled hooks for event that apply to assistant, in
// execution order
func Select(hooks []Hook, event, assistant string) []Hook {
	var out []Hook
	for _, h := range hooks {
		if h.Event != event || !h.Enabled || h.Handler == nil {
			continue
		}
		if h.Scope != "" && h.Scope != assistant {
			continue
		}
		out = append(out, h)
	}
	sortHooks(out)
	return out
}

func sortHooks(hooks []Hook) {
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Priority != hooks[j].Priority {
			return hooks[i].Priority < hooks[j].Priority
		}
		return hooks[i].Module < hooks[j].Module
	})
}

func invoke(ctx context.Context, h Hook, hctx *Context) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("hook %s panicked: %v", h.Module, p)
		}
	}()
	return h.Handler.Handle(ctx, hctx)
}
