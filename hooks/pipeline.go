package hooks

import "context"

// Pipeline runs the hook events an outbound user message goes through
type Pipeline struct {
	executor *Executor
}

// NewPipeline creates a pipeline over source
func NewPipeline(source Source) *Pipeline {
	return &Pipeline{executor: NewExecutor(source)}
}

// PrepareOutbound transforms a user message before it is sent. The
// on-send-message hooks run first; on the first message of a conversation
// the on-first-message hooks then splice their bootstrap text in front. A
// blocked outcome must not be sent.
func (p *Pipeline) PrepareOutbound(ctx context.Context, hctx Context, first bool) (Outcome, error) {
	out, err := p.executor.Run(ctx, EventSendMessage, hctx)
	if err != nil || out.Blocked || !first {
		return out, err
	}

	hctx.Content = out.Content
	boot, err := p.executor.Run(ctx, EventFirstMessage, hctx)
	boot.Ran = append(out.Ran, boot.Ran...)
	boot.Failed = append(out.Failed, boot.Failed...)
	return boot, err
}

// Run executes a single event
func (p *Pipeline) Run(ctx context.Context, event string, hctx Context) (Outcome, error) {
	return p.executor.Run(ctx, event, hctx)
}
