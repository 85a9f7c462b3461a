package permission

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"acpdesk/backend"
)

// ErrTimeout is returned when a request is not answered before its context ends
var ErrTimeout = errors.New("permission request timed out")

// EventEmitter abstracts event emission (decoupled from Wails)
type EventEmitter interface {
	Emit(event backend.Event)
}

// Layer handles permission checks and user permission requests
type Layer struct {
	rules   *RuleSet
	emitter EventEmitter

	mu      sync.Mutex
	pending map[string]pendingRequest // request key -> waiter
}

type pendingRequest struct {
	req  backend.PermissionRequest
	resp chan string
}

// NewLayer creates a new permission layer
func NewLayer(rules *RuleSet, emitter EventEmitter) *Layer {
	return &Layer{
		rules:   rules,
		emitter: emitter,
		pending: make(map[string]pendingRequest),
	}
}

// Check returns the permission decision for a request
func (l *Layer) Check(req backend.PermissionRequest) Decision {
	return l.rules.Decide(req)
}

// Request resolves a permission request to an option id. Allowed and denied
// requests are answered from the rules; the rest are emitted as permission
// events and block until Respond is called or ctx ends. An empty option id
// means the request was cancelled.
func (l *Layer) Request(ctx context.Context, req backend.PermissionRequest) (string, error) {
	switch l.rules.Decide(req) {
	case Allow:
		if id := optionOfKind(req.Options, "allow_once", "allow_always"); id != "" {
			return id, nil
		}
	case Deny:
		return optionOfKind(req.Options, "reject_once", "reject_always"), nil
	}

	key := req.Key()
	respCh := make(chan string, 1)
	l.mu.Lock()
	l.pending[key] = pendingRequest{req: req, resp: respCh}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, key)
		l.mu.Unlock()
	}()

	l.emitter.Emit(backend.Event{
		Type:           backend.EventPermission,
		ConversationID: req.ConversationID,
		Data:           req,
	})

	select {
	case optionID := <-respCh:
		return optionID, nil
	case <-ctx.Done():
		return "", ErrTimeout
	}
}

// Respond unblocks a pending permission request. It reports whether a
// request was waiting under key.
func (l *Layer) Respond(key, optionID string) bool {
	l.mu.Lock()
	p, ok := l.pending[key]
	if ok {
		delete(l.pending, key)
	}
	l.mu.Unlock()

	if !ok {
		slog.Warn("permission response for unknown request", "key", key)
		return false
	}
	for _, opt := range p.req.Options {
		if opt.OptionID == optionID {
			l.rules.Remember(p.req, opt.Kind)
			break
		}
	}
	p.resp <- optionID
	return true
}

// Pending returns the requests currently waiting on the user
func (l *Layer) Pending() []backend.PermissionRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]backend.PermissionRequest, 0, len(l.pending))
	for _, p := range l.pending {
		out = append(out, p.req)
	}
	return out
}

// CancelConversation answers every pending request of a conversation with
// cancelled
func (l *Layer) CancelConversation(conversationID string) {
	l.mu.Lock()
	var waiting []pendingRequest
	for key, p := range l.pending {
		if p.req.ConversationID == conversationID {
			waiting = append(waiting, p)
			delete(l.pending, key)
		}
	}
	l.mu.Unlock()

	for _, p := range waiting {
		p.resp <- ""
	}
}

func optionOfKind(options []backend.PermOption, kinds ...string) string {
	for _, kind := range kinds {
		for _, opt := range options {
			if opt.Kind == kind {
				return opt.OptionID
			}
		}
	}
	return ""
}
