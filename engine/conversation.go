package engine

import (
	"log/slog"
	"sync"
	"time"

	"acpdesk/backend"
	"acpdesk/hooks"
)

// conversation is one agent session plus the goroutines that serve it
type conversation struct {
	m         *Manager
	id        string
	opts      StartOptions
	startedAt time.Time

	events     chan backend.Event
	stop       chan struct{}
	stopOnce   sync.Once
	bridgeDone chan struct{}
	exited     chan struct{}

	mu      sync.Mutex
	sess    backend.Session
	closing bool
	turns   sync.WaitGroup
	// exitReported is set when a turn already failed because the agent went away
	exitReported bool

	// sendMu serializes outbound messages; firstSent is guarded by it
	sendMu    sync.Mutex
	firstSent bool
}

func newConversation(m *Manager, opts StartOptions) *conversation {
	return &conversation{
		m:          m,
		id:         opts.ConversationID,
		opts:       opts,
		startedAt:  time.Now(),
		events:     make(chan backend.Event, eventBuffer),
		stop:       make(chan struct{}),
		bridgeDone: make(chan struct{}),
		exited:     make(chan struct{}),
		firstSent:  opts.ResumeSessionID != "",
	}
}

func (c *conversation) setSession(sess backend.Session) {
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
}

func (c *conversation) session() backend.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *conversation) info() ConversationInfo {
	return ConversationInfo{
		ID:        c.id,
		Backend:   c.opts.Backend.ID,
		SessionID: c.session().SessionID(),
		Workdir:   c.opts.Workdir,
		Assistant: c.opts.Assistant,
		Team:      c.opts.Team,
		StartedAt: c.startedAt,
	}
}

func (c *conversation) hookContext(text string) hooks.Context {
	return hooks.Context{
		Content:         text,
		Workspace:       c.opts.Workdir,
		Backend:         c.opts.Backend.ID,
		Assistant:       c.opts.Assistant,
		EnabledSkills:   c.opts.EnabledSkills,
		ConversationID:  c.id,
		PresetContext:   c.opts.PresetContext,
		SkillsSourceDir: c.opts.SkillsSourceDir,
	}
}

// beginTurn registers an in-flight turn unless the conversation is ending
func (c *conversation) beginTurn() (backend.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.sess == nil {
		return nil, false
	}
	c.turns.Add(1)
	return c.sess, true
}

// endTurn records whether the turn ended because the connection did
func (c *conversation) endTurn(sess backend.Session, err error) {
	if err != nil {
		select {
		case <-sess.Done():
			c.mu.Lock()
			c.exitReported = true
			c.mu.Unlock()
		default:
		}
	}
	c.turns.Done()
}

// publish queues an engine-originated event behind the agent's events
func (c *conversation) publish(t backend.EventType, data any) {
	c.enqueue(backend.Event{Type: t, ConversationID: c.id, Data: data})
}

// enqueue reports false when the bridge has already stopped
func (c *conversation) enqueue(ev backend.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.bridgeDone:
		return false
	}
}

// bridge forwards events to the emitter until stopped, then drains what is
// already queued
func (c *conversation) bridge() {
	defer close(c.bridgeDone)
	for {
		select {
		case ev := <-c.events:
			c.forward(ev)
		case <-c.stop:
			for {
				select {
				case ev := <-c.events:
					c.forward(ev)
				default:
					return
				}
			}
		}
	}
}

func (c *conversation) forward(ev backend.Event) {
	c.m.emit(ev)
	if ev.Type == backend.EventToolCall {
		if tc, ok := ev.Data.(*backend.ToolCall); ok {
			c.m.syncToolCall(c, tc)
		}
	}
}

func (c *conversation) stopBridge() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.bridgeDone
}

// watch waits for the connection to end and reports it exactly once. When a
// turn was cut short by the exit it has already emitted error and finish;
// otherwise watch emits them.
func (c *conversation) watch() {
	sess := c.session()
	<-sess.Done()

	c.mu.Lock()
	explicit := c.closing
	c.closing = true
	c.mu.Unlock()

	if p := c.m.opts.Permissions; p != nil {
		p.CancelConversation(c.id)
	}
	c.turns.Wait()

	c.mu.Lock()
	reported := c.exitReported
	c.mu.Unlock()

	if !explicit {
		ee := backend.NewError(backend.ErrConnectionNotReady, "agent process exited", sess.Err())
		slog.Warn("agent disconnected", "conversation_id", c.id, "backend", c.opts.Backend.ID, "session_id", sess.SessionID(), "error", sess.Err())
		if !reported {
			c.publish(backend.EventError, ee.Data())
			c.publish(backend.EventFinish, backend.FinishData{Error: ee.Data()})
		}
	}
	c.publish(backend.EventAgentStatus, backend.StatusData{
		Status:    backend.StatusDisconnected,
		Backend:   c.opts.Backend.ID,
		SessionID: sess.SessionID(),
	})

	if err := sess.Close(); err != nil {
		slog.Debug("session close", "conversation_id", c.id, "error", err)
	}
	c.stopBridge()
	c.m.remove(c.id)
	close(c.exited)
}

// close ends the session and waits for the exit to be reported
func (c *conversation) close() error {
	c.mu.Lock()
	c.closing = true
	sess := c.sess
	c.mu.Unlock()

	if p := c.m.opts.Permissions; p != nil {
		p.CancelConversation(c.id)
	}
	err := sess.Close()
	<-c.exited
	return err
}
