package acp

import (
	"context"
	"fmt"
	"time"

	"acpdesk/backend"
	"acpdesk/supervisor"
)

// exitDrain is how long the read loop may keep draining stdout after the
// agent process has exited
const exitDrain = time.Second

// ACPBackend implements AgentBackend for ACP agent CLIs
type ACPBackend struct {
	supervisor        *supervisor.Supervisor
	permissions       PermissionLayer
	permissionTimeout time.Duration
	fsTimeout         time.Duration
	autoPermission    bool
	sandboxFs         bool
}

// BackendOption configures an ACPBackend
type BackendOption func(*ACPBackend)

// WithPermissions routes permission requests to layer
func WithPermissions(layer PermissionLayer) BackendOption {
	return func(b *ACPBackend) {
		b.permissions = layer
	}
}

// WithRequestTimeouts bounds permission and fs requests
func WithRequestTimeouts(permission, fs time.Duration) BackendOption {
	return func(b *ACPBackend) {
		b.permissionTimeout = permission
		b.fsTimeout = fs
	}
}

// WithAutoPermission approves every permission request
func WithAutoPermission(auto bool) BackendOption {
	return func(b *ACPBackend) {
		b.autoPermission = auto
	}
}

// WithSandboxedFs refuses fs requests outside the session workdir
func WithSandboxedFs(sandbox bool) BackendOption {
	return func(b *ACPBackend) {
		b.sandboxFs = sandbox
	}
}

// NewACPBackend creates a new ACP backend
func NewACPBackend(sup *supervisor.Supervisor, opts ...BackendOption) *ACPBackend {
	b := &ACPBackend{
		supervisor:        sup,
		permissionTimeout: DefaultPermissionTimeout,
		fsTimeout:         DefaultFsTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open spawns the agent, performs initialize and session/new (or
// session/load when resuming) and returns a ready session.
func (b *ACPBackend) Open(ctx context.Context, opts backend.SessionOpts) (backend.Session, error) {
	cfg := opts.Backend
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := opts.ConversationID
	label := cfg.ID + ":" + key

	proc, err := b.supervisor.Spawn(ctx, key, supervisor.Spec{
		Command: cfg.Command,
		Args:    cfg.Args,
		Dir:     opts.Workdir,
		Env:     cfg.Environ(opts.Env),
		Label:   label,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.ID, err)
	}

	transport := NewStdioTransport(proc.Stdin(), proc.Stdout(), label)
	proc.OnExit(func(exitErr error) {
		select {
		case <-transport.Done():
			return
		case <-time.After(exitDrain):
		}
		cause := exitErr
		if cause == nil {
			cause = supervisor.ErrExited
		}
		transport.shutdown(backend.NewError(backend.ErrConnectionNotReady, "agent process exited", cause))
	})

	fs := HostFs{}
	if b.sandboxFs {
		fs.Root = opts.Workdir
	}
	client := NewClient(ClientConfig{
		Transport:      transport,
		ConversationID: opts.ConversationID,
		EventChan:      opts.EventChan,
		AutoPermission: b.autoPermission,
	},
		WithPermissionLayer(b.permissions),
		WithFsHandler(fs),
		WithTimeouts(b.permissionTimeout, b.fsTimeout),
	)
	sess := &session{Client: client, kill: func() { b.supervisor.Kill(key) }}

	client.emit(backend.EventAgentStatus, "", backend.StatusData{Status: backend.StatusConnecting, Backend: cfg.ID})
	if _, err := client.Initialize(ctx); err != nil {
		sess.Close()
		return nil, backend.Classify(err)
	}
	client.emit(backend.EventAgentStatus, "", backend.StatusData{Status: backend.StatusConnected, Backend: cfg.ID})

	if opts.ResumeSessionID != "" {
		err = client.LoadSession(ctx, opts.ResumeSessionID, opts.Workdir, opts.MCPServers)
	} else {
		err = client.NewSession(ctx, opts.Workdir, opts.MCPServers)
	}
	if err != nil {
		sess.Close()
		ee := backend.Classify(err)
		if ee.Kind == backend.ErrAuthenticationFailed && cfg.InteractiveAuth {
			ee.Message = fmt.Sprintf("%s needs you to log in (run %s)", cfg.Name, cfg.AuthCommand)
		}
		return nil, ee
	}

	client.emit(backend.EventAgentStatus, "", backend.StatusData{
		Status:    backend.StatusSessionActive,
		Backend:   cfg.ID,
		SessionID: client.SessionID(),
	})
	return sess, nil
}

// session ties a client to its supervised process
type session struct {
	*Client
	kill func()
}

// Close stops the client and the agent process
func (s *session) Close() error {
	err := s.Client.Close()
	s.kill()
	return err
}
