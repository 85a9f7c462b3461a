package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"acpdesk/backend"
	"acpdesk/backend/acp"
	"acpdesk/config"
	"acpdesk/hooks"
	"acpdesk/mission"
	"acpdesk/permission"
	"acpdesk/supervisor"
)

// Runtime is the fully wired engine for one process: mission store,
// permission layer, hook registry and the conversation manager
type Runtime struct {
	Config      *config.Config
	Supervisor  *supervisor.Supervisor
	Store       mission.Store
	Missions    *mission.Synchronizer
	Permissions *permission.Layer
	Hooks       *hooks.Registry
	Pipeline    *hooks.Pipeline
	Manager     *Manager

	watcher *hooks.Watcher
}

// NewRuntime opens the mission database, loads hooks and builds the manager.
// mcpServers may be nil.
func NewRuntime(ctx context.Context, cfg *config.Config, emitter Emitter, mcpServers func(conversationID, team string) []any) (*Runtime, error) {
	store, err := mission.OpenSQLite(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open mission store: %w", err)
	}

	rules := permission.DefaultRules()
	if cfg.AutoPermission {
		rules = permission.AutoRules()
	}
	var manager *Manager
	layer := permission.NewLayer(rules, EmitterFunc(func(ev backend.Event) { manager.Route(ev) }))

	registry := hooks.NewRegistry(&hooks.Loader{
		AssistantsDir: cfg.AssistantsDir,
		AgentHooksDir: cfg.AgentHooksDir,
		Builtins:      hooks.Builtins(),
	}, hooks.DefaultHooks(cfg.SkillsDir)...)
	if err := registry.Reload(); err != nil {
		slog.Warn("starting with partial hooks", "error", err)
	}

	rt := &Runtime{
		Config:      cfg,
		Supervisor:  supervisor.New(),
		Store:       store,
		Missions:    mission.NewSynchronizer(store, emitter),
		Permissions: layer,
		Hooks:       registry,
		Pipeline:    hooks.NewPipeline(registry),
	}

	if cfg.WatchHooks {
		w, err := hooks.NewWatcher(registry, 0)
		if err == nil {
			err = w.Start()
		}
		if err != nil {
			slog.Warn("hook hot reload disabled", "error", err)
		} else {
			rt.watcher = w
		}
	}

	manager = New(Options{
		Backend: acp.NewACPBackend(rt.Supervisor,
			acp.WithPermissions(layer),
			acp.WithRequestTimeouts(cfg.PermissionTimeout, cfg.FsRequestTimeout),
			acp.WithAutoPermission(cfg.AutoPermission),
			acp.WithSandboxedFs(cfg.SandboxFs),
		),
		Emitter:     emitter,
		Hooks:       rt.Pipeline,
		Missions:    rt.Missions,
		Permissions: layer,
		DefaultTeam: cfg.DefaultTeam,
		MCPServers:  mcpServers,
	})
	rt.Manager = manager
	return rt, nil
}

// StartOptions fills the backend of opts from the configured catalog
func (rt *Runtime) StartOptions(backendID string, opts StartOptions) (StartOptions, error) {
	b, err := rt.Config.Backend(backendID)
	if err != nil {
		return opts, err
	}
	opts.Backend = b
	if opts.SkillsSourceDir == "" {
		opts.SkillsSourceDir = rt.Config.SkillsDir
	}
	return opts, nil
}

// Close shuts every conversation down and releases the store
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.Manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown conversations: %w", err))
	}
	if rt.watcher != nil {
		if err := rt.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.Supervisor.KillAll()
	if err := rt.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
