package hooks

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the loaded hooks
type Snapshot struct {
	byEvent  map[string][]Hook
	all      []Hook
	loadedAt time.Time
}

// Hooks returns the hooks registered for event, in execution order
func (s *Snapshot) Hooks(event string) []Hook {
	return append([]Hook(nil), s.byEvent[event]...)
}

// All returns every hook, disabled ones included
func (s *Snapshot) All() []Hook {
	return append([]Hook(nil), s.all...)
}

// LoadedAt reports when the snapshot was built
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

func newSnapshot(hooks []Hook) *Snapshot {
	s := &Snapshot{byEvent: make(map[string][]Hook), loadedAt: time.Now()}
	for _, h := range hooks {
		s.byEvent[h.Event] = append(s.byEvent[h.Event], h)
	}
	for event := range s.byEvent {
		sortHooks(s.byEvent[event])
	}
	s.all = append([]Hook(nil), hooks...)
	sortHooks(s.all)
	return s
}

// Registry holds the current hook snapshot. Readers never block; Reload
// builds a new snapshot from disk and swaps it in.
type Registry struct {
	loader   *Loader
	builtins []Hook

	reloadMu sync.Mutex
	current  atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry with the builtin hooks only. Call Reload to
// pick up hooks from disk.
func NewRegistry(loader *Loader, builtins ...Hook) *Registry {
	r := &Registry{loader: loader, builtins: builtins}
	r.current.Store(newSnapshot(builtins))
	return r
}

// Reload rebuilds the snapshot. Modules that fail to load are logged and
// left out; the error reports them.
func (r *Registry) Reload() error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	hooks := append([]Hook(nil), r.builtins...)
	var err error
	if r.loader != nil {
		var loaded []Hook
		loaded, err = r.loader.Load()
		hooks = append(hooks, loaded...)
		if err != nil {
			slog.Warn("some hooks failed to load", "error", err)
		}
	}
	r.current.Store(newSnapshot(hooks))
	slog.Debug("hooks reloaded", "count", len(hooks))
	return err
}

// Snapshot returns the current snapshot
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Hooks returns the current hooks for event
func (r *Registry) Hooks(event string) []Hook {
	return r.current.Load().Hooks(event)
}

// Loader returns the loader the registry reloads from
func (r *Registry) Loader() *Loader {
	return r.loader
}
