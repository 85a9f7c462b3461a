package hooks

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Manifest declares an agent-level hook module
type Manifest struct {
	Name    string                   `yaml:"name"`
	Enabled *bool                    `yaml:"enabled"`
	Events  map[string]ManifestEvent `yaml:"events"`
}

// ManifestEvent binds one event of a module to an external program or a
// builtin handler
type ManifestEvent struct {
	Priority *int           `yaml:"priority"`
	Enabled  *bool          `yaml:"enabled"`
	Exec     string         `yaml:"exec"`
	Args     []string       `yaml:"args"`
	Builtin  string         `yaml:"builtin"`
	With     map[string]any `yaml:"with"`
	Timeout  string         `yaml:"timeout"`
}

// Loader discovers hooks on disk. Assistant hooks live under
// <AssistantsDir>/<assistant>/hooks/<event> (one program) or
// <AssistantsDir>/<assistant>/hooks/<event>/* (several, run in name order).
// Agent hook modules are YAML manifests under AgentHooksDir.
type Loader struct {
	AssistantsDir string
	AgentHooksDir string
	ExecTimeout   time.Duration
	Builtins      map[string]BuiltinFactory
}

// interpreters for hook files that are not executable themselves
var interpreters = map[string]string{
	".sh": "sh",
	".py": "python3",
	".js": "node",
}

// Load reads every hook source. Broken modules are skipped and reported in
// the returned error; the hooks that did load are still returned.
func (l *Loader) Load() ([]Hook, error) {
	var hooks []Hook
	var errs []error

	if l.AssistantsDir != "" {
		h, err := l.loadAssistantHooks()
		hooks = append(hooks, h...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if l.AgentHooksDir != "" {
		h, err := l.loadManifests()
		hooks = append(hooks, h...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return hooks, errors.Join(errs...)
}

// Roots returns the directories hooks are loaded from
func (l *Loader) Roots() []string {
	var roots []string
	for _, dir := range []string{l.AssistantsDir, l.AgentHooksDir} {
		if dir != "" {
			roots = append(roots, dir)
		}
	}
	return roots
}

func (l *Loader) loadAssistantHooks() ([]Hook, error) {
	fsys := os.DirFS(l.AssistantsDir)
	entries, err := doublestar.Glob(fsys, "*/hooks/*")
	if err != nil {
		return nil, fmt.Errorf("discover assistant hooks: %w", err)
	}
	sort.Strings(entries)

	var hooks []Hook
	var errs []error
	for _, entry := range entries {
		parts := strings.Split(entry, "/")
		assistant, name := parts[0], parts[2]
		if strings.HasPrefix(name, ".") {
			continue
		}
		info, err := fs.Stat(fsys, entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if !info.IsDir() {
			event := strings.TrimSuffix(name, path.Ext(name))
			h, err := l.assistantHook(assistant, event, assistant+"/"+event, entry)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			hooks = append(hooks, h)
			continue
		}

		files, err := doublestar.Glob(fsys, entry+"/*")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sort.Strings(files)
		for _, file := range files {
			base := path.Base(file)
			if strings.HasPrefix(base, ".") {
				continue
			}
			finfo, err := fs.Stat(fsys, file)
			if err != nil || finfo.IsDir() {
				continue
			}
			h, err := l.assistantHook(assistant, name, assistant+"/"+name+"/"+base, file)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			hooks = append(hooks, h)
		}
	}
	return hooks, errors.Join(errs...)
}

func (l *Loader) assistantHook(assistant, event, module, rel string) (Hook, error) {
	full := filepath.Join(l.AssistantsDir, filepath.FromSlash(rel))
	handler, err := l.execHandler(full, nil, filepath.Dir(full), 0)
	if err != nil {
		return Hook{}, fmt.Errorf("assistant hook %s: %w", module, err)
	}
	return Hook{
		Event:    event,
		Priority: DefaultPriority,
		Module:   module,
		Enabled:  true,
		Source:   SourceAssistant,
		Scope:    assistant,
		Path:     full,
		Handler:  handler,
	}, nil
}

func (l *Loader) execHandler(program string, args []string, dir string, timeout time.Duration) (*ExecHandler, error) {
	info, err := os.Stat(program)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = l.ExecTimeout
	}
	if info.Mode()&0o111 != 0 {
		return &ExecHandler{Command: program, Args: args, Dir: dir, Timeout: timeout}, nil
	}
	interp, ok := interpreters[filepath.Ext(program)]
	if !ok {
		return nil, fmt.Errorf("%s is not executable", program)
	}
	return &ExecHandler{Command: interp, Args: append([]string{program}, args...), Dir: dir, Timeout: timeout}, nil
}

func (l *Loader) loadManifests() ([]Hook, error) {
	fsys := os.DirFS(l.AgentHooksDir)
	files, err := doublestar.Glob(fsys, "*.{yaml,yml}")
	if err != nil {
		return nil, fmt.Errorf("discover hook manifests: %w", err)
	}
	sort.Strings(files)

	var hooks []Hook
	var errs []error
	for _, file := range files {
		h, err := l.loadManifest(filepath.Join(l.AgentHooksDir, file))
		if err != nil {
			errs = append(errs, fmt.Errorf("hook manifest %s: %w", file, err))
			continue
		}
		hooks = append(hooks, h...)
	}
	return hooks, errors.Join(errs...)
}

func (l *Loader) loadManifest(file string) ([]Hook, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	if len(m.Events) == 0 {
		return nil, errors.New("no events declared")
	}
	moduleEnabled := m.Enabled == nil || *m.Enabled

	events := make([]string, 0, len(m.Events))
	for event := range m.Events {
		events = append(events, event)
	}
	sort.Strings(events)

	hooks := make([]Hook, 0, len(events))
	for _, event := range events {
		spec := m.Events[event]
		handler, err := l.manifestHandler(filepath.Dir(file), spec)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", event, err)
		}
		priority := DefaultPriority
		if spec.Priority != nil {
			priority = *spec.Priority
		}
		hooks = append(hooks, Hook{
			Event:    event,
			Priority: priority,
			Module:   m.Name,
			Enabled:  moduleEnabled && (spec.Enabled == nil || *spec.Enabled),
			Source:   SourceAgent,
			Path:     file,
			Handler:  handler,
		})
	}
	return hooks, nil
}

func (l *Loader) manifestHandler(dir string, spec ManifestEvent) (Handler, error) {
	switch {
	case spec.Exec != "" && spec.Builtin != "":
		return nil, errors.New("exec and builtin are mutually exclusive")
	case spec.Builtin != "":
		builtins := l.Builtins
		if builtins == nil {
			builtins = Builtins()
		}
		factory, ok := builtins[spec.Builtin]
		if !ok {
			return nil, fmt.Errorf("unknown builtin %q", spec.Builtin)
		}
		return factory(spec.With)
	case spec.Exec != "":
		var timeout time.Duration
		if spec.Timeout != "" {
			d, err := time.ParseDuration(spec.Timeout)
			if err != nil {
				return nil, fmt.Errorf("timeout: %w", err)
			}
			timeout = d
		}
		program := spec.Exec
		if !filepath.IsAbs(program) {
			program = filepath.Join(dir, program)
		}
		return l.execHandler(program, spec.Args, dir, timeout)
	default:
		return nil, errors.New("neither exec nor builtin set")
	}
}
