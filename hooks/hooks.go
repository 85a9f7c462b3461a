// Package hooks runs ordered, short-circuiting transforms over outbound user
// messages. Hooks come from code (builtins), from per-assistant hook files and
// from agent-level YAML manifests; all of them are normalized into Hook.
package hooks

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Pipeline events
const (
	EventSendMessage  = "on-send-message"
	EventFirstMessage = "on-first-message"
)

// Hook sources
const (
	SourceBuiltin   = "builtin"
	SourceAssistant = "assistant"
	SourceAgent     = "agent"
)

// DefaultPriority is used for hooks that do not declare one
const DefaultPriority = 100

// Context is what a handler sees. Content, Blocked and BlockReason carry the
// result accumulated by the hooks that ran before it.
type Context struct {
	Event           string   `json:"event"`
	Content         string   `json:"content"`
	Workspace       string   `json:"workspace"`
	Backend         string   `json:"backend"`
	Assistant       string   `json:"assistant,omitempty"`
	EnabledSkills   []string `json:"enabledSkills"`
	ConversationID  string   `json:"conversationId"`
	PresetContext   string   `json:"presetContext,omitempty"`
	SkillsSourceDir string   `json:"skillsSourceDir,omitempty"`
	Blocked         bool     `json:"blocked"`
	BlockReason     string   `json:"blockReason,omitempty"`

	Utils Utils `json:"-"`
}

// Result is what a handler returns. A nil Content leaves the message as is.
type Result struct {
	Content     *string `json:"content,omitempty"`
	Blocked     bool    `json:"blocked,omitempty"`
	BlockReason string  `json:"blockReason,omitempty"`
}

// Replace returns a result that sets the content
func Replace(content string) *Result {
	return &Result{Content: &content}
}

// Block returns a result that stops the pipeline
func Block(reason string) *Result {
	return &Result{Blocked: true, BlockReason: reason}
}

// Handler transforms or gates a message. Returning a nil result and a nil
// error leaves the context unchanged.
type Handler interface {
	Handle(ctx context.Context, hctx *Context) (*Result, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, hctx *Context) (*Result, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, hctx *Context) (*Result, error) {
	return f(ctx, hctx)
}

// Hook is the normalized shape every source is loaded into
type Hook struct {
	Event    string
	Priority int
	Module   string
	Enabled  bool
	Source   string
	// Scope limits the hook to one assistant; empty applies to all
	Scope   string
	Path    string
	Handler Handler
}

func (h Hook) String() string {
	return fmt.Sprintf("%s:%s(%d)", h.Event, h.Module, h.Priority)
}

// Utils is the small filesystem surface offered to in-process handlers
type Utils struct{}

// ReadFile returns the file content as a string
func (Utils) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes content, creating parent directories
func (u Utils) WriteFile(path, content string) error {
	if err := u.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// Exists reports whether path exists
func (Utils) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir creates dir and its parents
func (Utils) EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// CopyDirectory copies the tree under src into dst
func (Utils) CopyDirectory(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}

// Join joins path elements
func (Utils) Join(elem ...string) string {
	return filepath.Join(elem...)
}
