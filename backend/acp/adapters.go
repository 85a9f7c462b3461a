package acp

import (
	"bufio"
	"encoding/json"
	"strconv"
	"strings"

	"acpdesk/backend"
)

// ToolEventAdapter adapts tool events from different ACP backends
type ToolEventAdapter interface {
	Name() string
	CanHandle(update UpdateContent) bool
	ToolName(update UpdateContent) string
	Content(update UpdateContent) []backend.ToolCallContent
}

// DefaultToolAdapters returns the default set of adapters
func DefaultToolAdapters() []ToolEventAdapter {
	return []ToolEventAdapter{
		ClaudeCodeAdapter{},
		GenericAdapter{},
	}
}

func adapterFor(update UpdateContent) ToolEventAdapter {
	for _, adapter := range DefaultToolAdapters() {
		if adapter.CanHandle(update) {
			return adapter
		}
	}
	return nil
}

// ClaudeCodeAdapter reads the tool name Claude Code puts in _meta
type ClaudeCodeAdapter struct{}

func (ClaudeCodeAdapter) Name() string {
	return "claude-code"
}

func (ClaudeCodeAdapter) CanHandle(update UpdateContent) bool {
	return update.Meta != nil && update.Meta.ClaudeCode != nil
}

func (ClaudeCodeAdapter) ToolName(update UpdateContent) string {
	return normalizeToolName(update.Meta.ClaudeCode.ToolName, "")
}

func (ClaudeCodeAdapter) Content(update UpdateContent) []backend.ToolCallContent {
	return parseToolContent(update.Content)
}

// GenericAdapter handles plain ACP tool events, including diffs reported in
// rawOutput metadata (OpenCode)
type GenericAdapter struct{}

func (GenericAdapter) Name() string {
	return "generic"
}

func (GenericAdapter) CanHandle(update UpdateContent) bool {
	return true
}

func (GenericAdapter) ToolName(update UpdateContent) string {
	return normalizeToolName(update.Title, firstNonEmpty(update.Kind, update.ToolKind))
}

func (GenericAdapter) Content(update UpdateContent) []backend.ToolCallContent {
	content := parseToolContent(update.Content)
	if update.RawOutput == nil || update.RawOutput.Metadata == nil {
		return content
	}
	hunks := parseUnifiedDiff(update.RawOutput.Metadata.Diff)
	if len(hunks) == 0 {
		return content
	}
	for i := range content {
		if content[i].Type == "diff" {
			content[i].Hunks = hunks
			return content
		}
	}
	return append(content, backend.ToolCallContent{
		Type:  "diff",
		Path:  update.RawOutput.Metadata.Filepath,
		Hunks: hunks,
	})
}

func resolveToolName(update UpdateContent) string {
	if adapter := adapterFor(update); adapter != nil {
		if name := adapter.ToolName(update); name != "" {
			return name
		}
	}
	return normalizeToolName(update.Title, "")
}

func toolContent(update UpdateContent) []backend.ToolCallContent {
	if adapter := adapterFor(update); adapter != nil {
		return adapter.Content(update)
	}
	return parseToolContent(update.Content)
}

// wireToolContent is one item of a tool call's content array
type wireToolContent struct {
	Type    string               `json:"type"`
	Content *backend.TextContent `json:"content,omitempty"`
	Path    string               `json:"path,omitempty"`
	OldText *string              `json:"oldText,omitempty"`
	NewText string               `json:"newText,omitempty"`
}

func parseToolContent(raw json.RawMessage) []backend.ToolCallContent {
	if len(raw) == 0 || raw[0] != '[' {
		return nil
	}
	var items []wireToolContent
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]backend.ToolCallContent, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case "diff":
			c := backend.ToolCallContent{Type: "diff", Path: item.Path, NewText: item.NewText}
			if item.OldText != nil {
				c.OldText = *item.OldText
			}
			c.Hunks = buildHunksFromTexts(c.OldText, c.NewText)
			out = append(out, c)
		case "content":
			if item.Content != nil {
				out = append(out, backend.ToolCallContent{Type: "text", Text: item.Content.Text})
			}
		}
	}
	return out
}

// normalizeKind folds ACP tool kinds onto read, edit and execute
func normalizeKind(kind string) string {
	switch strings.ToLower(kind) {
	case "":
		return ""
	case "read", "search", "fetch", "think":
		return "read"
	case "edit", "delete", "move":
		return "edit"
	case "execute":
		return "execute"
	}
	return kind
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func normalizeToolName(title, kind string) string {
	name := title
	if name == "" {
		name = kind
	}
	if strings.EqualFold(name, "edit") {
		return "Edit"
	}
	if strings.EqualFold(name, "write") {
		return "Write"
	}
	return name
}

func buildHunksFromTexts(oldText, newText string) []backend.PatchHunk {
	oldLines := splitLines(oldText)
	newLines := splitLines(newText)
	if len(oldLines) == 0 && len(newLines) == 0 {
		return nil
	}
	lines := make([]string, 0, len(oldLines)+len(newLines))
	for _, line := range oldLines {
		lines = append(lines, "-"+line)
	}
	for _, line := range newLines {
		lines = append(lines, "+"+line)
	}
	return []backend.PatchHunk{{
		OldStart: 1,
		OldLines: len(oldLines),
		NewStart: 1,
		NewLines: len(newLines),
		Lines:    lines,
	}}
}

func parseUnifiedDiff(diffText string) []backend.PatchHunk {
	if diffText == "" {
		return nil
	}
	scanner := bufio.NewScanner(strings.NewReader(diffText))
	var hunks []backend.PatchHunk
	var current *backend.PatchHunk
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "@@") {
			oldStart, oldLines, newStart, newLines, ok := parseHunkHeader(line)
			if !ok {
				current = nil
				continue
			}
			hunks = append(hunks, backend.PatchHunk{
				OldStart: oldStart,
				OldLines: oldLines,
				NewStart: newStart,
				NewLines: newLines,
			})
			current = &hunks[len(hunks)-1]
			continue
		}
		if current == nil || strings.HasPrefix(line, "\\") {
			continue
		}
		current.Lines = append(current.Lines, line)
	}
	return hunks
}

func parseHunkHeader(line string) (int, int, int, int, bool) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(line, "@@"))
	if i := strings.Index(trimmed, "@@"); i >= 0 {
		trimmed = strings.TrimSpace(trimmed[:i])
	}
	parts := strings.Fields(trimmed)
	if len(parts) < 2 {
		return 0, 0, 0, 0, false
	}
	oldStart, oldLines, ok := parseRange(strings.TrimPrefix(parts[0], "-"))
	if !ok {
		return 0, 0, 0, 0, false
	}
	newStart, newLines, ok := parseRange(strings.TrimPrefix(parts[1], "+"))
	if !ok {
		return 0, 0, 0, 0, false
	}
	return oldStart, oldLines, newStart, newLines, true
}

func parseRange(part string) (int, int, bool) {
	if part == "" {
		return 0, 0, false
	}
	pieces := strings.Split(part, ",")
	start, err := strconv.Atoi(pieces[0])
	if err != nil {
		return 0, 0, false
	}
	lines := 1
	if len(pieces) > 1 {
		lines, err = strconv.Atoi(pieces[1])
		if err != nil {
			return 0, 0, false
		}
	}
	return start, lines, true
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(normalized, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		return lines[:len(lines)-1]
	}
	return lines
}
