package acp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FsHandler answers fs/* requests from the agent
type FsHandler interface {
	ReadTextFile(ctx context.Context, req ReadTextFileParams) (*ReadTextFileResult, error)
	WriteTextFile(ctx context.Context, req WriteTextFileParams) error
}

// HostFs reads and writes the host filesystem. When Root is set, paths
// outside it are refused.
type HostFs struct {
	Root string
}

func (h HostFs) resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		if h.Root == "" {
			return "", fmt.Errorf("path must be absolute: %s", path)
		}
		path = filepath.Join(h.Root, path)
	}
	path = filepath.Clean(path)
	if h.Root != "" {
		rel, err := filepath.Rel(filepath.Clean(h.Root), path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path outside workspace: %s", path)
		}
	}
	return path, nil
}

// ReadTextFile returns the file contents, optionally sliced by 1-based line
// and limit. Missing files read as empty.
func (h HostFs) ReadTextFile(ctx context.Context, req ReadTextFileParams) (*ReadTextFileResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := h.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &ReadTextFileResult{Content: ""}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	content := string(data)
	if req.Line > 0 || req.Limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if req.Line > 0 {
			start = req.Line - 1
		}
		if start >= len(lines) {
			content = ""
		} else {
			end := len(lines)
			if req.Limit > 0 && start+req.Limit < end {
				end = start + req.Limit
			}
			content = strings.Join(lines[start:end], "\n")
		}
	}
	return &ReadTextFileResult{Content: content}, nil
}

// WriteTextFile writes the file, creating parent directories
func (h HostFs) WriteTextFile(ctx context.Context, req WriteTextFileParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := h.resolve(req.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
