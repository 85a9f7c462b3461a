package config

import "acpdesk/backend"

// DefaultBackends is the built-in catalog of ACP agent CLIs
func DefaultBackends() []backend.AgentBackendConfig {
	return []backend.AgentBackendConfig{
		{
			ID:              "claude",
			Name:            "Claude Code",
			Command:         "claude-code-acp",
			InteractiveAuth: true,
			AuthCommand:     "claude",
			AuthArgs:        []string{"/login"},
			Streaming:       true,
		},
		{
			ID:              "gemini",
			Name:            "Gemini CLI",
			Command:         "gemini",
			Args:            []string{"--experimental-acp"},
			InteractiveAuth: true,
			AuthCommand:     "gemini",
			Streaming:       true,
		},
		{
			ID:        "codex",
			Name:      "Codex",
			Command:   "codex-acp",
			Streaming: true,
		},
		{
			ID:        "qwen",
			Name:      "Qwen Code",
			Command:   "qwen",
			Args:      []string{"--experimental-acp"},
			Streaming: true,
		},
		{
			ID:        "goose",
			Name:      "Goose",
			Command:   "goose",
			Args:      []string{"acp"},
			Streaming: true,
		},
		{
			ID:        "opencode",
			Name:      "OpenCode",
			Command:   "opencode",
			Args:      []string{"acp"},
			Streaming: true,
		},
	}
}
