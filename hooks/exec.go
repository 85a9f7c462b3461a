package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultExecTimeout bounds one external hook run
const DefaultExecTimeout = 10 * time.Second

// ExecHandler runs an external program as a hook. The context is written to
// its stdin as JSON; a JSON Result on stdout replaces the content or blocks.
// Empty stdout leaves the message unchanged.
type ExecHandler struct {
	Command string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// Handle runs the program once
func (h *ExecHandler) Handle(ctx context.Context, hctx *Context) (*Result, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(hctx)
	if err != nil {
		return nil, fmt.Errorf("encode hook context: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.Command, h.Args...)
	cmd.Dir = h.Dir
	cmd.Env = append(os.Environ(),
		"ACPDESK_HOOK_EVENT="+hctx.Event,
		"ACPDESK_CONVERSATION_ID="+hctx.ConversationID,
		"ACPDESK_WORKSPACE="+hctx.Workspace,
	)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(h.Command), ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", filepath.Base(h.Command), err, msg)
		}
		return nil, fmt.Errorf("%s: %w", filepath.Base(h.Command), err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	var res Result
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", filepath.Base(h.Command), err)
	}
	return &res, nil
}
