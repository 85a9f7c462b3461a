package supervisor

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"acpdesk/backend"

	"github.com/creack/pty"
)

// authTerminal is a PTY running a backend's login command
type authTerminal struct {
	id     string
	cmd    *exec.Cmd
	pty    *os.File
	cancel chan struct{}
}

// AuthTerminals runs interactive login commands for backends that need them
type AuthTerminals struct {
	mu        sync.RWMutex
	terminals map[string]*authTerminal
}

// NewAuthTerminals creates an empty terminal table
func NewAuthTerminals() *AuthTerminals {
	return &AuthTerminals{terminals: make(map[string]*authTerminal)}
}

// Start launches cfg's auth command in a PTY under id. Output is passed to
// onOutput; onExit runs once when the command ends.
func (m *AuthTerminals) Start(id string, cfg backend.AgentBackendConfig, cols, rows uint16, onOutput func([]byte), onExit func(error)) error {
	if !cfg.InteractiveAuth || cfg.AuthCommand == "" {
		return errors.New("backend " + cfg.ID + " has no interactive auth command")
	}
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.terminals[id]; ok {
		t.stop()
		delete(m.terminals, id)
	}

	cmd := exec.Command(cfg.AuthCommand, cfg.AuthArgs...)
	cmd.Env = cfg.Environ(nil)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return err
	}

	t := &authTerminal{
		id:     id,
		cmd:    cmd,
		pty:    ptmx,
		cancel: make(chan struct{}),
	}
	m.terminals[id] = t

	go m.readLoop(t, onOutput, onExit)
	return nil
}

func (m *AuthTerminals) readLoop(t *authTerminal, onOutput func([]byte), onExit func(error)) {
	buf := make([]byte, 4096)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 && onOutput != nil {
			out := make([]byte, n)
			copy(out, buf[:n])
			onOutput(out)
		}
		if err != nil {
			break
		}
	}

	select {
	case <-t.cancel:
		// stopped by us; stop() reaps the process
		return
	default:
	}
	err := t.cmd.Wait()
	slog.Info("auth terminal exited", "id", t.id, "error", err)

	m.mu.Lock()
	if m.terminals[t.id] == t {
		delete(m.terminals, t.id)
	}
	m.mu.Unlock()

	if onExit != nil {
		onExit(err)
	}
}

// Write sends input to a terminal
func (m *AuthTerminals) Write(id string, data []byte) {
	m.mu.RLock()
	t := m.terminals[id]
	m.mu.RUnlock()
	if t != nil {
		t.pty.Write(data)
	}
}

// Resize changes the PTY window size
func (m *AuthTerminals) Resize(id string, cols, rows uint16) {
	m.mu.RLock()
	t := m.terminals[id]
	m.mu.RUnlock()
	if t != nil {
		pty.Setsize(t.pty, &pty.Winsize{Cols: cols, Rows: rows})
	}
}

// Stop terminates a terminal
func (m *AuthTerminals) Stop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.terminals[id]; ok {
		t.stop()
		delete(m.terminals, id)
	}
}

// StopAll terminates every terminal
func (m *AuthTerminals) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.terminals {
		t.stop()
	}
	m.terminals = make(map[string]*authTerminal)
}

func (t *authTerminal) stop() {
	select {
	case <-t.cancel:
		return
	default:
		close(t.cancel)
	}
	t.pty.Close()
	t.cmd.Process.Kill()
	t.cmd.Wait()
}
