//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcAttr(cmd *exec.Cmd) {}

// Windows has no process groups to signal; fall back to killing the child.
func signalGroup(p *os.Process, _ syscall.Signal) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func killGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}
