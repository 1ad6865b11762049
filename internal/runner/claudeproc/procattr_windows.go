//go:build windows

package claudeproc

import (
	"os"
	"os/exec"
)

func setProcGroup(cmd *exec.Cmd) {}

// Windows has no SIGTERM; termination is immediate in both cases.
func terminateProcessGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func killProcessGroup(pid int) error {
	return terminateProcessGroup(pid)
}
