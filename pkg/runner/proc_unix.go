//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the script in its own process group so that
// cancellation reaches every process it started, not only the leader.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}
