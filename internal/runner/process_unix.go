//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// SetProcessGroup puts the child in its own process group so the whole
// tree can be signaled together on Stop.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// KillProcessGroup sends SIGTERM to the negative pid (the process group),
// falling back to a direct kill of the leader if the group signal fails.
func KillProcessGroup(cmd *exec.Cmd) error {
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
