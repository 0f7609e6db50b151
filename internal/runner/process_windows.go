//go:build windows

package runner

import (
	"os/exec"

	"golang.org/x/sys/windows"
)

// SetProcessGroup starts the child detached in its own process group so
// CTRL_BREAK_EVENT can be delivered to the whole tree; a Job object would
// be a further step but the process-group flag alone already prevents the
// supervisor's own console signals from reaching children unexpectedly.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &windows.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}

// KillProcessGroup terminates the child process directly. Windows has no
// direct analog to POSIX process-group signaling via Kill(-pgid); a Job
// object handle would be needed for recursive termination of
// grandchildren, which Start does not currently create.
func KillProcessGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
