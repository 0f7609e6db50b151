//go:build windows

package executor

import (
	"os/exec"

	"golang.org/x/sys/windows"
)

// configureChild starts the child detached in its own process group
// (matching runner.SetProcessGroup) and additionally suppresses its
// console window, which runner's own windows variant doesn't need since
// managed services are expected to run visibly under --debug.
func configureChild(cmd *exec.Cmd) {
	cmd.SysProcAttr = &windows.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.CREATE_NO_WINDOW,
	}
}
