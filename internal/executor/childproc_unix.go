//go:build !windows

package executor

import (
	"os/exec"

	"github.com/ds-codi/pm-supervisor/internal/runner"
)

// configureChild adopts the child into its own process group so a
// timeout/kill can take down the whole tree (see runner.SetProcessGroup).
func configureChild(cmd *exec.Cmd) {
	runner.SetProcessGroup(cmd)
}
