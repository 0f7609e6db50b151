package executor

import (
	"os"
)

// resolveWorkingDir implements spec.md §4.I's resolution order: the
// requested directory if it exists and is a directory; else the
// workspace path if valid; else the process's own cwd; else ".".
func resolveWorkingDir(requested, workspacePath string) string {
	if isDir(requested) {
		return requested
	}
	if isDir(workspacePath) {
		return workspacePath
	}
	if cwd, err := os.Getwd(); err == nil && cwd != "" {
		return cwd
	}
	return "."
}

func isDir(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
