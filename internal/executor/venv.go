package executor

import (
	"os"
	"path/filepath"
	"runtime"
)

// venvBinDir resolves the directory to prepend to PATH for
// activate_venv=true, following spec.md §4.I's selection order: an
// explicit venv_path if it looks like a real venv, else
// <workspace>/.venv, else <workspace>/venv. Returns "" if none qualify.
func venvBinDir(venvPath, workspacePath string) string {
	if venvPath != "" && looksLikeVenv(venvPath) {
		return venvBin(venvPath)
	}
	for _, candidate := range []string{
		filepath.Join(workspacePath, ".venv"),
		filepath.Join(workspacePath, "venv"),
	} {
		if workspacePath != "" && looksLikeVenv(candidate) {
			return venvBin(candidate)
		}
	}
	return ""
}

// looksLikeVenv reports whether root contains the interpreter or
// activate script spec.md §4.I uses to recognize a venv directory.
func looksLikeVenv(root string) bool {
	if root == "" {
		return false
	}
	candidates := []string{
		filepath.Join(venvBin(root), pythonExeName()),
		filepath.Join(root, "bin", "activate"),
		filepath.Join(root, "Scripts", "activate"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return true
		}
	}
	return false
}

// venvBin returns the platform-specific interpreter directory within a
// venv root: Scripts on Windows, bin elsewhere.
func venvBin(root string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(root, "Scripts")
	}
	return filepath.Join(root, "bin")
}

func pythonExeName() string {
	if runtime.GOOS == "windows" {
		return "python.exe"
	}
	return "python"
}

// applyVenv prepends binDir to env's PATH entry (or appends one) and sets
// VIRTUAL_ENV, both child-only — the parent supervisor process's own
// environment is never touched.
func applyVenv(env []string, binDir string) []string {
	if binDir == "" {
		return env
	}
	out := make([]string, 0, len(env)+1)
	pathSet := false
	for _, kv := range env {
		if len(kv) > 5 && kv[:5] == "PATH=" {
			out = append(out, "PATH="+binDir+string(os.PathListSeparator)+kv[5:])
			pathSet = true
			continue
		}
		out = append(out, kv)
	}
	if !pathSet {
		out = append(out, "PATH="+binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
	out = append(out, "VIRTUAL_ENV="+filepath.Dir(binDir))
	return out
}
