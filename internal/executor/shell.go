package executor

import "runtime"

// buildShellArgv selects the shell invocation for command given a
// requested terminal_profile and the host OS, generalizing
// arkeep/agent/internal/hooks/runner.go's buildShellCmd (which only ever
// chose between /bin/sh and cmd) to the profile set spec.md §4.I names.
func buildShellArgv(profile, command string) (name string, args []string) {
	switch profile {
	case "powershell":
		return "powershell", []string{"-NoProfile", "-Command", command}
	case "cmd":
		return "cmd", []string{"/C", command}
	case "bash":
		return "bash", []string{"-lc", command}
	case "sh":
		return "sh", []string{"-c", command}
	}

	if runtime.GOOS == "windows" {
		return "cmd", []string{"/C", command}
	}
	return "sh", []string{"-c", command}
}

// supportsReentry reports whether profile maps to a shell that is worth
// keeping alive across commands for the same session (spec.md §4.I)
// rather than spawning fresh each time. PowerShell sessions carry
// meaningful state (imported modules, $PWD) that's worth preserving;
// one-shot sh/cmd invocations don't.
func supportsReentry(profile string) bool {
	return profile == "powershell"
}
