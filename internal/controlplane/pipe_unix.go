//go:build !windows

package controlplane

import (
	"fmt"
	"net"
	"os"
)

// listenPipe binds a Unix domain socket at path — the closest POSIX
// analog to a Windows named pipe, and what the "named_pipe" transport
// resolves to on Linux/macOS.
func listenPipe(path string) (net.Listener, error) {
	_ = os.Remove(path) // clear a stale socket file from a prior crashed run
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("controlplane: failed to listen on socket %s: %w", path, err)
	}
	return ln, nil
}
