//go:build windows

package controlplane

import (
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// listenPipe binds a Windows named pipe at path (e.g. "\\.\pipe\pm-supervisor").
func listenPipe(path string) (net.Listener, error) {
	ln, err := winio.ListenPipe(path, nil)
	if err != nil {
		return nil, fmt.Errorf("controlplane: failed to listen on pipe %s: %w", path, err)
	}
	return ln, nil
}
