package termproto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// maxLineBytes bounds a single NDJSON line, generous enough for a
// saved_commands_response carrying a full command list.
const maxLineBytes = 8 * 1024 * 1024

// Conn frames NDJSON messages over a net.Conn: one JSON object per line,
// writes serialized against concurrent senders.
type Conn struct {
	nc     net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
}

// NewConn wraps nc for NDJSON framing.
func NewConn(nc net.Conn) *Conn {
	r := bufio.NewReaderSize(nc, 64*1024)
	return &Conn{nc: nc, reader: r}
}

// ReadLine blocks for the next newline-terminated message and returns it
// without the trailing newline. Returns io.EOF when the peer closes the
// connection, and an error for a line longer than maxLineBytes.
func (c *Conn) ReadLine() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	if len(line) > maxLineBytes {
		return nil, fmt.Errorf("termproto: line exceeds %d bytes", maxLineBytes)
	}
	if err != nil {
		if len(line) > 0 {
			return line, nil
		}
		return nil, err
	}
	return line, nil
}

// Write marshals v and writes it as one NDJSON line.
func (c *Conn) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("termproto: failed to marshal message: %w", err)
	}
	b = append(b, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.nc.Write(b); err != nil {
		return fmt.Errorf("termproto: failed to write message: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}
