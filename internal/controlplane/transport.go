// Package controlplane implements the NDJSON control-plane listener of
// spec.md §4.G: one listener per configured transport (named pipe or
// loopback TCP), framing each request/response as a single JSON object
// per line. The "spawn a listener goroutine, hand each accepted
// connection to its own handler goroutine, shut down on ctx.Done()"
// shape follows arkeep/server/internal/grpc/server.go's ListenAndServe;
// the per-connection line-framing follows the StdioWorker bufio.Reader
// pattern in
// _examples/afaraha8403-MCP-Scooter/internal/domain/discovery/stdio.go.
package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Transport selects which listener kind to bind.
type Transport string

const (
	TransportNamedPipe Transport = "named_pipe"
	TransportTCP       Transport = "tcp"
)

// Request is one decoded inbound NDJSON line. Type is the discriminator
// naming the request variant (spec.md §4.G); Raw keeps the original bytes
// so the handler can re-decode into a variant-specific struct.
type Request struct {
	Type string
	Raw  json.RawMessage
}

// Envelope is the uniform outbound response shape spec.md §4.G defines.
type Envelope struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  any         `json:"data,omitempty"`
}

// Handler processes one decoded request and returns the envelope to
// write back. Implementations must not block longer than a single
// request (spec.md §4.H) — long operations are awaited but concurrent
// connections are not serialized against each other.
type Handler func(ctx context.Context, req Request) Envelope

// Config configures a Server built by NewServer.
type Config struct {
	Transport    Transport
	PipePath     string // named_pipe: OS pipe path, or a unix socket path on non-Windows
	TCPAddress   string // tcp: "127.0.0.1:PORT"
	Logger       *zap.Logger
}

// Server accepts control-plane connections and dispatches each line to
// Handler.
type Server struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger

	ln net.Listener
	wg sync.WaitGroup
}

// NewServer builds a Server. Call Start to begin accepting connections.
func NewServer(cfg Config, handler Handler) *Server {
	return &Server{cfg: cfg, handler: handler, logger: cfg.Logger.Named("controlplane")}
}

// Start binds the configured transport's listener and begins accepting
// connections on a background goroutine. Returns once bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	switch s.cfg.Transport {
	case TransportTCP:
		ln, err := net.Listen("tcp", s.cfg.TCPAddress)
		if err != nil {
			return nil, fmt.Errorf("controlplane: failed to listen on %s: %w", s.cfg.TCPAddress, err)
		}
		return ln, nil
	case TransportNamedPipe:
		return listenPipe(s.cfg.PipePath)
	default:
		return nil, fmt.Errorf("controlplane: unknown transport %q", s.cfg.Transport)
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn reads one JSON object per line until EOF or an unrecoverable
// error. An unknown "type" produces an error envelope without closing the
// connection (spec.md §4.G/§4.J).
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			s.handleLine(ctx, conn, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("control connection read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) handleLine(ctx context.Context, conn net.Conn, line []byte) {
	var envelope Envelope

	var discriminator struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &discriminator); err != nil || discriminator.Type == "" {
		envelope = Envelope{OK: false, Error: "malformed request: missing \"type\""}
	} else {
		req := Request{Type: discriminator.Type, Raw: json.RawMessage(line)}
		envelope = s.handler(ctx, req)
	}

	out, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Error("failed to marshal response envelope", zap.Error(err))
		return
	}
	out = append(out, '\n')
	if _, err := conn.Write(out); err != nil {
		s.logger.Debug("control connection write error", zap.Error(err))
	}
}

// Stop waits for in-flight connections to finish (ctx cancellation closes
// the listener, which unblocks Accept; see acceptLoop).
func (s *Server) Stop() {
	s.wg.Wait()
}
