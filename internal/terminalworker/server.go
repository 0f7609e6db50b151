// Package terminalworker hosts the supervisor side of the NDJSON terminal
// worker protocol (spec.md §4.J): a loopback TCP listener accepting one
// connection per terminal session, each framed and liveness-tracked by
// internal/termproto and dispatched into internal/executor and
// internal/savedcommands. The listen/accept/per-connection-goroutine shape
// mirrors internal/controlplane's Server, generalized from a single
// request/envelope exchange to a tagged message family that also carries
// asynchronous output_chunk notifications ahead of a command's final
// response.
package terminalworker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ds-codi/pm-supervisor/internal/executor"
	"github.com/ds-codi/pm-supervisor/internal/savedcommands"
	"github.com/ds-codi/pm-supervisor/internal/termproto"
)

// Config wires a Server to its collaborators. Command-lifecycle bridge
// notifications are the executor's concern (executor.Config.Bridge), not
// this package's — the worker connection only frames and routes messages.
type Config struct {
	ListenAddr        string
	Executor          *executor.Executor
	SavedCommands     *savedcommands.Store
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// Server accepts terminal-worker connections and dispatches each one's
// NDJSON messages to the executor/saved-commands store.
type Server struct {
	cfg    Config
	logger *zap.Logger

	ln net.Listener
	wg sync.WaitGroup
}

// New builds a Server. Call Start to begin accepting connections.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, logger: logger.Named("terminalworker")}
}

// Start binds cfg.ListenAddr and begins accepting connections on a
// background goroutine. Returns once bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("terminalworker: failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
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

// serveConn wraps one accepted connection in a termproto.Session and drives
// it until the peer disconnects, a heartbeat is lost, or ctx is cancelled.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	conn := termproto.NewConn(nc)
	defer conn.Close()

	sess := termproto.NewSession(conn, termproto.Config{
		Interval: s.cfg.HeartbeatInterval,
		Logger:   s.logger,
	})

	d := &dispatcher{
		cfg:     s.cfg,
		session: sess,
		logger:  s.logger,
	}

	if err := sess.Run(ctx, d.handle); err != nil {
		s.logger.Debug("terminal-worker session ended", zap.Error(err))
	}
}

// Stop waits for in-flight connections to finish (ctx cancellation closes
// the listener, which unblocks Accept).
func (s *Server) Stop() {
	s.wg.Wait()
}
