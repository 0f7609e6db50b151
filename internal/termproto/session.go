package termproto

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHeartbeatInterval is used when Config.Interval is zero.
const DefaultHeartbeatInterval = 15 * time.Second

// Handle processes one decoded message. typ identifies the variant; raw
// is the original line, to be re-decoded into the matching struct.
// Run passes only recognized types to a Handle; it logs and skips unknown
// types itself, and the session never closes on an unrecognized type
// (spec.md §4.J).
type Handle func(ctx context.Context, typ Type, raw []byte)

// Config configures a Session's heartbeat liveness tracking.
type Config struct {
	Interval        time.Duration
	OnHeartbeatLost func()
	Logger          *zap.Logger
}

// Session owns one terminal-worker connection: it frames inbound lines,
// dispatches known types to a Handle callback, answers/emits heartbeats,
// and declares the peer dead if no inbound heartbeat arrives within
// 2×Interval (spec.md §4.J).
type Session struct {
	conn   *Conn
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	lastHeartbeat time.Time
}

// NewSession wraps conn with liveness tracking per cfg.
func NewSession(conn *Conn, cfg Config) *Session {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		conn:          conn,
		cfg:           cfg,
		logger:        logger.Named("termproto"),
		lastHeartbeat: time.Now(),
	}
}

// Send writes v as one NDJSON line.
func (s *Session) Send(v any) error {
	return s.conn.Write(v)
}

// Run drives the read loop until the connection closes or ctx is
// cancelled, dispatching every recognized line to handle. Unknown types
// are logged and skipped without closing the connection.
func (s *Session) Run(ctx context.Context, handle Handle) error {
	go s.beginHeartbeat(ctx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, err := s.conn.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(line) == 0 {
			continue
		}

		typ, err := PeekType(line)
		if err != nil {
			s.logger.Warn("malformed terminal-worker line, skipping", zap.Error(err))
			continue
		}

		if typ == TypeHeartbeat {
			s.markAlive()
		}

		switch typ {
		case TypeCommandRequest, TypeCommandResponse, TypeOutputChunk,
			TypeReadOutputRequest, TypeReadOutputResponse,
			TypeKillSessionRequest, TypeKillSessionResponse,
			TypeSavedCommandsRequest, TypeSavedCommandsResponse,
			TypeHeartbeat:
			handle(ctx, typ, line)
		default:
			s.logger.Warn("unknown terminal-worker message type, ignoring", zap.String("type", string(typ)))
		}
	}
}

func (s *Session) markAlive() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *Session) sinceLastHeartbeat() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastHeartbeat)
}

// beginHeartbeat sends one outbound heartbeat per tick and closes the
// connection (after firing OnHeartbeatLost) once 2×Interval has elapsed
// without an inbound heartbeat.
func (s *Session) beginHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_ = s.Send(Heartbeat{Type: TypeHeartbeat, TimestampMs: now.UnixMilli()})
			if s.sinceLastHeartbeat() > 2*s.cfg.Interval {
				s.logger.Warn("terminal-worker heartbeat lost, closing session")
				if s.cfg.OnHeartbeatLost != nil {
					s.cfg.OnHeartbeatLost()
				}
				s.conn.Close()
				return
			}
		}
	}
}
