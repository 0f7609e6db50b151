// Package proxy implements the reverse HTTP proxy of spec.md §4.F: a
// single loopback listener that forwards /mcp to the pool's currently
// least-loaded instance, answers /health locally, and streams a
// heartbeat (and optional data-change events) SSE feed to subscribers.
//
// Routing itself follows chi the way
// arkeep/server/internal/api/router.go wires its middleware chain
// (RequestID, RealIP, request logging, Recoverer); the forwarding
// semantics — hop-by-hop header stripping, streamed (never buffered)
// response bodies, a connect-only timeout with no overall deadline, no
// redirect following — are carried over unchanged from
// original_source/supervisor/src/proxy.rs's forward()/start_proxy(),
// translated from axum+reqwest to net/http/httputil.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// maxBodyBytes caps forwarded request bodies at 16 MiB (spec.md §4.F).
const maxBodyBytes = 16 * 1024 * 1024

var hopByHopRequestHeaders = []string{"Connection", "Transfer-Encoding", "Te", "Trailer", "Upgrade", "Host"}
var hopByHopResponseHeaders = []string{"Connection", "Transfer-Encoding", "Te", "Trailer", "Upgrade", "Keep-Alive"}

// HeartbeatEvent mirrors original_source/supervisor/src/proxy.rs's
// HeartbeatEvent exactly (spec.md §4.F).
type HeartbeatEvent struct {
	TimestampMs   int64 `json:"timestamp_ms"`
	MCPProxyPort  int   `json:"mcp_proxy_port"`
	PoolBasePort  int   `json:"pool_base_port"`
	PoolInstances int   `json:"pool_instances"`
	MCPHealthy    bool  `json:"mcp_healthy"`
}

// Config wires the proxy to its surrounding state.
type Config struct {
	BindAddress      string
	BasePort         int
	MCPProxyPort     int
	DispatchPort     func() int
	PoolInstances    func() int
	MCPHealthy       func() bool
	HeartbeatPeriod  time.Duration
	EventsEnabled    bool
	MetricsHandler   http.Handler
}

// Proxy is the reverse-proxy HTTP server.
type Proxy struct {
	cfg    Config
	logger *zap.Logger
	client *http.Client

	heartbeatHub *sseHub
	eventsHub    *sseHub
	eventsEmitted atomic.Uint64

	server *http.Server
}

// New builds a Proxy. Call Start to begin serving and BeginHeartbeat to
// start the periodic broadcast.
func New(cfg Config, logger *zap.Logger) *Proxy {
	return &Proxy{
		cfg:    cfg,
		logger: logger.Named("proxy"),
		client: &http.Client{
			// Connect-timeout only, via a custom Transport dialer — no overall
			// request deadline, since MCP tool calls and SSE streams are
			// long-lived (spec.md §4.F).
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		heartbeatHub: newSSEHub(),
		eventsHub:    newSSEHub(),
	}
}

// Router builds the chi router implementing spec.md §4.F's route table.
func (p *Proxy) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(p.logger))
	r.Use(middleware.Recoverer)

	r.Handle("/mcp", http.HandlerFunc(p.handleMCP))
	r.Get("/health", p.handleLocalHealth)
	r.Get("/api/health", p.handleLocalHealth)
	r.Get("/supervisor/heartbeat", p.handleHeartbeatSSE)
	if p.cfg.EventsEnabled {
		r.Get("/supervisor/events", p.handleEventsSSE)
	}
	if p.cfg.MetricsHandler != nil {
		r.Handle("/metrics", p.cfg.MetricsHandler)
	}
	r.NotFound(p.handlePassthrough)

	return r
}

// Start begins serving on cfg.BindAddress. Returns once the listener is
// bound; Serve runs in the background and is stopped via Shutdown.
func (p *Proxy) Start() error {
	p.server = &http.Server{Addr: p.cfg.BindAddress, Handler: p.Router()}
	ln, err := net.Listen("tcp", p.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("proxy: failed to bind %s: %w", p.cfg.BindAddress, err)
	}
	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error("proxy server exited", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

// BeginHeartbeat starts the periodic HeartbeatEvent broadcast on its own
// goroutine, stopped when ctx is cancelled.
func (p *Proxy) BeginHeartbeat(ctx context.Context) {
	period := p.cfg.HeartbeatPeriod
	if period <= 0 {
		period = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ev := HeartbeatEvent{
					TimestampMs:   time.Now().UnixMilli(),
					MCPProxyPort:  p.cfg.MCPProxyPort,
					PoolBasePort:  p.cfg.BasePort,
					PoolInstances: p.cfg.PoolInstances(),
					MCPHealthy:    p.cfg.MCPHealthy(),
				}
				raw, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				p.heartbeatHub.broadcast(formatSSE(raw))
			}
		}
	}()
}

// BroadcastEvent publishes a data-change event to /supervisor/events
// subscribers, a no-op if no one is connected.
func (p *Proxy) BroadcastEvent(payload []byte) {
	p.eventsEmitted.Add(1)
	p.eventsHub.broadcast(formatSSE(payload))
}

// EventsSubscriberCount reports the number of live /supervisor/events SSE
// subscribers, read by the control plane's EventStats request.
func (p *Proxy) EventsSubscriberCount() int {
	return p.eventsHub.count()
}

// EventsEmitted reports the total number of events broadcast since startup.
func (p *Proxy) EventsEmitted() uint64 {
	return p.eventsEmitted.Load()
}

func formatSSE(data []byte) []byte {
	return []byte("data: " + string(data) + "\n\n")
}

// handleLocalHealth answers locally — spec.md §4.F requires this never
// forward to the backend, since the backend may be mid tool-call and a
// forwarded health check could time out and falsely report the service
// disconnected.
func (p *Proxy) handleLocalHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (p *Proxy) handleMCP(w http.ResponseWriter, r *http.Request) {
	target := fmt.Sprintf("http://127.0.0.1:%d/mcp", p.cfg.DispatchPort())
	p.forward(w, r, target)
}

func (p *Proxy) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	target := fmt.Sprintf("http://127.0.0.1:%d%s", p.cfg.BasePort, r.URL.RequestURI())
	p.forward(w, r, target)
}

// forward proxies req to targetURL, stripping hop-by-hop headers and
// streaming the response body chunk by chunk so SSE/chunked tool
// responses pass through live (spec.md §4.F).
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, targetURL string) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	outReq.Header = r.Header.Clone()
	stripHeaders(outReq.Header, hopByHopRequestHeaders)

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.logger.Warn("upstream forward failed", zap.String("target", targetURL), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	stripHeaders(resp.Header, hopByHopResponseHeaders)
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			p.logger.Warn("upstream stream read error", zap.Error(readErr))
			return
		}
	}
}

func stripHeaders(h http.Header, names []string) {
	for _, n := range names {
		h.Del(n)
	}
}

func (p *Proxy) handleHeartbeatSSE(w http.ResponseWriter, r *http.Request) {
	serveSSE(w, r, p.heartbeatHub)
}

func (p *Proxy) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	serveSSE(w, r, p.eventsHub)
}

// serveSSE streams frames from hub to the client until it disconnects.
func serveSSE(w http.ResponseWriter, r *http.Request, hub *sseHub) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	ctx := r.Context()
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// requestLogger mirrors arkeep/server/internal/api/middleware.go's
// RequestLogger: one structured log line per request with method, path,
// status, and latency.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if strings.HasPrefix(r.URL.Path, "/supervisor/heartbeat") || strings.HasPrefix(r.URL.Path, "/supervisor/events") {
				return // long-lived SSE connections would spam one log line per disconnect only
			}
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
