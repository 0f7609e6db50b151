package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

func startTestServer(t *testing.T, handler Handler) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.Close() // release the port, server.Start rebinds it — fine for a quick test

	cfg := Config{Transport: TransportTCP, TCPAddress: ln.Addr().String(), Logger: zap.NewNop()}
	srv := NewServer(cfg, handler)
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return cfg.TCPAddress, func() { cancel(); srv.Stop() }
}

func TestKnownRequestRoundTrips(t *testing.T) {
	addr, stop := startTestServer(t, func(ctx context.Context, req Request) Envelope {
		if req.Type != "Status" {
			return Envelope{OK: false, Error: "unexpected type"}
		}
		return Envelope{OK: true, Data: map[string]string{"hello": "world"}}
	})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"type":"Status"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !env.OK {
		t.Fatalf("expected ok envelope, got %+v", env)
	}
}

func TestUnknownTypeReturnsErrorWithoutClosingConnection(t *testing.T) {
	addr, stop := startTestServer(t, func(ctx context.Context, req Request) Envelope {
		return Envelope{OK: false, Error: "unknown request type: " + req.Type}
	})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	conn.Write([]byte(`{"type":"TotallyUnknown"}` + "\n"))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read first response: %v", err)
	}
	var env Envelope
	json.Unmarshal(line, &env)
	if env.OK {
		t.Fatalf("expected error envelope for unknown type")
	}

	// connection must still be usable for a follow-up request
	conn.Write([]byte(`{"type":"TotallyUnknown"}` + "\n"))
	if _, err := reader.ReadBytes('\n'); err != nil {
		t.Fatalf("expected connection to remain open for a second request: %v", err)
	}
}

func TestMalformedLineMissingTypeReturnsError(t *testing.T) {
	addr, stop := startTestServer(t, func(ctx context.Context, req Request) Envelope {
		t.Fatalf("handler should not be invoked for malformed input")
		return Envelope{}
	})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte(`{"not_type":"x"}` + "\n"))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	json.Unmarshal(line, &env)
	if env.OK {
		t.Fatalf("expected error envelope for missing type")
	}
}
