package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-sonic-server/internal/hub"
	"github.com/kstaniek/go-sonic-server/internal/wire"
)

// mockSend is a no-op backend send function.
func mockSend(context.Context, string) error { return nil }

// startInMemoryServer launches the server on :0 for benchmarks.
func startInMemoryServer(b *testing.B, h *hub.Hub) (*Server, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(WithHub(h), WithCodec(&wire.Codec{}), WithSend(mockSend))
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		b.Fatalf("server not ready")
	}
	return srv, cancel
}

func BenchmarkServerPublish(b *testing.B) {
	h := hub.New()
	h.OutBufSize = 1024
	srv, cancel := startInMemoryServer(b, h)
	defer cancel()
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		b.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Second))
	if _, err := io.WriteString(conn, wire.Hello); err != nil {
		b.Fatalf("handshake write: %v", err)
	}
	if _, err := io.ReadFull(conn, make([]byte, len(wire.Hello))); err != nil {
		b.Fatalf("handshake read: %v", err)
	}
	conn.SetDeadline(time.Time{})
	go func() { _, _ = io.Copy(io.Discard, conn) }()
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		srv.Hub.Publish("hello from the air")
	}
	b.StopTimer()
}

func BenchmarkServerSend(b *testing.B) {
	srv, cancel := startInMemoryServer(b, hub.New())
	defer cancel()
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		b.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, wire.Hello); err != nil {
		b.Fatalf("handshake write: %v", err)
	}
	if _, err := io.ReadFull(conn, make([]byte, len(wire.Hello))); err != nil {
		b.Fatalf("handshake read: %v", err)
	}
	payload := (&wire.Codec{}).Encode([]wire.Frame{wire.Send("ping")})
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := conn.Write(payload); err != nil {
			b.Fatalf("write: %v", err)
		}
	}
}
