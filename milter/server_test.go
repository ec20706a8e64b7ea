package milter

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/dmarcation/dmarcation/internal/wire"
)

func TestNewServerRequiresMilter(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewServer() without WithMilter did not panic")
		}
	}()
	NewServer()
}

func newTestServer(t *testing.T, opts ...Option) (*Server, net.Addr) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{
		WithMilter(func() Milter { return &processTestMilter{} }),
		WithActions(OptAddHeader | OptChangeHeader),
		WithLogger(testLogger()),
		WithReadTimeout(time.Second),
		WithWriteTimeout(time.Second),
	}, opts...)
	srv := NewServer(opts...)
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = srv.Close()
		if err := <-done; !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve() = %v, want ErrServerClosed", err)
		}
	})
	return srv, ln.Addr()
}

func TestServerSession(t *testing.T) {
	_, addr := newTestServer(t)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	resp := exchange(t, conn, &wire.Message{
		Code: wire.CodeOptNeg,
		Data: negotiationData(6, OptAddHeader|OptChangeHeader, 0),
	})
	if resp.Code != wire.CodeOptNeg {
		t.Fatalf("negotiation response = %c", resp.Code)
	}
	resp = exchange(t, conn, &wire.Message{Code: wire.CodeMail, Data: appendCStrings("<a@example.org>")})
	if wire.ActionCode(resp.Code) != wire.ActContinue {
		t.Fatalf("mail response = %c", resp.Code)
	}
	if err := wire.WritePacket(conn, &wire.Message{Code: wire.CodeQuit}, time.Second); err != nil {
		t.Fatal(err)
	}
}

// Two concurrent connections must not see each other's negotiation or
// message state.
func TestServerConcurrentSessions(t *testing.T) {
	_, addr := newTestServer(t)

	conns := make([]net.Conn, 2)
	for i := range conns {
		conn, err := net.Dial("tcp", addr.String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		conns[i] = conn
	}

	for _, conn := range conns {
		resp := exchange(t, conn, &wire.Message{
			Code: wire.CodeOptNeg,
			Data: negotiationData(6, OptAddHeader|OptChangeHeader, 0),
		})
		if resp.Code != wire.CodeOptNeg {
			t.Fatalf("negotiation response = %c", resp.Code)
		}
	}

	// opening a message on the first connection must not advance the second
	resp := exchange(t, conns[0], &wire.Message{Code: wire.CodeMail, Data: appendCStrings("<a@example.org>")})
	if wire.ActionCode(resp.Code) != wire.ActContinue {
		t.Fatalf("mail response = %c", resp.Code)
	}
	resp = exchange(t, conns[1], &wire.Message{Code: wire.CodeHeader, Data: appendCStrings("Subject", "hi")})
	if wire.ActionCode(resp.Code) != wire.ActReplyCode {
		t.Fatalf("header on fresh connection = %c, want reply code", resp.Code)
	}

	// and the first connection is still usable afterwards
	resp = exchange(t, conns[0], &wire.Message{Code: wire.CodeHeader, Data: appendCStrings("Subject", "hi")})
	if wire.ActionCode(resp.Code) != wire.ActContinue {
		t.Fatalf("header response = %c", resp.Code)
	}
}

func TestServerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(
		WithMilter(func() Milter { return &processTestMilter{} }),
		WithLogger(testLogger()),
	)
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ln)
	}()
	time.Sleep(10 * time.Millisecond)

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve() after Close = %v, want ErrServerClosed", err)
	}
	if err := srv.Close(); !errors.Is(err, ErrServerClosed) {
		t.Errorf("second Close() = %v, want ErrServerClosed", err)
	}
	if err := srv.Serve(ln); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve() on closed server = %v, want ErrServerClosed", err)
	}
}
