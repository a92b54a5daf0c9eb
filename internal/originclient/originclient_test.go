package originclient

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func serveOnce(t *testing.T, response string) (host string, port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte(response))
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, func() { ln.Close() }
}

func TestHeadParsesStatusAndHeaders(t *testing.T) {
	resp := "HTTP/1.1 200 OK\r\n" +
		"ETag: \"abc123\"\r\n" +
		"Content-Length: 42\r\n" +
		"\r\n"
	host, port, stop := serveOnce(t, resp)
	defer stop()

	c := New(host, port, "offloadd-test/1.0", 2*time.Second)
	h, err := c.Head(context.Background(), "/file.bin")
	if err != nil {
		t.Fatal(err)
	}
	if code, _ := h.Get("response_code"); code != "200" {
		t.Fatalf("expected response_code 200, got %q", code)
	}
	if etag, _ := h.Get("ETag"); etag != `"abc123"` {
		t.Fatalf("expected ETag to be parsed, got %q", etag)
	}
	if cl, _ := h.Get("Content-Length"); cl != "42" {
		t.Fatalf("expected Content-Length 42, got %q", cl)
	}
}

func TestGetLeavesConnOpenAtBody(t *testing.T) {
	resp := "HTTP/1.1 200 OK\r\n" +
		"Content-Length: 5\r\n" +
		"\r\n" +
		"hello"
	host, port, stop := serveOnce(t, resp)
	defer stop()

	c := New(host, port, "offloadd-test/1.0", 2*time.Second)
	h, conn, err := c.Get(context.Background(), "/file.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if code, _ := h.Get("response_code"); code != "200" {
		t.Fatalf("expected response_code 200, got %q", code)
	}

	body := make([]byte, 5)
	n, err := conn.Read(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body[:n]) != "hello" {
		t.Fatalf("expected body 'hello', got %q", body[:n])
	}
}

func TestDialFailureWrapsErrUnavailable(t *testing.T) {
	c := New("127.0.0.1", 1, "offloadd-test/1.0", 200*time.Millisecond)
	_, err := c.Head(context.Background(), "/nope")
	if err == nil {
		t.Fatal("expected an error dialing a closed port")
	}
	if !strings.Contains(err.Error(), "origin unavailable") {
		t.Fatalf("expected ErrUnavailable wrapping, got %v", err)
	}
}
