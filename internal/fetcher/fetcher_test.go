package fetcher

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwoffload/offloadd/internal/liveness"
	"github.com/bwoffload/offloadd/internal/originclient"
	"github.com/bwoffload/offloadd/internal/store"
)

func serveBody(t *testing.T, body string) (host string, port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	resp := "HTTP/1.1 200 OK\r\n" +
		"ETag: \"fetch-test\"\r\n" +
		"Last-Modified: Mon, 01 Jan 2024 00:00:00 GMT\r\n" +
		"Content-Length: " + itoa(len(body)) + "\r\n" +
		"\r\n" + body
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				_, _ = conn.Read(buf)
				_, _ = conn.Write([]byte(resp))
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, func() { ln.Close() }
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestFetchPopulatesCacheEntry(t *testing.T) {
	host, port, stop := serveBody(t, "hello world")
	defer stop()

	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatal(err)
	}

	origin := originclient.New(host, port, "offloadd-test/1.0", 2*time.Second)
	alive := liveness.NewRegistry()
	f := New(origin, st, alive, 2, nil)

	if err := f.Fetch(context.Background(), "somekey", "/file.bin"); err != nil {
		t.Fatal(err)
	}
	f.Wait("somekey")

	meta, err := st.Metadata.Load("somekey")
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil {
		t.Fatal("expected metadata to be saved")
	}
	if etag, _ := meta.Get("ETag"); etag != `"fetch-test"` {
		t.Fatalf("expected ETag to be persisted, got %q", etag)
	}
	if cl, _ := meta.Get("Content-Length"); cl != "11" {
		t.Fatalf("expected Content-Length 11, got %q", cl)
	}

	size, err := st.Body.Stat("somekey")
	if err != nil {
		t.Fatal(err)
	}
	if size != 11 {
		t.Fatalf("expected body of 11 bytes, got %d", size)
	}
}

// serveBodyCounting behaves like serveBody but counts accepted connections,
// so a test can assert how many separate origin transfers actually ran.
func serveBodyCounting(t *testing.T, body string) (host string, port int, conns *int64, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	resp := "HTTP/1.1 200 OK\r\n" +
		"ETag: \"fetch-test\"\r\n" +
		"Last-Modified: Mon, 01 Jan 2024 00:00:00 GMT\r\n" +
		"Content-Length: " + itoa(len(body)) + "\r\n" +
		"\r\n" + body
	var count int64
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt64(&count, 1)
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				_, _ = conn.Read(buf)
				_, _ = conn.Write([]byte(resp))
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, &count, func() { ln.Close() }
}

func TestFetchCollapsesConcurrentCallers(t *testing.T) {
	host, port, conns, stop := serveBodyCounting(t, "x")
	defer stop()

	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	origin := originclient.New(host, port, "offloadd-test/1.0", 2*time.Second)
	f := New(origin, st, liveness.NewRegistry(), 4, nil)

	ctx := context.Background()
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = f.Fetch(ctx, "shared", "/a.bin")
		}(i)
	}
	close(start)
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	f.Wait("shared")

	meta, err := st.Metadata.Load("shared")
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil {
		t.Fatal("expected metadata for the collapsed fetch")
	}
	if got := atomic.LoadInt64(conns); got != 1 {
		t.Fatalf("expected exactly one origin connection for the collapsed fetch, got %d", got)
	}
}

func TestFetchNukesEntryOnOriginFailure(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Nothing listening on this port: the origin call will fail to dial.
	origin := originclient.New("127.0.0.1", 1, "offloadd-test/1.0", 200*time.Millisecond)
	f := New(origin, st, liveness.NewRegistry(), 1, nil)

	if err := f.Fetch(context.Background(), "broken", "/missing.bin"); err == nil {
		t.Fatal("expected Fetch to fail when the origin is unreachable")
	}

	meta, err := st.Metadata.Load("broken")
	if err != nil {
		t.Fatal(err)
	}
	if meta != nil {
		t.Fatal("expected no metadata to survive a failed fetch")
	}
}

// serveTruncatedBody claims a larger Content-Length than it actually sends,
// then closes the connection -- simulating an origin that dies mid-transfer.
func serveTruncatedBody(t *testing.T, sent string, claimedLength int) (host string, port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	resp := "HTTP/1.1 200 OK\r\n" +
		"ETag: \"truncated\"\r\n" +
		"Last-Modified: Mon, 01 Jan 2024 00:00:00 GMT\r\n" +
		"Content-Length: " + itoa(claimedLength) + "\r\n" +
		"\r\n" + sent
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte(resp))
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, func() { ln.Close() }
}

func TestFetchNukesEntryOnTruncatedTransfer(t *testing.T) {
	host, port, stop := serveTruncatedBody(t, "short", 100)
	defer stop()

	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	origin := originclient.New(host, port, "offloadd-test/1.0", 2*time.Second)
	f := New(origin, st, liveness.NewRegistry(), 1, nil)

	if err := f.Fetch(context.Background(), "truncated", "/short.bin"); err != nil {
		t.Fatal(err)
	}
	f.Wait("truncated")

	meta, err := st.Metadata.Load("truncated")
	if err != nil {
		t.Fatal(err)
	}
	if meta != nil {
		t.Fatal("expected the truncated entry to be nuked once copy detects the short body")
	}
	if st.Body.Exists("truncated") {
		t.Fatal("expected the truncated body file to be removed")
	}
}
