// Package originclient implements the minimal HTTP/1.1 HEAD/GET client used
// to talk to the base server. It deliberately does not use net/http's
// client: it needs the raw connection left open after a GET's headers are
// read, so the fetcher can stream the body straight through without
// net/http buffering it first, and it needs a single bounded timeout
// spanning connect, write, and header read. Body reads after that are each
// bounded by the same timeout on their own.
package originclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/bwoffload/offloadd/internal/headermap"
)

// ErrUnavailable wraps every origin-side failure: connect failure, write
// timeout, read timeout, or a malformed response. Callers surface this as
// 503 Service Unavailable.
var ErrUnavailable = errors.New("originclient: origin unavailable")

// Client talks HTTP/1.1 to one base server.
type Client struct {
	Host    string
	Port    int
	Ident   string
	Timeout time.Duration
}

// New returns a Client for the given base host/port.
func New(host string, port int, ident string, timeout time.Duration) *Client {
	return &Client{Host: host, Port: port, Ident: ident, Timeout: timeout}
}

// bodyConn pairs the buffered reader used to parse headers with the
// underlying connection, so any body bytes the header parser already
// pulled into its buffer are not lost when the caller starts reading the
// body: reading through r, not conn, replays them first.
type bodyConn struct {
	r       *bufio.Reader
	conn    net.Conn
	timeout time.Duration
}

// Read implements io.Reader by reading through the buffered reader that
// parsed the headers, so bytes it already buffered past the blank line are
// returned before anything new is pulled off the wire. Each Read waits at
// most timeout for data, however long the whole body transfer takes.
func (b *bodyConn) Read(p []byte) (int, error) {
	_ = b.conn.SetReadDeadline(time.Now().Add(b.timeout))
	return b.r.Read(p)
}

// Close implements io.Closer by closing the underlying connection.
func (b *bodyConn) Close() error { return b.conn.Close() }

// Do issues method (HEAD or GET) for uri against the base server. It
// returns the parsed header map and, for GET, a reader positioned just
// after the header block (nil for HEAD, whose connection is closed before
// returning). Callers must close the returned body.
func (c *Client) Do(ctx context.Context, method, uri string) (*headermap.Map, io.ReadCloser, error) {
	deadline := time.Now().Add(c.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	dialer := net.Dialer{Timeout: time.Until(deadline)}
	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.Debug("originclient: dial %s failed: %v", addr, err)
		return nil, nil, fmt.Errorf("%w: dial: %v", ErrUnavailable, err)
	}
	_ = conn.SetDeadline(deadline)

	req := fmt.Sprintf(
		"%s %s HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"User-Agent: %s\r\n"+
			"Connection: close\r\n"+
			"X-Mod-Offload-Bypass: true\r\n"+
			"\r\n",
		method, uri, c.Host, c.Ident)

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: write: %v", ErrUnavailable, err)
	}

	r := bufio.NewReader(conn)
	headers, err := readHeaders(r)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if method == "HEAD" {
		conn.Close()
		return headers, nil, nil
	}
	return headers, &bodyConn{r: r, conn: conn, timeout: c.Timeout}, nil
}

// Head issues a HEAD request and returns only the header map.
func (c *Client) Head(ctx context.Context, uri string) (*headermap.Map, error) {
	h, _, err := c.Do(ctx, "HEAD", uri)
	return h, err
}

// Get issues a GET request, returning the header map and a reader
// positioned at the start of the body. The caller must Close it.
func (c *Client) Get(ctx context.Context, uri string) (*headermap.Map, io.ReadCloser, error) {
	return c.Do(ctx, "GET", uri)
}

// readHeaders reads response headers up to the blank line that ends the
// header block from a buffered reader shared with the eventual body
// reader, so body bytes (for GET) are never lost to header parsing. It
// populates the synthetic "response" (full status line) and
// "response_code" (numeric) keys from the status line.
func readHeaders(r *bufio.Reader) (*headermap.Map, error) {
	h := headermap.New()

	statusLine, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading status line: %w", err)
	}
	statusLine = strings.TrimRight(statusLine, "\r\n")
	h.Set("response", statusLine)
	h.Set("response_code", parseStatusCode(statusLine))

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading header line: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // blank line ends the header block.
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue // malformed header line; original server ignores it too.
		}
		key := line[:idx]
		value := strings.TrimLeft(line[idx+1:], " ")
		h.Set(key, value)
	}
	return h, nil
}

// parseStatusCode extracts the numeric status code from a status line like
// "HTTP/1.1 200 OK".
func parseStatusCode(statusLine string) string {
	fields := strings.SplitN(statusLine, " ", 3)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}
