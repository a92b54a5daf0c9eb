package frontend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/bwoffload/offloadd/internal/accesslog"
	"github.com/bwoffload/offloadd/internal/streamer"
)

// ServeCGI runs one request read entirely from the CGI environment
// (REQUEST_URI, REQUEST_METHOD, REMOTE_ADDR, HTTP_RANGE, ...) and writes
// the nph-CGI response to stdout: a full status line and headers, since
// this binary is invoked as a non-parsed-headers script.
func (h *Handler) ServeCGI(ctx context.Context, al *accesslog.Logger) int {
	req := Request{
		Method:      firstNonEmpty(os.Getenv("REDIRECT_REQUEST_METHOD"), os.Getenv("REQUEST_METHOD"), "GET"),
		URI:         os.Getenv("REQUEST_URI"),
		RemoteAddr:  os.Getenv("REMOTE_ADDR"),
		RangeHeader: os.Getenv("HTTP_RANGE"),
		IfRange:     os.Getenv("HTTP_IF_RANGE"),
	}

	out, err := h.Handle(ctx, req)
	if err != nil {
		log.Error("frontend: CGI request failed: %v", err)
		out = serverError("Internal error handling request.")
	}

	w := bufio.NewWriter(os.Stdout)
	written := writeCGIResponse(w, out, h.Config.ServerIdent)
	if out.FixedBody == "" {
		n, err := h.StreamCacheBody(w, out)
		written += n
		if err != nil {
			log.Error("frontend: CGI body stream failed for %s: %v", req.URI, err)
		}
	}
	_ = w.Flush()

	if al != nil {
		al.Write(accesslog.Entry{
			RemoteAddr: req.RemoteAddr,
			When:       time.Now(),
			Method:     req.Method,
			URI:        req.URI,
			Proto:      "HTTP/1.1",
			Status:     out.StatusCode,
			Bytes:      written,
			Referer:    os.Getenv("HTTP_REFERER"),
			UserAgent:  os.Getenv("HTTP_USER_AGENT"),
		})
	}

	return 0
}

// writeCGIResponse writes the status line, headers, and body for out to w,
// returning the number of body bytes written.
func writeCGIResponse(w *bufio.Writer, out *Outcome, serverIdent string) int64 {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", out.StatusCode, out.StatusText)
	fmt.Fprintf(w, "Status: %d %s\r\n", out.StatusCode, out.StatusText)
	fmt.Fprintf(w, "Date: %s\r\n", time.Now().UTC().Format(http1Date))
	fmt.Fprintf(w, "Server: %s\r\n", serverIdent)
	fmt.Fprintf(w, "Connection: close\r\n")
	for _, k := range out.Headers.Keys() {
		v, _ := out.Headers.Get(k)
		fmt.Fprintf(w, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(w, "\r\n")

	if out.FixedBody != "" {
		n, _ := io.WriteString(w, out.FixedBody)
		return int64(n)
	}
	return 0
}

const http1Date = "Mon, 02 Jan 2006 15:04:05 GMT"

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// StreamCacheBody copies out's cache body to w, once headers have already
// been written. It polls the body file's size, waiting for it to grow past
// the last-read position until stalling for longer than Config.Timeout.
func (h *Handler) StreamCacheBody(w io.Writer, out *Outcome) (int64, error) {
	if out.HeadOnly || out.CacheKey == "" {
		return 0, nil
	}
	body, err := h.Store.Body.OpenReader(out.CacheKey)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	counter := &countingWriter{w: w}
	err = streamer.Copy(counter, body, out.Range, h.Config.Timeout)
	h.Metrics.BytesServedTotal.Add(float64(counter.n))
	return counter.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
