// Package accesslog writes one Combined Log Format line per request, when
// Config.LogActivity enables it.
package accesslog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Logger appends Combined Log Format lines to an underlying writer. It
// serializes writes itself so concurrent requests never interleave lines.
type Logger struct {
	mu sync.Mutex
	w  io.Writer
	f  *os.File // non-nil when Logger owns the file and must Close it
}

// Open returns a Logger appending to path, creating it if necessary.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Logger{w: f, f: f}, nil
}

// NewWriter returns a Logger writing to an already-open writer (e.g.
// os.Stdout in CGI mode, where each invocation is one process and nothing
// else should be writing to stdout by the time access logging happens).
func NewWriter(w io.Writer) *Logger {
	return &Logger{w: w}
}

// Close closes the underlying file, if Open created one.
func (l *Logger) Close() error {
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}

// Entry is one request's worth of Combined Log Format fields.
type Entry struct {
	RemoteAddr string
	Ident      string // "-" unless an identd-style field is in use
	User       string // "-" unless authenticated
	When       time.Time
	Method     string
	URI        string
	Proto      string
	Status     int
	Bytes      int64
	Referer    string
	UserAgent  string
}

// Write appends e as one Combined Log Format line.
func (l *Logger) Write(e Entry) {
	ident := orDash(e.Ident)
	user := orDash(e.User)
	referer := orDash(e.Referer)
	agent := orDash(e.UserAgent)

	line := fmt.Sprintf("%s %s %s [%s] \"%s %s %s\" %d %d \"%s\" \"%s\"\n",
		orDash(e.RemoteAddr), ident, user,
		e.When.Format("02/Jan/2006:15:04:05 -0700"),
		e.Method, e.URI, e.Proto,
		e.Status, e.Bytes,
		referer, agent)

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.w, line)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
