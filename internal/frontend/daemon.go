package frontend

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/bwoffload/offloadd/internal/accesslog"
)

// Daemon adapts a Handler to net/http for standalone (non-CGI) operation.
type Daemon struct {
	Handler        *Handler
	TrustedProxies map[string]bool
	AccessLog      *accesslog.Logger
}

// NewDaemon returns a Daemon trusting the given proxy addresses to set
// X-Forwarded-For.
func NewDaemon(h *Handler, trustedProxies []string, al *accesslog.Logger) *Daemon {
	trusted := make(map[string]bool, len(trustedProxies))
	for _, p := range trustedProxies {
		trusted[p] = true
	}
	return &Daemon{Handler: h, TrustedProxies: trusted, AccessLog: al}
}

// ServeHTTP implements http.Handler.
func (d *Daemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	req := Request{
		Method:      r.Method,
		URI:         r.URL.RequestURI(),
		RemoteAddr:  d.remoteAddr(r),
		RangeHeader: r.Header.Get("Range"),
		IfRange:     r.Header.Get("If-Range"),
	}

	out, err := d.Handler.Handle(r.Context(), req)
	if err != nil {
		log.Error("frontend: daemon request failed: %v", err)
		out = serverError("Internal error handling request.")
	}

	hdr := w.Header()
	for _, k := range out.Headers.Keys() {
		v, _ := out.Headers.Get(k)
		hdr.Set(k, v)
	}
	w.WriteHeader(out.StatusCode)

	var written int64
	if out.FixedBody != "" {
		n, _ := w.Write([]byte(out.FixedBody))
		written = int64(n)
	} else if !out.HeadOnly && out.CacheKey != "" {
		n, serr := d.Handler.StreamCacheBody(w, out)
		written = n
		if serr != nil {
			log.Error("frontend: daemon body stream failed for %s: %v", req.URI, serr)
		}
	}

	if d.AccessLog != nil {
		d.AccessLog.Write(accesslog.Entry{
			RemoteAddr: req.RemoteAddr,
			When:       start,
			Method:     req.Method,
			URI:        req.URI,
			Proto:      r.Proto,
			Status:     out.StatusCode,
			Bytes:      written,
			Referer:    r.Header.Get("Referer"),
			UserAgent:  r.Header.Get("User-Agent"),
		})
	}
}

// remoteAddr returns the client address to attribute this request to,
// honoring X-Forwarded-For only when the direct peer is a configured
// trusted proxy -- an untrusted peer can claim any address it likes
// otherwise, defeating both the dupe tracker and access log.
func (d *Daemon) remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !d.TrustedProxies[host] {
		return host
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return firstForwardedAddr(xff)
	}
	return host
}

func firstForwardedAddr(xff string) string {
	parts := strings.SplitN(xff, ",", 2)
	return strings.TrimSpace(parts[0])
}
