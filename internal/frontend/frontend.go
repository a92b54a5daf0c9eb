// Package frontend implements the request pipeline shared by CGI mode and
// daemon mode: reject anything that isn't a plain GET/HEAD, consult the
// origin, decide cache freshness, kick off a refetch on a miss, and stream
// the (possibly still-growing) cached body back to the client.
package frontend

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/log"
	"github.com/google/uuid"

	"github.com/bwoffload/offloadd/internal/coherence"
	"github.com/bwoffload/offloadd/internal/config"
	"github.com/bwoffload/offloadd/internal/dupetracker"
	"github.com/bwoffload/offloadd/internal/fetcher"
	"github.com/bwoffload/offloadd/internal/headermap"
	"github.com/bwoffload/offloadd/internal/liveness"
	"github.com/bwoffload/offloadd/internal/metrics"
	"github.com/bwoffload/offloadd/internal/originclient"
	"github.com/bwoffload/offloadd/internal/procmutex"
	"github.com/bwoffload/offloadd/internal/store"
	"github.com/bwoffload/offloadd/internal/streamer"
)

// robotsBody keeps webcrawlers out of the offload server entirely; it has
// nothing worth indexing and every hit is bandwidth that should have gone
// to a real cache entry instead.
const robotsBody = "User-agent: *\nDisallow: /\n"

// Handler runs the shared request pipeline. One Handler is built once at
// startup and reused by every request, in both CGI and daemon mode.
type Handler struct {
	Config  *config.Config
	Origin  *originclient.Client
	Store   *store.Store
	Mutex   *procmutex.Mutex
	Dupes   *dupetracker.Tracker
	Fetcher *fetcher.Fetcher
	Alive   *liveness.Registry
	Metrics *metrics.Metrics
}

// Request describes one inbound request, independent of whether it arrived
// over CGI environment variables or a daemon-mode TCP connection.
type Request struct {
	Method      string
	URI         string // path + query, as received
	RemoteAddr  string
	RangeHeader string
	IfRange     string
}

// Outcome is everything the pipeline decided about one request: a status
// line and header set ready to write, and either a fixed body or a cache
// key plus byte range to stream from disk.
type Outcome struct {
	StatusCode int
	StatusText string
	Headers    *headermap.Map

	FixedBody string // non-empty for synthetic responses (robots.txt, errors)
	CacheKey  string // non-empty when the body should stream from the cache
	Range     streamer.Range
	HeadOnly  bool
}

// Handle runs the full pipeline for req and returns the outcome to write
// back to the client.
func (h *Handler) Handle(ctx context.Context, req Request) (*Outcome, error) {
	h.Metrics.RequestsTotal.Inc()

	if idx := strings.IndexByte(req.URI, '?'); idx >= 0 {
		return forbidden("Offload server doesn't do dynamic content."), nil
	}
	if req.URI == "" || req.URI[0] != '/' {
		return serverError("Bad request URI"), nil
	}
	if req.URI == "/robots.txt" {
		return &Outcome{
			StatusCode: http.StatusOK,
			StatusText: "OK",
			Headers:    headermap.New(),
			FixedBody:  robotsBody,
		}, nil
	}

	isGet := strings.EqualFold(req.Method, "GET")
	isHead := strings.EqualFold(req.Method, "HEAD")
	if !isGet && !isHead {
		return forbidden("Offload server doesn't do dynamic content."), nil
	}

	owner := procmutex.WithOwner(ctx)
	ownerID := uuid.NewString()

	slotIdx := -1
	if !isHead {
		var ok bool
		var err error
		slotIdx, ok, err = h.Dupes.Admit(owner, ownerID, req.RemoteAddr, req.URI)
		if err != nil {
			return serverError("Couldn't check duplicate-download table."), nil
		}
		if !ok {
			h.Metrics.DupesRejectedTotal.Inc()
			return &Outcome{
				StatusCode: http.StatusForbidden,
				StatusText: "Forbidden",
				Headers:    headermap.New(),
				FixedBody:  dupetracker.ForbiddenBody(h.Config.ServerIdent),
			}, nil
		}
	}
	release := func() {
		if slotIdx >= 0 {
			_ = h.Dupes.Release(owner, slotIdx)
		}
	}

	head, err := h.Origin.Head(ctx, req.URI)
	if err != nil {
		release()
		h.Metrics.OriginErrorsTotal.Inc()
		log.Error("frontend: origin HEAD failed for %s: %v", req.URI, err)
		return unavailable("Couldn't reach base server."), nil
	}

	code, _ := head.Get("response_code")
	if code == "401" || head.GetDefault("WWW-Authenticate", "") != "" {
		release()
		h.Metrics.OriginErrorsTotal.Inc()
		return forbidden("Offload server doesn't do protected content."), nil
	}
	if code != "200" {
		release()
		h.Metrics.OriginErrorsTotal.Inc()
		response, _ := head.Get("response")
		location, _ := head.Get("Location")
		return locationFailure(response, location), nil
	}

	etag, hasETag := head.Get("ETag")
	_, hasCL := head.Get("Content-Length")
	_, hasLM := head.Get("Last-Modified")
	if !hasETag || !hasCL || !hasLM {
		release()
		return forbidden("Offload server doesn't do dynamic content."), nil
	}

	key, weak := store.CacheKey(etag)
	if weak {
		log.Debug("frontend: weak ETag on %s", req.URI)
	}
	head.Set("X-Offload-Orig-ETag", etag)
	head.Set("ETag", strippedETag(etag, weak))
	if weak {
		head.Set("X-Offload-Is-Weak", "1")
	} else {
		head.Set("X-Offload-Is-Weak", "0")
	}
	head.Set("X-Offload-Orig-URL", req.URI)
	head.Set("X-Offload-Hostname", h.Config.BaseServer)

	diag := http.Header{}
	if cc := head.GetDefault("Cache-Control", ""); cc != "" {
		diag.Set("Cache-Control", cc)
	}
	if pragma := head.GetDefault("Pragma", ""); pragma != "" {
		diag.Set("Pragma", pragma)
	}
	coherence.LogCacheControl(req.URI, diag)

	if isHead {
		// HEAD skips cache I/O entirely: the reply comes straight from the
		// origin's HEAD record, and nothing is fetched or stored.
		headHeaders := headermap.New()
		headHeaders.Set("ETag", head.GetDefault("ETag", ""))
		headHeaders.Set("Last-Modified", head.GetDefault("Last-Modified", ""))
		headHeaders.Set("Content-Length", head.GetDefault("Content-Length", ""))
		headHeaders.Set("Accept-Ranges", "bytes")
		headHeaders.Set("Content-Type", head.GetDefault("Content-Type", "application/octet-stream"))
		return &Outcome{StatusCode: http.StatusOK, StatusText: "OK", Headers: headHeaders, HeadOnly: true}, nil
	}

	if err := h.Mutex.Acquire(owner); err != nil {
		release()
		return serverError("Couldn't lock the cache."), nil
	}
	meta, _ := h.Store.Metadata.Load(key)
	bodySize, statErr := h.Store.Body.Stat(key)
	fresh := statErr == nil && coherence.Fresh(meta, head, bodySize, h.Alive)
	var fetchErr error
	if fresh {
		h.Metrics.CacheHitsTotal.Inc()
	} else {
		h.Metrics.CacheMissesTotal.Inc()
		h.Store.Nuke(key)
		// Fetch only waits for metadata + a truncated body file to be in
		// place, not for the transfer to finish, so the mutex is held for
		// the same short window the original server held its semaphore
		// across forking a worker -- the body copy itself runs after
		// Release, concurrently with this request's own streaming below.
		fetchErr = h.Fetcher.Fetch(ctx, key, req.URI)
		if fetchErr == nil {
			meta, _ = h.Store.Metadata.Load(key)
		}
	}
	h.Mutex.Release(owner)
	release()

	if !fresh {
		if fetchErr != nil || meta == nil {
			log.Error("frontend: starting fetch for %s failed: %v", req.URI, fetchErr)
			return serverError("Couldn't fetch data from base server."), nil
		}
	}

	// total is the resource's full size as recorded in metadata, not
	// necessarily the body file's current size on disk: on a miss, the
	// file has only just been truncated and the fetch may still be
	// filling it in behind this response.
	totalStr := meta.GetDefault("Content-Length", "")
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return serverError("Couldn't access cached data."), nil
	}

	rangeHeader := req.RangeHeader
	if req.IfRange != "" {
		log.Debug("frontend: If-Range set on %s, unsupported, ignoring Range", req.URI)
		rangeHeader = ""
	}
	byteRange, err := streamer.ParseRange(rangeHeader, total)
	if err != nil {
		return &Outcome{StatusCode: http.StatusBadRequest, StatusText: "Bad Request", Headers: headermap.New(), FixedBody: "Bad content range requested.\n"}, nil
	}

	status, statusText := http.StatusOK, "OK"
	if byteRange.Reported {
		status, statusText = http.StatusPartialContent, "Partial Content"
	}

	respHeaders := headermap.New()
	respHeaders.Set("ETag", meta.GetDefault("ETag", ""))
	respHeaders.Set("Last-Modified", meta.GetDefault("Last-Modified", ""))
	respHeaders.Set("Content-Length", fmt.Sprintf("%d", byteRange.Len()))
	respHeaders.Set("Accept-Ranges", "bytes")
	respHeaders.Set("Content-Type", meta.GetDefault("Content-Type", "application/octet-stream"))
	if byteRange.Reported {
		respHeaders.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", byteRange.Start, byteRange.End, total))
	}

	return &Outcome{
		StatusCode: status,
		StatusText: statusText,
		Headers:    respHeaders,
		CacheKey:   key,
		Range:      byteRange,
		HeadOnly:   isHead,
	}, nil
}

func strippedETag(etag string, weak bool) string {
	if !weak {
		return etag
	}
	return etag[2:]
}

func forbidden(msg string) *Outcome {
	return &Outcome{StatusCode: http.StatusForbidden, StatusText: "Forbidden", Headers: headermap.New(), FixedBody: msg + "\n"}
}

func serverError(msg string) *Outcome {
	return &Outcome{StatusCode: http.StatusInternalServerError, StatusText: "Internal Server Error", Headers: headermap.New(), FixedBody: msg + "\n"}
}

func unavailable(msg string) *Outcome {
	return &Outcome{StatusCode: http.StatusServiceUnavailable, StatusText: "Service Unavailable", Headers: headermap.New(), FixedBody: msg + "\n"}
}

// locationFailure builds the outcome for a non-200 origin response, mirroring
// the origin's own status line rather than inventing one: it strips only the
// leading "HTTP/x.y" version token and carries the origin's real numeric code
// and reason phrase (e.g. "302 Found") through verbatim, however many spaces
// or whatever version token the origin actually sent.
func locationFailure(response, location string) *Outcome {
	code := http.StatusBadGateway
	text := "Bad Gateway"

	fields := strings.Fields(response)
	if len(fields) >= 2 && strings.HasPrefix(strings.ToUpper(fields[0]), "HTTP") {
		if c, err := strconv.Atoi(fields[1]); err == nil {
			code = c
			text = strings.Join(fields[2:], " ")
			if text == "" {
				text = http.StatusText(code)
			}
		}
	}

	o := &Outcome{StatusCode: code, StatusText: text, Headers: headermap.New(), FixedBody: response + "\n"}
	if location != "" {
		o.Headers.Set("Location", location)
	}
	return o
}
