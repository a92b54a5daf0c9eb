// Package coherence decides whether a cached entry is still good enough to
// serve, by comparing its stored metadata against a freshly fetched HEAD
// from the origin.
package coherence

import (
	"net/http"
	"strconv"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/pquerna/cachecontrol/cacheobject"

	"github.com/bwoffload/offloadd/internal/headermap"
	"github.com/bwoffload/offloadd/internal/liveness"
)

// Fresh reports whether cached metadata still matches head, the headers of
// a HEAD request just issued against the origin. bodySize is the size in
// bytes of the cached body file on disk; Fresh cannot tell a missing file
// from an empty one, so callers check that the file exists before asking.
// alive answers whether the fetcher identity recorded in
// X-Offload-Caching-PID, if any, is still running.
//
// A cached entry is fresh when ETag, Last-Modified, and Content-Length all
// match the origin's current values -- unless the cached ETag was marked
// weak, in which case a Last-Modified mismatch is tolerated. If the body
// file's size doesn't yet match Content-Length, the entry is only fresh
// while its recorded fetcher identity is still alive (a transfer in
// progress); once that fetcher is gone, the entry is stale and must be
// refetched.
func Fresh(meta *headermap.Map, head *headermap.Map, bodySize int64, alive *liveness.Registry) bool {
	if meta == nil || head == nil {
		return false
	}

	contentLength, ok := meta.Get("Content-Length")
	if !ok {
		return false
	}
	etag, ok := meta.Get("ETag")
	if !ok {
		return false
	}
	lastModified, ok := meta.Get("Last-Modified")
	if !ok {
		return false
	}

	if headCL, _ := head.Get("Content-Length"); contentLength != headCL {
		return false
	}
	if headETag, _ := head.Get("ETag"); etag != headETag {
		return false
	}
	if headLM, _ := head.Get("Last-Modified"); lastModified != headLM {
		isWeak, _ := meta.Get("X-Offload-Is-Weak")
		if isWeak != "1" {
			return false
		}
	}

	wantSize, err := strconv.ParseInt(contentLength, 10, 64)
	if err != nil {
		return false
	}
	if bodySize != wantSize {
		cacher, ok := meta.Get("X-Offload-Caching-PID")
		if !ok {
			return false
		}
		if alive == nil || !alive.Alive(cacher) {
			log.Debug("coherence: caching fetcher %s is gone, body incomplete at %d/%d bytes", cacher, bodySize, wantSize)
			return false
		}
	}

	return true
}

// LogCacheControl inspects the origin's Cache-Control/Pragma headers and
// logs what a conforming cache would have done with them. It never changes
// the freshness verdict: this server's coherence model is driven entirely
// by ETag/Last-Modified/Content-Length comparison, not by cache directives.
func LogCacheControl(uri string, head http.Header) {
	resDir, err := cacheobject.ParseResponseCacheControl(head.Get("Cache-Control"))
	if err != nil {
		log.Debug("coherence: unparseable Cache-Control for %s: %v", uri, err)
		return
	}

	obj := cacheobject.Object{
		RespDirectives: resDir,
		RespHeaders:    head,
		RespStatusCode: http.StatusOK,
		ReqMethod:      http.MethodGet,
		NowUTC:         time.Now().UTC(),
	}
	reasons := cacheobject.CachableObject(&obj)
	if len(reasons) > 0 {
		log.Debug("coherence: %s would not be cacheable per Cache-Control: %v", uri, reasons)
	}

	var rv cacheobject.ObjectResults
	cacheobject.ExpirationObject(&obj, &rv)
	if len(rv.OutWarnings) > 0 {
		log.Debug("coherence: %s Cache-Control expiration warnings: %v", uri, rv.OutWarnings)
	}

	if pragma := head.Get("Pragma"); pragma != "" {
		log.Debug("coherence: %s sent Pragma: %s (ignored; freshness is ETag-driven)", uri, pragma)
	}
}
