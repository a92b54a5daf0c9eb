// Package fetcher pulls a fresh copy of an object from the origin into the
// cache. It replaces the original server's fork-per-cache-miss model with
// one goroutine per in-flight fetch, collapsed across concurrent requesters
// of the same key via singleflight and bounded in how many may run against
// the origin at once via a weighted semaphore.
//
// Fetch only blocks its caller until the cache entry's metadata and
// truncated body file are in place -- the point at which a streamer can
// safely open the file and start polling its growth. The body copy itself
// continues in a background goroutine, detached from the request that
// triggered it, so a client disconnecting mid-download never interrupts
// the transfer other clients (or a later request for the same key) are
// relying on.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/bwoffload/offloadd/internal/headermap"
	"github.com/bwoffload/offloadd/internal/liveness"
	"github.com/bwoffload/offloadd/internal/metrics"
	"github.com/bwoffload/offloadd/internal/originclient"
	"github.com/bwoffload/offloadd/internal/store"
)

// copyChunk is the unit size the fetch loop reads and flushes at a time,
// matching the original server's 32KiB read buffer so a streamer polling
// the body file sees the same growth cadence.
const copyChunk = 32 * 1024

// heartbeatInterval is how often an in-progress transfer refreshes its
// liveness entry, well inside the registry's staleness window, so coherence
// checks and the dupe tracker keep seeing a long-running fetcher as alive.
const heartbeatInterval = 30 * time.Second

// Fetcher runs cache-filling transfers from the origin.
type Fetcher struct {
	origin  *originclient.Client
	store   *store.Store
	alive   *liveness.Registry
	sem     *semaphore.Weighted
	sg      singleflight.Group
	metrics *metrics.Metrics

	mu       sync.Mutex
	copyDone map[string]chan struct{} // keyed by cache key; closed when its background copy finishes
}

// New returns a Fetcher that pulls through origin into store, tracking
// fetcher identities in alive, and never running more than maxConcurrent
// origin transfers at once. m may be nil in tests that don't care about
// instrumentation.
func New(origin *originclient.Client, st *store.Store, alive *liveness.Registry, maxConcurrent int64, m *metrics.Metrics) *Fetcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Fetcher{
		origin:   origin,
		store:    st,
		alive:    alive,
		sem:      semaphore.NewWeighted(maxConcurrent),
		metrics:  m,
		copyDone: make(map[string]chan struct{}),
	}
}

// Fetch ensures key's cache entry is being populated from uri, collapsing
// concurrent callers for the same key onto a single origin transfer. It
// returns once the entry's metadata and truncated body file are persisted
// (or once a concurrent call that got there first has done so) -- not once
// the body transfer completes. Callers are expected to hold the cache's
// cross-process mutex across this call, exactly as the original server
// held its semaphore across writing metadata and forking its worker.
func (f *Fetcher) Fetch(ctx context.Context, key, uri string) error {
	_, err, _ := f.sg.Do(key, func() (interface{}, error) {
		return nil, f.prepare(ctx, key, uri)
	})
	return err
}

// Wait blocks until the background copy for key (if any is currently
// tracked) has finished. It exists for callers -- chiefly tests -- that
// need to observe a completed transfer rather than just a prepared entry;
// the request pipeline itself never calls it, since waiting would defeat
// the point of streaming concurrently with the fetch.
func (f *Fetcher) Wait(key string) {
	f.mu.Lock()
	ch := f.copyDone[key]
	f.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (f *Fetcher) prepare(ctx context.Context, key, uri string) error {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("fetcher: acquiring origin concurrency slot: %w", err)
	}

	headers, body, err := f.origin.Get(ctx, uri)
	if err != nil {
		f.sem.Release(1)
		f.bumpOriginErrors()
		return fmt.Errorf("fetcher: fetching %s from origin: %w", uri, err)
	}

	code, _ := headers.Get("response_code")
	if code != "200" {
		body.Close()
		f.sem.Release(1)
		f.bumpOriginErrors()
		return fmt.Errorf("fetcher: origin returned %s for %s", code, uri)
	}

	identity := uuid.NewString()
	meta := metadataFromResponse(headers, identity, uri, f.origin.Host)

	file, err := f.store.Body.CreateTruncated(key)
	if err != nil {
		body.Close()
		f.sem.Release(1)
		return fmt.Errorf("fetcher: creating cache body for %s: %w", key, err)
	}

	// Metadata is only saved once the body file exists, so a coherence
	// check that finds metadata can always stat a (possibly still-growing)
	// body file alongside it; never the other way around.
	if err := f.store.Metadata.Save(key, meta); err != nil {
		file.Close()
		body.Close()
		f.sem.Release(1)
		return fmt.Errorf("fetcher: saving metadata for %s: %w", key, err)
	}

	f.alive.Register(identity)

	contentLength, _ := strconv.ParseInt(meta.GetDefault("Content-Length", "0"), 10, 64)

	done := make(chan struct{})
	f.mu.Lock()
	f.copyDone[key] = done
	f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.FetchesInFlight.Inc()
	}
	go f.runCopy(key, identity, contentLength, file, body, done)
	return nil
}

// runCopy copies the origin body into file in the background, detached
// from whatever request's context triggered the fetch: a client going away
// must not abort a transfer other readers of this cache entry depend on.
func (f *Fetcher) runCopy(key, identity string, contentLength int64, file io.WriteCloser, body io.ReadCloser, done chan struct{}) {
	start := time.Now()
	defer close(done)
	defer f.sem.Release(1)
	defer f.alive.Deregister(identity)
	defer body.Close()
	defer file.Close()
	defer func() {
		if f.metrics != nil {
			f.metrics.FetchesInFlight.Dec()
			f.metrics.FetchDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if err := copyWithHeartbeat(context.Background(), file, body, contentLength, f.alive, identity); err != nil {
		log.Error("fetcher: copying body for %s: %v", key, err)
		f.bumpOriginErrors()
		f.store.Nuke(key)
	}
}

func (f *Fetcher) bumpOriginErrors() {
	if f.metrics != nil {
		f.metrics.OriginErrorsTotal.Inc()
	}
}

// metadataFromResponse builds the persisted metadata from the GET
// response's own headers rather than from a prior HEAD, so the entry's
// recorded ETag/Last-Modified/Content-Length always describe the exact
// bytes this transfer is about to write -- closing the race a HEAD-then-GET
// split would leave if the origin's representation changed in between.
func metadataFromResponse(headers *headermap.Map, identity, uri, hostname string) *headermap.Map {
	meta := headermap.New()

	etag, hasETag := headers.Get("ETag")
	weak := false
	if hasETag {
		_, weak = store.CacheKey(etag)
	}
	if weak {
		// Stored without its W/ prefix: the same form the request pipeline
		// compares against on revalidation.
		meta.Set("ETag", etag[2:])
	} else {
		meta.Set("ETag", etag)
	}
	meta.Set("X-Offload-Orig-ETag", etag)
	if weak {
		meta.Set("X-Offload-Is-Weak", "1")
	} else {
		meta.Set("X-Offload-Is-Weak", "0")
	}

	meta.Set("Last-Modified", headers.GetDefault("Last-Modified", ""))
	meta.Set("Content-Length", headers.GetDefault("Content-Length", "0"))
	meta.Set("Content-Type", headers.GetDefault("Content-Type", "application/octet-stream"))
	meta.Set("X-Offload-Caching-PID", identity)
	meta.Set("X-Offload-Orig-URL", uri)
	meta.Set("X-Offload-Hostname", hostname)
	return meta
}

// copyWithHeartbeat copies from src to dst until contentLength bytes have
// been written, matching the original server's "while bytes_written <
// Content-Length" loop: reaching EOF before that point is a transfer
// failure (a nuke-worthy truncation), not a quiet success.
func copyWithHeartbeat(ctx context.Context, dst io.Writer, src io.Reader, contentLength int64, alive *liveness.Registry, identity string) error {
	buf := make([]byte, copyChunk)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var written int64
	for written < contentLength {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			alive.Heartbeat(identity)
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			if f, ok := dst.(interface{ Sync() error }); ok {
				_ = f.Sync()
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			if written < contentLength {
				return fmt.Errorf("origin closed connection after %d/%d bytes", written, contentLength)
			}
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
	return nil
}
