// Command offloadd is the bandwidth-offload cache: a redirect target that
// fronts a "base" origin server, caching what it fetches and serving
// cached copies (or streaming a miss straight through) on every later
// request. It runs either as an nph-CGI script invoked per request, or as
// a standalone daemon listening on its own port.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/AdguardTeam/golibs/log"
	"github.com/caarlos0/env/v11"

	"github.com/bwoffload/offloadd/internal/accesslog"
	"github.com/bwoffload/offloadd/internal/config"
	"github.com/bwoffload/offloadd/internal/dupetracker"
	"github.com/bwoffload/offloadd/internal/fetcher"
	"github.com/bwoffload/offloadd/internal/frontend"
	"github.com/bwoffload/offloadd/internal/liveness"
	"github.com/bwoffload/offloadd/internal/metrics"
	"github.com/bwoffload/offloadd/internal/originclient"
	"github.com/bwoffload/offloadd/internal/procmutex"
	"github.com/bwoffload/offloadd/internal/store"
)

// maxConcurrentFetches bounds how many origin transfers may run at once,
// regardless of how many distinct keys are missing from the cache
// simultaneously.
const maxConcurrentFetches = 8

func main() {
	cfg := env.Must(env.ParseAs[config.Config]())
	cfg.Print()

	st, err := store.New(cfg.CacheDir)
	if err != nil {
		log.Fatal(err)
	}

	var al *accesslog.Logger
	if cfg.LogActivity {
		al, err = accesslog.Open(cfg.LogFile)
		if err != nil {
			log.Fatal(err)
		}
		defer al.Close()
	}

	origin := originclient.New(cfg.BaseServer, cfg.BaseServerPort, cfg.ServerIdent, cfg.Timeout)
	alive := liveness.NewRegistry()
	m := metrics.New()

	// One mutex instance guards both metadata/cache-file access and the
	// dupe tracker, matching the single named semaphore the original
	// server used for both: a caller already holding it for one can
	// recursively acquire it for the other without deadlocking itself.
	mu := procmutex.New()

	h := &frontend.Handler{
		Config:  &cfg,
		Origin:  origin,
		Store:   st,
		Mutex:   mu,
		Dupes:   dupetracker.New(mu, alive, cfg.MaxDupeDownloads),
		Fetcher: fetcher.New(origin, st, alive, maxConcurrentFetches, m),
		Alive:   alive,
		Metrics: m,
	}

	if !cfg.Daemonized() {
		os.Exit(h.ServeCGI(context.Background(), al))
	}

	runDaemon(cfg, h, al, m)
}

func runDaemon(cfg config.Config, h *frontend.Handler, al *accesslog.Logger, m *metrics.Metrics) {
	daemon := frontend.NewDaemon(h, cfg.TrustedProxies, al)

	mux := http.NewServeMux()
	mux.Handle("/", daemon)
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", m.Handler())
		go func() {
			log.Info("Serving metrics on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, metricsMux); err != nil {
				log.Error("metrics listener stopped: %v", err)
			}
		}()
	}

	addr := net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.ListenPort))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info("Listening on %s (%s)", addr, cfg.ListenFamily)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listener on %s failed: %v", addr, err)
			os.Exit(2)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("Shutting down...")
	_ = srv.Shutdown(context.Background())
}
