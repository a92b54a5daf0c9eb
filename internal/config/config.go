// Package config holds the immutable per-process configuration for
// offloadd, loaded from the environment.
package config

import (
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/dustin/go-humanize"
)

// Config is the full set of offload-server settings. Every field is
// read-only once loaded: no part of the pipeline mutates it.
type Config struct {
	// BaseServer and BaseServerPort address the origin ("base") server
	// that this cache fronts.
	BaseServer     string `env:"BASE_SERVER,required"`
	BaseServerPort int    `env:"BASE_SERVER_PORT" envDefault:"80"`

	// CacheDir holds the metadata-<key> and filedata-<key> files.
	CacheDir string `env:"CACHE_DIR" envDefault:"cache"`

	// Timeout bounds every origin I/O wait, and how long a streamer waits
	// on a cache file that has stopped growing.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`

	// MaxDupeDownloads caps concurrent downloads of the same
	// (remote-address, URI) fingerprint. Zero disables the check.
	MaxDupeDownloads int `env:"MAX_DUPE_DOWNLOADS" envDefault:"0"`

	// ListenAddr/ListenPort select daemon mode when ListenPort is
	// non-zero; a zero port means the pipeline is driven from a CGI-style
	// environment instead.
	ListenAddr     string   `env:"LISTEN_ADDR" envDefault:""`
	ListenPort     int      `env:"LISTEN_PORT" envDefault:"0"`
	ListenFamily   string   `env:"LISTEN_FAMILY" envDefault:"tcp"`
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	// LogActivity/LogFile control Combined Log Format access logging.
	LogActivity bool   `env:"LOG_ACTIVITY" envDefault:"false"`
	LogFile     string `env:"LOG_FILE" envDefault:""`

	// ShmName names this cache instance in the startup log. The dupe
	// tracker and mutex live inside the process and do not use it.
	ShmName string `env:"SHM_NAME" envDefault:"offloadd"`

	// ServerIdent is sent as the User-Agent to the origin and as the
	// Server header of CGI-mode responses; daemon-mode responses carry no
	// Server header.
	ServerIdent string `env:"SERVER_IDENT" envDefault:"offloadd/1.0"`

	// MetricsAddr, when non-empty, exposes Prometheus metrics on this
	// address in daemon mode.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:""`
}

// Daemonized reports whether the configuration selects daemon mode over
// CGI mode.
func (c *Config) Daemonized() bool {
	return c.ListenPort != 0
}

// Print logs the configuration at Info level, for a record of what was in
// effect at startup. Listen settings and TrustedProxies appear only in
// daemon mode, LogFile only when LogActivity is set, and MetricsAddr only
// when non-empty.
func (c *Config) Print() {
	log.Info("Config:")
	log.Info("  BaseServer: %s:%d", c.BaseServer, c.BaseServerPort)
	log.Info("  CacheDir: %s", c.CacheDir)
	log.Info("  Timeout: %s", c.Timeout)
	log.Info("  MaxDupeDownloads: %d", c.MaxDupeDownloads)
	if c.Daemonized() {
		log.Info("  Listen: %s:%d (%s)", c.ListenAddr, c.ListenPort, c.ListenFamily)
		log.Info("  TrustedProxies: %v", c.TrustedProxies)
	} else {
		log.Info("  Mode: CGI")
	}
	log.Info("  LogActivity: %t", c.LogActivity)
	if c.LogActivity {
		log.Info("  LogFile: %s", c.LogFile)
	}
	log.Info("  ShmName: %s", c.ShmName)
	log.Info("  ServerIdent: %s", c.ServerIdent)
	if c.MetricsAddr != "" {
		log.Info("  MetricsAddr: %s", c.MetricsAddr)
	}
}

// HumanizeSize formats a byte count for use in log lines.
func HumanizeSize(n int64) string {
	return humanize.IBytes(uint64(n))
}
