// Package discovery finds chat relays advertised on the local network over
// mDNS.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/grandcat/zeroconf"

	"chatline/clock"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_chatline._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version this client speaks.
	DefaultVersion = 1
	// DefaultPath is the websocket path used when a relay does not name one.
	DefaultPath = "/socket"
	// DefaultRefreshInterval is the background relay discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

// ErrNoRelay is returned when no advertised relay could be attached.
var ErrNoRelay = errors.New("discovery: no relay found")

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	Clock           clock.Clock
	Logger          *slog.Logger

	browseFn browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Clock == nil {
		out.Clock = clock.Real()
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}
