// Package discovery locates a broker on the local network over mDNS and can advertise a
// known broker for clients that cannot be configured by hand.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_signik._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS lookups and advertisements.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	registerFn registerFunc
	browseFn   browseFunc
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
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Advertiser announces a broker via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise announces the broker reachable at brokerURL under instance. The port and
// scheme come from the URL.
func Advertise(config Config, instance, brokerURL string) (*Advertiser, error) {
	cfg := config.withDefaults()

	instance = strings.TrimSpace(instance)
	if instance == "" {
		return nil, errors.New("instance name is required")
	}
	u, err := url.Parse(strings.TrimSpace(brokerURL))
	if err != nil {
		return nil, fmt.Errorf("parse broker URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("broker URL must be http or https, got %q", u.Scheme)
	}
	port, err := urlPort(u)
	if err != nil {
		return nil, err
	}

	txt := []string{
		"version=" + strconv.Itoa(cfg.Version),
		"scheme=" + u.Scheme,
	}
	if path := strings.TrimRight(u.Path, "/"); path != "" {
		txt = append(txt, "path="+path)
	}

	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

func urlPort(u *url.URL) (int, error) {
	raw := u.Port()
	if raw == "" {
		if u.Scheme == "https" {
			return 443, nil
		}
		return 80, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid broker port %q", raw)
	}
	return port, nil
}
