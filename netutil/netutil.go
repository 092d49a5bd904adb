// Package netutil holds small host-network helpers used during registration and for
// broker reachability checks.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	// FallbackAddress is reported when no usable IPv4 interface address exists.
	FallbackAddress = "127.0.0.1"
	// DefaultProbeTimeout bounds Probe when the caller passes no timeout.
	DefaultProbeTimeout = 5 * time.Second
)

// interfaceAddrs is swapped in tests.
var interfaceAddrs = func() ([]netInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]netInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, netInterface{flags: iface.Flags, addrs: addrs})
	}
	return out, nil
}

type netInterface struct {
	flags net.Flags
	addrs []net.Addr
}

// LocalIPv4 returns the first non-loopback IPv4 address of an interface that is up.
// It never fails; FallbackAddress is returned when nothing suitable exists.
func LocalIPv4() string {
	ifaces, err := interfaceAddrs()
	if err != nil {
		return FallbackAddress
	}

	for _, iface := range ifaces {
		if iface.flags&net.FlagUp == 0 || iface.flags&net.FlagLoopback != 0 {
			continue
		}
		for _, addr := range iface.addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	}
	return FallbackAddress
}

// ValidIPv4 reports whether s is a dotted-quad IPv4 address, the form the broker
// expects at registration.
func ValidIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil && ip.String() == s
}

// ErrProbeTimeout indicates the connectivity probe did not complete in time.
var ErrProbeTimeout = errors.New("netutil: probe timed out")

// Probe dials hostport over TCP and reports whether a connection could be established.
// A timeout always applies.
func Probe(ctx context.Context, hostport string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrProbeTimeout, hostport)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %s", ErrProbeTimeout, hostport)
		}
		return fmt.Errorf("probe %s: %w", hostport, err)
	}
	_ = conn.Close()
	return nil
}
