package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ErrNoBroker indicates a scan finished without finding any broker.
var ErrNoBroker = errors.New("discovery: no broker found")

// Broker is one advertised broker endpoint.
type Broker struct {
	Instance  string
	HostName  string
	Port      int
	Scheme    string
	Path      string
	Version   int
	Addresses []string
}

// URL returns the broker's HTTP base URL, preferring an IPv4 address.
func (b Broker) URL() string {
	host := strings.TrimSuffix(b.HostName, ".")
	if len(b.Addresses) > 0 {
		host = b.Addresses[0]
	}
	scheme := b.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(b.Port)) + b.Path
}

// FindBrokers browses for brokers until the scan timeout or ctx ends and returns every
// distinct broker seen, ordered by instance name.
func FindBrokers(ctx context.Context, config Config) ([]Broker, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Broker)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				broker, ok := parseEntry(entry)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[broker.Instance] = broker
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	out := make([]Broker, 0, len(collected))
	for _, broker := range collected {
		out = append(out, broker)
	}
	collectedMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

// FindBroker returns the first broker found, or ErrNoBroker.
func FindBroker(ctx context.Context, config Config) (Broker, error) {
	brokers, err := FindBrokers(ctx, config)
	if err != nil {
		return Broker{}, err
	}
	if len(brokers) == 0 {
		return Broker{}, ErrNoBroker
	}
	return brokers[0], nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Broker, bool) {
	if entry.Port <= 0 {
		return Broker{}, false
	}
	txt := txtToMap(entry.Text)

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	scheme := strings.ToLower(txt["scheme"])
	if scheme != "https" {
		scheme = "http"
	}

	path := strings.TrimRight(txt["path"], "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return Broker{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	return Broker{
		Instance:  name,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Scheme:    scheme,
		Path:      path,
		Version:   version,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
