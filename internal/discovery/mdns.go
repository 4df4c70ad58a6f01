// Package discovery advertises relays on the local network and finds them
// again from peers, so a LAN session needs no configured relay URL.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	ServiceType = "_collab-relay._tcp"
	domain      = "local."
	pathTXT     = "path="
)

// Advertisement is a registered mDNS service. Shutdown withdraws it.
type Advertisement struct {
	server *zeroconf.Server
}

func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
}

// Advertise announces a relay listening on port.
func Advertise(port int, logger zerolog.Logger) (*Advertisement, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("%s-%s", "collab-relay", host),
		ServiceType,
		domain,
		port,
		[]string{"txtv=1", pathTXT + "/ws"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service: %w", err)
	}
	logger.Info().Str("service", ServiceType).Int("port", port).Msg("mDNS service registered")
	return &Advertisement{server: server}, nil
}

// Browse collects relay websocket URLs seen until ctx ends.
func Browse(ctx context.Context, logger zerolog.Logger) ([]string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	found := make(map[string]struct{})
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			url, ok := relayURL(entry)
			if !ok {
				continue
			}
			mu.Lock()
			if _, seen := found[url]; !seen {
				logger.Debug().Str("instance", entry.Instance).Str("relay", url).Msg("mDNS discovered relay")
				found[url] = struct{}{}
			}
			mu.Unlock()
		}
	}(entries)

	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("browsing for mDNS services: %w", err)
	}
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	urls := make([]string, 0, len(found))
	for url := range found {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls, nil
}

func relayURL(entry *zeroconf.ServiceEntry) (string, bool) {
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}
	path := "/ws"
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, pathTXT) {
			path = strings.TrimPrefix(txt, pathTXT)
		}
	}
	return "ws://" + net.JoinHostPort(ip.String(), fmt.Sprint(entry.Port)) + path, true
}
