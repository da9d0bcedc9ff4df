package discord

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const defaultDNSRefresh = 5 * time.Minute

// Resolver dials through a cached DNS view so the REST client and the
// gateway do not resolve discord.com on every request.
type Resolver struct {
	cache   *dnscache.Resolver
	refresh time.Duration
	dialer  *net.Dialer
}

// NewResolver returns a resolver whose cache is refreshed every refresh
// interval once Start is running.
func NewResolver(refresh time.Duration) *Resolver {
	if refresh <= 0 {
		refresh = defaultDNSRefresh
	}
	return &Resolver{
		cache:   &dnscache.Resolver{},
		refresh: refresh,
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// Start refreshes the cache until ctx is done.
func (r *Resolver) Start(ctx context.Context) {
	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cache.Refresh(true)
			log.Debug().Dur("interval", r.refresh).Msg("DNS cache refreshed")
		}
	}
}

// DialContext resolves address through the cache and dials the first IP.
func (r *Resolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if net.ParseIP(host) != nil {
		return r.dialer.DialContext(ctx, network, address)
	}

	ips, err := r.cache.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}
	return r.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}

// Transport returns an HTTP transport dialing through the cache.
func (r *Resolver) Transport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         r.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}
