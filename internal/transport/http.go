package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/sammcj/privsearch/internal/config"
	"github.com/sammcj/privsearch/internal/doh"
	"github.com/sammcj/privsearch/internal/telemetry"
)

type dialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewHTTPClient builds the pooled client every executor uses. Connections go
// through the profile's proxy when enabled; otherwise hostnames are resolved
// by resolver when one is given.
func NewHTTPClient(profile config.PrivacyProfile, resolver *doh.Resolver, timeout time.Duration) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	var dial dialContextFunc = dialer.DialContext
	if resolver != nil {
		dial = resolver.DialContext
	}

	transport := &http.Transport{
		DialContext:           dial,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	if profile.UseProxy {
		switch strings.ToLower(profile.ProxyType) {
		case "", "socks5":
			// hostnames are passed to the proxy unresolved
			d, err := proxy.SOCKS5("tcp", profile.ProxyAddress, nil, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
			}
			cd, ok := d.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", profile.ProxyAddress)
			}
			transport.DialContext = cd.DialContext
		case "http":
			proxyURL, err := parseProxyURL(profile.ProxyAddress)
			if err != nil {
				return nil, err
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		default:
			return nil, fmt.Errorf("unsupported proxy type %q", profile.ProxyType)
		}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: telemetry.WrapHTTPTransport(transport),
	}, nil
}

func parseProxyURL(addr string) (*url.URL, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid HTTP proxy address %q", addr)
	}
	return u, nil
}
