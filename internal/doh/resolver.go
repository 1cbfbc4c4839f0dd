package doh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/sammcj/privsearch/internal/searcherr"
)

const (
	contentType = "application/dns-message"

	// minCacheTTL floors cached answers so short TTLs do not cause a query per request
	minCacheTTL    = 30 * time.Second
	maxMessageSize = 64 << 10
	defaultTimeout = 5 * time.Second
)

// Well-known RFC 8484 endpoints
var providerEndpoints = map[string]string{
	"cloudflare": "https://cloudflare-dns.com/dns-query",
	"google":     "https://dns.google/dns-query",
	"quad9":      "https://dns.quad9.net/dns-query",
}

// EndpointFor resolves a provider name or custom https URL to a DoH endpoint.
// "none" and "" report false.
func EndpointFor(provider string) (string, bool) {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" || p == "none" {
		return "", false
	}
	if ep, ok := providerEndpoints[p]; ok {
		return ep, true
	}
	if strings.HasPrefix(p, "https://") {
		return strings.TrimSpace(provider), true
	}
	return "", false
}

type cacheEntry struct {
	addrs   []string
	expires time.Time
}

// Resolver looks hostnames up over DNS-over-HTTPS
type Resolver struct {
	endpoint string
	client   *http.Client
	logger   *logrus.Logger
	dialer   *net.Dialer
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a resolver for endpoint. client carries the DoH requests
// themselves and must not dial through this resolver.
func New(endpoint string, client *http.Client, logger *logrus.Logger) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{
		endpoint: endpoint,
		client:   client,
		logger:   logger,
		dialer:   &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
}

// Endpoint returns the DoH URL in use
func (r *Resolver) Endpoint() string { return r.endpoint }

// LookupHost returns IPv4 addresses followed by IPv6 addresses for host.
// IP literals are returned unchanged without a query.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}
	key := strings.ToLower(strings.TrimSuffix(host, "."))

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && r.now().Before(e.expires) {
		r.mu.Unlock()
		return append([]string(nil), e.addrs...), nil
	}
	r.mu.Unlock()

	var addrs []string
	var minTTL uint32
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, ttl, err := r.exchange(ctx, key, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		if len(found) > 0 && (minTTL == 0 || ttl < minTTL) {
			minTTL = ttl
		}
		addrs = append(addrs, found...)
	}

	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &net.DNSError{Err: "no such host", Name: host, Server: r.endpoint, IsNotFound: true}
	}

	ttl := max(time.Duration(minTTL)*time.Second, minCacheTTL)
	r.mu.Lock()
	r.cache[key] = cacheEntry{addrs: addrs, expires: r.now().Add(ttl)}
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"host":  key,
		"addrs": len(addrs),
		"ttl":   ttl.String(),
	}).Debug("Resolved host over DoH")

	return append([]string(nil), addrs...), nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) ([]string, uint32, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	// RFC 8484 4.1: id 0 keeps identical queries cache friendly
	msg.Id = 0

	packed, err := msg.Pack()
	if err != nil {
		return nil, 0, searcherr.Validation("failed to pack DNS query for %q: %v", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(packed))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create DoH request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, searcherr.Classify(r.endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, 0, searcherr.Classify(r.endpoint, fmt.Errorf("failed to read DoH response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, searcherr.FromStatus(r.endpoint, resp.StatusCode, resp.Header, body)
	}

	answer := new(dns.Msg)
	if err := answer.Unpack(body); err != nil {
		return nil, 0, searcherr.Wrap(searcherr.KindServer, r.endpoint, fmt.Errorf("malformed DNS response: %w", err))
	}

	switch answer.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		return nil, 0, searcherr.New(searcherr.KindServer, r.endpoint,
			fmt.Sprintf("DNS query for %s failed: %s", name, dns.RcodeToString[answer.Rcode]))
	}

	var addrs []string
	var minTTL uint32
	for _, rr := range answer.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			// CNAME chains are flattened by the recursive resolver
			continue
		}
		addrs = append(addrs, ip.String())
		if ttl := rr.Header().Ttl; minTTL == 0 || ttl < minTTL {
			minTTL = ttl
		}
	}
	return addrs, minTTL, nil
}

// DialContext resolves addr over DoH and dials the first reachable address.
// It matches the signature of net.Dialer.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid dial address %q: %w", addr, err)
	}

	ips, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		isV6 := strings.Contains(ip, ":")
		if (network == "tcp4" && isV6) || (network == "tcp6" && !isV6) {
			continue
		}
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &net.DNSError{Err: "no address for network " + network, Name: host}
	}
	return nil, lastErr
}

// Prune drops expired answers and returns how many were removed
func (r *Resolver) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for host, e := range r.cache {
		if !now.Before(e.expires) {
			delete(r.cache, host)
			removed++
		}
	}
	return removed
}

// CacheLen returns the number of cached answers, expired or not
func (r *Resolver) CacheLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Flush empties the answer cache
func (r *Resolver) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.cache)
}
