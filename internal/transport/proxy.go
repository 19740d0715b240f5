package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"example.com/muxtransport/internal/config"
)

// ProxyCandidate is one way of reaching a destination, produced by a
// ProxyResolver in preference order.
type ProxyCandidate struct {
	Scheme config.ProxyScheme
	Host   string
	Port   int
}

// DirectCandidate is the candidate for a proxy-less connection.
var DirectCandidate = ProxyCandidate{Scheme: config.ProxyDirect}

// IsDirect reports whether the candidate bypasses proxies entirely.
func (c ProxyCandidate) IsDirect() bool { return c.Scheme == config.ProxyDirect }

// Address returns the proxy's host:port. Meaningless for direct candidates.
func (c ProxyCandidate) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Tunnels reports whether reaching a TLS destination through this candidate
// requires a CONNECT tunnel. SOCKS carries raw bytes without one.
func (c ProxyCandidate) Tunnels() bool {
	return c.Scheme == config.ProxyHTTP || c.Scheme == config.ProxyHTTPS
}

// PathString returns the canonical proxy-path form used in session keys:
// empty for direct, scheme://host:port otherwise.
func (c ProxyCandidate) PathString() string {
	if c.IsDirect() {
		return ""
	}
	return fmt.Sprintf("%s://%s", c.Scheme, c.Address())
}

// ProxyResolver supplies the ordered proxy candidates for a destination.
// PAC evaluation and system proxy discovery live behind this interface.
type ProxyResolver interface {
	Resolve(target *url.URL) ([]ProxyCandidate, error)
}

// StaticResolver returns a fixed candidate list for every destination,
// built from configuration. With no configured proxies every destination
// resolves to a single direct candidate.
type StaticResolver struct {
	candidates []ProxyCandidate
}

// NewStaticResolver builds a resolver from configured proxy entries,
// preserving their order.
func NewStaticResolver(proxies []config.ProxyConfig) *StaticResolver {
	candidates := make([]ProxyCandidate, 0, len(proxies))
	for _, p := range proxies {
		if p.Scheme == config.ProxyDirect {
			candidates = append(candidates, DirectCandidate)
			continue
		}
		candidates = append(candidates, ProxyCandidate{Scheme: p.Scheme, Host: p.Host, Port: p.Port})
	}
	if len(candidates) == 0 {
		candidates = append(candidates, DirectCandidate)
	}
	return &StaticResolver{candidates: candidates}
}

// Resolve implements ProxyResolver.
func (r *StaticResolver) Resolve(*url.URL) ([]ProxyCandidate, error) {
	return append([]ProxyCandidate(nil), r.candidates...), nil
}

// ProxyList is the cursor over resolved candidates for one job. Fallback is
// bounded: each ReconsiderAfterError advances the cursor, and once the list
// is exhausted the last error becomes terminal. It never loops.
type ProxyList struct {
	candidates []ProxyCandidate
	index      int
	lastErr    error
}

// NewProxyList wraps resolved candidates in a cursor.
func NewProxyList(candidates []ProxyCandidate) *ProxyList {
	return &ProxyList{candidates: candidates}
}

// Current returns the candidate under the cursor.
func (l *ProxyList) Current() ProxyCandidate {
	return l.candidates[l.index]
}

// ReconsiderAfterError advances to the next candidate after a connectivity
// failure. It reports false when no candidates remain.
func (l *ProxyList) ReconsiderAfterError(err error) bool {
	l.lastErr = err
	if l.index+1 >= len(l.candidates) {
		return false
	}
	l.index++
	return true
}

// LastError returns the most recent connectivity error recorded by
// ReconsiderAfterError.
func (l *ProxyList) LastError() error { return l.lastErr }
