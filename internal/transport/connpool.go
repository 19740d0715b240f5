package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/proxy"

	"example.com/muxtransport/internal/logger"
)

// DialFunc dials a raw transport connection. Injectable for tests.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// LookupFunc resolves a hostname to addresses. Injectable for tests.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// PooledConn is a connection acquired from the ConnPool, carrying the
// instrumentation the pool recorded about it.
type PooledConn struct {
	pool *ConnPool
	key  string

	conn      net.Conn
	reused    bool
	idleTime  time.Duration // how long it sat idle before reuse
	setupTime time.Duration // dial duration for fresh connections

	negotiatedProto string
	detached        bool
}

// Conn returns the underlying connection.
func (c *PooledConn) Conn() net.Conn { return c.conn }

// IsReused reports whether the connection came from the idle set.
func (c *PooledConn) IsReused() bool { return c.reused }

// IdleTime returns how long a reused connection sat idle before acquisition.
func (c *PooledConn) IdleTime() time.Duration { return c.idleTime }

// SetupTime returns the dial duration for a freshly opened connection.
func (c *PooledConn) SetupTime() time.Duration { return c.setupTime }

// NegotiatedProto returns the TLS next-protocol result, empty before
// negotiation or when the peer offered none.
func (c *PooledConn) NegotiatedProto() string { return c.negotiatedProto }

// Detach hands ownership of the underlying connection to the caller; Close
// and Release become no-ops. Used when a Session takes over the socket.
func (c *PooledConn) Detach() net.Conn {
	c.detached = true
	return c.conn
}

// Close discards the connection without returning it to the pool. Required
// for connections whose request/response state is undefined, such as a
// half-open tunnel abandoned by a cancelled job.
func (c *PooledConn) Close() error {
	if c.detached || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// replaceConn swaps the underlying connection, used when a tunnel or TLS
// layer wraps the original socket.
func (c *PooledConn) replaceConn(nc net.Conn) { c.conn = nc }

type idleEntry struct {
	conn  net.Conn
	since time.Time
}

// ConnPool supplies raw transport and TLS-wrapped sockets keyed by
// destination, with idle reuse. Released plaintext connections are parked
// and handed back until the idle timeout reaps them.
type ConnPool struct {
	log         *logger.Logger
	clock       clockwork.Clock
	dial        DialFunc
	lookup      LookupFunc
	idleTimeout time.Duration

	mu     sync.Mutex
	idle   map[string][]idleEntry
	closed bool
}

// NewConnPool creates a connection pool. A nil dial uses net.Dialer, a nil
// clock uses the real clock.
func NewConnPool(idleTimeout time.Duration, clock clockwork.Clock, dial DialFunc, log *logger.Logger) *ConnPool {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if dial == nil {
		dialer := &net.Dialer{}
		dial = dialer.DialContext
	}
	return &ConnPool{
		log:         log,
		clock:       clock,
		dial:        dial,
		lookup:      func(ctx context.Context, host string) ([]string, error) { return net.DefaultResolver.LookupHost(ctx, host) },
		idleTimeout: idleTimeout,
		idle:        make(map[string][]idleEntry),
	}
}

// SetLookup overrides hostname resolution, primarily for tests.
func (p *ConnPool) SetLookup(lookup LookupFunc) { p.lookup = lookup }

// ResolveAddr resolves host and returns the first address joined with port,
// or "" when resolution fails. Used for the session alias check before a
// fresh dial.
func (p *ConnPool) ResolveAddr(ctx context.Context, host string, port int) string {
	addrs, err := p.lookup(ctx, host)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return net.JoinHostPort(addrs[0], fmt.Sprintf("%d", port))
}

// Acquire returns a pooled idle connection to addr, or dials a new one.
// priority is recorded for instrumentation only.
func (p *ConnPool) Acquire(ctx context.Context, addr string, priority uint8) (*PooledConn, error) {
	if entry, ok := p.takeIdle(addr); ok {
		idleFor := p.clock.Since(entry.since)
		p.log.Debug("connection reused", logger.LogFields{"addr": addr, "idle": idleFor.String(), "priority": priority})
		return &PooledConn{pool: p, key: addr, conn: entry.conn, reused: true, idleTime: idleFor}, nil
	}

	start := p.clock.Now()
	conn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	setup := p.clock.Since(start)
	p.log.Debug("connection opened", logger.LogFields{"addr": addr, "setup": setup.String(), "priority": priority})
	return &PooledConn{pool: p, key: addr, conn: conn, setupTime: setup}, nil
}

// AcquireViaSOCKS dials targetAddr through a SOCKS5 proxy. SOCKS
// connections are keyed by the full proxy+target pair so reuse never
// crosses tunnels.
func (p *ConnPool) AcquireViaSOCKS(ctx context.Context, proxyAddr, targetAddr string, priority uint8) (*PooledConn, error) {
	key := "socks5://" + proxyAddr + "=>" + targetAddr
	if entry, ok := p.takeIdle(key); ok {
		return &PooledConn{pool: p, key: key, conn: entry.conn, reused: true, idleTime: p.clock.Since(entry.since)}, nil
	}

	forward := &contextDialer{ctx: ctx, dial: p.dial}
	socks, err := proxy.SOCKS5("tcp", proxyAddr, nil, forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %s: %w", proxyAddr, err)
	}
	start := p.clock.Now()
	var conn net.Conn
	if cd, ok := socks.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", targetAddr)
	} else {
		conn, err = socks.Dial("tcp", targetAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: socks5 dial %s via %s: %v", ErrProxyConnectionFailed, targetAddr, proxyAddr, err)
	}
	p.log.Debug("socks connection opened", logger.LogFields{"proxy": proxyAddr, "target": targetAddr, "priority": priority})
	return &PooledConn{pool: p, key: key, conn: conn, setupTime: p.clock.Since(start)}, nil
}

// NegotiateTLS wraps the connection in TLS and performs the handshake.
// Certificate failures come back as *CertificateError so the caller can
// pause for a user decision; a client-certificate demand comes back as
// *ClientCertificateError.
func (p *ConnPool) NegotiateTLS(ctx context.Context, pc *PooledConn, cfg *tls.Config) error {
	tlsConn := tls.Client(pc.conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		var verifyErr *tls.CertificateVerificationError
		if errors.As(err, &verifyErr) {
			var leaf *x509.Certificate
			if len(verifyErr.UnverifiedCertificates) > 0 {
				leaf = verifyErr.UnverifiedCertificates[0]
			}
			return &CertificateError{Cause: err, Cert: leaf}
		}
		var x509Err x509.UnknownAuthorityError
		if errors.As(err, &x509Err) {
			return &CertificateError{Cause: err, Cert: x509Err.Cert}
		}
		if strings.Contains(err.Error(), "certificate required") {
			return &ClientCertificateError{ServerName: cfg.ServerName}
		}
		return fmt.Errorf("tls handshake with %s: %w", cfg.ServerName, err)
	}
	pc.conn = tlsConn
	pc.negotiatedProto = tlsConn.ConnectionState().NegotiatedProtocol
	return nil
}

// Release parks a connection for reuse. Connections mid-handshake or with
// undefined stream state must be Closed instead.
func (p *ConnPool) Release(pc *PooledConn) {
	if pc.detached || pc.conn == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pc.conn.Close()
		return
	}
	p.idle[pc.key] = append(p.idle[pc.key], idleEntry{conn: pc.conn, since: p.clock.Now()})
	p.mu.Unlock()
}

// CloseIdle drops every parked connection.
func (p *ConnPool) CloseIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[string][]idleEntry)
	p.mu.Unlock()
	for _, entries := range idle {
		for _, e := range entries {
			e.conn.Close()
		}
	}
}

// Close shuts the pool down; parked connections are closed and future
// releases close their connections immediately.
func (p *ConnPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.CloseIdle()
}

// takeIdle pops the freshest usable idle connection for key, reaping
// expired entries as it goes.
func (p *ConnPool) takeIdle(key string) (idleEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.idle[key]
	for len(entries) > 0 {
		entry := entries[len(entries)-1]
		entries = entries[:len(entries)-1]
		if p.idleTimeout > 0 && p.clock.Since(entry.since) > p.idleTimeout {
			entry.conn.Close()
			continue
		}
		if len(entries) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = entries
		}
		return entry, true
	}
	delete(p.idle, key)
	return idleEntry{}, false
}

// contextDialer adapts the pool's DialFunc to the x/net/proxy forward
// dialer interfaces, threading the acquiring job's context through.
type contextDialer struct {
	ctx  context.Context
	dial DialFunc
}

func (d *contextDialer) Dial(network, addr string) (net.Conn, error) {
	return d.dial(d.ctx, network, addr)
}

func (d *contextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.dial(ctx, network, addr)
}
