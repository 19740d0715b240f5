package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors for terminal job outcomes.
var (
	// ErrNoSupportedProxies: proxy resolution produced no usable candidate.
	ErrNoSupportedProxies = errors.New("no supported proxy candidates for destination")
	// ErrProxyConnectionFailed: the proxy refused or broke the tunnel.
	ErrProxyConnectionFailed = errors.New("proxy connection failed")
	// ErrConnectionClosed: the session closed before a stream could be opened.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrJobCancelled: the job was cancelled or orphaned by its owner.
	ErrJobCancelled = errors.New("stream establishment job cancelled")
	// ErrCertificateRejected: the caller declined to proceed past a
	// certificate error.
	ErrCertificateRejected = errors.New("certificate rejected by caller")
)

// CertificateError reports an untrusted or invalid server certificate. It is
// user-actionable, not terminal: the job pauses and the caller decides
// whether to allow-list the certificate and continue.
type CertificateError struct {
	Cause error
	Cert  *x509.Certificate // presented leaf, when available
}

// Error returns a string representation of the CertificateError.
func (e *CertificateError) Error() string {
	return fmt.Sprintf("certificate error: %v", e.Cause)
}

// Unwrap returns the underlying verification error.
func (e *CertificateError) Unwrap() error { return e.Cause }

// ClientCertificateError reports that the server demanded a client
// certificate the transport does not have.
type ClientCertificateError struct {
	ServerName string
}

// Error returns a string representation of the ClientCertificateError.
func (e *ClientCertificateError) Error() string {
	return fmt.Sprintf("server %s requires a client certificate", e.ServerName)
}

// ProxyAuthRequiredError reports a 407 from the proxy. The connection is
// preserved so the handshake can be replayed with credentials.
type ProxyAuthRequiredError struct {
	Challenge string // contents of the Proxy-Authenticate header
}

// Error returns a string representation of the ProxyAuthRequiredError.
func (e *ProxyAuthRequiredError) Error() string {
	return fmt.Sprintf("proxy authentication required: %s", e.Challenge)
}

// TunnelResponseError carries a non-tunnel response from an HTTPS proxy: the
// proxy answered the CONNECT itself. This is surfaced to the caller as a
// completed response, not treated as a failure.
type TunnelResponseError struct {
	Response *http.Response
}

// Error returns a string representation of the TunnelResponseError.
func (e *TunnelResponseError) Error() string {
	return fmt.Sprintf("proxy answered tunnel request with status %d", e.Response.StatusCode)
}

// IsConnectivityError reports whether err is transient connectivity trouble
// (DNS failure, refused/reset connection, timeout, broken proxy) rather than
// a protocol or content error. Connectivity errors are eligible for fallback
// to the next proxy candidate; everything else is terminal.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProxyConnectionFailed) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}
	return false
}
