package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ProxyAuth carries credentials for proxy authentication.
type ProxyAuth struct {
	Username string
	Password string
}

func (a ProxyAuth) headerValue() string {
	raw := a.Username + ":" + a.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// tunnel drives an HTTP CONNECT handshake through a proxy. The read buffer
// persists across attempts so a 407 challenge followed by an authenticated
// replay stays on the same physical connection without losing bytes.
type tunnel struct {
	conn            net.Conn
	br              *bufio.Reader
	surfaceResponse bool // HTTPS proxy: a non-tunnel answer becomes a response, not an error
}

func newTunnel(conn net.Conn, surfaceResponse bool) *tunnel {
	return &tunnel{conn: conn, br: bufio.NewReader(conn), surfaceResponse: surfaceResponse}
}

// establish writes one CONNECT request and interprets the proxy's answer.
// A 407 comes back as *ProxyAuthRequiredError with the connection intact;
// on an HTTPS proxy any other non-200 answer comes back as
// *TunnelResponseError carrying the full response.
func (t *tunnel) establish(ctx context.Context, targetAddr string, auth *ProxyAuth) error {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(deadline)
		defer t.conn.SetDeadline(time.Time{})
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetAddr, targetAddr)
	if auth != nil {
		req += "Proxy-Authorization: " + auth.headerValue() + "\r\n"
	}
	req += "\r\n"
	if _, err := t.conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("%w: writing CONNECT: %v", ErrProxyConnectionFailed, err)
	}

	connectReq := &http.Request{Method: http.MethodConnect, URL: &url.URL{Opaque: targetAddr}}
	resp, err := http.ReadResponse(t.br, connectReq)
	if err != nil {
		return fmt.Errorf("%w: reading CONNECT response: %v", ErrProxyConnectionFailed, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		return nil
	case resp.StatusCode == http.StatusProxyAuthRequired:
		resp.Body.Close()
		return &ProxyAuthRequiredError{Challenge: resp.Header.Get("Proxy-Authenticate")}
	case t.surfaceResponse:
		// The proxy answered instead of tunneling; hand the body stream up.
		return &TunnelResponseError{Response: resp}
	default:
		resp.Body.Close()
		return fmt.Errorf("%w: CONNECT to %s returned status %d", ErrProxyConnectionFailed, targetAddr, resp.StatusCode)
	}
}

// netConn returns the established tunnel as a net.Conn. Reads drain any
// bytes the handshake buffered before touching the socket.
func (t *tunnel) netConn() net.Conn {
	return &tunnelConn{Conn: t.conn, br: t.br}
}

type tunnelConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *tunnelConn) Read(p []byte) (int, error) {
	if c.br.Buffered() > 0 {
		return c.br.Read(p)
	}
	return c.Conn.Read(p)
}
