package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"example.com/muxtransport/internal/config"
	"example.com/muxtransport/internal/logger"
	"example.com/muxtransport/internal/spdy"
	"example.com/muxtransport/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	timeout := flag.Duration("timeout", 30*time.Second, "overall fetch timeout")
	proxyUser := flag.String("proxy-user", "", "username for proxy authentication")
	proxyPass := flag.String("proxy-pass", "", "password for proxy authentication")
	allowBadCert := flag.Bool("allow-bad-cert", false, "continue past server certificate errors")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] URL\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(*configPath, flag.Arg(0), *timeout, *proxyUser, *proxyPass, *allowBadCert); err != nil {
		fmt.Fprintf(os.Stderr, "muxget: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, rawURL string, timeout time.Duration, proxyUser, proxyPass string, allowBadCert bool) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.Parse(nil)
	}
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()

	target, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	sessionPool := spdy.NewSessionPool(cfg.IPPoolingEnabled(), cfg.Transport.MaxControlFrameSize, log)
	connPool := transport.NewConnPool(cfg.IdleConnTimeout(), nil, nil, log)
	factory := transport.NewFactory(cfg, sessionPool, connPool, nil, log)
	defer factory.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fetcher := &fetcher{
		ctx:          ctx,
		log:          log,
		target:       target,
		proxyUser:    proxyUser,
		proxyPass:    proxyPass,
		allowBadCert: allowBadCert,
		done:         make(chan error, 1),
	}

	req := &transport.RequestInfo{
		URL:      target,
		Headers:  requestHeaders(target),
		Priority: 1,
		NoBody:   true,
	}
	request, err := factory.NewRequest(req, fetcher)
	if err != nil {
		return err
	}
	fetcher.request = request
	request.Start()

	select {
	case err := <-fetcher.done:
		return err
	case <-ctx.Done():
		request.Cancel()
		return ctx.Err()
	}
}

func requestHeaders(u *url.URL) spdy.HeaderBlock {
	path := u.RequestURI()
	h := spdy.HeaderBlock{}
	h.Add("method", http.MethodGet)
	h.Add("url", path)
	h.Add("version", "HTTP/1.1")
	h.Add("host", u.Host)
	h.Add("scheme", u.Scheme)
	return h
}

// fetcher performs one GET over whatever transport the job establishes and
// writes the response body to stdout.
type fetcher struct {
	ctx          context.Context
	log          *logger.Logger
	target       *url.URL
	request      *transport.Request
	proxyUser    string
	proxyPass    string
	allowBadCert bool
	done         chan error
}

func (f *fetcher) OnStreamReady(es *transport.EstablishedStream) {
	go func() {
		if es.Stream != nil {
			f.done <- f.fetchMultiplexed(es.Stream)
			return
		}
		f.done <- f.fetchClassic(es)
	}()
}

func (f *fetcher) fetchMultiplexed(stream *spdy.Stream) error {
	reply, err := stream.WaitReply(f.ctx)
	if err != nil {
		return fmt.Errorf("waiting for reply: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", reply.Get("version"), reply.Get("status"))
	if _, err := io.Copy(os.Stdout, stream); err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return nil
}

func (f *fetcher) fetchClassic(es *transport.EstablishedStream) error {
	conn := es.Conn.Conn()
	defer es.Conn.Close()

	// Through a non-tunneling proxy the request line carries the full URL.
	requestTarget := f.target.RequestURI()
	if !es.ViaProxy.IsDirect() && f.target.Scheme == "http" {
		requestTarget = f.target.String()
	}
	reqText := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", requestTarget, f.target.Host)
	if _, err := conn.Write([]byte(reqText)); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	defer resp.Body.Close()
	fmt.Fprintf(os.Stderr, "%s\n", resp.Status)
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return nil
}

func (f *fetcher) OnSessionReady(s *spdy.Session) {
	f.log.Info("multiplexed session established", logger.LogFields{"key": s.Key().String()})
}

func (f *fetcher) OnFailed(err error) {
	f.done <- err
}

func (f *fetcher) OnCertificateError(certErr *transport.CertificateError) {
	if f.allowBadCert {
		f.log.Warn("continuing past certificate error", logger.LogFields{"error": certErr.Error()})
		f.request.ResumeAfterCertDecision(true)
		return
	}
	f.request.ResumeAfterCertDecision(false)
}

func (f *fetcher) OnNeedsProxyAuth(authErr *transport.ProxyAuthRequiredError) {
	if f.proxyUser == "" {
		f.done <- fmt.Errorf("proxy requires authentication: %s", authErr.Challenge)
		f.request.Cancel()
		return
	}
	f.request.RestartWithProxyAuth(transport.ProxyAuth{Username: f.proxyUser, Password: f.proxyPass})
}

func (f *fetcher) OnNeedsClientCertificate(certErr *transport.ClientCertificateError) {
	f.done <- certErr
}

func (f *fetcher) OnProxyTunnelResponse(respErr *transport.TunnelResponseError) {
	resp := respErr.Response
	defer resp.Body.Close()
	fmt.Fprintf(os.Stderr, "%s (from proxy)\n", resp.Status)
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		f.done <- err
		return
	}
	f.done <- nil
}
