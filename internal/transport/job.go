package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	"example.com/muxtransport/internal/config"
	"example.com/muxtransport/internal/logger"
	"example.com/muxtransport/internal/spdy"
)

// JobState is the current phase of a stream-establishment job.
type JobState int

const (
	StateIdle JobState = iota
	StateResolveProxy
	StateWaitForJob
	StateInitConnection
	StateWaitingUserAction
	StateRestartTunnelAuth
	StateCreateStream
	StateDone
)

// String returns the state's name for logging.
func (s JobState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolveProxy:
		return "resolve_proxy"
	case StateWaitForJob:
		return "wait_for_job"
	case StateInitConnection:
		return "init_connection"
	case StateWaitingUserAction:
		return "waiting_user_action"
	case StateRestartTunnelAuth:
		return "restart_tunnel_auth"
	case StateCreateStream:
		return "create_stream"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// RequestInfo describes the exchange a job should establish transport for.
type RequestInfo struct {
	URL      *url.URL
	Headers  spdy.HeaderBlock // sent on SYN_STREAM when the session multiplexes
	Priority uint8            // clamped to the protocol's 2-bit range
	NoBody   bool             // half-close the local side on open
}

// EstablishedStream is a job's successful result: exactly one of Conn or
// Stream is set, depending on whether the destination multiplexes.
type EstablishedStream struct {
	Conn     *PooledConn   // classic byte-stream transport, nil when multiplexed
	Stream   *spdy.Stream  // multiplexed stream, nil on the classic path
	Session  *spdy.Session // set alongside Stream
	ViaProxy ProxyCandidate
}

// Delegate receives a job's progress and terminal outcome. Exactly one of
// OnStreamReady, OnFailed, OnNeedsClientCertificate or OnProxyTunnelResponse
// fires per job; OnSessionReady, OnCertificateError and OnNeedsProxyAuth are
// intermediate. A cancelled job fires nothing.
type Delegate interface {
	// OnStreamReady delivers the established transport.
	OnStreamReady(es *EstablishedStream)
	// OnSessionReady fires when the job created a brand-new session, before
	// OnStreamReady. Pool-reuse does not fire it.
	OnSessionReady(s *spdy.Session)
	// OnFailed reports a terminal error.
	OnFailed(err error)
	// OnCertificateError pauses the job: the caller answers with
	// ResumeAfterCertDecision.
	OnCertificateError(certErr *CertificateError)
	// OnNeedsProxyAuth pauses the job on a 407: the caller answers with
	// RestartWithProxyAuth or Cancel. The tunnel connection stays open.
	OnNeedsProxyAuth(authErr *ProxyAuthRequiredError)
	// OnNeedsClientCertificate is terminal: the transport holds no client
	// certificates to offer.
	OnNeedsClientCertificate(certErr *ClientCertificateError)
	// OnProxyTunnelResponse is terminal: an HTTPS proxy answered the tunnel
	// request itself and its response is handed up as the result.
	OnProxyTunnelResponse(respErr *TunnelResponseError)
}

type resumeAction int

const (
	resumeRetryConnection resumeAction = iota
	resumeTunnelAuth
	resumeAbort
)

type resumeMsg struct {
	action resumeAction
	auth   *ProxyAuth
}

// Job drives one stream establishment through its phases: proxy resolution,
// optional wait on an equivalent in-flight job, connection setup with bounded
// proxy fallback, and stream creation. Each phase runs on the job's own
// goroutine; user-actionable problems pause the machine until the owner
// answers through the public resume methods.
type Job struct {
	factory  *Factory
	log      *logger.Logger
	req      *RequestInfo
	delegate Delegate

	ctx    context.Context
	cancel context.CancelFunc

	host      string
	port      int
	secure    bool
	dedupeKey string

	proxies  *ProxyList
	viaProxy ProxyCandidate
	pc       *PooledConn
	tun      *tunnel
	session  *spdy.Session

	proxyAuth      *ProxyAuth
	allowedCerts   [][]byte
	pendingCertErr *CertificateError
	certStatus     error // certificate error the owner chose to ignore

	resumeCh chan resumeMsg

	// Wait-graph edges, guarded by factory.graphMu.
	blockingJob  *Job
	dependentJob *Job
	peerDoneCh   chan struct{}
	peerDoneOnce sync.Once

	mu    sync.Mutex
	state JobState

	finishOnce sync.Once
}

func newJob(f *Factory, req *RequestInfo, delegate Delegate) (*Job, error) {
	host, port, err := targetHostPort(req.URL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		factory:    f,
		log:        f.log,
		req:        req,
		delegate:   delegate,
		ctx:        ctx,
		cancel:     cancel,
		host:       host,
		port:       port,
		secure:     req.URL.Scheme == "https",
		dedupeKey:  net.JoinHostPort(host, strconv.Itoa(port)),
		resumeCh:   make(chan resumeMsg, 1),
		peerDoneCh: make(chan struct{}),
		state:      StateIdle,
	}, nil
}

func targetHostPort(u *url.URL) (string, int, error) {
	if u == nil || u.Hostname() == "" {
		return "", 0, errors.New("request url has no host")
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, fmt.Errorf("request url has invalid port %q", p)
		}
		return u.Hostname(), port, nil
	}
	switch u.Scheme {
	case "https":
		return u.Hostname(), 443, nil
	case "http":
		return u.Hostname(), 80, nil
	default:
		return "", 0, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

// Start runs the job asynchronously. Results arrive on the delegate.
func (j *Job) Start() {
	go j.run()
}

// State returns the job's current phase.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Cancel aborts the job. No delegate callback fires; any half-established
// connection is closed by the job goroutine as it unwinds.
func (j *Job) Cancel() {
	j.finish(nil)
	j.cancel()
	j.sendResume(resumeMsg{action: resumeAbort})
}

// RestartWithProxyAuth resumes a job paused on a 407, replaying the tunnel
// handshake on the same connection with credentials attached.
func (j *Job) RestartWithProxyAuth(auth ProxyAuth) {
	j.sendResume(resumeMsg{action: resumeTunnelAuth, auth: &auth})
}

// ResumeAfterCertDecision resumes a job paused on a certificate error. With
// allow the presented certificate is pinned for the retry and the resulting
// session carries the ignored error as its certificate status; otherwise the
// job fails with ErrCertificateRejected.
func (j *Job) ResumeAfterCertDecision(allow bool) {
	if allow {
		j.sendResume(resumeMsg{action: resumeRetryConnection})
		return
	}
	j.sendResume(resumeMsg{action: resumeAbort})
}

func (j *Job) sendResume(msg resumeMsg) {
	select {
	case j.resumeCh <- msg:
	default:
	}
}

func (j *Job) run() {
	next := StateResolveProxy
	for {
		if err := j.ctx.Err(); err != nil {
			j.fail(err)
			return
		}
		j.setState(next)

		var err error
		switch next {
		case StateResolveProxy:
			next, err = j.doResolveProxy()
		case StateWaitForJob:
			next, err = j.doWaitForJob()
		case StateInitConnection:
			next, err = j.doInitConnection()
		case StateWaitingUserAction:
			next, err = j.doWaitUserAction()
		case StateRestartTunnelAuth:
			next, err = j.doRestartTunnelAuth()
		case StateCreateStream:
			next, err = j.doCreateStream()
		case StateDone:
			return
		}
		if err != nil {
			j.fail(err)
			return
		}
	}
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	prev := j.state
	j.state = s
	j.mu.Unlock()
	if prev != s {
		j.log.Debug("job state change", logger.LogFields{
			"target": j.dedupeKey,
			"from":   prev.String(),
			"to":     s.String(),
		})
	}
}

func (j *Job) doResolveProxy() (JobState, error) {
	candidates, err := j.factory.resolver.Resolve(j.req.URL)
	if err != nil {
		return StateDone, fmt.Errorf("proxy resolution for %s: %w", j.req.URL.Host, err)
	}
	if len(candidates) == 0 {
		return StateDone, ErrNoSupportedProxies
	}
	j.proxies = NewProxyList(candidates)

	// At most one job per destination dials at a time; a second job waits and
	// then finds the winner's session in the pool.
	f := j.factory
	f.graphMu.Lock()
	if incumbent := f.inflight[j.dedupeKey]; incumbent != nil && incumbent != j && incumbent.dependentJob == nil {
		j.blockingJob = incumbent
		incumbent.dependentJob = j
		f.graphMu.Unlock()
		return StateWaitForJob, nil
	}
	f.inflight[j.dedupeKey] = j
	f.graphMu.Unlock()
	return StateInitConnection, nil
}

func (j *Job) doWaitForJob() (JobState, error) {
	select {
	case <-j.ctx.Done():
		return StateDone, j.ctx.Err()
	case <-j.peerDoneCh:
	}
	j.factory.graphMu.Lock()
	j.blockingJob = nil
	j.factory.graphMu.Unlock()
	return StateInitConnection, nil
}

func (j *Job) doInitConnection() (JobState, error) {
	candidate := j.proxies.Current()
	key := j.sessionKey(candidate)

	if s := j.factory.pool.Get(key); s != nil {
		j.session = s
		j.viaProxy = candidate
		return StateCreateStream, nil
	}
	if j.secure && candidate.IsDirect() && j.factory.cfg.IPPoolingEnabled() {
		if addr := j.factory.connPool.ResolveAddr(j.ctx, j.host, j.port); addr != "" {
			if s := j.factory.pool.GetByAlias(key, addr); s != nil {
				j.log.Info("session aliased by address", logger.LogFields{
					"host": j.host,
					"addr": addr,
					"key":  s.Key().String(),
				})
				j.session = s
				j.viaProxy = candidate
				return StateCreateStream, nil
			}
		}
	}

	pc, err := j.dialCandidate(candidate)
	if err != nil {
		return j.handleConnectError(err)
	}
	j.pc = pc
	j.viaProxy = candidate

	if j.secure && candidate.Tunnels() {
		j.tun = newTunnel(pc.Conn(), candidate.Scheme == config.ProxyHTTPS)
		if err := j.tun.establish(j.ctx, j.targetAddr(), j.proxyAuth); err != nil {
			return j.handleConnectError(err)
		}
		pc.replaceConn(j.tun.netConn())
		j.tun = nil
	}

	if err := j.negotiateTargetTLS(); err != nil {
		return j.handleConnectError(err)
	}
	return StateCreateStream, nil
}

func (j *Job) doWaitUserAction() (JobState, error) {
	select {
	case <-j.ctx.Done():
		return StateDone, j.ctx.Err()
	case msg := <-j.resumeCh:
		switch msg.action {
		case resumeRetryConnection:
			if j.pendingCertErr == nil {
				// A plain retry while paused on proxy auth abandons the held
				// tunnel connection; the fresh dial must not leak it.
				j.discardConn()
				return StateInitConnection, nil
			}
			if j.pendingCertErr.Cert != nil {
				j.allowedCerts = append(j.allowedCerts, j.pendingCertErr.Cert.Raw)
			}
			j.certStatus = j.pendingCertErr
			j.pendingCertErr = nil
			return StateInitConnection, nil
		case resumeTunnelAuth:
			j.proxyAuth = msg.auth
			return StateRestartTunnelAuth, nil
		default:
			return StateDone, ErrCertificateRejected
		}
	}
}

func (j *Job) doRestartTunnelAuth() (JobState, error) {
	if j.tun == nil || j.proxyAuth == nil {
		return StateDone, errors.New("no pending tunnel to restart")
	}
	if err := j.tun.establish(j.ctx, j.targetAddr(), j.proxyAuth); err != nil {
		return j.handleConnectError(err)
	}
	j.pc.replaceConn(j.tun.netConn())
	j.tun = nil
	if err := j.negotiateTargetTLS(); err != nil {
		return j.handleConnectError(err)
	}
	return StateCreateStream, nil
}

func (j *Job) doCreateStream() (JobState, error) {
	if j.session != nil {
		return j.openOnSession(j.session, false)
	}

	usingMux := j.pc.NegotiatedProto() == spdy.NextProtoMux || j.factory.cfg.Transport.ForceMultiplexed
	if !usingMux {
		pc := j.pc
		j.pc = nil
		j.finish(func(d Delegate) {
			d.OnStreamReady(&EstablishedStream{Conn: pc, ViaProxy: j.viaProxy})
		})
		return StateDone, nil
	}

	key := j.sessionKey(j.viaProxy)
	s, created, err := j.factory.pool.RegisterFromConn(key, j.pc.Conn(), j.certStatus)
	if err != nil {
		return StateDone, err
	}
	if created {
		j.pc.Detach()
	} else {
		// A concurrent job registered first; its session wins.
		j.pc.Close()
	}
	j.pc = nil
	return j.openOnSession(s, created)
}

func (j *Job) openOnSession(s *spdy.Session, created bool) (JobState, error) {
	if s.IsClosed() {
		return StateDone, ErrConnectionClosed
	}
	priority := j.req.Priority
	if priority > spdy.MaxPriority {
		priority = spdy.MaxPriority
	}
	stream, err := s.OpenStream(j.req.Headers, priority, j.req.NoBody)
	if err != nil {
		return StateDone, err
	}
	if created {
		j.delegate.OnSessionReady(s)
	}
	j.finish(func(d Delegate) {
		d.OnStreamReady(&EstablishedStream{Stream: stream, Session: s, ViaProxy: j.viaProxy})
	})
	return StateDone, nil
}

func (j *Job) dialCandidate(candidate ProxyCandidate) (*PooledConn, error) {
	priority := j.req.Priority
	switch candidate.Scheme {
	case config.ProxyDirect:
		return j.factory.connPool.Acquire(j.ctx, j.targetAddr(), priority)
	case config.ProxySOCKS5:
		return j.factory.connPool.AcquireViaSOCKS(j.ctx, candidate.Address(), j.targetAddr(), priority)
	case config.ProxyHTTP, config.ProxyHTTPS:
		pc, err := j.factory.connPool.Acquire(j.ctx, candidate.Address(), priority)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProxyConnectionFailed, err)
		}
		if candidate.Scheme == config.ProxyHTTPS {
			tlsCfg := &tls.Config{
				ServerName:         candidate.Host,
				InsecureSkipVerify: j.factory.cfg.Transport.InsecureSkipVerify,
			}
			if err := j.factory.connPool.NegotiateTLS(j.ctx, pc, tlsCfg); err != nil {
				pc.Close()
				return nil, err
			}
		}
		return pc, nil
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrNoSupportedProxies, candidate.Scheme)
	}
}

func (j *Job) negotiateTargetTLS() error {
	if !j.secure {
		return nil
	}
	tlsCfg := &tls.Config{
		ServerName: j.host,
		NextProtos: []string{spdy.NextProtoMux, "http/1.1"},
	}
	if j.factory.cfg.Transport.InsecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}
	if len(j.allowedCerts) > 0 {
		// The owner pinned specific certificates; verification reduces to an
		// exact match on the presented leaf.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyPeerCertificate = j.verifyPinnedCert
	}
	return j.factory.connPool.NegotiateTLS(j.ctx, j.pc, tlsCfg)
}

func (j *Job) verifyPinnedCert(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("server presented no certificate")
	}
	for _, allowed := range j.allowedCerts {
		if bytes.Equal(rawCerts[0], allowed) {
			return nil
		}
	}
	return errors.New("server certificate does not match the allowed certificate")
}

// handleConnectError sorts a connection-phase failure into its continuation:
// pause for the owner, fall back to the next proxy candidate, surface a proxy
// response, or fail.
func (j *Job) handleConnectError(err error) (JobState, error) {
	var certErr *CertificateError
	if errors.As(err, &certErr) {
		j.discardConn()
		j.pendingCertErr = certErr
		j.releaseDependent()
		j.delegate.OnCertificateError(certErr)
		return StateWaitingUserAction, nil
	}
	var clientCertErr *ClientCertificateError
	if errors.As(err, &clientCertErr) {
		j.discardConn()
		j.finish(func(d Delegate) { d.OnNeedsClientCertificate(clientCertErr) })
		return StateDone, nil
	}
	var authErr *ProxyAuthRequiredError
	if errors.As(err, &authErr) {
		// The connection and its buffered reader stay alive for the replay.
		j.releaseDependent()
		j.delegate.OnNeedsProxyAuth(authErr)
		return StateWaitingUserAction, nil
	}
	var respErr *TunnelResponseError
	if errors.As(err, &respErr) {
		j.finish(func(d Delegate) { d.OnProxyTunnelResponse(respErr) })
		return StateDone, nil
	}
	if IsConnectivityError(err) {
		j.discardConn()
		failed := j.proxies.Current()
		if j.proxies.ReconsiderAfterError(err) {
			j.log.Warn("falling back to next proxy candidate", logger.LogFields{
				"target": j.dedupeKey,
				"failed": failed.PathString(),
				"next":   j.proxies.Current().PathString(),
				"error":  err.Error(),
			})
			return StateInitConnection, nil
		}
		return StateDone, fmt.Errorf("all proxy candidates failed for %s: %w", j.dedupeKey, err)
	}
	return StateDone, err
}

// finish marks the job terminal exactly once: it leaves the wait graph,
// resumes a dependent peer, and fires the terminal delegate callback.
func (j *Job) finish(deliver func(Delegate)) {
	j.finishOnce.Do(func() {
		j.setState(StateDone)
		j.factory.jobFinished(j)
		if deliver != nil {
			deliver(j.delegate)
		}
	})
}

func (j *Job) fail(err error) {
	j.discardConn()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrJobCancelled) {
		j.finish(nil)
		return
	}
	j.finish(func(d Delegate) { d.OnFailed(err) })
}

// releaseDependent resumes a peer waiting on this job without finishing it,
// used when this job pauses indefinitely for user action.
func (j *Job) releaseDependent() {
	j.factory.graphMu.Lock()
	dep := j.dependentJob
	j.dependentJob = nil
	j.factory.graphMu.Unlock()
	if dep != nil {
		dep.peerDone()
	}
}

func (j *Job) peerDone() {
	j.peerDoneOnce.Do(func() { close(j.peerDoneCh) })
}

func (j *Job) discardConn() {
	if j.pc != nil {
		j.pc.Close()
		j.pc = nil
	}
	j.tun = nil
	j.session = nil
}

func (j *Job) sessionKey(candidate ProxyCandidate) spdy.SessionKey {
	return spdy.SessionKey{Host: j.host, Port: j.port, Proxy: candidate.PathString()}
}

func (j *Job) targetAddr() string {
	return net.JoinHostPort(j.host, strconv.Itoa(j.port))
}
