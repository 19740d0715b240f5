package transport

import (
	"net"
	"strconv"
	"sync"

	"example.com/muxtransport/internal/config"
	"example.com/muxtransport/internal/logger"
	"example.com/muxtransport/internal/spdy"
)

// Factory creates stream-establishment jobs and owns the shared machinery
// behind them: the session pool, the connection pool, the proxy resolver, and
// the wait graph that serializes concurrent jobs to the same destination.
type Factory struct {
	cfg      *config.Config
	log      *logger.Logger
	pool     *spdy.SessionPool
	connPool *ConnPool
	resolver ProxyResolver

	graphMu  sync.Mutex
	inflight map[string]*Job

	altMu     sync.Mutex
	altProtos map[string]int // host:port -> alternate multiplexed port
}

// NewFactory wires a job factory from its collaborators. A nil resolver uses
// the configured static proxy list.
func NewFactory(cfg *config.Config, pool *spdy.SessionPool, connPool *ConnPool, resolver ProxyResolver, log *logger.Logger) *Factory {
	if resolver == nil {
		resolver = NewStaticResolver(cfg.Proxies)
	}
	return &Factory{
		cfg:       cfg,
		log:       log,
		pool:      pool,
		connPool:  connPool,
		resolver:  resolver,
		inflight:  make(map[string]*Job),
		altProtos: make(map[string]int),
	}
}

// NewJob creates a single un-raced job. Most callers want NewRequest.
func (f *Factory) NewJob(req *RequestInfo, delegate Delegate) (*Job, error) {
	return newJob(f, req, delegate)
}

// SetAlternateProtocol records that the origin at host:port also serves the
// multiplexed protocol over TLS on altPort. Later plaintext requests to that
// origin race an upgraded job against the classic one.
func (f *Factory) SetAlternateProtocol(host string, port, altPort int) {
	f.altMu.Lock()
	f.altProtos[net.JoinHostPort(host, strconv.Itoa(port))] = altPort
	f.altMu.Unlock()
}

func (f *Factory) alternateFor(hostPort string) (int, bool) {
	f.altMu.Lock()
	defer f.altMu.Unlock()
	port, ok := f.altProtos[hostPort]
	return port, ok
}

// jobFinished removes a terminal job from the wait graph and resumes any
// peer that was blocked on it. A finishing waiter also detaches itself from
// its blocker, so the blocker's dependent slot frees up for later jobs.
func (f *Factory) jobFinished(j *Job) {
	f.graphMu.Lock()
	if f.inflight[j.dedupeKey] == j {
		delete(f.inflight, j.dedupeKey)
	}
	dep := j.dependentJob
	j.dependentJob = nil
	if b := j.blockingJob; b != nil {
		if b.dependentJob == j {
			b.dependentJob = nil
		}
		j.blockingJob = nil
	}
	f.graphMu.Unlock()
	if dep != nil {
		dep.peerDone()
	}
}

// Shutdown tears down everything the factory owns: all sessions and all
// pooled connections.
func (f *Factory) Shutdown() error {
	err := f.pool.CloseAll()
	f.connPool.Close()
	return err
}

// Request races up to two jobs for one exchange: the main job for the URL as
// given, plus an upgraded job when the origin is known to serve the
// multiplexed protocol on an alternate port. The first terminal outcome wins
// and the loser is cancelled without surfacing anything; a job's failure is
// swallowed while its sibling is still running.
type Request struct {
	factory  *Factory
	delegate Delegate

	mu        sync.Mutex
	mainJob   *Job
	altJob    *Job
	failed    map[*Job]bool
	pausedJob *Job
	bound     bool
}

// NewRequest builds the job set for req. Results arrive on delegate after
// Start.
func (f *Factory) NewRequest(req *RequestInfo, delegate Delegate) (*Request, error) {
	r := &Request{factory: f, delegate: delegate, failed: make(map[*Job]bool)}

	mainProxy := &jobProxy{r: r}
	main, err := newJob(f, req, mainProxy)
	if err != nil {
		return nil, err
	}
	mainProxy.job = main
	r.mainJob = main

	if req.URL.Scheme == "http" {
		if altPort, ok := f.alternateFor(main.dedupeKey); ok {
			altURL := *req.URL
			altURL.Scheme = "https"
			altURL.Host = net.JoinHostPort(main.host, strconv.Itoa(altPort))
			altReq := *req
			altReq.URL = &altURL
			altProxy := &jobProxy{r: r}
			alt, err := newJob(f, &altReq, altProxy)
			if err == nil {
				altProxy.job = alt
				r.altJob = alt
			}
		}
	}
	return r, nil
}

// Start launches every job in the set.
func (r *Request) Start() {
	r.mainJob.Start()
	if r.altJob != nil {
		r.altJob.Start()
	}
}

// Cancel aborts all jobs silently.
func (r *Request) Cancel() {
	r.mu.Lock()
	r.bound = true
	main, alt := r.mainJob, r.altJob
	r.mu.Unlock()
	main.Cancel()
	if alt != nil {
		alt.Cancel()
	}
}

// RestartWithProxyAuth forwards credentials to the job paused on a 407.
func (r *Request) RestartWithProxyAuth(auth ProxyAuth) {
	if j := r.takePaused(); j != nil {
		j.RestartWithProxyAuth(auth)
	}
}

// ResumeAfterCertDecision forwards the caller's certificate decision to the
// paused job.
func (r *Request) ResumeAfterCertDecision(allow bool) {
	if j := r.takePaused(); j != nil {
		j.ResumeAfterCertDecision(allow)
	}
}

func (r *Request) takePaused() *Job {
	r.mu.Lock()
	j := r.pausedJob
	r.pausedJob = nil
	r.mu.Unlock()
	return j
}

// bind claims the terminal outcome for job. The first claim wins; the losing
// sibling is orphaned.
func (r *Request) bind(job *Job) bool {
	r.mu.Lock()
	if r.bound {
		r.mu.Unlock()
		return false
	}
	r.bound = true
	other := r.otherLocked(job)
	r.mu.Unlock()
	if other != nil {
		other.Cancel()
	}
	return true
}

// jobFailed records a job failure. It reports whether the failure is terminal
// for the whole request, which is only the case once no sibling remains.
func (r *Request) jobFailed(job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound {
		return false
	}
	r.failed[job] = true
	if other := r.otherLocked(job); other != nil && !r.failed[other] {
		return false
	}
	r.bound = true
	return true
}

func (r *Request) markPaused(job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound {
		return false
	}
	r.pausedJob = job
	return true
}

func (r *Request) isLive(job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.bound && !r.failed[job]
}

func (r *Request) otherLocked(job *Job) *Job {
	if job == r.mainJob {
		return r.altJob
	}
	return r.mainJob
}

// jobProxy is the per-job delegate that funnels callbacks through the
// request's first-wins arbitration before they reach the caller.
type jobProxy struct {
	r   *Request
	job *Job
}

func (p *jobProxy) OnStreamReady(es *EstablishedStream) {
	if p.r.bind(p.job) {
		p.r.delegate.OnStreamReady(es)
	}
}

func (p *jobProxy) OnSessionReady(s *spdy.Session) {
	if p.r.isLive(p.job) {
		p.r.delegate.OnSessionReady(s)
	}
}

func (p *jobProxy) OnFailed(err error) {
	if p.r.jobFailed(p.job) {
		p.r.delegate.OnFailed(err)
	}
}

func (p *jobProxy) OnCertificateError(certErr *CertificateError) {
	if p.r.markPaused(p.job) {
		p.r.delegate.OnCertificateError(certErr)
	}
}

func (p *jobProxy) OnNeedsProxyAuth(authErr *ProxyAuthRequiredError) {
	if p.r.markPaused(p.job) {
		p.r.delegate.OnNeedsProxyAuth(authErr)
	}
}

func (p *jobProxy) OnNeedsClientCertificate(certErr *ClientCertificateError) {
	if p.r.bind(p.job) {
		p.r.delegate.OnNeedsClientCertificate(certErr)
	}
}

func (p *jobProxy) OnProxyTunnelResponse(respErr *TunnelResponseError) {
	if p.r.bind(p.job) {
		p.r.delegate.OnProxyTunnelResponse(respErr)
	}
}
