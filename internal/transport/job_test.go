package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/muxtransport/internal/config"
	"example.com/muxtransport/internal/logger"
	"example.com/muxtransport/internal/spdy"
)

type testDelegate struct {
	streams     chan *EstablishedStream
	sessions    chan *spdy.Session
	fails       chan error
	certErrs    chan *CertificateError
	authErrs    chan *ProxyAuthRequiredError
	clientCerts chan *ClientCertificateError
	tunnelResps chan *TunnelResponseError
}

func newTestDelegate() *testDelegate {
	return &testDelegate{
		streams:     make(chan *EstablishedStream, 4),
		sessions:    make(chan *spdy.Session, 4),
		fails:       make(chan error, 4),
		certErrs:    make(chan *CertificateError, 4),
		authErrs:    make(chan *ProxyAuthRequiredError, 4),
		clientCerts: make(chan *ClientCertificateError, 4),
		tunnelResps: make(chan *TunnelResponseError, 4),
	}
}

func (d *testDelegate) OnStreamReady(es *EstablishedStream)                { d.streams <- es }
func (d *testDelegate) OnSessionReady(s *spdy.Session)                     { d.sessions <- s }
func (d *testDelegate) OnFailed(err error)                                 { d.fails <- err }
func (d *testDelegate) OnCertificateError(e *CertificateError)             { d.certErrs <- e }
func (d *testDelegate) OnNeedsProxyAuth(e *ProxyAuthRequiredError)         { d.authErrs <- e }
func (d *testDelegate) OnNeedsClientCertificate(e *ClientCertificateError) { d.clientCerts <- e }
func (d *testDelegate) OnProxyTunnelResponse(e *TunnelResponseError)       { d.tunnelResps <- e }

func recvStream(t *testing.T, d *testDelegate) *EstablishedStream {
	t.Helper()
	select {
	case es := <-d.streams:
		return es
	case err := <-d.fails:
		t.Fatalf("job failed: %v", err)
		return nil
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnStreamReady")
		return nil
	}
}

func recvFailure(t *testing.T, d *testDelegate) error {
	t.Helper()
	select {
	case err := <-d.fails:
		return err
	case <-d.streams:
		t.Fatal("job succeeded, want failure")
		return nil
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnFailed")
		return nil
	}
}

// pipeDialer dials synchronous in-memory connections and drains the far end
// so frame writes never block.
type pipeDialer struct {
	calls    atomic.Int32
	failAddr string
	gate     chan struct{} // if set, the first dial blocks on it
}

func (pd *pipeDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	n := pd.calls.Add(1)
	if pd.gate != nil && n == 1 {
		select {
		case <-pd.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if addr == pd.failAddr {
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
	}
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	return client, nil
}

func newJobTestFactory(t *testing.T, cfg *config.Config, dial DialFunc) *Factory {
	t.Helper()
	log := logger.NewTestLogger(nil)
	pool := spdy.NewSessionPool(cfg.IPPoolingEnabled(), cfg.Transport.MaxControlFrameSize, log)
	connPool := NewConnPool(time.Minute, clockwork.NewFakeClock(), dial, log)
	f := NewFactory(cfg, pool, connPool, nil, log)
	t.Cleanup(func() { f.Shutdown() })
	return f
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestJobClassicDirect(t *testing.T) {
	dialer := &pipeDialer{}
	f := newJobTestFactory(t, &config.Config{}, dialer.dial)
	d := newTestDelegate()

	job, err := f.NewJob(&RequestInfo{URL: mustURL(t, "http://example.test/")}, d)
	require.NoError(t, err)
	job.Start()

	es := recvStream(t, d)
	require.NotNil(t, es.Conn)
	assert.Nil(t, es.Stream)
	assert.True(t, es.ViaProxy.IsDirect())
	assert.Equal(t, StateDone, job.State())
	assert.Equal(t, int32(1), dialer.calls.Load())
	es.Conn.Close()
}

func TestJobFallsBackAcrossProxyCandidates(t *testing.T) {
	dialer := &pipeDialer{failAddr: "socks.test:1080"}
	cfg := &config.Config{
		Proxies: []config.ProxyConfig{
			{Scheme: config.ProxySOCKS5, Host: "socks.test", Port: 1080},
			{Scheme: config.ProxyDirect},
		},
	}
	f := newJobTestFactory(t, cfg, dialer.dial)
	d := newTestDelegate()

	job, err := f.NewJob(&RequestInfo{URL: mustURL(t, "http://example.test/")}, d)
	require.NoError(t, err)
	job.Start()

	es := recvStream(t, d)
	require.NotNil(t, es.Conn)
	assert.True(t, es.ViaProxy.IsDirect(), "should have fallen back to direct")
	es.Conn.Close()
}

func TestJobFailsWhenAllCandidatesFail(t *testing.T) {
	dialer := &pipeDialer{failAddr: "example.test:80"}
	f := newJobTestFactory(t, &config.Config{}, dialer.dial)
	d := newTestDelegate()

	job, err := f.NewJob(&RequestInfo{URL: mustURL(t, "http://example.test/")}, d)
	require.NoError(t, err)
	job.Start()

	err = recvFailure(t, d)
	assert.ErrorContains(t, err, "example.test:80")
}

func TestJobWaitsForEquivalentInflightJob(t *testing.T) {
	dialer := &pipeDialer{gate: make(chan struct{})}
	f := newJobTestFactory(t, &config.Config{}, dialer.dial)
	dA := newTestDelegate()
	dB := newTestDelegate()

	jobA, err := f.NewJob(&RequestInfo{URL: mustURL(t, "http://example.test/")}, dA)
	require.NoError(t, err)
	jobB, err := f.NewJob(&RequestInfo{URL: mustURL(t, "http://example.test/")}, dB)
	require.NoError(t, err)

	jobA.Start()
	require.Eventually(t, func() bool { return jobA.State() == StateInitConnection },
		time.Second, 5*time.Millisecond)

	jobB.Start()
	require.Eventually(t, func() bool { return jobB.State() == StateWaitForJob },
		time.Second, 5*time.Millisecond)

	close(dialer.gate)

	esA := recvStream(t, dA)
	esB := recvStream(t, dB)
	require.NotNil(t, esA.Conn)
	require.NotNil(t, esB.Conn)
	esA.Conn.Close()
	esB.Conn.Close()
}

func TestJobMultiplexedSessionShared(t *testing.T) {
	dialer := &pipeDialer{}
	cfg := &config.Config{Transport: config.TransportConfig{ForceMultiplexed: true}}
	f := newJobTestFactory(t, cfg, dialer.dial)

	d1 := newTestDelegate()
	job1, err := f.NewJob(&RequestInfo{
		URL:     mustURL(t, "http://example.test/"),
		Headers: spdy.HeaderBlock{"method": "GET", "url": "/"},
		NoBody:  true,
	}, d1)
	require.NoError(t, err)
	job1.Start()

	es1 := recvStream(t, d1)
	require.NotNil(t, es1.Stream)
	require.NotNil(t, es1.Session)
	assert.Nil(t, es1.Conn)

	select {
	case s := <-d1.sessions:
		assert.Same(t, es1.Session, s)
	case <-time.After(2 * time.Second):
		t.Fatal("OnSessionReady not fired for the session creator")
	}

	// A second job to the same destination reuses the pooled session
	// without dialing.
	d2 := newTestDelegate()
	job2, err := f.NewJob(&RequestInfo{
		URL:     mustURL(t, "http://example.test/"),
		Headers: spdy.HeaderBlock{"method": "GET", "url": "/"},
		NoBody:  true,
	}, d2)
	require.NoError(t, err)
	job2.Start()

	es2 := recvStream(t, d2)
	require.NotNil(t, es2.Stream)
	assert.Same(t, es1.Session, es2.Session)
	assert.Equal(t, int32(1), dialer.calls.Load())
	assert.NotEqual(t, es1.Stream.ID(), es2.Stream.ID())

	select {
	case <-d2.sessions:
		t.Fatal("OnSessionReady fired for a pool-reuse job")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitingJobFindsWinnersSession(t *testing.T) {
	// Two concurrent multiplexed jobs to one destination: the second waits
	// for the first, then finds the first's session in the pool instead of
	// dialing a second connection.
	dialer := &pipeDialer{gate: make(chan struct{})}
	cfg := &config.Config{Transport: config.TransportConfig{ForceMultiplexed: true}}
	f := newJobTestFactory(t, cfg, dialer.dial)
	dA := newTestDelegate()
	dB := newTestDelegate()

	req := func() *RequestInfo {
		return &RequestInfo{
			URL:     mustURL(t, "http://example.test/"),
			Headers: spdy.HeaderBlock{"method": "GET", "url": "/"},
			NoBody:  true,
		}
	}
	jobA, err := f.NewJob(req(), dA)
	require.NoError(t, err)
	jobB, err := f.NewJob(req(), dB)
	require.NoError(t, err)

	jobA.Start()
	require.Eventually(t, func() bool { return dialer.calls.Load() == 1 },
		time.Second, 5*time.Millisecond)
	jobB.Start()
	require.Eventually(t, func() bool { return jobB.State() == StateWaitForJob },
		time.Second, 5*time.Millisecond)

	close(dialer.gate)

	esA := recvStream(t, dA)
	esB := recvStream(t, dB)
	require.NotNil(t, esA.Session)
	assert.Same(t, esA.Session, esB.Session)
	assert.Equal(t, int32(1), dialer.calls.Load(), "waiter must reuse, not dial")
}

func TestCancelledWaiterDetachesFromBlocker(t *testing.T) {
	dialer := &pipeDialer{gate: make(chan struct{})}
	f := newJobTestFactory(t, &config.Config{}, dialer.dial)
	dA := newTestDelegate()
	dB := newTestDelegate()

	jobA, err := f.NewJob(&RequestInfo{URL: mustURL(t, "http://example.test/")}, dA)
	require.NoError(t, err)
	jobB, err := f.NewJob(&RequestInfo{URL: mustURL(t, "http://example.test/")}, dB)
	require.NoError(t, err)

	jobA.Start()
	require.Eventually(t, func() bool { return dialer.calls.Load() == 1 },
		time.Second, 5*time.Millisecond)
	jobB.Start()
	require.Eventually(t, func() bool { return jobB.State() == StateWaitForJob },
		time.Second, 5*time.Millisecond)

	jobB.Cancel()

	// The blocker's dependent slot must free up so a later job can wait on it.
	require.Eventually(t, func() bool {
		f.graphMu.Lock()
		defer f.graphMu.Unlock()
		return jobA.dependentJob == nil
	}, time.Second, 5*time.Millisecond)

	close(dialer.gate)
	es := recvStream(t, dA)
	es.Conn.Close()
}

func TestJobCancelIsSilent(t *testing.T) {
	dialer := &pipeDialer{gate: make(chan struct{})}
	f := newJobTestFactory(t, &config.Config{}, dialer.dial)
	d := newTestDelegate()

	job, err := f.NewJob(&RequestInfo{URL: mustURL(t, "http://example.test/")}, d)
	require.NoError(t, err)
	job.Start()
	require.Eventually(t, func() bool { return dialer.calls.Load() == 1 },
		time.Second, 5*time.Millisecond)

	job.Cancel()
	close(dialer.gate)

	select {
	case es := <-d.streams:
		t.Fatalf("cancelled job delivered a stream: %+v", es)
	case err := <-d.fails:
		t.Fatalf("cancelled job reported failure: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, StateDone, job.State())
}

func TestHandleConnectErrorRouting(t *testing.T) {
	newPausableJob := func(t *testing.T, d *testDelegate) *Job {
		f := newJobTestFactory(t, &config.Config{}, (&pipeDialer{}).dial)
		job, err := f.NewJob(&RequestInfo{URL: mustURL(t, "https://example.test/")}, d)
		require.NoError(t, err)
		job.proxies = NewProxyList([]ProxyCandidate{DirectCandidate})
		return job
	}

	t.Run("certificate error pauses", func(t *testing.T) {
		d := newTestDelegate()
		job := newPausableJob(t, d)
		certErr := &CertificateError{Cause: errors.New("unknown authority"), Cert: &x509.Certificate{Raw: []byte{1}}}

		state, err := job.handleConnectError(certErr)
		require.NoError(t, err)
		assert.Equal(t, StateWaitingUserAction, state)
		select {
		case got := <-d.certErrs:
			assert.Same(t, certErr, got)
		default:
			t.Fatal("OnCertificateError not fired")
		}
	})

	t.Run("proxy auth pauses and keeps the connection", func(t *testing.T) {
		d := newTestDelegate()
		job := newPausableJob(t, d)
		authErr := &ProxyAuthRequiredError{Challenge: `Basic realm="p"`}

		state, err := job.handleConnectError(authErr)
		require.NoError(t, err)
		assert.Equal(t, StateWaitingUserAction, state)
		select {
		case got := <-d.authErrs:
			assert.Same(t, authErr, got)
		default:
			t.Fatal("OnNeedsProxyAuth not fired")
		}
	})

	t.Run("client certificate demand is terminal", func(t *testing.T) {
		d := newTestDelegate()
		job := newPausableJob(t, d)

		state, err := job.handleConnectError(&ClientCertificateError{ServerName: "example.test"})
		require.NoError(t, err)
		assert.Equal(t, StateDone, state)
		select {
		case <-d.clientCerts:
		default:
			t.Fatal("OnNeedsClientCertificate not fired")
		}
	})

	t.Run("tunnel response is terminal and surfaced", func(t *testing.T) {
		d := newTestDelegate()
		job := newPausableJob(t, d)
		respErr := &TunnelResponseError{}

		state, err := job.handleConnectError(respErr)
		require.NoError(t, err)
		assert.Equal(t, StateDone, state)
		select {
		case got := <-d.tunnelResps:
			assert.Same(t, respErr, got)
		default:
			t.Fatal("OnProxyTunnelResponse not fired")
		}
	})

	t.Run("connectivity error with exhausted candidates fails", func(t *testing.T) {
		d := newTestDelegate()
		job := newPausableJob(t, d)

		_, err := job.handleConnectError(&net.OpError{Op: "dial", Err: errors.New("refused")})
		require.Error(t, err)
		assert.ErrorContains(t, err, "all proxy candidates failed")
	})

	t.Run("protocol error is terminal as-is", func(t *testing.T) {
		d := newTestDelegate()
		job := newPausableJob(t, d)
		protoErr := errors.New("malformed greeting")

		state, err := job.handleConnectError(protoErr)
		assert.Equal(t, StateDone, state)
		assert.Same(t, protoErr, err)
	})
}

func TestResumeDecisions(t *testing.T) {
	t.Run("allowing a certificate pins it for the retry", func(t *testing.T) {
		d := newTestDelegate()
		f := newJobTestFactory(t, &config.Config{}, (&pipeDialer{}).dial)
		job, err := f.NewJob(&RequestInfo{URL: mustURL(t, "https://example.test/")}, d)
		require.NoError(t, err)
		job.pendingCertErr = &CertificateError{Cause: errors.New("bad cert"), Cert: &x509.Certificate{Raw: []byte{0xde, 0xad}}}

		job.ResumeAfterCertDecision(true)
		state, err := job.doWaitUserAction()
		require.NoError(t, err)
		assert.Equal(t, StateInitConnection, state)
		require.Len(t, job.allowedCerts, 1)
		assert.Equal(t, []byte{0xde, 0xad}, job.allowedCerts[0])
		assert.Error(t, job.certStatus)
	})

	t.Run("rejecting a certificate fails the job", func(t *testing.T) {
		d := newTestDelegate()
		f := newJobTestFactory(t, &config.Config{}, (&pipeDialer{}).dial)
		job, err := f.NewJob(&RequestInfo{URL: mustURL(t, "https://example.test/")}, d)
		require.NoError(t, err)

		job.ResumeAfterCertDecision(false)
		state, err := job.doWaitUserAction()
		assert.Equal(t, StateDone, state)
		assert.ErrorIs(t, err, ErrCertificateRejected)
	})

	t.Run("retry while paused on proxy auth discards the held connection", func(t *testing.T) {
		d := newTestDelegate()
		f := newJobTestFactory(t, &config.Config{}, (&pipeDialer{}).dial)
		job, err := f.NewJob(&RequestInfo{URL: mustURL(t, "https://example.test/")}, d)
		require.NoError(t, err)

		client, server := net.Pipe()
		defer server.Close()
		conn := &trackedConn{Conn: client, peer: server}
		job.pc = &PooledConn{conn: conn}

		job.ResumeAfterCertDecision(true)
		state, err := job.doWaitUserAction()
		require.NoError(t, err)
		assert.Equal(t, StateInitConnection, state)
		assert.Nil(t, job.pc)
		assert.True(t, conn.closed.Load(), "held tunnel conn must be closed before redialing")
	})

	t.Run("proxy credentials route to the tunnel restart", func(t *testing.T) {
		d := newTestDelegate()
		f := newJobTestFactory(t, &config.Config{}, (&pipeDialer{}).dial)
		job, err := f.NewJob(&RequestInfo{URL: mustURL(t, "https://example.test/")}, d)
		require.NoError(t, err)

		job.RestartWithProxyAuth(ProxyAuth{Username: "u", Password: "p"})
		state, err := job.doWaitUserAction()
		require.NoError(t, err)
		assert.Equal(t, StateRestartTunnelAuth, state)
		require.NotNil(t, job.proxyAuth)
		assert.Equal(t, "u", job.proxyAuth.Username)
	})
}
