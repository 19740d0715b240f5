package spdy

import (
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"example.com/muxtransport/internal/logger"
)

// SessionPool is the directory of live sessions, keyed by destination. It is
// the single writer of the key map and the address alias map: every mutation
// funnels through Register/Remove, which is what upholds the at-most-one
// live non-closing session per key invariant.
//
// The pool is an explicitly constructed, explicitly torn-down object; callers
// share one instance by injection rather than through a process global.
type SessionPool struct {
	log                 *logger.Logger
	enableAliasing      bool
	maxControlFrameSize uint32

	mu       sync.Mutex
	sessions map[SessionKey]*Session
	aliases  map[string]SessionKey // resolved remote address -> owning key
}

// NewSessionPool creates an empty pool. enableAliasing turns on IP pooling:
// reusing a session across hostnames that share a resolved address, subject
// to a certificate identity check.
func NewSessionPool(enableAliasing bool, maxControlFrameSize uint32, log *logger.Logger) *SessionPool {
	return &SessionPool{
		log:                 log,
		enableAliasing:      enableAliasing,
		maxControlFrameSize: maxControlFrameSize,
		sessions:            make(map[SessionKey]*Session),
		aliases:             make(map[string]SessionKey),
	}
}

// Get returns the live non-closing session for key, or nil. No side effects.
func (p *SessionPool) Get(key SessionKey) *Session {
	p.mu.Lock()
	s := p.sessions[key]
	p.mu.Unlock()
	if s != nil && !s.IsClosed() {
		return s
	}
	return nil
}

// GetByAlias returns an existing session to a different hostname whose
// resolved address equals resolvedAddr, provided that session's presented
// identity is valid for key's hostname. Returns nil when aliasing is
// disabled, no such session exists, or the identity does not cover the name.
func (p *SessionPool) GetByAlias(key SessionKey, resolvedAddr string) *Session {
	if !p.enableAliasing {
		return nil
	}
	p.mu.Lock()
	ownerKey, ok := p.aliases[resolvedAddr]
	var s *Session
	if ok {
		s = p.sessions[ownerKey]
	}
	p.mu.Unlock()
	if s == nil || s.IsClosed() {
		return nil
	}
	// The alias must share the proxy path; a tunnel to one proxy says
	// nothing about reachability through another.
	if ownerKey.Proxy != key.Proxy {
		return nil
	}
	if !s.VerifiesHost(key.Host) {
		return nil
	}
	return s
}

// RegisterFromConn wraps a freshly negotiated connection as a new session
// under key and records the connection's resolved address as an alias
// target. If a live session for key already exists (a concurrent job won the
// race) the incumbent is returned with created=false and the caller must
// discard its own connection. Registration fails if the new session reports
// itself closed immediately, which happens when the server closes the
// connection during the handshake tail.
func (p *SessionPool) RegisterFromConn(key SessionKey, conn net.Conn, certStatus error) (s *Session, created bool, err error) {
	p.mu.Lock()
	if incumbent := p.sessions[key]; incumbent != nil && !incumbent.IsClosed() {
		p.mu.Unlock()
		return incumbent, false, nil
	}
	p.mu.Unlock()

	s, err = NewSession(key, conn, certStatus, p.maxControlFrameSize, p.log)
	if err != nil {
		return nil, false, err
	}
	if s.IsClosed() {
		return nil, false, NewSessionError(ErrCodeSessionClosed, "session closed during registration")
	}

	p.mu.Lock()
	if incumbent := p.sessions[key]; incumbent != nil && !incumbent.IsClosed() {
		// Lost a race between the pre-check and session construction.
		p.mu.Unlock()
		s.CloseWithError(NewSessionError(ErrCodeSessionClosed, "redundant session discarded"))
		return incumbent, false, nil
	}
	if !s.setOnClosed(p.sessionClosed) {
		// Closed between construction and registration; nothing to store.
		p.mu.Unlock()
		return nil, false, NewSessionError(ErrCodeSessionClosed, "session closed during registration")
	}
	p.sessions[key] = s
	p.aliases[s.RemoteAddrString()] = key
	p.mu.Unlock()

	p.log.Info("session registered", logger.LogFields{
		"key":  key.String(),
		"addr": s.RemoteAddrString(),
	})
	return s, true, nil
}

// Remove deregisters a session; later Get calls for its key return nothing
// until a new session is registered.
func (p *SessionPool) Remove(s *Session) {
	p.mu.Lock()
	if p.sessions[s.Key()] == s {
		delete(p.sessions, s.Key())
	}
	for addr, key := range p.aliases {
		if key == s.Key() {
			delete(p.aliases, addr)
		}
	}
	p.mu.Unlock()
}

func (p *SessionPool) sessionClosed(s *Session) {
	p.Remove(s)
}

// CloseAll tears down every session, including those mid-handshake. Used on
// network-change and TLS-configuration-change notifications.
func (p *SessionPool) CloseAll() error {
	p.mu.Lock()
	all := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		all = append(all, s)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, s := range all {
		g.Go(s.Close)
	}
	return g.Wait()
}

// CloseIdle tears down sessions with no active streams.
func (p *SessionPool) CloseIdle() {
	p.mu.Lock()
	idle := make([]*Session, 0)
	for _, s := range p.sessions {
		if s.ActiveStreamCount() == 0 {
			idle = append(idle, s)
		}
	}
	p.mu.Unlock()

	for _, s := range idle {
		s.CloseWithError(NewSessionError(ErrCodeSessionClosed, "idle session closed"))
	}
}

// SessionCount returns the number of registered sessions.
func (p *SessionPool) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
