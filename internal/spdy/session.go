package spdy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"

	"example.com/muxtransport/internal/logger"
)

// NextProtoMux is the TLS next-protocol identifier for the multiplexed
// protocol. Seeing it in the negotiation result switches a connection from
// classic byte-stream use to a Session.
const NextProtoMux = "spdy/2"

const (
	// defaultInitialSendWindow is the per-stream send window before any
	// WINDOW_UPDATE arrives.
	defaultInitialSendWindow = 64 * 1024

	// maxDataChunk caps the payload of one outgoing data frame.
	maxDataChunk = 16 * 1024

	readBufferSize = 32 * 1024
)

// SessionKey identifies the destination a session talks to: two requests
// with an equal key may share one session.
type SessionKey struct {
	Host  string
	Port  int
	Proxy string // canonical proxy path, empty for direct
}

// Addr returns the host:port form of the key's destination.
func (k SessionKey) Addr() string {
	return net.JoinHostPort(k.Host, fmt.Sprintf("%d", k.Port))
}

// String returns a loggable form of the key.
func (k SessionKey) String() string {
	if k.Proxy == "" {
		return k.Addr() + "/direct"
	}
	return k.Addr() + "/via=" + k.Proxy
}

// Session owns one underlying connection and demultiplexes its frames into
// logical streams. It initiated the connection, so locally opened streams use
// odd ids; both compression contexts live for exactly the session's life.
type Session struct {
	key  SessionKey
	conn net.Conn
	log  *logger.Logger

	framer *Framer

	// writeMu serializes encode-then-write as one unit: the send compression
	// context mutates per frame, so compression order must equal wire order.
	writeMu sync.Mutex

	mu           sync.Mutex
	streams      map[uint32]*Stream
	nextStreamID uint32
	nextPingID   uint32
	closing      bool
	closed       bool
	closeErr     error
	lastAccepted uint32 // from a received GOAWAY
	peerSettings []SettingEntry

	remoteAddr string
	certLeaf   *x509.Certificate
	certStatus error // deliberately ignored certificate error, if any

	onClosed func(*Session) // installed by the SessionPool
	done     chan struct{}
}

// NewSession wraps an already negotiated connection. The reader goroutine
// starts immediately; frames are processed strictly in arrival order.
func NewSession(key SessionKey, conn net.Conn, certStatus error, maxControlFrameSize uint32, log *logger.Logger) (*Session, error) {
	s := &Session{
		key:          key,
		conn:         conn,
		log:          log,
		streams:      make(map[uint32]*Stream),
		nextStreamID: 1,
		nextPingID:   1,
		remoteAddr:   conn.RemoteAddr().String(),
		certStatus:   certStatus,
		done:         make(chan struct{}),
	}
	framer, err := NewFramer(s, maxControlFrameSize)
	if err != nil {
		return nil, err
	}
	s.framer = framer

	if tlsConn, ok := conn.(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			s.certLeaf = state.PeerCertificates[0]
		}
	}

	go s.readLoop()
	return s, nil
}

// Key returns the destination key the session was registered under.
func (s *Session) Key() SessionKey { return s.key }

// RemoteAddrString returns the resolved network address of the peer,
// recorded at registration time for alias lookups.
func (s *Session) RemoteAddrString() string { return s.remoteAddr }

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// IsClosed reports whether the session can no longer open streams.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing || s.closed
}

// ActiveStreamCount returns the number of streams not yet fully closed.
func (s *Session) ActiveStreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// LastAcceptedStreamID returns the peer's GOAWAY watermark, zero if none
// was received.
func (s *Session) LastAcceptedStreamID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccepted
}

// PeerSettings returns the entries from the most recent SETTINGS frame.
func (s *Session) PeerSettings() []SettingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SettingEntry(nil), s.peerSettings...)
}

// setOnClosed installs the teardown callback. It reports false when the
// session already closed, in which case the callback will never fire and the
// caller must clean up itself.
func (s *Session) setOnClosed(fn func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.onClosed = fn
	return true
}

// VerifiesHost reports whether the certificate presented on this session is
// valid for host. Sessions without a TLS certificate verify nothing, and
// neither do sessions whose certificate error the owner chose to ignore:
// that override was granted for the original hostname only.
func (s *Session) VerifiesHost(host string) bool {
	if s.certLeaf == nil || s.certStatus != nil {
		return false
	}
	return s.certLeaf.VerifyHostname(host) == nil
}

// OpenStream creates a locally initiated stream and sends its SYN_STREAM.
// Stream ids are monotonically increasing with odd parity, so the two ends
// of a connection can never collide on id choice.
func (s *Session) OpenStream(headers HeaderBlock, priority uint8, fin bool) (*Stream, error) {
	s.mu.Lock()
	if s.closing || s.closed {
		s.mu.Unlock()
		return nil, NewSessionError(ErrCodeSessionClosed, "session is closing")
	}
	if s.nextStreamID > MaxStreamID {
		s.mu.Unlock()
		return nil, NewSessionError(ErrCodeStreamIDExhausted, "outgoing stream id space exhausted")
	}
	id := s.nextStreamID
	s.nextStreamID += 2
	stream := newStream(s, id, priority)
	s.streams[id] = stream
	s.mu.Unlock()

	var flags Flags
	if fin {
		flags |= FlagFin
		stream.mu.Lock()
		stream.localFin = true
		stream.mu.Unlock()
	}
	frame := &SynStreamFrame{StreamID: id, Priority: priority, Flags: flags, Headers: headers}
	if err := s.writeControl(frame); err != nil {
		s.removeStream(id)
		return nil, err
	}
	return stream, nil
}

// Ping sends a liveness probe with the next locally owned (odd) ping id.
func (s *Session) Ping() error {
	s.mu.Lock()
	id := s.nextPingID
	s.nextPingID += 2
	s.mu.Unlock()
	return s.writeControl(&PingFrame{ID: id})
}

// Close shuts the session down, aborting all active streams.
func (s *Session) Close() error {
	s.CloseWithError(NewSessionError(ErrCodeSessionClosed, "session closed locally"))
	return nil
}

// CloseWithError tears the session down: the connection is closed, every
// active stream is terminated with err, and the pool (if any) is notified.
func (s *Session) CloseWithError(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closing = true
	s.closeErr = err
	orphans := make([]*Stream, 0, len(s.streams))
	for _, stream := range s.streams {
		orphans = append(orphans, stream)
	}
	s.streams = make(map[uint32]*Stream)
	onClosed := s.onClosed
	s.mu.Unlock()

	s.conn.Close()
	for _, stream := range orphans {
		stream.terminate(err)
	}
	close(s.done)
	if onClosed != nil {
		onClosed(s)
	}
	s.log.Debug("session closed", logger.LogFields{"key": s.key.String(), "error": fmt.Sprint(err)})
}

func (s *Session) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if _, ferr := s.framer.Feed(buf[:n]); ferr != nil {
				// Codec errors are unrecoverable: the compression context or
				// frame cursor is out of sync with the peer.
				s.CloseWithError(ferr)
				return
			}
		}
		if err != nil {
			s.CloseWithError(NewSessionErrorWithCause(ErrCodeSessionClosed, "connection read failed", err))
			return
		}
	}
}

// OnControlFrame implements Visitor. It runs on the reader goroutine, so
// per-session frame processing is strictly serialized.
func (s *Session) OnControlFrame(frame ControlFrame) {
	switch fr := frame.(type) {
	case *SynReplyFrame:
		stream := s.lookupStream(fr.StreamID)
		if stream == nil {
			s.resetRemote(fr.StreamID)
			return
		}
		if !stream.deliverReply(fr.Headers, fr.Flags&FlagFin != 0) {
			// A repeated SYN_REPLY is a stream protocol error.
			stream.terminate(NewStreamError(fr.StreamID, StatusProtocolError, "duplicate SYN_REPLY"))
			s.removeStream(fr.StreamID)
			if err := s.writeControl(&RstStreamFrame{StreamID: fr.StreamID, Status: StatusProtocolError}); err != nil {
				s.log.Debug("reset for duplicate reply failed", logger.LogFields{"stream_id": fr.StreamID, "error": err.Error()})
			}
		}
	case *HeadersFrame:
		if stream := s.lookupStream(fr.StreamID); stream != nil {
			stream.deliverHeaders(fr.Headers, fr.Flags&FlagFin != 0)
		} else {
			s.resetRemote(fr.StreamID)
		}
	case *RstStreamFrame:
		if stream := s.lookupStream(fr.StreamID); stream != nil {
			stream.terminate(NewStreamError(fr.StreamID, fr.Status, "stream reset by peer"))
			s.removeStream(fr.StreamID)
		}
	case *SettingsFrame:
		s.mu.Lock()
		s.peerSettings = append([]SettingEntry(nil), fr.Entries...)
		s.mu.Unlock()
	case *PingFrame:
		// Echo pings the peer owns; ids with our parity are our own echoes.
		if fr.ID%2 == 0 {
			if err := s.writeControl(&PingFrame{ID: fr.ID}); err != nil {
				s.log.Debug("ping echo failed", logger.LogFields{"key": s.key.String(), "error": err.Error()})
			}
		}
	case *GoAwayFrame:
		s.handleGoAway(fr.LastAcceptedStreamID)
	case *SynStreamFrame:
		// Pushed streams are not accepted on this transport.
		s.resetRemote(fr.StreamID)
	case *WindowUpdateFrame:
		if stream := s.lookupStream(fr.StreamID); stream != nil {
			stream.addSendWindow(fr.Delta)
		}
	case *NoopFrame:
	}
}

// OnStreamData implements Visitor.
func (s *Session) OnStreamData(streamID uint32, data []byte, fin bool) {
	if stream := s.lookupStream(streamID); stream != nil {
		stream.deliverData(data, fin)
		return
	}
	s.resetRemote(streamID)
}

// handleGoAway stops stream creation and aborts streams above the peer's
// watermark: those were never accepted and are safe to retry elsewhere.
// Streams at or below it run to completion.
func (s *Session) handleGoAway(lastAccepted uint32) {
	s.mu.Lock()
	s.closing = true
	s.lastAccepted = lastAccepted
	refused := make([]*Stream, 0)
	for id, stream := range s.streams {
		if id > lastAccepted {
			refused = append(refused, stream)
			delete(s.streams, id)
		}
	}
	drained := len(s.streams) == 0
	s.mu.Unlock()

	s.log.Info("goaway received", logger.LogFields{
		"key":           s.key.String(),
		"last_accepted": lastAccepted,
		"refused":       len(refused),
	})
	for _, stream := range refused {
		stream.terminate(NewStreamError(stream.id, StatusRefusedStream, "stream refused by goaway"))
	}
	if drained {
		s.CloseWithError(NewSessionError(ErrCodeGoAwayReceived, "goaway received"))
	}
}

func (s *Session) lookupStream(id uint32) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

// resetRemote rejects a frame for a stream this end does not know.
func (s *Session) resetRemote(id uint32) {
	if id == 0 {
		return
	}
	if err := s.writeControl(&RstStreamFrame{StreamID: id, Status: StatusInvalidStream}); err != nil {
		s.log.Debug("reset for unknown stream failed", logger.LogFields{"stream_id": id, "error": err.Error()})
	}
}

// removeStream drops a stream from the table; once a closing session drains
// its last stream the whole session shuts down.
func (s *Session) removeStream(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	drained := s.closing && len(s.streams) == 0 && !s.closed
	s.mu.Unlock()
	if drained {
		s.CloseWithError(NewSessionError(ErrCodeGoAwayReceived, "session drained after goaway"))
	}
}

func (s *Session) writeControl(frame ControlFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	buf, err := s.framer.EncodeControlFrame(frame)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(buf); err != nil {
		return NewSessionErrorWithCause(ErrCodeSessionClosed, "connection write failed", err)
	}
	return nil
}

func (s *Session) writeData(streamID uint32, data []byte, fin bool) error {
	var flags Flags
	if fin {
		flags |= FlagFin
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	buf, err := s.framer.EncodeDataFrame(&DataFrame{StreamID: streamID, Flags: flags, Data: data})
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(buf); err != nil {
		return NewSessionErrorWithCause(ErrCodeSessionClosed, "connection write failed", err)
	}
	return nil
}
