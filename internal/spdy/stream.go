package spdy

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Stream is one logical request/response exchange within a Session. The
// Session owns the stream's identity and lifetime; callers hold a Stream as a
// non-owning handle that becomes unusable once the session reports closure.
type Stream struct {
	id       uint32
	priority uint8
	sess     *Session

	mu         sync.Mutex
	dataCond   *sync.Cond
	windowCond *sync.Cond
	buf        bytes.Buffer // buffered inbound data, drained by Read

	replyOnce     sync.Once
	replyCh       chan struct{}
	replyHeaders  HeaderBlock
	replyReceived bool

	localFin  bool // we half-closed our direction
	remoteFin bool // peer half-closed theirs
	termErr   error

	sendWindow int32
}

func newStream(sess *Session, id uint32, priority uint8) *Stream {
	s := &Stream{
		id:         id,
		priority:   priority,
		sess:       sess,
		replyCh:    make(chan struct{}),
		sendWindow: defaultInitialSendWindow,
	}
	s.dataCond = sync.NewCond(&s.mu)
	s.windowCond = sync.NewCond(&s.mu)
	return s
}

// ID returns the stream id assigned by the session.
func (s *Stream) ID() uint32 { return s.id }

// Priority returns the 2-bit priority the stream was opened with.
func (s *Stream) Priority() uint8 { return s.priority }

// WaitReply blocks until the peer's reply headers arrive, the stream
// terminates, or ctx is done.
func (s *Stream) WaitReply(ctx context.Context) (HeaderBlock, error) {
	select {
	case <-s.replyCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replyHeaders == nil && s.termErr != nil {
		return nil, s.termErr
	}
	return s.replyHeaders, nil
}

// Read returns buffered inbound stream data, blocking until data arrives,
// the peer half-closes (io.EOF once drained), or the stream terminates.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && !s.remoteFin && s.termErr == nil {
		s.dataCond.Wait()
	}
	if s.buf.Len() > 0 {
		return s.buf.Read(p)
	}
	if s.termErr != nil {
		return 0, s.termErr
	}
	return 0, io.EOF
}

// Write sends p as one or more data frames, consuming the peer-granted send
// window. It blocks while the window is exhausted until a WINDOW_UPDATE
// replenishes it, and fails after CloseWrite, after a reset, or once the
// session is torn down.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		s.mu.Lock()
		for s.sendWindow <= 0 && s.termErr == nil && !s.localFin {
			s.windowCond.Wait()
		}
		if err := s.writeStateLocked(); err != nil {
			s.mu.Unlock()
			return written, err
		}
		n := len(p) - written
		if n > maxDataChunk {
			n = maxDataChunk
		}
		if int32(n) > s.sendWindow {
			n = int(s.sendWindow)
		}
		s.sendWindow -= int32(n)
		s.mu.Unlock()

		if err := s.sess.writeData(s.id, p[written:written+n], false); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// CloseWrite half-closes the local direction with an empty FIN data frame.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	if err := s.writeStateLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.localFin = true
	finished := s.remoteFin
	s.mu.Unlock()

	if err := s.sess.writeData(s.id, nil, true); err != nil {
		return err
	}
	if finished {
		s.sess.removeStream(s.id)
	}
	return nil
}

// Reset abnormally terminates the stream with the given status code.
func (s *Stream) Reset(status StatusCode) error {
	s.terminate(NewStreamError(s.id, status, "stream reset locally"))
	s.sess.removeStream(s.id)
	return s.sess.writeControl(&RstStreamFrame{StreamID: s.id, Status: status})
}

func (s *Stream) writeStateLocked() error {
	if s.termErr != nil {
		return s.termErr
	}
	if s.localFin {
		return NewStreamError(s.id, StatusProtocolError, "write after half-close")
	}
	return nil
}

// deliverReply records reply headers from a SYN_REPLY and wakes WaitReply.
// It reports false on a repeated SYN_REPLY, which the session must treat as a
// stream protocol error; the first reply's headers are kept.
func (s *Stream) deliverReply(headers HeaderBlock, fin bool) bool {
	s.mu.Lock()
	if s.replyReceived {
		s.mu.Unlock()
		return false
	}
	s.replyReceived = true
	s.replyHeaders = headers
	s.mu.Unlock()
	s.replyOnce.Do(func() { close(s.replyCh) })
	if fin {
		s.deliverData(nil, true)
	}
	return true
}

// deliverHeaders merges trailing headers from a HEADERS frame.
func (s *Stream) deliverHeaders(headers HeaderBlock, fin bool) {
	s.mu.Lock()
	if s.replyHeaders == nil {
		s.replyHeaders = make(HeaderBlock, len(headers))
	}
	for name, value := range headers {
		s.replyHeaders.Add(name, value)
	}
	s.mu.Unlock()
	if fin {
		s.deliverData(nil, true)
	}
}

// deliverData queues inbound payload; fin marks the peer's half-close.
func (s *Stream) deliverData(data []byte, fin bool) {
	s.mu.Lock()
	if s.termErr == nil && !s.remoteFin {
		s.buf.Write(data)
		if fin {
			s.remoteFin = true
		}
	}
	finished := s.remoteFin && s.localFin
	s.mu.Unlock()
	s.dataCond.Broadcast()
	if fin {
		// Unblock WaitReply for streams that end without a reply.
		s.replyOnce.Do(func() { close(s.replyCh) })
	}
	if finished {
		s.sess.removeStream(s.id)
	}
}

// terminate marks the stream dead with err and wakes all waiters. Buffered
// data is discarded; the handle must not be used further.
func (s *Stream) terminate(err error) {
	s.mu.Lock()
	if s.termErr == nil {
		s.termErr = err
		s.buf.Reset()
	}
	s.mu.Unlock()
	s.dataCond.Broadcast()
	s.windowCond.Broadcast()
	s.replyOnce.Do(func() { close(s.replyCh) })
}

func (s *Stream) addSendWindow(delta uint32) {
	s.mu.Lock()
	s.sendWindow += int32(delta)
	s.mu.Unlock()
	s.windowCond.Broadcast()
}
