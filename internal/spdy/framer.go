package spdy

import (
	"encoding/binary"
	"fmt"
)

// Visitor receives decoded frames from a Framer. Callbacks run synchronously
// on the goroutine calling Feed, in wire arrival order.
type Visitor interface {
	// OnControlFrame delivers one fully decoded control frame.
	OnControlFrame(frame ControlFrame)
	// OnStreamData delivers a chunk of stream payload. fin is true on the
	// final chunk of a frame carrying FlagFin, and for a zero-length data
	// frame, both of which mark end-of-stream for that direction.
	OnStreamData(streamID uint32, data []byte, fin bool)
}

type framerState int

const (
	stateReadingHeader framerState = iota
	stateControlPayload
	stateDataPayload
	stateError
)

// Framer is an incremental codec for the multiplexed binary protocol. The
// decode side is a pull parser over an append-only cursor: Feed consumes as
// many complete logical units as the supplied bytes allow and buffers any
// partial frame across calls. The encode side is stateless except for the
// send-direction compression context.
//
// A Framer owns both per-direction header compression contexts, so exactly
// one Framer exists per session and encode calls must be externally
// serialized in wire order.
type Framer struct {
	visitor Visitor

	maxControlFrameSize uint32

	state     framerState
	header    [FrameHeaderLen]byte
	headerLen int
	fh        FrameHeader
	payload   []byte // accumulating control payload
	remaining uint32 // payload bytes still expected for the current frame
	err       error

	compressor   *headerCompressor
	decompressor *headerDecompressor
}

// NewFramer creates a Framer dispatching to visitor. maxControlFrameSize of 0
// selects DefaultMaxControlFrameSize. The error is a compression-context
// initialization failure, which is terminal per the protocol.
func NewFramer(visitor Visitor, maxControlFrameSize uint32) (*Framer, error) {
	if maxControlFrameSize == 0 {
		maxControlFrameSize = DefaultMaxControlFrameSize
	}
	compressor, err := newHeaderCompressor()
	if err != nil {
		return nil, err
	}
	return &Framer{
		visitor:             visitor,
		maxControlFrameSize: maxControlFrameSize,
		compressor:          compressor,
		decompressor:        newHeaderDecompressor(),
	}, nil
}

// Feed consumes as many complete logical units from p as are available,
// buffering any trailing partial frame. It returns the number of bytes
// consumed. Once Feed has returned an error the Framer is unusable: it
// cannot resynchronize mid-stream and the owning session must close.
func (f *Framer) Feed(p []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	consumed := 0
	for consumed < len(p) {
		switch f.state {
		case stateReadingHeader:
			n := copy(f.header[f.headerLen:], p[consumed:])
			f.headerLen += n
			consumed += n
			if f.headerLen < FrameHeaderLen {
				return consumed, nil
			}
			if err := f.interpretHeader(); err != nil {
				return consumed, f.fail(err)
			}

		case stateControlPayload:
			n := int(f.remaining)
			if avail := len(p) - consumed; avail < n {
				n = avail
			}
			f.payload = append(f.payload, p[consumed:consumed+n]...)
			f.remaining -= uint32(n)
			consumed += n
			if f.remaining > 0 {
				return consumed, nil
			}
			if err := f.processControlFrame(); err != nil {
				return consumed, f.fail(err)
			}
			f.reset()

		case stateDataPayload:
			n := int(f.remaining)
			if avail := len(p) - consumed; avail < n {
				n = avail
			}
			chunk := p[consumed : consumed+n]
			f.remaining -= uint32(n)
			consumed += n
			fin := f.remaining == 0 && f.fh.Flags&FlagFin != 0
			f.visitor.OnStreamData(f.fh.StreamID, chunk, fin)
			if f.remaining == 0 {
				f.reset()
			}

		case stateError:
			return consumed, f.err
		}
	}
	return consumed, nil
}

func (f *Framer) reset() {
	f.state = stateReadingHeader
	f.headerLen = 0
	f.payload = f.payload[:0]
	f.remaining = 0
}

func (f *Framer) fail(err error) error {
	f.err = err
	f.state = stateError
	return err
}

func (f *Framer) interpretHeader() error {
	f.fh = parseFrameHeader(f.header[:])
	f.remaining = f.fh.Length

	if !f.fh.Control {
		if f.fh.Length == 0 {
			// A zero-length data frame marks end-of-stream on its own.
			f.visitor.OnStreamData(f.fh.StreamID, nil, true)
			f.reset()
			return nil
		}
		f.state = stateDataPayload
		return nil
	}

	if f.fh.Version != Version {
		return NewSessionError(ErrCodeUnsupportedVersion,
			fmt.Sprintf("control frame version %d, want %d", f.fh.Version, Version))
	}
	switch f.fh.Type {
	case TypeSynStream, TypeSynReply, TypeRstStream, TypeSettings,
		TypeNoop, TypePing, TypeGoAway, TypeHeaders, TypeWindowUpdate:
	default:
		return NewSessionError(ErrCodeUnknownControlType,
			fmt.Sprintf("unknown control frame type %d", uint16(f.fh.Type)))
	}
	if f.fh.Length > f.maxControlFrameSize {
		return NewSessionError(ErrCodeControlFrameTooLarge,
			fmt.Sprintf("%s payload of %d bytes exceeds limit %d", f.fh.Type, f.fh.Length, f.maxControlFrameSize))
	}
	if f.fh.Length == 0 {
		if err := f.processControlFrame(); err != nil {
			return err
		}
		f.reset()
		return nil
	}
	f.state = stateControlPayload
	return nil
}

func (f *Framer) processControlFrame() error {
	p := f.payload
	need := func(n int, what string) error {
		if len(p) != n {
			return NewSessionError(ErrCodeInvalidControlFrame,
				fmt.Sprintf("%s payload is %d bytes, want %d", what, len(p), n))
		}
		return nil
	}

	var frame ControlFrame
	switch f.fh.Type {
	case TypeSynStream:
		if len(p) < 10 {
			return NewSessionError(ErrCodeInvalidControlFrame, "SYN_STREAM payload too short")
		}
		headers, err := f.decompressor.decompressBlock(p[10:])
		if err != nil {
			return err
		}
		frame = &SynStreamFrame{
			StreamID:      binary.BigEndian.Uint32(p[0:4]) & streamIDMask,
			AssocStreamID: binary.BigEndian.Uint32(p[4:8]) & streamIDMask,
			Priority:      p[8] >> 6,
			Flags:         f.fh.Flags,
			Headers:       headers,
		}

	case TypeSynReply:
		if len(p) < 6 {
			return NewSessionError(ErrCodeInvalidControlFrame, "SYN_REPLY payload too short")
		}
		headers, err := f.decompressor.decompressBlock(p[6:])
		if err != nil {
			return err
		}
		frame = &SynReplyFrame{
			StreamID: binary.BigEndian.Uint32(p[0:4]) & streamIDMask,
			Flags:    f.fh.Flags,
			Headers:  headers,
		}

	case TypeHeaders:
		if len(p) < 6 {
			return NewSessionError(ErrCodeInvalidControlFrame, "HEADERS payload too short")
		}
		headers, err := f.decompressor.decompressBlock(p[6:])
		if err != nil {
			return err
		}
		frame = &HeadersFrame{
			StreamID: binary.BigEndian.Uint32(p[0:4]) & streamIDMask,
			Flags:    f.fh.Flags,
			Headers:  headers,
		}

	case TypeRstStream:
		if err := need(8, "RST_STREAM"); err != nil {
			return err
		}
		frame = &RstStreamFrame{
			StreamID: binary.BigEndian.Uint32(p[0:4]) & streamIDMask,
			Status:   StatusCode(binary.BigEndian.Uint32(p[4:8])),
		}

	case TypeSettings:
		if len(p) < 4 {
			return NewSessionError(ErrCodeInvalidControlFrame, "SETTINGS payload too short")
		}
		count := binary.BigEndian.Uint32(p[0:4])
		if (len(p)-4)%8 != 0 || count != uint32((len(p)-4)/8) {
			return NewSessionError(ErrCodeInvalidControlFrame,
				fmt.Sprintf("SETTINGS declares %d entries in %d payload bytes", count, len(p)))
		}
		entries := make([]SettingEntry, 0, count)
		for off := 4; off < len(p); off += 8 {
			idFlags := binary.BigEndian.Uint32(p[off : off+4])
			entries = append(entries, SettingEntry{
				ID:    idFlags >> 8,
				Flags: uint8(idFlags),
				Value: binary.BigEndian.Uint32(p[off+4 : off+8]),
			})
		}
		frame = &SettingsFrame{Entries: entries}

	case TypeNoop:
		if err := need(0, "NOOP"); err != nil {
			return err
		}
		frame = &NoopFrame{}

	case TypePing:
		if err := need(4, "PING"); err != nil {
			return err
		}
		frame = &PingFrame{ID: binary.BigEndian.Uint32(p[0:4])}

	case TypeGoAway:
		if err := need(4, "GOAWAY"); err != nil {
			return err
		}
		frame = &GoAwayFrame{LastAcceptedStreamID: binary.BigEndian.Uint32(p[0:4]) & streamIDMask}

	case TypeWindowUpdate:
		if err := need(8, "WINDOW_UPDATE"); err != nil {
			return err
		}
		frame = &WindowUpdateFrame{
			StreamID: binary.BigEndian.Uint32(p[0:4]) & streamIDMask,
			Delta:    binary.BigEndian.Uint32(p[4:8]) & streamIDMask,
		}
	}

	f.visitor.OnControlFrame(frame)
	return nil
}

// EncodeControlFrame serializes a control frame, compressing the header block
// of SYN_STREAM, SYN_REPLY and HEADERS frames with the send-direction
// context. Because that context is shared session state, concurrent callers
// must serialize encode-then-write as one unit.
func (f *Framer) EncodeControlFrame(frame ControlFrame) ([]byte, error) {
	switch fr := frame.(type) {
	case *SynStreamFrame:
		if fr.StreamID == 0 || fr.StreamID > MaxStreamID {
			return nil, NewSessionError(ErrCodeInvalidControlFrame, "SYN_STREAM requires a valid stream id")
		}
		block, err := f.compressHeaders(fr.Headers)
		if err != nil {
			return nil, err
		}
		length := uint32(10 + len(block))
		out := appendControlHeader(make([]byte, 0, FrameHeaderLen+length), TypeSynStream, fr.Flags, length)
		out = binary.BigEndian.AppendUint32(out, fr.StreamID)
		out = binary.BigEndian.AppendUint32(out, fr.AssocStreamID)
		out = append(out, (fr.Priority&MaxPriority)<<6, 0)
		return append(out, block...), nil

	case *SynReplyFrame:
		block, err := f.compressHeaders(fr.Headers)
		if err != nil {
			return nil, err
		}
		length := uint32(6 + len(block))
		out := appendControlHeader(make([]byte, 0, FrameHeaderLen+length), TypeSynReply, fr.Flags, length)
		out = binary.BigEndian.AppendUint32(out, fr.StreamID)
		out = append(out, 0, 0)
		return append(out, block...), nil

	case *HeadersFrame:
		block, err := f.compressHeaders(fr.Headers)
		if err != nil {
			return nil, err
		}
		length := uint32(6 + len(block))
		out := appendControlHeader(make([]byte, 0, FrameHeaderLen+length), TypeHeaders, fr.Flags, length)
		out = binary.BigEndian.AppendUint32(out, fr.StreamID)
		out = append(out, 0, 0)
		return append(out, block...), nil

	case *RstStreamFrame:
		out := appendControlHeader(make([]byte, 0, FrameHeaderLen+8), TypeRstStream, 0, 8)
		out = binary.BigEndian.AppendUint32(out, fr.StreamID)
		return binary.BigEndian.AppendUint32(out, uint32(fr.Status)), nil

	case *SettingsFrame:
		length := uint32(4 + 8*len(fr.Entries))
		out := appendControlHeader(make([]byte, 0, FrameHeaderLen+length), TypeSettings, 0, length)
		out = binary.BigEndian.AppendUint32(out, uint32(len(fr.Entries)))
		for _, e := range fr.Entries {
			out = binary.BigEndian.AppendUint32(out, e.ID<<8|uint32(e.Flags))
			out = binary.BigEndian.AppendUint32(out, e.Value)
		}
		return out, nil

	case *NoopFrame:
		return appendControlHeader(make([]byte, 0, FrameHeaderLen), TypeNoop, 0, 0), nil

	case *PingFrame:
		out := appendControlHeader(make([]byte, 0, FrameHeaderLen+4), TypePing, 0, 4)
		return binary.BigEndian.AppendUint32(out, fr.ID), nil

	case *GoAwayFrame:
		out := appendControlHeader(make([]byte, 0, FrameHeaderLen+4), TypeGoAway, 0, 4)
		return binary.BigEndian.AppendUint32(out, fr.LastAcceptedStreamID), nil

	case *WindowUpdateFrame:
		out := appendControlHeader(make([]byte, 0, FrameHeaderLen+8), TypeWindowUpdate, 0, 8)
		out = binary.BigEndian.AppendUint32(out, fr.StreamID)
		return binary.BigEndian.AppendUint32(out, fr.Delta), nil

	default:
		return nil, NewSessionError(ErrCodeInvalidControlFrame,
			fmt.Sprintf("cannot encode control frame of type %T", frame))
	}
}

// EncodeDataFrame serializes a data frame.
func (f *Framer) EncodeDataFrame(frame *DataFrame) ([]byte, error) {
	if len(frame.Data) > MaxFrameLength {
		return nil, NewSessionError(ErrCodeInvalidControlFrame,
			fmt.Sprintf("data payload of %d bytes exceeds the 24-bit length field", len(frame.Data)))
	}
	out := appendDataHeader(make([]byte, 0, FrameHeaderLen+len(frame.Data)),
		frame.StreamID, frame.Flags, uint32(len(frame.Data)))
	return append(out, frame.Data...), nil
}

func (f *Framer) compressHeaders(headers HeaderBlock) ([]byte, error) {
	raw, err := headers.appendSerialized(make([]byte, 0, headers.serializedLen()))
	if err != nil {
		return nil, NewSessionErrorWithCause(ErrCodeInvalidControlFrame, "unserializable header block", err)
	}
	return f.compressor.compress(raw)
}
