package spdy

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Version is the protocol version carried in every control frame header.
const Version = 2

// ControlType identifies a control frame.
type ControlType uint16

const (
	// TypeSynStream (0x1): opens a new stream.
	TypeSynStream ControlType = 0x1
	// TypeSynReply (0x2): acknowledges a stream opened by the peer.
	TypeSynReply ControlType = 0x2
	// TypeRstStream (0x3): abnormally terminates a stream.
	TypeRstStream ControlType = 0x3
	// TypeSettings (0x4): communicates session-level parameters.
	TypeSettings ControlType = 0x4
	// TypeNoop (0x5): carries no semantics; receivers ignore it.
	TypeNoop ControlType = 0x5
	// TypePing (0x6): liveness measurement, echoed by the receiver.
	TypePing ControlType = 0x6
	// TypeGoAway (0x7): announces the last accepted stream id before shutdown.
	TypeGoAway ControlType = 0x7
	// TypeHeaders (0x8): adds header fields to an existing stream.
	TypeHeaders ControlType = 0x8
	// TypeWindowUpdate (0x9): grants additional flow control window.
	TypeWindowUpdate ControlType = 0x9
)

// String returns the string representation of the ControlType.
func (t ControlType) String() string {
	switch t {
	case TypeSynStream:
		return "SYN_STREAM"
	case TypeSynReply:
		return "SYN_REPLY"
	case TypeRstStream:
		return "RST_STREAM"
	case TypeSettings:
		return "SETTINGS"
	case TypeNoop:
		return "NOOP"
	case TypePing:
		return "PING"
	case TypeGoAway:
		return "GOAWAY"
	case TypeHeaders:
		return "HEADERS"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	default:
		return fmt.Sprintf("UNKNOWN_CONTROL_TYPE_%d", uint16(t))
	}
}

// Flags is the 8-bit flag field shared by control and data frames.
type Flags uint8

const (
	// FlagFin half-closes the sender's direction of the stream.
	FlagFin Flags = 0x01
	// FlagUnidirectional marks a stream on which the creator expects no reply.
	FlagUnidirectional Flags = 0x02
)

const (
	// FrameHeaderLen is the length of the common frame header in bytes.
	FrameHeaderLen = 8

	// MaxFrameLength is the largest value representable in the 24-bit length field.
	MaxFrameLength = 1<<24 - 1

	// MaxStreamID is the largest valid 31-bit stream id.
	MaxStreamID = 1<<31 - 1

	// MaxPriority is the highest (least urgent) 2-bit stream priority value.
	MaxPriority = 3

	// DefaultMaxControlFrameSize bounds a single control frame payload unless
	// configured otherwise.
	DefaultMaxControlFrameSize = 16 * 1024

	controlBit   = 0x8000
	streamIDMask = 0x7fffffff
)

// FrameHeader is the decoded form of the 8-byte common header. For control
// frames Type is meaningful; for data frames StreamID is.
type FrameHeader struct {
	Control  bool
	Version  uint16      // control frames only
	Type     ControlType // control frames only
	StreamID uint32      // data frames only
	Flags    Flags
	Length   uint32 // 24 bits; always matches the serialized payload size
}

func parseFrameHeader(buf []byte) FrameHeader {
	var fh FrameHeader
	first := binary.BigEndian.Uint16(buf[0:2])
	if first&controlBit != 0 {
		fh.Control = true
		fh.Version = first &^ controlBit
		fh.Type = ControlType(binary.BigEndian.Uint16(buf[2:4]))
	} else {
		fh.StreamID = binary.BigEndian.Uint32(buf[0:4]) & streamIDMask
	}
	fh.Flags = Flags(buf[4])
	fh.Length = uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])
	return fh
}

func appendControlHeader(dst []byte, typ ControlType, flags Flags, length uint32) []byte {
	dst = binary.BigEndian.AppendUint16(dst, controlBit|Version)
	dst = binary.BigEndian.AppendUint16(dst, uint16(typ))
	dst = append(dst, byte(flags), byte(length>>16), byte(length>>8), byte(length))
	return dst
}

func appendDataHeader(dst []byte, streamID uint32, flags Flags, length uint32) []byte {
	dst = binary.BigEndian.AppendUint32(dst, streamID&streamIDMask)
	dst = append(dst, byte(flags), byte(length>>16), byte(length>>8), byte(length))
	return dst
}

// ControlFrame is implemented by every decoded control frame.
type ControlFrame interface {
	ControlType() ControlType
}

// SynStreamFrame opens a stream. The stream id is supplied by the caller;
// the codec never allocates ids.
type SynStreamFrame struct {
	StreamID      uint32
	AssocStreamID uint32 // non-zero only for pushed streams
	Priority      uint8  // 0 (most urgent) .. 3
	Flags         Flags
	Headers       HeaderBlock
}

// ControlType returns TypeSynStream.
func (*SynStreamFrame) ControlType() ControlType { return TypeSynStream }

// SynReplyFrame acknowledges a peer-opened stream and carries reply headers.
type SynReplyFrame struct {
	StreamID uint32
	Flags    Flags
	Headers  HeaderBlock
}

// ControlType returns TypeSynReply.
func (*SynReplyFrame) ControlType() ControlType { return TypeSynReply }

// HeadersFrame adds headers to an existing stream.
type HeadersFrame struct {
	StreamID uint32
	Flags    Flags
	Headers  HeaderBlock
}

// ControlType returns TypeHeaders.
func (*HeadersFrame) ControlType() ControlType { return TypeHeaders }

// RstStreamFrame terminates a stream with a status code.
type RstStreamFrame struct {
	StreamID uint32
	Status   StatusCode
}

// ControlType returns TypeRstStream.
func (*RstStreamFrame) ControlType() ControlType { return TypeRstStream }

// SettingEntry is one (id, flags, value) triple in a SETTINGS frame.
type SettingEntry struct {
	ID    uint32 // 24 bits
	Flags uint8
	Value uint32
}

// Setting ids understood by the session layer.
const (
	SettingUploadBandwidth      uint32 = 1
	SettingDownloadBandwidth    uint32 = 2
	SettingRoundTripTime        uint32 = 3
	SettingMaxConcurrentStreams uint32 = 4
	SettingCurrentCWND          uint32 = 5
)

// SettingsFrame carries an ordered list of setting entries. Order is
// preserved through encode and decode.
type SettingsFrame struct {
	Entries []SettingEntry
}

// ControlType returns TypeSettings.
func (*SettingsFrame) ControlType() ControlType { return TypeSettings }

// NoopFrame carries nothing; it is parsed and discarded.
type NoopFrame struct{}

// ControlType returns TypeNoop.
func (*NoopFrame) ControlType() ControlType { return TypeNoop }

// PingFrame is echoed back by the receiver with the same id.
type PingFrame struct {
	ID uint32
}

// ControlType returns TypePing.
func (*PingFrame) ControlType() ControlType { return TypePing }

// GoAwayFrame announces the last stream id the sender accepted. Streams with
// a higher id were never processed and are safe to retry elsewhere.
type GoAwayFrame struct {
	LastAcceptedStreamID uint32
}

// ControlType returns TypeGoAway.
func (*GoAwayFrame) ControlType() ControlType { return TypeGoAway }

// WindowUpdateFrame grants Delta additional bytes of send window on a stream.
type WindowUpdateFrame struct {
	StreamID uint32
	Delta    uint32
}

// ControlType returns TypeWindowUpdate.
func (*WindowUpdateFrame) ControlType() ControlType { return TypeWindowUpdate }

// DataFrame carries raw stream payload. A zero-length payload, like FlagFin,
// marks end-of-stream for the sender's direction.
type DataFrame struct {
	StreamID uint32
	Flags    Flags
	Data     []byte
}

// HeaderBlock is the set of name/value pairs carried by SYN_STREAM, SYN_REPLY
// and HEADERS frames. Names are lower-cased; values for a repeated name are
// merged with a NUL separator rather than dropped.
type HeaderBlock map[string]string

// Add merges a value under name, joining repeated names with a NUL byte.
func (hb HeaderBlock) Add(name, value string) {
	name = strings.ToLower(name)
	if existing, ok := hb[name]; ok {
		hb[name] = existing + "\x00" + value
		return
	}
	hb[name] = value
}

// Get returns the first value stored under name.
func (hb HeaderBlock) Get(name string) string {
	v := hb[strings.ToLower(name)]
	if i := strings.IndexByte(v, 0); i >= 0 {
		return v[:i]
	}
	return v
}

// serializedLen returns the byte length of the uncompressed wire form.
func (hb HeaderBlock) serializedLen() int {
	n := 2
	for name, value := range hb {
		n += 4 + len(name) + len(value)
	}
	return n
}

// appendSerialized writes the uncompressed header block wire form: a 16-bit
// pair count, then 16-bit-length-prefixed name and value strings. Pairs are
// emitted in sorted name order so encoding is deterministic.
func (hb HeaderBlock) appendSerialized(dst []byte) ([]byte, error) {
	if len(hb) > 0xffff {
		return nil, fmt.Errorf("header block has %d pairs, limit 65535", len(hb))
	}
	names := make([]string, 0, len(hb))
	for name := range hb {
		if len(name) == 0 {
			return nil, fmt.Errorf("header block contains an empty name")
		}
		if len(name) > 0xffff || len(hb[name]) > 0xffff {
			return nil, fmt.Errorf("header %q exceeds the 16-bit length limit", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(names)))
	for _, name := range names {
		lower := strings.ToLower(name)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(lower)))
		dst = append(dst, lower...)
		value := hb[name]
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(value)))
		dst = append(dst, value...)
	}
	return dst, nil
}
