package spdy

import "fmt"

// StatusCode is the status carried by a RST_STREAM frame.
type StatusCode uint32

const (
	// StatusProtocolError (0x1): generic protocol violation.
	StatusProtocolError StatusCode = 0x1
	// StatusInvalidStream (0x2): frame received for a stream that does not exist.
	StatusInvalidStream StatusCode = 0x2
	// StatusRefusedStream (0x3): stream rejected before any processing; safe to retry elsewhere.
	StatusRefusedStream StatusCode = 0x3
	// StatusUnsupportedVersion (0x4): peer does not speak this protocol version.
	StatusUnsupportedVersion StatusCode = 0x4
	// StatusCancel (0x5): stream no longer needed by its creator.
	StatusCancel StatusCode = 0x5
	// StatusInternalError (0x6): implementation fault.
	StatusInternalError StatusCode = 0x6
	// StatusFlowControlError (0x7): peer violated the flow control window.
	StatusFlowControlError StatusCode = 0x7
)

// String returns the string representation of the StatusCode.
func (s StatusCode) String() string {
	switch s {
	case StatusProtocolError:
		return "PROTOCOL_ERROR"
	case StatusInvalidStream:
		return "INVALID_STREAM"
	case StatusRefusedStream:
		return "REFUSED_STREAM"
	case StatusUnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case StatusCancel:
		return "CANCEL"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusFlowControlError:
		return "FLOW_CONTROL_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN_STATUS_%d", uint32(s))
	}
}

// ErrorCode classifies a fatal condition at the framer or session level.
type ErrorCode uint8

const (
	// ErrCodeInvalidControlFrame: a control frame could not be decoded.
	ErrCodeInvalidControlFrame ErrorCode = iota + 1
	// ErrCodeUnsupportedVersion: control frame carried an unknown protocol version.
	ErrCodeUnsupportedVersion
	// ErrCodeUnknownControlType: control frame type is not recognized.
	ErrCodeUnknownControlType
	// ErrCodeControlFrameTooLarge: control payload exceeds the configured maximum.
	ErrCodeControlFrameTooLarge
	// ErrCodeCompressionFailure: a header compression context could not be
	// created or produced corrupt output. The codec cannot resynchronize.
	ErrCodeCompressionFailure
	// ErrCodeDecompressionFailure: a header block failed to inflate or parse.
	ErrCodeDecompressionFailure
	// ErrCodeGoAwayReceived: the peer announced it will accept no new streams.
	ErrCodeGoAwayReceived
	// ErrCodeSessionClosed: operation attempted on a closing or closed session.
	ErrCodeSessionClosed
	// ErrCodeStreamIDExhausted: the outgoing stream id space wrapped.
	ErrCodeStreamIDExhausted
)

// String returns the string representation of the ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrCodeInvalidControlFrame:
		return "INVALID_CONTROL_FRAME"
	case ErrCodeUnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case ErrCodeUnknownControlType:
		return "UNKNOWN_CONTROL_TYPE"
	case ErrCodeControlFrameTooLarge:
		return "CONTROL_FRAME_TOO_LARGE"
	case ErrCodeCompressionFailure:
		return "COMPRESSION_FAILURE"
	case ErrCodeDecompressionFailure:
		return "DECOMPRESSION_FAILURE"
	case ErrCodeGoAwayReceived:
		return "GOAWAY_RECEIVED"
	case ErrCodeSessionClosed:
		return "SESSION_CLOSED"
	case ErrCodeStreamIDExhausted:
		return "STREAM_ID_EXHAUSTED"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint8(e))
	}
}

// SessionError is fatal to an entire session. Once one is raised the
// underlying connection must be torn down; no resynchronization is attempted.
type SessionError struct {
	Code  ErrorCode
	Msg   string
	Cause error
}

// Error returns a string representation of the SessionError.
func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("session error: %s (code %s): %s", e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("session error: %s (code %s)", e.Msg, e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// NewSessionError creates a new SessionError.
func NewSessionError(code ErrorCode, msg string) *SessionError {
	return &SessionError{Code: code, Msg: msg}
}

// NewSessionErrorWithCause creates a new SessionError with an underlying cause.
func NewSessionErrorWithCause(code ErrorCode, msg string, cause error) *SessionError {
	return &SessionError{Code: code, Msg: msg, Cause: cause}
}

// StreamError is scoped to a single stream; the session survives it.
type StreamError struct {
	StreamID uint32
	Status   StatusCode
	Msg      string
}

// Error returns a string representation of the StreamError.
func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error on stream %d: %s (status %s)", e.StreamID, e.Msg, e.Status)
}

// NewStreamError creates a new StreamError.
func NewStreamError(streamID uint32, status StatusCode, msg string) *StreamError {
	return &StreamError{StreamID: streamID, Status: status, Msg: msg}
}
